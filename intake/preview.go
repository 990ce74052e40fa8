package intake

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"github.com/apex/log"
	"github.com/rwcarlsen/goexif/exif"
	"golang.org/x/image/draw"
)

const (
	maxPreviewDimension = 512 // Maximum preview width or height in pixels
	previewQuality      = 85
)

// Orientation extracts the EXIF orientation tag, defaulting to 1.
func Orientation(data []byte) int {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 1
	}

	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}

	orientation, err := tag.Int(0)
	if err != nil || orientation < 1 || orientation > 8 {
		return 1
	}
	return orientation
}

// Orient applies an EXIF orientation to img so it displays upright.
func Orient(img image.Image, orientation int) image.Image {
	if orientation <= 1 || orientation > 8 {
		return img
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	dstW, dstH := w, h
	if orientation >= 5 {
		dstW, dstH = h, w
	}
	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var dx, dy int
			switch orientation {
			case 2: // flip horizontal
				dx, dy = w-1-x, y
			case 3: // rotate 180
				dx, dy = w-1-x, h-1-y
			case 4: // flip vertical
				dx, dy = x, h-1-y
			case 5: // transpose
				dx, dy = y, x
			case 6: // rotate 90 clockwise
				dx, dy = h-1-y, x
			case 7: // transverse
				dx, dy = h-1-y, w-1-x
			case 8: // rotate 90 counter-clockwise
				dx, dy = y, w-1-x
			}
			dst.Set(dx, dy, img.At(bounds.Min.X+x, bounds.Min.Y+y))
		}
	}
	return dst
}

// Preview decodes data and returns a data URL suitable for display. Photos
// that already fit within the preview box are embedded unchanged; larger
// ones are oriented, scaled down and re-encoded as JPEG.
func Preview(data []byte) (string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUndecodableImage, err)
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width <= maxPreviewDimension && height <= maxPreviewDimension {
		return dataURL("image/"+format, data), nil
	}

	orientation := Orientation(data)
	img = Orient(img, orientation)
	bounds = img.Bounds()
	width, height = bounds.Dx(), bounds.Dy()

	// Scale the longer side to the preview box, keeping the aspect ratio.
	newWidth, newHeight := maxPreviewDimension, maxPreviewDimension
	if width >= height {
		newHeight = max(1, height*maxPreviewDimension/width)
	} else {
		newWidth = max(1, width*maxPreviewDimension/height)
	}

	scaled := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.ApproxBiLinear.Scale(scaled, scaled.Bounds(), img, img.Bounds(), draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, scaled, &jpeg.Options{Quality: previewQuality}); err != nil {
		return "", fmt.Errorf("failed to encode preview: %w", err)
	}

	log.Debugf("Preview scaled: %dx%d -> %dx%d (orientation: %d, %d bytes)",
		width, height, newWidth, newHeight, orientation, buf.Len())

	return dataURL("image/jpeg", buf.Bytes()), nil
}

func dataURL(mimeType string, data []byte) string {
	return fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(data))
}

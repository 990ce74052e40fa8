// Package intake validates user-selected report photos and prepares the
// preview shown while a report is being composed.
package intake

import (
	"errors"
	"fmt"
	"strings"

	"github.com/apex/log"
	"github.com/gabriel-vasile/mimetype"
)

// MaxImageSize is the largest photo accepted for a report, in bytes.
const MaxImageSize = 10 * 1024 * 1024

// MsgImageTooLarge is shown when a photo exceeds MaxImageSize.
const MsgImageTooLarge = "Image is too large. Maximum size is 10MB."

var (
	ErrImageTooLarge    = errors.New("image exceeds maximum size")
	ErrUnsupportedType  = errors.New("unsupported image type")
	ErrUndecodableImage = errors.New("image could not be decoded")
)

var allowedImageMimeTypes = []string{"image/jpeg", "image/jpg", "image/png", "image/gif"}

// Rejection is returned when a selected file cannot be attached. Message is
// meant for the person filling in the report.
type Rejection struct {
	Message string
	Err     error
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %v", r.Message, r.Err)
}

func (r *Rejection) Unwrap() error {
	return r.Err
}

// Attachment is a photo accepted for a report. Data holds the original file
// bytes for upload; Preview is a data URL for display.
type Attachment struct {
	FileName string
	MimeType string
	Data     []byte
	Preview  string
}

// Size returns the attachment size in bytes.
func (a *Attachment) Size() int {
	return len(a.Data)
}

// AllowedMimeType reports whether mimeType is one of the accepted photo types.
func AllowedMimeType(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	for _, allowed := range allowedImageMimeTypes {
		if mimeType == allowed {
			return true
		}
	}
	return false
}

// Validate checks the size and type limits without looking at the content.
func Validate(size int, mimeType string) error {
	if size > MaxImageSize {
		return &Rejection{
			Message: MsgImageTooLarge,
			Err:     fmt.Errorf("%w: %d bytes", ErrImageTooLarge, size),
		}
	}
	if !AllowedMimeType(mimeType) {
		return &Rejection{
			Message: "Unsupported image type. Please upload a JPEG, PNG or GIF image.",
			Err:     fmt.Errorf("%w: %q", ErrUnsupportedType, mimeType),
		}
	}
	return nil
}

// Accept validates a selected file and builds its preview. When
// declaredType is empty the type is sniffed from the content. Nothing is
// returned besides the rejection if any step fails.
func Accept(fileName, declaredType string, data []byte) (*Attachment, error) {
	mimeType := strings.ToLower(strings.TrimSpace(declaredType))
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = mimetype.Detect(data).String()
	}

	if err := Validate(len(data), mimeType); err != nil {
		return nil, err
	}

	preview, err := Preview(data)
	if err != nil {
		return nil, &Rejection{
			Message: "Could not read the selected image. Please try another file.",
			Err:     err,
		}
	}

	log.WithFields(log.Fields{
		"file": fileName,
		"type": mimeType,
		"size": len(data),
	}).Debug("image accepted")

	return &Attachment{
		FileName: fileName,
		MimeType: mimeType,
		Data:     data,
		Preview:  preview,
	}, nil
}

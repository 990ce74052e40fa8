// Package suggest asks the image analyzer for candidate problem categories
// and maps every failure onto the fixed fallback set.
package suggest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"civicportal/intake"

	"github.com/apex/log"
)

// Fallback is offered whenever analysis yields nothing or fails.
var Fallback = []string{
	"Garbage & Waste",
	"Water Issues",
	"Traffic & Roads",
	"Electricity Issues",
	"Public Spaces",
	"Other Issues",
}

// FallbackCategories returns a copy of the fallback set.
func FallbackCategories() []string {
	return append([]string(nil), Fallback...)
}

// Analyzer is the external image analysis service.
type Analyzer interface {
	AnalyzeImage(ctx context.Context, img *intake.Attachment) ([]string, error)
}

// AnalyzerFunc adapts a function to the Analyzer interface.
type AnalyzerFunc func(ctx context.Context, img *intake.Attachment) ([]string, error)

func (f AnalyzerFunc) AnalyzeImage(ctx context.Context, img *intake.Attachment) ([]string, error) {
	return f(ctx, img)
}

// Outcome classifies a suggestion attempt.
type Outcome int

const (
	Found Outcome = iota
	Empty
	Unavailable
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Found:
		return "found"
	case Empty:
		return "empty"
	case Unavailable:
		return "unavailable"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is what a single suggestion attempt produced. Categories is never
// empty: failures carry the fallback set.
type Result struct {
	Outcome    Outcome
	Categories []string
	Message    string
	Err        error
}

// Generic reports whether the categories are the fallback set rather than
// analyzer output.
func (r Result) Generic() bool {
	return r.Outcome != Found
}

const (
	msgEmpty       = "No specific categories were detected. These are general suggestions, please select the ones that apply."
	msgUnavailable = "The image analysis service is temporarily unavailable. Please select a category manually."
	msgFailed      = "Could not analyze the image. Please select a category manually."
)

// Suggest issues exactly one analysis request for img. It never retries.
func Suggest(ctx context.Context, analyzer Analyzer, img *intake.Attachment) Result {
	categories, err := analyzer.AnalyzeImage(ctx, img)
	categories = clean(categories)

	switch Classify(categories, err) {
	case Unavailable:
		log.WithError(err).Warn("image analysis unavailable, using fallback categories")
		return Result{Outcome: Unavailable, Categories: FallbackCategories(), Message: msgUnavailable, Err: err}
	case Failed:
		log.WithError(err).Error("image analysis failed, using fallback categories")
		return Result{Outcome: Failed, Categories: FallbackCategories(), Message: msgFailed, Err: err}
	case Empty:
		return Result{Outcome: Empty, Categories: FallbackCategories(), Message: msgEmpty}
	}

	return Result{
		Outcome:    Found,
		Categories: categories,
		Message:    fmt.Sprintf("Found %d possible categories for this image.", len(categories)),
	}
}

// Classify maps a raw analyzer answer onto an outcome.
func Classify(categories []string, err error) Outcome {
	switch {
	case err != nil && QuotaExceeded(err):
		return Unavailable
	case err != nil:
		return Failed
	case len(clean(categories)) == 0:
		return Empty
	default:
		return Found
	}
}

// clean drops blank and duplicate names, keeping the analyzer's order.
func clean(categories []string) []string {
	seen := make(map[string]bool, len(categories))
	out := make([]string, 0, len(categories))
	for _, c := range categories {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

var quotaMarkers = []string{"quota", "rate limit", "rate-limit", "too many requests", "resource exhausted"}

// QuotaExceeded reports whether err means the analyzer refused because of a
// quota or rate limit.
func QuotaExceeded(err error) bool {
	if err == nil {
		return false
	}
	var sc StatusCoder
	if errors.As(err, &sc) && sc.HTTPStatus() == http.StatusTooManyRequests {
		return true
	}
	text := strings.ToLower(err.Error())
	for _, marker := range quotaMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

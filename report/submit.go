package report

import (
	"context"
	"errors"
	"fmt"

	"civicportal/intake"
	"civicportal/location"

	"github.com/apex/log"
)

var ErrSubmitInFlight = errors.New("submission already in progress")

// ValidationError names the first missing piece of a draft.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid report: %s: %s", e.Field, e.Message)
}

// Payload is what gets submitted for a completed draft.
type Payload struct {
	Categories []string
	Category   string
	OthersText string
	Location   string
	Priority   Priority
	Image      *intake.Attachment
	Position   *location.Position
}

// SubmitFunc sends a payload to the backend. It owns user notification for
// its own failures.
type SubmitFunc func(ctx context.Context, p Payload) error

// Validate checks the draft in a fixed order and reports only the first
// problem: image, description, category selection, location.
func (f *Form) Validate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.validateLocked()
}

func (f *Form) validateLocked() error {
	switch {
	case f.attachment == nil:
		return &ValidationError{Field: "image", Message: "Please upload an image of the problem."}
	case trimmed(f.draft.Description) == "":
		return &ValidationError{Field: "description", Message: "Please describe the problem."}
	case len(f.suggested) > 0 && len(f.selected) == 0:
		return &ValidationError{Field: "categories", Message: "Please select at least one category."}
	case trimmed(f.draft.Location) == "":
		return &ValidationError{Field: "location", Message: "Please provide the location of the problem."}
	}
	return nil
}

func (f *Form) payloadLocked() Payload {
	p := Payload{
		Categories: append([]string(nil), f.selected...),
		OthersText: f.draft.Description,
		Location:   f.draft.Location,
		Priority:   f.draft.Priority,
		Image:      f.attachment,
	}
	if len(p.Categories) > 0 {
		p.Category = p.Categories[0]
	}
	if custom := trimmed(f.draft.CustomProblem); custom != "" {
		p.OthersText = custom + ": " + f.draft.Description
	}
	if f.position != nil {
		pos := *f.position
		p.Position = &pos
	}
	return p
}

// Submit validates the draft and hands it to the submit collaborator. On
// success the whole form is reset at once; on failure nothing is cleared
// so the user can retry. A second call while one is running returns
// ErrSubmitInFlight without doing anything.
func (f *Form) Submit(ctx context.Context) error {
	f.mu.Lock()
	if f.submitting {
		f.mu.Unlock()
		return ErrSubmitInFlight
	}
	if err := f.validateLocked(); err != nil {
		f.mu.Unlock()
		var verr *ValidationError
		if errors.As(err, &verr) {
			f.notify(Event{Type: EventValidation, Level: LevelError, Message: verr.Message})
		}
		return err
	}
	if f.submit == nil {
		f.mu.Unlock()
		return errors.New("no submitter configured")
	}
	payload := f.payloadLocked()
	f.submitting = true
	f.mu.Unlock()

	err := f.submit(ctx, payload)

	f.mu.Lock()
	f.submitting = false
	if err == nil {
		f.draft = EmptyDraft()
		f.attachment = nil
		f.position = nil
		f.clearCategoriesLocked()
		f.suggestGen++
		f.suggesting = false
		f.locationEdit++
		f.inputResets++
	}
	f.mu.Unlock()

	if err != nil {
		log.WithError(err).Warn("report submission failed, draft kept for retry")
		f.notify(Event{Type: EventChanged})
		return err
	}

	f.notify(Event{Type: EventSubmitted, Level: LevelSuccess, Message: "Your report has been submitted."})
	return nil
}

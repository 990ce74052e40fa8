// Package report holds the state of a report being composed and the
// sequencing around it: photo intake, category suggestion, location and
// submission.
package report

import (
	"errors"
	"fmt"
	"strings"
)

// Priority of a report.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

var ErrInvalidPriority = errors.New("invalid priority")

// ParsePriority accepts low, medium or high in any case.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPriority, s)
	}
}

// Draft is the report as typed so far. Image is the preview data URL;
// Category mirrors the first entry of Categories for older consumers.
type Draft struct {
	Image         string   `json:"image"`
	Description   string   `json:"description"`
	Category      string   `json:"category"`
	Categories    []string `json:"categories"`
	Location      string   `json:"location"`
	Priority      Priority `json:"priority"`
	CustomProblem string   `json:"customProblem"`
}

// EmptyDraft is the draft a fresh form starts with.
func EmptyDraft() Draft {
	return Draft{Priority: PriorityMedium}
}

// Layout is the front end a form serves. Both layouts run the same
// workflow.
type Layout string

const (
	Desktop Layout = "desktop"
	Mobile  Layout = "mobile"
)

// ParseLayout defaults to Desktop for unknown values.
func ParseLayout(s string) Layout {
	if Layout(strings.ToLower(strings.TrimSpace(s))) == Mobile {
		return Mobile
	}
	return Desktop
}

// ManualEntryNudge reports whether the layout tells the user to describe
// the problem by hand when the analyzer found nothing.
// TODO: confirm with product whether mobile should show the nudge too.
func (l Layout) ManualEntryNudge() bool {
	return l == Desktop
}

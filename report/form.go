package report

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"civicportal/intake"
	"civicportal/location"
	"civicportal/suggest"

	"github.com/apex/log"
)

var (
	ErrSuggestionPending = errors.New("category suggestions are still loading")
	ErrUnknownCategory   = errors.New("category is not among the suggestions")
	ErrLocationPending   = errors.New("location request already in progress")
)

const msgNoCategoriesNudge = "If none of these categories fit, pick Other Issues and describe the problem in your own words."

// Config wires a Form to its collaborators. Analyzer may be nil, in which
// case no categories are suggested. A nil Resolver behaves like a device
// without location support.
type Config struct {
	Layout   Layout
	Analyzer suggest.Analyzer
	Resolver *location.Resolver
	Submit   SubmitFunc
	Notify   Notifier
}

// Form owns one draft report. Methods are safe for concurrent use;
// suggestion runs in the background and never blocks the other setters.
type Form struct {
	layout   Layout
	analyzer suggest.Analyzer
	resolver *location.Resolver
	submit   SubmitFunc
	notify   Notifier

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	draft       Draft
	attachment  *intake.Attachment
	suggested   []string
	selected    []string
	genericHint bool
	position    *location.Position

	suggesting bool
	suggestGen uint64

	gettingLocation bool
	locationReq     uint64
	locationEdit    uint64

	submitting  bool
	inputResets int
}

// NewForm returns a form holding an empty draft.
func NewForm(cfg Config) *Form {
	ctx, cancel := context.WithCancel(context.Background())
	f := &Form{
		layout:   cfg.Layout,
		analyzer: cfg.Analyzer,
		resolver: cfg.Resolver,
		submit:   cfg.Submit,
		notify:   cfg.Notify,
		ctx:      ctx,
		cancel:   cancel,
		draft:    EmptyDraft(),
	}
	if f.layout == "" {
		f.layout = Desktop
	}
	if f.resolver == nil {
		f.resolver = location.NewResolver(location.Environment{}, nil)
	}
	if f.notify == nil {
		f.notify = func(Event) {}
	}
	return f
}

// Layout returns the layout the form was created for.
func (f *Form) Layout() Layout {
	return f.layout
}

// Close stops background work and waits for it. Results arriving later
// are dropped.
func (f *Form) Close() {
	f.cancel()
	f.wg.Wait()
}

// Wait blocks until background suggestion work has finished.
func (f *Form) Wait() {
	f.wg.Wait()
}

// AttachImage validates and attaches a photo, replacing any previous one,
// and starts fetching category suggestions for it. On rejection nothing
// changes.
func (f *Form) AttachImage(fileName, mimeType string, data []byte) error {
	att, err := intake.Accept(fileName, mimeType, data)
	if err != nil {
		var rejection *intake.Rejection
		if errors.As(err, &rejection) {
			f.notify(Event{Type: EventImageRejected, Level: LevelError, Message: rejection.Message})
		}
		return err
	}

	f.mu.Lock()
	f.attachment = att
	f.draft.Image = att.Preview
	f.clearCategoriesLocked()
	f.suggestGen++
	gen := f.suggestGen
	f.suggesting = f.analyzer != nil
	f.mu.Unlock()

	f.notify(Event{Type: EventImageAttached})

	if f.analyzer != nil {
		f.wg.Add(1)
		go f.runSuggestion(gen, att)
	}
	return nil
}

func (f *Form) runSuggestion(gen uint64, att *intake.Attachment) {
	defer f.wg.Done()

	res := suggest.Suggest(f.ctx, f.analyzer, att)

	f.mu.Lock()
	if gen != f.suggestGen {
		f.mu.Unlock()
		log.Debugf("dropping suggestions for replaced image %q", att.FileName)
		return
	}
	f.suggested = res.Categories
	f.selected = nil
	f.syncCategoriesLocked()
	f.genericHint = res.Generic()
	f.suggesting = false
	f.mu.Unlock()

	level := LevelSuccess
	switch res.Outcome {
	case suggest.Empty:
		level = LevelInfo
	case suggest.Unavailable:
		level = LevelWarning
	case suggest.Failed:
		level = LevelError
	}
	f.notify(Event{Type: EventSuggestions, Level: level, Message: res.Message})

	if res.Outcome == suggest.Empty && f.layout.ManualEntryNudge() {
		f.notify(Event{Type: EventSuggestions, Level: LevelInfo, Message: msgNoCategoriesNudge})
	}
}

// RemoveImage detaches the photo together with its preview, suggested
// and selected categories.
func (f *Form) RemoveImage() {
	f.mu.Lock()
	f.attachment = nil
	f.draft.Image = ""
	f.clearCategoriesLocked()
	f.suggestGen++
	f.suggesting = false
	f.inputResets++
	f.mu.Unlock()

	f.notify(Event{Type: EventImageRemoved})
}

// SetDescription replaces the free-text description.
func (f *Form) SetDescription(description string) {
	f.mu.Lock()
	f.draft.Description = description
	f.mu.Unlock()
	f.notify(Event{Type: EventChanged})
}

// SetPriority sets the report priority.
func (f *Form) SetPriority(p Priority) error {
	p, err := ParsePriority(string(p))
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.draft.Priority = p
	f.mu.Unlock()
	f.notify(Event{Type: EventChanged})
	return nil
}

// SetCustomProblem sets the free-text problem name used with Other Issues.
func (f *Form) SetCustomProblem(s string) {
	f.mu.Lock()
	f.draft.CustomProblem = s
	f.mu.Unlock()
	f.notify(Event{Type: EventChanged})
}

// SetLocation sets the location by hand. Coordinates from an earlier
// resolution are dropped and a resolution still in flight will not
// overwrite the typed value.
func (f *Form) SetLocation(loc string) {
	f.mu.Lock()
	f.draft.Location = loc
	f.position = nil
	f.locationEdit++
	f.mu.Unlock()
	f.notify(Event{Type: EventChanged})
}

// SelectCategories replaces the selection. Every name must be one of the
// current suggestions; duplicates are ignored.
func (f *Form) SelectCategories(names []string) error {
	f.mu.Lock()
	if f.suggesting {
		f.mu.Unlock()
		return ErrSuggestionPending
	}
	selected := make([]string, 0, len(names))
	for _, name := range names {
		if !contains(f.suggested, name) {
			f.mu.Unlock()
			return fmt.Errorf("%w: %q", ErrUnknownCategory, name)
		}
		if !contains(selected, name) {
			selected = append(selected, name)
		}
	}
	f.selected = selected
	f.syncCategoriesLocked()
	f.mu.Unlock()

	f.notify(Event{Type: EventChanged})
	return nil
}

// ToggleCategory adds name to the selection or removes it.
func (f *Form) ToggleCategory(name string) error {
	f.mu.Lock()
	current := append([]string(nil), f.selected...)
	f.mu.Unlock()

	next := make([]string, 0, len(current)+1)
	found := false
	for _, c := range current {
		if c == name {
			found = true
			continue
		}
		next = append(next, c)
	}
	if !found {
		next = append(next, name)
	}
	return f.SelectCategories(next)
}

// ResolveLocation asks the resolver for a location and writes it into the
// draft, unless the user typed a location meanwhile. The returned result
// carries any message to show.
func (f *Form) ResolveLocation(ctx context.Context) (location.Result, error) {
	f.mu.Lock()
	if f.gettingLocation {
		f.mu.Unlock()
		return location.Result{}, ErrLocationPending
	}
	f.gettingLocation = true
	f.locationReq++
	req, edit := f.locationReq, f.locationEdit
	f.mu.Unlock()

	res := f.resolver.Resolve(ctx)

	f.mu.Lock()
	applied := false
	if req == f.locationReq {
		f.gettingLocation = false
		if edit == f.locationEdit && res.Location != "" {
			f.draft.Location = res.Location
			f.position = res.Position
			applied = true
		}
	}
	f.mu.Unlock()

	switch {
	case res.Message != "":
		f.notify(Event{Type: EventLocation, Level: LevelError, Message: res.Message})
	case applied:
		f.notify(Event{Type: EventLocation, Level: LevelSuccess})
	default:
		f.notify(Event{Type: EventLocation})
	}
	return res, nil
}

func (f *Form) clearCategoriesLocked() {
	f.suggested = nil
	f.selected = nil
	f.genericHint = false
	f.syncCategoriesLocked()
}

func (f *Form) syncCategoriesLocked() {
	f.draft.Categories = append([]string(nil), f.selected...)
	f.draft.Category = ""
	if len(f.selected) > 0 {
		f.draft.Category = f.selected[0]
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Snapshot is a consistent copy of the form state.
type Snapshot struct {
	Layout             Layout             `json:"layout"`
	Draft              Draft              `json:"draft"`
	FileName           string             `json:"file_name,omitempty"`
	Suggested          []string           `json:"suggested_categories"`
	Selected           []string           `json:"selected_categories"`
	GenericSuggestions bool               `json:"generic_suggestions"`
	Position           *location.Position `json:"position,omitempty"`
	Suggesting         bool               `json:"suggesting"`
	GettingLocation    bool               `json:"getting_location"`
	Submitting         bool               `json:"submitting"`
	LocationAvailable  bool               `json:"location_available"`
	InputResets        int                `json:"input_resets"`
}

// HasImage reports whether a photo is attached.
func (s Snapshot) HasImage() bool {
	return s.Draft.Image != ""
}

// Snapshot returns a copy of the current state.
func (f *Form) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()

	s := Snapshot{
		Layout:             f.layout,
		Draft:              f.draft,
		Suggested:          append([]string(nil), f.suggested...),
		Selected:           append([]string(nil), f.selected...),
		GenericSuggestions: f.genericHint,
		Suggesting:         f.suggesting,
		GettingLocation:    f.gettingLocation,
		Submitting:         f.submitting,
		LocationAvailable:  f.resolver.Available(),
		InputResets:        f.inputResets,
	}
	s.Draft.Categories = append([]string(nil), f.draft.Categories...)
	if f.attachment != nil {
		s.FileName = f.attachment.FileName
	}
	if f.position != nil {
		p := *f.position
		s.Position = &p
	}
	return s
}

func trimmed(s string) string {
	return strings.TrimSpace(s)
}

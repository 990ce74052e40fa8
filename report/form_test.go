package report

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"sync"
	"testing"
	"time"

	"civicportal/intake"
	"civicportal/location"
	"civicportal/suggest"

	"github.com/jknair0/beforeeach"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	events   *eventLog
	payloads []Payload
	failNext error
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) messages(t EventType) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range l.events {
		if e.Type == t && e.Message != "" {
			out = append(out, e.Message)
		}
	}
	return out
}

func setUp() {
	events = &eventLog{}
	payloads = nil
	failNext = nil
}

func tearDown() {}

var it = beforeeach.Create(setUp, tearDown)

func recordingSubmit(ctx context.Context, p Payload) error {
	if failNext != nil {
		return failNext
	}
	payloads = append(payloads, p)
	return nil
}

func staticAnalyzer(categories []string, err error) suggest.Analyzer {
	return suggest.AnalyzerFunc(func(ctx context.Context, img *intake.Attachment) ([]string, error) {
		return categories, err
	})
}

func newTestForm(analyzer suggest.Analyzer) *Form {
	return NewForm(Config{
		Layout:   Desktop,
		Analyzer: analyzer,
		Submit:   recordingSubmit,
		Notify:   events.record,
	})
}

func testJPEG(t *testing.T, padTo int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 64, 48)), nil))
	data := buf.Bytes()
	if padTo > len(data) {
		data = append(data, make([]byte, padTo-len(data))...)
	}
	return data
}

func TestSubmitScenario(t *testing.T) {
	it(func() {
		f := newTestForm(staticAnalyzer([]string{"Traffic & Roads", "Public Spaces"}, nil))
		defer f.Close()

		require.NoError(t, f.AttachImage("road.jpg", "image/jpeg", testJPEG(t, 2*1024*1024)))
		f.Wait()
		f.SetDescription("pothole on main road")
		require.NoError(t, f.SelectCategories([]string{"Traffic & Roads"}))
		f.SetLocation("Mall Road, Kanpur")
		require.NoError(t, f.SetPriority(PriorityHigh))

		require.NoError(t, f.Submit(context.Background()))

		require.Len(t, payloads, 1)
		p := payloads[0]
		assert.Equal(t, []string{"Traffic & Roads"}, p.Categories)
		assert.Equal(t, "Traffic & Roads", p.Category)
		assert.Equal(t, "pothole on main road", p.OthersText)
		assert.Equal(t, "Mall Road, Kanpur", p.Location)
		assert.Equal(t, PriorityHigh, p.Priority)
		require.NotNil(t, p.Image)
		assert.Equal(t, "road.jpg", p.Image.FileName)
		assert.Nil(t, p.Position)

		s := f.Snapshot()
		assert.Equal(t, Draft{Priority: PriorityMedium}, s.Draft)
		assert.Empty(t, s.Selected)
		assert.Empty(t, s.Suggested)
		assert.False(t, s.HasImage())
		assert.Empty(t, s.FileName)
		assert.Equal(t, 1, s.InputResets)
		assert.NotEmpty(t, events.messages(EventSubmitted))
	})
}

func TestSubmitFailureKeepsEverything(t *testing.T) {
	it(func() {
		f := newTestForm(staticAnalyzer([]string{"Water Issues"}, nil))
		defer f.Close()

		require.NoError(t, f.AttachImage("leak.png", "image/jpeg", testJPEG(t, 0)))
		f.Wait()
		f.SetDescription("burst pipe")
		require.NoError(t, f.SelectCategories([]string{"Water Issues"}))
		f.SetLocation("Civil Lines, Kanpur")
		before := f.Snapshot()

		failNext = errors.New("backend down")
		err := f.Submit(context.Background())
		require.ErrorIs(t, err, failNext)

		after := f.Snapshot()
		assert.Equal(t, before, after)
		assert.Empty(t, events.messages(EventSubmitted))
		assert.Empty(t, events.messages(EventValidation), "the submitter reports its own failures")

		// Retry without re-entering anything.
		failNext = nil
		require.NoError(t, f.Submit(context.Background()))
		assert.Len(t, payloads, 1)
	})
}

func TestValidationOrder(t *testing.T) {
	testCases := []struct {
		name  string
		build func(t *testing.T, f *Form)
		field string
	}{
		{"nothing entered", func(t *testing.T, f *Form) {}, "image"},
		{"image only", func(t *testing.T, f *Form) {
			require.NoError(t, f.AttachImage("a.jpg", "image/jpeg", testJPEG(t, 0)))
			f.Wait()
		}, "description"},
		{"whitespace description", func(t *testing.T, f *Form) {
			require.NoError(t, f.AttachImage("a.jpg", "image/jpeg", testJPEG(t, 0)))
			f.Wait()
			f.SetDescription("   ")
			f.SetLocation("Mall Road, Kanpur")
		}, "description"},
		{"no category selected", func(t *testing.T, f *Form) {
			require.NoError(t, f.AttachImage("a.jpg", "image/jpeg", testJPEG(t, 0)))
			f.Wait()
			f.SetDescription("overflowing bin")
		}, "categories"},
		{"no location", func(t *testing.T, f *Form) {
			require.NoError(t, f.AttachImage("a.jpg", "image/jpeg", testJPEG(t, 0)))
			f.Wait()
			f.SetDescription("overflowing bin")
			require.NoError(t, f.SelectCategories([]string{"Garbage & Waste"}))
		}, "location"},
		{"location before description", func(t *testing.T, f *Form) {
			f.SetLocation("Mall Road, Kanpur")
			f.SetDescription("overflowing bin")
		}, "image"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			it(func() {
				f := newTestForm(staticAnalyzer([]string{"Garbage & Waste"}, nil))
				defer f.Close()
				tc.build(t, f)

				err := f.Submit(context.Background())

				var verr *ValidationError
				require.ErrorAs(t, err, &verr)
				assert.Equal(t, tc.field, verr.Field)
				assert.Empty(t, payloads, "no submission may be attempted")
				assert.Equal(t, []string{verr.Message}, events.messages(EventValidation))
			})
		})
	}
}

func TestSubmitWithoutSuggestionsNeedsNoCategory(t *testing.T) {
	it(func() {
		f := newTestForm(nil)
		defer f.Close()

		require.NoError(t, f.AttachImage("a.jpg", "image/jpeg", testJPEG(t, 0)))
		f.SetDescription("broken street light")
		f.SetLocation("Kidwai Nagar, Kanpur")

		require.NoError(t, f.Submit(context.Background()))
		require.Len(t, payloads, 1)
		assert.Empty(t, payloads[0].Categories)
		assert.Empty(t, payloads[0].Category)
	})
}

func TestSecondSubmitWhileInFlightIsNoop(t *testing.T) {
	it(func() {
		release := make(chan struct{})
		started := make(chan struct{})
		calls := 0
		f := NewForm(Config{
			Submit: func(ctx context.Context, p Payload) error {
				calls++
				close(started)
				<-release
				return nil
			},
		})
		defer f.Close()

		require.NoError(t, f.AttachImage("a.jpg", "image/jpeg", testJPEG(t, 0)))
		f.SetDescription("graffiti")
		f.SetLocation("Govind Nagar, Kanpur")

		done := make(chan error, 1)
		go func() { done <- f.Submit(context.Background()) }()
		<-started

		assert.True(t, f.Snapshot().Submitting)
		assert.ErrorIs(t, f.Submit(context.Background()), ErrSubmitInFlight)

		close(release)
		require.NoError(t, <-done)
		assert.Equal(t, 1, calls)
		assert.False(t, f.Snapshot().Submitting)
	})
}

func TestRemoveImageClearsImageState(t *testing.T) {
	it(func() {
		f := newTestForm(staticAnalyzer([]string{"Public Spaces", "Other Issues"}, nil))
		defer f.Close()

		require.NoError(t, f.AttachImage("park.jpg", "image/jpeg", testJPEG(t, 0)))
		f.Wait()
		require.NoError(t, f.SelectCategories([]string{"Public Spaces"}))
		f.SetDescription("broken bench")

		f.RemoveImage()

		s := f.Snapshot()
		assert.False(t, s.HasImage())
		assert.Empty(t, s.FileName)
		assert.Empty(t, s.Suggested)
		assert.Empty(t, s.Selected)
		assert.Empty(t, s.Draft.Categories)
		assert.Equal(t, "broken bench", s.Draft.Description)
	})
}

func TestRejectedImageLeavesStateAlone(t *testing.T) {
	it(func() {
		f := newTestForm(staticAnalyzer([]string{"Water Issues"}, nil))
		defer f.Close()

		require.NoError(t, f.AttachImage("ok.jpg", "image/jpeg", testJPEG(t, 0)))
		f.Wait()
		before := f.Snapshot()

		err := f.AttachImage("huge.jpg", "image/jpeg", make([]byte, intake.MaxImageSize+1))
		require.ErrorIs(t, err, intake.ErrImageTooLarge)
		err = f.AttachImage("doc.pdf", "application/pdf", []byte("%PDF-1.4"))
		require.ErrorIs(t, err, intake.ErrUnsupportedType)
		err = f.AttachImage("bad.jpg", "image/jpeg", []byte("not a jpeg"))
		require.ErrorIs(t, err, intake.ErrUndecodableImage)

		assert.Equal(t, before, f.Snapshot())
		assert.Len(t, events.messages(EventImageRejected), 3)
	})
}

func TestNewImageResetsCategories(t *testing.T) {
	it(func() {
		f := newTestForm(staticAnalyzer([]string{"Garbage & Waste", "Public Spaces"}, nil))
		defer f.Close()

		require.NoError(t, f.AttachImage("one.jpg", "image/jpeg", testJPEG(t, 0)))
		f.Wait()
		require.NoError(t, f.SelectCategories([]string{"Public Spaces"}))

		require.NoError(t, f.AttachImage("two.jpg", "image/jpeg", testJPEG(t, 0)))
		assert.Empty(t, f.Snapshot().Selected)
		f.Wait()

		s := f.Snapshot()
		assert.Equal(t, "two.jpg", s.FileName)
		assert.Equal(t, []string{"Garbage & Waste", "Public Spaces"}, s.Suggested)
		assert.Empty(t, s.Selected)
	})
}

func TestStaleSuggestionIsDropped(t *testing.T) {
	it(func() {
		gate := make(chan struct{})
		f := newTestForm(suggest.AnalyzerFunc(func(ctx context.Context, img *intake.Attachment) ([]string, error) {
			if img.FileName == "old.jpg" {
				<-gate
				return []string{"Water Issues"}, nil
			}
			return []string{"Electricity Issues"}, nil
		}))
		defer f.Close()

		require.NoError(t, f.AttachImage("old.jpg", "image/jpeg", testJPEG(t, 0)))
		require.NoError(t, f.AttachImage("new.jpg", "image/jpeg", testJPEG(t, 0)))
		require.Eventually(t, func() bool { return !f.Snapshot().Suggesting }, time.Second, time.Millisecond)

		close(gate)
		f.Wait()

		assert.Equal(t, []string{"Electricity Issues"}, f.Snapshot().Suggested)
	})
}

func TestSelectionDisabledWhileSuggesting(t *testing.T) {
	it(func() {
		gate := make(chan struct{})
		f := newTestForm(suggest.AnalyzerFunc(func(ctx context.Context, img *intake.Attachment) ([]string, error) {
			<-gate
			return []string{"Traffic & Roads"}, nil
		}))
		defer f.Close()

		require.NoError(t, f.AttachImage("a.jpg", "image/jpeg", testJPEG(t, 0)))
		assert.True(t, f.Snapshot().Suggesting)
		assert.ErrorIs(t, f.SelectCategories([]string{"Traffic & Roads"}), ErrSuggestionPending)

		// Other fields stay editable.
		f.SetDescription("signal broken")
		f.SetLocation("Mall Road, Kanpur")
		require.NoError(t, f.SetPriority(PriorityLow))

		close(gate)
		f.Wait()
		require.NoError(t, f.ToggleCategory("Traffic & Roads"))
		assert.ErrorIs(t, f.SelectCategories([]string{"Made Up"}), ErrUnknownCategory)

		s := f.Snapshot()
		assert.Equal(t, "signal broken", s.Draft.Description)
		assert.Equal(t, []string{"Traffic & Roads"}, s.Draft.Categories)
		assert.Equal(t, "Traffic & Roads", s.Draft.Category)

		require.NoError(t, f.ToggleCategory("Traffic & Roads"))
		assert.Empty(t, f.Snapshot().Draft.Category)
	})
}

func TestFallbackSuggestionsAndNudge(t *testing.T) {
	testCases := []struct {
		name      string
		layout    Layout
		analyzer  suggest.Analyzer
		wantNudge bool
	}{
		{"desktop empty", Desktop, staticAnalyzer(nil, nil), true},
		{"mobile empty", Mobile, staticAnalyzer(nil, nil), false},
		{"desktop failure", Desktop, staticAnalyzer(nil, errors.New("quota exceeded")), false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			it(func() {
				f := NewForm(Config{Layout: tc.layout, Analyzer: tc.analyzer, Notify: events.record})
				defer f.Close()

				require.NoError(t, f.AttachImage("a.jpg", "image/jpeg", testJPEG(t, 0)))
				f.Wait()

				s := f.Snapshot()
				assert.Equal(t, suggest.Fallback, s.Suggested)
				assert.True(t, s.GenericSuggestions)
				assert.Equal(t, tc.wantNudge, contains(events.messages(EventSuggestions), msgNoCategoriesNudge))
			})
		})
	}
}

func TestCustomProblemPrefixesOthersText(t *testing.T) {
	it(func() {
		f := newTestForm(nil)
		defer f.Close()

		require.NoError(t, f.AttachImage("a.jpg", "image/jpeg", testJPEG(t, 0)))
		f.SetDescription("dead tree blocking lane")
		f.SetCustomProblem("Fallen tree")
		f.SetLocation("Swaroop Nagar, Kanpur")

		require.NoError(t, f.Submit(context.Background()))
		assert.Equal(t, "Fallen tree: dead tree blocking lane", payloads[0].OthersText)
	})
}

func TestResolveLocationWritesDraft(t *testing.T) {
	it(func() {
		device := location.StaticDevice{Position: location.Position{Latitude: 26.4499, Longitude: 80.3319, Accuracy: 10}}
		resolver := location.NewResolver(
			location.Environment{Hostname: "localhost", DeviceAPI: true},
			device,
			location.WithPicker(func(int) int { return 0 }),
		)
		f := NewForm(Config{Resolver: resolver, Submit: recordingSubmit, Notify: events.record})
		defer f.Close()

		res, err := f.ResolveLocation(context.Background())
		require.NoError(t, err)
		assert.Equal(t, location.Resolved, res.State)

		s := f.Snapshot()
		assert.Equal(t, "Mall Road, Kanpur (26.449900, 80.331900 ±10m)", s.Draft.Location)
		require.NotNil(t, s.Position)
		assert.False(t, s.GettingLocation)

		require.NoError(t, f.AttachImage("a.jpg", "image/jpeg", testJPEG(t, 0)))
		f.SetDescription("open manhole")
		require.NoError(t, f.Submit(context.Background()))
		require.NotNil(t, payloads[0].Position)
		assert.Equal(t, 80.3319, payloads[0].Position.Longitude)
	})
}

func TestLocationTimeoutKeepsManualEntry(t *testing.T) {
	it(func() {
		bridge := location.NewBridge()
		resolver := location.NewResolver(
			location.Environment{Hostname: "localhost", DeviceAPI: true},
			bridge,
			location.WithTimeouts(20*time.Millisecond, 40*time.Millisecond),
		)
		f := NewForm(Config{Resolver: resolver, Notify: events.record})
		defer f.Close()

		res, err := f.ResolveLocation(context.Background())
		require.NoError(t, err)
		assert.Equal(t, location.TimedOut, res.State)
		assert.False(t, f.Snapshot().GettingLocation)
		assert.Len(t, events.messages(EventLocation), 1)

		f.SetLocation("typed by hand")
		assert.False(t, bridge.Deliver(location.Position{Latitude: 1, Longitude: 1}, nil))
		assert.Equal(t, "typed by hand", f.Snapshot().Draft.Location)
	})
}

func TestManualEditDuringResolutionWins(t *testing.T) {
	it(func() {
		bridge := location.NewBridge()
		resolver := location.NewResolver(
			location.Environment{Hostname: "localhost", DeviceAPI: true},
			bridge,
			location.WithTimeouts(time.Second, 2*time.Second),
		)
		f := NewForm(Config{Resolver: resolver})
		defer f.Close()

		done := make(chan location.Result, 1)
		go func() {
			res, _ := f.ResolveLocation(context.Background())
			done <- res
		}()
		require.Eventually(t, bridge.Pending, time.Second, time.Millisecond)

		_, err := f.ResolveLocation(context.Background())
		assert.ErrorIs(t, err, ErrLocationPending)

		f.SetLocation("Near the temple gate")
		require.True(t, bridge.Deliver(location.Position{Latitude: 26.4, Longitude: 80.3}, nil))
		<-done

		s := f.Snapshot()
		assert.Equal(t, "Near the temple gate", s.Draft.Location)
		assert.Nil(t, s.Position)
		assert.False(t, s.GettingLocation)
	})
}

func TestUnavailableLocationUsesMockPool(t *testing.T) {
	f := NewForm(Config{})
	defer f.Close()

	res, err := f.ResolveLocation(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Mock)
	assert.Contains(t, location.MockPool, f.Snapshot().Draft.Location)
	assert.False(t, f.Snapshot().LocationAvailable)
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority(" HIGH ")
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, p)

	_, err = ParsePriority("urgent")
	assert.ErrorIs(t, err, ErrInvalidPriority)

	f := NewForm(Config{})
	defer f.Close()
	assert.ErrorIs(t, f.SetPriority("urgent"), ErrInvalidPriority)
	assert.Equal(t, PriorityMedium, f.Snapshot().Draft.Priority)
}

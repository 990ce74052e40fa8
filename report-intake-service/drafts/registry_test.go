package drafts

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"civicportal/location"
	"civicportal/report"

	"github.com/jknair0/beforeeach"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu       sync.Mutex
	messages []Message
	closed   []string
}

func (s *recordingSink) Publish(topic string, v interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, v.(Message))
}

func (s *recordingSink) CloseTopic(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, topic)
}

func (s *recordingSink) types() []report.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []report.EventType
	for _, m := range s.messages {
		out = append(out, m.Event.Type)
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Submitted
}

func (p *recordingPublisher) Publish(ctx context.Context, message interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, message.(Submitted))
	return nil
}

var (
	sink      *recordingSink
	publisher *recordingPublisher
	backend   *httptest.Server
	registry  *Registry
	clock     time.Time
)

func setUp() {
	sink = &recordingSink{}
	publisher = &recordingPublisher{}
	backend = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/analyze-image":
			w.Write([]byte(`{"categories":[]}`))
		case "/api/problems":
			w.Write([]byte(`{"problem":{"id":"p-7","status":"new"}}`))
		}
	}))
	clock = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	registry = NewRegistry(Options{
		BackendURL:      backend.URL,
		TTL:             30 * time.Minute,
		DefaultPosition: location.Position{Latitude: 26.4499, Longitude: 80.3319},
		Events:          sink,
		Publisher:       publisher,
	})
	registry.now = func() time.Time { return clock }
}

func tearDown() {
	registry.CloseAll()
	backend.Close()
}

var it = beforeeach.Create(setUp, tearDown)

func pngBytes(t *testing.T) []byte {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))))
	return buf.Bytes()
}

func TestSweepExpiresIdleDrafts(t *testing.T) {
	it(func() {
		idle := registry.Create(report.Desktop, location.Environment{})
		clock = clock.Add(20 * time.Minute)
		busy := registry.Create(report.Mobile, location.Environment{})

		clock = clock.Add(15 * time.Minute)
		_, err := registry.Get(busy.ID)
		require.NoError(t, err)

		assert.Equal(t, 1, registry.Sweep())
		assert.Equal(t, 1, registry.Len())

		_, err = registry.Get(idle.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, []string{idle.ID}, sink.closed)
	})
}

func TestSweepWithoutTTLKeepsDrafts(t *testing.T) {
	it(func() {
		registry.opts.TTL = 0
		registry.Create(report.Desktop, location.Environment{})
		clock = clock.Add(365 * 24 * time.Hour)

		assert.Equal(t, 0, registry.Sweep())
		assert.Equal(t, 1, registry.Len())
	})
}

func TestDeleteUnknownDraft(t *testing.T) {
	it(func() {
		assert.ErrorIs(t, registry.Delete("missing"), ErrNotFound)
	})
}

func TestEventsAreTaggedWithDraft(t *testing.T) {
	it(func() {
		d := registry.Create(report.Desktop, location.Environment{})
		d.Form.SetDescription("Broken street light")

		sink.mu.Lock()
		require.Len(t, sink.messages, 1)
		msg := sink.messages[0]
		sink.mu.Unlock()

		assert.Equal(t, d.ID, msg.DraftID)
		assert.Equal(t, report.EventChanged, msg.Event.Type)
		assert.Equal(t, clock, msg.Timestamp)

		data, err := json.Marshal(msg)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"type":"changed"`)
	})
}

func TestSubmitPublishesEvent(t *testing.T) {
	it(func() {
		d := registry.Create(report.Mobile, location.Environment{})
		require.NoError(t, d.Form.AttachImage("bin.png", "image/png", pngBytes(t)))
		d.Form.Wait()
		require.NoError(t, d.Form.SelectCategories([]string{"Garbage & Waste"}))
		d.Form.SetDescription("Overflowing bin")
		d.Form.SetLocation("Swaroop Nagar, Kanpur")
		require.NoError(t, d.Form.SetPriority(report.PriorityHigh))

		require.NoError(t, d.Form.Submit(context.Background()))

		publisher.mu.Lock()
		defer publisher.mu.Unlock()
		require.Len(t, publisher.events, 1)
		ev := publisher.events[0]
		assert.Equal(t, d.ID, ev.DraftID)
		assert.Equal(t, "p-7", ev.ProblemID)
		assert.Equal(t, []string{"Garbage & Waste"}, ev.Categories)
		assert.Equal(t, report.PriorityHigh, ev.Priority)
		assert.Contains(t, sink.types(), report.EventSubmitted)
	})
}

func TestUseTokenIgnoresEmpty(t *testing.T) {
	it(func() {
		d := registry.Create(report.Desktop, location.Environment{})
		d.UseToken("abc")
		d.UseToken("")

		token, err := d.Tokens.Token()
		require.NoError(t, err)
		assert.Equal(t, "abc", token)
	})
}

func TestStartLocationRefusesSecondRequest(t *testing.T) {
	it(func() {
		d := registry.Create(report.Mobile, location.Environment{Hostname: "localhost", DeviceAPI: true})

		require.True(t, d.StartLocation())
		assert.True(t, d.Bridge.Pending())
		assert.False(t, d.StartLocation())

		require.True(t, d.Bridge.Deliver(location.Position{Latitude: 26.45, Longitude: 80.33, Accuracy: 3}, nil))
		require.Eventually(t, func() bool {
			return d.LocationState() == location.Resolved
		}, 2*time.Second, 10*time.Millisecond)
		assert.NotNil(t, d.Form.Snapshot().Position)
	})
}

func TestStartLocationConcurrentCallsStartOnce(t *testing.T) {
	it(func() {
		d := registry.Create(report.Desktop, location.Environment{Hostname: "localhost", DeviceAPI: true})

		const callers = 8
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			started int
		)
		start := make(chan struct{})
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if d.StartLocation() {
					mu.Lock()
					started++
					mu.Unlock()
				}
			}()
		}
		close(start)
		wg.Wait()

		assert.Equal(t, 1, started)
		assert.True(t, d.Bridge.Pending())

		require.True(t, d.Bridge.Deliver(location.Position{Latitude: 26.45, Longitude: 80.33, Accuracy: 5}, nil))
		require.Eventually(t, func() bool {
			return d.LocationState() == location.Resolved
		}, 2*time.Second, 10*time.Millisecond)

		// free again once the first request finished
		require.Eventually(t, d.StartLocation, 2*time.Second, 10*time.Millisecond)
		require.Eventually(t, d.Bridge.Pending, 2*time.Second, 10*time.Millisecond)
		require.True(t, d.Bridge.Deliver(location.Position{}, location.ErrPermissionDenied))
	})
}

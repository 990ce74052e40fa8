package main

import (
	"bytes"
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"civicportal/client"
	"civicportal/location"

	"github.com/jknair0/beforeeach"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	backend     *httptest.Server
	mu          sync.Mutex
	problems    []map[string]string
	authHeaders []string
	failStatus  int
	imagePath   string
)

func setUp() {
	problems, authHeaders, failStatus = nil, nil, 0
	backend = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		authHeaders = append(authHeaders, r.Header.Get("Authorization"))

		switch r.URL.Path {
		case client.EndPointHealth:
			w.Write([]byte(`{"status":"ok","timestamp":"2026-03-01T09:00:00Z"}`))
		case client.EndPointAnalyzeImage:
			w.Write([]byte(`{"categories":["Water Issues","Traffic & Roads"]}`))
		case client.EndPointProblems:
			if failStatus != 0 {
				w.WriteHeader(failStatus)
				w.Write([]byte(`{"error":"nope"}`))
				return
			}
			r.ParseMultipartForm(32 << 20)
			fields := map[string]string{}
			for k, v := range r.MultipartForm.Value {
				fields[k] = v[0]
			}
			problems = append(problems, fields)
			w.Write([]byte(`{"problem":{"id":1234,"status":"open"}}`))
		}
	}))

	dir, _ := os.MkdirTemp("", "reportctl")
	backendURL = backend.URL
	tokenFile = filepath.Join(dir, "session.json")
	timeout = 10 * time.Second
	verbose = false

	imagePath = filepath.Join(dir, "photo.png")
	var buf bytes.Buffer
	png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 6, 6)))
	os.WriteFile(imagePath, buf.Bytes(), 0o644)

	analyzeImage = imagePath
	submitImage = imagePath
	submitDescription = "Pothole near the bus stop"
	submitCategories = nil
	submitPriority = "medium"
	submitLocation = ""
	submitCustom = ""
	submitLocate = false
	submitLat, submitLng, submitAccuracy = 0, 0, 0
	submitDefaultLat, submitDefaultLng = 26.4499, 80.3319
}

func tearDown() {
	backend.Close()
	os.RemoveAll(filepath.Dir(tokenFile))
}

var it = beforeeach.Create(setUp, tearDown)

func run(t *testing.T, fn func(*cobra.Command, []string) error, args ...string) (string, error) {
	cmd := &cobra.Command{}
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := fn(cmd, args)
	return out.String(), err
}

func TestTokenLifecycle(t *testing.T) {
	it(func() {
		out, err := run(t, runTokenShow)
		require.NoError(t, err)
		assert.Contains(t, out, "No session token saved")

		_, err = run(t, runTokenSet, "abcdefghijklmnop")
		require.NoError(t, err)

		out, err = run(t, runTokenShow)
		require.NoError(t, err)
		assert.Contains(t, out, "abcd…mnop")
		assert.NotContains(t, out, "abcdefghijklmnop")

		_, err = run(t, runTokenClear)
		require.NoError(t, err)
		token, err := client.NewFileTokenStore(tokenFile).Token()
		require.NoError(t, err)
		assert.Empty(t, token)
	})
}

func TestHealth(t *testing.T) {
	it(func() {
		out, err := run(t, runHealth)
		require.NoError(t, err)
		assert.Contains(t, out, "ok (2026-03-01T09:00:00Z)")
	})
}

func TestAnalyzePrintsSuggestions(t *testing.T) {
	it(func() {
		out, err := run(t, runAnalyze)
		require.NoError(t, err)
		assert.Contains(t, out, "Found 2 possible categories")
		assert.Contains(t, out, "  - Water Issues\n")
		assert.Contains(t, out, "  - Traffic & Roads\n")
	})
}

func TestSubmitWithTypedLocation(t *testing.T) {
	it(func() {
		require.NoError(t, client.NewFileTokenStore(tokenFile).SetToken("session-abc"))
		submitCategories = []string{"Traffic & Roads"}
		submitLocation = "Kidwai Nagar, Kanpur"
		submitPriority = "HIGH"

		out, err := run(t, runSubmit)
		require.NoError(t, err)
		assert.Contains(t, out, "Report submitted at Kidwai Nagar, Kanpur (problem 1234)")

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, problems, 1)
		assert.Equal(t, `["Traffic & Roads"]`, problems[0]["problem_categories"])
		assert.Equal(t, "high", problems[0]["priority"])
		assert.Equal(t, "Kidwai Nagar, Kanpur", problems[0]["location"])
		assert.Equal(t, "26.4499", problems[0]["latitude"])
		for _, h := range authHeaders {
			assert.Equal(t, "Bearer session-abc", h)
		}
	})
}

func TestSubmitWithResolvedCoordinates(t *testing.T) {
	it(func() {
		submitCategories = []string{"Water Issues"}
		submitLocate = true
		submitLat, submitLng, submitAccuracy = 26.4725, 80.3463, 9

		_, err := run(t, runSubmit)
		require.NoError(t, err)

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, problems, 1)
		assert.Equal(t, "26.4725", problems[0]["latitude"])
		assert.Equal(t, "80.3463", problems[0]["longitude"])
		assert.Empty(t, problems[0]["location"])
	})
}

func TestSubmitLocateWithoutCoordinatesUsesNearbyPlace(t *testing.T) {
	it(func() {
		submitCategories = []string{"Water Issues"}
		submitLocate = true

		out, err := run(t, runSubmit)
		require.NoError(t, err)

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, problems, 1)
		assert.Contains(t, location.MockPool, problems[0]["location"])
		assert.Contains(t, out, problems[0]["location"])
	})
}

func TestSubmitNeedsCategory(t *testing.T) {
	it(func() {
		submitLocation = "Civil Lines, Kanpur"

		_, err := run(t, runSubmit)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Please select at least one category.")
		assert.Contains(t, err.Error(), "Water Issues, Traffic & Roads")
		assert.Empty(t, problems)
	})
}

func TestSubmitRejectsUnsuggestedCategory(t *testing.T) {
	it(func() {
		submitCategories = []string{"Noise"}
		submitLocation = "Civil Lines, Kanpur"

		_, err := run(t, runSubmit)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "suggested: Water Issues, Traffic & Roads")
	})
}

func TestSubmitUnauthorizedClearsToken(t *testing.T) {
	it(func() {
		require.NoError(t, client.NewFileTokenStore(tokenFile).SetToken("stale-token"))
		failStatus = http.StatusUnauthorized
		submitCategories = []string{"Water Issues"}
		submitLocation = "Civil Lines, Kanpur"

		_, err := run(t, runSubmit)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "reportctl token set")

		raw, err := os.ReadFile(tokenFile)
		require.NoError(t, err)
		var slots map[string]string
		require.NoError(t, json.Unmarshal(raw, &slots))
		assert.Empty(t, slots[client.AuthTokenKey])
	})
}

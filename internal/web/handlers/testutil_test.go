package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"math"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/fingermatch/internal/config"
	"github.com/kozaktomas/fingermatch/internal/featurestore"
	"github.com/kozaktomas/fingermatch/internal/logging"
)

// testConfig returns the default configuration with a small worker pool,
// serving paths under the system temp dir where t.TempDir lives
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Scan.Workers = 2
	cfg.Web.Root = os.TempDir()
	return cfg
}

// newTestMatchHandler creates a match handler backed by an in-memory feature store
func newTestMatchHandler(t *testing.T, cfg *config.Config) (*MatchHandler, *JobManager) {
	t.Helper()
	jm := NewJobManager()
	return NewMatchHandler(cfg, featurestore.NewMemory(), jm, logging.Discard()), jm
}

// blobImage renders a deterministic field of light and dark blobs
func blobImage(seed int64) *image.Gray {
	const width, height = 96, 103
	rng := rand.New(rand.NewSource(seed))
	img := image.NewGray(image.Rect(0, 0, width, height))
	type blob struct{ x, y, sigma, amp float64 }
	blobs := make([]blob, 25)
	for i := range blobs {
		amp := 80 + rng.Float64()*70
		if rng.Intn(2) == 0 {
			amp = -amp
		}
		blobs[i] = blob{10 + rng.Float64()*(width-20), 10 + rng.Float64()*(height-20), 1.5 + rng.Float64()*3, amp}
	}
	for y := range height {
		for x := range width {
			v := 128.0
			for _, b := range blobs {
				dx, dy := float64(x)-b.x, float64(y)-b.y
				v += b.amp * math.Exp(-(dx*dx+dy*dy)/(2*b.sigma*b.sigma))
			}
			img.SetGray(x, y, color.Gray{Y: uint8(math.Max(0, math.Min(255, v)))})
		}
	}
	return img
}

// encodePNG encodes img as PNG bytes
func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode PNG: %v", err)
	}
	return buf.Bytes()
}

// writeCorpus creates a corpus of three candidates and a sample outside it.
// 02_self.png is a copy of the sample.
func writeCorpus(t *testing.T) (samplePath, dir string) {
	t.Helper()
	root := t.TempDir()
	dir = filepath.Join(root, "Real")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	sample := encodePNG(t, blobImage(7))
	samplePath = filepath.Join(root, "sample.png")
	files := map[string][]byte{
		samplePath:                           sample,
		filepath.Join(dir, "01_other.png"):   encodePNG(t, blobImage(11)),
		filepath.Join(dir, "02_self.png"):    sample,
		filepath.Join(dir, "03_another.png"): encodePNG(t, blobImage(13)),
	}
	for path, data := range files {
		if err := os.WriteFile(path, data, 0o600); err != nil {
			t.Fatal(err)
		}
	}
	return samplePath, dir
}

// jsonBody encodes v as a request body
func jsonBody(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}
	return bytes.NewReader(data)
}

// waitForJob polls until the job reaches a terminal state
func waitForJob(t *testing.T, job *MatchJob) MatchJobState {
	t.Helper()
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		if IsJobTerminal(job.GetStatus()) {
			return job.Snapshot()
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish, status %s", job.ID(), job.GetStatus())
	return MatchJobState{}
}

// requestWithChiParams creates a request with chi URL parameters
func requestWithChiParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// parseJSONResponse parses a JSON response body into the target type
func parseJSONResponse(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to parse JSON response: %v\nBody: %s", err, recorder.Body.String())
	}
}

// assertStatusCode checks if the response has the expected status code
func assertStatusCode(t *testing.T, recorder *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if recorder.Code != expected {
		t.Errorf("expected status %d, got %d\nBody: %s", expected, recorder.Code, recorder.Body.String())
	}
}

// assertContentType checks if the response has the expected content type
func assertContentType(t *testing.T, recorder *httptest.ResponseRecorder, expected string) {
	t.Helper()
	ct := recorder.Header().Get("Content-Type")
	if ct != expected {
		t.Errorf("expected Content-Type '%s', got '%s'", expected, ct)
	}
}

// assertJSONError checks if the response is a JSON error with the expected message
func assertJSONError(t *testing.T, recorder *httptest.ResponseRecorder, expectedMessage string) {
	t.Helper()
	var result map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse error response: %v\nBody: %s", err, recorder.Body.String())
	}
	if result["error"] != expectedMessage {
		t.Errorf("expected error '%s', got '%s'", expectedMessage, result["error"])
	}
}

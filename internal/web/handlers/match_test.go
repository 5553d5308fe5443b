package handlers

import (
	"context"
	"encoding/base64"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func startJob(t *testing.T, h *MatchHandler, jm *JobManager, body any) *MatchJob {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/match", jsonBody(t, body))
	recorder := httptest.NewRecorder()

	h.Start(recorder, req)

	assertStatusCode(t, recorder, http.StatusAccepted)
	var resp map[string]string
	parseJSONResponse(t, recorder, &resp)
	if resp["status"] != string(JobStatusPending) {
		t.Errorf("expected status pending, got %q", resp["status"])
	}
	job := jm.GetJob(resp["job_id"])
	if job == nil {
		t.Fatalf("job %q not registered", resp["job_id"])
	}
	return job
}

func TestMatchHandler_Start_Validation(t *testing.T) {
	samplePath, dir := writeCorpus(t)

	tests := []struct {
		name    string
		body    string
		status  int
		message string
	}{
		{
			name:    "invalid json",
			body:    "{",
			status:  http.StatusBadRequest,
			message: errInvalidRequestBody,
		},
		{
			name:    "no sample",
			body:    `{"corpus_dir": "` + dir + `"}`,
			status:  http.StatusBadRequest,
			message: "exactly one of sample_path or sample_image is required",
		},
		{
			name:    "both samples",
			body:    `{"sample_path": "` + samplePath + `", "sample_image": "AAAA", "corpus_dir": "` + dir + `"}`,
			status:  http.StatusBadRequest,
			message: "exactly one of sample_path or sample_image is required",
		},
		{
			name:    "missing corpus",
			body:    `{"sample_path": "` + samplePath + `", "corpus_dir": "` + filepath.Join(dir, "nope") + `"}`,
			status:  http.StatusBadRequest,
			message: "corpus directory not found",
		},
		{
			name:    "corpus is a file",
			body:    `{"sample_path": "` + samplePath + `", "corpus_dir": "` + samplePath + `"}`,
			status:  http.StatusBadRequest,
			message: "corpus directory not found",
		},
		{
			name:    "ratio out of range",
			body:    `{"sample_path": "` + samplePath + `", "corpus_dir": "` + dir + `", "ratio": 1.5}`,
			status:  http.StatusBadRequest,
			message: "matcher ratio must be in (0, 1], got 1.5",
		},
		{
			name:    "unknown index",
			body:    `{"sample_path": "` + samplePath + `", "corpus_dir": "` + dir + `", "index": "lsh"}`,
			status:  http.StatusBadRequest,
			message: `unknown index algorithm "lsh"`,
		},
		{
			name:    "missing sample file",
			body:    `{"sample_path": "` + filepath.Join(dir, "missing.png") + `", "corpus_dir": "` + dir + `"}`,
			status:  http.StatusBadRequest,
			message: "sample not found",
		},
		{
			name:    "bad base64",
			body:    `{"sample_image": "!!!", "corpus_dir": "` + dir + `"}`,
			status:  http.StatusBadRequest,
			message: "sample_image is not valid base64",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h, jm := newTestMatchHandler(t, testConfig())
			req := httptest.NewRequest(http.MethodPost, "/api/v1/match", strings.NewReader(tc.body))
			recorder := httptest.NewRecorder()

			h.Start(recorder, req)

			assertStatusCode(t, recorder, tc.status)
			assertJSONError(t, recorder, tc.message)
			if n := len(jm.ListJobs()); n != 0 {
				t.Errorf("expected no jobs, got %d", n)
			}
		})
	}
}

func TestMatchHandler_Start_OutsideRoot(t *testing.T) {
	samplePath, dir := writeCorpus(t)
	elsewhere := t.TempDir()
	cfg := testConfig()
	cfg.Web.Root = dir

	tests := []struct {
		name    string
		body    map[string]any
		message string
	}{
		{
			name:    "corpus outside root",
			body:    map[string]any{"sample_path": filepath.Join(dir, "02_self.png"), "corpus_dir": elsewhere},
			message: "corpus_dir is outside the served root",
		},
		{
			name:    "corpus escapes with dot dot",
			body:    map[string]any{"sample_path": filepath.Join(dir, "02_self.png"), "corpus_dir": "../"},
			message: "corpus_dir is outside the served root",
		},
		{
			name:    "sample outside root",
			body:    map[string]any{"sample_path": samplePath, "corpus_dir": dir},
			message: "sample_path is outside the served root",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h, jm := newTestMatchHandler(t, cfg)
			req := httptest.NewRequest(http.MethodPost, "/api/v1/match", jsonBody(t, tc.body))
			recorder := httptest.NewRecorder()

			h.Start(recorder, req)

			assertStatusCode(t, recorder, http.StatusBadRequest)
			assertJSONError(t, recorder, tc.message)
			if n := len(jm.ListJobs()); n != 0 {
				t.Errorf("expected no jobs, got %d", n)
			}
		})
	}
}

func TestMatchHandler_Start_RelativeToRoot(t *testing.T) {
	_, dir := writeCorpus(t)
	cfg := testConfig()
	cfg.Web.Root = filepath.Dir(dir)
	h, jm := newTestMatchHandler(t, cfg)

	job := startJob(t, h, jm, map[string]any{
		"sample_path": filepath.Join("Real", "02_self.png"),
		"corpus_dir":  "Real",
		"index":       "exact",
	})
	state := waitForJob(t, job)

	if state.Status != JobStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", state.Status, state.Error)
	}
	if state.Result == nil || state.Result.Filename != "02_self.png" {
		t.Errorf("expected 02_self.png, got %+v", state.Result)
	}
}

func TestMatchHandler_Start_DefaultCorpus(t *testing.T) {
	samplePath, dir := writeCorpus(t)
	cfg := testConfig()
	cfg.Corpus.Dir = dir
	h, jm := newTestMatchHandler(t, cfg)

	job := startJob(t, h, jm, map[string]any{"sample_path": samplePath})
	state := waitForJob(t, job)

	if state.CorpusDir != dir {
		t.Errorf("expected corpus %q, got %q", dir, state.CorpusDir)
	}
	if state.Status != JobStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", state.Status, state.Error)
	}
}

func TestMatchHandler_FindsSelf(t *testing.T) {
	samplePath, dir := writeCorpus(t)
	h, jm := newTestMatchHandler(t, testConfig())

	job := startJob(t, h, jm, map[string]any{
		"sample_path": samplePath,
		"corpus_dir":  dir,
		"index":       "exact",
	})
	state := waitForJob(t, job)

	if state.Status != JobStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", state.Status, state.Error)
	}
	if state.Result == nil || !state.Result.Found {
		t.Fatalf("expected a match, got %+v", state.Result)
	}
	if state.Result.Filename != "02_self.png" {
		t.Errorf("expected 02_self.png, got %s", state.Result.Filename)
	}
	if state.Progress != 100 || state.Processed != 3 || state.Total != 3 {
		t.Errorf("expected full progress, got %d%% (%d/%d)", state.Progress, state.Processed, state.Total)
	}
	if state.Options.Index != "exact" {
		t.Errorf("expected index override recorded, got %q", state.Options.Index)
	}
	if state.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}
}

func TestMatchHandler_UploadedSample(t *testing.T) {
	_, dir := writeCorpus(t)
	h, jm := newTestMatchHandler(t, testConfig())

	job := startJob(t, h, jm, map[string]any{
		"sample_image": base64.StdEncoding.EncodeToString(encodePNG(t, blobImage(7))),
		"sample_name":  "probe.png",
		"corpus_dir":   dir,
	})
	state := waitForJob(t, job)

	if state.Sample != "probe.png" {
		t.Errorf("expected sample name probe.png, got %q", state.Sample)
	}
	if state.Result == nil || state.Result.Filename != "02_self.png" {
		t.Fatalf("expected 02_self.png, got %+v", state.Result)
	}
}

func TestMatchHandler_Status(t *testing.T) {
	h, jm := newTestMatchHandler(t, testConfig())
	job := jm.CreateJob("job-1", "sample.png", "/corpus", MatchJobOptions{Ratio: 0.1})

	t.Run("found", func(t *testing.T) {
		req := requestWithChiParams(httptest.NewRequest(http.MethodGet, "/api/v1/match/job-1", nil), map[string]string{"jobId": job.ID()})
		recorder := httptest.NewRecorder()

		h.Status(recorder, req)

		assertStatusCode(t, recorder, http.StatusOK)
		assertContentType(t, recorder, "application/json")
		var state MatchJobState
		parseJSONResponse(t, recorder, &state)
		if state.ID != "job-1" || state.Status != JobStatusPending || state.Options.Ratio != 0.1 {
			t.Errorf("unexpected state %+v", state)
		}
	})

	t.Run("not found", func(t *testing.T) {
		req := requestWithChiParams(httptest.NewRequest(http.MethodGet, "/api/v1/match/nope", nil), map[string]string{"jobId": "nope"})
		recorder := httptest.NewRecorder()

		h.Status(recorder, req)

		assertStatusCode(t, recorder, http.StatusNotFound)
		assertJSONError(t, recorder, "job not found")
	})

	t.Run("missing id", func(t *testing.T) {
		req := requestWithChiParams(httptest.NewRequest(http.MethodGet, "/api/v1/match/", nil), map[string]string{})
		recorder := httptest.NewRecorder()

		h.Status(recorder, req)

		assertStatusCode(t, recorder, http.StatusBadRequest)
		assertJSONError(t, recorder, "missing job ID")
	})
}

func TestMatchHandler_List(t *testing.T) {
	h, jm := newTestMatchHandler(t, testConfig())
	jm.CreateJob("a", "a.png", "/corpus", MatchJobOptions{})
	time.Sleep(time.Millisecond)
	jm.CreateJob("b", "b.png", "/corpus", MatchJobOptions{})

	recorder := httptest.NewRecorder()
	h.List(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/match", nil))

	assertStatusCode(t, recorder, http.StatusOK)
	var states []MatchJobState
	parseJSONResponse(t, recorder, &states)
	if len(states) != 2 || states[0].ID != "a" || states[1].ID != "b" {
		t.Errorf("expected jobs a, b in start order, got %+v", states)
	}
}

func TestMatchHandler_Cancel(t *testing.T) {
	h, jm := newTestMatchHandler(t, testConfig())

	t.Run("pending job", func(t *testing.T) {
		job := jm.CreateJob("pending", "s.png", "/corpus", MatchJobOptions{})
		cancelled := false
		job.setCancel(func() { cancelled = true })

		req := requestWithChiParams(httptest.NewRequest(http.MethodDelete, "/api/v1/match/pending", nil), map[string]string{"jobId": "pending"})
		recorder := httptest.NewRecorder()
		h.Cancel(recorder, req)

		assertStatusCode(t, recorder, http.StatusOK)
		var resp map[string]bool
		parseJSONResponse(t, recorder, &resp)
		if !resp["cancelled"] {
			t.Error("expected cancelled: true")
		}
		if !cancelled {
			t.Error("expected the job context to be cancelled")
		}
		if job.GetStatus() != JobStatusCancelled {
			t.Errorf("expected cancelled status, got %s", job.GetStatus())
		}
	})

	t.Run("finished job", func(t *testing.T) {
		job := jm.CreateJob("done", "s.png", "/corpus", MatchJobOptions{})
		job.finish(JobStatusCompleted, nil, "", nil)

		req := requestWithChiParams(httptest.NewRequest(http.MethodDelete, "/api/v1/match/done", nil), map[string]string{"jobId": "done"})
		recorder := httptest.NewRecorder()
		h.Cancel(recorder, req)

		assertStatusCode(t, recorder, http.StatusConflict)
		assertJSONError(t, recorder, "job already finished")
	})

	t.Run("unknown job", func(t *testing.T) {
		req := requestWithChiParams(httptest.NewRequest(http.MethodDelete, "/api/v1/match/x", nil), map[string]string{"jobId": "x"})
		recorder := httptest.NewRecorder()
		h.Cancel(recorder, req)

		assertStatusCode(t, recorder, http.StatusNotFound)
	})
}

func TestMatchHandler_CancelledJobSkipsScan(t *testing.T) {
	samplePath, dir := writeCorpus(t)
	h, jm := newTestMatchHandler(t, testConfig())
	job := jm.CreateJob("early", samplePath, dir, MatchJobOptions{})
	job.Cancel()

	h.runMatchJob(job, testConfig(), blobImage(7))

	state := job.Snapshot()
	if state.Status != JobStatusCancelled {
		t.Errorf("expected cancelled, got %s", state.Status)
	}
	if state.Result != nil || state.Processed != 0 {
		t.Errorf("expected no scan to run, got %+v", state)
	}
}

func TestMatchHandler_Overlay(t *testing.T) {
	samplePath, dir := writeCorpus(t)
	h, jm := newTestMatchHandler(t, testConfig())

	pending := jm.CreateJob("pending", samplePath, dir, MatchJobOptions{})
	req := requestWithChiParams(httptest.NewRequest(http.MethodGet, "/api/v1/match/pending/overlay.png", nil), map[string]string{"jobId": pending.ID()})
	recorder := httptest.NewRecorder()
	h.Overlay(recorder, req)
	assertStatusCode(t, recorder, http.StatusConflict)
	assertJSONError(t, recorder, "no overlay available")

	job := startJob(t, h, jm, map[string]any{"sample_path": samplePath, "corpus_dir": dir})
	if state := waitForJob(t, job); state.Status != JobStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", state.Status, state.Error)
	}

	tests := []struct {
		name   string
		query  string
		status int
		width  int
	}{
		{"native", "", http.StatusOK, 192},
		{"scaled", "?scale=2", http.StatusOK, 384},
		{"bad scale", "?scale=abc", http.StatusBadRequest, 0},
		{"scale too large", "?scale=100", http.StatusBadRequest, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := requestWithChiParams(
				httptest.NewRequest(http.MethodGet, "/api/v1/match/"+job.ID()+"/overlay.png"+tc.query, nil),
				map[string]string{"jobId": job.ID()},
			)
			recorder := httptest.NewRecorder()
			h.Overlay(recorder, req)

			assertStatusCode(t, recorder, tc.status)
			if tc.status != http.StatusOK {
				return
			}
			assertContentType(t, recorder, "image/png")
			img, err := png.Decode(recorder.Body)
			if err != nil {
				t.Fatalf("failed to decode overlay: %v", err)
			}
			if w := img.Bounds().Dx(); w != tc.width {
				t.Errorf("expected width %d, got %d", tc.width, w)
			}
		})
	}
}

func TestMatchHandler_Events(t *testing.T) {
	h, jm := newTestMatchHandler(t, testConfig())

	t.Run("finished job closes after status", func(t *testing.T) {
		job := jm.CreateJob("done", "s.png", "/corpus", MatchJobOptions{})
		job.finish(JobStatusCompleted, nil, "", nil)

		req := requestWithChiParams(httptest.NewRequest(http.MethodGet, "/api/v1/match/done/events", nil), map[string]string{"jobId": "done"})
		recorder := httptest.NewRecorder()
		h.Events(recorder, req)

		assertContentType(t, recorder, "text/event-stream")
		body := recorder.Body.String()
		if !strings.HasPrefix(body, "event: status\ndata: ") {
			t.Errorf("expected initial status event, got %q", body)
		}
		if !strings.Contains(body, `"status":"completed"`) {
			t.Errorf("expected completed status in payload, got %q", body)
		}
	})

	t.Run("streams until terminal event", func(t *testing.T) {
		job := jm.CreateJob("live", "s.png", "/corpus", MatchJobOptions{})
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		req := requestWithChiParams(httptest.NewRequest(http.MethodGet, "/api/v1/match/live/events", nil).WithContext(ctx), map[string]string{"jobId": "live"})
		recorder := httptest.NewRecorder()

		done := make(chan struct{})
		go func() {
			h.Events(recorder, req)
			close(done)
		}()

		// Wait for the listener to be registered before emitting.
		for {
			job.mu.RLock()
			n := len(job.listeners)
			job.mu.RUnlock()
			if n > 0 {
				break
			}
			time.Sleep(time.Millisecond)
		}
		job.SendEvent(JobEvent{Type: "progress", Data: map[string]int{"current": 1}})
		h.failJob(job, "boom")

		select {
		case <-done:
		case <-ctx.Done():
			t.Fatal("stream did not end after terminal event")
		}

		body := recorder.Body.String()
		for _, want := range []string{"event: status", "event: progress", "event: job_error", `"message":"boom"`} {
			if !strings.Contains(body, want) {
				t.Errorf("expected %q in stream, got %q", want, body)
			}
		}
	})

	t.Run("unknown job", func(t *testing.T) {
		req := requestWithChiParams(httptest.NewRequest(http.MethodGet, "/api/v1/match/x/events", nil), map[string]string{"jobId": "x"})
		recorder := httptest.NewRecorder()
		h.Events(recorder, req)
		assertStatusCode(t, recorder, http.StatusNotFound)
	})
}

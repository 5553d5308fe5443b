package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kozaktomas/fingermatch/internal/config"
	"github.com/kozaktomas/fingermatch/internal/constants"
	"github.com/kozaktomas/fingermatch/internal/featurestore"
	"github.com/kozaktomas/fingermatch/internal/identify"
	"github.com/kozaktomas/fingermatch/internal/raster"
	"github.com/kozaktomas/fingermatch/internal/render"
	"github.com/kozaktomas/fingermatch/internal/scanner"
)

const maxOverlayScale = 8

// MatchHandler handles corpus match jobs
type MatchHandler struct {
	config     *config.Config
	store      featurestore.Store
	jobManager *JobManager
	logger     *slog.Logger
}

// NewMatchHandler creates a new match handler. Jobs share store as their
// feature cache.
func NewMatchHandler(cfg *config.Config, store featurestore.Store, jm *JobManager, logger *slog.Logger) *MatchHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &MatchHandler{
		config:     cfg,
		store:      store,
		jobManager: jm,
		logger:     logger,
	}
}

// MatchSettings are per-request overrides of the matcher configuration.
// Zero values keep the server defaults.
type MatchSettings struct {
	Ratio      *float64 `json:"ratio,omitempty"`
	Index      string   `json:"index,omitempty"`
	AcceptLone *bool    `json:"accept_lone,omitempty"`
	Workers    int      `json:"workers,omitempty"`
}

// Apply returns a copy of base with the overrides applied and validated.
func (s MatchSettings) Apply(base *config.Config) (*config.Config, error) {
	cfg := *base
	if s.Ratio != nil {
		cfg.Matcher.Ratio = *s.Ratio
	}
	if s.Index != "" {
		cfg.Matcher.Index = s.Index
	}
	if s.AcceptLone != nil {
		cfg.Matcher.AcceptLoneNeighbor = *s.AcceptLone
	}
	if s.Workers != 0 {
		cfg.Scan.Workers = s.Workers
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MatchRequest starts a match job. Exactly one of SamplePath and
// SampleImage (base64) is required.
type MatchRequest struct {
	MatchSettings

	SamplePath  string `json:"sample_path"`
	SampleImage string `json:"sample_image"`
	SampleName  string `json:"sample_name"`
	CorpusDir   string `json:"corpus_dir"`
}

// Start starts a new match job
func (h *MatchHandler) Start(w http.ResponseWriter, r *http.Request) {
	// base64 inflates the payload by a third
	r.Body = http.MaxBytesReader(w, r.Body, constants.MaxUploadSize*2)

	var req MatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	if (req.SamplePath == "") == (req.SampleImage == "") {
		respondError(w, http.StatusBadRequest, "exactly one of sample_path or sample_image is required")
		return
	}

	corpusDir := h.config.Corpus.Dir
	if req.CorpusDir != "" {
		resolved, err := resolvePath(h.config.Web.Root, req.CorpusDir)
		if err != nil {
			respondError(w, http.StatusBadRequest, "corpus_dir is outside the served root")
			return
		}
		corpusDir = resolved
	}
	if info, err := os.Stat(corpusDir); err != nil || !info.IsDir() {
		respondError(w, http.StatusBadRequest, "corpus directory not found")
		return
	}

	cfg, err := req.Apply(h.config)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	sample, name, status, err := decodeSample(req, h.config.Web.Root)
	if err != nil {
		respondError(w, status, err.Error())
		return
	}

	jobID := uuid.New().String()
	options := MatchJobOptions{
		Ratio:      cfg.Matcher.Ratio,
		Index:      cfg.Matcher.Index,
		AcceptLone: cfg.Matcher.AcceptLoneNeighbor,
		Workers:    cfg.Scan.Workers,
	}
	job := h.jobManager.CreateJob(jobID, name, corpusDir, options)

	h.logger.Info("match job created",
		"job", jobID,
		"sample", sanitizeForLog(name),
		"corpus", sanitizeForLog(corpusDir),
	)

	go h.runMatchJob(job, cfg, sample)

	respondJSON(w, http.StatusAccepted, map[string]string{
		"job_id": jobID,
		"status": string(JobStatusPending),
	})
}

func decodeSample(req MatchRequest, root string) (image.Image, string, int, error) {
	if req.SamplePath != "" {
		path, err := resolvePath(root, req.SamplePath)
		if err != nil {
			return nil, "", http.StatusBadRequest, errors.New("sample_path is outside the served root")
		}
		img, err := raster.Load(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, "", http.StatusBadRequest, errors.New("sample not found")
			}
			return nil, "", http.StatusBadRequest, fmt.Errorf("invalid sample: %w", err)
		}
		return img, req.SamplePath, 0, nil
	}

	data, err := base64.StdEncoding.DecodeString(req.SampleImage)
	if err != nil {
		return nil, "", http.StatusBadRequest, errors.New("sample_image is not valid base64")
	}
	if len(data) > constants.MaxUploadSize {
		return nil, "", http.StatusRequestEntityTooLarge, errors.New("sample image too large")
	}
	img, _, err := raster.Decode(data)
	if err != nil {
		return nil, "", http.StatusBadRequest, fmt.Errorf("invalid sample: %w", err)
	}

	name := req.SampleName
	if name == "" {
		name = "upload"
	}
	return img, name, 0, nil
}

// Status returns the status of a match job
func (h *MatchHandler) Status(w http.ResponseWriter, r *http.Request) {
	job := h.lookup(w, r)
	if job == nil {
		return
	}
	respondJSON(w, http.StatusOK, job.Snapshot())
}

// List returns all known jobs
func (h *MatchHandler) List(w http.ResponseWriter, r *http.Request) {
	jobs := h.jobManager.ListJobs()
	states := make([]MatchJobState, 0, len(jobs))
	for _, job := range jobs {
		states = append(states, job.Snapshot())
	}
	respondJSON(w, http.StatusOK, states)
}

// Events streams job events via SSE
func (h *MatchHandler) Events(w http.ResponseWriter, r *http.Request) {
	streamSSEEvents(w, r,
		func(id string) SSEJob {
			job := h.jobManager.GetJob(id)
			if job == nil {
				return nil
			}
			return job
		},
		func(job SSEJob) any {
			return job.(*MatchJob).Snapshot()
		},
	)
}

// Cancel cancels a running match job
func (h *MatchHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	job := h.lookup(w, r)
	if job == nil {
		return
	}

	if IsJobTerminal(job.GetStatus()) {
		respondError(w, http.StatusConflict, "job already finished")
		return
	}

	job.Cancel()
	respondJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

// Overlay writes the match overlay of a completed job as PNG. The optional
// scale query parameter enlarges it.
func (h *MatchHandler) Overlay(w http.ResponseWriter, r *http.Request) {
	job := h.lookup(w, r)
	if job == nil {
		return
	}

	overlay := job.Overlay()
	if overlay == nil {
		respondError(w, http.StatusConflict, "no overlay available")
		return
	}

	if raw := r.URL.Query().Get("scale"); raw != "" {
		scale, err := strconv.ParseFloat(raw, 64)
		if err != nil || scale <= 0 || scale > maxOverlayScale {
			respondError(w, http.StatusBadRequest, "invalid scale")
			return
		}
		overlay = render.Scale(overlay, scale)
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	if err := render.WritePNG(w, overlay); err != nil {
		h.logger.Error("failed to write overlay", "job", job.ID(), "error", err)
	}
}

func (h *MatchHandler) lookup(w http.ResponseWriter, r *http.Request) *MatchJob {
	jobID := chi.URLParam(r, "jobId")
	if jobID == "" {
		respondError(w, http.StatusBadRequest, "missing job ID")
		return nil
	}

	job := h.jobManager.GetJob(jobID)
	if job == nil {
		respondError(w, http.StatusNotFound, "job not found")
		return nil
	}
	return job
}

func (h *MatchHandler) runMatchJob(job *MatchJob, cfg *config.Config, sample image.Image) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	job.setCancel(cancel)

	job.update(func(s *MatchJobState) {
		if s.Status == JobStatusPending {
			s.Status = JobStatusRunning
		}
	})
	if job.GetStatus() == JobStatusCancelled {
		return
	}
	snapshot := job.Snapshot()
	job.SendEvent(JobEvent{Type: "started", Message: "Scanning corpus", Data: map[string]string{
		"sample":     snapshot.Sample,
		"corpus_dir": snapshot.CorpusDir,
	}})

	id, err := identify.NewWithStore(cfg, h.store, h.logger.With("job", job.ID()))
	if err != nil {
		h.failJob(job, fmt.Sprintf("failed to build matcher: %v", err))
		return
	}
	defer id.Close()

	progress := func(p scanner.Progress) {
		percent := 0
		if p.Total > 0 {
			percent = p.Current * 100 / p.Total
		}
		job.update(func(s *MatchJobState) {
			s.Progress = percent
			s.Total = p.Total
			s.Processed = p.Current
			s.Current = p.Filename
		})
		job.SendEvent(JobEvent{Type: "progress", Data: map[string]any{
			"current":  p.Current,
			"total":    p.Total,
			"filename": p.Filename,
			"score":    p.Score,
			"skipped":  p.Skipped,
			"reason":   p.Reason,
			"progress": percent,
		}})
	}

	outcome, err := id.IdentifyImage(ctx, sample, snapshot.CorpusDir, progress)
	switch {
	case errors.Is(err, context.Canceled):
		job.finish(JobStatusCancelled, outcome, "", nil)
		h.logger.Info("match job cancelled", "job", job.ID())
		return
	case err != nil:
		h.failJob(job, err.Error())
		return
	}

	h.logger.Info("match job completed",
		"job", job.ID(),
		"found", outcome.Found,
		"filename", outcome.Filename,
		"score", outcome.Score,
	)
	job.finish(JobStatusCompleted, outcome, "", &JobEvent{Type: "completed", Data: outcome})
}

func (h *MatchHandler) failJob(job *MatchJob, message string) {
	h.logger.Warn("match job failed", "job", job.ID(), "error", message)
	job.finish(JobStatusFailed, nil, message, &JobEvent{Type: "job_error", Message: message})
}

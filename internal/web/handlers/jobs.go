package handlers

import (
	"context"
	"image"
	"sort"
	"sync"
	"time"

	"github.com/kozaktomas/fingermatch/internal/constants"
	"github.com/kozaktomas/fingermatch/internal/identify"
)

// JobStatus represents the status of an async job.
type JobStatus string

// JobStatus constants define the lifecycle states of an async job.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// MatchJobOptions are the matcher settings a job runs with.
type MatchJobOptions struct {
	Ratio      float64 `json:"ratio"`
	Index      string  `json:"index"`
	AcceptLone bool    `json:"accept_lone"`
	Workers    int     `json:"workers"`
}

// MatchJobState is the JSON view of a match job.
type MatchJobState struct {
	ID          string            `json:"id"`
	Sample      string            `json:"sample"`
	CorpusDir   string            `json:"corpus_dir"`
	Status      JobStatus         `json:"status"`
	Progress    int               `json:"progress"`
	Total       int               `json:"total"`
	Processed   int               `json:"processed"`
	Current     string            `json:"current,omitempty"`
	Error       string            `json:"error,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Options     MatchJobOptions   `json:"options"`
	Result      *identify.Outcome `json:"result,omitempty"`
}

// MatchJob is one asynchronous corpus scan.
type MatchJob struct {
	EventBroadcaster

	state   MatchJobState
	overlay image.Image
}

// ID returns the job identifier.
func (j *MatchJob) ID() string {
	return j.state.ID
}

// Snapshot returns a copy of the job state.
func (j *MatchJob) Snapshot() MatchJobState {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state
}

// GetStatus returns the current job status (implements SSEJob).
func (j *MatchJob) GetStatus() JobStatus {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state.Status
}

// Overlay returns the rendered overlay of a completed job with a match.
func (j *MatchJob) Overlay() image.Image {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.overlay
}

// Cancel marks the job cancelled, notifies listeners and stops the scan.
func (j *MatchJob) Cancel() {
	j.mu.Lock()
	if !IsJobTerminal(j.state.Status) {
		j.state.Status = JobStatusCancelled
		now := time.Now()
		j.state.CompletedAt = &now
		j.broadcast(JobEvent{Type: "cancelled", Message: "Job cancelled by user"})
	}
	cancel := j.cancel
	j.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (j *MatchJob) update(fn func(s *MatchJobState)) {
	j.mu.Lock()
	fn(&j.state)
	j.mu.Unlock()
}

func (j *MatchJob) setCancel(cancel context.CancelFunc) {
	j.mu.Lock()
	j.cancel = cancel
	j.mu.Unlock()
}

// finish records the terminal state and emits event, if any, under the same
// lock so a listener sees either the event or the terminal status. A job
// cancelled by the user stays cancelled and emits nothing further.
func (j *MatchJob) finish(status JobStatus, outcome *identify.Outcome, errMsg string, event *JobEvent) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if outcome != nil {
		j.state.Result = outcome
		j.overlay = outcome.Overlay
	}
	if j.state.Status == JobStatusCancelled {
		return
	}
	now := time.Now()
	j.state.Status = status
	j.state.CompletedAt = &now
	j.state.Error = errMsg
	if event != nil {
		j.broadcast(*event)
	}
}

// JobEvent represents an event from a job.
type JobEvent struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// EventBroadcaster provides listener management and event broadcasting for async jobs.
// Embed this in job structs to get AddListener, RemoveListener, and SendEvent methods.
type EventBroadcaster struct {
	cancel    context.CancelFunc
	listeners []chan JobEvent
	mu        sync.RWMutex
}

// AddListener adds an event listener.
func (b *EventBroadcaster) AddListener() chan JobEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan JobEvent, constants.EventChannelBuffer)
	b.listeners = append(b.listeners, ch)
	return ch
}

// RemoveListener removes an event listener.
func (b *EventBroadcaster) RemoveListener(ch chan JobEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, listener := range b.listeners {
		if listener == ch {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

// SendEvent sends an event to all listeners.
func (b *EventBroadcaster) SendEvent(event JobEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	b.broadcast(event)
}

// broadcast delivers event without blocking. The caller holds mu.
func (b *EventBroadcaster) broadcast(event JobEvent) {
	for _, listener := range b.listeners {
		select {
		case listener <- event:
		default:
			// Listener buffer full, skip.
		}
	}
}

// SSEJob is the interface required by streamSSEEvents to stream job events via SSE.
type SSEJob interface {
	AddListener() chan JobEvent
	RemoveListener(ch chan JobEvent)
	GetStatus() JobStatus
}

// JobManager manages async jobs.
type JobManager struct {
	jobs map[string]*MatchJob
	mu   sync.RWMutex
}

// NewJobManager creates a new job manager.
func NewJobManager() *JobManager {
	return &JobManager{
		jobs: make(map[string]*MatchJob),
	}
}

// CreateJob registers a pending match job.
func (m *JobManager) CreateJob(id, sample, corpusDir string, options MatchJobOptions) *MatchJob {
	job := &MatchJob{
		state: MatchJobState{
			ID:        id,
			Sample:    sample,
			CorpusDir: corpusDir,
			Status:    JobStatusPending,
			StartedAt: time.Now(),
			Options:   options,
		},
	}

	m.mu.Lock()
	m.jobs[id] = job
	m.mu.Unlock()

	return job
}

// GetJob retrieves a job by ID.
func (m *JobManager) GetJob(id string) *MatchJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.jobs[id]
}

// ListJobs returns all jobs, oldest first.
func (m *JobManager) ListJobs() []*MatchJob {
	m.mu.RLock()
	jobs := make([]*MatchJob, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job)
	}
	m.mu.RUnlock()

	sort.Slice(jobs, func(a, b int) bool {
		return jobs[a].state.StartedAt.Before(jobs[b].state.StartedAt)
	})
	return jobs
}

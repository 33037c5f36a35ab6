package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	ports "github.com/scribe-labs/scribe-salon/scribe/router/ports"
)

// JobStatus is the lifecycle state of one agent job.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Artifact is an output item attached to a finished job.
type Artifact struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	URI  string `json:"uri"`
}

// Job tracks one inference job from dispatch to terminal state.
type Job struct {
	ID        string          `json:"id"`
	Status    JobStatus       `json:"status"`
	Provider  string          `json:"provider"`
	Model     string          `json:"model"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Input     ports.Request   `json:"input"`
	Result    *ports.Response `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Logs      []string        `json:"logs"`
	Progress  float64         `json:"progress"`
	Artifacts []Artifact      `json:"artifacts,omitempty"`
}

// JobStore is an in-memory job registry for one process lifetime.
// Job goroutines and status queries touch it concurrently.
type JobStore struct {
	mu   sync.Mutex
	jobs map[string]Job
}

// NewJobStore builds an empty store.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]Job)}
}

// Put inserts or replaces a job snapshot.
func (s *JobStore) Put(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
}

// Get retrieves one job by id.
func (s *JobStore) Get(jobID string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return Job{}, fmt.Errorf("job %s not found", jobID)
	}
	return job, nil
}

// All lists every tracked job.
func (s *JobStore) All() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	return out
}

// Dispatcher routes one job request to a provider. Satisfied by the
// provider router.
type Dispatcher interface {
	Send(ctx context.Context, req ports.Request) ports.Response
}

// JobRunner executes jobs through a dispatcher and records their
// lifecycle in a store. A degraded dispatch marks the job failed while
// still attaching the fallback response for inspection.
type JobRunner struct {
	dispatcher Dispatcher
	store      *JobStore
	logger     zerolog.Logger
}

// NewJobRunner builds a runner. A nil store gets a fresh one.
func NewJobRunner(dispatcher Dispatcher, store *JobStore, logger zerolog.Logger) *JobRunner {
	if store == nil {
		store = NewJobStore()
	}
	return &JobRunner{
		dispatcher: dispatcher,
		store:      store,
		logger:     logger.With().Str("component", "runtime").Str("unit", "jobs").Logger(),
	}
}

// Store exposes the underlying job store.
func (r *JobRunner) Store() *JobStore { return r.store }

// Run creates a job and executes it synchronously, returning it in a
// terminal state.
func (r *JobRunner) Run(ctx context.Context, req ports.Request) Job {
	job := r.create(req)
	resp := r.dispatcher.Send(ctx, req)
	return r.finalize(job, resp)
}

// Start executes a job asynchronously and returns it immediately in
// the running state. The returned channel yields the terminal job.
func (r *JobRunner) Start(ctx context.Context, req ports.Request) (Job, <-chan Job) {
	job := r.create(req)
	done := make(chan Job, 1)
	go func() {
		resp := r.dispatcher.Send(ctx, req)
		done <- r.finalize(job, resp)
	}()
	return job, done
}

func (r *JobRunner) create(req ports.Request) Job {
	now := time.Now().UTC()
	job := Job{
		ID:        uuid.NewString(),
		Status:    JobRunning,
		Provider:  req.Provider,
		Model:     req.Model,
		CreatedAt: now,
		UpdatedAt: now,
		Input:     req,
		Logs:      []string{"Job received.", "Dispatching to provider."},
	}
	r.store.Put(job)
	return job
}

func (r *JobRunner) finalize(job Job, resp ports.Response) Job {
	job.Result = &resp
	if degraded, _ := resp.Meta["degraded"].(bool); degraded {
		job.Status = JobFailed
		if msg, _ := resp.Meta["error"].(string); msg != "" {
			job.Error = msg
		} else {
			job.Error = "provider dispatch degraded to fallback"
		}
		job.Logs = append(job.Logs, fmt.Sprintf("Provider error: %s", job.Error))
	} else {
		job.Status = JobCompleted
		job.Progress = 1.0
		job.Logs = append(job.Logs, "Provider completed successfully.")
		if resp.Content != "" {
			job.Artifacts = append(job.Artifacts, Artifact{
				ID:   "artifact-" + uuid.NewString(),
				Type: "TEXT",
				URI:  resp.Content,
			})
		}
	}
	job.UpdatedAt = time.Now().UTC()
	r.store.Put(job)

	r.logger.Debug().
		Str("job_id", job.ID).
		Str("status", string(job.Status)).
		Str("provider", job.Provider).
		Msg("job finished")
	return job
}

// Package job tracks long-running background admin operations (reindex,
// bulk ops, index deletion) with progress, and counts jobs per index so that
// admin calls can enforce at most one mutating job per index.
package job

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Job is the progress-tracked background task record, per the data model's
// {id, index, title, start, progress} shape.
type Job struct {
	ID       string    `json:"id"`
	Index    string    `json:"index"`
	Title    string    `json:"title"`
	Start    time.Time `json:"start"`
	Progress float64   `json:"progress"`
}

// Manager is the JobManager: state is a mapping job_id -> Job, guarded by a
// mutex since admin calls and waitForAll poll concurrently.
type Manager struct {
	mu     sync.Mutex
	jobs   map[string]*Job
	logger *zap.Logger
}

// New returns an empty Manager. A nil logger falls back to zap.NewNop().
func New(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{jobs: make(map[string]*Job), logger: logger}
}

// Create allocates an id, records start=now, progress=0, stores and
// returns the new Job.
func (m *Manager) Create(index, title string) *Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := &Job{
		ID:    uuid.NewString(),
		Index: index,
		Title: title,
		Start: time.Now(),
	}
	m.jobs[j.ID] = j
	m.logger.Info("job.create", zap.String("job_id", j.ID), zap.String("index", index), zap.String("title", title))
	return j
}

// Update merges progress into the job named by id. A missing id logs an
// error and is a no-op, per spec.
func (m *Manager) Update(id string, progress float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		m.logger.Error("job.update: unknown job id", zap.String("job_id", id))
		return
	}
	j.Progress = progress
}

// Finish computes elapsed time, removes the job, and emits a completion
// log record.
func (m *Manager) Finish(id string) {
	m.mu.Lock()
	j, ok := m.jobs[id]
	if ok {
		delete(m.jobs, id)
	}
	m.mu.Unlock()

	if !ok {
		m.logger.Error("job.finish: unknown job id", zap.String("job_id", id))
		return
	}
	m.logger.Info("job.finish",
		zap.String("job_id", id),
		zap.String("index", j.Index),
		zap.String("title", j.Title),
		zap.Duration("elapsed", time.Since(j.Start)),
	)
}

// CountFor counts jobs whose index matches, used by admin calls to
// implement the "one mutating job per index" gate.
func (m *Manager) CountFor(index string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.Index == index {
			n++
		}
	}
	return n
}

// Get returns a copy of the job named by id, if it still exists.
func (m *Manager) Get(id string) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// Count returns the number of jobs currently tracked, across all indexes.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// WaitForAll polls every interval until the job map is empty, or ctx-style
// cancellation isn't needed here since it's only used during shutdown with
// a bounded job set; it returns once the last job finishes.
func (m *Manager) WaitForAll() {
	const pollInterval = 250 * time.Millisecond
	for m.Count() > 0 {
		time.Sleep(pollInterval)
	}
}

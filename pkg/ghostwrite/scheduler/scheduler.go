// Package scheduler implements deferred bulk sends: a message scheduled
// for a future time against a list of numbers, with cancellable timers
// and SQLite-backed persistence so pending jobs survive restarts.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Job statuses.
const (
	StatusScheduled = "scheduled"
	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// SendResult is the per-number outcome of a bulk send.
type SendResult struct {
	Number string `json:"number"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

// Job is one scheduled bulk send.
type Job struct {
	ID        string       `json:"id"`
	Code      string       `json:"code"`
	Message   string       `json:"message"`
	Numbers   []string     `json:"numbers"`
	SendAt    time.Time    `json:"sendAt"`
	Status    string       `json:"status"`
	Results   []SendResult `json:"results,omitempty"`
	Error     string       `json:"error,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// Sender delivers one message for a session.
type Sender func(ctx context.Context, code, number, message string) error

// JobStorage persists jobs across restarts.
type JobStorage interface {
	Save(ctx context.Context, job *Job) error
	Delete(ctx context.Context, code, id string) error
	LoadAll(ctx context.Context) ([]*Job, error)
}

// interSendDelay paces sends within one job to avoid tripping spam
// heuristics.
const interSendDelay = 2 * time.Second

// Scheduler manages the pending job timers.
type Scheduler struct {
	storage JobStorage
	sender  Sender
	logger  *slog.Logger

	mu     sync.Mutex
	jobs   map[string]*Job
	timers map[string]*time.Timer

	pace time.Duration
}

// New creates a scheduler. Call Start to load persisted jobs.
func New(storage JobStorage, sender Sender, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		storage: storage,
		sender:  sender,
		logger:  logger.With("component", "scheduler"),
		jobs:    make(map[string]*Job),
		timers:  make(map[string]*time.Timer),
		pace:    interSendDelay,
	}
}

// Start loads persisted jobs and re-arms pending timers. Jobs whose send
// time passed while the process was down fire immediately; jobs caught
// mid-send by a crash are marked failed rather than re-sent.
func (s *Scheduler) Start(ctx context.Context) error {
	jobs, err := s.storage.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("loading scheduled jobs: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range jobs {
		s.jobs[job.ID] = job
		switch job.Status {
		case StatusScheduled:
			s.armLocked(job)
		case StatusSending:
			job.Status = StatusFailed
			job.Error = "interrupted by restart"
			job.UpdatedAt = time.Now()
			s.persist(job)
		}
	}
	s.logger.Info("scheduler started", "jobs", len(jobs))
	return nil
}

// Stop clears all pending timers without touching job state.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// Schedule creates a job and arms its timer.
func (s *Scheduler) Schedule(ctx context.Context, code, message string, numbers []string, sendAt time.Time) (*Job, error) {
	if code == "" {
		return nil, fmt.Errorf("scheduler: empty session code")
	}
	if message == "" {
		return nil, fmt.Errorf("scheduler: empty message")
	}
	if len(numbers) == 0 {
		return nil, fmt.Errorf("scheduler: no recipients")
	}

	now := time.Now()
	job := &Job{
		ID:        uuid.NewString(),
		Code:      code,
		Message:   message,
		Numbers:   append([]string(nil), numbers...),
		SendAt:    sendAt,
		Status:    StatusScheduled,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.armLocked(job)
	s.persist(job)
	s.mu.Unlock()

	s.logger.Info("job scheduled", "id", job.ID, "code", code,
		"recipients", len(numbers), "send_at", sendAt)
	return job, nil
}

// Get returns a session's job by id.
func (s *Scheduler) Get(code, id string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Code != code {
		return nil, false
	}
	cp := *job
	return &cp, true
}

// List returns all of a session's jobs.
func (s *Scheduler) List(code string) []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Job
	for _, job := range s.jobs {
		if job.Code == code {
			cp := *job
			out = append(out, &cp)
		}
	}
	return out
}

// Cancel stops a job. Allowed only from scheduled or sending; a sending
// job stops before its next recipient.
func (s *Scheduler) Cancel(code, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Code != code {
		return fmt.Errorf("scheduler: job %q not found", id)
	}
	if job.Status != StatusScheduled && job.Status != StatusSending {
		return fmt.Errorf("scheduler: job %q is %s, cannot cancel", id, job.Status)
	}
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	job.Status = StatusCancelled
	job.UpdatedAt = time.Now()
	s.persist(job)
	s.logger.Info("job cancelled", "id", id)
	return nil
}

// Remove deletes a job entirely. Disallowed while it is actively sending.
func (s *Scheduler) Remove(ctx context.Context, code, id string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok || job.Code != code {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: job %q not found", id)
	}
	if job.Status == StatusSending {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: job %q is sending, cannot remove", id)
	}
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	delete(s.jobs, id)
	s.mu.Unlock()

	if s.storage != nil {
		if err := s.storage.Delete(ctx, code, id); err != nil {
			s.logger.Warn("failed to delete stored job", "id", id, "error", err)
		}
	}
	s.logger.Info("job removed", "id", id)
	return nil
}

// armLocked schedules the timer for a job. Caller holds the lock.
func (s *Scheduler) armLocked(job *Job) {
	delay := time.Until(job.SendAt)
	if delay < 0 {
		delay = 0
	}
	id := job.ID
	s.timers[id] = time.AfterFunc(delay, func() { s.run(id) })
}

// run executes one job, recording a per-number result.
func (s *Scheduler) run(id string) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok || job.Status != StatusScheduled {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	job.Status = StatusSending
	job.UpdatedAt = time.Now()
	s.persist(job)
	code, message := job.Code, job.Message
	numbers := append([]string(nil), job.Numbers...)
	s.mu.Unlock()

	ctx := context.Background()
	var results []SendResult
	failures := 0
	for i, number := range numbers {
		if i > 0 {
			time.Sleep(s.pace)
		}
		// A cancel issued mid-send stops before the next recipient.
		s.mu.Lock()
		cancelled := job.Status == StatusCancelled
		s.mu.Unlock()
		if cancelled {
			s.logger.Info("job cancelled mid-send", "id", id, "sent", len(results))
			s.finish(job, results, StatusCancelled, "")
			return
		}

		res := SendResult{Number: number, OK: true}
		if err := s.sender(ctx, code, number, message); err != nil {
			res.OK = false
			res.Error = err.Error()
			failures++
		}
		results = append(results, res)
	}

	status := StatusSent
	errMsg := ""
	if failures == len(numbers) {
		status = StatusFailed
		errMsg = "all sends failed"
	}
	s.finish(job, results, status, errMsg)
	s.logger.Info("job finished", "id", id, "status", status,
		"sent", len(results)-failures, "failed", failures)
}

func (s *Scheduler) finish(job *Job, results []SendResult, status, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.Results = results
	if job.Status == StatusSending || status == StatusCancelled {
		job.Status = status
	}
	job.Error = errMsg
	job.UpdatedAt = time.Now()
	s.persist(job)
}

// persist best-effort saves a job. Caller holds the lock.
func (s *Scheduler) persist(job *Job) {
	if s.storage == nil {
		return
	}
	if err := s.storage.Save(context.Background(), job); err != nil {
		s.logger.Warn("failed to persist job", "id", job.ID, "error", err)
	}
}

package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ryelan/ghostwrite/pkg/ghostwrite/store"
)

type memStorage struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

func newMemStorage() *memStorage {
	return &memStorage{jobs: make(map[string]*Job)}
}

func (m *memStorage) Save(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memStorage) Delete(_ context.Context, _, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}

func (m *memStorage) LoadAll(_ context.Context) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Job
	for _, j := range m.jobs {
		cp := *j
		out = append(out, &cp)
	}
	return out, nil
}

type sendCall struct {
	code   string
	number string
}

type fakeSender struct {
	mu      sync.Mutex
	calls   []sendCall
	failAll bool

	block   chan struct{} // when set, sends wait here
	started chan struct{}
}

func (f *fakeSender) send(_ context.Context, code, number, _ string) error {
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.calls = append(f.calls, sendCall{code, number})
	failAll := f.failAll
	f.mu.Unlock()
	if failAll {
		return errors.New("send refused")
	}
	return nil
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func waitStatus(t *testing.T, s *Scheduler, code, id, want string) *Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if job, ok := s.Get(code, id); ok && job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := s.Get(code, id)
	t.Fatalf("job never reached status %q, last seen: %+v", want, job)
	return nil
}

func newTestScheduler(sender *fakeSender) (*Scheduler, *memStorage) {
	st := newMemStorage()
	s := New(st, sender.send, slog.Default())
	s.pace = 0
	return s, st
}

func TestScheduleFiresAndRecordsResults(t *testing.T) {
	sender := &fakeSender{}
	s, st := newTestScheduler(sender)

	job, err := s.Schedule(context.Background(), "acme", "hi",
		[]string{"5511111111111", "5522222222222"}, time.Now().Add(10*time.Millisecond))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	done := waitStatus(t, s, "acme", job.ID, StatusSent)
	if len(done.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(done.Results))
	}
	for _, r := range done.Results {
		if !r.OK {
			t.Errorf("result for %s not ok: %s", r.Number, r.Error)
		}
	}
	if sender.callCount() != 2 {
		t.Errorf("expected 2 sends, got %d", sender.callCount())
	}

	st.mu.Lock()
	stored := st.jobs[job.ID]
	st.mu.Unlock()
	if stored == nil || stored.Status != StatusSent {
		t.Errorf("stored job not updated: %+v", stored)
	}
}

func TestAllSendsFailedMarksJobFailed(t *testing.T) {
	sender := &fakeSender{failAll: true}
	s, _ := newTestScheduler(sender)

	job, err := s.Schedule(context.Background(), "acme", "hi",
		[]string{"5511111111111"}, time.Now())
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	done := waitStatus(t, s, "acme", job.ID, StatusFailed)
	if done.Error == "" {
		t.Error("expected job error to be set")
	}
	if len(done.Results) != 1 || done.Results[0].OK {
		t.Errorf("expected one failed result, got %+v", done.Results)
	}
}

func TestCancelScheduledJob(t *testing.T) {
	sender := &fakeSender{}
	s, _ := newTestScheduler(sender)

	job, err := s.Schedule(context.Background(), "acme", "hi",
		[]string{"5511111111111"}, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := s.Cancel("acme", job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	got, _ := s.Get("acme", job.ID)
	if got.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	if sender.callCount() != 0 {
		t.Errorf("cancelled job sent %d messages", sender.callCount())
	}

	if err := s.Cancel("acme", job.ID); err == nil {
		t.Error("expected error cancelling an already cancelled job")
	}
}

func TestCancelMidSendStopsBeforeNextRecipient(t *testing.T) {
	sender := &fakeSender{
		block:   make(chan struct{}),
		started: make(chan struct{}, 4),
	}
	s, _ := newTestScheduler(sender)

	job, err := s.Schedule(context.Background(), "acme", "hi",
		[]string{"5511111111111", "5522222222222", "5533333333333"}, time.Now())
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	<-sender.started // first send in flight
	waitStatus(t, s, "acme", job.ID, StatusSending)
	if err := s.Cancel("acme", job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(sender.block) // let the in-flight send finish

	// Cancel flips the status right away; the in-flight recipient's
	// result only lands once the send loop observes the cancellation.
	var done *Job
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if j, ok := s.Get("acme", job.ID); ok && len(j.Results) > 0 {
			done = j
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if done == nil {
		t.Fatal("in-flight result never recorded after cancel")
	}
	if done.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", done.Status)
	}
	if len(done.Results) != 1 {
		t.Fatalf("expected 1 result before cancel took effect, got %d", len(done.Results))
	}
	if sender.callCount() != 1 {
		t.Errorf("expected 1 send, got %d", sender.callCount())
	}
}

func TestRemoveDisallowedWhileSending(t *testing.T) {
	sender := &fakeSender{
		block:   make(chan struct{}),
		started: make(chan struct{}, 2),
	}
	s, st := newTestScheduler(sender)

	job, err := s.Schedule(context.Background(), "acme", "hi",
		[]string{"5511111111111"}, time.Now())
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	<-sender.started
	if err := s.Remove(context.Background(), "acme", job.ID); err == nil {
		t.Fatal("expected Remove to fail while sending")
	}
	close(sender.block)

	waitStatus(t, s, "acme", job.ID, StatusSent)
	if err := s.Remove(context.Background(), "acme", job.ID); err != nil {
		t.Fatalf("Remove after completion: %v", err)
	}
	if _, ok := s.Get("acme", job.ID); ok {
		t.Error("job still listed after removal")
	}
	st.mu.Lock()
	_, stored := st.jobs[job.ID]
	st.mu.Unlock()
	if stored {
		t.Error("job still in storage after removal")
	}
}

func TestJobsAreScopedToSession(t *testing.T) {
	sender := &fakeSender{}
	s, _ := newTestScheduler(sender)

	job, err := s.Schedule(context.Background(), "acme", "hi",
		[]string{"5511111111111"}, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	if _, ok := s.Get("other", job.ID); ok {
		t.Error("job visible across sessions")
	}
	if err := s.Cancel("other", job.ID); err == nil {
		t.Error("cancel should not work across sessions")
	}
	if len(s.List("other")) != 0 {
		t.Error("List leaked jobs across sessions")
	}
	if len(s.List("acme")) != 1 {
		t.Error("List missed the session's job")
	}
}

func TestStartReArmsPersistedJobs(t *testing.T) {
	st := newMemStorage()
	past := &Job{
		ID: "past", Code: "acme", Message: "hi",
		Numbers: []string{"5511111111111"},
		SendAt:  time.Now().Add(-time.Hour), Status: StatusScheduled,
	}
	interrupted := &Job{
		ID: "interrupted", Code: "acme", Message: "hi",
		Numbers: []string{"5522222222222"},
		SendAt:  time.Now().Add(-time.Hour), Status: StatusSending,
	}
	st.jobs[past.ID] = past
	st.jobs[interrupted.ID] = interrupted

	sender := &fakeSender{}
	s := New(st, sender.send, slog.Default())
	s.pace = 0
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	// Past-due job fires immediately on load.
	waitStatus(t, s, "acme", "past", StatusSent)

	// A job caught mid-send by a restart is failed, not re-sent.
	got, ok := s.Get("acme", "interrupted")
	if !ok || got.Status != StatusFailed {
		t.Fatalf("expected interrupted job to be failed, got %+v", got)
	}
	if sender.callCount() != 1 {
		t.Errorf("expected only the past-due job to send, got %d sends", sender.callCount())
	}
}

func TestSQLiteStorageRoundTrip(t *testing.T) {
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	defer st.Close()

	storage := NewSQLiteStorage(st.DB())
	ctx := context.Background()

	job := &Job{
		ID: "j1", Code: "acme", Message: "hi",
		Numbers: []string{"5511111111111"},
		SendAt:  time.Now().UTC().Truncate(time.Second),
		Status:  StatusScheduled,
	}
	if err := storage.Save(ctx, job); err != nil {
		t.Fatalf("Save: %v", err)
	}
	job.Status = StatusSent
	if err := storage.Save(ctx, job); err != nil {
		t.Fatalf("Save update: %v", err)
	}

	jobs, err := storage.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	if jobs[0].Status != StatusSent || jobs[0].Code != "acme" {
		t.Errorf("round trip mismatch: %+v", jobs[0])
	}

	if err := storage.Delete(ctx, "acme", "j1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	jobs, err = storage.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll after delete: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("expected empty storage, got %d jobs", len(jobs))
	}
}

// Package cron runs periodic payloads: the tick loop enumerates due
// jobs, dispatches each to its handler under a global concurrency cap
// with at most one run in flight per job, and records run history in
// cron.json.
package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/crpc/internal/bus"
	"github.com/basket/crpc/internal/shared"
	"github.com/basket/crpc/internal/store"
)

// MaxJobs is the hard cap on registered jobs.
const MaxJobs = 500

// cronParser accepts standard 5-field expressions.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Payload is what a job executes: a handler kind plus its arguments.
type Payload struct {
	Kind    string          `json:"kind"`
	AgentID string          `json:"agent_id,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Run is one recorded execution.
type Run struct {
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
	Outcome    string    `json:"outcome"` // "ok" or "error"
	Detail     string    `json:"detail,omitempty"`
}

// Job is one registered cron entry.
type Job struct {
	JobID      string     `json:"job_id"`
	Schedule   string     `json:"schedule"`
	Payload    Payload    `json:"payload"`
	LastRun    *time.Time `json:"last_run,omitempty"`
	NextRun    time.Time  `json:"next_run"`
	LastResult string     `json:"last_result,omitempty"`
	History    []Run      `json:"history,omitempty"`
}

// Handler executes one payload kind. The returned string becomes the
// run detail.
type Handler func(ctx context.Context, job Job) (string, error)

type Config struct {
	Path          string
	TickInterval  time.Duration
	MaxConcurrent int
	HistoryLimit  int
	Bus           *bus.Bus
	Logger        *slog.Logger
}

// Scheduler owns the job table and the tick loop.
type Scheduler struct {
	doc          store.Doc
	bus          *bus.Bus
	logger       *slog.Logger
	tick         time.Duration
	historyLimit int
	now          func() time.Time

	mu       sync.Mutex
	jobs     map[string]*Job
	running  map[string]struct{}
	handlers map[string]Handler

	slots chan struct{}
	wg    sync.WaitGroup
}

func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 10 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Scheduler{
		doc:          store.Doc{Path: cfg.Path},
		bus:          cfg.Bus,
		logger:       cfg.Logger,
		tick:         cfg.TickInterval,
		historyLimit: cfg.HistoryLimit,
		now:          time.Now,
		jobs:         map[string]*Job{},
		running:      map[string]struct{}{},
		handlers:     map[string]Handler{},
		slots:        make(chan struct{}, cfg.MaxConcurrent),
	}
	var onDisk []*Job
	if _, err := s.doc.Load(&onDisk); err != nil && !shared.IsKind(err, shared.KindNotFound) {
		return nil, err
	}
	for _, j := range onDisk {
		s.jobs[j.JobID] = j
	}
	return s, nil
}

// SetClock overrides the clock for tests.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// RegisterHandler binds a payload kind to its executor.
func (s *Scheduler) RegisterHandler(kind string, h Handler) {
	s.mu.Lock()
	s.handlers[kind] = h
	s.mu.Unlock()
}

// NextRunTime computes the next fire time for a schedule: standard
// 5-field cron or "@every <duration>".
func NextRunTime(schedule string, after time.Time) (time.Time, error) {
	schedule = strings.TrimSpace(schedule)
	if rest, ok := strings.CutPrefix(schedule, "@every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil || d <= 0 {
			return time.Time{}, shared.Ef(shared.KindSchemaInvalid, "bad @every interval %q", rest)
		}
		return after.Add(d), nil
	}
	parsed, err := cronParser.Parse(schedule)
	if err != nil {
		return time.Time{}, shared.Wrap(shared.KindSchemaInvalid, fmt.Sprintf("bad schedule %q", schedule), err)
	}
	return parsed.Next(after), nil
}

func (s *Scheduler) saveLocked() error {
	list := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		list = append(list, j)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].JobID < list[j].JobID })
	_, err := s.doc.Save(list)
	return err
}

// Upsert registers or replaces a job. New jobs count against the hard
// cap; the schedule is validated and next_run computed immediately.
func (s *Scheduler) Upsert(job Job) (Job, error) {
	if job.JobID == "" {
		return Job{}, shared.E(shared.KindSchemaInvalid, "job_id must be non-empty")
	}
	next, err := NextRunTime(job.Schedule, s.now())
	if err != nil {
		return Job{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.jobs[job.JobID]
	if !ok && len(s.jobs) >= MaxJobs {
		return Job{}, shared.Ef(shared.KindQuotaExceeded, "job registry full (%d)", MaxJobs)
	}
	if ok {
		// Keep the run history across redefinition.
		job.LastRun = existing.LastRun
		job.LastResult = existing.LastResult
		job.History = existing.History
	}
	job.NextRun = next
	s.jobs[job.JobID] = &job
	if err := s.saveLocked(); err != nil {
		return Job{}, err
	}
	return job, nil
}

// Delete removes a job.
func (s *Scheduler) Delete(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return shared.Ef(shared.KindNotFound, "job %q not found", jobID)
	}
	delete(s.jobs, jobID)
	return s.saveLocked()
}

// Get returns one job.
func (s *Scheduler) Get(jobID string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return Job{}, shared.Ef(shared.KindNotFound, "job %q not found", jobID)
	}
	return *j, nil
}

// List returns every job sorted by id.
func (s *Scheduler) List() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

// Runs returns a job's recorded history, newest last.
func (s *Scheduler) Runs(jobID string) ([]Run, error) {
	j, err := s.Get(jobID)
	if err != nil {
		return nil, err
	}
	return j.History, nil
}

// Start runs the tick loop until ctx ends, then waits for in-flight
// runs.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("cron started", "interval", s.tick, "jobs", len(s.List()))
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info("cron stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick dispatches every due job that is not already in flight, subject
// to the global concurrency cap. Exported for tests.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	var due []*Job
	for _, j := range s.jobs {
		if _, inFlight := s.running[j.JobID]; inFlight {
			continue
		}
		if !j.NextRun.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRun.Before(due[j].NextRun) })
	s.mu.Unlock()

	for _, j := range due {
		select {
		case s.slots <- struct{}{}:
		default:
			// Global cap reached; the rest stay due for the next tick.
			return
		}
		s.mu.Lock()
		s.running[j.JobID] = struct{}{}
		snapshot := *j
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.slots }()
			s.fire(ctx, snapshot)
		}()
	}
}

func (s *Scheduler) fire(ctx context.Context, job Job) {
	if s.bus != nil {
		s.bus.Publish(bus.TopicCronFired, map[string]any{"job_id": job.JobID})
	}
	started := s.now()

	s.mu.Lock()
	handler := s.handlers[job.Payload.Kind]
	s.mu.Unlock()

	var detail string
	var err error
	if handler == nil {
		err = shared.Ef(shared.KindNotFound, "no handler for payload kind %q", job.Payload.Kind)
	} else {
		detail, err = handler(ctx, job)
	}
	elapsed := s.now().Sub(started)

	run := Run{StartedAt: started, DurationMS: elapsed.Milliseconds(), Outcome: "ok", Detail: detail}
	if err != nil {
		run.Outcome = "error"
		run.Detail = shared.Redact(err.Error())
		s.logger.Warn("cron run failed", "job_id", job.JobID, "error", err)
	} else {
		s.logger.Info("cron run completed", "job_id", job.JobID, "duration", elapsed)
	}

	s.mu.Lock()
	if j, ok := s.jobs[job.JobID]; ok {
		last := started
		j.LastRun = &last
		j.LastResult = run.Outcome
		j.History = append(j.History, run)
		if len(j.History) > s.historyLimit {
			j.History = j.History[len(j.History)-s.historyLimit:]
		}
		if next, nErr := NextRunTime(j.Schedule, s.now()); nErr == nil {
			j.NextRun = next
		}
		_ = s.saveLocked()
	}
	delete(s.running, job.JobID)
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(bus.TopicCronResult, bus.CronRunEvent{
			JobID:    job.JobID,
			Outcome:  run.Outcome,
			Duration: run.DurationMS,
		})
	}
}

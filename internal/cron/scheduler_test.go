package cron

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/crpc/internal/shared"
)

func testScheduler(t *testing.T, cfg Config) *Scheduler {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "cron.json")
	}
	s, err := NewScheduler(cfg)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	return s
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)

	next, err := NextRunTime("0 12 * * *", after)
	if err != nil {
		t.Fatal(err)
	}
	if next.Hour() != 12 || next.Day() != 1 {
		t.Fatalf("next = %v, want noon same day", next)
	}

	next, err = NextRunTime("@every 90s", after)
	if err != nil {
		t.Fatal(err)
	}
	if got := next.Sub(after); got != 90*time.Second {
		t.Fatalf("@every delta = %v", got)
	}

	for _, bad := range []string{"", "not a schedule", "@every nope", "@every -5s", "* * * * * *"} {
		if _, err := NextRunTime(bad, after); err == nil {
			t.Errorf("NextRunTime(%q) should fail", bad)
		}
	}
}

func TestUpsertDeleteList(t *testing.T) {
	s := testScheduler(t, Config{})
	job, err := s.Upsert(Job{JobID: "daily", Schedule: "0 9 * * *", Payload: Payload{Kind: "system_event"}})
	if err != nil {
		t.Fatal(err)
	}
	if job.NextRun.IsZero() {
		t.Fatal("next_run should be computed")
	}
	if got := s.List(); len(got) != 1 {
		t.Fatalf("List = %d entries", len(got))
	}
	if err := s.Delete("daily"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("daily"); !shared.IsKind(err, shared.KindNotFound) {
		t.Fatalf("second delete kind = %v", shared.KindOf(err))
	}
}

func TestJobCap(t *testing.T) {
	s := testScheduler(t, Config{})
	for i := 0; i < MaxJobs; i++ {
		if _, err := s.Upsert(Job{JobID: fmt.Sprintf("j%03d", i), Schedule: "@every 1h"}); err != nil {
			t.Fatalf("job %d: %v", i, err)
		}
	}
	if _, err := s.Upsert(Job{JobID: "one-too-many", Schedule: "@every 1h"}); !shared.IsKind(err, shared.KindQuotaExceeded) {
		t.Fatalf("kind = %v, want QuotaExceeded", shared.KindOf(err))
	}
	// Redefining an existing job is not a new registration.
	if _, err := s.Upsert(Job{JobID: "j000", Schedule: "@every 2h"}); err != nil {
		t.Fatalf("redefine: %v", err)
	}
}

func TestTickRunsDueJobs(t *testing.T) {
	s := testScheduler(t, Config{HistoryLimit: 3})
	now := time.Unix(50_000, 0)
	s.SetClock(func() time.Time { return now })

	var ran atomic.Int32
	s.RegisterHandler("system_event", func(ctx context.Context, job Job) (string, error) {
		ran.Add(1)
		return "fired", nil
	})
	if _, err := s.Upsert(Job{JobID: "j1", Schedule: "@every 1m", Payload: Payload{Kind: "system_event"}}); err != nil {
		t.Fatal(err)
	}

	// Not yet due.
	s.Tick(context.Background())
	s.wg.Wait()
	if ran.Load() != 0 {
		t.Fatal("job ran before its next_run")
	}

	now = now.Add(2 * time.Minute)
	s.Tick(context.Background())
	s.wg.Wait()
	if ran.Load() != 1 {
		t.Fatalf("ran = %d, want 1", ran.Load())
	}

	job, err := s.Get("j1")
	if err != nil {
		t.Fatal(err)
	}
	if job.LastResult != "ok" || job.LastRun == nil {
		t.Fatalf("job after run = %+v", job)
	}
	if !job.NextRun.After(now) {
		t.Fatalf("next_run %v not advanced past %v", job.NextRun, now)
	}
	runs, _ := s.Runs("j1")
	if len(runs) != 1 || runs[0].Outcome != "ok" || runs[0].Detail != "fired" {
		t.Fatalf("runs = %+v", runs)
	}
}

func TestNoConcurrentRunsPerJob(t *testing.T) {
	s := testScheduler(t, Config{MaxConcurrent: 8})
	now := time.Unix(50_000, 0)
	var mu sync.Mutex
	s.SetClock(func() time.Time { mu.Lock(); defer mu.Unlock(); return now })

	release := make(chan struct{})
	var inFlight, maxInFlight atomic.Int32
	s.RegisterHandler("slow", func(ctx context.Context, job Job) (string, error) {
		cur := inFlight.Add(1)
		for {
			prev := maxInFlight.Load()
			if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		return "", nil
	})
	if _, err := s.Upsert(Job{JobID: "j1", Schedule: "@every 1s", Payload: Payload{Kind: "slow"}}); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	now = now.Add(time.Minute)
	mu.Unlock()
	// Two ticks while the first run is still in flight.
	s.Tick(context.Background())
	time.Sleep(10 * time.Millisecond)
	s.Tick(context.Background())
	time.Sleep(10 * time.Millisecond)
	close(release)
	s.wg.Wait()

	if maxInFlight.Load() != 1 {
		t.Fatalf("max in-flight = %d, want 1", maxInFlight.Load())
	}
}

func TestHandlerErrorRecorded(t *testing.T) {
	s := testScheduler(t, Config{})
	now := time.Unix(50_000, 0)
	s.SetClock(func() time.Time { return now })
	s.RegisterHandler("boom", func(ctx context.Context, job Job) (string, error) {
		return "", fmt.Errorf("handler exploded")
	})
	if _, err := s.Upsert(Job{JobID: "j1", Schedule: "@every 1s", Payload: Payload{Kind: "boom"}}); err != nil {
		t.Fatal(err)
	}
	now = now.Add(time.Minute)
	s.Tick(context.Background())
	s.wg.Wait()

	job, _ := s.Get("j1")
	if job.LastResult != "error" {
		t.Fatalf("last_result = %q, want error", job.LastResult)
	}
}

func TestHistoryBounded(t *testing.T) {
	s := testScheduler(t, Config{HistoryLimit: 2})
	now := time.Unix(50_000, 0)
	var mu sync.Mutex
	s.SetClock(func() time.Time { mu.Lock(); defer mu.Unlock(); return now })
	s.RegisterHandler("system_event", func(ctx context.Context, job Job) (string, error) { return "", nil })
	if _, err := s.Upsert(Job{JobID: "j1", Schedule: "@every 1s", Payload: Payload{Kind: "system_event"}}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		mu.Lock()
		now = now.Add(time.Minute)
		mu.Unlock()
		s.Tick(context.Background())
		s.wg.Wait()
	}
	runs, _ := s.Runs("j1")
	if len(runs) != 2 {
		t.Fatalf("history = %d entries, want 2", len(runs))
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cron.json")
	s := testScheduler(t, Config{Path: path})
	if _, err := s.Upsert(Job{JobID: "j1", Schedule: "@every 1h", Payload: Payload{Kind: "system_event"}}); err != nil {
		t.Fatal(err)
	}
	s2 := testScheduler(t, Config{Path: path})
	if _, err := s2.Get("j1"); err != nil {
		t.Fatalf("job lost across reopen: %v", err)
	}
}

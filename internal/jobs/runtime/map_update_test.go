package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"edgeguard/internal/blocklist"
	"edgeguard/internal/store"
)

type countingJob struct {
	mu      sync.Mutex
	reasons []string
	err     error
}

func (j *countingJob) Run(_ context.Context, reason string) (*blocklist.Outcome, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.reasons = append(j.reasons, reason)
	return &blocklist.Outcome{Status: "published"}, j.err
}

func (j *countingJob) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.reasons...)
}

func TestMapUpdateLoopRunsAtStartupAndOnTicks(t *testing.T) {
	job := &countingJob{}
	ctx, cancel := context.WithTimeout(context.Background(), 180*time.Millisecond)
	defer cancel()

	runMapUpdateLoop(ctx, "bot", job, 50*time.Millisecond)

	reasons := job.snapshot()
	if len(reasons) < 2 {
		t.Fatalf("expected startup plus at least one scheduled run, got %v", reasons)
	}
	if reasons[0] != "startup" || reasons[1] != "scheduled" {
		t.Fatalf("unexpected reasons %v", reasons)
	}
}

func TestMapUpdateLoopSurvivesFailures(t *testing.T) {
	job := &countingJob{err: errors.New("nginx -t failed")}
	ctx, cancel := context.WithTimeout(context.Background(), 130*time.Millisecond)
	defer cancel()

	runMapUpdateLoop(ctx, "bot", job, 40*time.Millisecond)

	if got := len(job.snapshot()); got < 2 {
		t.Fatalf("loop stopped after a failure, runs = %d", got)
	}
}

func TestMapRoutineRunsUnderLeaderLock(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := store.NewRedis(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	job := &countingJob{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		MapRoutine{Name: "bot", Job: job, Interval: time.Hour, Redis: rdb, LockTTL: time.Second}.Start(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(job.snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if len(job.snapshot()) == 0 {
		t.Fatal("routine never ran the job")
	}
	if !mr.Exists("edgeguard:leader:bot_map") {
		t.Fatal("leader lock not held while running")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("routine did not stop after cancel")
	}
}

package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"

	"edgeguard/internal/blocklist"
	"edgeguard/internal/support"
)

const (
	leaderKeyPrefix        = "edgeguard:leader:"
	mapUpdateFallbackEvery = 10 * time.Minute
)

// MapJob is one publishable map.
type MapJob interface {
	Run(ctx context.Context, reason string) (*blocklist.Outcome, error)
}

// MapRoutine runs a map job on a fixed cadence while holding the map's leader
// lock, so only one control plane instance publishes at a time.
type MapRoutine struct {
	Name     string
	Job      MapJob
	Interval time.Duration
	Redis    support.RedisProvider
	LockTTL  time.Duration
}

// Start blocks until ctx is done.
func (r MapRoutine) Start(ctx context.Context) {
	lockKey := leaderKeyPrefix + r.Name + "_map"

	err := support.RunWithLeader(ctx, r.Redis, lockKey, r.LockTTL, func(leaderCtx context.Context) {
		runMapUpdateLoop(leaderCtx, r.Name, r.Job, r.Interval)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Map update routine stopped", "map", r.Name, "error", err)
	}
}

func runMapUpdateLoop(ctx context.Context, name string, job MapJob, interval time.Duration) {
	if interval <= 0 {
		interval = mapUpdateFallbackEvery
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	triggerMapUpdate(ctx, name, job, "startup")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			triggerMapUpdate(ctx, name, job, "scheduled")
		}
	}
}

func triggerMapUpdate(ctx context.Context, name string, job MapJob, reason string) {
	outcome, err := job.Run(ctx, reason)
	switch {
	case err != nil && ctx.Err() != nil:
		log.Debug("Map update interrupted", "map", name, "reason", reason)
	case err != nil:
		// The job already logged the failure; the next tick retries.
		log.Debug("Map update failed", "map", name, "reason", reason, "error", err)
	case outcome != nil:
		log.Debug("Map update finished", "map", name, "reason", reason, "status", outcome.Status, "took", outcome.Took)
	}
}

package maintenance

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"

	"edgeguard/internal/deploy"
	"edgeguard/internal/support"
)

const (
	envCleanupInterval = "DRAFT_CLEANUP_INTERVAL"
	envDraftMaxAge     = "DRAFT_MAX_AGE"

	defaultCleanupInterval = time.Hour
	defaultDraftMaxAge     = 15 * time.Minute
	draftCleanupLockKey    = "edgeguard:leader:draft_cleanup"
)

// StartDraftCleanupRoutine periodically removes map drafts left behind by a
// deployment that never finished.
func StartDraftCleanupRoutine(ctx context.Context, redisProvider support.RedisProvider, artifacts []deploy.Artifact) {
	err := support.RunWithLeader(ctx, redisProvider, draftCleanupLockKey, support.DefaultLeadershipTTL, func(leaderCtx context.Context) {
		runDraftCleanupLoop(leaderCtx, artifacts)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Draft cleanup routine stopped", "error", err)
	}
}

func runDraftCleanupLoop(ctx context.Context, artifacts []deploy.Artifact) {
	interval := support.GetEnvDuration(envCleanupInterval, defaultCleanupInterval)
	if interval <= 0 {
		interval = defaultCleanupInterval
	}
	maxAge := resolveDraftMaxAge()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	runDraftCleanup(artifacts, maxAge)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runDraftCleanup(artifacts, maxAge)
		}
	}
}

func resolveDraftMaxAge() time.Duration {
	maxAge := support.GetEnvDuration(envDraftMaxAge, defaultDraftMaxAge)
	if maxAge <= 0 {
		log.Warn("Invalid DRAFT_MAX_AGE value, using default", "default", defaultDraftMaxAge)
		return defaultDraftMaxAge
	}
	return maxAge
}

func runDraftCleanup(artifacts []deploy.Artifact, maxAge time.Duration) int {
	start := time.Now()

	removed, err := deploy.RemoveStaleDrafts(maxAge, artifacts...)
	if err != nil {
		log.Error("Failed to remove stale map drafts", "error", err)
	}
	if removed == 0 {
		return 0
	}

	log.Info(
		"Draft cleanup completed",
		"drafts_removed", removed,
		"duration", time.Since(start),
	)
	return removed
}

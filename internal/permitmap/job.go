// Package permitmap publishes the map of addresses that solved a challenge
// and must be let through by the proxy.
package permitmap

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"edgeguard/internal/blocklist"
	"edgeguard/internal/deploy"
	"edgeguard/internal/domain"
	"edgeguard/internal/netrange"
	"edgeguard/internal/store"
)

const (
	MapName         = "permit"
	DefaultMaxLines = 200000
)

type Config struct {
	Key      string
	MapPath  string
	TempPath string
	MaxLines int
}

// Job runs publish cycles of the permit map.
type Job struct {
	cfg      Config
	store    store.SetStore
	deployer *deploy.Deployer
	hooks    blocklist.Hooks
	group    singleflight.Group
}

func NewJob(cfg Config, setStore store.SetStore, deployer *deploy.Deployer, hooks blocklist.Hooks) *Job {
	if cfg.MaxLines <= 0 {
		cfg.MaxLines = DefaultMaxLines
	}
	return &Job{cfg: cfg, store: setStore, deployer: deployer, hooks: hooks}
}

// Run executes one cycle. Concurrent calls share the cycle already in flight.
func (j *Job) Run(ctx context.Context, reason string) (*blocklist.Outcome, error) {
	v, err, _ := j.group.Do(MapName, func() (any, error) {
		return j.run(ctx, reason)
	})
	outcome, _ := v.(*blocklist.Outcome)
	return outcome, err
}

func (j *Job) run(ctx context.Context, reason string) (*blocklist.Outcome, error) {
	start := time.Now()
	outcome := &blocklist.Outcome{Map: MapName, Reason: reason, Keys: []string{j.cfg.Key}}

	files := map[string]int{}
	finish := func(status string, err error) (*blocklist.Outcome, error) {
		outcome.Status = status
		if err != nil {
			outcome.Err = err
		}
		outcome.Took = time.Since(start)
		j.hooks.Report(ctx, outcome, files)
		return outcome, err
	}

	members, err := j.store.Members(ctx, j.cfg.Key)
	if err != nil {
		err = fmt.Errorf("%w: %w", blocklist.ErrStore, err)
		log.Error("Permit map update aborted, store unavailable", "error", err)
		return finish(domain.PublishStatusFailed, err)
	}
	outcome.RawEntries = len(members)

	if len(members) == 0 {
		log.Info("No IPs in permit list, skipping map update", "key", j.cfg.Key)
		return finish(domain.PublishStatusSkipped, nil)
	}

	// canonical form of every valid member, keyed by the raw member
	canonical := make(map[string]string, len(members))
	var rejected []string
	for _, m := range members {
		key, err := netrange.Canonical(m)
		if err != nil {
			log.Warn("Skipping invalid permit entry", "entry", m, "error", err)
			rejected = append(rejected, m)
			continue
		}
		canonical[m] = key
	}
	outcome.Rejected = len(rejected)

	keys := make(map[string]struct{}, len(canonical))
	for _, key := range canonical {
		keys[key] = struct{}{}
	}

	carried, err := blocklist.ReadMapKeys(j.cfg.MapPath)
	if err != nil {
		log.Warn("Could not read live permit map, continuing without its entries", "path", j.cfg.MapPath, "error", err)
	}
	for _, c := range carried {
		key, err := netrange.Canonical(c)
		if err != nil {
			continue
		}
		if _, ok := keys[key]; !ok {
			outcome.CarriedEntries++
			keys[key] = struct{}{}
		}
	}

	sorted := make([]string, 0, len(keys))
	for key := range keys {
		sorted = append(sorted, key)
	}
	slices.Sort(sorted)

	written := sorted
	if len(sorted) > j.cfg.MaxLines {
		log.Warn("Permit list exceeds the map bound, truncating", "total", len(sorted), "max_lines", j.cfg.MaxLines)
		written = sorted[:j.cfg.MaxLines]
		outcome.Shed = len(sorted) - len(written)
	}
	outcome.Primary = len(written)

	if len(written) == 0 {
		log.Info("No valid IPs to write to permit map")
		j.forget(ctx, rejected)
		return finish(domain.PublishStatusSkipped, nil)
	}

	artifact := deploy.Artifact{
		Name:     MapName,
		LivePath: j.cfg.MapPath,
		TempPath: j.cfg.TempPath,
		Body:     blocklist.BuildMapKeys(written, blocklist.TagPermit),
	}
	if err := j.deployer.Deploy(ctx, artifact); err != nil {
		log.Error("Permit map deployment failed, store left untouched", "error", err)
		return finish(domain.PublishStatusFailed, err)
	}
	files["permit"] = len(written)

	published := make(map[string]struct{}, len(written))
	for _, key := range written {
		published[key] = struct{}{}
	}
	consumed := rejected
	for m, key := range canonical {
		if _, ok := published[key]; ok {
			consumed = append(consumed, m)
		}
	}
	if err := j.forget(ctx, consumed); err != nil {
		outcome.Err = err
	}

	log.Info("Permit map published",
		"reason", reason,
		"written", len(written),
		"truncated", outcome.Shed,
		"carried", outcome.CarriedEntries,
		"rejected", outcome.Rejected,
	)
	return finish(domain.PublishStatusPublished, nil)
}

// forget removes consumed members and deletes the key once it is empty.
func (j *Job) forget(ctx context.Context, consumed []string) error {
	if len(consumed) == 0 {
		return nil
	}
	if err := j.store.Remove(ctx, j.cfg.Key, consumed...); err != nil {
		log.Error("Failed to remove published IPs from the permit list", "key", j.cfg.Key, "error", err)
		return err
	}

	remaining, err := j.store.Count(ctx, j.cfg.Key)
	if err != nil {
		log.Error("Failed to count remaining permit entries", "key", j.cfg.Key, "error", err)
		return err
	}
	if remaining == 0 {
		if err := j.store.Delete(ctx, j.cfg.Key); err != nil {
			log.Error("Failed to clear empty permit key", "key", j.cfg.Key, "error", err)
			return err
		}
		return nil
	}
	log.Info("Permit entries remaining for the next cycle", "key", j.cfg.Key, "remaining", remaining)
	return nil
}

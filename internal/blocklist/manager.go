package blocklist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"edgeguard/internal/deploy"
	"edgeguard/internal/domain"
	"edgeguard/internal/netrange"
	"edgeguard/internal/store"
)

const (
	MapName = "bot"

	DefaultMaxLines     = 200000
	DefaultLookbackDays = 1
)

// ErrStore marks cycles aborted because the store could not be read.
var ErrStore = errors.New("blocklist: store unavailable")

// Config describes where the bot map comes from and where it goes.
type Config struct {
	KeyPrefix    string
	LookbackDays int
	MaxLines     int

	MapPath          string
	TempPath         string
	OverflowMapPath  string
	OverflowTempPath string
}

// Job runs publish cycles of the bot map.
type Job struct {
	cfg      Config
	store    store.SetStore
	pipeline *Pipeline
	deployer *deploy.Deployer
	hooks    Hooks

	now   func() time.Time
	group singleflight.Group
}

func NewJob(cfg Config, setStore store.SetStore, pipeline *Pipeline, deployer *deploy.Deployer, hooks Hooks) *Job {
	if cfg.MaxLines <= 0 {
		cfg.MaxLines = DefaultMaxLines
	}
	if cfg.LookbackDays < 0 {
		cfg.LookbackDays = 0
	}
	if pipeline == nil {
		pipeline = NewPipeline(nil, nil)
	}
	return &Job{
		cfg:      cfg,
		store:    setStore,
		pipeline: pipeline,
		deployer: deployer,
		hooks:    hooks,
		now:      time.Now,
	}
}

// Run executes one cycle. Concurrent calls share the cycle already in flight.
func (j *Job) Run(ctx context.Context, reason string) (*Outcome, error) {
	v, err, shared := j.group.Do(MapName, func() (any, error) {
		return j.run(ctx, reason)
	})
	if shared {
		log.Debug("Bot map cycle already running, joined it", "reason", reason)
	}
	outcome, _ := v.(*Outcome)
	return outcome, err
}

func (j *Job) run(ctx context.Context, reason string) (*Outcome, error) {
	start := j.now()
	keys := store.DayKeys(j.cfg.KeyPrefix, start, j.cfg.LookbackDays)
	outcome := &Outcome{Map: MapName, Reason: reason, Keys: keys}

	files := map[string]int{}
	finish := func(status string, err error) (*Outcome, error) {
		outcome.Status = status
		if err != nil {
			outcome.Err = err
		}
		outcome.Took = time.Since(start)
		j.hooks.Report(ctx, outcome, files)
		return outcome, err
	}

	raw, err := j.store.Members(ctx, keys...)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrStore, err)
		log.Error("Bot map update aborted, store unavailable", "error", err)
		return finish(domain.PublishStatusFailed, err)
	}
	outcome.RawEntries = len(raw)

	if len(raw) == 0 {
		log.Info("No new bot IPs to process", "keys", keys)
		return finish(domain.PublishStatusSkipped, nil)
	}

	carried := j.carryForward()
	outcome.CarriedEntries = len(carried)

	entries := make([]string, 0, len(raw)+len(carried))
	entries = append(entries, raw...)
	entries = append(entries, carried...)

	result := j.pipeline.Process(entries)
	split := j.pipeline.Split(result.Ranges, j.cfg.MaxLines)

	outcome.Rejected = result.Rejected
	outcome.Allowlisted = result.PreFiltered + result.PostFiltered
	outcome.Primary = len(split.Primary)
	outcome.Overflow = len(split.Overflow)
	outcome.Shed = len(split.Shed)

	if len(split.Shed) > 0 {
		log.Warn("Overflow map is full, re-queueing the remainder", "shed", len(split.Shed), "max_lines", j.cfg.MaxLines)
	}

	artifacts := []deploy.Artifact{
		{Name: "primary", LivePath: j.cfg.MapPath, TempPath: j.cfg.TempPath, Body: BuildMap(split.Primary, TagBlock)},
		{Name: "overflow", LivePath: j.cfg.OverflowMapPath, TempPath: j.cfg.OverflowTempPath, Body: BuildMap(split.Overflow, TagBlock)},
	}

	if err := j.deployer.Deploy(ctx, artifacts...); err != nil {
		log.Error("Bot map deployment failed, store left untouched", "error", err)
		return finish(domain.PublishStatusFailed, err)
	}
	files["primary"] = len(split.Primary)
	files["overflow"] = len(split.Overflow)

	// Only the members read above are consumed; anything added since stays
	// queued for the next cycle.
	if err := j.store.Drain(ctx, keys, raw, keys[0], netrange.Strings(split.Shed)); err != nil {
		log.Error("Failed to drain bot IP keys after publish", "keys", keys, "error", err)
		outcome.Err = err
	}

	log.Info("Bot map published",
		"reason", reason,
		"raw", outcome.RawEntries,
		"carried", outcome.CarriedEntries,
		"primary", outcome.Primary,
		"overflow", outcome.Overflow,
		"shed", outcome.Shed,
		"rejected", outcome.Rejected,
		"allowlisted", outcome.Allowlisted,
	)
	return finish(domain.PublishStatusPublished, nil)
}

func (j *Job) carryForward() []string {
	var out []string
	for _, path := range []string{j.cfg.MapPath, j.cfg.OverflowMapPath} {
		if path == "" {
			continue
		}
		keys, err := ReadMapKeys(path)
		if err != nil {
			log.Warn("Could not read live map, continuing without its entries", "path", path, "error", err)
			continue
		}
		out = append(out, keys...)
	}
	return out
}

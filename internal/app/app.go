package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"edgeguard/internal/aggregate"
	"edgeguard/internal/allowlist"
	"edgeguard/internal/app/version"
	"edgeguard/internal/blocklist"
	"edgeguard/internal/config"
	"edgeguard/internal/database"
	"edgeguard/internal/deploy"
	"edgeguard/internal/jobs/maintenance"
	"edgeguard/internal/jobs/runtime"
	"edgeguard/internal/metrics"
	"edgeguard/internal/permitmap"
	"edgeguard/internal/store"
)

const metricsShutdownTimeout = 5 * time.Second

// Run executes the command line and returns the first error a command
// reported.
func Run() error {
	return newRootCmd().Execute()
}

func loadConfig() (config.Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Warn("No .env file found. Falling back to system environment variables.")
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}

	level, _ := log.ParseLevel(cfg.LogLevel)
	log.SetLevel(level)
	return cfg, nil
}

// services holds everything a publish cycle needs.
type services struct {
	redis    *store.Redis
	allow    *allowlist.Source
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	history  *database.Recorder
	bot      *blocklist.Job
	permit   *permitmap.Job
}

func newPipeline(cfg config.Config) (*blocklist.Pipeline, *allowlist.Source, error) {
	allow, err := allowlist.NewSource(cfg.Allowlist.Entries, cfg.Allowlist.File)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load allowlist: %w", err)
	}
	agg := aggregate.New(cfg.BotMap.V4Threshold, cfg.BotMap.V6Threshold)
	return blocklist.NewPipeline(agg, allow), allow, nil
}

func setupServices(ctx context.Context, cfg config.Config) (*services, error) {
	opts, err := cfg.RedisOptions()
	if err != nil {
		return nil, err
	}

	s := &services{redis: store.NewRedis(opts)}
	if err := s.redis.Connect(ctx); err != nil {
		_ = s.redis.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	pipeline, allow, err := newPipeline(cfg)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.allow = allow

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.metrics = metrics.New(s.registry)

	hooks := blocklist.Hooks{
		Metrics:  s.metrics,
		Notifier: s.redis,
		Channel:  blocklist.DefaultNotifyChannel,
	}
	if cfg.DatabaseURL != "" {
		db, err := database.Open(cfg.DatabaseURL)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.history = database.NewRecorder(db)
		hooks.Recorder = s.history
	} else {
		log.Info("DATABASE_URL not set, publish history disabled")
	}

	deployer := deploy.NewDeployer(deploy.NewNginx(cfg.Nginx.Bin, cfg.Nginx.Timeout))

	s.bot = blocklist.NewJob(blocklist.Config{
		KeyPrefix:        cfg.BotMap.Key,
		LookbackDays:     cfg.BotMap.LookbackDays,
		MaxLines:         cfg.BotMap.MaxLines,
		MapPath:          cfg.BotMap.MapPath,
		TempPath:         cfg.BotMap.TempPath,
		OverflowMapPath:  cfg.BotMap.OverflowMapPath,
		OverflowTempPath: cfg.BotMap.OverflowTempPath,
	}, s.redis, pipeline, deployer, hooks)

	s.permit = permitmap.NewJob(permitmap.Config{
		Key:      cfg.PermitMap.Key,
		MapPath:  cfg.PermitMap.MapPath,
		TempPath: cfg.PermitMap.TempPath,
		MaxLines: cfg.PermitMap.MaxLines,
	}, s.redis, deployer, hooks)

	return s, nil
}

func (s *services) Close() {
	if s.allow != nil {
		if err := s.allow.Close(); err != nil {
			log.Warn("error closing allowlist watcher", "error", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			log.Warn("error closing redis connection", "error", err)
		}
	}
}

func (s *services) job(name string) (runtime.MapJob, error) {
	switch name {
	case blocklist.MapName:
		return s.bot, nil
	case permitmap.MapName:
		return s.permit, nil
	default:
		return nil, fmt.Errorf("unknown map %q, want %q or %q", name, blocklist.MapName, permitmap.MapName)
	}
}

// draftArtifacts lists every map whose drafts the cleanup routine watches.
func draftArtifacts(cfg config.Config) []deploy.Artifact {
	return []deploy.Artifact{
		{Name: "primary", LivePath: cfg.BotMap.MapPath, TempPath: cfg.BotMap.TempPath},
		{Name: "overflow", LivePath: cfg.BotMap.OverflowMapPath, TempPath: cfg.BotMap.OverflowTempPath},
		{Name: permitmap.MapName, LivePath: cfg.PermitMap.MapPath, TempPath: cfg.PermitMap.TempPath},
	}
}

// serve runs the scheduler until SIGINT or SIGTERM.
func serve(cfg config.Config) error {
	ctx, stop := exitOnSignal()
	defer stop()

	s, err := setupServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.MetricsAddr, s.registry)
		})
	}

	routines := []runtime.MapRoutine{
		{Name: blocklist.MapName, Job: s.bot, Interval: cfg.BotMap.Interval, Redis: s.redis},
		{Name: permitmap.MapName, Job: s.permit, Interval: cfg.PermitMap.Interval, Redis: s.redis},
	}
	for _, r := range routines {
		g.Go(func() error {
			r.Start(gctx)
			return nil
		})
	}
	g.Go(func() error {
		maintenance.StartDraftCleanupRoutine(gctx, s.redis, draftArtifacts(cfg))
		return nil
	})

	log.Info("edgeguard started",
		"version", version.Get().Version,
		"bot_interval", cfg.BotMap.Interval,
		"permit_interval", cfg.PermitMap.Interval,
		"metrics", cfg.MetricsAddr != "",
		"history", s.history != nil,
	)

	err = g.Wait()
	log.Info("edgeguard stopped")
	return err
}

func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(registry))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("metrics server shutdown failed", "error", err)
		}
	}()

	log.Info("Serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// publishOnce runs one cycle of the named map. The cycle's error becomes the
// command's exit status.
func publishOnce(ctx context.Context, cfg config.Config, name string) (*blocklist.Outcome, error) {
	s, err := setupServices(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	job, err := s.job(name)
	if err != nil {
		return nil, err
	}
	return job.Run(ctx, "manual")
}

func exitOnSignal() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"edgeguard/internal/support"
)

const (
	defaultBotMapPath         = "/etc/nginx/maps/bot_ips.map"
	defaultBotTempPath        = "/etc/nginx/maps/bot_ips.map.tmp"
	defaultBotOverflowPath    = "/etc/nginx/maps/bot_ips_overflow.map"
	defaultBotOverflowTmpPath = "/etc/nginx/maps/bot_ips_overflow.map.tmp"
	defaultPermitMapPath      = "/etc/nginx/maps/whitelist.map"
	defaultPermitTempPath     = "/etc/nginx/maps/whitelist.map.tmp"

	defaultMaxLines       = 200000
	defaultBotInterval    = 10 * time.Minute
	defaultPermitInterval = 24 * time.Hour
)

var defaultAllowlist = []string{"206.189.200.117", "142.93.98.71"}

type Config struct {
	Redis struct {
		URL      string
		Host     string
		Port     int
		DB       int
		Password string
	}

	BotMap struct {
		Key              string
		MapPath          string
		TempPath         string
		OverflowMapPath  string
		OverflowTempPath string
		MaxLines         int
		Interval         time.Duration
		LookbackDays     int
		V4Threshold      int
		V6Threshold      int
	}

	PermitMap struct {
		Key      string
		MapPath  string
		TempPath string
		MaxLines int
		Interval time.Duration
	}

	Allowlist struct {
		Entries []string
		File    string
	}

	Nginx struct {
		Bin     string
		Timeout time.Duration
	}

	DatabaseURL string
	MetricsAddr string
	LogLevel    string
}

// Load reads the configuration from the environment, applying defaults for
// everything that is unset.
func Load() Config {
	var cfg Config

	cfg.Redis.URL = support.GetEnv("REDIS_URL", "")
	cfg.Redis.Host = support.GetEnv("REDIS_HOST", "localhost")
	cfg.Redis.Port = support.GetEnvInt("REDIS_PORT", 6379)
	cfg.Redis.DB = support.GetEnvInt("REDIS_DB", 11)
	cfg.Redis.Password = support.GetEnv("REDIS_PASSWORD", "")

	cfg.BotMap.Key = support.GetEnv("REDIS_BOT_IPS_KEY", "api_bot_detection")
	cfg.BotMap.MapPath = support.GetEnv("BOT_IPS_MAP_PATH", defaultBotMapPath)
	cfg.BotMap.TempPath = support.GetEnv("BOT_IPS_TEMP_PATH", defaultBotTempPath)
	cfg.BotMap.OverflowMapPath = support.GetEnv("BOT_IPS_OVERFLOW_MAP_PATH", defaultBotOverflowPath)
	cfg.BotMap.OverflowTempPath = support.GetEnv("BOT_IPS_OVERFLOW_TEMP_PATH", defaultBotOverflowTmpPath)
	cfg.BotMap.MaxLines = support.GetEnvInt("BOT_IPS_MAP_MAX_LINES", defaultMaxLines)
	cfg.BotMap.Interval = support.GetEnvDuration("BOT_IPS_UPDATE_INTERVAL", defaultBotInterval)
	cfg.BotMap.LookbackDays = support.GetEnvInt("BOT_IPS_LOOKBACK_DAYS", 1)
	cfg.BotMap.V4Threshold = support.GetEnvInt("BOT_V4_SUPER_PROMO_THRESHOLD", 10)
	cfg.BotMap.V6Threshold = support.GetEnvInt("BOT_V6_SUPER_PROMO_THRESHOLD", 30)

	cfg.PermitMap.Key = support.GetEnv("REDIS_WHITELIST_KEY", "captcha_whitelist")
	cfg.PermitMap.MapPath = support.GetEnv("WHITELIST_MAP_PATH", defaultPermitMapPath)
	cfg.PermitMap.TempPath = support.GetEnv("WHITELIST_TEMP_PATH", defaultPermitTempPath)
	cfg.PermitMap.MaxLines = support.GetEnvInt("WHITELIST_MAP_MAX_LINES", defaultMaxLines)
	cfg.PermitMap.Interval = support.GetEnvDuration("WHITELIST_UPDATE_INTERVAL", defaultPermitInterval)

	cfg.Allowlist.Entries = support.GetEnvList("BOT_IPS_ALLOWLIST", defaultAllowlist)
	cfg.Allowlist.File = support.GetEnv("BOT_IPS_ALLOWLIST_FILE", "")

	cfg.Nginx.Bin = support.GetEnv("NGINX_BIN", "nginx")
	cfg.Nginx.Timeout = support.GetEnvDuration("NGINX_TIMEOUT", 30*time.Second)

	cfg.DatabaseURL = support.GetEnv("DATABASE_URL", "")
	cfg.MetricsAddr = support.GetEnv("METRICS_ADDR", "")
	cfg.LogLevel = support.GetEnv("LOG_LEVEL", "info")

	return cfg
}

// Validate rejects settings the jobs cannot run with.
func (c Config) Validate() error {
	var errs []error

	positive := map[string]int{
		"BOT_IPS_MAP_MAX_LINES":        c.BotMap.MaxLines,
		"WHITELIST_MAP_MAX_LINES":      c.PermitMap.MaxLines,
		"BOT_V4_SUPER_PROMO_THRESHOLD": c.BotMap.V4Threshold,
		"BOT_V6_SUPER_PROMO_THRESHOLD": c.BotMap.V6Threshold,
	}
	for name, v := range positive {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}

	if c.BotMap.LookbackDays < 0 {
		errs = append(errs, fmt.Errorf("BOT_IPS_LOOKBACK_DAYS must not be negative, got %d", c.BotMap.LookbackDays))
	}
	if c.BotMap.Interval <= 0 {
		errs = append(errs, errors.New("BOT_IPS_UPDATE_INTERVAL must be positive"))
	}
	if c.PermitMap.Interval <= 0 {
		errs = append(errs, errors.New("WHITELIST_UPDATE_INTERVAL must be positive"))
	}
	if strings.TrimSpace(c.BotMap.Key) == "" || strings.TrimSpace(c.PermitMap.Key) == "" {
		errs = append(errs, errors.New("redis keys must not be empty"))
	}
	if c.BotMap.MapPath == "" || c.BotMap.OverflowMapPath == "" || c.PermitMap.MapPath == "" {
		errs = append(errs, errors.New("map paths must not be empty"))
	}
	if c.BotMap.MapPath != "" && c.BotMap.MapPath == c.BotMap.OverflowMapPath {
		errs = append(errs, errors.New("BOT_IPS_MAP_PATH and BOT_IPS_OVERFLOW_MAP_PATH must differ"))
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}

	return errors.Join(errs...)
}

// RedisOptions returns the client options, preferring REDIS_URL when set.
func (c Config) RedisOptions() (*redis.Options, error) {
	if c.Redis.URL != "" {
		opt, err := redis.ParseURL(c.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		return opt, nil
	}
	return &redis.Options{
		Addr:     net.JoinHostPort(c.Redis.Host, strconv.Itoa(c.Redis.Port)),
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	}, nil
}

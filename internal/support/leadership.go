package support

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultLeadershipTTL = 45 * time.Second
	leadershipRetryDelay = time.Second
	lockOpTimeout        = 5 * time.Second
	minRenewInterval     = 100 * time.Millisecond
	renewFraction        = 3
)

var (
	leaderCounter atomic.Uint64

	errLockLost = errors.New("lock lost")

	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)
)

// RedisProvider hands out a live Redis client.
type RedisProvider interface {
	Client(ctx context.Context) (*redis.Client, error)
}

// RunWithLeader blocks until it holds the lock at key, then calls run with a
// context that is cancelled once the lock is lost. The lock is renewed every
// ttl/3 and released when run returns, after which the lock is contended for
// again. It returns when ctx is done.
func RunWithLeader(ctx context.Context, redisProvider RedisProvider, key string, ttl time.Duration, run func(context.Context)) error {
	if run == nil {
		return errors.New("support: leader run function cannot be nil")
	}
	if redisProvider == nil {
		return errors.New("support: leader lock needs a redis provider")
	}
	if ttl <= 0 {
		ttl = DefaultLeadershipTTL
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		lease, err := acquireLease(ctx, redisProvider, key, ttl)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("leader lock: failed to acquire", "key", key, "error", err)
			if !sleepCtx(ctx, leadershipRetryDelay) {
				return ctx.Err()
			}
			continue
		}

		log.Debug("leader lock: acquired", "key", key)
		run(lease.ctx)
		lease.release()
		log.Debug("leader lock: released", "key", key)

		if !sleepCtx(ctx, leadershipRetryDelay) {
			return ctx.Err()
		}
	}
}

type lease struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	stop      chan struct{}
	closeOnce sync.Once
}

func acquireLease(ctx context.Context, redisProvider RedisProvider, key string, ttl time.Duration) (*lease, error) {
	token := generateLeaderID()

	for {
		client, err := redisProvider.Client(ctx)
		if err != nil {
			return nil, fmt.Errorf("leader lock redis client: %w", err)
		}

		ok, err := client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("setnx %s: %w", key, err)
		}

		if ok {
			leaseCtx, cancel := context.WithCancel(ctx)
			l := &lease{
				client: client,
				key:    key,
				token:  token,
				ttl:    ttl,
				ctx:    leaseCtx,
				cancel: cancel,
				stop:   make(chan struct{}),
			}
			go l.renewLoop()
			return l, nil
		}

		if !sleepCtx(ctx, leadershipRetryDelay) {
			return nil, ctx.Err()
		}
	}
}

func (l *lease) release() {
	l.closeOnce.Do(func() {
		close(l.stop)
		l.cancel()

		opCtx, cancel := context.WithTimeout(context.Background(), lockOpTimeout)
		defer cancel()
		if err := releaseScript.Run(opCtx, l.client, []string{l.key}, l.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			log.Warn("leader lock: release failed", "key", l.key, "error", err)
		}
	})
}

func (l *lease) renewLoop() {
	interval := l.ttl / renewFraction
	if interval < minRenewInterval {
		interval = minRenewInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			if err := l.renew(); err != nil {
				log.Warn("leader lock: renewal failed", "key", l.key, "error", err)
				l.cancel()
				return
			}
		}
	}
}

func (l *lease) renew() error {
	opCtx, cancel := context.WithTimeout(context.Background(), lockOpTimeout)
	defer cancel()

	res, err := renewScript.Run(opCtx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Result()
	if err != nil {
		return err
	}
	if updated, ok := res.(int64); ok && updated == 0 {
		return errLockLost
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func generateLeaderID() string {
	host, _ := os.Hostname()
	counter := leaderCounter.Add(1)
	return fmt.Sprintf("%s-%d-%d-%d", host, os.Getpid(), time.Now().UnixNano(), counter)
}

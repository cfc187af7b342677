// Package store is the Redis-backed source of truth for flagged addresses.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	opTimeout = 5 * time.Second
)

var ErrClosed = errors.New("store: redis handle closed")

// Redis is an owned connection handle. Client checks the current connection
// with PING and reconnects when it has gone stale.
type Redis struct {
	opts *redis.Options

	mu     sync.Mutex
	client *redis.Client
	closed bool
}

func NewRedis(opts *redis.Options) *Redis {
	return &Redis{opts: opts}
}

// ParseURL builds the handle from a redis:// URL.
func ParseURL(url string) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL %q: %w", url, err)
	}
	return NewRedis(opt), nil
}

// Connect dials Redis and verifies the connection.
func (r *Redis) Connect(ctx context.Context) error {
	_, err := r.Client(ctx)
	return err
}

// Client returns a live client, dialing or re-dialing when needed.
func (r *Redis) Client(ctx context.Context) (*redis.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	if r.client != nil {
		err := ping(ctx, r.client)
		if err == nil {
			return r.client, nil
		}
		log.Warn("Redis connection stale, reconnecting", "addr", r.opts.Addr, "error", err)
		_ = r.client.Close()
		r.client = nil
	}

	client := redis.NewClient(r.opts)
	if err := ping(ctx, client); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	r.client = client
	return r.client, nil
}

// Close releases the connection. Later calls to Client fail with ErrClosed.
func (r *Redis) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	if r.client == nil {
		return nil
	}

	err := r.client.Close()
	r.client = nil
	return err
}

func ping(ctx context.Context, client *redis.Client) error {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return client.Ping(opCtx).Err()
}

package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// SetStore is the set-of-strings store the map jobs read from.
type SetStore interface {
	// Members returns the union of the members of keys. Missing keys are empty.
	Members(ctx context.Context, keys ...string) ([]string, error)
	// Drain removes consumed from every key and adds requeue to requeueKey in
	// one transaction. Members added to keys after they were read stay queued,
	// and a key disappears once its last member is removed. Callers must only
	// drain after the consumed entries have been published and activated:
	// entries are delivered at least once.
	Drain(ctx context.Context, keys, consumed []string, requeueKey string, requeue []string) error
	// Remove deletes individual members from key.
	Remove(ctx context.Context, key string, members ...string) error
	// Count returns the cardinality of key.
	Count(ctx context.Context, key string) (int64, error)
	// Delete removes keys entirely.
	Delete(ctx context.Context, keys ...string) error
}

// Notifier announces finished publishes.
type Notifier interface {
	Notify(ctx context.Context, channel string, payload any) error
}

var (
	_ SetStore = (*Redis)(nil)
	_ Notifier = (*Redis)(nil)
)

func (r *Redis) Members(ctx context.Context, keys ...string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	client, err := r.Client(ctx)
	if err != nil {
		return nil, err
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if len(keys) == 1 {
		members, err := client.SMembers(opCtx, keys[0]).Result()
		if err != nil {
			return nil, fmt.Errorf("smembers %s: %w", keys[0], err)
		}
		return members, nil
	}

	members, err := client.SUnion(opCtx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("sunion %v: %w", keys, err)
	}
	return members, nil
}

// drainBatch bounds the arguments of a single SREM or SADD.
const drainBatch = 1000

func (r *Redis) Drain(ctx context.Context, keys, consumed []string, requeueKey string, requeue []string) error {
	if (len(keys) == 0 || len(consumed) == 0) && len(requeue) == 0 {
		return nil
	}
	client, err := r.Client(ctx)
	if err != nil {
		return err
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	// SREM before SADD so a requeued member that was also consumed survives.
	_, err = client.TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			for _, batch := range batches(consumed) {
				pipe.SRem(opCtx, key, batch...)
			}
		}
		if requeueKey != "" {
			for _, batch := range batches(requeue) {
				pipe.SAdd(opCtx, requeueKey, batch...)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("drain %v: %w", keys, err)
	}
	return nil
}

func batches(members []string) [][]any {
	var out [][]any
	for start := 0; start < len(members); start += drainBatch {
		end := min(start+drainBatch, len(members))
		batch := make([]any, 0, end-start)
		for _, m := range members[start:end] {
			batch = append(batch, m)
		}
		out = append(out, batch)
	}
	return out
}

func (r *Redis) Remove(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	client, err := r.Client(ctx)
	if err != nil {
		return err
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := client.SRem(opCtx, key, args...).Err(); err != nil {
		return fmt.Errorf("srem %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Count(ctx context.Context, key string) (int64, error) {
	client, err := r.Client(ctx)
	if err != nil {
		return 0, err
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	n, err := client.SCard(opCtx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("scard %s: %w", key, err)
	}
	return n, nil
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	client, err := r.Client(ctx)
	if err != nil {
		return err
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := client.Del(opCtx, keys...).Err(); err != nil {
		return fmt.Errorf("del %v: %w", keys, err)
	}
	return nil
}

// Notify publishes payload as JSON on channel.
func (r *Redis) Notify(ctx context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	client, err := r.Client(ctx)
	if err != nil {
		return err
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := client.Publish(opCtx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig mirrors the connection/queue-config split used by
// kart-io-notifyhub's queue/backends/redis package.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix namespaces all refs (e.g. "dispatch:obj:").
	KeyPrefix string

	// ReadyChannel is the pub/sub channel Put publishes to and Wait
	// subscribes on. Defaults to KeyPrefix + "ready".
	ReadyChannel string
}

// DefaultRedisConfig returns sane localhost defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:      "localhost:6379",
		KeyPrefix: "dispatch:obj:",
	}
}

// RedisStore is an object store backed by Redis, keyed by the random UUID
// of each Ref (not by content). It allows
// a serve-mode dispatcher to restart without losing in-flight request/
// response payloads (it does not persist scheduler state — see
// SPEC_FULL.md §6).
type RedisStore struct {
	client  *redis.Client
	cfg     RedisConfig
	channel string
}

// NewRedisStore connects to Redis and verifies the connection with PING.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "dispatch:obj:"
	}
	channel := cfg.ReadyChannel
	if channel == "" {
		channel = cfg.KeyPrefix + "ready"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis store: connect: %w", err)
	}

	return &RedisStore{client: client, cfg: cfg, channel: channel}, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) key(ref Ref) string { return s.cfg.KeyPrefix + ref.id }

func (s *RedisStore) Put(ctx context.Context, value any) (Ref, error) {
	ref := NewRef()
	payload, err := json.Marshal(value)
	if err != nil {
		return Ref{}, fmt.Errorf("redis store: marshal: %w", err)
	}
	if err := s.client.Set(ctx, s.key(ref), payload, 0).Err(); err != nil {
		return Ref{}, fmt.Errorf("redis store: set %s: %w", ref, err)
	}
	s.client.Publish(ctx, s.channel, ref.id)
	return ref, nil
}

func (s *RedisStore) Get(ctx context.Context, ref Ref) (any, error) {
	payload, err := s.client.Get(ctx, s.key(ref)).Bytes()
	if err != nil {
		return nil, fmt.Errorf("redis store: get %s: %w", ref, err)
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("redis store: unmarshal %s: %w", ref, err)
	}
	return v, nil
}

// Wait polls for existence of refs' keys, woken early by the ready pub/sub
// channel rather than a tight poll loop.
func (s *RedisStore) Wait(ctx context.Context, refs []Ref, n int) ([]Ref, []Ref, error) {
	if n <= 0 {
		n = len(refs)
	}

	sub := s.client.Subscribe(ctx, s.channel)
	defer sub.Close()
	msgs := sub.Channel()

	check := func() (ready, pending []Ref, err error) {
		for _, r := range refs {
			exists, err := s.client.Exists(ctx, s.key(r)).Result()
			if err != nil {
				return nil, nil, fmt.Errorf("redis store: exists %s: %w", r, err)
			}
			if exists == 1 {
				ready = append(ready, r)
			} else {
				pending = append(pending, r)
			}
		}
		return ready, pending, nil
	}

	ready, pending, err := check()
	if err != nil {
		return nil, nil, err
	}
	if len(ready) >= n {
		return ready, pending, nil
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ready, pending, _ = check()
			return ready, pending, ctx.Err()
		case <-msgs:
			ready, pending, err = check()
			if err != nil {
				return nil, nil, err
			}
			if len(ready) >= n {
				return ready, pending, nil
			}
		case <-ticker.C:
			ready, pending, err = check()
			if err != nil {
				return nil, nil, err
			}
			if len(ready) >= n {
				return ready, pending, nil
			}
		}
	}
}

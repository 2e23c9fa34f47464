package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces session keys.
const KeyPrefix = "talkback:session:"

const maxTxRetries = 5

// Redis is a Store backed by Redis. Sessions are JSON values whose TTL is
// the inactivity timeout, so expiry needs no sweeper.
type Redis struct {
	client redis.UniversalClient
	opts   Options
	logger *slog.Logger
}

// NewRedis wraps an existing client.
func NewRedis(client redis.UniversalClient, opts Options, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		client: client,
		opts:   opts.withDefaults(),
		logger: logger.With("component", "session.redis"),
	}
}

// DialRedis parses a redis:// URL, connects and pings.
func DialRedis(ctx context.Context, url string, opts Options, logger *slog.Logger) (*Redis, error) {
	o, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("session: parse redis url: %w", err)
	}
	client := redis.NewClient(o)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: ping redis: %w", err)
	}
	return NewRedis(client, opts, logger), nil
}

// Get returns the session or ErrNotFound.
func (r *Redis) Get(ctx context.Context, id string) (*Session, error) {
	return r.load(ctx, r.client, id)
}

// Create returns the existing session or stores a new one.
func (r *Redis) Create(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	now := r.opts.Now()
	s := &Session{ID: id, CreatedAt: now, LastActivityAt: now}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("session: encode: %w", err)
	}

	created, err := r.client.SetNX(ctx, KeyPrefix+id, data, r.opts.TTL).Result()
	if err != nil {
		return nil, fmt.Errorf("session: create: %w", err)
	}
	if created {
		r.logger.Debug("session created", "session", id)
		return s, nil
	}
	return r.load(ctx, r.client, id)
}

// Append adds a turn inside an optimistic transaction.
func (r *Redis) Append(ctx context.Context, id string, turn Turn) error {
	key := KeyPrefix + id

	txf := func(tx *redis.Tx) error {
		s, err := r.load(ctx, tx, id)
		if err != nil {
			return err
		}
		appendTurn(s, turn, r.opts.MaxTurns, r.opts.Now())

		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("session: encode: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, r.opts.TTL)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		r.logger.Debug("append conflict, retrying", "session", id, "attempt", i+1)
	}
	return fmt.Errorf("session: append %s: too many conflicts", id)
}

// Evict deletes the session key.
func (r *Redis) Evict(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, KeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("session: evict: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *Redis) load(ctx context.Context, c getter, id string) (*Session, error) {
	data, err := c.Get(ctx, KeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: get: %w", err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("session: decode: %w", err)
	}
	return &s, nil
}

var _ Store = (*Redis)(nil)

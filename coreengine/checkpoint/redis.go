package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCheckpointer stores the latest record under a session key and the
// full history in a list beside it.
type RedisCheckpointer struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// RedisOption configures a RedisCheckpointer.
type RedisOption func(*RedisCheckpointer)

// WithKeyPrefix overrides the "eraif:checkpoint:" key prefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *RedisCheckpointer) { r.keyPrefix = prefix }
}

// WithTTL expires checkpoints after ttl. Zero keeps them forever.
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *RedisCheckpointer) { r.ttl = ttl }
}

// NewRedisCheckpointer wraps an existing client.
func NewRedisCheckpointer(client redis.UniversalClient, opts ...RedisOption) *RedisCheckpointer {
	r := &RedisCheckpointer{
		client:    client,
		keyPrefix: "eraif:checkpoint:",
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr string, db int, opts ...RedisOption) (*RedisCheckpointer, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisCheckpointer(client, opts...), nil
}

func (r *RedisCheckpointer) latestKey(sessionID string) string {
	return r.keyPrefix + sessionID
}

func (r *RedisCheckpointer) historyKey(sessionID string) string {
	return r.keyPrefix + sessionID + ":history"
}

// Save writes the record as latest and appends it to the history.
func (r *RedisCheckpointer) Save(ctx context.Context, rec Record) error {
	if err := validate(rec); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal checkpoint %s: %w", rec.SessionID, err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.latestKey(rec.SessionID), data, r.ttl)
		pipe.RPush(ctx, r.historyKey(rec.SessionID), data)
		if r.ttl > 0 {
			pipe.Expire(ctx, r.historyKey(rec.SessionID), r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", rec.SessionID, err)
	}
	return nil
}

// Load returns the latest record for the session.
func (r *RedisCheckpointer) Load(ctx context.Context, sessionID string) (*Record, error) {
	data, err := r.client.Get(ctx, r.latestKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", sessionID, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint %s: %w", sessionID, err)
	}
	return &rec, nil
}

// History returns every record for the session in save order.
func (r *RedisCheckpointer) History(ctx context.Context, sessionID string) ([]Record, error) {
	items, err := r.client.LRange(ctx, r.historyKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load checkpoint history %s: %w", sessionID, err)
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}

	out := make([]Record, 0, len(items))
	for _, item := range items {
		var rec Record
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal checkpoint history %s: %w", sessionID, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close closes the underlying client.
func (r *RedisCheckpointer) Close() error {
	return r.client.Close()
}

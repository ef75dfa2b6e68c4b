package summary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrSummaryNotFound = errors.New("call summary not found")

type RedisConfig struct {
	Addr       string        `mapstructure:"addr"`
	Password   string        `mapstructure:"password"`
	DB         int           `mapstructure:"db"`
	Prefix     string        `mapstructure:"prefix"`
	TTL        time.Duration `mapstructure:"ttl"`
	MaxEntries int           `mapstructure:"max_entries"`
}

// RedisStore keeps each summary as JSON under <prefix>:<call_id> and the
// newest call ids in the list <prefix>:index.
type RedisStore struct {
	client     redis.UniversalClient
	prefix     string
	ttl        time.Duration
	maxEntries int64
}

func NewRedisStore(client redis.UniversalClient, cfg RedisConfig) *RedisStore {
	if cfg.Prefix == "" {
		cfg.Prefix = "callguide:summary"
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1000
	}
	return &RedisStore{client: client, prefix: cfg.Prefix, ttl: cfg.TTL, maxEntries: int64(cfg.MaxEntries)}
}

// DialRedis builds a client from cfg.
func DialRedis(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
}

func (r *RedisStore) key(callID string) string { return fmt.Sprintf("%s:%s", r.prefix, callID) }
func (r *RedisStore) indexKey() string         { return r.prefix + ":index" }

func (r *RedisStore) Publish(ctx context.Context, s CallSummary) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.key(s.CallID), payload, r.ttl)
	pipe.LPush(ctx, r.indexKey(), s.CallID)
	pipe.LTrim(ctx, r.indexKey(), 0, r.maxEntries-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisStore) Get(ctx context.Context, callID string) (CallSummary, error) {
	raw, err := r.client.Get(ctx, r.key(callID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return CallSummary{}, ErrSummaryNotFound
	}
	if err != nil {
		return CallSummary{}, err
	}
	var s CallSummary
	if err := json.Unmarshal(raw, &s); err != nil {
		return CallSummary{}, err
	}
	return s, nil
}

// Recent returns up to n call ids, newest first.
func (r *RedisStore) Recent(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	return r.client.LRange(ctx, r.indexKey(), 0, int64(n-1)).Result()
}

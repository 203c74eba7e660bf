package resultcache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"promptfirewall/internal/model"
)

// RedisConfig holds the connection settings for the shared L2 tier,
// the same shape as elida's session.RedisConfig.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// RedisTier implements Tier over a Redis client.
type RedisTier struct {
	client    *redis.Client
	keyPrefix string
}

// entryData is the JSON-serializable projection of Entry stored in Redis.
type entryData struct {
	Status        model.Status    `json:"status"`
	IsSafe        bool            `json:"is_safe"`
	MatchedRule   string          `json:"matched_rule,omitempty"`
	Message       string          `json:"message"`
	Findings      []model.Finding `json:"findings,omitempty"`
	PolicyID      string          `json:"policy_id"`
	PolicyVersion int64           `json:"policy_version"`
	RequestID     string          `json:"request_id,omitempty"`
}

// NewRedisTier dials Redis and verifies connectivity with a short ping,
// mirroring elida's session.NewRedisStore.
func NewRedisTier(cfg RedisConfig) (*RedisTier, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("resultcache: connect to redis: %w", err)
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "promptfirewall:cache:"
	}

	slog.Info("result cache L2 initialized", "addr", cfg.Addr, "key_prefix", keyPrefix)
	return &RedisTier{client: client, keyPrefix: keyPrefix}, nil
}

func (r *RedisTier) key(fingerprint string) string {
	return r.keyPrefix + fingerprint
}

// Get implements Tier.
func (r *RedisTier) Get(ctx context.Context, fingerprint string) (Entry, bool, error) {
	data, err := r.client.Get(ctx, r.key(fingerprint)).Bytes()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}

	var ed entryData
	if err := json.Unmarshal(data, &ed); err != nil {
		return Entry{}, false, err
	}

	return Entry{
		Verdict: model.Verdict{
			Status:      ed.Status,
			IsSafe:      ed.IsSafe,
			MatchedRule: ed.MatchedRule,
			Message:     ed.Message,
			Findings:    ed.Findings,
		},
		PolicyID:      ed.PolicyID,
		PolicyVersion: ed.PolicyVersion,
		RequestID:     ed.RequestID,
	}, true, nil
}

// Set implements Tier.
func (r *RedisTier) Set(ctx context.Context, fingerprint string, e Entry, ttl time.Duration) error {
	ed := entryData{
		Status:        e.Verdict.Status,
		IsSafe:        e.Verdict.IsSafe,
		MatchedRule:   e.Verdict.MatchedRule,
		Message:       e.Verdict.Message,
		Findings:      e.Verdict.Findings,
		PolicyID:      e.PolicyID,
		PolicyVersion: e.PolicyVersion,
		RequestID:     e.RequestID,
	}
	data, err := json.Marshal(ed)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(fingerprint), data, ttl).Err()
}

// Close releases the underlying Redis connection.
func (r *RedisTier) Close() error {
	return r.client.Close()
}

// NoopTier is an L2 that always misses; used when no shared tier is
// configured but callers want a uniform Tier value instead of nil checks.
type NoopTier struct{}

// Get always reports a miss.
func (NoopTier) Get(context.Context, string) (Entry, bool, error) { return Entry{}, false, nil }

// Set is a no-op.
func (NoopTier) Set(context.Context, string, Entry, time.Duration) error { return nil }

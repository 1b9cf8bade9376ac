// Package dedup rejects webhook deliveries that were already seen within a
// time window.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "webhook:"

// Fingerprint identifies a provider delivery by sender, provider timestamp
// and raw text.
func Fingerprint(chatID string, timestamp int64, text string) string {
	sum := sha256.Sum256([]byte(chatID + ":" + strconv.FormatInt(timestamp, 10) + ":" + text))
	return hex.EncodeToString(sum[:])
}

// RedisStore keeps fingerprints in Redis with a TTL.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client redis.Cmdable) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("dedup: redis client must not be nil")
	}
	return &RedisStore{client: client}, nil
}

func fingerprintKey(fp string) string {
	return keyPrefix + fp
}

// MarkIfNew records fp and reports true when it was not already present.
// The check and the write are a single SET NX so concurrent deliveries of
// the same event see exactly one true.
func (s *RedisStore) MarkIfNew(ctx context.Context, fp string, ttl time.Duration) (bool, error) {
	if fp == "" {
		return false, errors.New("dedup: fingerprint must not be empty")
	}
	if ttl <= 0 {
		return false, errors.New("dedup: ttl must be positive")
	}
	ok, err := s.client.SetNX(ctx, fingerprintKey(fp), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup: MarkIfNew: %w", err)
	}
	return ok, nil
}

// Forget removes fp so a redelivery of the same event is processed again.
func (s *RedisStore) Forget(ctx context.Context, fp string) error {
	if err := s.client.Del(ctx, fingerprintKey(fp)).Err(); err != nil {
		return fmt.Errorf("dedup: Forget: %w", err)
	}
	return nil
}

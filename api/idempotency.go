package api

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDropLedger keeps drop idempotency keys in Redis so a retried request
// is answered from the first response on whichever instance receives it.
// A claimed key holds an empty value until its response is settled.
type RedisDropLedger struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDropLedger creates a ledger whose entries live for ttl.
func NewRedisDropLedger(client *redis.Client, ttl time.Duration) *RedisDropLedger {
	return &RedisDropLedger{client: client, ttl: ttl}
}

func (r *RedisDropLedger) key(userID, key string) string {
	return "drop:" + userID + ":" + key
}

// Claim reserves key. When it is already taken, the recorded response is
// returned, or nil while the first drop has not settled.
func (r *RedisDropLedger) Claim(ctx context.Context, userID, key string) (bool, []byte, error) {
	k := r.key(userID, key)
	claimed, err := r.client.SetNX(ctx, k, "", r.ttl).Result()
	if err != nil || claimed {
		return claimed, nil, err
	}
	prior, err := r.client.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	if len(prior) == 0 {
		return false, nil, nil
	}
	return false, prior, nil
}

// Settle records the response of a claimed key. A key released in the
// meantime stays released.
func (r *RedisDropLedger) Settle(ctx context.Context, userID, key string, response []byte) error {
	return r.client.SetXX(ctx, r.key(userID, key), response, r.ttl).Err()
}

// Release forgets key so the drop may be retried.
func (r *RedisDropLedger) Release(ctx context.Context, userID, key string) error {
	return r.client.Del(ctx, r.key(userID, key)).Err()
}

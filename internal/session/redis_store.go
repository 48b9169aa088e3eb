package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// maxPutRetries bounds optimistic-lock retries when concurrent writers race on one key.
const maxPutRetries = 5

// RedisStore keeps each session as a JSON value with native key expiry and
// maintains a sorted set of session IDs scored by LastSeen (unix ms) for ScanRecent.
//
// Keys:
//
//	{prefix}session:{id}  -> JSON Session, TTL = ExpiresAt - now
//	{prefix}sessions:seen -> ZSET member=id score=LastSeen
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisStore wraps a connected client. The client is closed by Close.
func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, ttl: ttlOrDefault(ttl), now: time.Now}
}

func (r *RedisStore) key(id string) string { return r.prefix + "session:" + id }

func (r *RedisStore) seenKey() string { return r.prefix + "sessions:seen" }

// Put merges with the current value under WATCH so concurrent writers from
// different processes never lose a role promotion or move LastSeen back.
func (r *RedisStore) Put(ctx context.Context, s Session) error {
	if err := s.Validate(); err != nil {
		return err
	}
	s = stamp(s, r.ttl)
	key := r.key(s.ID)

	txf := func(tx *redis.Tx) error {
		merged := s
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			var existing Session
			if jerr := json.Unmarshal(raw, &existing); jerr == nil {
				merged = existing.Merge(s)
			}
		case !errors.Is(err, redis.Nil):
			return err
		}

		ttl := merged.ExpiresAt.Sub(r.now())
		if ttl <= 0 {
			// Already past advisory expiry; nothing worth keeping.
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				pipe.ZRem(ctx, r.seenKey(), merged.ID)
				return nil
			})
			return err
		}

		data, err := json.Marshal(merged)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, ttl)
			pipe.ZAdd(ctx, r.seenKey(), redis.Z{
				Score:  float64(merged.LastSeen.UnixMilli()),
				Member: merged.ID,
			})
			return nil
		})
		return err
	}

	var err error
	for range maxPutRetries {
		err = r.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("%w: put %s: %w", ErrStoreUnavailable, s.ID, err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (Session, error) {
	raw, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("%w: get %s: %w", ErrStoreUnavailable, id, err)
	}

	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return Session{}, fmt.Errorf("%w: decode %s: %w", ErrStoreUnavailable, id, err)
	}
	return s, nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key(id))
		pipe.ZRem(ctx, r.seenKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: delete %s: %w", ErrStoreUnavailable, id, err)
	}
	return nil
}

// ScanRecent returns sessions seen within window, freshest first.
// Index members whose key has already expired are dropped from the index.
func (r *RedisStore) ScanRecent(ctx context.Context, window time.Duration) ([]Session, error) {
	minScore := strconv.FormatInt(r.now().Add(-window).UnixMilli(), 10)
	ids, err := r.client.ZRevRangeByScore(ctx, r.seenKey(), &redis.ZRangeBy{
		Min: minScore,
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: scan: %w", ErrStoreUnavailable, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.key(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: scan: %w", ErrStoreUnavailable, err)
	}

	out := make([]Session, 0, len(ids))
	var stale []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var s Session
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			stale = append(stale, ids[i])
			continue
		}
		out = append(out, s)
	}

	if len(stale) > 0 {
		// Best effort; a failure only leaves extra members for the next scan.
		_ = r.client.ZRem(ctx, r.seenKey(), stale...).Err() //nolint:errcheck
	}
	sortFreshestFirst(out)
	return out, nil
}

// DeleteExpired trims index members older than the ttl. Values expire natively.
func (r *RedisStore) DeleteExpired(ctx context.Context) (int, error) {
	maxScore := strconv.FormatInt(r.now().Add(-r.ttl).UnixMilli(), 10)
	n, err := r.client.ZRemRangeByScore(ctx, r.seenKey(), "-inf", "("+maxScore).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: reap: %w", ErrStoreUnavailable, err)
	}
	return int(n), nil
}

func (r *RedisStore) HealthCheck(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

// Package index provides the chunk index: a fast key/value layer recording
// which chunks of which session have been accepted. The conditional write in
// Remember is the service's sole idempotency primitive; no process-level
// locks are involved.
package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/data-platform/dataset-upload/internal/config"
	"github.com/data-platform/dataset-upload/internal/domain"
)

// RedisIndex implements the chunk index on redis. Records live under
// chunk:{session_id}:{index} with a TTL equal to the owning session's
// remaining lifetime; a companion set chunks:{session_id} carries the
// accepted indices for O(1) counting.
type RedisIndex struct {
	client *redis.Client
}

// NewRedisIndex creates a chunk index backed by the given redis config.
func NewRedisIndex(cfg config.RedisConfig) *RedisIndex {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	return &RedisIndex{client: client}
}

// NewRedisIndexWithClient wraps an existing client, shared with the session cache.
func NewRedisIndexWithClient(client *redis.Client) *RedisIndex {
	return &RedisIndex{client: client}
}

func recordKey(sessionID string, index int) string {
	return fmt.Sprintf("chunk:%s:%d", sessionID, index)
}

func setKey(sessionID string) string {
	return "chunks:" + sessionID
}

// Remember performs the atomic reservation for (session_id, index). If the
// slot is free the record is stored and (record, true) is returned; if a
// record already exists it is returned unchanged with false. SETNX decides
// the winner under concurrency.
func (i *RedisIndex) Remember(ctx context.Context, rec domain.ChunkRecord, ttl time.Duration) (domain.ChunkRecord, bool, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return domain.ChunkRecord{}, false, domain.NewDomainError(domain.ErrCodeInternal, "failed to encode chunk record", err)
	}

	key := recordKey(rec.SessionID, rec.Index)
	won, err := i.client.SetNX(ctx, key, payload, ttl).Result()
	if err != nil {
		return domain.ChunkRecord{}, false, wrapErr("chunk reservation failed", err)
	}

	if !won {
		existing, err := i.Lookup(ctx, rec.SessionID, rec.Index)
		if err != nil {
			return domain.ChunkRecord{}, false, err
		}
		if existing == nil {
			// Lost the race but the winner rolled back in between; the
			// caller retries.
			return domain.ChunkRecord{}, false, domain.ErrStorage.WithMessage("chunk reservation vanished, retry")
		}
		return *existing, false, nil
	}

	pipe := i.client.Pipeline()
	pipe.SAdd(ctx, setKey(rec.SessionID), rec.Index)
	pipe.Expire(ctx, setKey(rec.SessionID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		// Won with the record key set but the companion set out of sync.
		// Reported as won so the caller rolls the slot back via Forget.
		return rec, true, wrapErr("chunk index update failed", err)
	}

	return rec, true, nil
}

// Lookup returns the record for (session_id, index), or nil when absent.
func (i *RedisIndex) Lookup(ctx context.Context, sessionID string, index int) (*domain.ChunkRecord, error) {
	data, err := i.client.Get(ctx, recordKey(sessionID, index)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, wrapErr("chunk lookup failed", err)
	}

	var rec domain.ChunkRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, domain.NewDomainError(domain.ErrCodeInternal, "failed to decode chunk record", err)
	}
	return &rec, nil
}

// Indices returns the sorted accepted indices for a session.
func (i *RedisIndex) Indices(ctx context.Context, sessionID string) ([]int, error) {
	members, err := i.client.SMembers(ctx, setKey(sessionID)).Result()
	if err != nil {
		return nil, wrapErr("chunk index scan failed", err)
	}

	indices := make([]int, 0, len(members))
	for _, m := range members {
		idx, err := strconv.Atoi(m)
		if err != nil {
			continue
		}
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	return indices, nil
}

// Count returns the number of accepted indices in a single read.
func (i *RedisIndex) Count(ctx context.Context, sessionID string) (int, error) {
	n, err := i.client.SCard(ctx, setKey(sessionID)).Result()
	if err != nil {
		return 0, wrapErr("chunk count failed", err)
	}
	return int(n), nil
}

// Forget removes the record for a single (session_id, index). Used to roll
// back a reservation whose payload write failed, so the upload is retriable.
func (i *RedisIndex) Forget(ctx context.Context, sessionID string, index int) error {
	pipe := i.client.Pipeline()
	pipe.Del(ctx, recordKey(sessionID, index))
	pipe.SRem(ctx, setKey(sessionID), index)
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapErr("chunk reservation rollback failed", err)
	}
	return nil
}

// ForgetAll removes every record for the session.
func (i *RedisIndex) ForgetAll(ctx context.Context, sessionID string) error {
	indices, err := i.Indices(ctx, sessionID)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(indices)+1)
	for _, idx := range indices {
		keys = append(keys, recordKey(sessionID, idx))
	}
	keys = append(keys, setKey(sessionID))

	if err := i.client.Del(ctx, keys...).Err(); err != nil {
		return wrapErr("chunk index purge failed", err)
	}
	return nil
}

// Ping verifies the redis connection, used by readiness checks.
func (i *RedisIndex) Ping(ctx context.Context) error {
	return i.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (i *RedisIndex) Close() error {
	return i.client.Close()
}

func wrapErr(msg string, err error) error {
	if errors.Is(err, redis.ErrPoolTimeout) {
		return domain.ErrBackpressure.WithMessage(msg)
	}
	return domain.NewDomainError(domain.ErrCodeStorage, msg, err)
}

// Package idempotency provides the distributed lock and processing-record
// ledger backing the deployment pipeline. Locks guard the in-progress window
// of a single piece of work; processing records dedupe terminal triggers over
// a much longer retention window, because webhook providers may redeliver
// well after the original work finished.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/meetscribe/scribe/pkg/json"
	"github.com/meetscribe/scribe/pkg/redis"
)

// Status is the processing state of a resource.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
)

// ProcessingRecord tracks the terminal-outcome state machine for a resource.
type ProcessingRecord struct {
	Status         Status    `json:"status"`
	StartedAt      time.Time `json:"started_at"`
	CompletedAt    time.Time `json:"completed_at,omitempty"`
	EventTimestamp time.Time `json:"event_timestamp,omitempty"`
}

// commands is the subset of Redis commands the store needs. *redis.Client
// satisfies it; tests provide a fake.
type commands interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.BoolCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.StatusCmd
	Get(ctx context.Context, key string) *goredis.StringCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
	Exists(ctx context.Context, keys ...string) *goredis.IntCmd
}

// Store implements keyed locks and processing records over Redis.
type Store struct {
	rdb   commands
	kb    *redis.KeyBuilder
	owner string
	log   *zap.Logger
}

// NewStore creates a Store bound to the given Redis client. owner identifies
// this process instance in lock values, which helps debugging contended keys.
func NewStore(rdb commands, owner string, log *zap.Logger) *Store {
	return &Store{
		rdb:   rdb,
		kb:    redis.NewKeyBuilder("scribe", "orchestration"),
		owner: owner,
		log:   log.With(zap.String("module", "idempotency")),
	}
}

// AcquireLock atomically creates a lock entry if and only if none exists.
// Returns whether the caller now holds the lock. A false return is a normal
// skip (another worker owns the resource), never an error.
func (s *Store) AcquireLock(ctx context.Context, resourceKey string, ttl time.Duration) (bool, error) {
	key := s.kb.BuildLock("resource", resourceKey)
	acquired, err := s.rdb.SetNX(ctx, key, s.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %q: %w", resourceKey, err)
	}
	if !acquired {
		s.log.Debug("lock already held", zap.String("resource", resourceKey))
	}
	return acquired, nil
}

// ReleaseLock deletes the lock entry unconditionally. Safe to call even if
// the caller never held the lock.
func (s *Store) ReleaseLock(ctx context.Context, resourceKey string) error {
	key := s.kb.BuildLock("resource", resourceKey)
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to release lock %q: %w", resourceKey, err)
	}
	return nil
}

// IsLocked reports whether a live lock entry exists for the resource.
func (s *Store) IsLocked(ctx context.Context, resourceKey string) (bool, error) {
	key := s.kb.BuildLock("resource", resourceKey)
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check lock %q: %w", resourceKey, err)
	}
	return n > 0, nil
}

// GetProcessingRecord returns the processing record for the resource, or
// nil if none exists.
func (s *Store) GetProcessingRecord(ctx context.Context, resourceKey string) (*ProcessingRecord, error) {
	key := s.kb.Build("processing", resourceKey)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get processing record %q: %w", resourceKey, err)
	}
	var rec ProcessingRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal processing record %q: %w", resourceKey, err)
	}
	return &rec, nil
}

// SetProcessingRecord upserts the processing record with bounded retention.
func (s *Store) SetProcessingRecord(ctx context.Context, resourceKey string, rec *ProcessingRecord, ttl time.Duration) error {
	key := s.kb.Build("processing", resourceKey)
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal processing record %q: %w", resourceKey, err)
	}
	if err := s.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set processing record %q: %w", resourceKey, err)
	}
	return nil
}

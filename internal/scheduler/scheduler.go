// Package scheduler turns "meeting starts at T" into "deploy a bot at
// T-lead". Timers are process-local; the persisted schedule record is the
// source of truth, so a fire that races a cancellation re-checks the record
// before doing anything.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/meetscribe/scribe/pkg/json"
	"github.com/meetscribe/scribe/pkg/redis"
)

// ErrNotFound is returned when no schedule record exists for a meeting key.
var ErrNotFound = errors.New("schedule record not found")

// recordRetention keeps fired/expired records around long enough for late
// duplicate webhooks to resolve against them.
const recordRetention = 24 * time.Hour

// ScheduleRecord identifies one externally-scheduled meeting.
type ScheduleRecord struct {
	MeetingKey     string    `json:"meeting_key"`
	StartTime      time.Time `json:"start_time"`
	Canceled       bool      `json:"canceled"`
	ScheduleHandle string    `json:"schedule_handle,omitempty"`
	SpreadsheetRef string    `json:"spreadsheet_ref,omitempty"`
}

// FireFunc is invoked when a schedule fires and the record is still live.
type FireFunc func(ctx context.Context, meetingKey string)

type commands interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.StatusCmd
	Get(ctx context.Context, key string) *goredis.StringCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *goredis.ScanCmd
}

// Scheduler registers one-shot future invocations keyed by meeting key.
type Scheduler struct {
	rdb      commands
	kb       *redis.KeyBuilder
	leadTime time.Duration
	onFire   FireFunc
	log      *zap.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// New creates a Scheduler. leadTime is subtracted from the meeting start
// time to compute the fire time.
func New(rdb commands, leadTime time.Duration, onFire FireFunc, log *zap.Logger) *Scheduler {
	return &Scheduler{
		rdb:      rdb,
		kb:       redis.NewKeyBuilder("scribe", "schedule"),
		leadTime: leadTime,
		onFire:   onFire,
		log:      log.With(zap.String("module", "scheduler")),
		timers:   make(map[string]*time.Timer),
	}
}

// Schedule persists a schedule record for the meeting and arms a one-shot
// timer firing at startTime minus the lead time. Returns an opaque handle
// usable for cancellation. A fire time already in the past fires
// immediately. Scheduling a meeting whose record is already canceled is a
// no-op returning the existing handle.
func (s *Scheduler) Schedule(ctx context.Context, meetingKey string, startTime time.Time, spreadsheetRef string) (string, error) {
	// Cancellation is terminal. A created event redelivered after the
	// cancellation (duplicate or out of order) must not resurrect the
	// schedule.
	existing, err := s.GetRecord(ctx, meetingKey)
	if err != nil {
		return "", err
	}
	if existing != nil && existing.Canceled {
		s.log.Info("ignoring schedule for canceled meeting", zap.String("meeting_key", meetingKey))
		return existing.ScheduleHandle, nil
	}

	handle := uuid.NewString()
	rec := &ScheduleRecord{
		MeetingKey:     meetingKey,
		StartTime:      startTime,
		ScheduleHandle: handle,
		SpreadsheetRef: spreadsheetRef,
	}
	if err := s.putRecord(ctx, rec); err != nil {
		return "", err
	}

	fireAt := startTime.Add(-s.leadTime)
	delay := time.Until(fireAt)
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	if old, ok := s.timers[meetingKey]; ok {
		old.Stop()
	}
	s.timers[meetingKey] = time.AfterFunc(delay, func() { s.fire(meetingKey) })
	s.mu.Unlock()

	s.log.Info("schedule registered",
		zap.String("meeting_key", meetingKey),
		zap.Time("fire_at", fireAt),
		zap.String("handle", handle))
	return handle, nil
}

// Cancel stops the pending timer if one exists and marks the record
// canceled. Cancellation is idempotent and always leaves the record in the
// canceled state, because cancel may race with fire.
func (s *Scheduler) Cancel(ctx context.Context, meetingKey string) error {
	s.mu.Lock()
	if t, ok := s.timers[meetingKey]; ok {
		t.Stop()
		delete(s.timers, meetingKey)
	}
	s.mu.Unlock()

	rec, err := s.GetRecord(ctx, meetingKey)
	if err != nil {
		return err
	}
	if rec == nil {
		return ErrNotFound
	}
	rec.Canceled = true
	if err := s.putRecord(ctx, rec); err != nil {
		return err
	}
	s.log.Info("schedule canceled", zap.String("meeting_key", meetingKey))
	return nil
}

// GetRecord returns the schedule record for a meeting key, or nil if none
// exists.
func (s *Scheduler) GetRecord(ctx context.Context, meetingKey string) (*ScheduleRecord, error) {
	data, err := s.rdb.Get(ctx, s.recordKey(meetingKey)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get schedule record %q: %w", meetingKey, err)
	}
	var rec ScheduleRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal schedule record %q: %w", meetingKey, err)
	}
	return &rec, nil
}

// Rearm scans live schedule records and re-arms timers for those that are
// not canceled and have not started yet. Called once on process start, since
// timers do not survive a restart.
func (s *Scheduler) Rearm(ctx context.Context) error {
	pattern := s.kb.Build("record", "*")
	var cursor uint64
	rearmed := 0
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("failed to scan schedule records: %w", err)
		}
		for _, key := range keys {
			data, err := s.rdb.Get(ctx, key).Bytes()
			if err != nil {
				continue
			}
			var rec ScheduleRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				continue
			}
			if rec.Canceled || time.Now().After(rec.StartTime) {
				continue
			}
			delay := time.Until(rec.StartTime.Add(-s.leadTime))
			if delay < 0 {
				delay = 0
			}
			meetingKey := rec.MeetingKey
			s.mu.Lock()
			if old, ok := s.timers[meetingKey]; ok {
				old.Stop()
			}
			s.timers[meetingKey] = time.AfterFunc(delay, func() { s.fire(meetingKey) })
			s.mu.Unlock()
			rearmed++
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if rearmed > 0 {
		s.log.Info("re-armed schedules after restart", zap.Int("count", rearmed))
	}
	return nil
}

// Stop stops all pending timers. Records are untouched; a later Rearm picks
// them back up.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
}

// fire runs when a timer elapses. The record is re-read rather than trusting
// the originally-captured payload: it may have been marked canceled between
// scheduling and firing.
func (s *Scheduler) fire(meetingKey string) {
	s.mu.Lock()
	delete(s.timers, meetingKey)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rec, err := s.GetRecord(ctx, meetingKey)
	if err != nil {
		s.log.Error("failed to read schedule record at fire time",
			zap.String("meeting_key", meetingKey), zap.Error(err))
		return
	}
	if rec == nil {
		s.log.Warn("schedule fired but no record found", zap.String("meeting_key", meetingKey))
		return
	}
	if rec.Canceled {
		s.log.Debug("schedule fired after cancellation, skipping", zap.String("meeting_key", meetingKey))
		return
	}
	s.onFire(ctx, meetingKey)
}

func (s *Scheduler) putRecord(ctx context.Context, rec *ScheduleRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal schedule record %q: %w", rec.MeetingKey, err)
	}
	ttl := time.Until(rec.StartTime) + recordRetention
	if ttl < recordRetention {
		ttl = recordRetention
	}
	if err := s.rdb.Set(ctx, s.recordKey(rec.MeetingKey), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store schedule record %q: %w", rec.MeetingKey, err)
	}
	return nil
}

func (s *Scheduler) recordKey(meetingKey string) string {
	return s.kb.Build("record", meetingKey)
}

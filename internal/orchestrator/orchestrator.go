// Package orchestrator decides whether a bot should still be deployed for a
// meeting and, if so, provisions it exactly once. Correctness under
// duplicate fires, redelivered webhooks, and cancellation races rests on the
// cancellation-aware record read followed by the distributed lock.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/meetscribe/scribe/internal/idempotency"
	"github.com/meetscribe/scribe/internal/meetings"
	"github.com/meetscribe/scribe/internal/metrics"
	"github.com/meetscribe/scribe/internal/scheduler"
)

// Non-deployment reasons. All are expected outcomes, not faults.
const (
	ReasonNotFound         = "not_found"
	ReasonCancelled        = "cancelled"
	ReasonLockHeld         = "lock_held"
	ReasonAlreadyProcessed = "already_processed"
	ReasonAlreadyDeployed  = "already_deployed"
	ReasonOptedOut         = "opted_out"
)

// Result is the structured outcome of a deployment attempt.
type Result struct {
	Deployed bool   `json:"deployed"`
	BotID    string `json:"bot_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// ScheduleReader reads the schedule record owned by the scheduler.
type ScheduleReader interface {
	GetRecord(ctx context.Context, meetingKey string) (*scheduler.ScheduleRecord, error)
}

// Locker is the lock and processing-record store.
type Locker interface {
	AcquireLock(ctx context.Context, resourceKey string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, resourceKey string) error
	GetProcessingRecord(ctx context.Context, resourceKey string) (*idempotency.ProcessingRecord, error)
	SetProcessingRecord(ctx context.Context, resourceKey string, rec *idempotency.ProcessingRecord, ttl time.Duration) error
}

// MeetingStore resolves meeting metadata and persists the bot id.
type MeetingStore interface {
	GetByEventURI(ctx context.Context, eventURI string) (*meetings.Meeting, error)
	SetBotID(ctx context.Context, eventURI, botID string) error
}

// Provisioner creates a bot given a join URL.
type Provisioner interface {
	CreateBot(ctx context.Context, joinURL string) (string, error)
}

// Tracker is told about freshly provisioned bots so their status gets
// polled and streamed.
type Tracker interface {
	Track(botID string)
}

// Config bounds the lock and dedupe windows.
type Config struct {
	DeployLockTTL       time.Duration
	ProcessingRecordTTL time.Duration
}

// Orchestrator implements the deploy decision pipeline.
type Orchestrator struct {
	schedules ScheduleReader
	locks     Locker
	meetings  MeetingStore
	bots      Provisioner
	tracker   Tracker
	cfg       Config
	log       *zap.Logger
}

func New(schedules ScheduleReader, locks Locker, store MeetingStore, bots Provisioner, tracker Tracker, cfg Config, log *zap.Logger) *Orchestrator {
	if cfg.DeployLockTTL == 0 {
		cfg.DeployLockTTL = 5 * time.Minute
	}
	if cfg.ProcessingRecordTTL == 0 {
		cfg.ProcessingRecordTTL = time.Hour
	}
	return &Orchestrator{
		schedules: schedules,
		locks:     locks,
		meetings:  store,
		bots:      bots,
		tracker:   tracker,
		cfg:       cfg,
		log:       log.With(zap.String("module", "orchestrator")),
	}
}

// DeployIfEligible runs the two-phase check: a cancellation-aware read of
// the schedule record, then the distributed lock. At most one caller
// proceeds past the lock even if the scheduler fires twice. Provisioning
// failures release the lock and propagate; retries belong to the invoking
// webhook-delivery infrastructure, never to this component.
func (o *Orchestrator) DeployIfEligible(ctx context.Context, meetingKey string) (Result, error) {
	rec, err := o.schedules.GetRecord(ctx, meetingKey)
	if err != nil {
		return Result{}, err
	}
	if rec == nil {
		o.log.Info("no schedule record, skipping deploy", zap.String("meeting_key", meetingKey))
		metrics.Deployments.WithLabelValues(ReasonNotFound).Inc()
		return Result{Reason: ReasonNotFound}, nil
	}
	if rec.Canceled {
		o.log.Info("meeting canceled, skipping deploy", zap.String("meeting_key", meetingKey))
		metrics.Deployments.WithLabelValues(ReasonCancelled).Inc()
		return Result{Reason: ReasonCancelled}, nil
	}

	proc, err := o.locks.GetProcessingRecord(ctx, meetingKey)
	if err != nil {
		return Result{}, err
	}
	if proc != nil && proc.Status == idempotency.StatusCompleted {
		o.log.Info("meeting already processed, skipping deploy", zap.String("meeting_key", meetingKey))
		metrics.Deployments.WithLabelValues(ReasonAlreadyProcessed).Inc()
		return Result{Reason: ReasonAlreadyProcessed}, nil
	}

	acquired, err := o.locks.AcquireLock(ctx, meetingKey, o.cfg.DeployLockTTL)
	if err != nil {
		return Result{}, err
	}
	if !acquired {
		o.log.Info("deploy lock held by another worker", zap.String("meeting_key", meetingKey))
		metrics.Deployments.WithLabelValues(ReasonLockHeld).Inc()
		return Result{Reason: ReasonLockHeld}, nil
	}

	result, err := o.deployLocked(ctx, meetingKey, rec)
	if releaseErr := o.locks.ReleaseLock(ctx, meetingKey); releaseErr != nil {
		o.log.Error("failed to release deploy lock",
			zap.String("meeting_key", meetingKey), zap.Error(releaseErr))
	}
	return result, err
}

func (o *Orchestrator) deployLocked(ctx context.Context, meetingKey string, rec *scheduler.ScheduleRecord) (Result, error) {
	meeting, err := o.meetings.GetByEventURI(ctx, meetingKey)
	if err != nil {
		return Result{}, fmt.Errorf("failed to resolve meeting metadata: %w", err)
	}
	if meeting.BotID != "" {
		o.log.Info("bot already provisioned for meeting",
			zap.String("meeting_key", meetingKey), zap.String("bot_id", meeting.BotID))
		metrics.Deployments.WithLabelValues(ReasonAlreadyDeployed).Inc()
		return Result{Reason: ReasonAlreadyDeployed, BotID: meeting.BotID}, nil
	}

	now := time.Now()
	if err := o.locks.SetProcessingRecord(ctx, meetingKey, &idempotency.ProcessingRecord{
		Status:         idempotency.StatusProcessing,
		StartedAt:      now,
		EventTimestamp: rec.StartTime,
	}, o.cfg.ProcessingRecordTTL); err != nil {
		return Result{}, err
	}

	botID, err := o.bots.CreateBot(ctx, meeting.JoinURL)
	if err != nil {
		metrics.Deployments.WithLabelValues("provision_failed").Inc()
		return Result{}, fmt.Errorf("failed to provision bot: %w", err)
	}

	if err := o.meetings.SetBotID(ctx, meetingKey, botID); err != nil {
		return Result{}, fmt.Errorf("failed to persist bot id: %w", err)
	}

	if err := o.locks.SetProcessingRecord(ctx, meetingKey, &idempotency.ProcessingRecord{
		Status:         idempotency.StatusCompleted,
		StartedAt:      now,
		CompletedAt:    time.Now(),
		EventTimestamp: rec.StartTime,
	}, o.cfg.ProcessingRecordTTL); err != nil {
		o.log.Error("failed to mark processing record completed",
			zap.String("meeting_key", meetingKey), zap.Error(err))
	}

	if o.tracker != nil {
		o.tracker.Track(botID)
	}

	o.log.Info("bot deployed",
		zap.String("meeting_key", meetingKey),
		zap.String("bot_id", botID))
	metrics.Deployments.WithLabelValues("deployed").Inc()
	return Result{Deployed: true, BotID: botID}, nil
}

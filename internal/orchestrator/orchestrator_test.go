package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/meetscribe/scribe/internal/idempotency"
	"github.com/meetscribe/scribe/internal/meetings"
	"github.com/meetscribe/scribe/internal/scheduler"
)

type fakeSchedules struct {
	mu      sync.Mutex
	records map[string]*scheduler.ScheduleRecord
}

func (f *fakeSchedules) GetRecord(_ context.Context, key string) (*scheduler.ScheduleRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[key]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

type fakeLocker struct {
	mu      sync.Mutex
	held    map[string]bool
	records map[string]*idempotency.ProcessingRecord
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{
		held:    make(map[string]bool),
		records: make(map[string]*idempotency.ProcessingRecord),
	}
}

func (f *fakeLocker) AcquireLock(_ context.Context, key string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[key] {
		return false, nil
	}
	f.held[key] = true
	return true, nil
}

func (f *fakeLocker) ReleaseLock(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.held, key)
	return nil
}

func (f *fakeLocker) GetProcessingRecord(_ context.Context, key string) (*idempotency.ProcessingRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[key]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeLocker) SetProcessingRecord(_ context.Context, key string, rec *idempotency.ProcessingRecord, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *rec
	f.records[key] = &cp
	return nil
}

func (f *fakeLocker) isHeld(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.held[key]
}

type fakeMeetings struct {
	mu       sync.Mutex
	meetings map[string]*meetings.Meeting
}

func (f *fakeMeetings) GetByEventURI(_ context.Context, uri string) (*meetings.Meeting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meetings[uri]
	if !ok {
		return nil, meetings.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (f *fakeMeetings) SetBotID(_ context.Context, uri, botID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meetings[uri]
	if !ok {
		return meetings.ErrNotFound
	}
	m.BotID = botID
	return nil
}

type fakeProvisioner struct {
	mu    sync.Mutex
	calls int
	delay time.Duration
	err   error
}

func (f *fakeProvisioner) CreateBot(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return "", f.err
	}
	return "bot-1", nil
}

func (f *fakeProvisioner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeTracker struct {
	mu      sync.Mutex
	tracked []string
}

func (f *fakeTracker) Track(botID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracked = append(f.tracked, botID)
}

type fixture struct {
	orch      *Orchestrator
	schedules *fakeSchedules
	locker    *fakeLocker
	meetings  *fakeMeetings
	bots      *fakeProvisioner
	tracker   *fakeTracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		schedules: &fakeSchedules{records: map[string]*scheduler.ScheduleRecord{
			"m1": {MeetingKey: "m1", StartTime: time.Now().Add(time.Minute)},
		}},
		locker: newFakeLocker(),
		meetings: &fakeMeetings{meetings: map[string]*meetings.Meeting{
			"m1": {EventURI: "m1", JoinURL: "https://meet.example.com/abc"},
		}},
		bots:    &fakeProvisioner{},
		tracker: &fakeTracker{},
	}
	f.orch = New(f.schedules, f.locker, f.meetings, f.bots, f.tracker, Config{}, zaptest.NewLogger(t))
	return f
}

func TestDeploySucceeds(t *testing.T) {
	f := newFixture(t)

	result, err := f.orch.DeployIfEligible(context.Background(), "m1")
	require.NoError(t, err)
	assert.True(t, result.Deployed)
	assert.Equal(t, "bot-1", result.BotID)
	assert.Equal(t, 1, f.bots.callCount())
	assert.Equal(t, []string{"bot-1"}, f.tracker.tracked)

	// The lock is released and the ledger records completion.
	assert.False(t, f.locker.isHeld("m1"))
	rec, err := f.locker.GetProcessingRecord(context.Background(), "m1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, idempotency.StatusCompleted, rec.Status)

	// The bot id landed in the meeting store.
	m, err := f.meetings.GetByEventURI(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "bot-1", m.BotID)
}

func TestDeployNoRecord(t *testing.T) {
	f := newFixture(t)

	result, err := f.orch.DeployIfEligible(context.Background(), "m-unknown")
	require.NoError(t, err)
	assert.False(t, result.Deployed)
	assert.Equal(t, ReasonNotFound, result.Reason)
	assert.Zero(t, f.bots.callCount())
}

func TestDeployCanceledRecord(t *testing.T) {
	f := newFixture(t)
	f.schedules.records["m1"].Canceled = true

	result, err := f.orch.DeployIfEligible(context.Background(), "m1")
	require.NoError(t, err)
	assert.False(t, result.Deployed)
	assert.Equal(t, ReasonCancelled, result.Reason)
	assert.Zero(t, f.bots.callCount(), "canceled meeting must never reach the provisioner")
}

func TestDeployLockHeld(t *testing.T) {
	f := newFixture(t)
	acquired, err := f.locker.AcquireLock(context.Background(), "m1", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	result, err := f.orch.DeployIfEligible(context.Background(), "m1")
	require.NoError(t, err)
	assert.False(t, result.Deployed)
	assert.Equal(t, ReasonLockHeld, result.Reason)
	assert.Zero(t, f.bots.callCount())
}

func TestDeployAlreadyProcessed(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.locker.SetProcessingRecord(context.Background(), "m1", &idempotency.ProcessingRecord{
		Status: idempotency.StatusCompleted,
	}, time.Hour))

	result, err := f.orch.DeployIfEligible(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, ReasonAlreadyProcessed, result.Reason)
	assert.Zero(t, f.bots.callCount())
}

func TestDeployAlreadyDeployed(t *testing.T) {
	f := newFixture(t)
	f.meetings.meetings["m1"].BotID = "bot-0"

	result, err := f.orch.DeployIfEligible(context.Background(), "m1")
	require.NoError(t, err)
	assert.False(t, result.Deployed)
	assert.Equal(t, ReasonAlreadyDeployed, result.Reason)
	assert.Equal(t, "bot-0", result.BotID)
	assert.Zero(t, f.bots.callCount())
}

func TestDeployProvisioningFailureReleasesLock(t *testing.T) {
	f := newFixture(t)
	f.bots.err = errors.New("provider down")

	_, err := f.orch.DeployIfEligible(context.Background(), "m1")
	require.Error(t, err)
	assert.False(t, f.locker.isHeld("m1"), "lock must be released so a retry is not blocked")

	// A later retry succeeds.
	f.bots.err = nil
	result, err := f.orch.DeployIfEligible(context.Background(), "m1")
	require.NoError(t, err)
	assert.True(t, result.Deployed)
}

func TestAtMostOnceDeployment(t *testing.T) {
	f := newFixture(t)
	f.bots.delay = 20 * time.Millisecond

	const workers = 16
	results := make([]Result, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.orch.DeployIfEligible(context.Background(), "m1")
		}(i)
	}
	wg.Wait()

	deployed := 0
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		if results[i].Deployed {
			deployed++
		} else {
			assert.Contains(t,
				[]string{ReasonLockHeld, ReasonAlreadyProcessed, ReasonAlreadyDeployed},
				results[i].Reason)
		}
	}
	assert.Equal(t, 1, deployed, "exactly one worker deploys")
	assert.Equal(t, 1, f.bots.callCount(), "provisioner called exactly once")
}

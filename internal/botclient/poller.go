package botclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/meetscribe/scribe/internal/stream"
)

// StatusSource is the provider read path the poller depends on.
type StatusSource interface {
	GetBot(ctx context.Context, botID string) (*BotState, error)
}

// Poller periodically sweeps tracked bots, publishing status and transcript
// deltas to the stream broker. Tracking stops once the terminal status has
// been delivered.
type Poller struct {
	source   StatusSource
	broker   stream.Broker
	interval time.Duration
	cron     *cron.Cron
	log      *zap.Logger

	mu         sync.Mutex
	lastStatus map[string]string
}

// NewPoller creates a Poller sweeping at the given interval.
func NewPoller(source StatusSource, broker stream.Broker, interval time.Duration, log *zap.Logger) *Poller {
	return &Poller{
		source:     source,
		broker:     broker,
		interval:   interval,
		cron:       cron.New(),
		log:        log.With(zap.String("module", "poller")),
		lastStatus: make(map[string]string),
	}
}

// Start begins the periodic sweep.
func (p *Poller) Start() error {
	spec := fmt.Sprintf("@every %s", p.interval)
	if _, err := p.cron.AddFunc(spec, p.Sweep); err != nil {
		return fmt.Errorf("failed to register poll sweep: %w", err)
	}
	p.cron.Start()
	return nil
}

// Stop halts the sweep. Running sweeps finish.
func (p *Poller) Stop() {
	<-p.cron.Stop().Done()
}

// Track starts polling status for a freshly deployed bot.
func (p *Poller) Track(botID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.lastStatus[botID]; !ok {
		p.lastStatus[botID] = ""
	}
}

// Untrack stops polling a bot without waiting for a terminal status.
func (p *Poller) Untrack(botID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.lastStatus, botID)
}

// Sweep polls every tracked bot once. The cron schedule calls it
// periodically; callers may invoke it directly for an immediate pass, e.g.
// right after a deployment.
func (p *Poller) Sweep() {
	p.mu.Lock()
	botIDs := make([]string, 0, len(p.lastStatus))
	for id := range p.lastStatus {
		botIDs = append(botIDs, id)
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.interval)
	defer cancel()

	for _, botID := range botIDs {
		p.poll(ctx, botID)
	}
}

func (p *Poller) poll(ctx context.Context, botID string) {
	state, err := p.source.GetBot(ctx, botID)
	if err != nil {
		p.log.Warn("bot status poll failed", zap.String("bot_id", botID), zap.Error(err))
		return
	}

	p.mu.Lock()
	last, tracked := p.lastStatus[botID]
	if tracked && state.Status != last {
		p.lastStatus[botID] = state.Status
	}
	p.mu.Unlock()

	if !tracked || state.Status == last {
		return
	}

	ev := stream.Event{Status: state.Status}
	if stream.IsTerminal(state.Status) {
		ev.Transcript = state.Transcript
	}
	p.broker.Publish(botID, ev)
	p.log.Info("bot status changed",
		zap.String("bot_id", botID),
		zap.String("status", state.Status))

	if stream.IsTerminal(state.Status) {
		p.Untrack(botID)
		p.broker.Unsubscribe(botID)
	}
}

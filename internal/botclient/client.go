// Package botclient talks to the external bot-provisioning provider: create
// a bot for a join URL, and read back its status and transcript.
package botclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/meetscribe/scribe/internal/stream"
	"github.com/meetscribe/scribe/pkg/json"
)

// BotState is a point-in-time view of a deployed bot.
type BotState struct {
	ID         string                     `json:"id"`
	Status     string                     `json:"status"`
	Transcript []stream.TranscriptSegment `json:"transcript,omitempty"`
}

// Client calls the bot-provisioning API. The provider is the one slow,
// flaky collaborator in the pipeline, so calls run behind a circuit breaker.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	log        *zap.Logger
}

// NewClient creates a provider client for the given endpoint.
func NewClient(baseURL, apiKey string, log *zap.Logger) *Client {
	log = log.With(zap.String("module", "botclient"))
	settings := gobreaker.Settings{
		Name:        "BotProviderCB",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Circuit breaker state change",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		breaker:    gobreaker.NewCircuitBreaker(settings),
		log:        log,
	}
}

// CreateBot provisions a bot to join the meeting at joinURL and returns the
// provider's bot id.
func (c *Client) CreateBot(ctx context.Context, joinURL string) (string, error) {
	body, err := json.Marshal(map[string]string{"meeting_url": joinURL})
	if err != nil {
		return "", fmt.Errorf("failed to marshal create bot request: %w", err)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		data, err := c.do(ctx, http.MethodPost, "/bots", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		var resp struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("failed to parse create bot response: %w", err)
		}
		if resp.ID == "" {
			return nil, fmt.Errorf("provider returned empty bot id")
		}
		return resp.ID, nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to create bot: %w", err)
	}
	botID, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("unexpected create bot result type")
	}
	c.log.Info("bot provisioned", zap.String("bot_id", botID))
	return botID, nil
}

// GetBot returns the current status and transcript for a bot.
func (c *Client) GetBot(ctx context.Context, botID string) (*BotState, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		data, err := c.do(ctx, http.MethodGet, "/bots/"+botID, nil)
		if err != nil {
			return nil, err
		}
		var state BotState
		if err := json.Unmarshal(data, &state); err != nil {
			return nil, fmt.Errorf("failed to parse bot state: %w", err)
		}
		return &state, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get bot %q: %w", botID, err)
	}
	state, ok := result.(*BotState)
	if !ok {
		return nil, fmt.Errorf("unexpected bot state result type")
	}
	return state, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build provider request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read provider response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("provider returned status %d: %s", resp.StatusCode, data)
	}
	return data, nil
}

package server

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/meetscribe/scribe/internal/server/handlers"
	"github.com/meetscribe/scribe/internal/server/httputil"
	"github.com/meetscribe/scribe/internal/stream"
	"github.com/meetscribe/scribe/internal/webhook"
	"github.com/meetscribe/scribe/pkg/health"
)

// Deps carries the collaborators the HTTP surface is wired to. The broker is
// an injected instance rather than ambient shared state so handler lifecycle
// and tests stay explicit.
type Deps struct {
	Verifier *webhook.Verifier
	Sched    handlers.ScheduleStore
	Meetings handlers.MeetingWriter
	Deployer handlers.Deployer
	Bots     handlers.BotReader
	Broker   stream.Broker
	Health   *health.Checker
	BaseURL  string

	// WSAllowedOrigins is the Origin allowlist for stream upgrades.
	WSAllowedOrigins string
}

// New builds the HTTP server with all routes registered.
func New(addr string, log *zap.Logger, deps Deps) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/webhooks/calendar",
		handlers.CalendarWebhookHandler(log, deps.Verifier, deps.Sched, deps.Meetings, deps.BaseURL+"/webhooks/calendar"))
	mux.HandleFunc("/api/deploy",
		handlers.DeployHandler(log, deps.Verifier, deps.Deployer, deps.BaseURL+"/api/deploy"))
	mux.HandleFunc("GET /api/bots/{id}/status",
		handlers.BotStatusHandler(log, deps.Bots))
	mux.HandleFunc("GET /ws/bots/{id}/stream",
		handlers.StreamHandler(log, deps.Broker, deps.WSAllowedOrigins))
	mux.HandleFunc("GET /healthz", healthHandler(log, deps.Health))

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second, // Mitigate Slowloris
	}
}

func healthHandler(log *zap.Logger, checker *health.Checker) http.HandlerFunc {
	log = log.With(zap.String("handler", "health"))
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := health.StatusUp
		results := make(map[string]string)
		for name, err := range checker.Check(ctx) {
			if err != nil {
				status = health.StatusDown
				results[name] = err.Error()
				continue
			}
			results[name] = string(health.StatusUp)
		}

		if status == health.StatusDown {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		httputil.WriteJSONResponse(w, log, map[string]interface{}{
			"status": status,
			"checks": results,
		})
	}
}

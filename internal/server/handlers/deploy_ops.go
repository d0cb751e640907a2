package handlers

import (
	"context"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/meetscribe/scribe/internal/orchestrator"
	"github.com/meetscribe/scribe/internal/server/httputil"
	"github.com/meetscribe/scribe/internal/webhook"
	"github.com/meetscribe/scribe/pkg/json"
)

// Deployer runs the deployment decision pipeline.
type Deployer interface {
	DeployIfEligible(ctx context.Context, meetingKey string) (orchestrator.Result, error)
}

// DeployHandler is the signed internal trigger invoked when a schedule
// fires out-of-process, and by operators forcing a deploy. It carries the
// same signature gate as external webhooks.
func DeployHandler(log *zap.Logger, verifier *webhook.Verifier, deployer Deployer, callbackURL string) http.HandlerFunc {
	log = log.With(zap.String("handler", "deploy"))
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.WriteJSONError(w, log, http.StatusMethodNotAllowed, "method not allowed", nil)
			return
		}

		rawBody, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			httputil.WriteJSONError(w, log, http.StatusBadRequest, "failed to read body", err)
			return
		}

		if err := verifier.Verify(rawBody, r.Header.Get(SignatureHeader), callbackURL); err != nil {
			httputil.WriteJSONError(w, log, http.StatusUnauthorized, "invalid signature", err)
			return
		}

		var req struct {
			EventURI string `json:"event_uri"`
		}
		if err := json.Unmarshal(rawBody, &req); err != nil || req.EventURI == "" {
			httputil.WriteJSONError(w, log, http.StatusBadRequest, "missing event_uri", err)
			return
		}

		result, err := deployer.DeployIfEligible(r.Context(), req.EventURI)
		if err != nil {
			// Non-2xx so the delivery infrastructure redelivers; the lock has
			// already been released on this path.
			httputil.WriteJSONError(w, log, http.StatusBadGateway, "deployment failed", err,
				zap.String("event_uri", req.EventURI))
			return
		}

		switch result.Reason {
		case orchestrator.ReasonNotFound:
			httputil.WriteJSONError(w, log, http.StatusNotFound, "no schedule record", nil,
				zap.String("event_uri", req.EventURI))
		case orchestrator.ReasonCancelled:
			httputil.WriteJSONResponse(w, log, map[string]string{"message": "cancelled"})
		default:
			httputil.WriteJSONResponse(w, log, map[string]interface{}{
				"success": result.Deployed || result.Reason == orchestrator.ReasonAlreadyDeployed,
				"bot_id":  result.BotID,
				"reason":  result.Reason,
			})
		}
	}
}

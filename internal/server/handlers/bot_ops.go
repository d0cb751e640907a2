package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/meetscribe/scribe/internal/botclient"
	"github.com/meetscribe/scribe/internal/server/httputil"
)

// BotReader is the provider read path for point-in-time status queries.
type BotReader interface {
	GetBot(ctx context.Context, botID string) (*botclient.BotState, error)
}

// BotStatusHandler serves point-in-time status for clients not holding a
// live stream.
func BotStatusHandler(log *zap.Logger, bots BotReader) http.HandlerFunc {
	log = log.With(zap.String("handler", "bot_status"))
	return func(w http.ResponseWriter, r *http.Request) {
		botID := r.PathValue("id")
		if botID == "" {
			httputil.WriteJSONError(w, log, http.StatusBadRequest, "missing bot id", nil)
			return
		}

		state, err := bots.GetBot(r.Context(), botID)
		if err != nil {
			httputil.WriteJSONError(w, log, http.StatusBadGateway, "failed to fetch bot status", err,
				zap.String("bot_id", botID))
			return
		}

		httputil.WriteJSONResponse(w, log, map[string]string{
			"bot_id": botID,
			"status": state.Status,
		})
	}
}

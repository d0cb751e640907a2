package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/meetscribe/scribe/internal/stream"
)

const streamWriteTimeout = 10 * time.Second

// StreamHandler upgrades the connection to a WebSocket and relays the bot's
// event stream until a terminal status closes it or the client disconnects.
// allowedOrigins is the comma-separated Origin allowlist from configuration.
func StreamHandler(log *zap.Logger, broker stream.Broker, allowedOrigins string) http.HandlerFunc {
	log = log.With(zap.String("handler", "stream"))
	upgrader := websocket.Upgrader{CheckOrigin: checkOrigin(log, allowedOrigins)}

	return func(w http.ResponseWriter, r *http.Request) {
		botID := r.PathValue("id")
		if botID == "" {
			http.Error(w, "missing bot id", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error("WebSocket upgrade failed", zap.Error(err))
			return
		}
		defer conn.Close()

		events := broker.Subscribe(botID)
		// When the broker itself closed the channel (terminal status, or a
		// newer subscriber superseded this one) the subscription slot is no
		// longer ours to remove.
		brokerClosed := false
		defer func() {
			if !brokerClosed {
				broker.Unsubscribe(botID)
			}
		}()

		log.Info("stream opened", zap.String("bot_id", botID))

		// Reader goroutine: its only job is to notice the client going away.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case ev, ok := <-events:
				if !ok {
					brokerClosed = true
					log.Info("stream closed by broker", zap.String("bot_id", botID))
					deadline := time.Now().Add(streamWriteTimeout)
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
				if err := conn.WriteJSON(ev); err != nil {
					log.Warn("stream write failed", zap.String("bot_id", botID), zap.Error(err))
					return
				}
			case <-done:
				log.Info("stream client disconnected", zap.String("bot_id", botID))
				return
			}
		}
	}
}

func checkOrigin(log *zap.Logger, allowedOrigins string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}

		originHost := origin
		if strings.Contains(origin, "://") {
			parts := strings.SplitN(origin, "://", 2)
			originHost = parts[1]
		}
		if strings.Contains(originHost, ":") {
			originHost = strings.Split(originHost, ":")[0]
		}

		for _, allowed := range strings.Split(allowedOrigins, ",") {
			if allowed == "*" || allowed == originHost {
				return true
			}
			if strings.HasPrefix(allowed, "*.") && strings.HasSuffix(originHost, allowed[1:]) {
				return true
			}
		}

		log.Warn("Rejected WebSocket connection",
			zap.String("origin", origin),
			zap.String("allowed_origins", allowedOrigins))
		return false
	}
}

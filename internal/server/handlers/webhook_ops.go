package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/meetscribe/scribe/internal/meetings"
	"github.com/meetscribe/scribe/internal/metrics"
	"github.com/meetscribe/scribe/internal/scheduler"
	"github.com/meetscribe/scribe/internal/server/httputil"
	"github.com/meetscribe/scribe/internal/webhook"
)

// SignatureHeader carries the signed-webhook token on inbound callbacks.
const SignatureHeader = "X-Scribe-Signature"

const maxWebhookBody = 1 << 20

// MeetingWriter is the subset of the meetings repository the webhook
// handler needs.
type MeetingWriter interface {
	Upsert(ctx context.Context, m *meetings.Meeting) error
}

// ScheduleStore is the scheduling surface the webhook handler drives.
type ScheduleStore interface {
	Schedule(ctx context.Context, meetingKey string, startTime time.Time, spreadsheetRef string) (string, error)
	Cancel(ctx context.Context, meetingKey string) error
}

// CalendarWebhookHandler ingests calendar-provider webhooks. The signature
// gate runs before any byte of the body is parsed as structured input.
func CalendarWebhookHandler(log *zap.Logger, verifier *webhook.Verifier, sched ScheduleStore, store MeetingWriter, callbackURL string) http.HandlerFunc {
	log = log.With(zap.String("handler", "calendar_webhook"))
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
			metrics.WebhooksRejected.Inc()
			httputil.WriteJSONError(w, log, http.StatusUnauthorized, "invalid webhook signature", err)
			return
		}

		ev, err := webhook.ParseEvent(rawBody)
		if err != nil {
			httputil.WriteJSONError(w, log, http.StatusBadRequest, "invalid webhook payload", err)
			return
		}

		switch ev.Kind {
		case webhook.KindInviteeCreated:
			handleInviteeCreated(r.Context(), w, log, sched, store, ev)
		case webhook.KindInviteeCancelled:
			handleInviteeCancelled(r.Context(), w, log, sched, ev)
		case webhook.KindOther:
			metrics.WebhooksReceived.WithLabelValues(ev.Name, "ignored").Inc()
			log.Info("ignoring webhook event", zap.String("event", ev.Name))
			httputil.WriteJSONResponse(w, log, map[string]string{"status": "ignored"})
		}
	}
}

func handleInviteeCreated(ctx context.Context, w http.ResponseWriter, log *zap.Logger, sched ScheduleStore, store MeetingWriter, ev *webhook.Event) {
	inv := ev.Invitee
	if inv.URI == "" || inv.StartTime.IsZero() {
		httputil.WriteJSONError(w, log, http.StatusBadRequest, "missing event uri or start time", nil)
		return
	}
	if !inv.WantsBot() {
		metrics.WebhooksReceived.WithLabelValues(ev.Name, "opted_out").Inc()
		log.Info("invitee opted out of meeting bot", zap.String("event_uri", inv.URI))
		httputil.WriteJSONResponse(w, log, map[string]string{"status": "skipped"})
		return
	}

	spreadsheetRef := spreadsheetAnswer(inv)
	if err := store.Upsert(ctx, &meetings.Meeting{
		UserID:         inv.UserID,
		EventURI:       inv.URI,
		EventUUID:      inv.EventUUID,
		JoinURL:        joinURLAnswer(inv),
		SpreadsheetRef: spreadsheetRef,
		StartTime:      inv.StartTime,
	}); err != nil {
		httputil.WriteJSONError(w, log, http.StatusInternalServerError, "failed to record meeting", err)
		return
	}

	handle, err := sched.Schedule(ctx, inv.URI, inv.StartTime, spreadsheetRef)
	if err != nil {
		httputil.WriteJSONError(w, log, http.StatusInternalServerError, "failed to schedule deployment", err)
		return
	}

	metrics.WebhooksReceived.WithLabelValues(ev.Name, "scheduled").Inc()
	log.Info("deployment scheduled",
		zap.String("event_uri", inv.URI),
		zap.Time("start_time", inv.StartTime),
		zap.String("handle", handle))
	httputil.WriteJSONResponse(w, log, map[string]string{"status": "scheduled", "handle": handle})
}

func handleInviteeCancelled(ctx context.Context, w http.ResponseWriter, log *zap.Logger, sched ScheduleStore, ev *webhook.Event) {
	inv := ev.Invitee
	if inv.URI == "" {
		httputil.WriteJSONError(w, log, http.StatusBadRequest, "missing event uri", nil)
		return
	}

	err := sched.Cancel(ctx, inv.URI)
	if errors.Is(err, scheduler.ErrNotFound) {
		// Nothing scheduled, or the record already expired. Cancellation is
		// idempotent either way.
		metrics.WebhooksReceived.WithLabelValues(ev.Name, "not_found").Inc()
		httputil.WriteJSONResponse(w, log, map[string]string{"status": "not_found"})
		return
	}
	if err != nil {
		httputil.WriteJSONError(w, log, http.StatusInternalServerError, "failed to cancel schedule", err)
		return
	}

	metrics.WebhooksReceived.WithLabelValues(ev.Name, "cancelled").Inc()
	log.Info("deployment cancelled", zap.String("event_uri", inv.URI))
	httputil.WriteJSONResponse(w, log, map[string]string{"status": "cancelled"})
}

// joinURLAnswer pulls the meeting join URL off the scheduling form, falling
// back to empty when the provider will supply it later.
func joinURLAnswer(inv *webhook.Invitee) string {
	for _, qa := range inv.QuestionsAndAnswers {
		q := strings.ToLower(qa.Question)
		if strings.Contains(q, "meeting link") || strings.Contains(q, "join url") {
			return strings.TrimSpace(qa.Answer)
		}
	}
	return ""
}

func spreadsheetAnswer(inv *webhook.Invitee) string {
	for _, qa := range inv.QuestionsAndAnswers {
		if strings.Contains(strings.ToLower(qa.Question), "spreadsheet") {
			return strings.TrimSpace(qa.Answer)
		}
	}
	return ""
}

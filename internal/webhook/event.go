package webhook

import (
	"fmt"
	"strings"
	"time"

	"github.com/meetscribe/scribe/pkg/json"
)

// Kind discriminates the calendar webhook event types this service handles.
// Unknown events parse to KindOther so handlers deal with them explicitly.
type Kind int

const (
	KindOther Kind = iota
	KindInviteeCreated
	KindInviteeCancelled
)

const (
	eventInviteeCreated   = "invitee.created"
	eventInviteeCancelled = "invitee.cancelled"
)

// QuestionAnswer is one scheduling-form question and the invitee's answer.
type QuestionAnswer struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Invitee carries the payload fields of invitee.created and
// invitee.cancelled events.
type Invitee struct {
	URI                string           `json:"uri"`
	UserID             string           `json:"user_id"`
	EventUUID          string           `json:"event_uuid"`
	StartTime          time.Time        `json:"-"`
	QuestionsAndAnswers []QuestionAnswer `json:"questions_and_answers"`
}

// Event is the tagged variant over the calendar webhook envelope.
type Event struct {
	Kind    Kind
	Name    string
	Invitee *Invitee
}

type envelope struct {
	Event   string `json:"event"`
	Payload struct {
		URI                 string           `json:"uri"`
		UserID              string           `json:"user_id"`
		EventUUID           string           `json:"event_uuid"`
		QuestionsAndAnswers []QuestionAnswer `json:"questions_and_answers"`
		ScheduledEvent      struct {
			StartTime time.Time `json:"start_time"`
		} `json:"scheduled_event"`
	} `json:"payload"`
}

// ParseEvent parses a raw calendar webhook body into a tagged Event.
// Callers must have verified the signature first.
func ParseEvent(rawBody []byte) (*Event, error) {
	var env envelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		return nil, fmt.Errorf("failed to parse webhook envelope: %w", err)
	}
	ev := &Event{Name: env.Event}
	switch env.Event {
	case eventInviteeCreated:
		ev.Kind = KindInviteeCreated
	case eventInviteeCancelled:
		ev.Kind = KindInviteeCancelled
	default:
		ev.Kind = KindOther
		return ev, nil
	}
	ev.Invitee = &Invitee{
		URI:                 env.Payload.URI,
		UserID:              env.Payload.UserID,
		EventUUID:           env.Payload.EventUUID,
		StartTime:           env.Payload.ScheduledEvent.StartTime,
		QuestionsAndAnswers: env.Payload.QuestionsAndAnswers,
	}
	return ev, nil
}

// WantsBot reports whether the invitee opted in to a meeting bot on the
// scheduling form. Events with no recognizable opt-in question default to
// deploying a bot.
func (i *Invitee) WantsBot() bool {
	for _, qa := range i.QuestionsAndAnswers {
		q := strings.ToLower(qa.Question)
		if strings.Contains(q, "notetaker") || strings.Contains(q, "meeting bot") {
			a := strings.ToLower(strings.TrimSpace(qa.Answer))
			return a == "yes" || a == "true" || a == "y"
		}
	}
	return true
}

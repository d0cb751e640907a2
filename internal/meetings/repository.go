// Package meetings is the relational store consulted for meeting metadata.
// The orchestration core reads join URLs from it and writes bot ids back;
// everything else about meetings is owned elsewhere.
package meetings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrNotFound is returned when no meeting exists for the given key.
var ErrNotFound = errors.New("meeting not found")

// Meeting holds the metadata the deployment pipeline needs.
type Meeting struct {
	ID             int64
	UserID         string
	EventURI       string
	EventUUID      string
	JoinURL        string
	BotID          string
	SpreadsheetRef string
	StartTime      time.Time
	CreatedAt      time.Time
}

// Repository provides access to the meetings table.
type Repository struct {
	db  *sql.DB
	log *zap.Logger
}

func NewRepository(db *sql.DB, log *zap.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With(zap.String("module", "meetings")),
	}
}

// Upsert records a meeting keyed by its external event URI. Redelivered
// scheduling webhooks land on the conflict branch and refresh the metadata.
func (r *Repository) Upsert(ctx context.Context, m *Meeting) error {
	const q = `
		INSERT INTO meetings (user_id, event_uri, event_uuid, join_url, spreadsheet_ref, start_time, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (event_uri) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			event_uuid = EXCLUDED.event_uuid,
			join_url = EXCLUDED.join_url,
			spreadsheet_ref = EXCLUDED.spreadsheet_ref,
			start_time = EXCLUDED.start_time
		RETURNING id`
	err := r.db.QueryRowContext(ctx, q,
		m.UserID, m.EventURI, m.EventUUID, m.JoinURL, m.SpreadsheetRef, m.StartTime,
	).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert meeting %q: %w", m.EventURI, err)
	}
	return nil
}

// GetByEventURI returns the meeting for the external event URI.
func (r *Repository) GetByEventURI(ctx context.Context, eventURI string) (*Meeting, error) {
	const q = `
		SELECT id, user_id, event_uri, event_uuid, join_url, COALESCE(bot_id, ''), COALESCE(spreadsheet_ref, ''), start_time, created_at
		FROM meetings
		WHERE event_uri = $1`
	m := &Meeting{}
	err := r.db.QueryRowContext(ctx, q, eventURI).Scan(
		&m.ID, &m.UserID, &m.EventURI, &m.EventUUID, &m.JoinURL, &m.BotID, &m.SpreadsheetRef, &m.StartTime, &m.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get meeting %q: %w", eventURI, err)
	}
	return m, nil
}

// SetBotID persists the provisioned bot id against the meeting.
func (r *Repository) SetBotID(ctx context.Context, eventURI, botID string) error {
	const q = `UPDATE meetings SET bot_id = $2 WHERE event_uri = $1`
	res, err := r.db.ExecContext(ctx, q, eventURI, botID)
	if err != nil {
		return fmt.Errorf("failed to set bot id for meeting %q: %w", eventURI, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to set bot id for meeting %q: %w", eventURI, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

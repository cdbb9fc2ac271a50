// Package report provides PostgreSQL-backed storage for user-submitted
// reports about chat messages. Each report snapshots the message text as the
// reporter saw it, since chat history is not persisted.
package report

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// MaxList caps how many reports a single listing returns.
const MaxList = 50

// Report is a single persisted report.
type Report struct {
	ID             int64     `json:"id"`
	ReporterUserID int64     `json:"reporterUserId"`
	MessageID      *int64    `json:"messageId"`
	MessageText    *string   `json:"messageText"`
	Reason         string    `json:"reason"`
	CreatedAt      time.Time `json:"createdAt"`

	// Filled by ListRecent from the reporter's user row.
	ReporterName  string `json:"reporterName,omitempty"`
	ReporterEmail string `json:"reporterEmail,omitempty"`
}

// Store manages reports in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new report store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts r and fills in its ID and CreatedAt.
func (s *Store) Create(ctx context.Context, r *Report) error {
	const query = `
		INSERT INTO reported_messages (reporter_id, message_id, message_text, reason)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	err := s.db.QueryRowContext(ctx, query,
		r.ReporterUserID,
		r.MessageID,
		r.MessageText,
		r.Reason,
	).Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		return fmt.Errorf("report: insert: %w", err)
	}
	return nil
}

// ListRecent returns up to limit reports, newest first, with the reporter's
// display name and email. limit is clamped to (0, MaxList].
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Report, error) {
	if limit <= 0 || limit > MaxList {
		limit = MaxList
	}

	const query = `
		SELECT r.id, r.reporter_id, r.message_id, r.message_text, r.reason, r.created_at,
		       COALESCE(u.name, ''), COALESCE(u.email, '')
		FROM reported_messages r
		LEFT JOIN users u ON u.id = r.reporter_id
		ORDER BY r.created_at DESC, r.id DESC
		LIMIT $1`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("report: list: %w", err)
	}
	defer rows.Close()

	reports := make([]Report, 0, limit)
	for rows.Next() {
		var (
			r         Report
			messageID sql.NullInt64
			text      sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.ReporterUserID, &messageID, &text, &r.Reason, &r.CreatedAt,
			&r.ReporterName, &r.ReporterEmail); err != nil {
			return nil, fmt.Errorf("report: scan: %w", err)
		}
		if messageID.Valid {
			id := messageID.Int64
			r.MessageID = &id
		}
		if text.Valid {
			t := text.String
			r.MessageText = &t
		}
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("report: list rows: %w", err)
	}
	return reports, nil
}

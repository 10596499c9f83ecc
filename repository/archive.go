package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/bskmt/risk-engine/kafka"
)

// ArchivedEvent is a security event as stored in Postgres, past the shared
// store's 30-day TTL horizon.
type ArchivedEvent struct {
	ID         string    `json:"id"`
	EventType  string    `json:"event_type"`
	IP         string    `json:"ip"`
	UserID     string    `json:"user_id,omitempty"`
	Email      string    `json:"email,omitempty"`
	Endpoint   string    `json:"endpoint"`
	UserAgent  string    `json:"user_agent"`
	Severity   string    `json:"severity"`
	OccurredAt time.Time `json:"occurred_at"`
}

// SecurityEventArchive persists consumed abuse-topic messages and serves the
// admin's long-horizon queries.
type SecurityEventArchive struct {
	db *sql.DB
}

func NewSecurityEventArchive(db *sql.DB) *SecurityEventArchive {
	return &SecurityEventArchive{db: db}
}

// HandleSecurityEvent satisfies kafka.MessageHandler: each consumed message
// becomes one archive row. Replays are idempotent via the primary key.
func (r *SecurityEventArchive) HandleSecurityEvent(ctx context.Context, msg *kafka.Message) error {
	query := `INSERT INTO security_event_archive
			  (id, event_type, ip, user_id, email, endpoint, user_agent, severity, occurred_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			  ON CONFLICT (id) DO NOTHING`
	_, err := r.db.ExecContext(ctx, query,
		msg.ID, msg.Type, msg.IP, nullable(msg.UserID), nullable(msg.Email),
		msg.Endpoint, msg.UserAgent, msg.Severity, time.UnixMilli(msg.Timestamp))
	return err
}

// ByIP returns archived events for one address, newest first.
func (r *SecurityEventArchive) ByIP(ctx context.Context, ip string, limit int) ([]*ArchivedEvent, error) {
	query := `SELECT id, event_type, ip, user_id, email, endpoint, user_agent, severity, occurred_at
			  FROM security_event_archive WHERE ip = $1 ORDER BY occurred_at DESC LIMIT $2`
	return r.query(ctx, query, ip, limit)
}

// ByType returns archived events of one type, newest first.
func (r *SecurityEventArchive) ByType(ctx context.Context, eventType string, limit int) ([]*ArchivedEvent, error) {
	query := `SELECT id, event_type, ip, user_id, email, endpoint, user_agent, severity, occurred_at
			  FROM security_event_archive WHERE event_type = $1 ORDER BY occurred_at DESC LIMIT $2`
	return r.query(ctx, query, eventType, limit)
}

// CountByIPSince counts archived events for an address inside a trailing
// window, used for long-horizon repeat-offender checks.
func (r *SecurityEventArchive) CountByIPSince(ctx context.Context, ip string, since time.Time) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM security_event_archive WHERE ip = $1 AND occurred_at > $2`
	err := r.db.QueryRowContext(ctx, query, ip, since).Scan(&count)
	return count, err
}

func (r *SecurityEventArchive) query(ctx context.Context, query string, arg interface{}, limit int) ([]*ArchivedEvent, error) {
	rows, err := r.db.QueryContext(ctx, query, arg, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var archived []*ArchivedEvent
	for rows.Next() {
		event := &ArchivedEvent{}
		var userID, email sql.NullString
		if err := rows.Scan(&event.ID, &event.EventType, &event.IP, &userID, &email,
			&event.Endpoint, &event.UserAgent, &event.Severity, &event.OccurredAt); err != nil {
			return nil, err
		}
		event.UserID = userID.String
		event.Email = email.String
		archived = append(archived, event)
	}
	return archived, rows.Err()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

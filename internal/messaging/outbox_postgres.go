package messaging

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresOutbox persists entries in the message_outbox table.
type PostgresOutbox struct {
	db *sql.DB
}

// NewPostgresOutbox creates a PostgreSQL-backed outbox.
func NewPostgresOutbox(db *sql.DB) *PostgresOutbox {
	return &PostgresOutbox{db: db}
}

func (p *PostgresOutbox) Enqueue(ctx context.Context, e *OutboxEntry) error {
	env, err := json.Marshal(e.Envelope)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO message_outbox (id, recipient, kind, order_id, envelope, attempts, next_attempt, last_error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		e.ID(), e.Envelope.Recipient, string(e.Envelope.Kind), e.Envelope.OrderID, env,
		e.Attempts, e.NextAttempt, e.LastError, e.CreatedAt,
	)
	return err
}

func (p *PostgresOutbox) Pending(ctx context.Context, now time.Time, limit int) ([]*OutboxEntry, error) {
	if limit <= 0 {
		limit = 1000
	}
	var rows *sql.Rows
	var err error
	if now.IsZero() {
		rows, err = p.db.QueryContext(ctx, `
			SELECT envelope, attempts, next_attempt, last_error, created_at
			FROM message_outbox
			ORDER BY created_at ASC
			LIMIT $1`, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT envelope, attempts, next_attempt, last_error, created_at
			FROM message_outbox
			WHERE next_attempt <= $1
			ORDER BY created_at ASC
			LIMIT $2`, now, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*OutboxEntry
	for rows.Next() {
		var (
			raw []byte
			e   OutboxEntry
		)
		if err := rows.Scan(&raw, &e.Attempts, &e.NextAttempt, &e.LastError, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Envelope = &Envelope{}
		if err := json.Unmarshal(raw, e.Envelope); err != nil {
			return nil, fmt.Errorf("decode envelope: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (p *PostgresOutbox) Update(ctx context.Context, e *OutboxEntry) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE message_outbox SET attempts = $1, next_attempt = $2, last_error = $3
		WHERE id = $4`,
		e.Attempts, e.NextAttempt, e.LastError, e.ID(),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (p *PostgresOutbox) Remove(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM message_outbox WHERE id = $1`, id)
	return err
}

func (p *PostgresOutbox) Len(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM message_outbox`).Scan(&n)
	return n, err
}

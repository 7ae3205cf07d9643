package order

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists orders as JSONB documents with the fields the
// node queries by lifted into indexed columns.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	doc, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode order: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO orders (id, role, state, buyer_id, vendor_id, moderator_id, payment_address, funded, document, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		o.ID, string(o.Role), string(o.State), o.Contract.BuyerID, o.Contract.VendorID,
		nullString(o.Contract.ModeratorID), strings.ToLower(o.PaymentAddress()), o.Funded, doc,
		o.CreatedAt, o.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrOrderExists
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx, `SELECT document FROM orders WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeOrder(doc)
}

func (p *PostgresStore) Update(ctx context.Context, o *Order) error {
	doc, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode order: %w", err)
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders SET state = $2, funded = $3, document = $4, updated_at = $5
		WHERE id = $1`,
		o.ID, string(o.State), o.Funded, doc, o.UpdatedAt,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Order, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}
	// created_at only keeps microseconds; the cursor is applied exactly
	// to the decoded documents below.
	var after sql.NullTime
	if f.After != nil {
		after = sql.NullTime{Time: f.After.CreatedAt.Add(time.Microsecond), Valid: true}
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT document FROM orders
		WHERE ($1 = '' OR role = $1) AND ($2 = '' OR state = $2)
		  AND ($4::timestamptz IS NULL OR created_at <= $4)
		ORDER BY created_at DESC, id ASC
		LIMIT $3`,
		string(f.Role), string(f.State), limit, after,
	)
	if err != nil {
		return nil, err
	}
	out, err := scanOrders(rows)
	if err != nil {
		return nil, err
	}
	kept := out[:0]
	for _, o := range out {
		if f.match(o) {
			kept = append(kept, o)
		}
	}
	return kept, nil
}

func (p *PostgresStore) ListByAddress(ctx context.Context, address string) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT document FROM orders WHERE payment_address = $1`,
		strings.ToLower(address),
	)
	if err != nil {
		return nil, err
	}
	return scanOrders(rows)
}

func scanOrders(rows *sql.Rows) ([]*Order, error) {
	defer rows.Close()
	var out []*Order
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		o, err := decodeOrder(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func decodeOrder(doc []byte) (*Order, error) {
	var o Order
	if err := json.Unmarshal(doc, &o); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}
	return &o, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

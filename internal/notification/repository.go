package notification

import (
	"context"
	"database/sql"
	"embed"
	"time"

	"github.com/lib/pq"
)

//go:embed migrations/*.sql
var Migrations embed.FS

// Store persists the feed.
type Store interface {
	Create(ctx context.Context, n Notification, email string) (bool, error)
	ListByRecipient(ctx context.Context, recipient string, limit int) ([]Notification, error)
	MarkAllRead(ctx context.Context, recipient string) (int64, error)
	MarkRead(ctx context.Context, recipient string, ids []string) (int64, error)
}

// Repository is the Postgres Store.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts n and reports false when a row with the same id exists.
func (r *Repository) Create(ctx context.Context, n Notification, email string) (bool, error) {
	query := `
		INSERT INTO notifications (id, recipient, email, message, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`
	res, err := r.db.ExecContext(ctx, query, n.ID, n.Recipient, email, n.Message, n.Status, n.CreatedAt)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// ListByRecipient returns the newest notifications first.
func (r *Repository) ListByRecipient(ctx context.Context, recipient string, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, recipient, message, status, created_at
		FROM notifications WHERE recipient = $1
		ORDER BY created_at DESC LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, recipient, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []Notification{}
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.Recipient, &n.Message, &n.Status, &n.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, n)
	}
	return items, rows.Err()
}

func (r *Repository) MarkAllRead(ctx context.Context, recipient string) (int64, error) {
	query := `UPDATE notifications SET status = $1, read_at = $2 WHERE recipient = $3 AND status <> $1`
	res, err := r.db.ExecContext(ctx, query, StatusRead, time.Now().UTC(), recipient)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkRead only touches rows owned by recipient.
func (r *Repository) MarkRead(ctx context.Context, recipient string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := `
		UPDATE notifications SET status = $1, read_at = $2
		WHERE recipient = $3 AND status <> $1 AND id::text = ANY($4)
	`
	res, err := r.db.ExecContext(ctx, query, StatusRead, time.Now().UTC(), recipient, pq.Array(ids))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

package coordinator

import (
	"context"
	"database/sql"

	"github.com/shuthost/shuthost/internal/push"
)

// PushStore is a SQLite-backed push.Store.
type PushStore struct {
	db *sql.DB
}

// NewPushStore wraps db as a push.Store.
func NewPushStore(db *sql.DB) *PushStore {
	return &PushStore{db: db}
}

// AddSubscription inserts a new subscription, ignoring duplicates by
// endpoint (a browser may re-subscribe with the same endpoint).
func (s *PushStore) AddSubscription(ctx context.Context, endpoint, p256dh, auth string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO push_subscriptions (endpoint, p256dh, auth) VALUES (?, ?, ?)
		 ON CONFLICT(endpoint) DO UPDATE SET p256dh = excluded.p256dh, auth = excluded.auth`,
		endpoint, p256dh, auth,
	)
	return err
}

// ListSubscriptions satisfies push.Store.
func (s *PushStore) ListSubscriptions(ctx context.Context) ([]push.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, endpoint, p256dh, auth, created_at FROM push_subscriptions`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []push.Subscription
	for rows.Next() {
		var s push.Subscription
		if err := rows.Scan(&s.ID, &s.Endpoint, &s.P256dh, &s.Auth, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// RemoveSubscription satisfies push.Store.
func (s *PushStore) RemoveSubscription(ctx context.Context, endpoint string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM push_subscriptions WHERE endpoint = ?`, endpoint)
	return err
}

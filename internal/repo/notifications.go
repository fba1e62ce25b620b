package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tgfeed/tca/internal/types"
)

// InsertNotification records one operator-visible event and fills its id.
func InsertNotification(ctx context.Context, q DBTX, n *types.Notification) error {
	if !n.Severity.IsValid() {
		return fmt.Errorf("insert notification: invalid severity %q", n.Severity)
	}
	if n.Type == "" || n.Message == "" {
		return fmt.Errorf("insert notification: type and message are required")
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO notifications (type, severity, message, payload)
		VALUES (?, ?, ?, ?)`,
		n.Type, string(n.Severity), n.Message, n.Payload)
	if err != nil {
		return wrap("insert notification", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return wrap("insert notification", err)
	}
	n.ID = id
	return nil
}

const notificationColumns = `id, type, severity, message, payload, is_acknowledged, acknowledged_at, created_at`

func scanNotification(row interface{ Scan(...any) error }) (*types.Notification, error) {
	var n types.Notification
	var severity string
	var acked int
	var ackedAt sql.NullString
	var createdAt string
	err := row.Scan(&n.ID, &n.Type, &severity, &n.Message, &n.Payload,
		&acked, &ackedAt, &createdAt)
	if err != nil {
		return nil, err
	}
	n.Severity = types.Severity(severity)
	n.IsAcknowledged = acked != 0
	if n.AcknowledgedAt, err = parseTimePtr(ackedAt); err != nil {
		return nil, fmt.Errorf("acknowledged_at: %w", err)
	}
	if n.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	return &n, nil
}

// GetNotification fetches one notification by id.
func GetNotification(ctx context.Context, q DBTX, id int64) (*types.Notification, error) {
	n, err := scanNotification(q.QueryRowContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id))
	if err != nil {
		return nil, wrap("get notification", err)
	}
	return n, nil
}

// ListNotifications returns notifications in id order. With unackedOnly set
// it skips acknowledged rows.
func ListNotifications(ctx context.Context, q DBTX, unackedOnly bool, page Page) ([]*types.Notification, error) {
	if err := page.Validate(); err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	query := `SELECT ` + notificationColumns + ` FROM notifications`
	if unackedOnly {
		query += ` WHERE is_acknowledged = 0`
	}
	query += ` ORDER BY id LIMIT ? OFFSET ?`

	rows, err := q.QueryContext(ctx, query, page.limit(), page.offset())
	if err != nil {
		return nil, wrap("list notifications", err)
	}
	defer func() { _ = rows.Close() }()

	var notifications []*types.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, wrap("list notifications", err)
		}
		notifications = append(notifications, n)
	}
	return notifications, wrap("list notifications", rows.Err())
}

// AcknowledgeNotification marks a notification acknowledged and returns the
// acknowledgement time. Re-acknowledging returns the original timestamp
// unchanged.
func AcknowledgeNotification(ctx context.Context, q DBTX, id int64, now time.Time) (time.Time, error) {
	var acked int
	var ackedAt sql.NullString
	err := q.QueryRowContext(ctx,
		`SELECT is_acknowledged, acknowledged_at FROM notifications WHERE id = ?`, id).
		Scan(&acked, &ackedAt)
	if err != nil {
		return time.Time{}, wrap("acknowledge notification", err)
	}
	if acked != 0 && ackedAt.Valid {
		t, err := parseTime(ackedAt.String)
		if err != nil {
			return time.Time{}, fmt.Errorf("acknowledge notification: acknowledged_at: %w", err)
		}
		return t, nil
	}

	at := now.UTC()
	_, err = q.ExecContext(ctx,
		`UPDATE notifications SET is_acknowledged = 1, acknowledged_at = ? WHERE id = ?`,
		fmtTime(at), id)
	if err != nil {
		return time.Time{}, wrap("acknowledge notification", err)
	}
	return at, nil
}

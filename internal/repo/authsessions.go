package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/tgfeed/tca/internal/storage"
	"github.com/tgfeed/tca/internal/types"
)

// CreateAuthSession stores transient login-flow state.
func CreateAuthSession(ctx context.Context, q DBTX, s *types.AuthSession) error {
	if s.SessionID == "" || s.PhoneNumber == "" {
		return fmt.Errorf("create auth session: session_id and phone_number are required")
	}
	if !s.Status.IsValid() {
		return fmt.Errorf("create auth session: invalid status %q", s.Status)
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO auth_sessions (session_id, phone_number, status, code_hash, expires_at, upstream_session_enc)
		VALUES (?, ?, ?, ?, ?, ?)`,
		s.SessionID, s.PhoneNumber, string(s.Status), s.CodeHash,
		fmtTime(s.ExpiresAt), s.UpstreamSessionEnc)
	return wrap("create auth session", err)
}

// GetAuthSession fetches a live login session. Expired rows are treated as
// absent and map to ErrNotFound.
func GetAuthSession(ctx context.Context, q DBTX, sessionID string, now time.Time) (*types.AuthSession, error) {
	var s types.AuthSession
	var status, expiresAt, createdAt, updatedAt string
	err := q.QueryRowContext(ctx, `
		SELECT session_id, phone_number, status, code_hash, expires_at,
		       upstream_session_enc, created_at, updated_at
		FROM auth_sessions WHERE session_id = ?`, sessionID).
		Scan(&s.SessionID, &s.PhoneNumber, &status, &s.CodeHash, &expiresAt,
			&s.UpstreamSessionEnc, &createdAt, &updatedAt)
	if err != nil {
		return nil, wrap("get auth session", err)
	}
	s.Status = types.AuthStatus(status)
	if s.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, fmt.Errorf("get auth session: expires_at: %w", err)
	}
	if s.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("get auth session: created_at: %w", err)
	}
	if s.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("get auth session: updated_at: %w", err)
	}
	if s.Expired(now) {
		return nil, fmt.Errorf("get auth session: expired: %w", storage.ErrNotFound)
	}
	return &s, nil
}

// UpdateAuthSession advances a login session's status and material.
func UpdateAuthSession(ctx context.Context, q DBTX, sessionID string, status types.AuthStatus, codeHash string, sessionEnc []byte, now time.Time) error {
	if !status.IsValid() {
		return fmt.Errorf("update auth session: invalid status %q", status)
	}
	res, err := q.ExecContext(ctx, `
		UPDATE auth_sessions
		SET status = ?, code_hash = ?, upstream_session_enc = ?, updated_at = ?
		WHERE session_id = ?`,
		string(status), codeHash, sessionEnc, fmtTime(now), sessionID)
	if err != nil {
		return wrap("update auth session", err)
	}
	return requireRow(res, "update auth session")
}

// DeleteAuthSession removes one login session.
func DeleteAuthSession(ctx context.Context, q DBTX, sessionID string) error {
	_, err := q.ExecContext(ctx,
		`DELETE FROM auth_sessions WHERE session_id = ?`, sessionID)
	return wrap("delete auth session", err)
}

// DeleteExpiredAuthSessions clears rows past their expiry and reports how
// many went.
func DeleteExpiredAuthSessions(ctx context.Context, q DBTX, now time.Time) (int64, error) {
	res, err := q.ExecContext(ctx,
		`DELETE FROM auth_sessions WHERE expires_at <= ?`, fmtTime(now))
	if err != nil {
		return 0, wrap("delete expired auth sessions", err)
	}
	n, err := res.RowsAffected()
	return n, wrap("delete expired auth sessions", err)
}

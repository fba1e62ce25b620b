package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tgfeed/tca/internal/storage"
	"github.com/tgfeed/tca/internal/types"
)

// CreateAccount inserts a new account and fills its id. Credential columns
// arrive already encrypted; this layer never sees plaintext.
func CreateAccount(ctx context.Context, q DBTX, a *types.Account) error {
	if a.APIID <= 0 {
		return fmt.Errorf("create account: api_id is required")
	}
	if len(a.APIHashEnc) == 0 {
		return fmt.Errorf("create account: api_hash_enc is required")
	}
	keyVersion := a.KeyVersion
	if keyVersion == 0 {
		keyVersion = 1
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO accounts (api_id, api_hash_enc, session_enc, key_version)
		VALUES (?, ?, ?, ?)`,
		a.APIID, a.APIHashEnc, a.SessionEnc, keyVersion)
	if err != nil {
		return wrap("create account", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return wrap("create account", err)
	}
	a.ID = id
	a.KeyVersion = keyVersion
	return nil
}

const accountColumns = `id, api_id, api_hash_enc, session_enc, key_version, paused_at, pause_reason, created_at`

func scanAccount(row interface{ Scan(...any) error }) (*types.Account, error) {
	var a types.Account
	var pausedAt sql.NullString
	var createdAt string
	err := row.Scan(&a.ID, &a.APIID, &a.APIHashEnc, &a.SessionEnc,
		&a.KeyVersion, &pausedAt, &a.PauseReason, &createdAt)
	if err != nil {
		return nil, err
	}
	if a.PausedAt, err = parseTimePtr(pausedAt); err != nil {
		return nil, fmt.Errorf("paused_at: %w", err)
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	return &a, nil
}

// GetAccount fetches one account by id.
func GetAccount(ctx context.Context, q DBTX, id int64) (*types.Account, error) {
	a, err := scanAccount(q.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id))
	if err != nil {
		return nil, wrap("get account", err)
	}
	return a, nil
}

// ListAccounts returns accounts in id order.
func ListAccounts(ctx context.Context, q DBTX, page Page) ([]*types.Account, error) {
	if err := page.Validate(); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	rows, err := q.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts ORDER BY id LIMIT ? OFFSET ?`,
		page.limit(), page.offset())
	if err != nil {
		return nil, wrap("list accounts", err)
	}
	defer func() { _ = rows.Close() }()

	var accounts []*types.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, wrap("list accounts", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, wrap("list accounts", rows.Err())
}

// ListAccountsAfter returns up to limit accounts with id greater than
// afterID, in id order. Key rotation iterates the table with it.
func ListAccountsAfter(ctx context.Context, q DBTX, afterID int64, limit int) ([]*types.Account, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id > ? ORDER BY id LIMIT ?`,
		afterID, limit)
	if err != nil {
		return nil, wrap("list accounts after", err)
	}
	defer func() { _ = rows.Close() }()

	var accounts []*types.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, wrap("list accounts after", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, wrap("list accounts after", rows.Err())
}

// PauseAccount marks an account paused. Paused accounts keep their pause
// until an explicit resume.
func PauseAccount(ctx context.Context, q DBTX, id int64, reason string, at time.Time) error {
	res, err := q.ExecContext(ctx,
		`UPDATE accounts SET paused_at = ?, pause_reason = ? WHERE id = ?`,
		fmtTime(at), reason, id)
	if err != nil {
		return wrap("pause account", err)
	}
	return requireRow(res, "pause account")
}

// ResumeAccount clears an account's pause.
func ResumeAccount(ctx context.Context, q DBTX, id int64) error {
	res, err := q.ExecContext(ctx,
		`UPDATE accounts SET paused_at = NULL, pause_reason = '' WHERE id = ?`, id)
	if err != nil {
		return wrap("resume account", err)
	}
	return requireRow(res, "resume account")
}

// UpdateAccountSession replaces the stored session ciphertext.
func UpdateAccountSession(ctx context.Context, q DBTX, id int64, sessionEnc []byte) error {
	res, err := q.ExecContext(ctx,
		`UPDATE accounts SET session_enc = ? WHERE id = ?`, sessionEnc, id)
	if err != nil {
		return wrap("update account session", err)
	}
	return requireRow(res, "update account session")
}

// UpdateAccountCiphertexts replaces both credential ciphertexts and the key
// version in one statement. Key rotation re-wraps rows through it.
func UpdateAccountCiphertexts(ctx context.Context, q DBTX, id int64, apiHashEnc, sessionEnc []byte, keyVersion int) error {
	res, err := q.ExecContext(ctx,
		`UPDATE accounts SET api_hash_enc = ?, session_enc = ?, key_version = ? WHERE id = ?`,
		apiHashEnc, sessionEnc, keyVersion, id)
	if err != nil {
		return wrap("update account ciphertexts", err)
	}
	return requireRow(res, "update account ciphertexts")
}

// requireRow converts a zero-row UPDATE or DELETE into ErrNotFound.
func requireRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrap(op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}
	return nil
}

package telegram

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/gotd/td/session"

	"github.com/tgfeed/tca/internal/repo"
	"github.com/tgfeed/tca/internal/secrets"
	"github.com/tgfeed/tca/internal/storage"
)

// sessionStore adapts the encrypted session column of one account row to
// gotd's session.Storage. Loads decrypt through the keyring; stores seal
// under the current key version and land through the writer queue, so
// session refreshes never race other writes.
type sessionStore struct {
	accountID int64
	store     *storage.Store
	writer    *storage.WriterQueue
	keys      *secrets.Keyring
}

var _ session.Storage = (*sessionStore)(nil)

func (s *sessionStore) LoadSession(ctx context.Context) ([]byte, error) {
	acct, err := repo.GetAccount(ctx, s.store.Read(), s.accountID)
	if err != nil {
		return nil, fmt.Errorf("load session for account %d: %w", s.accountID, err)
	}
	if len(acct.SessionEnc) == 0 {
		return nil, session.ErrNotFound
	}
	plain, err := s.keys.Decrypt(acct.SessionEnc)
	if err != nil {
		return nil, fmt.Errorf("decrypt session for account %d: %w", s.accountID, err)
	}
	return plain, nil
}

func (s *sessionStore) StoreSession(ctx context.Context, data []byte) error {
	enc, err := s.keys.Encrypt(data)
	if err != nil {
		return fmt.Errorf("encrypt session for account %d: %w", s.accountID, err)
	}
	return s.writer.Submit(ctx, func(tx *sql.Tx) error {
		return repo.UpdateAccountSession(ctx, tx, s.accountID, enc)
	})
}

package telegram

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/tgfeed/tca/internal/logging"
	"github.com/tgfeed/tca/internal/repo"
	"github.com/tgfeed/tca/internal/secrets"
	"github.com/tgfeed/tca/internal/storage"
	"github.com/tgfeed/tca/internal/upstream"
)

// defaultConnectTimeout bounds the whole connect-with-retries sequence for
// one account.
const defaultConnectTimeout = 45 * time.Second

// ManagerOptions tune a Manager. The zero value gives production behavior.
type ManagerOptions struct {
	ConnectTimeout time.Duration
	Log            *zerolog.Logger
}

// Manager hands out one connected client per account, building and caching
// them on demand. It is the production ClientSource behind the ingest
// workers; CloseAll runs during shutdown after the workers stop.
type Manager struct {
	store   *storage.Store
	writer  *storage.WriterQueue
	keys    *secrets.Keyring
	timeout time.Duration
	log     zerolog.Logger

	mu      sync.Mutex
	entries map[int64]*entry
}

// entry serializes connect attempts per account so two workers polling
// channels of the same account share a single connection.
type entry struct {
	mu     sync.Mutex
	client *Client
}

// NewManager builds a manager over the shared store, writer, and unlocked
// keyring.
func NewManager(st *storage.Store, w *storage.WriterQueue, keys *secrets.Keyring, opts ManagerOptions) *Manager {
	m := &Manager{
		store:   st,
		writer:  w,
		keys:    keys,
		timeout: opts.ConnectTimeout,
		log:     logging.WithComponent("telegram"),
		entries: make(map[int64]*entry),
	}
	if m.timeout <= 0 {
		m.timeout = defaultConnectTimeout
	}
	if opts.Log != nil {
		m.log = *opts.Log
	}
	return m
}

// ClientFor returns a connected client for the account, reusing the cached
// one when its connection is still up. Credential decryption requires the
// keyring to be unlocked.
func (m *Manager) ClientFor(ctx context.Context, accountID int64) (upstream.Client, error) {
	m.mu.Lock()
	e, ok := m.entries[accountID]
	if !ok {
		e = &entry{}
		m.entries[accountID] = e
	}
	m.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil && e.client.IsConnected() {
		return e.client, nil
	}

	client := e.client
	if client == nil {
		built, err := m.build(ctx, accountID)
		if err != nil {
			return nil, err
		}
		client = built
	}
	if err := m.connect(ctx, client); err != nil {
		return nil, err
	}
	e.client = client
	return client, nil
}

// build loads the account row and assembles an unconnected client from its
// decrypted credentials.
func (m *Manager) build(ctx context.Context, accountID int64) (*Client, error) {
	acct, err := repo.GetAccount(ctx, m.store.Read(), accountID)
	if err != nil {
		return nil, err
	}
	apiHash, err := m.keys.Decrypt(acct.APIHashEnc)
	if err != nil {
		return nil, fmt.Errorf("decrypt api hash for account %d: %w", accountID, err)
	}
	return New(accountID, acct.APIID, string(apiHash), Options{
		Session: &sessionStore{
			accountID: accountID,
			store:     m.store,
			writer:    m.writer,
			keys:      m.keys,
		},
		Log: &m.log,
	}), nil
}

// connect dials with exponential backoff. Classified failures are permanent:
// retrying a banned phone or a dead session only burns the risk budget, and
// flood waits are the pipeline's to honor, not ours to sit out.
func (m *Manager) connect(ctx context.Context, client *Client) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxElapsedTime = m.timeout
	return backoff.Retry(func() error {
		err := client.Connect(ctx)
		if err == nil {
			return nil
		}
		if _, classified := upstream.KindOf(err); classified {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
}

// CloseAll disconnects every cached client. Close failures are logged and
// the first one is returned; later clients still get closed.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[int64]*entry)
	m.mu.Unlock()

	var firstErr error
	for id, e := range entries {
		e.mu.Lock()
		client := e.client
		e.client = nil
		e.mu.Unlock()
		if client == nil {
			continue
		}
		if err := client.Close(ctx); err != nil {
			m.log.Warn().Err(err).Int64("account_id", id).Msg("client close failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

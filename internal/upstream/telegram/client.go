// Package telegram backs the upstream contract with the real MTProto API
// via gotd. One Client wraps one authenticated account connection: gotd's
// run loop is confined to a managed goroutine, session bytes round-trip
// through the encrypted account row, and RPC failures are classified into
// the kinds the engine core reacts to.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tdclient "github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"github.com/rs/zerolog"

	"github.com/tgfeed/tca/internal/logging"
	"github.com/tgfeed/tca/internal/upstream"
)

// historyPageMax is the hard per-request cap of messages.getHistory.
// FetchMessages pages internally so callers may ask for more.
const historyPageMax = 100

var errNotConnected = errors.New("telegram: client not connected")

// Options tune a Client. Session is required; everything else defaults.
type Options struct {
	Session tdclient.SessionStorage
	Log     *zerolog.Logger
}

// Client is one gotd-backed upstream connection. The zero value is not
// usable; construct with New. All methods are safe for concurrent use.
type Client struct {
	accountID int64
	apiID     int
	apiHash   string
	session   tdclient.SessionStorage
	log       zerolog.Logger

	mu        sync.Mutex
	api       *tg.Client
	authc     *auth.Client
	cancel    context.CancelFunc
	done      chan struct{}
	runErr    error
	connected atomic.Bool
}

var _ upstream.Client = (*Client)(nil)

// New builds a client for one account's credentials. The session storage
// holds the MTProto auth key between runs; pass a fresh store for accounts
// that have never signed in.
func New(accountID, apiID int64, apiHash string, opts Options) *Client {
	c := &Client{
		accountID: accountID,
		apiID:     int(apiID),
		apiHash:   apiHash,
		session:   opts.Session,
		log:       logging.WithComponent("telegram"),
	}
	if opts.Log != nil {
		c.log = *opts.Log
	}
	c.log = c.log.With().Int64("account_id", accountID).Logger()
	return c
}

// Connect starts gotd's run loop in a background goroutine and blocks until
// the connection is usable, the run loop fails, or ctx expires. Connecting
// an already-connected client is a no-op. The connection outlives ctx; it
// ends at Close or on a transport-fatal run error.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected.Load() {
		return nil
	}

	client := tdclient.NewClient(c.apiID, c.apiHash, tdclient.Options{
		SessionStorage: c.session,
		NoUpdates:      true,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan struct{})

	go func() {
		err := client.Run(runCtx, func(cb context.Context) error {
			close(ready)
			<-cb.Done()
			return cb.Err()
		})
		c.connected.Store(false)
		c.runErr = err
		if err != nil && !errors.Is(err, context.Canceled) {
			c.log.Warn().Err(err).Msg("connection ended")
		}
		close(done)
	}()

	select {
	case <-ready:
		c.api = client.API()
		c.authc = client.Auth()
		c.cancel = cancel
		c.done = done
		c.connected.Store(true)
		c.log.Debug().Msg("connected")
		return nil
	case <-done:
		cancel()
		return classify(c.runErr)
	case <-ctx.Done():
		cancel()
		<-done
		return ctx.Err()
	}
}

// Close stops the run loop and waits for it to unwind, bounded by ctx.
// Closing a never-connected client is a no-op.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil {
		return nil
	}
	c.cancel()
	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.cancel = nil
	c.api = nil
	c.authc = nil
	c.connected.Store(false)
	if c.runErr != nil && !errors.Is(c.runErr, context.Canceled) {
		return classify(c.runErr)
	}
	return nil
}

// IsConnected reports whether the run loop is up. It flips false on its own
// when the connection dies, so cached clients can be probed cheaply.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) apiClient() (*tg.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api == nil || !c.connected.Load() {
		return nil, errNotConnected
	}
	return c.api, nil
}

func (c *Client) authClient() (*auth.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.authc == nil || !c.connected.Load() {
		return nil, errNotConnected
	}
	return c.authc, nil
}

// SendCode starts the phone-code flow and returns the hash SignIn must echo.
func (c *Client) SendCode(ctx context.Context, phone string) (string, error) {
	authc, err := c.authClient()
	if err != nil {
		return "", err
	}
	sent, err := authc.SendCode(ctx, phone, auth.SendCodeOptions{})
	if err != nil {
		return "", classify(err)
	}
	code, ok := sent.(*tg.AuthSentCode)
	if !ok {
		return "", fmt.Errorf("telegram: unexpected sent-code response %T", sent)
	}
	return code.PhoneCodeHash, nil
}

// SignIn completes the auth flow. When the account has a cloud password and
// none was given, the returned error carries the password-needed kind so the
// caller can re-prompt.
func (c *Client) SignIn(ctx context.Context, phone, code, codeHash, password string) error {
	authc, err := c.authClient()
	if err != nil {
		return err
	}
	_, err = authc.SignIn(ctx, phone, code, codeHash)
	if errors.Is(err, auth.ErrPasswordAuthNeeded) {
		if password == "" {
			return classify(err)
		}
		if _, err := authc.Password(ctx, password); err != nil {
			return classify(err)
		}
		return nil
	}
	if err != nil {
		return classify(err)
	}
	return nil
}

// FetchMessages returns channel history strictly after req.OffsetID in
// ascending id order. The MTProto page cap is smaller than the engine's page
// budget, so this fetches in api-sized slices until req.Limit is met or the
// channel has nothing newer.
func (c *Client) FetchMessages(ctx context.Context, req upstream.FetchRequest) (*upstream.FetchResult, error) {
	api, err := c.apiClient()
	if err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = historyPageMax
	}

	peer := &tg.InputPeerChannel{ChannelID: req.ChannelID, AccessHash: req.AccessHash}
	out := make([]upstream.Message, 0, limit)
	offset := req.OffsetID

	for len(out) < limit {
		batch := limit - len(out)
		if batch > historyPageMax {
			batch = historyPageMax
		}
		// Anchoring at the cursor and shifting the window forward by the
		// batch size walks history oldest-first; MinID re-excludes the
		// anchor itself.
		hist, err := api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
			Peer:      peer,
			OffsetID:  int(offset),
			AddOffset: -batch,
			Limit:     batch,
			MinID:     int(offset),
		})
		if err != nil {
			return nil, classify(err)
		}
		page := collectMessages(historyMessages(hist), offset)
		if len(page) == 0 {
			break
		}
		out = append(out, page...)
		offset = page[len(page)-1].ID
		if len(page) < batch {
			break
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return &upstream.FetchResult{Messages: out}, nil
}

// ResolveChannel resolves a public @username to channel identity.
func (c *Client) ResolveChannel(ctx context.Context, username string) (*upstream.ChannelInfo, error) {
	api, err := c.apiClient()
	if err != nil {
		return nil, err
	}
	name := strings.TrimPrefix(strings.TrimSpace(username), "@")
	if name == "" {
		return nil, fmt.Errorf("telegram: empty username")
	}
	res, err := api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: name})
	if err != nil {
		return nil, classify(err)
	}
	for _, chat := range res.Chats {
		ch, ok := chat.(*tg.Channel)
		if !ok {
			continue
		}
		hash, _ := ch.GetAccessHash()
		return &upstream.ChannelInfo{
			TGChannelID: ch.ID,
			AccessHash:  hash,
			Title:       ch.Title,
			Username:    ch.Username,
		}, nil
	}
	return nil, fmt.Errorf("telegram: %q does not resolve to a channel", name)
}

// historyMessages unpacks the message list from any getHistory result class.
func historyMessages(hist tg.MessagesMessagesClass) []tg.MessageClass {
	switch v := hist.(type) {
	case *tg.MessagesChannelMessages:
		return v.Messages
	case *tg.MessagesMessagesSlice:
		return v.Messages
	case *tg.MessagesMessages:
		return v.Messages
	default:
		return nil
	}
}

// collectMessages converts a raw history page into ascending upstream
// messages past the cursor. Service messages and holes carry no post content
// and are skipped.
func collectMessages(raw []tg.MessageClass, after int64) []upstream.Message {
	out := make([]upstream.Message, 0, len(raw))
	for _, mc := range raw {
		m, ok := mc.(*tg.Message)
		if !ok {
			continue
		}
		if int64(m.ID) <= after {
			continue
		}
		out = append(out, upstream.Message{
			ID:   int64(m.ID),
			Date: time.Unix(int64(m.Date), 0).UTC(),
			Text: m.Message,
			Raw:  rawDocument(m),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// rawDocument serializes the audit-relevant slice of a fetched message.
type rawDoc struct {
	ID         int    `json:"id"`
	Date       int    `json:"date"`
	EditDate   int    `json:"edit_date,omitempty"`
	Message    string `json:"message"`
	Views      int    `json:"views,omitempty"`
	Forwards   int    `json:"forwards,omitempty"`
	PostAuthor string `json:"post_author,omitempty"`
	GroupedID  int64  `json:"grouped_id,omitempty"`
}

func rawDocument(m *tg.Message) string {
	doc := rawDoc{
		ID:         m.ID,
		Date:       m.Date,
		EditDate:   m.EditDate,
		Message:    m.Message,
		Views:      m.Views,
		Forwards:   m.Forwards,
		PostAuthor: m.PostAuthor,
		GroupedID:  m.GroupedID,
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return ""
	}
	return string(b)
}

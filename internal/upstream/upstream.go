// Package upstream defines the client contract against the upstream message
// source. The engine core talks only to this interface; the gotd-backed
// adapter lives in upstream/telegram and a scripted in-memory fake backs
// the tests.
package upstream

import (
	"context"
	"time"
)

// Message is one channel post as fetched, before normalization.
type Message struct {
	ID   int64
	Date time.Time
	Text string

	// Raw is the fetched payload serialized for audit storage. Adapters
	// without a richer form leave it empty and the pipeline synthesizes a
	// minimal document from the fields above.
	Raw string
}

// FetchRequest identifies one page of channel history.
type FetchRequest struct {
	ChannelID  int64
	AccessHash int64
	// OffsetID is the cursor: only messages with a strictly greater id
	// are returned.
	OffsetID int64
	Limit    int
}

// FetchResult is one fetched page, messages in ascending id order.
type FetchResult struct {
	Messages []Message
}

// ChannelInfo describes a resolved channel.
type ChannelInfo struct {
	TGChannelID int64
	AccessHash  int64
	Title       string
	Username    string
}

// Client is one authenticated upstream connection. Implementations classify
// transport failures as *Error values so callers can react by kind.
type Client interface {
	// Connect establishes the connection and blocks until it is usable.
	Connect(ctx context.Context) error
	// Close tears the connection down. Safe on a never-connected client.
	Close(ctx context.Context) error
	IsConnected() bool

	// SendCode starts phone-code auth and returns the hash the following
	// SignIn must echo.
	SendCode(ctx context.Context, phone string) (codeHash string, err error)
	// SignIn completes auth. Password is the optional second factor and
	// may be empty when the account has none.
	SignIn(ctx context.Context, phone, code, codeHash, password string) error

	// FetchMessages returns channel history strictly after req.OffsetID,
	// ascending, at most req.Limit messages.
	FetchMessages(ctx context.Context, req FetchRequest) (*FetchResult, error)
	// ResolveChannel resolves a public username to channel identity.
	ResolveChannel(ctx context.Context, username string) (*ChannelInfo, error)
}

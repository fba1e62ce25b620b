// Package types defines the core data structures of the tca aggregation engine.
package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Account is an upstream Telegram account whose credentials the engine holds.
// APIHashEnc and SessionEnc are envelope ciphertext; plaintext credential
// material never touches the store.
type Account struct {
	ID          int64      `json:"id"`
	APIID       int64      `json:"api_id"`
	APIHashEnc  []byte     `json:"-"`
	SessionEnc  []byte     `json:"-"`
	KeyVersion  int        `json:"key_version"`
	PausedAt    *time.Time `json:"paused_at,omitempty"`
	PauseReason string     `json:"pause_reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Paused reports whether the account is currently paused. Pauses are cleared
// only by an explicit resume.
func (a *Account) Paused() bool {
	return a.PausedAt != nil
}

// PauseReasonRisk marks an account paused by the risk-event escalation path.
const PauseReasonRisk = "account-risk"

// Channel is one upstream channel the scheduler may poll.
type Channel struct {
	ID          int64     `json:"id"`
	AccountID   int64     `json:"account_id"`
	TGChannelID int64     `json:"tg_channel_id"`
	AccessHash  *int64    `json:"access_hash,omitempty"`
	Name        string    `json:"name"`
	Username    string    `json:"username,omitempty"`
	IsEnabled   bool      `json:"is_enabled"`
	CreatedAt   time.Time `json:"created_at"`
}

// Validate checks the channel's field values before persistence.
func (c *Channel) Validate() error {
	if c.AccountID <= 0 {
		return fmt.Errorf("account_id is required")
	}
	if c.TGChannelID == 0 {
		return fmt.Errorf("tg_channel_id is required")
	}
	if len(c.Name) == 0 {
		return fmt.Errorf("name is required")
	}
	if len(c.Name) > 255 {
		return fmt.Errorf("name must be 255 characters or less (got %d)", len(c.Name))
	}
	return nil
}

// Cursor is the per-channel progress marker in the upstream stream. The zero
// value means "never polled".
type Cursor struct {
	LastMessageID *int64     `json:"last_message_id"`
	NextOffsetID  *int64     `json:"next_offset_id"`
	LastPolledAt  *time.Time `json:"last_polled_at"`
}

// cursorWire is the stored JSON shape. LastPolledAt travels as a string so
// naïve timestamps (no zone suffix) can be interpreted as UTC on read.
type cursorWire struct {
	LastMessageID *int64  `json:"last_message_id"`
	NextOffsetID  *int64  `json:"next_offset_id"`
	LastPolledAt  *string `json:"last_polled_at"`
}

// ParseCursor decodes a stored cursor document. Unknown fields are rejected;
// a timestamp without zone information is treated as UTC.
func ParseCursor(raw string) (Cursor, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()
	var w cursorWire
	if err := dec.Decode(&w); err != nil {
		return Cursor{}, fmt.Errorf("cursor: %w", err)
	}
	c := Cursor{LastMessageID: w.LastMessageID, NextOffsetID: w.NextOffsetID}
	if w.LastPolledAt != nil {
		t, err := ParseUTC(*w.LastPolledAt)
		if err != nil {
			return Cursor{}, fmt.Errorf("cursor: last_polled_at: %w", err)
		}
		c.LastPolledAt = &t
	}
	return c, nil
}

// Encode serializes the cursor for storage.
func (c Cursor) Encode() (string, error) {
	w := cursorWire{LastMessageID: c.LastMessageID, NextOffsetID: c.NextOffsetID}
	if c.LastPolledAt != nil {
		s := c.LastPolledAt.UTC().Format(time.RFC3339Nano)
		w.LastPolledAt = &s
	}
	b, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("cursor: %w", err)
	}
	return string(b), nil
}

// timeLayouts lists the accepted stored-timestamp shapes, zoned first.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999", // naïve, treated as UTC
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// ParseUTC parses a stored timestamp. Values without zone information are
// interpreted as UTC rather than local time.
func ParseUTC(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// ChannelState tracks polling progress and pause state for one channel.
type ChannelState struct {
	ChannelID     int64      `json:"channel_id"`
	Cursor        Cursor     `json:"cursor"`
	PausedUntil   *time.Time `json:"paused_until,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// PausedAt reports whether the channel is paused at the given instant.
func (s *ChannelState) PausedAt(now time.Time) bool {
	return s.PausedUntil != nil && s.PausedUntil.After(now)
}

// Group is a named set of channels sharing an optional dedupe-horizon
// override. A channel belongs to at most one group.
type Group struct {
	ID                   int64     `json:"id"`
	Name                 string    `json:"name"`
	Description          string    `json:"description,omitempty"`
	DedupeHorizonMinutes *int      `json:"dedupe_horizon_minutes,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
}

// Validate checks the group's field values before persistence.
func (g *Group) Validate() error {
	if len(g.Name) == 0 {
		return fmt.Errorf("name is required")
	}
	if g.DedupeHorizonMinutes != nil && *g.DedupeHorizonMinutes <= 0 {
		return fmt.Errorf("dedupe_horizon_minutes must be positive (got %d)", *g.DedupeHorizonMinutes)
	}
	return nil
}

// RawMessage is one upstream message payload exactly as fetched.
type RawMessage struct {
	ID          int64     `json:"id"`
	ChannelID   int64     `json:"channel_id"`
	TGMessageID int64     `json:"tg_message_id"`
	Payload     string    `json:"payload"`
	CreatedAt   time.Time `json:"created_at"`
}

// DedupeState tracks an item's progress through the dedupe engine.
type DedupeState string

// Dedupe state constants.
const (
	DedupePending DedupeState = "pending"
	DedupeDone    DedupeState = "deduped"
	DedupeFailed  DedupeState = "failed"
)

// IsValid checks if the dedupe state is one of the known values.
func (s DedupeState) IsValid() bool {
	switch s {
	case DedupePending, DedupeDone, DedupeFailed:
		return true
	}
	return false
}

// Item is a normalized unit of upstream content. Empty-string text fields
// mean "absent"; hashes are lowercase hex.
type Item struct {
	ID               int64       `json:"id"`
	ChannelID        int64       `json:"channel_id"`
	TGMessageID      int64       `json:"tg_message_id"`
	RawMessageID     *int64      `json:"raw_message_id,omitempty"`
	PublishedAt      *time.Time  `json:"published_at,omitempty"`
	Title            string      `json:"title,omitempty"`
	Body             string      `json:"body,omitempty"`
	CanonicalURL     string      `json:"canonical_url,omitempty"`
	CanonicalURLHash string      `json:"canonical_url_hash,omitempty"`
	CanonicalDomain  string      `json:"canonical_url_domain,omitempty"`
	ContentHash      string      `json:"content_hash,omitempty"`
	DedupeState      DedupeState `json:"dedupe_state"`
	CreatedAt        time.Time   `json:"created_at"`
}

// ContentLength is the representative-selection length metric: the rune
// count of title plus body.
func (i *Item) ContentLength() int {
	return len([]rune(i.Title)) + len([]rune(i.Body))
}

// Cluster is a set of items deemed duplicates of one another. The
// representative is recomputed after every membership change and is null
// only while the cluster is empty.
type Cluster struct {
	ID                   int64     `json:"id"`
	ClusterKey           string    `json:"cluster_key"`
	RepresentativeItemID *int64    `json:"representative_item_id,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
}

// Decision is one append-only explainability record for a strategy attempt.
// Rows are never updated; retention prune removes rows whose subjects are
// gone.
type Decision struct {
	ID              int64     `json:"id"`
	ItemID          int64     `json:"item_id"`
	ClusterID       *int64    `json:"cluster_id,omitempty"`
	CandidateItemID *int64    `json:"candidate_item_id,omitempty"`
	StrategyName    string    `json:"strategy_name"`
	Outcome         string    `json:"outcome"`
	ReasonCode      string    `json:"reason_code,omitempty"`
	Score           *float64  `json:"score,omitempty"`
	Metadata        string    `json:"metadata,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Setting is one dynamic configuration row. Value is a JSON document; the
// settings package owns decoding and type checks.
type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Severity grades operator notifications.
type Severity string

// Notification severity constants.
const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// IsValid checks if the severity is one of the known values.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return true
	}
	return false
}

// Notification is an operator-visible event. Acknowledgement is idempotent:
// repeated acks return the original acknowledged_at.
type Notification struct {
	ID             int64      `json:"id"`
	Type           string     `json:"type"`
	Severity       Severity   `json:"severity"`
	Message        string     `json:"message"`
	Payload        string     `json:"payload,omitempty"`
	IsAcknowledged bool       `json:"is_acknowledged"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Notification type constants used by the core.
const (
	NotifyFloodWait    = "ingest.flood_wait"
	NotifyAccountRisk  = "ingest.account_risk"
	NotifyBackupFailed = "ops.backup_failed"
)

// IngestStage names the pipeline stage an ingest error was captured in.
type IngestStage string

// Ingest stage constants.
const (
	StageFetch     IngestStage = "fetch"
	StageNormalize IngestStage = "normalize"
	StageDedupe    IngestStage = "dedupe"
	StageAuth      IngestStage = "auth"
)

// IsValid checks if the stage is one of the known values.
func (s IngestStage) IsValid() bool {
	switch s {
	case StageFetch, StageNormalize, StageDedupe, StageAuth:
		return true
	}
	return false
}

// IngestError is one captured ingest failure.
type IngestError struct {
	ID           int64       `json:"id"`
	ChannelID    *int64      `json:"channel_id,omitempty"`
	Stage        IngestStage `json:"stage"`
	ErrorCode    string      `json:"error_code"`
	ErrorMessage string      `json:"error_message"`
	PayloadRef   string      `json:"payload_ref,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// PollJob instructs the ingest pipeline to fetch one channel. The
// correlation id tags one scheduler tick's intent end to end.
type PollJob struct {
	ID            int64     `json:"id"`
	ChannelID     int64     `json:"channel_id"`
	CorrelationID string    `json:"correlation_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// AuthStatus is the state of one interactive login exchange.
type AuthStatus string

// Auth session status constants.
const (
	AuthCodeSent       AuthStatus = "code_sent"
	AuthPasswordNeeded AuthStatus = "password_needed"
	AuthAuthorized     AuthStatus = "authorized"
	AuthFailed         AuthStatus = "failed"
)

// IsValid checks if the auth status is one of the known values.
func (s AuthStatus) IsValid() bool {
	switch s {
	case AuthCodeSent, AuthPasswordNeeded, AuthAuthorized, AuthFailed:
		return true
	}
	return false
}

// AuthSession is transient login-flow state. Expired rows are never
// returned by lookups.
type AuthSession struct {
	SessionID          string     `json:"session_id"`
	PhoneNumber        string     `json:"phone_number"`
	Status             AuthStatus `json:"status"`
	CodeHash           string     `json:"code_hash,omitempty"`
	ExpiresAt          time.Time  `json:"expires_at"`
	UpstreamSessionEnc []byte     `json:"-"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Expired reports whether the session is past its expiry at the given instant.
func (s *AuthSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// KeyRotationState is the singleton progress row for a KEK rotation run.
// A crashed rotation resumes from LastRotatedAccountID+1.
type KeyRotationState struct {
	TargetKeyVersion     int        `json:"target_key_version"`
	LastRotatedAccountID int64      `json:"last_rotated_account_id"`
	StartedAt            time.Time  `json:"started_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
}

// ThreadEntry is one row of the merged timeline: a cluster together with its
// representative item and member count.
type ThreadEntry struct {
	Cluster        Cluster `json:"cluster"`
	Representative Item    `json:"representative"`
	MemberCount    int     `json:"member_count"`
}

package telegram

import (
	"errors"
	"time"

	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tgerr"

	"github.com/tgfeed/tca/internal/upstream"
)

// classify wraps a transport failure in an *upstream.Error when the RPC code
// maps onto a kind the engine reacts to. Unrecognized errors pass through
// untouched so transient transport noise never counts as account risk.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if wait, ok := tgerr.AsFloodWait(err); ok {
		return &upstream.Error{
			Kind:        upstream.KindFloodWait,
			WaitSeconds: int(wait / time.Second),
			Err:         err,
		}
	}
	if errors.Is(err, auth.ErrPasswordAuthNeeded) {
		return &upstream.Error{Kind: upstream.KindPasswordNeeded, Err: err}
	}
	if kind, ok := kindOfRPC(err); ok {
		return &upstream.Error{Kind: kind, Err: err}
	}
	return err
}

// kindOfRPC maps Telegram RPC error types to upstream kinds.
func kindOfRPC(err error) (upstream.Kind, bool) {
	rpc, ok := tgerr.As(err)
	if !ok {
		return "", false
	}
	switch rpc.Type {
	case "PHONE_NUMBER_BANNED":
		return upstream.KindPhoneBanned, true
	case "PHONE_CODE_INVALID", "PHONE_CODE_EXPIRED", "PHONE_CODE_EMPTY":
		return upstream.KindCodeInvalid, true
	case "SESSION_PASSWORD_NEEDED":
		return upstream.KindPasswordNeeded, true
	case "PASSWORD_HASH_INVALID", "SRP_PASSWORD_CHANGED", "SRP_ID_INVALID":
		return upstream.KindPasswordInvalid, true
	case "AUTH_KEY_UNREGISTERED", "AUTH_KEY_INVALID", "SESSION_REVOKED",
		"SESSION_EXPIRED", "USER_DEACTIVATED", "USER_DEACTIVATED_BAN":
		return upstream.KindSessionExpired, true
	case "AUTH_KEY_DUPLICATED":
		return upstream.KindSessionReplayed, true
	case "API_ID_INVALID", "API_ID_PUBLISHED_FLOOD", "PHONE_NUMBER_INVALID":
		return upstream.KindInvalidCredentials, true
	}
	return "", false
}

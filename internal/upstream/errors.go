package upstream

import (
	"errors"
	"fmt"
)

// Kind classifies an upstream failure into the categories the engine
// reacts to.
type Kind string

// Failure kinds.
const (
	KindFloodWait          Kind = "flood-wait"
	KindInvalidCredentials Kind = "invalid-credentials"
	KindPhoneBanned        Kind = "phone-banned"
	KindCodeInvalid        Kind = "code-invalid"
	KindPasswordNeeded     Kind = "password-needed"
	KindPasswordInvalid    Kind = "password-invalid"
	KindSessionExpired     Kind = "session-expired"
	KindSessionReplayed    Kind = "session-replayed"
)

// Risk reports whether failures of this kind count toward the account risk
// window. Risk kinds signal the account itself is in danger rather than a
// transient transport problem.
func (k Kind) Risk() bool {
	switch k {
	case KindInvalidCredentials, KindPhoneBanned, KindSessionExpired, KindSessionReplayed:
		return true
	}
	return false
}

// Error is a classified upstream failure. WaitSeconds is set only for
// flood-wait.
type Error struct {
	Kind        Kind
	WaitSeconds int
	Err         error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Kind == KindFloodWait {
		msg = fmt.Sprintf("%s (%ds)", e.Kind, e.WaitSeconds)
	}
	if e.Err != nil {
		return fmt.Sprintf("upstream: %s: %v", msg, e.Err)
	}
	return "upstream: " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the failure kind from an error chain. The second return
// is false when the chain carries no upstream classification.
func KindOf(err error) (Kind, bool) {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind, true
	}
	return "", false
}

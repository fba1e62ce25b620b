package secrets

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tgfeed/tca/internal/repo"
	"github.com/tgfeed/tca/internal/settings"
	"github.com/tgfeed/tca/internal/storage"
	"github.com/tgfeed/tca/internal/types"
)

// ErrWrongPassphrase indicates a passphrase whose derived KEK does not match
// the stored check hash.
var ErrWrongPassphrase = errors.New("wrong passphrase")

// ErrRotationPending indicates an unlock attempted with the new passphrase
// while an interrupted rotation has not finished rewrapping rows.
var ErrRotationPending = errors.New("key rotation in progress")

const rotationBatchSize = 100

// Manager ties the keyring to the store: it establishes or verifies the
// KEK salt and check rows at unlock, provisions the bootstrap token, and
// drives key rotation.
type Manager struct {
	keyring  *Keyring
	settings *settings.Store
	writer   *storage.WriterQueue
	read     *sql.DB
	log      zerolog.Logger
}

func NewManager(st *storage.Store, w *storage.WriterQueue, set *settings.Store, log *zerolog.Logger) *Manager {
	l := zerolog.Nop()
	if log != nil {
		l = *log
	}
	return &Manager{
		keyring:  NewKeyring(),
		settings: set,
		writer:   w,
		read:     st.Read(),
		log:      l,
	}
}

func (m *Manager) Keyring() *Keyring { return m.keyring }

// Zeroize wipes every unlocked KEK. Runs at shutdown before the store closes.
func (m *Manager) Zeroize() { m.keyring.Zeroize() }

// CurrentKeyVersion reports the KEK version new envelopes are sealed under:
// the target of the last completed rotation, or 1 when no rotation ever ran.
// An in-flight rotation does not advance the current version until it
// completes.
func (m *Manager) CurrentKeyVersion(ctx context.Context) (uint32, error) {
	st, err := repo.GetRotationState(ctx, m.read)
	if errors.Is(err, storage.ErrNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	if st.CompletedAt != nil {
		return uint32(st.TargetKeyVersion), nil
	}
	return uint32(st.TargetKeyVersion) - 1, nil
}

// UnlockWithPassphrase derives the KEK and loads it into the keyring. The
// first unlock of a fresh store establishes the salt and check rows; later
// unlocks verify the check hash and fail with ErrWrongPassphrase on
// mismatch, before any ciphertext is touched.
func (m *Manager) UnlockWithPassphrase(ctx context.Context, passphrase string) error {
	if passphrase == "" {
		return errors.New("unlock: passphrase is empty")
	}
	version, err := m.CurrentKeyVersion(ctx)
	if err != nil {
		return fmt.Errorf("unlock: %w", err)
	}

	saltHex, err := m.settings.String(ctx, settings.KeyKEKSalt)
	if errors.Is(err, settings.ErrMissingSeed) {
		return m.establishKEK(ctx, passphrase, version)
	}
	if err != nil {
		return fmt.Errorf("unlock: %w", err)
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return fmt.Errorf("unlock: stored salt is not hex: %w", err)
	}
	check, err := m.settings.String(ctx, settings.KeyKEKCheck)
	if err != nil {
		return fmt.Errorf("unlock: salt present but check missing: %w", err)
	}

	kek := DeriveKEK(passphrase, salt)
	if CheckHash(kek) != check {
		// The passphrase may be the new one from a rotation that never
		// finished. Point the operator at the fix instead of a bare
		// mismatch.
		if m.matchesPendingCheck(ctx, passphrase) {
			return fmt.Errorf("unlock: %w: this is the new passphrase; unlock with the old one and run rotate-key to finish", ErrRotationPending)
		}
		return fmt.Errorf("unlock: %w", ErrWrongPassphrase)
	}
	m.keyring.Unlock(version, kek)
	if m.rotationPending(ctx) {
		m.log.Warn().Msg("key rotation is incomplete; accounts already rewrapped are unreadable until rotate-key finishes")
	}
	m.log.Info().Uint32("key_version", version).Msg("keyring unlocked")
	return nil
}

// UnlockFromSecretFile reads a passphrase from path and unlocks with it.
// Errors name the path so a misconfigured unit file is diagnosable from the
// log alone.
func (m *Manager) UnlockFromSecretFile(ctx context.Context, path string) error {
	passphrase, err := ReadSecretFile(path)
	if err != nil {
		return err
	}
	return m.UnlockWithPassphrase(ctx, passphrase)
}

// ReadSecretFile loads a passphrase from a file, tolerating a trailing
// newline. Missing, unreadable, or empty files are reported with the path.
func ReadSecretFile(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("secret file %s: %w", path, err)
	}
	passphrase := strings.TrimRight(string(raw), "\r\n")
	if passphrase == "" {
		return "", fmt.Errorf("secret file %s is empty", path)
	}
	return passphrase, nil
}

// establishKEK writes the salt and check rows for a fresh store in one
// transaction and unlocks the derived KEK.
func (m *Manager) establishKEK(ctx context.Context, passphrase string, version uint32) error {
	salt, err := NewSalt()
	if err != nil {
		return fmt.Errorf("unlock: %w", err)
	}
	kek := DeriveKEK(passphrase, salt)
	check := CheckHash(kek)
	err = m.writer.Submit(ctx, func(tx *sql.Tx) error {
		if err := repo.CreateSetting(ctx, tx, settings.KeyKEKSalt, strconv.Quote(hex.EncodeToString(salt))); err != nil {
			return err
		}
		return repo.CreateSetting(ctx, tx, settings.KeyKEKCheck, strconv.Quote(check))
	})
	if err != nil {
		return fmt.Errorf("unlock: establish kek: %w", err)
	}
	m.keyring.Unlock(version, kek)
	m.log.Info().Uint32("key_version", version).Msg("kek established")
	return nil
}

func (m *Manager) rotationPending(ctx context.Context) bool {
	st, err := repo.GetRotationState(ctx, m.read)
	return err == nil && st.CompletedAt == nil
}

func (m *Manager) matchesPendingCheck(ctx context.Context, passphrase string) bool {
	if !m.rotationPending(ctx) {
		return false
	}
	saltHex, err := m.settings.String(ctx, settings.KeyKEKSaltNext)
	if err != nil {
		return false
	}
	check, err := m.settings.String(ctx, settings.KeyKEKCheckNext)
	if err != nil {
		return false
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}
	return CheckHash(DeriveKEK(passphrase, salt)) == check
}

// EnsureBootstrapToken provisions the one-time bootstrap token on first
// boot: 32 random bytes, hex-encoded, digest stored in settings, plaintext
// written to tokenFile with 0600. The file write happens inside the writer
// transaction so a failed write rolls the digest row back and the next boot
// retries. Returns true when a token was created on this call.
func (m *Manager) EnsureBootstrapToken(ctx context.Context, tokenFile string) (bool, error) {
	_, err := repo.GetSetting(ctx, m.read, settings.KeyBootstrapDigest)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return false, fmt.Errorf("bootstrap token: %w", err)
	}

	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return false, fmt.Errorf("bootstrap token: generate: %w", err)
	}
	plain := hex.EncodeToString(raw)
	sum := sha256.Sum256([]byte(plain))
	digest := hex.EncodeToString(sum[:])

	err = m.writer.Submit(ctx, func(tx *sql.Tx) error {
		if err := repo.CreateSetting(ctx, tx, settings.KeyBootstrapDigest, strconv.Quote(digest)); err != nil {
			return err
		}
		if err := os.WriteFile(tokenFile, []byte(plain+"\n"), 0o600); err != nil {
			return fmt.Errorf("write token file: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("bootstrap token: %w", err)
	}
	m.log.Info().Str("token_file", tokenFile).Msg("bootstrap token created")
	return true, nil
}

// VerifyBootstrapToken digests a presented token and compares it to the
// stored digest. Comparing digests never exposes the token itself.
func (m *Manager) VerifyBootstrapToken(ctx context.Context, presented string) (bool, error) {
	stored, err := m.settings.String(ctx, settings.KeyBootstrapDigest)
	if errors.Is(err, settings.ErrMissingSeed) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	sum := sha256.Sum256([]byte(presented))
	return hex.EncodeToString(sum[:]) == stored, nil
}

// RotationReport summarizes a completed rotation.
type RotationReport struct {
	TargetVersion   uint32 `json:"target_version"`
	AccountsRotated int    `json:"accounts_rotated"`
	Resumed         bool   `json:"resumed"`
}

// RotateKey rewraps every account's DEKs under a KEK derived from
// newPassphrase. Progress persists per batch, so an interrupted run resumes
// from the last rotated account instead of starting over; the resume must
// present the same new passphrase. The current KEK must already be unlocked.
func (m *Manager) RotateKey(ctx context.Context, newPassphrase string, now func() time.Time) (*RotationReport, error) {
	if newPassphrase == "" {
		return nil, errors.New("rotate key: new passphrase is empty")
	}
	if m.keyring.Locked() {
		return nil, fmt.Errorf("rotate key: %w", ErrLocked)
	}
	current, err := m.CurrentKeyVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("rotate key: %w", err)
	}
	if _, err := m.keyring.kek(current); err != nil {
		return nil, fmt.Errorf("rotate key: current kek: %w", err)
	}
	target := current + 1

	newSalt, newKEK, resumed, err := m.prepareRotation(ctx, newPassphrase, target, now())
	if err != nil {
		return nil, err
	}
	m.keyring.Unlock(target, newKEK)

	report := &RotationReport{TargetVersion: target, Resumed: resumed}
	last := int64(0)
	if resumed {
		st, err := repo.GetRotationState(ctx, m.read)
		if err != nil {
			return nil, fmt.Errorf("rotate key: %w", err)
		}
		last = st.LastRotatedAccountID
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("rotate key: %w", err)
		}
		batch, err := repo.ListAccountsAfter(ctx, m.read, last, rotationBatchSize)
		if err != nil {
			return nil, fmt.Errorf("rotate key: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		rotated, err := m.rotateBatch(ctx, batch, target, now())
		if err != nil {
			return nil, err
		}
		report.AccountsRotated += rotated
		last = batch[len(batch)-1].ID
	}

	err = m.writer.Submit(ctx, func(tx *sql.Tx) error {
		if err := repo.UpsertSetting(ctx, tx, settings.KeyKEKSalt, strconv.Quote(hex.EncodeToString(newSalt))); err != nil {
			return err
		}
		if err := repo.UpsertSetting(ctx, tx, settings.KeyKEKCheck, strconv.Quote(CheckHash(newKEK))); err != nil {
			return err
		}
		for _, key := range []string{settings.KeyKEKSaltNext, settings.KeyKEKCheckNext} {
			if err := repo.DeleteSetting(ctx, tx, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return err
			}
		}
		return repo.CompleteRotation(ctx, tx, now())
	})
	if err != nil {
		return nil, fmt.Errorf("rotate key: complete: %w", err)
	}
	m.log.Info().
		Uint32("key_version", target).
		Int("accounts", report.AccountsRotated).
		Msg("key rotation complete")
	return report, nil
}

// prepareRotation either resumes an interrupted run, verifying the new
// passphrase against the pending check, or starts a fresh one, persisting
// the pending salt and check before any row is rewrapped. Persisting them
// up front is what makes a crashed run resumable: rewrapped rows reference
// a KEK that must stay derivable.
func (m *Manager) prepareRotation(ctx context.Context, newPassphrase string, target uint32, now time.Time) (salt, kek []byte, resumed bool, err error) {
	st, err := repo.GetRotationState(ctx, m.read)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, nil, false, fmt.Errorf("rotate key: %w", err)
	}
	if err == nil && st.CompletedAt == nil && uint32(st.TargetKeyVersion) == target {
		saltHex, err := m.settings.String(ctx, settings.KeyKEKSaltNext)
		if err != nil {
			return nil, nil, false, fmt.Errorf("rotate key: resume: pending salt: %w", err)
		}
		check, err := m.settings.String(ctx, settings.KeyKEKCheckNext)
		if err != nil {
			return nil, nil, false, fmt.Errorf("rotate key: resume: pending check: %w", err)
		}
		salt, err := hex.DecodeString(saltHex)
		if err != nil {
			return nil, nil, false, fmt.Errorf("rotate key: resume: pending salt is not hex: %w", err)
		}
		kek := DeriveKEK(newPassphrase, salt)
		if CheckHash(kek) != check {
			return nil, nil, false, fmt.Errorf("rotate key: resume: %w", ErrWrongPassphrase)
		}
		m.log.Info().
			Uint32("key_version", target).
			Int64("last_rotated_account_id", st.LastRotatedAccountID).
			Msg("resuming interrupted key rotation")
		return salt, kek, true, nil
	}

	salt, err = NewSalt()
	if err != nil {
		return nil, nil, false, fmt.Errorf("rotate key: %w", err)
	}
	kek = DeriveKEK(newPassphrase, salt)
	check := CheckHash(kek)
	err = m.writer.Submit(ctx, func(tx *sql.Tx) error {
		if err := repo.StartRotation(ctx, tx, int(target), now); err != nil {
			return err
		}
		if err := repo.UpsertSetting(ctx, tx, settings.KeyKEKSaltNext, strconv.Quote(hex.EncodeToString(salt))); err != nil {
			return err
		}
		return repo.UpsertSetting(ctx, tx, settings.KeyKEKCheckNext, strconv.Quote(check))
	})
	if err != nil {
		return nil, nil, false, fmt.Errorf("rotate key: start: %w", err)
	}
	return salt, kek, false, nil
}

// rotateBatch rewraps one page of accounts and persists the new ciphertexts
// together with the progress marker in a single transaction. Accounts a
// previous run already moved to the target version pass through untouched.
func (m *Manager) rotateBatch(ctx context.Context, batch []*types.Account, target uint32, now time.Time) (int, error) {
	type update struct {
		id         int64
		apiHashEnc []byte
		sessionEnc []byte
	}
	updates := make([]update, 0, len(batch))
	for _, a := range batch {
		if uint32(a.KeyVersion) == target {
			continue
		}
		apiHashEnc, err := m.keyring.Rewrap(a.APIHashEnc, target)
		if err != nil {
			return 0, fmt.Errorf("rotate key: account %d: api hash: %w", a.ID, err)
		}
		var sessionEnc []byte
		if len(a.SessionEnc) > 0 {
			sessionEnc, err = m.keyring.Rewrap(a.SessionEnc, target)
			if err != nil {
				return 0, fmt.Errorf("rotate key: account %d: session: %w", a.ID, err)
			}
		}
		updates = append(updates, update{id: a.ID, apiHashEnc: apiHashEnc, sessionEnc: sessionEnc})
	}

	lastID := batch[len(batch)-1].ID
	err := m.writer.Submit(ctx, func(tx *sql.Tx) error {
		for _, u := range updates {
			if err := repo.UpdateAccountCiphertexts(ctx, tx, u.id, u.apiHashEnc, u.sessionEnc, int(target)); err != nil {
				return err
			}
		}
		return repo.AdvanceRotation(ctx, tx, lastID, now)
	})
	if err != nil {
		return 0, fmt.Errorf("rotate key: batch through account %d: %w", lastID, err)
	}
	return len(updates), nil
}

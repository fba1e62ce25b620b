package secrets

import (
	"errors"
	"fmt"
	"sync"
)

// ErrLocked indicates that an operation needed a KEK that has not been
// unlocked in this process.
var ErrLocked = errors.New("keyring is locked")

// Keyring holds unlocked KEKs by version. The current version is the highest
// one present; during a rotation both the old and new KEKs are loaded so
// reads keep working while rows are rewrapped.
type Keyring struct {
	mu   sync.RWMutex
	keks map[uint32][]byte
}

func NewKeyring() *Keyring {
	return &Keyring{keks: make(map[uint32][]byte)}
}

// Unlock installs a KEK for version. The keyring owns its copy of the bytes.
func (k *Keyring) Unlock(version uint32, kek []byte) {
	cp := make([]byte, len(kek))
	copy(cp, kek)
	k.mu.Lock()
	k.keks[version] = cp
	k.mu.Unlock()
}

// Locked reports whether no KEK is available.
func (k *Keyring) Locked() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keks) == 0
}

// CurrentVersion returns the highest unlocked KEK version.
func (k *Keyring) CurrentVersion() (uint32, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if len(k.keks) == 0 {
		return 0, ErrLocked
	}
	var max uint32
	for v := range k.keks {
		if v > max {
			max = v
		}
	}
	return max, nil
}

func (k *Keyring) kek(version uint32) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	kek, ok := k.keks[version]
	if !ok {
		return nil, fmt.Errorf("kek version %d not unlocked: %w", version, ErrLocked)
	}
	return kek, nil
}

// Zeroize overwrites every held KEK and empties the keyring. It runs during
// shutdown before the store closes.
func (k *Keyring) Zeroize() {
	k.mu.Lock()
	defer k.mu.Unlock()
	for v, kek := range k.keks {
		for i := range kek {
			kek[i] = 0
		}
		delete(k.keks, v)
	}
}

// Encrypt seals payload under the current KEK version.
func (k *Keyring) Encrypt(payload []byte) ([]byte, error) {
	version, err := k.CurrentVersion()
	if err != nil {
		return nil, err
	}
	kek, err := k.kek(version)
	if err != nil {
		return nil, err
	}
	return seal(kek, version, payload)
}

// EncryptWith seals payload under a specific KEK version.
func (k *Keyring) EncryptWith(version uint32, payload []byte) ([]byte, error) {
	kek, err := k.kek(version)
	if err != nil {
		return nil, err
	}
	return seal(kek, version, payload)
}

// Decrypt opens an envelope with the KEK named in its header.
func (k *Keyring) Decrypt(envelope []byte) ([]byte, error) {
	version, err := envelopeKeyVersion(envelope)
	if err != nil {
		return nil, err
	}
	kek, err := k.kek(version)
	if err != nil {
		return nil, err
	}
	return open(kek, envelope)
}

// Rewrap moves an envelope's DEK under the target KEK version without
// touching the payload ciphertext.
func (k *Keyring) Rewrap(envelope []byte, target uint32) ([]byte, error) {
	from, err := envelopeKeyVersion(envelope)
	if err != nil {
		return nil, err
	}
	if from == target {
		return envelope, nil
	}
	oldKEK, err := k.kek(from)
	if err != nil {
		return nil, err
	}
	newKEK, err := k.kek(target)
	if err != nil {
		return nil, err
	}
	return rewrap(oldKEK, newKEK, target, envelope)
}

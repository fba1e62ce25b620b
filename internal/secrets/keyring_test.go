package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyringLockedByDefault(t *testing.T) {
	kr := NewKeyring()
	assert.True(t, kr.Locked())

	_, err := kr.CurrentVersion()
	assert.ErrorIs(t, err, ErrLocked)
	_, err = kr.Encrypt([]byte("x"))
	assert.ErrorIs(t, err, ErrLocked)
}

func TestKeyringEncryptDecrypt(t *testing.T) {
	kr := NewKeyring()
	kr.Unlock(1, testKEK(t))

	env, err := kr.Encrypt([]byte("credential"))
	require.NoError(t, err)
	got, err := kr.Decrypt(env)
	require.NoError(t, err)
	assert.Equal(t, []byte("credential"), got)
}

func TestKeyringCurrentIsHighestVersion(t *testing.T) {
	kr := NewKeyring()
	kr.Unlock(2, testKEK(t))
	kr.Unlock(1, testKEK(t))

	v, err := kr.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), v)

	env, err := kr.Encrypt([]byte("x"))
	require.NoError(t, err)
	hv, err := envelopeKeyVersion(env)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), hv, "new envelopes are sealed under the current version")
}

func TestKeyringDecryptNeedsHeaderVersion(t *testing.T) {
	sealed := NewKeyring()
	sealed.Unlock(2, testKEK(t))
	env, err := sealed.Encrypt([]byte("x"))
	require.NoError(t, err)

	other := NewKeyring()
	other.Unlock(1, testKEK(t))
	_, err = other.Decrypt(env)
	assert.ErrorIs(t, err, ErrLocked)
}

func TestKeyringOwnsItsCopy(t *testing.T) {
	kr := NewKeyring()
	kek := testKEK(t)
	kr.Unlock(1, kek)

	env, err := kr.Encrypt([]byte("x"))
	require.NoError(t, err)

	// Mutating the caller's slice must not corrupt the keyring.
	for i := range kek {
		kek[i] = 0
	}
	_, err = kr.Decrypt(env)
	require.NoError(t, err)
}

func TestKeyringRewrap(t *testing.T) {
	kr := NewKeyring()
	kr.Unlock(1, testKEK(t))
	env, err := kr.Encrypt([]byte("credential"))
	require.NoError(t, err)

	kr.Unlock(2, testKEK(t))
	moved, err := kr.Rewrap(env, 2)
	require.NoError(t, err)

	v, err := envelopeKeyVersion(moved)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), v)

	got, err := kr.Decrypt(moved)
	require.NoError(t, err)
	assert.Equal(t, []byte("credential"), got)
}

func TestKeyringRewrapSameVersionIsNoop(t *testing.T) {
	kr := NewKeyring()
	kr.Unlock(1, testKEK(t))
	env, err := kr.Encrypt([]byte("x"))
	require.NoError(t, err)

	same, err := kr.Rewrap(env, 1)
	require.NoError(t, err)
	assert.Equal(t, env, same)
}

func TestKeyringZeroize(t *testing.T) {
	kr := NewKeyring()
	kr.Unlock(1, testKEK(t))
	env, err := kr.Encrypt([]byte("x"))
	require.NoError(t, err)

	kr.Zeroize()
	assert.True(t, kr.Locked())
	_, err = kr.Decrypt(env)
	assert.ErrorIs(t, err, ErrLocked)
}

package aptos

import (
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tyler-smith/go-bip39"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func TestNewSignerFromHex(t *testing.T) {
	// RFC 8032 test 1
	seed := testSeed

	for _, input := range []string{seed, "0x" + seed, "ed25519-priv-0x" + seed, "  " + seed + "\n"} {
		signer, err := NewSignerFromHex(input)
		require.NoError(t, err, input)
		assert.Equal(t, "0xd75a980182b10ab7d54bfed3c964073a0ee172f3daa62325af021a68f707511a", signer.PublicKeyHex())
		assert.Len(t, signer.Address(), 66)
	}
}

func TestNewSignerFromHex_Invalid(t *testing.T) {
	for _, input := range []string{"", "0xzz", "0x0102"} {
		_, err := NewSignerFromHex(input)
		require.Error(t, err, input)
		assert.True(t, errors.Is(err, ErrInvalidPrivateKey))
	}
}

func TestSigner_AddressIsAuthKey(t *testing.T) {
	signer, err := NewSignerFromHex(testSeed)
	require.NoError(t, err)

	// A single-key ed25519 account's address is its authentication key.
	authKey := signer.key.AuthKey()
	assert.Equal(t, "0x"+hex.EncodeToString(authKey[:]), signer.Address())
	assert.NotEqual(t, signer.PublicKeyHex(), signer.Address())
}

func TestDeriveSeed_SLIP10Vector(t *testing.T) {
	// SLIP-0010 test vector 1 for ed25519, chain m/0H.
	seed, err := hex.DecodeString("000102030405060708090a0b0c0d0e0f")
	require.NoError(t, err)

	key, err := deriveSeed(seed, "m/0'")
	require.NoError(t, err)
	assert.Equal(t, "68e0fe46dfb67e368c75379acec591dad19df3cde26e63b93a8e704f1dade7a3", hex.EncodeToString(key))
}

func TestNewSignerFromMnemonic(t *testing.T) {
	signer, err := NewSignerFromMnemonic(testMnemonic, "")
	require.NoError(t, err)

	key, err := deriveSeed(bip39.NewSeed(testMnemonic, ""), DefaultDerivationPath)
	require.NoError(t, err)
	expected, err := newSigner(key)
	require.NoError(t, err)
	assert.Equal(t, expected.Address(), signer.Address())

	// Whitespace and case do not change the derived account.
	again, err := NewSignerFromMnemonic("  ABANDON abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about ", "")
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), again.Address())

	other, err := NewSignerFromMnemonic(testMnemonic, "m/44'/637'/1'/0'/0'")
	require.NoError(t, err)
	assert.NotEqual(t, signer.Address(), other.Address())
}

func TestNewSignerFromMnemonic_Invalid(t *testing.T) {
	_, err := NewSignerFromMnemonic("abandon abandon abandon", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidMnemonic))

	_, err = NewSignerFromMnemonic(testMnemonic, "m/44/637")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hardened")

	_, err = NewSignerFromMnemonic(testMnemonic, "44'/637'")
	require.Error(t, err)
}

func TestLoadSigner(t *testing.T) {
	seed := testSeed

	signer, err := LoadSigner("", "", "")
	require.NoError(t, err)
	assert.Nil(t, signer)

	signer, err = LoadSigner(seed, "", "")
	require.NoError(t, err)
	require.NotNil(t, signer)

	fromMnemonic, err := LoadSigner("", testMnemonic, "")
	require.NoError(t, err)
	require.NotNil(t, fromMnemonic)
	assert.NotEqual(t, signer.Address(), fromMnemonic.Address())

	_, err = LoadSigner(seed, testMnemonic, "")
	assert.Error(t, err)
}

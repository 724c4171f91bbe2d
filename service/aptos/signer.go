package aptos

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/anyproto/go-slip10"
	sdk "github.com/aptos-labs/aptos-go-sdk"
	"github.com/aptos-labs/aptos-go-sdk/crypto"
	"github.com/tyler-smith/go-bip39"
)

// DefaultDerivationPath is the path wallets use for the first Aptos account.
const DefaultDerivationPath = "m/44'/637'/0'/0'/0'"

const privateKeyPrefix = "ed25519-priv-"

var (
	// ErrInvalidPrivateKey is returned when a private key cannot be decoded.
	ErrInvalidPrivateKey = errors.New("invalid private key")

	// ErrInvalidMnemonic is returned when a mnemonic fails the BIP-39 checksum.
	ErrInvalidMnemonic = errors.New("invalid mnemonic")
)

// Signer holds an ed25519 account key.
type Signer struct {
	key     *crypto.Ed25519PrivateKey
	account *sdk.Account
}

// NewSignerFromHex loads a 32-byte ed25519 seed, optionally carrying the
// "ed25519-priv-" prefix and/or a 0x prefix.
func NewSignerFromHex(privateKey string) (*Signer, error) {
	s := strings.TrimSpace(privateKey)
	s = strings.TrimPrefix(s, privateKeyPrefix)
	seed, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidPrivateKey, ed25519.SeedSize, len(seed))
	}
	return newSigner(seed)
}

// NewSignerFromMnemonic derives the account key at path from a BIP-39 mnemonic.
// An empty path uses DefaultDerivationPath.
func NewSignerFromMnemonic(mnemonic, path string) (*Signer, error) {
	normalized := strings.Join(strings.Fields(strings.ToLower(mnemonic)), " ")
	if _, err := bip39.MnemonicToByteArray(normalized); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMnemonic, err)
	}
	if path == "" {
		path = DefaultDerivationPath
	}
	seed, err := deriveSeed(bip39.NewSeed(normalized, ""), path)
	if err != nil {
		return nil, err
	}
	return newSigner(seed)
}

// LoadSigner builds a signer from whichever of privateKey or mnemonic is set.
// It returns nil and no error when neither is set.
func LoadSigner(privateKey, mnemonic, path string) (*Signer, error) {
	switch {
	case privateKey != "" && mnemonic != "":
		return nil, errors.New("private key and mnemonic are mutually exclusive")
	case privateKey != "":
		return NewSignerFromHex(privateKey)
	case mnemonic != "":
		return NewSignerFromMnemonic(mnemonic, path)
	}
	return nil, nil
}

// deriveSeed returns the ed25519 seed at a SLIP-0010 path. Every segment must
// be hardened.
func deriveSeed(seed []byte, path string) ([]byte, error) {
	node, err := slip10.DeriveForPath(path, seed)
	if err != nil {
		return nil, fmt.Errorf("invalid derivation path %q (ed25519 requires hardened segments): %w", path, err)
	}
	_, priv := node.Keypair()
	return priv.Seed(), nil
}

func newSigner(seed []byte) (*Signer, error) {
	key := &crypto.Ed25519PrivateKey{}
	if err := key.FromBytes(seed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	account, err := sdk.NewAccountFromSigner(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return &Signer{key: key, account: account}, nil
}

// Address is the account address derived from the public key.
func (s *Signer) Address() string {
	return s.account.Address.StringLong()
}

// PublicKeyHex returns the 0x-prefixed public key.
func (s *Signer) PublicKeyHex() string {
	return "0x" + hex.EncodeToString(s.key.PubKey().Bytes())
}

package aptos

import (
	"fmt"
	"strings"

	sdk "github.com/aptos-labs/aptos-go-sdk"
)

// Address marks a Move address argument. Plain strings are encoded as Move
// strings.
type Address string

// ParseAddress accepts the short or long form of an address, with or without
// the 0x prefix.
func ParseAddress(addr string) (sdk.AccountAddress, error) {
	var out sdk.AccountAddress
	s := strings.ToLower(strings.TrimSpace(addr))
	if !strings.HasPrefix(s, "0x") {
		s = "0x" + s
	}
	if err := out.ParseStringRelaxed(s); err != nil {
		return out, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, addr, err)
	}
	return out, nil
}

// NormalizeAddress returns the canonical long form of an account address:
// lowercase, 0x-prefixed, left padded to 64 hex characters.
func NormalizeAddress(addr string) (string, error) {
	parsed, err := ParseAddress(addr)
	if err != nil {
		return "", err
	}
	return parsed.StringLong(), nil
}

// ValidateAddress returns an error if addr is not a valid address.
func ValidateAddress(addr string) error {
	_, err := ParseAddress(addr)
	return err
}

// AddressEqual compares two addresses case-insensitively, treating the short
// and long forms of the same address as equal. Invalid addresses fall back to a
// plain case-insensitive comparison.
func AddressEqual(a, b string) bool {
	na, errA := ParseAddress(a)
	nb, errB := ParseAddress(b)
	if errA != nil || errB != nil {
		return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
	}
	return na == nb
}

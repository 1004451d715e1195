// Package address implements SS58 address validation and the address ↔
// public key conversion Substrate chains use for account identifiers.
package address

import (
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"

	"github.com/kusama-tools/substrate-indexer/internal/chain"
	"github.com/kusama-tools/substrate-indexer/pkg/helpers"
)

// PublicKeyLen is the size, in bytes, of a Substrate account ID.
const PublicKeyLen = 32

// checksumLen is the number of checksum bytes appended for a 32-byte
// account ID payload, per the SS58 encoding rules.
const checksumLen = 2

var ss58Prefix = []byte("SS58PRE")

// ErrInvalidAddress wraps the specific reason an SS58 address failed to
// decode or validate.
var ErrInvalidAddress = errors.New("invalid substrate address")

// PublicKey is a 32-byte Substrate account ID, serialized as 0x-prefixed
// hex wherever it crosses an API boundary.
type PublicKey [PublicKeyLen]byte

// Hex returns the 0x-prefixed hex form.
func (k PublicKey) Hex() string {
	return helpers.BytesToHex(k[:])
}

// Validate reports whether address is a well-formed SS58 address for chain.
func Validate(c chain.Chain, addr string) bool {
	_, err := PublicKeyFromAddress(c, addr)
	return err == nil
}

// PublicKeyFromAddress decodes a SS58 address and returns its public key,
// verifying the checksum and the chain's network prefix.
func PublicKeyFromAddress(c chain.Chain, addr string) (PublicKey, error) {
	var zero PublicKey

	if addr == "" {
		return zero, fmt.Errorf("%w: empty address", ErrInvalidAddress)
	}

	raw, err := base58.Decode(addr)
	if err != nil {
		return zero, fmt.Errorf("%w: %s: not valid base58: %v", ErrInvalidAddress, addr, err)
	}

	prefixLen, err := prefixLenForFormat(c.SS58Format)
	if err != nil {
		return zero, err
	}

	wantLen := prefixLen + PublicKeyLen + checksumLen
	if len(raw) != wantLen {
		return zero, fmt.Errorf("%w: %s: decoded length %d, want %d", ErrInvalidAddress, addr, len(raw), wantLen)
	}

	payload := raw[:prefixLen+PublicKeyLen]
	gotChecksum := raw[prefixLen+PublicKeyLen:]

	wantChecksum, err := checksum(payload)
	if err != nil {
		return zero, fmt.Errorf("%w: %s: checksum computation failed: %v", ErrInvalidAddress, addr, err)
	}
	for i := range gotChecksum {
		if gotChecksum[i] != wantChecksum[i] {
			return zero, fmt.Errorf("%w: %s: checksum mismatch", ErrInvalidAddress, addr)
		}
	}

	if err := verifyPrefix(payload[:prefixLen], c.SS58Format); err != nil {
		return zero, fmt.Errorf("%w: %s: %v", ErrInvalidAddress, addr, err)
	}

	var pk PublicKey
	copy(pk[:], payload[prefixLen:prefixLen+PublicKeyLen])
	return pk, nil
}

// AddressFromPublicKey encodes pk as a SS58 address for chain c.
func AddressFromPublicKey(c chain.Chain, pk PublicKey) (string, error) {
	prefixBytes, err := encodePrefix(c.SS58Format)
	if err != nil {
		return "", err
	}

	payload := make([]byte, 0, len(prefixBytes)+PublicKeyLen)
	payload = append(payload, prefixBytes...)
	payload = append(payload, pk[:]...)

	sum, err := checksum(payload)
	if err != nil {
		return "", err
	}

	full := append(payload, sum...)
	return base58.Encode(full), nil
}

// checksum returns the first checksumLen bytes of blake2b-512("SS58PRE" ||
// payload), the algorithm SS58 specifies.
func checksum(payload []byte) ([]byte, error) {
	h, err := blake2b.New512(nil)
	if err != nil {
		return nil, err
	}
	h.Write(ss58Prefix)
	h.Write(payload)
	sum := h.Sum(nil)
	return sum[:checksumLen], nil
}

// prefixLenForFormat returns the number of network-prefix bytes for a given
// SS58 format identifier. Formats below 64 use a single byte; formats in
// [64, 16384) use a two-byte encoding. Every chain bound today (Kusama,
// format 2) falls in the single-byte range.
func prefixLenForFormat(format uint16) (int, error) {
	switch {
	case format < 64:
		return 1, nil
	case format < 16384:
		return 2, nil
	default:
		return 0, fmt.Errorf("%w: ss58 format %d out of range", ErrInvalidAddress, format)
	}
}

func verifyPrefix(got []byte, wantFormat uint16) error {
	prefixLen, err := prefixLenForFormat(wantFormat)
	if err != nil {
		return err
	}
	want, err := encodePrefix(wantFormat)
	if err != nil {
		return err
	}
	if len(got) != prefixLen || len(want) != prefixLen {
		return fmt.Errorf("unexpected prefix length")
	}
	for i := range got {
		if got[i] != want[i] {
			return fmt.Errorf("network prefix %v does not match chain format %d", got, wantFormat)
		}
	}
	return nil
}

func encodePrefix(format uint16) ([]byte, error) {
	prefixLen, err := prefixLenForFormat(format)
	if err != nil {
		return nil, err
	}
	if prefixLen == 1 {
		return []byte{byte(format)}, nil
	}
	// Two-byte SS58 prefix encoding (formats 64..16383); not exercised by
	// any chain bound today but kept total rather than partial.
	ident := format
	first := byte((ident&0b0000_0000_1111_1100)>>2) | 0b01000000
	second := byte(ident>>8) | byte((ident&0b0000_0000_0000_0011)<<6)
	return []byte{first, second}, nil
}

package cert

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

var (
	ErrInvalidFingerprint = errors.New("invalid fingerprint")
	ErrInvalidKeyID       = errors.New("invalid key id")
	ErrInvalidEmail       = errors.New("invalid email address")
)

// Fingerprint is the V4 fingerprint of a primary key or subkey.
type Fingerprint [20]byte

// Fingerprint lengths in hexadecimal characters.
const (
	fingerprintHexLen = 40
	keyIDHexLen       = 16
)

func cleanHex(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		s = s[2:]
	}
	return strings.ReplaceAll(s, " ", "")
}

// ParseFingerprint parses a hexadecimal fingerprint, with or without
// the 0x prefix and the space separators gpg prints.
func ParseFingerprint(s string) (Fingerprint, error) {
	var fpr Fingerprint

	s = cleanHex(s)
	if len(s) != fingerprintHexLen {
		return fpr, fmt.Errorf("%w: %q must have %d hexadecimal characters", ErrInvalidFingerprint, s, fingerprintHexLen)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fpr, fmt.Errorf("%w: %s", ErrInvalidFingerprint, err)
	}
	copy(fpr[:], b)
	return fpr, nil
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("%X", f[:])
}

// KeyID returns the long key ID, the low 64 bits of the fingerprint.
func (f Fingerprint) KeyID() KeyID {
	return KeyID(binary.BigEndian.Uint64(f[12:20]))
}

// KeyID is a 64 bits key identifier.
type KeyID uint64

// ParseKeyID parses a 16 characters hexadecimal key ID.
func ParseKeyID(s string) (KeyID, error) {
	s = cleanHex(s)
	if len(s) != keyIDHexLen {
		return 0, fmt.Errorf("%w: %q must have %d hexadecimal characters", ErrInvalidKeyID, s, keyIDHexLen)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidKeyID, err)
	}
	return KeyID(binary.BigEndian.Uint64(b)), nil
}

func (k KeyID) String() string {
	return fmt.Sprintf("%016X", uint64(k))
}

// Email is a normalized (lower cased) email address.
type Email string

// ParseEmail parses an address, either bare or in the
// "Name <address>" form.
func ParseEmail(s string) (Email, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidEmail, err)
	}
	at := strings.LastIndexByte(addr.Address, '@')
	if at <= 0 || at == len(addr.Address)-1 {
		return "", fmt.Errorf("%w: %q", ErrInvalidEmail, s)
	}
	return Email(strings.ToLower(addr.Address)), nil
}

func (e Email) String() string {
	return string(e)
}

// Domain returns the domain part of the address.
func (e Email) Domain() string {
	return string(e)[strings.LastIndexByte(string(e), '@')+1:]
}

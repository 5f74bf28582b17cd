// Copyright (c) 2020-2021, Ctrl IQ, Inc. All rights reserved
// SPDX-License-Identifier: BSD-3-Clause

// Package token issues sealed, expiring tokens binding a certificate
// fingerprint and an email address to a purpose.
//
// A token is the base64url encoding of a version byte, a random nonce
// and a JSON payload sealed with XChaCha20-Poly1305 under a key
// derived from the process secret. Tokens are validated without any
// server state, only redeemed token IDs are remembered until they
// expire to block replays.
package token

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ctrliq/vks/pkg/cert"
	"github.com/ctrliq/vks/pkg/metrics"
	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	version byte = 1

	minSecretLen  = 16
	hkdfInfo      = "vks token v1"
	pruneInterval = time.Minute
)

// encoding rejects non canonical trailing bits so that any altered
// character is detected.
var encoding = base64.RawURLEncoding.Strict()

var (
	ErrInvalid      = errors.New("invalid token")
	ErrExpired      = errors.New("token expired")
	ErrWrongPurpose = fmt.Errorf("%w: wrong purpose", ErrInvalid)
	ErrConsumed     = fmt.Errorf("%w: already used", ErrInvalid)
)

type Purpose string

const (
	Verify Purpose = "verify"
	Delete Purpose = "delete"
)

// Claims are the fields sealed into a token.
type Claims struct {
	ID          string
	Fingerprint cert.Fingerprint
	Email       cert.Email
	Purpose     Purpose
	IssuedAt    time.Time
	Expires     time.Time
}

// payload is the sealed JSON form of Claims, times are unix
// nanoseconds.
type payload struct {
	ID          string  `json:"n"`
	Fingerprint string  `json:"f"`
	Email       string  `json:"e"`
	Purpose     Purpose `json:"p"`
	IssuedAt    int64   `json:"i"`
	Expires     int64   `json:"x"`
}

type Option func(*Service)

// WithClock sets the clock used for issue and expiry times.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithMetrics sets the metrics handle of the service.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

type Service struct {
	aead    cipher.AEAD
	now     func() time.Time
	metrics *metrics.Metrics

	mu        sync.Mutex
	consumed  map[string]time.Time
	lastPrune time.Time
}

// New returns a token service sealing tokens with a key derived
// from secret.
func New(secret []byte, opts ...Option) (*Service, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("token secret must be at least %d bytes", minSecretLen)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("while deriving token key: %s", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	s := &Service{
		aead:     aead,
		now:      time.Now,
		consumed: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lastPrune = s.now()

	return s, nil
}

// Issue returns a token for purpose valid for ttl.
func (s *Service) Issue(fpr cert.Fingerprint, email cert.Email, purpose Purpose, ttl time.Duration) (string, error) {
	now := s.now()

	p := payload{
		ID:          uuid.New().String(),
		Fingerprint: fpr.String(),
		Email:       email.String(),
		Purpose:     purpose,
		IssuedAt:    now.UnixNano(),
		Expires:     now.Add(ttl).UnixNano(),
	}
	b, err := json.Marshal(&p)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(b)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	out := append([]byte{version}, s.aead.Seal(nonce, nonce, b, []byte{version})...)
	s.metrics.Token("issue", string(purpose), metrics.ResultOK)

	return encoding.EncodeToString(out), nil
}

// open authenticates and decodes a token for purpose.
func (s *Service) open(tok string, purpose Purpose) (*Claims, error) {
	raw, err := encoding.DecodeString(tok)
	if err != nil {
		return nil, fmt.Errorf("%w: bad encoding", ErrInvalid)
	}
	if len(raw) < 1+chacha20poly1305.NonceSizeX+s.aead.Overhead() {
		return nil, fmt.Errorf("%w: too short", ErrInvalid)
	}
	if raw[0] != version {
		return nil, fmt.Errorf("%w: unknown version %d", ErrInvalid, raw[0])
	}

	nonce := raw[1 : 1+chacha20poly1305.NonceSizeX]
	b, err := s.aead.Open(nil, nonce, raw[1+chacha20poly1305.NonceSizeX:], raw[:1])
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrInvalid)
	}

	var p payload
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("%w: bad payload", ErrInvalid)
	}
	fpr, err := cert.ParseFingerprint(p.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, err)
	}
	email, err := cert.ParseEmail(p.Email)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, err)
	}

	if p.Purpose != purpose {
		return nil, ErrWrongPurpose
	}

	c := &Claims{
		ID:          p.ID,
		Fingerprint: fpr,
		Email:       email,
		Purpose:     p.Purpose,
		IssuedAt:    time.Unix(0, p.IssuedAt),
		Expires:     time.Unix(0, p.Expires),
	}
	if s.now().After(c.Expires) {
		return nil, ErrExpired
	}

	return c, nil
}

// Peek validates a token without consuming it.
func (s *Service) Peek(tok string, purpose Purpose) (*Claims, error) {
	c, err := s.open(tok, purpose)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	_, used := s.consumed[c.ID]
	s.mu.Unlock()

	if used {
		return nil, ErrConsumed
	}
	return c, nil
}

// Redeem validates a token and consumes it, a token is redeemable
// once.
func (s *Service) Redeem(tok string, purpose Purpose) (*Claims, error) {
	c, err := s.redeem(tok, purpose)
	s.metrics.Token("redeem", string(purpose), result(err))
	return c, err
}

func (s *Service) redeem(tok string, purpose Purpose) (*Claims, error) {
	c, err := s.open(tok, purpose)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.prune()

	if _, used := s.consumed[c.ID]; used {
		return nil, ErrConsumed
	}
	s.consumed[c.ID] = c.Expires

	return c, nil
}

// prune forgets consumed tokens which expired, they fail the expiry
// check anyway. Must be called with the lock held.
func (s *Service) prune() {
	now := s.now()
	if now.Sub(s.lastPrune) < pruneInterval {
		return
	}
	for id, exp := range s.consumed {
		if now.After(exp) {
			delete(s.consumed, id)
		}
	}
	s.lastPrune = now
}

func (s *Service) consumedLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.consumed)
}

func result(err error) string {
	switch {
	case err == nil:
		return metrics.ResultOK
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrConsumed):
		return "consumed"
	case errors.Is(err, ErrWrongPurpose):
		return "wrong_purpose"
	default:
		return "invalid"
	}
}

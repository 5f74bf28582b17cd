// Copyright (c) 2020-2021, Ctrl IQ, Inc. All rights reserved
// SPDX-License-Identifier: BSD-3-Clause

// Package store persists merged certificates and the published
// email bindings on top of a database engine.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ctrliq/vks/pkg/cert"
	"github.com/ctrliq/vks/pkg/database"
	"github.com/ctrliq/vks/pkg/metrics"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("email published more recently under another key")
	ErrIdentityUnavailable = errors.New("identity not present or revoked")
	ErrStorage             = errors.New("storage failure")
)

// Lookup kinds, used as metric labels.
const (
	byFingerprint = "fingerprint"
	byKeyID       = "keyid"
	byEmail       = "email"
)

// UploadResult is the outcome of an upload.
type UploadResult struct {
	Fingerprint cert.Fingerprint
	// Pending holds the identities present and not revoked which are
	// not published under this fingerprint.
	Pending []cert.Email
	// Published holds the identities published under this fingerprint.
	Published []cert.Email
	Created   bool
}

// Result is a certificate as served to clients.
type Result struct {
	Fingerprint cert.Fingerprint
	// Certificate is the published projection: user IDs which are
	// neither published nor alive are stripped.
	Certificate *cert.Certificate
	Armored     []byte
	// Emails are the published emails of the certificate.
	Emails []cert.Email
}

// Stats reports the store content.
type Stats struct {
	Certificates          int
	PublishedIdentities   int
	PublishedCertificates int
	LastUpdate            time.Time
}

type Option func(*Store)

// WithMetrics sets the metrics handle of the store.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// WithClock sets the clock used to timestamp records.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

type Store struct {
	db      database.Engine
	policy  *cert.Policy
	locks   *keyedMutex
	metrics *metrics.Metrics
	now     func() time.Time
}

// New returns a store on top of a connected database engine.
func New(db database.Engine, policy *cert.Policy, opts ...Option) *Store {
	s := &Store{
		db:     db,
		policy: policy,
		locks:  newKeyedMutex(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the validation policy of the store.
func (s *Store) Policy() *cert.Policy {
	return s.policy
}

// storageError wraps engine failures with ErrStorage, domain errors
// are returned as is.
func storageError(err error) error {
	if err == nil {
		return nil
	}
	for _, e := range []error{ErrNotFound, ErrConflict, ErrIdentityUnavailable, ErrStorage, cert.ErrMalformed} {
		if errors.Is(err, e) {
			return err
		}
	}
	return fmt.Errorf("%w: %s", ErrStorage, err)
}

// load returns the stored certificate of fpr, or nil if there is none.
func (s *Store) load(fpr cert.Fingerprint) (*certRecord, *cert.Certificate, error) {
	var rec *certRecord

	err := s.db.View(func(tx database.ReadTx) error {
		var err error
		rec, err = readCertRecord(tx, fpr)
		return err
	})
	if err != nil || rec == nil {
		return nil, nil, storageError(err)
	}

	c, err := s.decode(rec)
	return rec, c, err
}

func (s *Store) decode(rec *certRecord) (*cert.Certificate, error) {
	c, err := cert.Normalize(s.policy, rec.Cert)
	if err != nil {
		return nil, fmt.Errorf("%w: stored certificate %s: %s", ErrStorage, rec.Fingerprint, err)
	}
	return c, nil
}

// Upload normalizes raw and merges it into the stored certificate
// of the same fingerprint.
func (s *Store) Upload(raw []byte) (*UploadResult, error) {
	c, err := cert.Normalize(s.policy, raw)
	if err != nil {
		s.metrics.Upload(metrics.ResultRejected)
		return nil, err
	}
	return s.UploadCertificate(c)
}

// UploadCertificate merges a normalized certificate into the stored
// certificate of the same fingerprint.
func (s *Store) UploadCertificate(c *cert.Certificate) (*UploadResult, error) {
	res, err := s.upload(c)
	if err != nil {
		s.metrics.Upload(metrics.ResultError)
		return nil, err
	}
	if res.Created {
		s.metrics.Upload(metrics.ResultCreated)
	} else {
		s.metrics.Upload(metrics.ResultUpdated)
	}
	return res, nil
}

func (s *Store) upload(c *cert.Certificate) (*UploadResult, error) {
	fpr := c.Fingerprint()

	unlock := s.locks.Lock(fpr.String())
	defer unlock()

	_, existing, err := s.load(fpr)
	if err != nil {
		return nil, err
	}
	merged, err := cert.Merge(s.policy, existing, c)
	if err != nil {
		return nil, err
	}

	res := &UploadResult{
		Fingerprint: fpr,
		Created:     existing == nil,
	}
	alive := make(map[cert.Email]bool)
	for _, e := range merged.Emails() {
		alive[e] = true
	}

	err = s.db.Update(func(tx database.WriteTx) error {
		rec := &certRecord{
			Fingerprint: fpr.String(),
			Cert:        merged.Bytes(),
			Updated:     s.now().UnixNano(),
		}
		if err := writeCertRecord(tx, rec); err != nil {
			return err
		}
		if err := s.index(tx, merged); err != nil {
			return err
		}

		published, err := publishedEmails(tx, fpr)
		if err != nil {
			return err
		}
		isPublished := make(map[cert.Email]bool)
		for _, e := range published {
			if !alive[e] {
				if err := unpublish(tx, fpr, e); err != nil {
					return err
				}
				logrus.WithFields(logrus.Fields{"fingerprint": fpr, "email": e}).Info("Revoked identity unpublished")
				continue
			}
			isPublished[e] = true
			res.Published = append(res.Published, e)
		}
		for _, e := range merged.Emails() {
			if !isPublished[e] {
				res.Pending = append(res.Pending, e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, storageError(err)
	}

	logrus.WithFields(logrus.Fields{
		"fingerprint": fpr,
		"created":     res.Created,
		"pending":     len(res.Pending),
	}).Info("Certificate stored")

	return res, nil
}

// index records the key ID and subkey fingerprint indexes of c.
// Primary key IDs win over colliding subkey key IDs.
func (s *Store) index(tx database.WriteTx, c *cert.Certificate) error {
	fpr := []byte(c.Fingerprint().String())

	if err := tx.Set(database.KeyIDBucket, c.KeyID().String(), fpr); err != nil {
		return err
	}
	for _, sk := range c.Subkeys {
		sfpr := sk.Fingerprint()
		if err := tx.Set(database.SubkeyBucket, sfpr.String(), fpr); err != nil {
			return err
		}
		kid := sfpr.KeyID().String()
		val, err := tx.Get(database.KeyIDBucket, kid)
		if err != nil {
			return err
		} else if val != nil {
			continue
		}
		if err := tx.Set(database.KeyIDBucket, kid, fpr); err != nil {
			return err
		}
	}
	return nil
}

// Publish makes email resolvable to the certificate fpr. A binding of
// email to another certificate is moved, unless it was published after
// requested, in which case ErrConflict is returned. A zero requested
// time always moves the binding.
func (s *Store) Publish(fpr cert.Fingerprint, email cert.Email, requested time.Time) error {
	err := s.publish(fpr, email, requested)
	if err != nil {
		s.metrics.Publication("publish", metrics.ResultError)
		return err
	}
	s.metrics.Publication("publish", metrics.ResultOK)
	return nil
}

func (s *Store) publish(fpr cert.Fingerprint, email cert.Email, requested time.Time) error {
	unlock := s.locks.Lock(fpr.String())
	defer unlock()

	_, c, err := s.load(fpr)
	if err != nil {
		return err
	} else if c == nil {
		return fmt.Errorf("%w: no certificate %s", ErrNotFound, fpr)
	}

	available := false
	for _, e := range c.Emails() {
		if e == email {
			available = true
			break
		}
	}
	if !available {
		return fmt.Errorf("%w: %s on %s", ErrIdentityUnavailable, email, fpr)
	}

	var moved string

	err = s.db.Update(func(tx database.WriteTx) error {
		rec, err := readEmailRecord(tx, email)
		if err != nil {
			return err
		}
		if rec != nil {
			if rec.Fingerprint == fpr.String() {
				return nil
			}
			if !requested.IsZero() && rec.Published > requested.UnixNano() {
				return fmt.Errorf("%w: %s is bound to %s", ErrConflict, email, rec.Fingerprint)
			}
			if err := tx.Delete(database.PublishedBucket, rec.Fingerprint+publishedSep+email.String()); err != nil {
				return err
			}
			moved = rec.Fingerprint
		}
		err = writeEmailRecord(tx, email, &emailRecord{
			Fingerprint: fpr.String(),
			Published:   s.now().UnixNano(),
		})
		if err != nil {
			return err
		}
		return tx.Set(database.PublishedBucket, publishedKey(fpr, email), publishedValue)
	})
	if err != nil {
		return storageError(err)
	}

	fields := logrus.Fields{"fingerprint": fpr, "email": email}
	if moved != "" {
		fields["previous"] = moved
	}
	logrus.WithFields(fields).Info("Identity published")

	return nil
}

// Unpublish removes the binding of email to fpr, the certificate
// material is kept.
func (s *Store) Unpublish(fpr cert.Fingerprint, email cert.Email) error {
	unlock := s.locks.Lock(fpr.String())
	defer unlock()

	err := s.db.Update(func(tx database.WriteTx) error {
		rec, err := readCertRecord(tx, fpr)
		if err != nil {
			return err
		} else if rec == nil {
			return fmt.Errorf("%w: no certificate %s", ErrNotFound, fpr)
		}
		return unpublish(tx, fpr, email)
	})
	if err != nil {
		s.metrics.Publication("unpublish", metrics.ResultError)
		return storageError(err)
	}

	s.metrics.Publication("unpublish", metrics.ResultOK)
	logrus.WithFields(logrus.Fields{"fingerprint": fpr, "email": email}).Info("Identity unpublished")

	return nil
}

// PublishedEmails returns the emails published under fpr.
func (s *Store) PublishedEmails(fpr cert.Fingerprint) ([]cert.Email, error) {
	var emails []cert.Email

	err := s.db.View(func(tx database.ReadTx) error {
		var err error
		emails, err = publishedEmails(tx, fpr)
		return err
	})
	return emails, storageError(err)
}

type resolver func(tx database.ReadTx) (cert.Fingerprint, bool, error)

// LookupByFingerprint returns the published projection of the
// certificate with the primary or subkey fingerprint fpr.
func (s *Store) LookupByFingerprint(ctx context.Context, fpr cert.Fingerprint) (*Result, error) {
	return s.lookup(ctx, byFingerprint, "", func(tx database.ReadTx) (cert.Fingerprint, bool, error) {
		return resolveFingerprint(tx, fpr)
	})
}

// LookupByKeyID returns the published projection of the certificate
// with the key ID kid.
func (s *Store) LookupByKeyID(ctx context.Context, kid cert.KeyID) (*Result, error) {
	return s.lookup(ctx, byKeyID, "", func(tx database.ReadTx) (cert.Fingerprint, bool, error) {
		return resolveKeyID(tx, kid)
	})
}

// LookupByEmail returns the published projection of the certificate
// bound to email, restricted to the user IDs carrying email.
func (s *Store) LookupByEmail(ctx context.Context, email cert.Email) (*Result, error) {
	return s.lookup(ctx, byEmail, email, func(tx database.ReadTx) (cert.Fingerprint, bool, error) {
		return resolveEmail(tx, email)
	})
}

func (s *Store) lookup(ctx context.Context, by string, only cert.Email, resolve resolver) (*Result, error) {
	res, err := s.doLookup(ctx, only, resolve)
	switch {
	case err == nil:
		s.metrics.Lookup(by, metrics.ResultOK)
	case errors.Is(err, ErrNotFound):
		s.metrics.Lookup(by, "not_found")
	default:
		s.metrics.Lookup(by, metrics.ResultError)
	}
	return res, err
}

func (s *Store) doLookup(ctx context.Context, only cert.Email, resolve resolver) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		rec    *certRecord
		emails []cert.Email
	)

	err := s.db.View(func(tx database.ReadTx) error {
		fpr, ok, err := resolve(tx)
		if err != nil || !ok {
			return err
		}
		rec, err = readCertRecord(tx, fpr)
		if err != nil || rec == nil {
			return err
		}
		emails, err = publishedEmails(tx, fpr)
		return err
	})
	if err != nil {
		return nil, storageError(err)
	} else if rec == nil {
		return nil, ErrNotFound
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c, err := s.decode(rec)
	if err != nil {
		return nil, err
	}

	published := make(map[cert.Email]bool)
	for _, e := range emails {
		if only == "" || e == only {
			published[e] = true
		}
	}
	projection := c.Filter(func(u *cert.UserID) bool {
		e, ok := u.Email()
		return ok && published[e] && u.RevocationStatus() != cert.Revoked
	})

	armored, err := projection.Armor()
	if err != nil {
		return nil, err
	}

	return &Result{
		Fingerprint: c.Fingerprint(),
		Certificate: projection,
		Armored:     armored,
		Emails:      emails,
	}, nil
}

// Stats counts records, published identities and the certificates
// holding them.
func (s *Store) Stats() (*Stats, error) {
	stats := new(Stats)
	var last int64

	err := s.db.View(func(tx database.ReadTx) error {
		err := tx.Scan(database.CertBucket, "", func(_ string, value []byte) error {
			stats.Certificates++
			if u := gjson.GetBytes(value, "updated").Int(); u > last {
				last = u
			}
			return nil
		})
		if err != nil {
			return err
		}

		certs := make(map[string]bool)
		err = tx.Scan(database.EmailBucket, "", func(_ string, value []byte) error {
			stats.PublishedIdentities++
			certs[gjson.GetBytes(value, "fingerprint").String()] = true
			return nil
		})
		stats.PublishedCertificates = len(certs)
		return err
	})
	if err != nil {
		return nil, storageError(err)
	}
	if last > 0 {
		stats.LastUpdate = time.Unix(0, last)
	}
	return stats, nil
}

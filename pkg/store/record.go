package store

import (
	"encoding/json"
	"fmt"

	"github.com/ctrliq/vks/pkg/cert"
	"github.com/ctrliq/vks/pkg/database"
)

const publishedSep = "/"

// certRecord is the value of the cert bucket.
type certRecord struct {
	Fingerprint string `json:"fingerprint"`
	Cert        []byte `json:"cert"`
	Updated     int64  `json:"updated"`
}

// emailRecord is the value of the email bucket.
type emailRecord struct {
	Fingerprint string `json:"fingerprint"`
	Published   int64  `json:"published"`
}

// publishedValue is the value of the published bucket keys.
var publishedValue = []byte("1")

func publishedKey(fpr cert.Fingerprint, email cert.Email) string {
	return fpr.String() + publishedSep + email.String()
}

func readCertRecord(tx database.ReadTx, fpr cert.Fingerprint) (*certRecord, error) {
	val, err := tx.Get(database.CertBucket, fpr.String())
	if err != nil || val == nil {
		return nil, err
	}
	rec := new(certRecord)
	if err := json.Unmarshal(val, rec); err != nil {
		return nil, fmt.Errorf("%w: corrupted record %s: %s", ErrStorage, fpr, err)
	}
	return rec, nil
}

func writeCertRecord(tx database.WriteTx, rec *certRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return tx.Set(database.CertBucket, rec.Fingerprint, b)
}

func readEmailRecord(tx database.ReadTx, email cert.Email) (*emailRecord, error) {
	val, err := tx.Get(database.EmailBucket, email.String())
	if err != nil || val == nil {
		return nil, err
	}
	rec := new(emailRecord)
	if err := json.Unmarshal(val, rec); err != nil {
		return nil, fmt.Errorf("%w: corrupted email record %s: %s", ErrStorage, email, err)
	}
	return rec, nil
}

func writeEmailRecord(tx database.WriteTx, email cert.Email, rec *emailRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return tx.Set(database.EmailBucket, email.String(), b)
}

// resolveFingerprint returns the primary fingerprint for a primary
// or subkey fingerprint.
func resolveFingerprint(tx database.ReadTx, fpr cert.Fingerprint) (cert.Fingerprint, bool, error) {
	val, err := tx.Get(database.CertBucket, fpr.String())
	if err != nil {
		return fpr, false, err
	} else if val != nil {
		return fpr, true, nil
	}
	val, err = tx.Get(database.SubkeyBucket, fpr.String())
	if err != nil || val == nil {
		return fpr, false, err
	}
	primary, err := cert.ParseFingerprint(string(val))
	if err != nil {
		return fpr, false, fmt.Errorf("%w: corrupted subkey index %s: %s", ErrStorage, fpr, err)
	}
	return primary, true, nil
}

func resolveKeyID(tx database.ReadTx, kid cert.KeyID) (cert.Fingerprint, bool, error) {
	var fpr cert.Fingerprint

	val, err := tx.Get(database.KeyIDBucket, kid.String())
	if err != nil || val == nil {
		return fpr, false, err
	}
	fpr, err = cert.ParseFingerprint(string(val))
	if err != nil {
		return fpr, false, fmt.Errorf("%w: corrupted key id index %s: %s", ErrStorage, kid, err)
	}
	return fpr, true, nil
}

func resolveEmail(tx database.ReadTx, email cert.Email) (cert.Fingerprint, bool, error) {
	var fpr cert.Fingerprint

	rec, err := readEmailRecord(tx, email)
	if err != nil || rec == nil {
		return fpr, false, err
	}
	fpr, err = cert.ParseFingerprint(rec.Fingerprint)
	if err != nil {
		return fpr, false, fmt.Errorf("%w: corrupted email record %s: %s", ErrStorage, email, err)
	}
	return fpr, true, nil
}

// publishedEmails returns the emails published for fpr, in
// ascending order.
func publishedEmails(tx database.ReadTx, fpr cert.Fingerprint) ([]cert.Email, error) {
	var emails []cert.Email

	prefix := fpr.String() + publishedSep
	err := tx.Scan(database.PublishedBucket, prefix, func(key string, _ []byte) error {
		emails = append(emails, cert.Email(key[len(prefix):]))
		return nil
	})
	return emails, err
}

// unpublish removes the published binding of email to fpr.
func unpublish(tx database.WriteTx, fpr cert.Fingerprint, email cert.Email) error {
	if err := tx.Delete(database.PublishedBucket, publishedKey(fpr, email)); err != nil {
		return err
	}
	rec, err := readEmailRecord(tx, email)
	if err != nil {
		return err
	} else if rec != nil && rec.Fingerprint == fpr.String() {
		return tx.Delete(database.EmailBucket, email.String())
	}
	return nil
}

package hkpserver

import (
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/ctrliq/vks/pkg/cert"
	"golang.org/x/crypto/openpgp/packet"
)

type printCert struct {
	cert *cert.Certificate
	now  time.Time
}

func unixTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return fmt.Sprint(t.Unix())
}

func revokedFlag(s cert.RevocationStatus) string {
	if s != cert.NotRevoked {
		return "r"
	}
	return ""
}

// sigExpiration returns the expiration time of a signature, or the
// zero time.
func sigExpiration(sig *packet.Signature) time.Time {
	if sig == nil || sig.SigLifetimeSecs == nil || *sig.SigLifetimeSecs == 0 {
		return time.Time{}
	}
	return sig.CreationTime.Add(time.Duration(*sig.SigLifetimeSecs) * time.Second)
}

func (pc *printCert) print(w io.Writer) error {
	key := pc.cert.PrimaryKey

	bitLength, err := key.BitLength()
	if err != nil {
		return err
	}

	expiration := pc.cert.Expiration()

	flags := ""
	if !expiration.IsZero() && pc.now.After(expiration) {
		flags += "e"
	}
	flags += revokedFlag(pc.cert.RevocationStatus())

	_, err = fmt.Fprintf(
		w,
		"pub:%s:%d:%d:%d:%s:%s\r\n",
		pc.cert.Fingerprint(), key.PubKeyAlgo, bitLength, key.CreationTime.Unix(), unixTime(expiration), flags,
	)
	if err != nil {
		return err
	}

	for _, uid := range pc.cert.UserIDs {
		selfSig := uid.SelfSignature()

		ct := ""
		if selfSig != nil {
			ct = unixTime(selfSig.CreationTime)
		}
		et := sigExpiration(selfSig)

		flags := ""
		if !et.IsZero() && pc.now.After(et) {
			flags += "e"
		}
		flags += revokedFlag(uid.RevocationStatus())

		_, err := fmt.Fprintf(
			w,
			"uid:%s:%s:%s:%s\r\n",
			url.QueryEscape(uid.String()), ct, unixTime(et), flags,
		)
		if err != nil {
			return err
		}
	}

	return nil
}

// WriteIndex writes on w a machine readable index of the certificates
// provided. The index format follows the one described in the HKP draft
// https://tools.ietf.org/html/draft-shaw-openpgp-hkp-00#section-5.2
func WriteIndex(w io.Writer, certs []*cert.Certificate, now time.Time) error {
	_, err := fmt.Fprintf(w, "info:1:%d\r\n", len(certs))
	if err != nil {
		return err
	}

	for _, c := range certs {
		pc := &printCert{cert: c, now: now}
		if err := pc.print(w); err != nil {
			return err
		}
	}

	return nil
}

package mailverifier

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/ctrliq/vks/internal/pkg/mailer"
	"github.com/ctrliq/vks/pkg/cert"
	"github.com/ctrliq/vks/pkg/hkpserver"
	"github.com/ctrliq/vks/pkg/token"
	"github.com/sirupsen/logrus"
)

// verify publishes the identity carried by a verification link.
// The link is consumed once the identity is published, a failed
// publication leaves it usable.
func (m *MailVerifier) verify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		hkpserver.NewMethodNotAllowedStatus().Write(w)
		return
	}

	tok := strings.TrimPrefix(r.URL.Path, VerifyRoute)

	c, err := m.tokens.Peek(tok, token.Verify)
	if err != nil {
		logrus.WithError(err).Info("Verification link rejected")
		hkpserver.StatusFromError(err).Write(w)
		return
	}

	if err := m.store.Publish(c.Fingerprint, c.Email, c.IssuedAt); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"fingerprint": c.Fingerprint,
			"email":       c.Email,
		}).Warn("Identity not published")
		hkpserver.StatusFromError(err).Write(w)
		return
	}

	if _, err := m.tokens.Redeem(tok, token.Verify); err != nil {
		logrus.WithError(err).Info("Verification link rejected")
		hkpserver.StatusFromError(err).Write(w)
		return
	}

	hkpserver.NewOKStatus(fmt.Sprintf("%s is now published for key %s", c.Email, c.Fingerprint)).Write(w)
}

// manageTargets returns the fingerprint searched, directly or by one of
// its published emails, and its published identities.
func (m *MailVerifier) manageTargets(r *http.Request, search string) (cert.Fingerprint, []cert.Email, error) {
	if fpr, err := cert.ParseFingerprint(search); err == nil {
		emails, err := m.store.PublishedEmails(fpr)
		return fpr, emails, err
	}

	email, err := cert.ParseEmail(search)
	if err != nil {
		return cert.Fingerprint{}, nil, fmt.Errorf("%w: %q is not a fingerprint or an email address", hkpserver.ErrBadSearch, search)
	}
	res, err := m.store.LookupByEmail(r.Context(), email)
	if err != nil {
		return cert.Fingerprint{}, nil, err
	}
	emails, err := m.store.PublishedEmails(res.Fingerprint)
	return res.Fingerprint, emails, err
}

// manage mails a deletion link to the published identities of a key.
func (m *MailVerifier) manage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		hkpserver.NewMethodNotAllowedStatus().Write(w)
		return
	}

	if err := r.ParseForm(); err != nil {
		hkpserver.NewBadRequestStatus(err.Error()).Write(w)
		return
	}

	search := strings.TrimSpace(r.PostForm.Get("search"))
	if search == "" {
		hkpserver.NewBadRequestStatus("Missing search parameter").Write(w)
		return
	}

	fpr, emails, err := m.manageTargets(r, search)
	if err != nil {
		hkpserver.StatusFromError(err).Write(w)
		return
	} else if len(emails) == 0 {
		hkpserver.NewNotFoundStatus("No published identity").Write(w)
		return
	}

	var sent []string
	var lastErr error

	for _, email := range emails {
		if err := m.checkMailRate(fpr, email, r); err != nil {
			lastErr = err
			continue
		}
		if err := m.sendMail(fpr, email, token.Delete, m.config.DeleteTokenTTL, mailer.Delete, ConfirmRoute); err != nil {
			hkpserver.StatusFromError(err).Write(w)
			return
		}
		sent = append(sent, email.String())
	}

	if len(sent) == 0 {
		hkpserver.StatusFromError(lastErr).Write(w)
		return
	}
	hkpserver.NewAcceptedStatus("Deletion link sent to " + strings.Join(sent, ", ")).Write(w)
}

// confirm shows the deletion instructions on GET and removes the
// identity carried by the deletion link on POST.
func (m *MailVerifier) confirm(w http.ResponseWriter, r *http.Request) {
	tok := strings.TrimPrefix(r.URL.Path, ConfirmRoute)

	switch r.Method {
	case http.MethodGet:
		c, err := m.tokens.Peek(tok, token.Delete)
		if err != nil {
			hkpserver.StatusFromError(err).Write(w)
			return
		}
		hkpserver.NewOKStatus(fmt.Sprintf(
			"Send a POST request to this address to remove %s from key %s",
			c.Email, c.Fingerprint,
		)).Write(w)
	case http.MethodPost:
		c, err := m.tokens.Peek(tok, token.Delete)
		if err != nil {
			logrus.WithError(err).Info("Deletion link rejected")
			hkpserver.StatusFromError(err).Write(w)
			return
		}
		if err := m.store.Unpublish(c.Fingerprint, c.Email); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"fingerprint": c.Fingerprint,
				"email":       c.Email,
			}).Warn("Identity not unpublished")
			hkpserver.StatusFromError(err).Write(w)
			return
		}
		if _, err := m.tokens.Redeem(tok, token.Delete); err != nil {
			logrus.WithError(err).Info("Deletion link rejected")
			hkpserver.StatusFromError(err).Write(w)
			return
		}
		hkpserver.NewOKStatus(fmt.Sprintf("%s is no longer published for key %s", c.Email, c.Fingerprint)).Write(w)
	default:
		hkpserver.NewMethodNotAllowedStatus().Write(w)
	}
}

// Package mailverifier publishes the identities of uploaded keys once
// their owner followed the link mailed to the address.
package mailverifier

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ctrliq/vks/internal/pkg/config"
	"github.com/ctrliq/vks/internal/pkg/mailer"
	"github.com/ctrliq/vks/pkg/cert"
	"github.com/ctrliq/vks/pkg/hkpserver"
	"github.com/ctrliq/vks/pkg/metrics"
	"github.com/ctrliq/vks/pkg/ratelimit"
	"github.com/ctrliq/vks/pkg/store"
	"github.com/ctrliq/vks/pkg/token"
	"github.com/sirupsen/logrus"
)

var _ hkpserver.Verifier = &MailVerifier{}

const (
	VerifyRoute  = "/vks/verify/"
	ManageRoute  = "/vks/manage"
	ConfirmRoute = "/vks/confirm/"
)

type Option func(*MailVerifier)

// WithMailLimiter sets the limiter gating mails per address.
func WithMailLimiter(l ratelimit.Limiter) Option {
	return func(m *MailVerifier) {
		m.mailLimiter = l
	}
}

// WithMetrics sets the metrics handle used to count mails.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *MailVerifier) {
		m.metrics = mt
	}
}

type MailVerifier struct {
	config      *config.ServerConfig
	processing  []processingFunc
	store       *store.Store
	tokens      *token.Service
	sender      mailer.Sender
	mailLimiter ratelimit.Limiter
	metrics     *metrics.Metrics
}

func New(config *config.ServerConfig, tokens *token.Service, sender mailer.Sender, opts ...Option) *MailVerifier {
	v := &MailVerifier{
		config:      config,
		tokens:      tokens,
		sender:      sender,
		mailLimiter: ratelimit.Unlimited,
	}
	for _, opt := range opts {
		opt(v)
	}
	v.processing = []processingFunc{
		v.checkDomain,
		v.checkMailRate,
	}
	return v
}

func (m *MailVerifier) Init(s *store.Store, mux *http.ServeMux) error {
	if m.tokens == nil {
		return fmt.Errorf("no token service specified")
	}
	if m.sender == nil {
		return fmt.Errorf("no mail sender specified")
	}
	m.store = s

	mux.HandleFunc(VerifyRoute, m.verify)
	mux.HandleFunc(ManageRoute, m.manage)
	mux.HandleFunc(ConfirmRoute, m.confirm)

	return nil
}

// Verify mails a verification link to each pending identity of the
// uploaded key which passes the processing checks.
func (m *MailVerifier) Verify(res *store.UploadResult, r *http.Request) hkpserver.Status {
	var sent []string
	var mailErr error

	for _, email := range res.Pending {
		if err := m.process(res.Fingerprint, email, r); err != nil {
			continue
		}
		err := m.sendMail(res.Fingerprint, email, token.Verify, m.config.VerifyTokenTTL, mailer.Verify, VerifyRoute)
		if err != nil {
			mailErr = err
			continue
		}
		sent = append(sent, email.String())
	}

	if mailErr != nil {
		return hkpserver.StatusFromError(mailErr)
	} else if len(sent) > 0 {
		return hkpserver.NewAcceptedStatus("Verification mail sent to " + strings.Join(sent, ", "))
	}
	return hkpserver.NewOKStatus(res.Fingerprint.String())
}

// process runs the processing checks, an error skips the identity.
func (m *MailVerifier) process(fpr cert.Fingerprint, email cert.Email, r *http.Request) error {
	for _, check := range m.processing {
		if err := check(fpr, email, r); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"fingerprint": fpr,
				"email":       email,
			}).Info("No verification mail sent")
			return err
		}
	}
	return nil
}

func (m *MailVerifier) link(route, tok string) string {
	return strings.TrimSuffix(m.config.PublicURL, "/") + route + tok
}

// sendMail issues a token for purpose and mails the link to email.
func (m *MailVerifier) sendMail(fpr cert.Fingerprint, email cert.Email, purpose token.Purpose, ttl time.Duration, tmpl mailer.Template, route string) error {
	tok, err := m.tokens.Issue(fpr, email, purpose, ttl)
	if err != nil {
		return err
	}

	args := &mailer.TemplateArgs{
		Email:       email.String(),
		Fingerprint: fpr.String(),
		PublicURL:   m.config.PublicURL,
		Link:        m.link(route, tok),
		AdminEmail:  m.config.AdminEmail,
	}

	logrus.WithFields(logrus.Fields{"to": email, "template": tmpl}).Info("Sending mail")

	if err := m.sender.Send(email.String(), tmpl, args); err != nil {
		m.metrics.Mail(string(tmpl), metrics.ResultError)
		logrus.WithError(err).WithField("to", email).Error("Mail delivery failed")
		return fmt.Errorf("%w: %s", hkpserver.ErrDelivery, err)
	}
	m.metrics.Mail(string(tmpl), metrics.ResultOK)

	return nil
}

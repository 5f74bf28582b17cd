package mailer

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/template"

	"gopkg.in/gomail.v2"
)

var ErrMail = errors.New("mail delivery failed")

var DefaultConfig Config = Config{
	SMTPServer:     "localhost",
	SMTPPort:       25,
	From:           "keyserver@localhost",
	VerifySubject:  DefaultVerifySubject,
	VerifyTemplate: DefaultVerifyTemplate,
	DeleteSubject:  DefaultDeleteSubject,
	DeleteTemplate: DefaultDeleteTemplate,
}

const (
	mailSMTPServerEnv   = "VKS_MAIL_SMTP_SERVER"
	mailSMTPPortEnv     = "VKS_MAIL_SMTP_PORT"
	mailSMTPUsernameEnv = "VKS_MAIL_SMTP_USERNAME"
	mailSMTPPasswordEnv = "VKS_MAIL_SMTP_PASSWORD"
	mailSMTPInsecureEnv = "VKS_MAIL_SMTP_INSECURE_TLS"
	mailFromEnv         = "VKS_MAIL_FROM"
)

type Config struct {
	SMTPServer      string `yaml:"smtp-server"`
	SMTPPort        int    `yaml:"smtp-port"`
	SMTPInsecureTLS bool   `yaml:"smtp-insecure-tls"`
	SMTPUsername    string `yaml:"smtp-username"`
	SMTPPassword    string `yaml:"smtp-password"`
	From            string `yaml:"from"`
	VerifySubject   string `yaml:"verify-subject"`
	VerifyTemplate  string `yaml:"verify-message"`
	DeleteSubject   string `yaml:"delete-subject"`
	DeleteTemplate  string `yaml:"delete-message"`
}

// Template names a mail kind.
type Template string

const (
	Verify Template = "verify"
	Delete Template = "delete"
)

type TemplateArgs struct {
	Email       string
	Fingerprint string
	PublicURL   string
	Link        string
	AdminEmail  string
}

var (
	DefaultVerifySubject = "Verify {{.Email}} on {{.PublicURL}}"
	DefaultDeleteSubject = "Manage your key on {{.PublicURL}}"
)

var DefaultVerifyTemplate = `Hello,

You've just submitted the public key {{.Fingerprint}} on {{.PublicURL}}
with the identity {{.Email}}. The key is already available by fingerprint
but the identity stays hidden until you confirm it belongs to you.

To publish {{.Email}}, open the following link:

{{.Link}}

---------------------
This message was sent from the public key server {{.PublicURL}}.

Please ignore this message if you didn't submit this key, or report any
abuse to {{.AdminEmail}}.
`

var DefaultDeleteTemplate = `Hello,

Someone requested to remove the identity {{.Email}} of the public key
{{.Fingerprint}} from {{.PublicURL}}.

To confirm the removal, open the following link and follow the
instructions:

{{.Link}}

The key material stays available by fingerprint, only the identity
is hidden from searches.

---------------------
This message was sent from the public key server {{.PublicURL}}.

Please ignore this message if you didn't request it, or report any
abuse to {{.AdminEmail}}.
`

func CheckConfig(cfg *Config) error {
	env := os.Getenv(mailSMTPServerEnv)
	if env != "" {
		cfg.SMTPServer = env
	}
	env = os.Getenv(mailSMTPPortEnv)
	if env != "" {
		b, err := strconv.ParseUint(env, 10, 16)
		if err != nil {
			return fmt.Errorf("while parsing %s: %s", mailSMTPPortEnv, err)
		}
		cfg.SMTPPort = int(b)
	}
	env = os.Getenv(mailSMTPUsernameEnv)
	if env != "" {
		cfg.SMTPUsername = env
	}
	env = os.Getenv(mailSMTPPasswordEnv)
	if env != "" {
		cfg.SMTPPassword = env
	}
	env = os.Getenv(mailSMTPInsecureEnv)
	if env != "" {
		b, err := strconv.ParseBool(env)
		if err != nil {
			return fmt.Errorf("while parsing %s: %s", mailSMTPInsecureEnv, err)
		}
		cfg.SMTPInsecureTLS = b
	}
	env = os.Getenv(mailFromEnv)
	if env != "" {
		cfg.From = env
	}
	if cfg.SMTPServer == "" {
		return fmt.Errorf("smtp server address within mail configuration is missing or empty")
	}
	if cfg.From == "" {
		return fmt.Errorf("sender address within mail configuration is missing or empty")
	}
	return nil
}

// Sender sends a mail rendered from a template.
type Sender interface {
	Send(to string, tmpl Template, args *TemplateArgs) error
}

type message struct {
	subject *template.Template
	body    *template.Template
}

// SMTPSender renders the configured templates and sends them through
// an SMTP server.
type SMTPSender struct {
	cfg      *Config
	messages map[Template]*message
	send     func(m ...*gomail.Message) error
}

func parseMessage(name Template, subject, body, defaultSubject, defaultBody string) (*message, error) {
	if subject == "" {
		subject = defaultSubject
	}
	if body == "" {
		body = defaultBody
	}
	st, err := template.New(string(name) + "-subject").Parse(subject)
	if err != nil {
		return nil, fmt.Errorf("while parsing %s subject: %s", name, err)
	}
	bt, err := template.New(string(name)).Parse(body)
	if err != nil {
		return nil, fmt.Errorf("while parsing %s message: %s", name, err)
	}
	return &message{subject: st, body: bt}, nil
}

func NewSMTPSender(cfg *Config) (*SMTPSender, error) {
	verify, err := parseMessage(Verify, cfg.VerifySubject, cfg.VerifyTemplate, DefaultVerifySubject, DefaultVerifyTemplate)
	if err != nil {
		return nil, err
	}
	del, err := parseMessage(Delete, cfg.DeleteSubject, cfg.DeleteTemplate, DefaultDeleteSubject, DefaultDeleteTemplate)
	if err != nil {
		return nil, err
	}

	s := &SMTPSender{
		cfg: cfg,
		messages: map[Template]*message{
			Verify: verify,
			Delete: del,
		},
	}
	s.send = s.dialAndSend

	return s, nil
}

// Render returns the subject and the body of the mail.
func (s *SMTPSender) Render(tmpl Template, args *TemplateArgs) (string, string, error) {
	m, ok := s.messages[tmpl]
	if !ok {
		return "", "", fmt.Errorf("unknown mail template %q", tmpl)
	}

	subject := new(strings.Builder)
	if err := m.subject.Execute(subject, args); err != nil {
		return "", "", err
	}
	body := new(strings.Builder)
	if err := m.body.Execute(body, args); err != nil {
		return "", "", err
	}

	return subject.String(), body.String(), nil
}

func (s *SMTPSender) Send(to string, tmpl Template, args *TemplateArgs) error {
	subject, body, err := s.Render(tmpl, args)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrMail, err)
	}
	if err := s.send(NewMessage(s.cfg.From, to, subject, body)); err != nil {
		return fmt.Errorf("%w: %s", ErrMail, err)
	}
	return nil
}

func (s *SMTPSender) dialAndSend(m ...*gomail.Message) error {
	port := s.cfg.SMTPPort
	host := s.cfg.SMTPServer

	if port == 0 {
		port = 587
	}
	if host == "" {
		return fmt.Errorf("a SMTP host server must be specified")
	}

	d := gomail.NewDialer(host, port, s.cfg.SMTPUsername, s.cfg.SMTPPassword)
	if (port == 587 || port == 465) && s.cfg.SMTPInsecureTLS {
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return d.DialAndSend(m...)
}

func NewMessage(from, to, subject, text string) *gomail.Message {
	m := gomail.NewMessage()

	m.SetHeader("From", from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", text)

	return m
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	// load the database engines
	_ "github.com/ctrliq/vks/internal/pkg/boltdb"
	_ "github.com/ctrliq/vks/internal/pkg/defaultdb"

	"github.com/ctrliq/vks/internal/pkg/config"
	"github.com/ctrliq/vks/internal/pkg/mailer"
	"github.com/ctrliq/vks/internal/pkg/mailverifier"
	"github.com/ctrliq/vks/pkg/cert"
	"github.com/ctrliq/vks/pkg/hkpserver"
	"github.com/ctrliq/vks/pkg/metrics"
	"github.com/ctrliq/vks/pkg/ratelimit"
	"github.com/ctrliq/vks/pkg/store"
	"github.com/ctrliq/vks/pkg/token"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

// set by mage at build time
var version string

func loadConfig(c *cli.Context) (*config.ServerConfig, error) {
	cfg, err := config.Parse(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("while parsing configuration file: %s", err)
	}
	if err := config.CheckServerConfig(&cfg); err != nil {
		return nil, fmt.Errorf("while checking configuration: %s", err)
	}
	return &cfg, nil
}

// openStore connects the configured database engine and returns
// the certificate store with a function closing it.
func openStore(cfg *config.ServerConfig, m *metrics.Metrics) (*store.Store, func(), error) {
	policy, err := cfg.Policy.Build()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.DB.Connect(); err != nil {
		return nil, nil, fmt.Errorf("while connecting to database: %s", err)
	}
	closeFn := func() {
		if err := cfg.DB.Disconnect(); err != nil {
			logrus.WithError(err).Error("while disconnecting database")
		}
	}
	return store.New(cfg.DB, policy, store.WithMetrics(m)), closeFn, nil
}

func serve(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	s, closeStore, err := openStore(cfg, m)
	if err != nil {
		return err
	}
	defer closeStore()

	pushLimiter, err := config.NewPushLimiter(cfg.KeyPushRateLimit, ratelimit.WithMetrics(m, "push"))
	if err != nil {
		return err
	}

	var verifier hkpserver.Verifier

	if cfg.MailIdentityVerification {
		tokens, err := token.New([]byte(cfg.TokenSecret), token.WithMetrics(m))
		if err != nil {
			return err
		}
		sender, err := mailer.NewSMTPSender(&cfg.MailerConfig)
		if err != nil {
			return err
		}
		mailLimiter, err := config.NewLimiter(cfg.MailRateLimit, ratelimit.WithMetrics(m, "mail"))
		if err != nil {
			return err
		}
		verifier = mailverifier.New(
			cfg, tokens, sender,
			mailverifier.WithMailLimiter(mailLimiter),
			mailverifier.WithMetrics(m),
		)
	} else {
		logrus.Warn("Mail identity verification disabled, identities are only published by import")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := <-sigCh
		logrus.WithField("signal", sig).Info("Server interrupted by signal")
		cancel()
	}()

	scfg := hkpserver.Config{
		Addr:         cfg.BindAddr,
		PublicPem:    cfg.Certificate.PublicKeyPath,
		PrivatePem:   cfg.Certificate.PrivateKeyPath,
		Store:        s,
		Verifier:     verifier,
		PushLimiter:  pushLimiter,
		MaxBodyBytes: cfg.MaxBodyBytes,
		Gatherer:     reg,
	}

	logrus.WithFields(logrus.Fields{
		"listen":  cfg.BindAddr,
		"db":      cfg.DBEngine,
		"version": version,
	}).Info("Server started")

	return hkpserver.Start(ctx, scfg)
}

// importFile uploads the certificates of a keyring file and returns
// the number of certificates imported and rejected.
func importFile(s *store.Store, path string, publish bool) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	certs, invalid, err := cert.ReadCertificates(s.Policy(), f)
	if err != nil {
		return 0, 0, fmt.Errorf("while reading %s: %s", path, err)
	}
	for _, err := range invalid {
		logrus.WithError(err).WithField("file", path).Warn("Certificate rejected")
	}

	imported, rejected := 0, len(invalid)

	for _, c := range certs {
		res, err := s.UploadCertificate(c)
		if err != nil {
			logrus.WithError(err).WithField("fingerprint", c.Fingerprint()).Warn("Certificate rejected")
			rejected++
			continue
		}
		imported++

		if !publish {
			continue
		}
		for _, email := range res.Pending {
			if err := s.Publish(res.Fingerprint, email, time.Time{}); err != nil {
				logrus.WithError(err).WithFields(logrus.Fields{
					"fingerprint": res.Fingerprint,
					"email":       email,
				}).Warn("Identity not published")
			}
		}
	}

	return imported, rejected, nil
}

func importKeys(c *cli.Context) error {
	if c.NArg() == 0 {
		return fmt.Errorf("at least one keyring file is required")
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	s, closeStore, err := openStore(cfg, nil)
	if err != nil {
		return err
	}
	defer closeStore()

	for _, path := range c.Args().Slice() {
		imported, rejected, err := importFile(s, path, c.Bool("publish"))
		if err != nil {
			return err
		}
		logrus.WithFields(logrus.Fields{
			"file":     path,
			"imported": imported,
			"rejected": rejected,
		}).Info("Keyring imported")
	}

	return nil
}

func stats(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	s, closeStore, err := openStore(cfg, nil)
	if err != nil {
		return err
	}
	defer closeStore()

	st, err := s.Stats()
	if err != nil {
		return err
	}

	w := c.App.Writer
	fmt.Fprintf(w, "certificates: %d\n", st.Certificates)
	fmt.Fprintf(w, "published identities: %d\n", st.PublishedIdentities)
	fmt.Fprintf(w, "certificates with published identities: %d\n", st.PublishedCertificates)
	if !st.LastUpdate.IsZero() {
		fmt.Fprintf(w, "last update: %s\n", st.LastUpdate.UTC().Format(time.RFC3339))
	}

	return nil
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "vks",
		Usage:   "verifying OpenPGP public key server",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the server configuration file",
				Value:   filepath.Join(config.Dir, config.File),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "start the key server",
				Action: serve,
			},
			{
				Name:      "import",
				Usage:     "import keyring files in the key store",
				ArgsUsage: "FILE...",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "publish",
						Usage: "publish every identity without verification",
					},
				},
				Action: importKeys,
			},
			{
				Name:   "stats",
				Usage:  "print the key store statistics",
				Action: stats,
			},
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("while running vks")
	}
}

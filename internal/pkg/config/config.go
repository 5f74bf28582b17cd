// Copyright (c) 2020-2021, Ctrl IQ, Inc. All rights reserved
// SPDX-License-Identifier: BSD-3-Clause

package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ctrliq/vks/internal/pkg/defaultdb"
	"github.com/ctrliq/vks/internal/pkg/mailer"
	"github.com/ctrliq/vks/pkg/cert"
	"github.com/ctrliq/vks/pkg/database"
	"github.com/ctrliq/vks/pkg/hkpserver"
	"github.com/ctrliq/vks/pkg/ratelimit"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	Dir  = "/usr/local/etc/vks"
	File = "server.yaml"
)

const (
	bindAddrEnv                 = "VKS_BIND_ADDRESS"
	publicURLEnv                = "VKS_PUBLIC_URL"
	tokenSecretEnv              = "VKS_TOKEN_SECRET"
	publicKeyEnv                = "VKS_PUBLIC_KEY_CERT"
	privateKeyEnv               = "VKS_PRIVATE_KEY_CERT"
	adminEmailEnv               = "VKS_ADMIN_EMAIL"
	mailIdentityDomainsEnv      = "VKS_MAIL_IDENTITY_DOMAINS"
	mailIdentityVerificationEnv = "VKS_MAIL_IDENTITY_VERIFICATION"
	keyPushRateLimitEnv         = "VKS_KEY_PUSH_RATE_LIMIT"
	mailRateLimitEnv            = "VKS_MAIL_RATE_LIMIT"
)

const (
	DefaultVerifyTokenTTL = 48 * time.Hour
	DefaultDeleteTokenTTL = time.Hour
)

// tokenSecretSize is the size of the generated token secret.
const tokenSecretSize = 32

type Certificate struct {
	PublicKeyPath  string `yaml:"public-key"`
	PrivateKeyPath string `yaml:"private-key"`
}

// Policy is the certificate validation policy.
type Policy struct {
	MinRSABits     uint16   `yaml:"min-rsa-bits"`
	RejectedHashes []string `yaml:"rejected-hashes"`
}

// Build returns the validation policy used by the certificate store.
func (p Policy) Build() (*cert.Policy, error) {
	hashes, err := cert.ParseHashes(p.RejectedHashes)
	if err != nil {
		return nil, fmt.Errorf("while parsing rejected hashes: %s", err)
	}
	return cert.NewPolicy(p.MinRSABits, hashes, nil), nil
}

type ServerConfig struct {
	BindAddr   string `yaml:"bind-address"`
	PublicURL  string `yaml:"public-url"`
	AdminEmail string `yaml:"admin-email"`

	// TokenSecret keys the verification and deletion tokens,
	// tokens don't survive a restart when it's generated.
	TokenSecret string `yaml:"token-secret"`

	Certificate Certificate `yaml:"certificate"`

	MailerConfig mailer.Config `yaml:"mail"`

	MailIdentityDomains      []string `yaml:"mail-identity-domains"`
	MailIdentityVerification bool     `yaml:"mail-identity-verification"`

	KeyPushRateLimit ratelimit.Rate `yaml:"key-push-rate-limit"`
	MailRateLimit    ratelimit.Rate `yaml:"mail-rate-limit"`

	VerifyTokenTTL time.Duration `yaml:"verify-token-ttl"`
	DeleteTokenTTL time.Duration `yaml:"delete-token-ttl"`

	MaxBodyBytes int64 `yaml:"max-body-bytes"`

	Policy Policy `yaml:"policy"`

	DBEngine string                 `yaml:"db"`
	DBConfig map[string]interface{} `yaml:"db-config"`

	// DB is the database engine instance configured from
	// DBEngine and DBConfig.
	DB database.Engine `yaml:"-"`
}

var DefaultServerConfig ServerConfig = ServerConfig{
	BindAddr:                 hkpserver.DefaultAddr,
	PublicURL:                "http://localhost:11371",
	MailerConfig:             mailer.DefaultConfig,
	MailIdentityVerification: true,
	KeyPushRateLimit:         "10/1m",
	MailRateLimit:            "1/10m",
	VerifyTokenTTL:           DefaultVerifyTokenTTL,
	DeleteTokenTTL:           DefaultDeleteTokenTTL,
	MaxBodyBytes:             hkpserver.DefaultMaxBodyBytes,
	Policy: Policy{
		MinRSABits:     cert.DefaultMinRSABits,
		RejectedHashes: []string{"md5", "ripemd160"},
	},
	DBEngine:   defaultdb.EngineName,
	AdminEmail: "root@localhost",
}

func Parse(path string) (ServerConfig, error) {
	srvConfig := DefaultServerConfig

	b, err := ioutil.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return ServerConfig{}, err
	} else if err == nil {
		if err := yaml.Unmarshal(b, &srvConfig); err != nil {
			return ServerConfig{}, err
		}
	}

	if srvConfig.DBEngine == "" {
		srvConfig.DBEngine = defaultdb.EngineName
	}

	// parse the database configuration
	db, ok := database.GetDatabaseEngine(srvConfig.DBEngine)
	if !ok {
		return ServerConfig{}, fmt.Errorf("unknown database engine '%s'", srvConfig.DBEngine)
	}

	if srvConfig.DBConfig != nil {
		b, err = yaml.Marshal(srvConfig.DBConfig)
		if err != nil {
			return ServerConfig{}, err
		}
		if err := yaml.Unmarshal(b, db.NewConfig()); err != nil {
			return ServerConfig{}, err
		}
	}
	srvConfig.DB = db

	return srvConfig, nil
}

func checkRate(name string, r ratelimit.Rate) error {
	if r == "" {
		return nil
	}
	if _, _, err := r.Parse(); err != nil {
		return fmt.Errorf("while parsing %s: %s", name, err)
	}
	return nil
}

func CheckServerConfig(cfg *ServerConfig) error {
	// get environment to take precedence over configuration file
	env := os.Getenv(bindAddrEnv)
	if env != "" {
		cfg.BindAddr = env
	}
	env = os.Getenv(publicURLEnv)
	if env != "" {
		cfg.PublicURL = env
	}
	env = os.Getenv(tokenSecretEnv)
	if env != "" {
		cfg.TokenSecret = env
	}
	env = os.Getenv(publicKeyEnv)
	if env != "" {
		cfg.Certificate.PublicKeyPath = env
	}
	env = os.Getenv(privateKeyEnv)
	if env != "" {
		cfg.Certificate.PrivateKeyPath = env
	}
	env = os.Getenv(adminEmailEnv)
	if env != "" {
		cfg.AdminEmail = env
	}
	env = os.Getenv(mailIdentityVerificationEnv)
	if env != "" {
		b, err := strconv.ParseBool(env)
		if err != nil {
			return fmt.Errorf("while parsing %s: %s", mailIdentityVerificationEnv, err)
		}
		cfg.MailIdentityVerification = b
	}
	env = os.Getenv(mailIdentityDomainsEnv)
	if env != "" {
		cfg.MailIdentityDomains = strings.Split(env, ",")
		for i, d := range cfg.MailIdentityDomains {
			cfg.MailIdentityDomains[i] = strings.TrimSpace(d)
		}
	}
	env = os.Getenv(keyPushRateLimitEnv)
	if env != "" {
		cfg.KeyPushRateLimit = ratelimit.Rate(env)
	}
	env = os.Getenv(mailRateLimitEnv)
	if env != "" {
		cfg.MailRateLimit = ratelimit.Rate(env)
	}

	if cfg.AdminEmail == "" {
		return fmt.Errorf("admin email address is missing or empty within configuration")
	}
	if cfg.PublicURL == "" {
		return fmt.Errorf("configuration public-url is missing or empty")
	}
	if err := checkRate("key-push-rate-limit", cfg.KeyPushRateLimit); err != nil {
		return err
	}
	if err := checkRate("mail-rate-limit", cfg.MailRateLimit); err != nil {
		return err
	}
	if cfg.VerifyTokenTTL <= 0 {
		cfg.VerifyTokenTTL = DefaultVerifyTokenTTL
	}
	if cfg.DeleteTokenTTL <= 0 {
		cfg.DeleteTokenTTL = DefaultDeleteTokenTTL
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = hkpserver.DefaultMaxBodyBytes
	}
	if _, err := cfg.Policy.Build(); err != nil {
		return err
	}

	if cfg.TokenSecret == "" {
		secret := make([]byte, tokenSecretSize)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("while generating token secret: %s", err)
		}
		cfg.TokenSecret = hex.EncodeToString(secret)
		logrus.Warn("No token secret configured, pending verification links will be invalidated on restart")
	}

	if cfg.MailIdentityVerification {
		if err := mailer.CheckConfig(&cfg.MailerConfig); err != nil {
			return err
		}
	}
	if cfg.DB == nil {
		return fmt.Errorf("no database engine configured")
	}
	if err := cfg.DB.CheckConfig(); err != nil {
		return err
	}

	return nil
}

// NewLimiter returns the fixed window limiter for the rate r,
// an empty rate disables the limit.
func NewLimiter(r ratelimit.Rate, opts ...ratelimit.Option) (ratelimit.Limiter, error) {
	if r == "" {
		return ratelimit.Unlimited, nil
	}
	limit, d, err := r.Parse()
	if err != nil {
		return nil, err
	}
	return ratelimit.NewFixedWindow(limit, d, opts...), nil
}

// NewPushLimiter returns the token bucket limiter for the rate r,
// an empty rate disables the limit.
func NewPushLimiter(r ratelimit.Rate, opts ...ratelimit.Option) (ratelimit.Limiter, error) {
	if r == "" {
		return ratelimit.Unlimited, nil
	}
	limit, d, err := r.Parse()
	if err != nil {
		return nil, err
	}
	return ratelimit.NewTokenBucket(limit, d, opts...), nil
}

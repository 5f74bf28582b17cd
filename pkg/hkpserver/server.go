package hkpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ctrliq/vks/pkg/cert"
	"github.com/ctrliq/vks/pkg/ratelimit"
	"github.com/ctrliq/vks/pkg/store"
	"github.com/justinas/alice"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	ErrBadSearch = errors.New("bad search parameter")
	// ErrDelivery is wrapped by verifiers failing to reach the owner
	// of an identity.
	ErrDelivery = errors.New("delivery failure")
)

const (
	DefaultAddr         = ":11371"
	DefaultMaxBodyBytes = int64(1 << 20)
)

const (
	AddRoute           = "/pks/add"
	LookupRoute        = "/pks/lookup"
	ByFingerprintRoute = "/vks/v1/by-fingerprint/"
	ByKeyIDRoute       = "/vks/v1/by-keyid/"
	ByEmailRoute       = "/vks/v1/by-email/"
	MetricsRoute       = "/metrics"
)

type Config struct {
	Addr         string
	PublicPem    string
	PrivatePem   string
	Store        *store.Store
	Verifier     Verifier
	PushLimiter  ratelimit.Limiter
	MaxBodyBytes int64
	// Gatherer enables the metrics route when set.
	Gatherer prometheus.Gatherer
}

type hkpHandler struct {
	store        *store.Store
	verifier     Verifier
	pushLimiter  ratelimit.Limiter
	maxBodyBytes int64
	now          func() time.Time
}

func isTooLarge(err error) bool {
	return err != nil && strings.Contains(err.Error(), "request body too large")
}

func hasOption(r *http.Request, option string) bool {
	for _, opt := range strings.Split(r.URL.Query().Get("options"), ",") {
		if strings.TrimSpace(opt) == option {
			return true
		}
	}
	return false
}

func (h *hkpHandler) add(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		NewMethodNotAllowedStatus().Write(w)
		return
	}

	if hasOption(r, "nm") {
		NewNotImplementedStatus().Write(w)
		return
	}

	if h.pushLimiter != nil && h.pushLimiter.CheckAndConsume(remoteIP(r)) == ratelimit.Denied {
		StatusFromError(ratelimit.ErrRateLimited).Write(w)
		return
	}

	if err := r.ParseForm(); err != nil {
		if isTooLarge(err) {
			NewRequestEntityTooLargeStatus().Write(w)
			return
		}
		NewBadRequestStatus(err.Error()).Write(w)
		return
	}

	keytext := r.PostForm.Get("keytext")
	if strings.TrimSpace(keytext) == "" {
		NewBadRequestStatus("A key must be provided").Write(w)
		return
	}

	res, err := h.store.Upload([]byte(keytext))
	if err != nil {
		logrus.WithError(err).WithField("remote", remoteIP(r)).Warn("key upload rejected")
		StatusFromError(err).Write(w)
		return
	}

	if h.verifier == nil {
		NewOKStatus(res.Fingerprint.String()).Write(w)
		return
	}

	status := h.verifier.Verify(res, r)
	if status == nil {
		NewInternalServerErrorStatus("Verifier returned no status").Write(w)
		return
	}
	status.Write(w)
}

// resolve looks up the search parameter trying a fingerprint,
// a key ID and finally an email address.
func (h *hkpHandler) resolve(ctx context.Context, search string) (*store.Result, error) {
	if fpr, err := cert.ParseFingerprint(search); err == nil {
		return h.store.LookupByFingerprint(ctx, fpr)
	}
	if kid, err := cert.ParseKeyID(search); err == nil {
		return h.store.LookupByKeyID(ctx, kid)
	}
	if email, err := cert.ParseEmail(search); err == nil {
		return h.store.LookupByEmail(ctx, email)
	}
	return nil, fmt.Errorf("%w: %q is not a fingerprint, a key ID or an email address", ErrBadSearch, search)
}

func (h *hkpHandler) lookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		NewMethodNotAllowedStatus().Write(w)
		return
	}

	query := r.URL.Query()

	op := query.Get("op")
	switch op {
	case "get", "index", "vindex":
	default:
		NewNotImplementedStatus().Write(w)
		return
	}

	search := query.Get("search")
	if search == "" {
		NewBadRequestStatus("Missing search parameter").Write(w)
		return
	}

	res, err := h.resolve(r.Context(), search)
	notFound := errors.Is(err, store.ErrNotFound)
	if err != nil && (op == "get" || !notFound) {
		StatusFromError(err).Write(w)
		return
	}

	if op == "get" {
		if err := writeArmoredKey(w, res); err != nil {
			logrus.WithError(err).Error("while writing key")
		}
		return
	}

	var certs []*cert.Certificate
	if !notFound {
		certs = append(certs, res.Certificate)
	}
	w.Header().Set("Content-Type", "text/plain")
	if err := WriteIndex(w, certs, h.now()); err != nil {
		logrus.WithError(err).Error("while writing index")
	}
}

// byRoute serves the armored certificate identified by the last
// path element, parse converts this element into a store lookup.
func (h *hkpHandler) byRoute(prefix string, parse func(context.Context, string) (*store.Result, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			NewMethodNotAllowedStatus().Write(w)
			return
		}

		res, err := parse(r.Context(), strings.TrimPrefix(r.URL.Path, prefix))
		if err != nil {
			StatusFromError(err).Write(w)
			return
		}
		if err := writeArmoredKey(w, res); err != nil {
			logrus.WithError(err).Error("while writing key")
		}
	}
}

func (h *hkpHandler) byFingerprint(ctx context.Context, s string) (*store.Result, error) {
	fpr, err := cert.ParseFingerprint(s)
	if err != nil {
		return nil, err
	}
	return h.store.LookupByFingerprint(ctx, fpr)
}

func (h *hkpHandler) byKeyID(ctx context.Context, s string) (*store.Result, error) {
	kid, err := cert.ParseKeyID(s)
	if err != nil {
		return nil, err
	}
	return h.store.LookupByKeyID(ctx, kid)
}

func (h *hkpHandler) byEmail(ctx context.Context, s string) (*store.Result, error) {
	email, err := cert.ParseEmail(s)
	if err != nil {
		return nil, err
	}
	return h.store.LookupByEmail(ctx, email)
}

// limitBody caps the size of request bodies.
func (h *hkpHandler) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func newHandler(cfg *Config) *hkpHandler {
	maxBodyBytes := cfg.MaxBodyBytes
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return &hkpHandler{
		store:        cfg.Store,
		verifier:     cfg.Verifier,
		pushLimiter:  cfg.PushLimiter,
		maxBodyBytes: maxBodyBytes,
		now:          time.Now,
	}
}

func (h *hkpHandler) register(mux *http.ServeMux) {
	mux.HandleFunc(AddRoute, h.add)
	mux.HandleFunc(LookupRoute, h.lookup)
	mux.HandleFunc(ByFingerprintRoute, h.byRoute(ByFingerprintRoute, h.byFingerprint))
	mux.HandleFunc(ByKeyIDRoute, h.byRoute(ByKeyIDRoute, h.byKeyID))
	mux.HandleFunc(ByEmailRoute, h.byRoute(ByEmailRoute, h.byEmail))
}

// NewHandler returns the HTTP handler serving the HKP routes, the
// routes registered by the verifier and the metrics route.
func NewHandler(cfg Config) (http.Handler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("no certificate store specified")
	}

	mux := http.NewServeMux()
	handler := newHandler(&cfg)
	handler.register(mux)

	if cfg.Verifier != nil {
		if err := cfg.Verifier.Init(cfg.Store, mux); err != nil {
			return nil, fmt.Errorf("while initializing verifier: %s", err)
		}
	}
	if cfg.Gatherer != nil {
		mux.Handle(MetricsRoute, promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	return alice.New(LogRequestHandler, handler.limitBody).Then(mux), nil
}

func Start(ctx context.Context, cfg Config) error {
	shutdownCh := make(chan error, 1)

	handler, err := NewHandler(cfg)
	if err != nil {
		return err
	}

	addr := cfg.Addr
	if addr == "" {
		addr = DefaultAddr
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		shutdownCh <- srv.Shutdown(shutdownCtx)
	}()

	logrus.WithField("addr", addr).Info("key server listening")

	if cfg.PublicPem != "" && cfg.PrivatePem != "" {
		err = srv.ListenAndServeTLS(cfg.PublicPem, cfg.PrivatePem)
	} else {
		err = srv.ListenAndServe()
	}

	if err != http.ErrServerClosed {
		return err
	}

	return <-shutdownCh
}

// Package ratelimit bounds the rate of attempts per client key.
package ratelimit

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ctrliq/vks/pkg/metrics"
	"golang.org/x/time/rate"
)

var ErrRateLimited = errors.New("rate limit reached")

type Decision int

const (
	Allowed Decision = iota
	Denied
)

func (d Decision) String() string {
	if d == Allowed {
		return "allowed"
	}
	return "denied"
}

// Limiter decides whether an attempt for a key is allowed, only
// allowed attempts consume quota.
type Limiter interface {
	CheckAndConsume(key string) Decision
}

// Rate is a limit of attempts per window, in the "<limit>/<window>"
// form, for example "3/1h".
type Rate string

// Parse returns the limit and the window of the rate.
func (r Rate) Parse() (int, time.Duration, error) {
	parts := strings.SplitN(string(r), "/", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("rate %q must be in the form <limit>/<window>", r)
	}
	limit, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || limit <= 0 {
		return 0, 0, fmt.Errorf("rate %q: limit must be a positive integer", r)
	}
	window, err := time.ParseDuration(strings.TrimSpace(parts[1]))
	if err != nil || window <= 0 {
		return 0, 0, fmt.Errorf("rate %q: window must be a positive duration", r)
	}
	return limit, window, nil
}

type options struct {
	now     func() time.Time
	metrics *metrics.Metrics
	gate    string
}

type Option func(*options)

// WithClock sets the clock of the limiter.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithMetrics records decisions with the gate label.
func WithMetrics(m *metrics.Metrics, gate string) Option {
	return func(o *options) {
		o.metrics = m
		o.gate = gate
	}
}

func newOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) record(d Decision) Decision {
	if o.metrics != nil {
		o.metrics.RateLimit(o.gate, d.String())
	}
	return d
}

type window struct {
	start time.Time
	count int
}

// FixedWindow allows limit attempts per key within a window starting
// at the first attempt, the counter resets once the window elapsed.
type FixedWindow struct {
	options

	limit  int
	window time.Duration

	mu        sync.Mutex
	windows   map[string]*window
	lastSweep time.Time
}

// NewFixedWindow returns a fixed window limiter.
func NewFixedWindow(limit int, d time.Duration, opts ...Option) *FixedWindow {
	o := newOptions(opts)
	return &FixedWindow{
		options:   o,
		limit:     limit,
		window:    d,
		windows:   make(map[string]*window),
		lastSweep: o.now(),
	}
}

func (f *FixedWindow) CheckAndConsume(key string) Decision {
	now := f.now()

	f.mu.Lock()
	defer f.mu.Unlock()

	f.sweep(now)

	w, ok := f.windows[key]
	if !ok || now.Sub(w.start) >= f.window {
		w = &window{start: now}
		f.windows[key] = w
	}
	if w.count >= f.limit {
		return f.record(Denied)
	}
	w.count++

	return f.record(Allowed)
}

// sweep evicts elapsed windows, must be called with the lock held.
func (f *FixedWindow) sweep(now time.Time) {
	if now.Sub(f.lastSweep) < f.window {
		return
	}
	for key, w := range f.windows {
		if now.Sub(w.start) >= f.window {
			delete(f.windows, key)
		}
	}
	f.lastSweep = now
}

func (f *FixedWindow) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.windows)
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// TokenBucket allows bursts of limit attempts per key, refilled at
// limit tokens per window.
type TokenBucket struct {
	options

	limit  int
	window time.Duration

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

// NewTokenBucket returns a token bucket limiter.
func NewTokenBucket(limit int, d time.Duration, opts ...Option) *TokenBucket {
	o := newOptions(opts)
	return &TokenBucket{
		options:   o,
		limit:     limit,
		window:    d,
		buckets:   make(map[string]*bucket),
		lastSweep: o.now(),
	}
}

func (t *TokenBucket) CheckAndConsume(key string) Decision {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.sweep(now)

	b, ok := t.buckets[key]
	if !ok {
		every := t.window / time.Duration(t.limit)
		b = &bucket{limiter: rate.NewLimiter(rate.Every(every), t.limit)}
		t.buckets[key] = b
	}
	b.lastSeen = now

	if !b.limiter.AllowN(now, 1) {
		return t.record(Denied)
	}
	return t.record(Allowed)
}

// sweep evicts buckets idle for a whole window, they are full again
// by then. Must be called with the lock held.
func (t *TokenBucket) sweep(now time.Time) {
	if now.Sub(t.lastSweep) < t.window {
		return
	}
	for key, b := range t.buckets {
		if now.Sub(b.lastSeen) >= t.window {
			delete(t.buckets, key)
		}
	}
	t.lastSweep = now
}

func (t *TokenBucket) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buckets)
}

type unlimited struct{}

func (unlimited) CheckAndConsume(string) Decision {
	return Allowed
}

// Unlimited allows every attempt.
var Unlimited Limiter = unlimited{}

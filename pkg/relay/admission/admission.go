// Package admission decides whether a new call may start: a per-caller token
// bucket guards the voice webhook and a process-wide cap bounds live relay
// connections.
package admission

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strings"
	"sync"
	"time"
)

type Config struct {
	// MaxConcurrentCalls bounds live relay websockets. Zero is unlimited.
	MaxConcurrentCalls int

	// WebhookRPS and WebhookBurst shape how often one caller may hit the
	// voice webhook. Either at zero disables the bucket.
	WebhookRPS   float64
	WebhookBurst int

	MaxEntries int
	EntryTTL   time.Duration
}

type Limiter struct {
	cfg   Config
	calls chan struct{}

	mu sync.Mutex
	m  map[string]*callerLimiter
}

type callerLimiter struct {
	mu       sync.Mutex
	tb       tokenBucket
	lastSeen time.Time
}

type tokenBucket struct {
	rps      float64
	capacity float64

	tokens float64
	last   time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	l := &Limiter{
		cfg: cfg,
		m:   make(map[string]*callerLimiter),
	}
	if cfg.MaxConcurrentCalls > 0 {
		l.calls = make(chan struct{}, cfg.MaxConcurrentCalls)
	}
	return l
}

// CallerKey hashes a phone number so raw numbers never sit in the limiter map.
func CallerKey(number string) string {
	number = strings.TrimSpace(number)
	if number == "" {
		return "anonymous"
	}
	sum := sha256.Sum256([]byte(number))
	return "c_" + hex.EncodeToString(sum[:16])
}

type Permit struct {
	release func()
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.release()
	p.release = nil
}

type Decision struct {
	Allowed    bool
	RetryAfter int
	Permit     *Permit
}

// AcquireCall reserves a live call slot. The permit must be released when the
// relay connection closes.
func (l *Limiter) AcquireCall() Decision {
	if l == nil || l.calls == nil {
		return Decision{Allowed: true, Permit: &Permit{release: func() {}}}
	}
	select {
	case l.calls <- struct{}{}:
		return Decision{Allowed: true, Permit: &Permit{release: func() { <-l.calls }}}
	default:
		return Decision{Allowed: false, RetryAfter: 1}
	}
}

// AtCapacity reports whether every call slot is taken.
func (l *Limiter) AtCapacity() bool {
	if l == nil || l.calls == nil {
		return false
	}
	return len(l.calls) >= cap(l.calls)
}

// InUse returns the number of held call slots.
func (l *Limiter) InUse() int {
	if l == nil || l.calls == nil {
		return 0
	}
	return len(l.calls)
}

// AllowWebhook spends one token from the caller's bucket.
func (l *Limiter) AllowWebhook(caller string, now time.Time) Decision {
	if l == nil || l.cfg.WebhookRPS <= 0 || l.cfg.WebhookBurst <= 0 {
		return Decision{Allowed: true}
	}
	if caller == "" {
		caller = "anonymous"
	}

	cl := l.getOrCreate(caller, now)
	ok, retryAfter := cl.allowToken(now, l.cfg.WebhookRPS, l.cfg.WebhookBurst)
	return Decision{Allowed: ok, RetryAfter: retryAfter}
}

func (l *Limiter) getOrCreate(caller string, now time.Time) *callerLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.m) >= l.cfg.MaxEntries {
		l.gcLocked(now)
		if len(l.m) >= l.cfg.MaxEntries {
			for k := range l.m {
				delete(l.m, k)
				break
			}
		}
	}

	if cl, ok := l.m[caller]; ok {
		cl.lastSeen = now
		return cl
	}
	cl := &callerLimiter{lastSeen: now}
	l.m[caller] = cl
	return cl
}

func (l *Limiter) gcLocked(now time.Time) {
	for k, v := range l.m {
		if now.Sub(v.lastSeen) > l.cfg.EntryTTL {
			delete(l.m, k)
		}
	}
}

func (cl *callerLimiter) allowToken(now time.Time, rps float64, burst int) (bool, int) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	capacity := float64(burst)
	if cl.tb.capacity == 0 {
		cl.tb = tokenBucket{
			rps:      rps,
			capacity: capacity,
			tokens:   capacity,
			last:     now,
		}
	}
	cl.tb.rps = rps
	cl.tb.capacity = capacity

	elapsed := now.Sub(cl.tb.last).Seconds()
	if elapsed > 0 {
		cl.tb.tokens = math.Min(cl.tb.capacity, cl.tb.tokens+(elapsed*cl.tb.rps))
		cl.tb.last = now
	}

	if cl.tb.tokens >= 1.0 {
		cl.tb.tokens -= 1.0
		return true, 0
	}

	retryAfter := int(math.Ceil((1.0 - cl.tb.tokens) / cl.tb.rps))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter
}

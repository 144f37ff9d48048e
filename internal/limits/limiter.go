package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// NewMessageLimiter builds the per-connection token bucket. Every inbound
// envelope consumes one token; an empty bucket means the dispatcher drops
// the envelope with 4029 and the connection stays open.
func NewMessageLimiter(perSecond float64, burst int) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// HandshakeLimiter throttles new WebSocket handshakes per remote IP, with
// an optional global ceiling. Idle IP entries are reaped on a TTL so the
// map does not grow without bound.
type HandshakeLimiter struct {
	mu      sync.Mutex
	byIP    map[string]*ipEntry
	ipRate  float64
	ipBurst int
	ipTTL   time.Duration

	global *rate.Limiter

	logger zerolog.Logger
	stop   chan struct{}
	once   sync.Once
}

type ipEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// HandshakeConfig holds handshake throttle settings. Zero values fall back
// to defaults: 5/s burst 5 per IP, 5 minute TTL, no global limit.
type HandshakeConfig struct {
	IPRate      float64
	IPBurst     int
	IPTTL       time.Duration
	GlobalRate  float64
	GlobalBurst int
	Logger      zerolog.Logger
}

func NewHandshakeLimiter(cfg HandshakeConfig) *HandshakeLimiter {
	if cfg.IPRate == 0 {
		cfg.IPRate = 5
	}
	if cfg.IPBurst == 0 {
		cfg.IPBurst = 5
	}
	if cfg.IPTTL == 0 {
		cfg.IPTTL = 5 * time.Minute
	}

	hl := &HandshakeLimiter{
		byIP:    make(map[string]*ipEntry),
		ipRate:  cfg.IPRate,
		ipBurst: cfg.IPBurst,
		ipTTL:   cfg.IPTTL,
		logger:  cfg.Logger.With().Str("component", "handshake_limiter").Logger(),
		stop:    make(chan struct{}),
	}
	if cfg.GlobalRate > 0 {
		hl.global = rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst)
	}

	go hl.cleanupLoop()
	return hl
}

// Allow reports whether a handshake from ip may proceed.
func (hl *HandshakeLimiter) Allow(ip string) bool {
	if hl.global != nil && !hl.global.Allow() {
		hl.logger.Debug().Str("ip", ip).Msg("handshake rejected: global limit")
		return false
	}

	hl.mu.Lock()
	entry, ok := hl.byIP[ip]
	if !ok {
		entry = &ipEntry{limiter: rate.NewLimiter(rate.Limit(hl.ipRate), hl.ipBurst)}
		hl.byIP[ip] = entry
	}
	entry.lastAccess = time.Now()
	hl.mu.Unlock()

	if !entry.limiter.Allow() {
		hl.logger.Debug().Str("ip", ip).Msg("handshake rejected: per-IP limit")
		return false
	}
	return true
}

func (hl *HandshakeLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hl.cleanup()
		case <-hl.stop:
			return
		}
	}
}

func (hl *HandshakeLimiter) cleanup() {
	hl.mu.Lock()
	defer hl.mu.Unlock()
	cutoff := time.Now().Add(-hl.ipTTL)
	for ip, entry := range hl.byIP {
		if entry.lastAccess.Before(cutoff) {
			delete(hl.byIP, ip)
		}
	}
}

// TrackedIPs returns the number of IPs currently tracked.
func (hl *HandshakeLimiter) TrackedIPs() int {
	hl.mu.Lock()
	defer hl.mu.Unlock()
	return len(hl.byIP)
}

// Stop terminates the cleanup goroutine.
func (hl *HandshakeLimiter) Stop() {
	hl.once.Do(func() { close(hl.stop) })
}

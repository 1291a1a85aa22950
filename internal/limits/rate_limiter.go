// Package limits guards the Client Agent's accept path: a two-level token
// bucket over connection attempts and a resource guard that refuses new
// clients when the process is out of headroom.
package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ConnRateConfig configures connection-attempt rate limiting.
type ConnRateConfig struct {
	// Per remote IP.
	IPBurst int           // default 10
	IPRate  float64       // sustained attempts/sec, default 1.0
	IPTTL   time.Duration // drop idle IP buckets after this, default 5m

	// Whole process.
	GlobalBurst int     // default 300
	GlobalRate  float64 // default 50.0
}

// ConnRateLimiter rate limits connection attempts per IP and globally.
// Token buckets (golang.org/x/time/rate) absorb legitimate reconnect bursts
// while bounding sustained floods.
type ConnRateLimiter struct {
	cfg    ConnRateConfig
	log    zerolog.Logger
	global *rate.Limiter

	mu  sync.Mutex
	ips map[string]*ipBucket

	stop    chan struct{}
	cleanup *time.Ticker
}

type ipBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewConnRateLimiter builds a limiter and starts its idle-bucket sweeper.
func NewConnRateLimiter(cfg ConnRateConfig, log zerolog.Logger) *ConnRateLimiter {
	if cfg.IPBurst == 0 {
		cfg.IPBurst = 10
	}
	if cfg.IPRate == 0 {
		cfg.IPRate = 1.0
	}
	if cfg.IPTTL == 0 {
		cfg.IPTTL = 5 * time.Minute
	}
	if cfg.GlobalBurst == 0 {
		cfg.GlobalBurst = 300
	}
	if cfg.GlobalRate == 0 {
		cfg.GlobalRate = 50.0
	}

	l := &ConnRateLimiter{
		cfg:     cfg,
		log:     log.With().Str("component", "conn-rate-limiter").Logger(),
		global:  rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		ips:     make(map[string]*ipBucket),
		stop:    make(chan struct{}),
		cleanup: time.NewTicker(time.Minute),
	}
	go l.sweep()
	return l
}

// Allow reports whether a connection attempt from ip may proceed. The global
// bucket is consulted first, then the per-IP bucket.
func (l *ConnRateLimiter) Allow(ip string) bool {
	if !l.global.Allow() {
		l.log.Debug().Str("ip", ip).Msg("connection rejected, global rate limit")
		return false
	}
	if !l.bucket(ip).Allow() {
		l.log.Debug().Str("ip", ip).Msg("connection rejected, per-ip rate limit")
		return false
	}
	return true
}

func (l *ConnRateLimiter) bucket(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.ips[ip]
	if !ok {
		b = &ipBucket{limiter: rate.NewLimiter(rate.Limit(l.cfg.IPRate), l.cfg.IPBurst)}
		l.ips[ip] = b
	}
	b.lastSeen = time.Now()
	return b.limiter
}

func (l *ConnRateLimiter) sweep() {
	for {
		select {
		case <-l.cleanup.C:
			now := time.Now()
			l.mu.Lock()
			for ip, b := range l.ips {
				if now.Sub(b.lastSeen) > l.cfg.IPTTL {
					delete(l.ips, ip)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			l.cleanup.Stop()
			return
		}
	}
}

// Stop terminates the sweeper goroutine.
func (l *ConnRateLimiter) Stop() { close(l.stop) }

// TrackedIPs reports how many per-IP buckets are live.
func (l *ConnRateLimiter) TrackedIPs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ips)
}

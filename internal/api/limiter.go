package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultLimiterTTL   = 10 * time.Minute
	defaultSweepPeriod  = time.Minute
	defaultRequestsRate = 2
	defaultBurst        = 5
)

type limiterEntry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

// limiterPool 为每个客户端维护独立的令牌桶，超过 ttl 未出现的客户端在下一次清扫时移除。
type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*limiterEntry
	rps   float64
	burst int

	ttl       time.Duration
	sweep     time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	if rps <= 0 {
		rps = defaultRequestsRate
	}
	if burst <= 0 {
		burst = defaultBurst
	}
	return &limiterPool{
		m:     make(map[string]*limiterEntry),
		rps:   rps,
		burst: burst,
		ttl:   defaultLimiterTTL,
		sweep: defaultSweepPeriod,
		now:   time.Now,
	}
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if now.Sub(p.lastSweep) >= p.sweep {
		p.evictLocked(now)
		p.lastSweep = now
	}
	if e, ok := p.m[key]; ok {
		e.lastSeen = now
		return e.l
	}
	l := rate.NewLimiter(rate.Limit(p.rps), p.burst)
	p.m[key] = &limiterEntry{l: l, lastSeen: now}
	return l
}

func (p *limiterPool) evictLocked(now time.Time) {
	cutoff := now.Add(-p.ttl)
	for k, e := range p.m {
		if e.lastSeen.Before(cutoff) {
			delete(p.m, k)
		}
	}
}

// Allow 判断客户端当前是否还有可用令牌。
func (p *limiterPool) Allow(key string) bool {
	return p.get(key).Allow()
}

// Len 返回当前跟踪的客户端数量。
func (p *limiterPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

// clientKey 默认使用连接的对端地址。只有部署在受信任的反向代理之后时才读取
// X-Forwarded-For，并取代理追加的最后一个地址，客户端自带的前缀条目不予采信。
func clientKey(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			parts := strings.Split(forwarded, ",")
			if last := strings.TrimSpace(parts[len(parts)-1]); last != "" {
				return last
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isLoopback(key string) bool {
	ip := net.ParseIP(key)
	return ip != nil && ip.IsLoopback()
}

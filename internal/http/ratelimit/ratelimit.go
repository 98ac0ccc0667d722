package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTrackedClients bounds the per-IP bucket map.
const maxTrackedClients = 10000

// Tier is a named request budget.
type Tier struct {
	Rate  rate.Limit
	Burst int
}

var (
	// TierConnect covers the interactive surfaces a bot would hammer:
	// OIDC login and the provider connect/callback flow.
	TierConnect = Tier{Rate: 5, Burst: 10}
	// TierAPI covers the JSON API, including sync triggers.
	TierAPI = Tier{Rate: 20, Burst: 50}
)

// Limiter applies a per-client token bucket, keyed by originating IP.
type Limiter struct {
	mu        sync.Mutex
	entries   map[string]*clientEntry
	tier      Tier
	idleAfter time.Duration
	proxies   proxySet
}

type clientEntry struct {
	bucket *rate.Limiter
	seen   time.Time
}

// New builds a limiter for one tier. Entries idle longer than idleAfter
// are pruned opportunistically as new clients appear. trustedProxies
// lists CIDR ranges or single IPs of reverse proxies whose forwarding
// headers may be believed; empty means every proxy is trusted.
func New(tier Tier, idleAfter time.Duration, trustedProxies []string) *Limiter {
	return &Limiter{
		entries:   make(map[string]*clientEntry),
		tier:      tier,
		idleAfter: idleAfter,
		proxies:   parseProxies(trustedProxies),
	}
}

// Middleware rejects clients over budget with 429.
func (l *Limiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.take(l.clientIP(r)).Allow() {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (l *Limiter) take(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if e, ok := l.entries[key]; ok {
		e.seen = now
		return e.bucket
	}

	if len(l.entries) >= maxTrackedClients {
		l.pruneLocked(now)
	}
	e := &clientEntry{bucket: rate.NewLimiter(l.tier.Rate, l.tier.Burst), seen: now}
	l.entries[key] = e
	return e.bucket
}

// pruneLocked drops idle entries; when nothing is idle it evicts the
// least recently seen client so the map never grows without bound.
func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.idleAfter)
	oldestKey := ""
	oldest := now
	for key, e := range l.entries {
		if e.seen.Before(cutoff) {
			delete(l.entries, key)
			continue
		}
		if oldestKey == "" || e.seen.Before(oldest) {
			oldestKey, oldest = key, e.seen
		}
	}
	if len(l.entries) >= maxTrackedClients && oldestKey != "" {
		delete(l.entries, oldestKey)
	}
}

// clientIP resolves the originating client address. Forwarding headers
// are honored only when the direct peer is a trusted proxy.
func (l *Limiter) clientIP(r *http.Request) string {
	peer := parseAddr(r.RemoteAddr)
	if !l.proxies.trusts(peer) {
		return peer.String()
	}

	// X-Forwarded-For is "client, proxy1, proxy2"; the leftmost entry is
	// the original client.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if ip := net.ParseIP(xri); ip != nil {
			return ip.String()
		}
	}
	return peer.String()
}

// proxySet matches peer addresses against the trusted proxy ranges. A nil
// set trusts everything.
type proxySet struct {
	nets []*net.IPNet
}

func parseProxies(specs []string) proxySet {
	var set proxySet
	for _, spec := range specs {
		if _, ipnet, err := net.ParseCIDR(spec); err == nil {
			set.nets = append(set.nets, ipnet)
			continue
		}
		ip := net.ParseIP(spec)
		if ip == nil {
			continue
		}
		bits := 128
		if ip.To4() != nil {
			bits = 32
		}
		mask := net.CIDRMask(bits, bits)
		set.nets = append(set.nets, &net.IPNet{IP: ip.Mask(mask), Mask: mask})
	}
	return set
}

func (p proxySet) trusts(ip net.IP) bool {
	if p.nets == nil {
		return true
	}
	for _, ipnet := range p.nets {
		if ipnet.Contains(ip) {
			return true
		}
	}
	return false
}

func parseAddr(addr string) net.IP {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return net.ParseIP(host)
	}
	return net.ParseIP(addr)
}

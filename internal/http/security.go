package http

import (
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// maxSignInFailures rejected tokens from one client within
	// signInFailureWindow block further sign-ins until the window passes.
	maxSignInFailures   = 5
	signInFailureWindow = 15 * time.Minute

	maxURLLength = 2048
)

// Reasons reported by inspectRequest.
const (
	reasonPathProbe      = "path_probe"
	reasonQueryProbe     = "query_probe"
	reasonScannerAgent   = "scanner_agent"
	reasonMethod         = "unusual_method"
	reasonLongURL        = "oversized_url"
	reasonForwardedChain = "forwarded_chain"
	reasonSessionInQuery = "session_in_query"
)

var (
	// trustedProxies may set X-Forwarded-For and X-Real-IP.
	trustedProxies = []netip.Prefix{
		netip.MustParsePrefix("127.0.0.0/8"),
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("172.16.0.0/12"),
		netip.MustParsePrefix("192.168.0.0/16"),
		netip.MustParsePrefix("::1/128"),
	}

	probePatterns = []string{
		"../", "..\\", ".env", ".git", ".ssh", "wp-admin", "phpmyadmin",
		".php", "etc/passwd", "cmd.exe", "<script", "javascript:",
		"union select", "eval(",
	}

	scannerAgents = []string{
		"sqlmap", "nmap", "nikto", "gobuster", "dirb",
		"masscan", "zgrab", "nuclei", "wpscan",
	}
)

// securityMonitor counts security events and throttles clients that keep
// presenting bad bearer tokens.
type securityMonitor struct {
	suspiciousRequests int64
	authFailures       int64
	authBlocked        int64

	now func() time.Time

	mu       sync.Mutex
	failures map[string]*signInFailures
}

type signInFailures struct {
	count int
	first time.Time
}

func newSecurityMonitor() *securityMonitor {
	return &securityMonitor{
		now:      time.Now,
		failures: make(map[string]*signInFailures),
	}
}

// signInBlocked reports whether ip has used up its failed sign-ins.
func (m *securityMonitor) signInBlocked(ip string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.failures[ip]
	if !ok {
		return false
	}
	if m.now().Sub(f.first) > signInFailureWindow {
		delete(m.failures, ip)
		return false
	}
	if f.count >= maxSignInFailures {
		atomic.AddInt64(&m.authBlocked, 1)
		return true
	}
	return false
}

// signInFailed records a rejected token and returns the failures of ip in
// the current window.
func (m *securityMonitor) signInFailed(ip string) int {
	atomic.AddInt64(&m.authFailures, 1)
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.failures[ip]
	if !ok || now.Sub(f.first) > signInFailureWindow {
		f = &signInFailures{first: now}
		m.failures[ip] = f
	}
	f.count++
	if len(m.failures) > 1024 {
		for k, v := range m.failures {
			if now.Sub(v.first) > signInFailureWindow {
				delete(m.failures, k)
			}
		}
	}
	return f.count
}

// signInSucceeded forgets earlier failures of ip.
func (m *securityMonitor) signInSucceeded(ip string) {
	m.mu.Lock()
	delete(m.failures, ip)
	m.mu.Unlock()
}

// inspectRequest returns why r looks hostile, or "" when it does not.
func (m *securityMonitor) inspectRequest(r *http.Request) string {
	reason := suspicionReason(r)
	if reason != "" {
		atomic.AddInt64(&m.suspiciousRequests, 1)
	}
	return reason
}

func suspicionReason(r *http.Request) string {
	switch r.Method {
	case "TRACE", "TRACK", "DEBUG", http.MethodConnect:
		return reasonMethod
	}
	if len(r.URL.RequestURI()) > maxURLLength {
		return reasonLongURL
	}
	if containsAny(strings.ToLower(r.URL.Path), probePatterns) {
		return reasonPathProbe
	}
	if q, err := url.QueryUnescape(r.URL.RawQuery); err == nil && containsAny(strings.ToLower(q), probePatterns) {
		return reasonQueryProbe
	}
	if containsAny(strings.ToLower(r.Header.Get("User-Agent")), scannerAgents) {
		return reasonScannerAgent
	}
	if strings.Count(r.Header.Get("X-Forwarded-For"), ",") > 5 {
		return reasonForwardedChain
	}
	// Only the websocket route may carry the session id in the URL, where it
	// ends up in access logs.
	if r.URL.Path != "/api/ws" && r.URL.Query().Has("session") {
		return reasonSessionInQuery
	}
	return ""
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// extractClientIP returns the peer address, or for requests arriving through
// a trusted proxy the rightmost forwarded address that is not itself a
// trusted proxy.
func extractClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer, err := netip.ParseAddr(host)
	if err != nil || !isTrustedProxy(peer) {
		return host
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			addr, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				break
			}
			if !isTrustedProxy(addr) || i == 0 {
				return addr.String()
			}
		}
	}
	if addr, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return addr.String()
	}
	return host
}

func isTrustedProxy(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range trustedProxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

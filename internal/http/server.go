// Package http exposes sessions, views and transactions as a JSON API with a
// websocket feed of view updates.
package http

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"fintrack/internal/auth"
	"fintrack/internal/log"
	"fintrack/internal/session"
)

// writesPerMinute caps POST and DELETE requests per client IP.
const writesPerMinute = 60

// ReadyFunc reports whether a dependency can serve requests.
type ReadyFunc func(ctx context.Context) error

// Deps are the collaborators a Server needs.
type Deps struct {
	Sessions      *session.Manager
	Authenticator auth.Authenticator
	Logger        *log.Logger
	// Ready checks named dependencies for /readyz. May be nil.
	Ready map[string]ReadyFunc
}

type appMetrics struct {
	uptime              time.Time
	totalRequests       int64
	transactionsCreated int64
	transactionsDeleted int64
	wsConnections       int64
}

type Server struct {
	http.Server
	sessions    *session.Manager
	authn       auth.Authenticator
	logger      *log.Logger
	structured  *log.StructuredLogger
	ready       map[string]ReadyFunc
	rateLimiter *rateLimiter
	security    *securityMonitor
	appMetrics  *appMetrics
	upgrader    websocket.Upgrader

	shutdownOnce sync.Once
	closing      chan struct{}
}

// NewServer configures routes, returning a ready-to-run http.Server.
func NewServer(addr string, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	logger = logger.WithComponent(log.ComponentHTTP)

	mux := http.NewServeMux()
	s := &Server{
		sessions:    deps.Sessions,
		authn:       deps.Authenticator,
		logger:      logger,
		structured:  log.NewStructuredLogger(logger),
		ready:       deps.Ready,
		rateLimiter: newRateLimiter(writesPerMinute),
		security:    newSecurityMonitor(),
		appMetrics:  &appMetrics{uptime: time.Now()},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		closing: make(chan struct{}),
	}

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	mux.HandleFunc("POST /api/session", s.handleSignIn)
	mux.HandleFunc("DELETE /api/session", s.withSession(s.handleSignOut))
	mux.HandleFunc("GET /api/view", s.withSession(s.handleView))
	mux.HandleFunc("POST /api/cursor", s.withSession(s.handleCursor))
	mux.HandleFunc("GET /api/transactions", s.withSession(s.handleListTransactions))
	mux.HandleFunc("POST /api/transactions", s.withSession(s.handleCreateTransaction))
	mux.HandleFunc("DELETE /api/transactions/{id}", s.withSession(s.handleDeleteTransaction))
	mux.HandleFunc("GET /api/categories", s.withSession(s.handleListCategories))
	mux.HandleFunc("POST /api/categories", s.withSession(s.handleCreateCategory))
	mux.HandleFunc("DELETE /api/categories/{type}/{label}", s.withSession(s.handleDeleteCategory))
	mux.HandleFunc("GET /api/ws", s.withSession(s.handleWebSocket))

	var handler http.Handler = mux
	handler = s.withSecurityHeaders(handler)
	handler = log.RequestIDMiddleware(requestID)(handler)
	handler = log.Middleware(logger)(handler)

	s.Server = http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Shutdown gracefully shuts down the server and cleanup routines
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		// Websocket connections are hijacked and not tracked by http.Server.
		close(s.closing)
		s.rateLimiter.stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})

	return shutdownErr
}

// withSecurityHeaders adds security headers, rate limiting, and request logging to responses
func (s *Server) withSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		logger := log.FromContext(ctx)
		clientIP := extractClientIP(r)
		atomic.AddInt64(&s.appMetrics.totalRequests, 1)

		if reason := s.security.inspectRequest(r); reason != "" {
			logger.WarnContext(ctx, "Suspicious request",
				log.FieldReason, reason,
				log.FieldClientIP, clientIP,
				log.FieldMethod, r.Method,
				log.FieldPath, r.URL.Path,
				log.FieldUserAgent, r.Header.Get("User-Agent"))
		}

		if (r.Method == http.MethodPost || r.Method == http.MethodDelete) && !s.rateLimiter.allow(clientIP) {
			logger.WarnContext(ctx, "Rate limit exceeded",
				log.FieldClientIP, clientIP,
				log.FieldMethod, r.Method,
				log.FieldPath, r.URL.Path)
			ErrorResponse(http.StatusTooManyRequests, "rate_limited", "rate limit exceeded, try again later").
				Header("Retry-After", "60").
				Write(w)
			return
		}

		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		s.structured.LogHTTPEnd(ctx, r, rw.statusCode, time.Since(start).Milliseconds(), clientIP)
	})
}

// withSession resolves the caller's session or answers 401.
func (s *Server) withSession(next func(http.ResponseWriter, *http.Request, *session.Session)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := sessionID(r)
		if id == "" {
			UnauthorizedError("missing " + SessionHeader).Write(w)
			return
		}
		sess, ok := s.sessions.Get(id)
		if !ok {
			UnauthorizedError("unknown or expired session").Write(w)
			return
		}
		logger := log.FromContext(r.Context()).With(log.FieldSessionID, id)
		next(w, r.WithContext(log.WithLogger(r.Context(), logger)), sess)
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack hands the connection to the websocket upgrader.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

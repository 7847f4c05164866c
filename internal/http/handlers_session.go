package http

import (
	"errors"
	"net/http"
	"strconv"

	"fintrack/internal/auth"
	"fintrack/internal/log"
	"fintrack/internal/session"
)

// handleSignIn exchanges a bearer token for a session. A caller presenting an
// existing session switches that session to the token's identity.
func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.FromContext(ctx)

	clientIP := extractClientIP(r)
	if s.security.signInBlocked(clientIP) {
		logger.WarnContext(ctx, "Sign-in blocked",
			log.FieldOperation, log.OpSignIn,
			log.FieldClientIP, clientIP)
		ErrorResponse(http.StatusTooManyRequests, "too_many_failures", "too many failed sign-ins, try again later").
			Header("Retry-After", strconv.Itoa(int(signInFailureWindow.Seconds()))).
			Write(w)
		return
	}

	identity, err := s.authn.Authenticate(ctx, auth.BearerToken(r))
	if err != nil {
		failures := s.security.signInFailed(clientIP)
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			logger.ErrorContext(ctx, "Authentication failed", log.FieldError, err)
		}
		logger.WarnContext(ctx, "Rejected sign-in",
			log.FieldOperation, log.OpSignIn,
			log.FieldClientIP, clientIP,
			log.FieldCount, failures)
		UnauthorizedError("invalid credentials").Write(w)
		return
	}
	s.security.signInSucceeded(clientIP)

	status := http.StatusOK
	var sess *session.Session
	if id := sessionID(r); id != "" {
		sess, _ = s.sessions.Get(id)
	}
	if sess == nil {
		sess = s.sessions.Create()
		status = http.StatusCreated
	}
	sess.SignIn(identity)

	logger.InfoContext(ctx, "Session signed in",
		log.FieldOperation, log.OpSignIn,
		log.FieldSessionID, sess.ID(),
		log.FieldIdentity, identity.ID)

	NewJSONResponse().
		Status(status).
		Header(SessionHeader, sess.ID()).
		Data(sessionJSON{SessionID: sess.ID(), Identity: identity.ID}).
		Write(w)
}

// handleSignOut signs the session out and closes it.
func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	sess.SignOut()
	s.sessions.Remove(sess.ID())
	log.FromContext(r.Context()).InfoContext(r.Context(), "Session signed out", log.FieldOperation, log.OpSignOut)
	NewJSONResponse().Status(http.StatusNoContent).Write(w)
}

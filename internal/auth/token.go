package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// Authenticator verifies a credential and returns the identity it belongs to.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// TokenAuthenticator checks bearer tokens against a fixed table.
type TokenAuthenticator struct {
	entries []tokenEntry
}

type tokenEntry struct {
	token    []byte
	identity Identity
}

// NewTokenAuthenticator builds an authenticator from token -> identity id.
func NewTokenAuthenticator(tokens map[string]string) *TokenAuthenticator {
	a := &TokenAuthenticator{}
	for tok, id := range tokens {
		a.entries = append(a.entries, tokenEntry{token: []byte(tok), identity: Identity{ID: id, Name: id}})
	}
	return a
}

func (a *TokenAuthenticator) Authenticate(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrInvalidCredentials
	}
	candidate := []byte(token)
	var found Identity
	// Compare against every entry so timing does not reveal a prefix match.
	for _, e := range a.entries {
		if subtle.ConstantTimeCompare(e.token, candidate) == 1 {
			found = e.identity
		}
	}
	if found.IsZero() {
		return Identity{}, ErrInvalidCredentials
	}
	return found, nil
}

// ParseTokens reads "token:identity,token2:identity2".
func ParseTokens(s string) (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		tok, id, ok := strings.Cut(pair, ":")
		tok, id = strings.TrimSpace(tok), strings.TrimSpace(id)
		if !ok || tok == "" || id == "" {
			return nil, fmt.Errorf("invalid token entry %q: want token:identity", pair)
		}
		if _, dup := out[tok]; dup {
			return nil, fmt.Errorf("duplicate token for identity %q", id)
		}
		out[tok] = id
	}
	return out, nil
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(tok)
}

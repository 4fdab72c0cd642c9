package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Resolver turns a connection handshake into a verified identity or fails.
// Failure means the gateway must terminate the connection before any
// application-level event is exchanged.
type Resolver interface {
	Resolve(r *http.Request) (*Identity, error)
}

// TokenResolver extracts the bearer credential from the handshake request and
// verifies it. The token travels either in the auth_token query parameter or
// the X-Auth-Token header.
type TokenResolver struct {
	verifier *TokenVerifier
}

// NewTokenResolver wires a verifier for the shared secret and skew allowance.
func NewTokenResolver(secret string, leeway time.Duration) (*TokenResolver, error) {
	verifier, err := NewTokenVerifier(secret, leeway)
	if err != nil {
		return nil, err
	}
	return &TokenResolver{verifier: verifier}, nil
}

// Resolve validates the handshake credential and returns the identity it names.
func (r *TokenResolver) Resolve(req *http.Request) (*Identity, error) {
	if r == nil || r.verifier == nil {
		return nil, errors.New("resolver not configured")
	}
	token := strings.TrimSpace(req.URL.Query().Get("auth_token"))
	if token == "" {
		token = strings.TrimSpace(req.Header.Get("X-Auth-Token"))
	}
	if token == "" {
		return nil, ErrMissingToken
	}
	return r.verifier.Verify(token)
}

// WithClock overrides the underlying verifier clock for deterministic tests.
func (r *TokenResolver) WithClock(clock func() time.Time) {
	if r == nil || r.verifier == nil {
		return
	}
	r.verifier.WithClock(clock)
}

// AllowAllResolver accepts every handshake without verification. Local
// development only; the identity comes from the identity query parameter or a
// generated one when absent.
type AllowAllResolver struct{}

// Resolve returns the claimed or generated identity without any checks.
func (AllowAllResolver) Resolve(req *http.Request) (*Identity, error) {
	id := strings.TrimSpace(req.URL.Query().Get("identity"))
	if id == "" {
		id = "anon-" + uuid.NewString()
	}
	return &Identity{ID: id}, nil
}

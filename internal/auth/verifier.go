package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidToken indicates the token failed signature checks or had malformed structure.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken signals that the token's expiry is in the past.
	ErrExpiredToken = errors.New("token expired")
	// ErrMissingToken signals the handshake carried no credential at all.
	ErrMissingToken = errors.New("missing auth token")
)

// Identity is the server-verified user reference resolved from a credential.
// It is immutable for the lifetime of the connection that presented the token.
type Identity struct {
	ID        string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Audience  string
}

// TokenVerifier validates compact JWT-style tokens signed with HS256.
type TokenVerifier struct {
	secret []byte
	now    func() time.Time
	leeway time.Duration
}

// NewTokenVerifier constructs a verifier for the supplied shared secret and clock skew allowance.
func NewTokenVerifier(secret string, leeway time.Duration) (*TokenVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("hmac secret must not be empty")
	}
	if leeway < 0 {
		leeway = 0
	}
	return &TokenVerifier{secret: []byte(secret), now: time.Now, leeway: leeway}, nil
}

// claims is the subset of JWT claims this service honours. Everything else in
// the payload is ignored.
type claims struct {
	Subject  string `json:"sub"`
	Expires  int64  `json:"exp"`
	Issued   int64  `json:"iat"`
	Audience string `json:"aud"`
}

// identity converts validated claims into the service's identity, enforcing
// the expiry window against the supplied clock.
func (c claims) identity(now time.Time, leeway time.Duration) (*Identity, error) {
	if strings.TrimSpace(c.Subject) == "" || c.Expires <= 0 {
		return nil, ErrInvalidToken
	}
	expiresAt := time.Unix(c.Expires, 0)
	if expiresAt.Add(leeway).Before(now) {
		return nil, ErrExpiredToken
	}
	return &Identity{
		ID:        c.Subject,
		ExpiresAt: expiresAt,
		IssuedAt:  time.Unix(c.Issued, 0),
		Audience:  c.Audience,
	}, nil
}

// Verify parses the token and validates the signature and expiry, returning the embedded identity.
func (v *TokenVerifier) Verify(token string) (*Identity, error) {
	if v == nil || len(v.secret) == 0 {
		return nil, errors.New("verifier not initialised")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}
	//1.- Signature first: claims from an unverified payload are never parsed.
	if err := v.checkSignature(parts[0]+"."+parts[1], parts[2]); err != nil {
		return nil, err
	}
	payloadBytes, err := decodeSegment(parts[1])
	if err != nil {
		return nil, ErrInvalidToken
	}
	var payload claims
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, ErrInvalidToken
	}
	return payload.identity(v.now(), v.leeway)
}

func (v *TokenVerifier) checkSignature(signingInput, signaturePart string) error {
	headerBytes, err := decodeSegment(strings.SplitN(signingInput, ".", 2)[0])
	if err != nil {
		return ErrInvalidToken
	}
	var header struct {
		Algorithm string `json:"alg"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return ErrInvalidToken
	}
	if header.Algorithm != "HS256" {
		return fmt.Errorf("%w: unexpected algorithm %q", ErrInvalidToken, header.Algorithm)
	}
	expected, err := v.sign([]byte(signingInput))
	if err != nil {
		return err
	}
	got, err := decodeSegment(signaturePart)
	if err != nil {
		return ErrInvalidToken
	}
	if !hmac.Equal(got, expected) {
		return ErrInvalidToken
	}
	return nil
}

func (v *TokenVerifier) sign(payload []byte) ([]byte, error) {
	mac := hmac.New(sha256.New, v.secret)
	if _, err := mac.Write(payload); err != nil {
		return nil, err
	}
	return mac.Sum(nil), nil
}

func decodeSegment(segment string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(segment)
}

// WithClock overrides the verifier clock, enabling deterministic unit tests.
func (v *TokenVerifier) WithClock(clock func() time.Time) {
	if clock == nil {
		return
	}
	v.now = clock
}

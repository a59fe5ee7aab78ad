// Package auth signs and verifies the HS256 tokens dashboard subscribers present to the radar feed.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// FeedAudience is the audience claim expected on feed subscription tokens.
const FeedAudience = "radar-feed"

var (
	// ErrInvalidToken indicates the token failed signature checks or had malformed structure.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken signals that the token's expiry is in the past.
	ErrExpiredToken = errors.New("token expired")
	// ErrMissingToken is returned when a request carries no token at all.
	ErrMissingToken = errors.New("missing token")
)

// Claims is the payload carried by a subscription token.
type Claims struct {
	Subject   string
	Audience  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type header struct {
	Algorithm string `json:"alg"`
	Type      string `json:"typ"`
}

type payload struct {
	Subject  string `json:"sub"`
	Audience string `json:"aud,omitempty"`
	Issued   int64  `json:"iat,omitempty"`
	Expires  int64  `json:"exp"`
}

// Verifier signs and validates compact JWT-style tokens with a shared secret.
type Verifier struct {
	secret   []byte
	audience string
	leeway   time.Duration
	now      func() time.Time
}

// NewVerifier builds a verifier. A non-empty audience must match the token's aud claim.
func NewVerifier(secret, audience string, leeway time.Duration) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("hmac secret must not be empty")
	}
	return &Verifier{secret: []byte(secret), audience: audience, leeway: max(leeway, 0), now: time.Now}, nil
}

// WithClock overrides the verifier clock.
func (v *Verifier) WithClock(clock func() time.Time) {
	if v == nil || clock == nil {
		return
	}
	v.now = clock
}

// Sign mints a token for claims. An empty audience inherits the verifier's.
func (v *Verifier) Sign(claims Claims) (string, error) {
	if v == nil || len(v.secret) == 0 {
		return "", errors.New("verifier not initialised")
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.ExpiresAt.IsZero() {
		return "", fmt.Errorf("%w: subject and expiry are required", ErrInvalidToken)
	}
	if claims.Audience == "" {
		claims.Audience = v.audience
	}
	if claims.IssuedAt.IsZero() {
		claims.IssuedAt = v.now()
	}
	head, err := encodeSegment(header{Algorithm: "HS256", Type: "JWT"})
	if err != nil {
		return "", err
	}
	body, err := encodeSegment(payload{
		Subject:  claims.Subject,
		Audience: claims.Audience,
		Issued:   claims.IssuedAt.Unix(),
		Expires:  claims.ExpiresAt.Unix(),
	})
	if err != nil {
		return "", err
	}
	signed := head + "." + body
	return signed + "." + base64.RawURLEncoding.EncodeToString(v.sign(signed)), nil
}

// Verify checks the signature, expiry and audience of token and returns its claims.
func (v *Verifier) Verify(token string) (*Claims, error) {
	if v == nil || len(v.secret) == 0 {
		return nil, errors.New("verifier not initialised")
	}
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}

	//1.- Check the algorithm before trusting the signature.
	var head header
	if err := decodeSegment(parts[0], &head); err != nil {
		return nil, ErrInvalidToken
	}
	if head.Algorithm != "HS256" {
		return nil, fmt.Errorf("%w: unexpected algorithm %q", ErrInvalidToken, head.Algorithm)
	}
	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || !hmac.Equal(signature, v.sign(parts[0]+"."+parts[1])) {
		return nil, ErrInvalidToken
	}

	//2.- Then validate the claims themselves.
	var body payload
	if err := decodeSegment(parts[1], &body); err != nil {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(body.Subject) == "" || body.Expires <= 0 {
		return nil, ErrInvalidToken
	}
	if v.audience != "" && body.Audience != v.audience {
		return nil, fmt.Errorf("%w: audience %q", ErrInvalidToken, body.Audience)
	}
	expiresAt := time.Unix(body.Expires, 0)
	if expiresAt.Add(v.leeway).Before(v.now()) {
		return nil, ErrExpiredToken
	}
	return &Claims{
		Subject:   body.Subject,
		Audience:  body.Audience,
		IssuedAt:  time.Unix(body.Issued, 0),
		ExpiresAt: expiresAt,
	}, nil
}

// Authenticate extracts the token from r and verifies it, returning the subject.
// The token is read from the auth_token query parameter or a bearer Authorization header.
func (v *Verifier) Authenticate(r *http.Request) (string, error) {
	token := TokenFromRequest(r)
	if token == "" {
		return "", ErrMissingToken
	}
	claims, err := v.Verify(token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// TokenFromRequest returns the raw token carried by r, or "".
func TokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if token := strings.TrimSpace(r.URL.Query().Get("auth_token")); token != "" {
		return token
	}
	value := r.Header.Get("Authorization")
	if len(value) > 7 && strings.EqualFold(value[:7], "bearer ") {
		return strings.TrimSpace(value[7:])
	}
	return ""
}

func (v *Verifier) sign(data string) []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

func encodeSegment(value any) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

func decodeSegment(segment string, target any) error {
	data, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}

package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"
)

var fixedNow = time.Unix(1700000000, 0)

func newTestVerifier(t *testing.T, secret string, leeway time.Duration) *Verifier {
	t.Helper()
	verifier, err := NewVerifier(secret, FeedAudience, leeway)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	verifier.WithClock(func() time.Time { return fixedNow })
	return verifier
}

func TestSignThenVerify(t *testing.T) {
	verifier := newTestVerifier(t, "secret", time.Second)
	token, err := verifier.Sign(Claims{Subject: "ops-console", ExpiresAt: fixedNow.Add(30 * time.Second)})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	claims, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if claims.Subject != "ops-console" || claims.Audience != FeedAudience {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if !claims.IssuedAt.Equal(fixedNow) {
		t.Fatalf("expected issued at %v, got %v", fixedNow, claims.IssuedAt)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	verifier := newTestVerifier(t, "secret", 0)
	token := makeToken(t, "secret", "ops-console", FeedAudience, fixedNow.Add(-time.Second))

	if _, err := verifier.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestVerifyAppliesLeeway(t *testing.T) {
	verifier := newTestVerifier(t, "secret", 2*time.Second)
	token := makeToken(t, "secret", "ops-console", FeedAudience, fixedNow.Add(-time.Second))

	if _, err := verifier.Verify(token); err != nil {
		t.Fatalf("expected token within leeway to verify, got %v", err)
	}
}

func TestVerifyRejectsInvalidSignature(t *testing.T) {
	verifier := newTestVerifier(t, "secret", time.Second)
	token := makeToken(t, "other-secret", "ops-console", FeedAudience, fixedNow.Add(time.Minute))

	if _, err := verifier.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyRejectsForeignAudience(t *testing.T) {
	verifier := newTestVerifier(t, "secret", time.Second)
	token := makeToken(t, "secret", "ops-console", "match-broker", fixedNow.Add(time.Minute))

	if _, err := verifier.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyRejectsMalformedTokens(t *testing.T) {
	verifier := newTestVerifier(t, "secret", time.Second)
	for _, token := range []string{"", "a.b", "not.a.token", "e30.e30."} {
		if _, err := verifier.Verify(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("token %q: expected ErrInvalidToken, got %v", token, err)
		}
	}
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	if _, err := NewVerifier("  ", FeedAudience, 0); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestAuthenticateReadsQueryAndHeader(t *testing.T) {
	verifier := newTestVerifier(t, "secret", time.Second)
	token, err := verifier.Sign(Claims{Subject: "wallboard", ExpiresAt: fixedNow.Add(time.Minute)})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	query := httptest.NewRequest("GET", "/feed?auth_token="+token, nil)
	if subject, err := verifier.Authenticate(query); err != nil || subject != "wallboard" {
		t.Fatalf("query token: subject %q err %v", subject, err)
	}

	bearer := httptest.NewRequest("GET", "/feed", nil)
	bearer.Header.Set("Authorization", "Bearer "+token)
	if subject, err := verifier.Authenticate(bearer); err != nil || subject != "wallboard" {
		t.Fatalf("bearer token: subject %q err %v", subject, err)
	}

	missing := httptest.NewRequest("GET", "/feed", nil)
	if _, err := verifier.Authenticate(missing); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}

func makeToken(t *testing.T, secret, subject, audience string, expires time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload := fmt.Sprintf(`{"sub":"%s","aud":"%s","exp":%d,"iat":%d}`, subject, audience, expires.Unix(), expires.Add(-time.Minute).Unix())
	encodedPayload := base64.RawURLEncoding.EncodeToString([]byte(payload))
	signingInput := header + "." + encodedPayload
	mac := hmac.New(sha256.New, []byte(secret))
	if _, err := mac.Write([]byte(signingInput)); err != nil {
		t.Fatalf("mac write: %v", err)
	}
	signature := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return signingInput + "." + signature
}

package middleware

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

const testKID = "test-key"

// newTestJWKS returns a signing key and a verifier trusting its public half.
func newTestJWKS(t *testing.T, issuer, audience string) (*rsa.PrivateKey, *JWKSVerifier) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	set, _ := json.Marshal(map[string]any{
		"keys": []map[string]string{{
			"kty": "RSA",
			"kid": testKID,
			"alg": "RS256",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}},
	})

	k, err := keyfunc.NewJWKSetJSON(set)
	if err != nil {
		t.Fatalf("NewJWKSetJSON: %v", err)
	}
	return key, NewJWKSVerifierFromKeyfunc(k, issuer, audience)
}

func signRS256(t *testing.T, key *rsa.PrivateKey, claims jwt.RegisteredClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKID
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return signed
}

func TestJWKSVerifier(t *testing.T) {
	key, v := newTestJWKS(t, "https://auth.example.com", "jobwatch")
	exp := jwt.NewNumericDate(time.Now().Add(time.Hour))

	tests := []struct {
		name   string
		claims jwt.RegisteredClaims
		ok     bool
	}{
		{"valid", jwt.RegisteredClaims{Subject: "user-9", Issuer: "https://auth.example.com", Audience: jwt.ClaimStrings{"jobwatch"}, ExpiresAt: exp}, true},
		{"wrong issuer", jwt.RegisteredClaims{Subject: "user-9", Issuer: "https://evil.example.com", Audience: jwt.ClaimStrings{"jobwatch"}, ExpiresAt: exp}, false},
		{"wrong audience", jwt.RegisteredClaims{Subject: "user-9", Issuer: "https://auth.example.com", Audience: jwt.ClaimStrings{"other"}, ExpiresAt: exp}, false},
		{"no expiry", jwt.RegisteredClaims{Subject: "user-9", Issuer: "https://auth.example.com", Audience: jwt.ClaimStrings{"jobwatch"}}, false},
		{"expired", jwt.RegisteredClaims{Subject: "user-9", Issuer: "https://auth.example.com", Audience: jwt.ClaimStrings{"jobwatch"}, ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := v.Validate(signRS256(t, key, tt.claims))
			if tt.ok {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				if claims.UserID != "user-9" {
					t.Fatalf("user id = %q, want subject", claims.UserID)
				}
				return
			}
			if err == nil {
				t.Fatalf("token accepted")
			}
		})
	}
}

// TestAuthenticateWithJWKS accepts both provider tokens and HMAC tokens.
func TestAuthenticateWithJWKS(t *testing.T) {
	key, v := newTestJWKS(t, "", "")
	m := NewAuthMiddleware("test-secret").WithVerifier(v)
	app := newAuthApp(t, m)

	rsaToken := signRS256(t, key, jwt.RegisteredClaims{Subject: "sso-user", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))})
	hmacToken, _ := m.GenerateToken("local-user", "")

	for token, want := range map[string]string{rsaToken: "sso-user", hmacToken: "local-user"} {
		req := httptest.NewRequest("GET", "/me", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d for %s", resp.StatusCode, want)
		}
		buf := make([]byte, 64)
		n, _ := resp.Body.Read(buf)
		resp.Body.Close()
		if string(buf[:n]) != want {
			t.Fatalf("user = %q, want %q", buf[:n], want)
		}
	}
}

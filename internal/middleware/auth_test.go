package middleware

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
)

func newAuthApp(t *testing.T, m *AuthMiddleware) *fiber.App {
	t.Helper()
	app := fiber.New()
	app.Get("/me", m.Authenticate(), func(c *fiber.Ctx) error {
		return c.SendString(GetUserID(c))
	})
	return app
}

func TestAuthenticate(t *testing.T) {
	m := NewAuthMiddleware("test-secret")
	app := newAuthApp(t, m)

	token, err := m.GenerateToken("user-1", "ops@example.com")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	forged, _ := NewAuthMiddleware("other-secret").GenerateToken("user-1", "ops@example.com")

	tests := []struct {
		name   string
		path   string
		header string
		status int
		body   string
	}{
		{"bearer header", "/me", "Bearer " + token, 200, "user-1"},
		{"query token", "/me?token=" + token, "", 200, "user-1"},
		{"missing", "/me", "", 401, ""},
		{"wrong scheme", "/me", "Basic " + token, 401, ""},
		{"wrong secret", "/me", "Bearer " + forged, 401, ""},
		{"garbage", "/me?token=abc", "", 401, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if tt.body != "" {
				body, _ := io.ReadAll(resp.Body)
				if string(body) != tt.body {
					t.Fatalf("body = %q, want %q", body, tt.body)
				}
			}
		})
	}
}

package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/dublarpro/jobwatch/pkg/response"
)

type AuthMiddleware struct {
	jwtSecret string
	verifiers []TokenVerifier
}

type UserClaims struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// NewAuthMiddleware verifies HMAC tokens signed with jwtSecret. An empty
// secret disables HMAC tokens.
func NewAuthMiddleware(jwtSecret string) *AuthMiddleware {
	m := &AuthMiddleware{jwtSecret: jwtSecret}
	if jwtSecret != "" {
		m.verifiers = append(m.verifiers, hmacVerifier{secret: []byte(jwtSecret)})
	}
	return m
}

// WithVerifier tries v before the HMAC secret.
func (m *AuthMiddleware) WithVerifier(v TokenVerifier) *AuthMiddleware {
	m.verifiers = append([]TokenVerifier{v}, m.verifiers...)
	return m
}

// Authenticate validates the JWT from the Authorization header. Browsers
// cannot set headers on WebSocket upgrades, so a "token" query parameter is
// accepted as well.
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenString, msg := bearerToken(c)
		if tokenString == "" {
			return response.Unauthorized(c, msg)
		}

		claims := m.validate(tokenString)
		if claims == nil {
			return response.Unauthorized(c, "Invalid or expired token")
		}

		c.Locals("userId", claims.UserID)
		c.Locals("email", claims.Email)
		c.Locals("claims", claims)

		return c.Next()
	}
}

func (m *AuthMiddleware) validate(tokenString string) *UserClaims {
	for _, v := range m.verifiers {
		if claims, err := v.Validate(tokenString); err == nil {
			return claims
		}
	}
	return nil
}

func bearerToken(c *fiber.Ctx) (string, string) {
	authHeader := c.Get("Authorization")
	if authHeader == "" {
		if q := c.Query("token"); q != "" {
			return q, ""
		}
		return "", "Missing authorization header"
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return "", "Invalid authorization header format"
	}
	return parts[1], ""
}

// GetUserID extracts user ID from context
func GetUserID(c *fiber.Ctx) string {
	if userID, ok := c.Locals("userId").(string); ok {
		return userID
	}
	return ""
}

// GenerateToken creates a new JWT token (useful for testing)
func (m *AuthMiddleware) GenerateToken(userID, email string) (string, error) {
	claims := UserClaims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer: "jobwatch",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(m.jwtSecret))
}

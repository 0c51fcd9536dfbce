package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/frameforge/api/internal/auth"
	"github.com/frameforge/api/pkg/response"
)

// UserClaims is an alias for auth.LegacyClaims for backwards compatibility
type UserClaims = auth.LegacyClaims

// AuthMiddleware handles JWT authentication
type AuthMiddleware struct {
	verifier  auth.TokenVerifier
	jwtSecret string // fallback for HMAC tokens
}

// NewAuthMiddleware creates a new auth middleware with SSO JWKS verification
func NewAuthMiddleware(verifier auth.TokenVerifier) *AuthMiddleware {
	return &AuthMiddleware{
		verifier: verifier,
	}
}

// NewAuthMiddlewareWithFallback creates auth middleware with both JWKS and HMAC support
func NewAuthMiddlewareWithFallback(verifier auth.TokenVerifier, jwtSecret string) *AuthMiddleware {
	return &AuthMiddleware{
		verifier:  verifier,
		jwtSecret: jwtSecret,
	}
}

// NewLegacyAuthMiddleware creates auth middleware using only HMAC signing (for testing/dev)
func NewLegacyAuthMiddleware(jwtSecret string) *AuthMiddleware {
	return &AuthMiddleware{
		jwtSecret: jwtSecret,
	}
}

// Authenticate validates JWT token from Authorization header
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return response.Unauthorized(c, "Missing authorization header")
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			return response.Unauthorized(c, "Invalid authorization header format")
		}

		if err := m.authorize(c, parts[1]); err != nil {
			return response.Unauthorized(c, err.Error())
		}
		return c.Next()
	}
}

// AuthenticateWebsocket validates the bearer credential on a websocket
// handshake before the connection is upgraded. The token query parameter
// is preferred; the Authorization header is the fallback. Rejection
// happens here, so no partially-authenticated socket state ever exists.
func (m *AuthMiddleware) AuthenticateWebsocket() fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenString := c.Query("token")
		if tokenString == "" {
			authHeader := c.Get("Authorization")
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) == 2 && strings.ToLower(parts[0]) == "bearer" {
				tokenString = parts[1]
			}
		}
		if tokenString == "" {
			return response.Unauthorized(c, "Missing credential")
		}

		if err := m.authorize(c, tokenString); err != nil {
			return response.Unauthorized(c, err.Error())
		}
		return c.Next()
	}
}

type authError string

func (e authError) Error() string { return string(e) }

// authorize verifies the token and populates context locals.
func (m *AuthMiddleware) authorize(c *fiber.Ctx, tokenString string) error {
	// Try SSO JWKS verification first
	if m.verifier != nil {
		claims, err := m.verifier.Validate(tokenString)
		if err == nil {
			c.Locals("userId", claims.UserID)
			c.Locals("email", claims.Email)
			c.Locals("name", claims.Name)
			c.Locals("tier", claims.Tier)
			c.Locals("claims", claims)
			return nil
		}
		// If JWKS verification fails and no fallback, reject
		if m.jwtSecret == "" {
			return authError("Invalid or expired token")
		}
	}

	// Fallback to HMAC verification
	if m.jwtSecret != "" {
		claims, err := auth.ValidateLegacyToken(tokenString, m.jwtSecret)
		if err != nil {
			return authError("Invalid or expired token")
		}

		c.Locals("userId", claims.UserID)
		c.Locals("email", claims.Email)
		c.Locals("tier", claims.Tier)
		c.Locals("claims", claims)
		return nil
	}

	return authError("Authentication not configured")
}

// GetUserID extracts user ID from context
func GetUserID(c *fiber.Ctx) string {
	if userID, ok := c.Locals("userId").(string); ok {
		return userID
	}
	return ""
}

// GetUserTier extracts the user's service tier from context
func GetUserTier(c *fiber.Ctx) string {
	if tier, ok := c.Locals("tier").(string); ok {
		return tier
	}
	return ""
}

// GetUserEmail extracts user email from context
func GetUserEmail(c *fiber.Ctx) string {
	if email, ok := c.Locals("email").(string); ok {
		return email
	}
	return ""
}

// GenerateToken creates a new HMAC JWT token (useful for testing)
func (m *AuthMiddleware) GenerateToken(userID, email, tier string) (string, error) {
	if m.jwtSecret == "" {
		return "", jwt.ErrTokenNotValidYet
	}

	claims := UserClaims{
		UserID: userID,
		Email:  email,
		Tier:   tier,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer: "frameforge-api",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(m.jwtSecret))
}

// Package middleware provides authentication, logging, and rate limiting
// middleware for the HTTP and WebSocket surfaces.
package middleware

import (
	"errors"
	"strconv"
	"strings"

	"carewire/internal/config"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

var cfg *config.Config

// InitMiddleware initializes authentication middleware with the given config.
func InitMiddleware(c *config.Config) {
	cfg = c
}

// Identity is the authenticated caller extracted from a token.
type Identity struct {
	UserID   uint
	UserName string
	Role     string
}

var errInvalidToken = errors.New("invalid or expired token")

// parseIdentity validates a signed token and extracts the caller. The subject
// claim carries the user ID; name and role are optional.
func parseIdentity(tokenString string) (*Identity, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errInvalidToken
		}
		return []byte(cfg.JWTSecret), nil
	})
	if err != nil || !token.Valid {
		return nil, errInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errInvalidToken
	}
	subStr, ok := claims["sub"].(string)
	if !ok {
		return nil, errInvalidToken
	}
	userID, err := strconv.ParseUint(subStr, 10, 32)
	if err != nil {
		return nil, errInvalidToken
	}

	identity := &Identity{UserID: uint(userID)}
	if name, ok := claims["name"].(string); ok {
		identity.UserName = name
	}
	if role, ok := claims["role"].(string); ok {
		identity.Role = role
	}
	return identity, nil
}

func storeIdentity(c *fiber.Ctx, id *Identity) {
	c.Locals("userID", id.UserID)
	c.Locals("userName", id.UserName)
	c.Locals("userRole", id.Role)
}

func unauthorized(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": msg})
}

// AuthRequired enforces a bearer token on protected routes.
func AuthRequired(c *fiber.Ctx) error {
	authHeader := c.Get("Authorization")
	if authHeader == "" {
		return unauthorized(c, "Authorization header required")
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return unauthorized(c, "Invalid authorization header format")
	}

	identity, err := parseIdentity(parts[1])
	if err != nil {
		return unauthorized(c, "Invalid or expired token")
	}
	storeIdentity(c, identity)
	return c.Next()
}

// WebSocketAuthRequired validates tokens from the token query parameter,
// falling back to the Authorization header. Browsers cannot set headers on
// WebSocket upgrade requests.
func WebSocketAuthRequired(c *fiber.Ctx) error {
	token := c.Query("token")
	if token == "" {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return unauthorized(c, "Token required")
		}
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return unauthorized(c, "Invalid authorization header format")
		}
		token = parts[1]
	}

	identity, err := parseIdentity(token)
	if err != nil {
		return unauthorized(c, "Invalid or expired token")
	}
	storeIdentity(c, identity)
	return c.Next()
}

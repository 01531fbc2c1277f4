// Package auth issues and verifies the bearer tokens carried by join_room
// messages and API requests.
package auth

import (
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/collab-docs/syncserver/internal/models"
	"github.com/collab-docs/syncserver/internal/store"
)

// ContextKey is a custom type for context keys
type ContextKey string

// UserContextKey is the key for storing user in context
const UserContextKey ContextKey = "user"

// ErrInvalidToken is returned when a token is missing, malformed, expired,
// or fails signature verification.
var ErrInvalidToken = errors.New("invalid token")

// Claims represents the verified token payload.
type Claims struct {
	OpenID string `json:"openId"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	jwt.RegisteredClaims
}

func secret() []byte {
	s := os.Getenv("JWT_SECRET")
	if s == "" {
		s = "local-dev-secret-change-in-production"
	}
	return []byte(s)
}

// GenerateToken generates a signed token for a user.
func GenerateToken(user *models.User) (string, error) {
	claims := Claims{
		OpenID: user.OpenID,
		Email:  user.Email,
		Name:   user.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "collab-docs",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret())
}

// Verify checks the token signature and expiry and returns the claims.
// The signature is always verified; the payload alone is never trusted.
func Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return secret(), nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.OpenID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Middleware validates bearer tokens and sets the resolved user in context.
func Middleware(database *store.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			c.Abort()
			return
		}

		claims, err := Verify(parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			c.Abort()
			return
		}

		user, err := database.GetUserByOpenID(c.Request.Context(), claims.OpenID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
			c.Abort()
			return
		}
		if user == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User not found"})
			c.Abort()
			return
		}

		c.Set(string(UserContextKey), user)
		c.Next()
	}
}

// UserFromContext retrieves the authenticated user from a gin context.
func UserFromContext(c *gin.Context) *models.User {
	user, exists := c.Get(string(UserContextKey))
	if !exists {
		return nil
	}
	return user.(*models.User)
}

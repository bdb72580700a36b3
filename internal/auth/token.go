// ABOUTME: JWT token verification for relay sessions and room API calls
// ABOUTME: Uses HS256 signing; the subject is the numeric user id

package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// Role is what a user does in a consultation.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAgent    Role = "agent"
)

// Identity is the authenticated caller.
type Identity struct {
	UserID int64
	Role   Role
	// Name is the display name agents announce claims with.
	Name string
}

// IsAgent reports whether the caller may claim rooms.
func (i Identity) IsAgent() bool {
	return i.Role == RoleAgent
}

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(tokenString string) (Identity, error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify validates the token and extracts the identity. The "sub" claim
// holds the user id; "role" defaults to customer.
func (v *JWTVerifier) Verify(tokenString string) (Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return Identity{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return Identity{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	userID, err := strconv.ParseInt(sub, 10, 64)
	if err != nil || userID <= 0 {
		return Identity{}, fmt.Errorf("%w: sub is not a user id", ErrInvalidToken)
	}

	id := Identity{UserID: userID, Role: RoleCustomer}
	if role, _ := claims["role"].(string); role != "" {
		switch Role(role) {
		case RoleCustomer, RoleAgent:
			id.Role = Role(role)
		default:
			return Identity{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, role)
		}
	}
	id.Name, _ = claims["name"].(string)
	return id, nil
}

// Generate creates a new JWT token for id with expiration
func (v *JWTVerifier) Generate(id Identity, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": strconv.FormatInt(id.UserID, 10),
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}
	if id.Role != "" {
		claims["role"] = string(id.Role)
	}
	if id.Name != "" {
		claims["name"] = id.Name
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Operator roles
const (
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

const issuer = "crisiswatch"

// Operator represents an authenticated operator
type Operator struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// ExtractToken extracts the JWT token from an Authorization header value.
// Supports "Bearer <token>" format.
func ExtractToken(authHeader string) (string, error) {
	if authHeader == "" {
		return "", errors.New("empty authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty token")
	}

	return token, nil
}

// OperatorAuth issues and verifies operator tokens signed with HS256
type OperatorAuth struct {
	SecretKey   []byte
	TokenExpiry time.Duration // Default: 12 hours
}

// NewOperatorAuth creates a new operator auth instance
func NewOperatorAuth(secretKey string, expiry time.Duration) (*OperatorAuth, error) {
	if secretKey == "" {
		return nil, errors.New("JWT secret key cannot be empty")
	}

	if expiry == 0 {
		expiry = 12 * time.Hour
	}

	return &OperatorAuth{
		SecretKey:   []byte(secretKey),
		TokenExpiry: expiry,
	}, nil
}

// OperatorClaims represents the JWT token claims
type OperatorClaims struct {
	OperatorID string `json:"sub"`
	Name       string `json:"name"`
	Role       string `json:"role"`
	jwt.RegisteredClaims
}

// IssueToken signs a token for an operator
func (a *OperatorAuth) IssueToken(operatorID, name, role string) (string, error) {
	if operatorID == "" {
		return "", errors.New("operator id cannot be empty")
	}
	if role != RoleOperator && role != RoleAdmin {
		return "", fmt.Errorf("unknown role %q", role)
	}

	now := time.Now()
	claims := OperatorClaims{
		OperatorID: operatorID,
		Name:       name,
		Role:       role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(a.TokenExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.SecretKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// VerifyToken verifies a token and returns the operator
func (a *OperatorAuth) VerifyToken(tokenString string) (*Operator, error) {
	token, err := jwt.ParseWithClaims(tokenString, &OperatorClaims{}, func(token *jwt.Token) (interface{}, error) {
		// Verify signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.SecretKey, nil
	}, jwt.WithIssuer(issuer))

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if claims, ok := token.Claims.(*OperatorClaims); ok && token.Valid {
		return &Operator{
			ID:   claims.OperatorID,
			Name: claims.Name,
			Role: claims.Role,
		}, nil
	}

	return nil, errors.New("invalid token")
}

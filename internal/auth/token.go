// ABOUTME: JWT token verification for authenticating API callers
// ABOUTME: Uses HS256 signing with configurable secret and carries the caller's tenant

package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLength is the minimum accepted HS256 secret length in bytes.
const MinSecretLength = 32

const accessTokenType = "access"

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrWeakSecret   = fmt.Errorf("jwt secret must be at least %d bytes", MinSecretLength)
)

// Claims are the identity fields carried by an access token.
type Claims struct {
	Subject  string
	TenantID string
}

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(tokenString string) (Claims, error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	return &JWTVerifier{secret: secret}, nil
}

// Verify validates an access token and extracts its subject and tenant.
// A token without a tenant_id claim belongs to no tenant in particular.
func (v *JWTVerifier) Verify(tokenString string) (Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return Claims{}, ErrInvalidToken
	}

	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, ErrInvalidToken
	}

	if typ, _ := mc["type"].(string); typ != accessTokenType {
		return Claims{}, fmt.Errorf("%w: wrong token type", ErrInvalidToken)
	}

	sub, ok := mc["sub"].(string)
	if !ok || sub == "" {
		return Claims{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	tenant, _ := mc["tenant_id"].(string)
	return Claims{Subject: sub, TenantID: strings.TrimSpace(tenant)}, nil
}

// Generate creates an access token for subject, optionally bound to tenantID.
func (v *JWTVerifier) Generate(subject, tenantID string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  subject,
		"type": accessTokenType,
		"iat":  now.Unix(),
		"exp":  now.Add(expiresIn).Unix(),
	}
	if tenantID != "" {
		claims["tenant_id"] = tenantID
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

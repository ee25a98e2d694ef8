// Package auth validates push-handshake credentials. Trimmed down from
// internal/core/services/auth/jwt_service.go in the teacher repo to
// validation only — this system never mints tokens, it only verifies ones
// minted upstream by the (out-of-scope) identity service.
package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"relayhub/internal/config"
	"relayhub/pkg/errors"
)

// Claims is the subset of JWT claims the push handshake needs.
type Claims struct {
	TenantID string
	UserID   string
	Issuer   string
	Expiry   time.Time
}

// Validator verifies push-handshake credentials against the configured
// signing method and keys.
type Validator struct {
	cfg        *config.AuthConfig
	hmacSecret []byte
	rsaPublic  *rsa.PublicKey
}

// NewValidator loads the verification key material described by cfg.
func NewValidator(cfg *config.AuthConfig) (*Validator, error) {
	v := &Validator{cfg: cfg}
	switch {
	case cfg.IsHS256():
		v.hmacSecret = []byte(cfg.JWTSecret)
	case cfg.IsRS256():
		pub, err := loadRSAPublicKey(cfg)
		if err != nil {
			return nil, fmt.Errorf("load RSA public key: %w", err)
		}
		v.rsaPublic = pub
	default:
		return nil, fmt.Errorf("unsupported JWT signing method %q", cfg.JWTSigningMethod)
	}
	return v, nil
}

func loadRSAPublicKey(cfg *config.AuthConfig) (*rsa.PublicKey, error) {
	var raw []byte
	var err error
	switch {
	case cfg.HasKeyPaths():
		raw, err = os.ReadFile(cfg.JWTPublicKeyPath)
	case cfg.HasKeyBase64():
		raw, err = base64.StdEncoding.DecodeString(cfg.JWTPublicKeyBase64)
	default:
		return nil, fmt.Errorf("RS256 requires either key paths or base64 keys")
	}
	if err != nil {
		return nil, err
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(raw)
	if err != nil {
		return nil, fmt.Errorf("parse RSA public key: %w", err)
	}
	return key, nil
}

// Validate parses and verifies tokenString, returning the claims the push
// handshake needs (tenant_id, user_id) derived from the token.
func (v *Validator) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		switch v.cfg.JWTSigningMethod {
		case "HS256":
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return v.hmacSecret, nil
		case "RS256":
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return v.rsaPublic, nil
		default:
			return nil, fmt.Errorf("unsupported signing method")
		}
	}, jwt.WithIssuer(v.cfg.JWTIssuer))
	if err != nil || !token.Valid {
		return nil, errors.NewUnauthorizedError("invalid push credential")
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.NewUnauthorizedError("invalid push credential claims")
	}

	tenantID, _ := mapClaims["tenant_id"].(string)
	if tenantID == "" {
		return nil, errors.NewUnauthorizedError("push credential missing tenant_id")
	}
	userID, _ := mapClaims["user_id"].(string)
	if userID == "" {
		userID, _ = mapClaims["sub"].(string)
	}

	claims := &Claims{TenantID: tenantID, UserID: userID, Issuer: v.cfg.JWTIssuer}
	if exp, err := mapClaims.GetExpirationTime(); err == nil && exp != nil {
		claims.Expiry = exp.Time
	}
	return claims, nil
}

// Expired reports whether claims' token has passed its expiry, used by the
// push heartbeat loop to force a disconnect at the next heartbeat boundary
// (spec.md §4.5: "credential expiry forces a disconnect at the next
// heartbeat boundary").
func (c *Claims) Expired() bool {
	return !c.Expiry.IsZero() && time.Now().After(c.Expiry)
}

package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nickyhof/ForkDB/config"
	"github.com/nickyhof/ForkDB/core"
	"github.com/nickyhof/ForkDB/op"
	"go.uber.org/zap"
)

const authJWT = "JWT"

// AuthConfig configures bearer-token authentication. Tokens are HMAC signed
// with JWTSecret and carry the committer identity in "name" and "email".
type AuthConfig struct {
	Enabled   bool
	JWTSecret string

	// Issuer and Audience are checked when set.
	Issuer   string
	Audience string
}

// AuthConfigFromServer enables JWT authentication when a secret is set.
func AuthConfigFromServer(cfg config.ServerConfig) *AuthConfig {
	if cfg.JWTSecret == "" {
		return nil
	}
	return &AuthConfig{
		Enabled:   true,
		JWTSecret: cfg.JWTSecret,
		Issuer:    cfg.JWTIssuer,
		Audience:  cfg.JWTAudience,
	}
}

// ConnectionState is what one client connection carries between requests:
// who it authenticated as and the experiment awaiting selection.
type ConnectionState struct {
	identity    *core.Identity
	tokenExpiry time.Time

	experiment *op.Experiment
	report     *op.Report
}

func (cs *ConnectionState) IsAuthenticated() bool {
	return cs.identity != nil
}

// Identity returns the authenticated identity, or nil.
func (cs *ConnectionState) Identity() *core.Identity {
	return cs.identity
}

// expired drops the identity once the token lifetime is over.
func (cs *ConnectionState) expired(now time.Time) bool {
	if cs.tokenExpiry.IsZero() || now.Before(cs.tokenExpiry) {
		return false
	}
	cs.identity = nil
	return true
}

type identityClaims struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	jwt.RegisteredClaims
}

func (auth *AuthConfig) parserOptions() []jwt.ParserOption {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	}
	if auth.Issuer != "" {
		options = append(options, jwt.WithIssuer(auth.Issuer))
	}
	if auth.Audience != "" {
		options = append(options, jwt.WithAudience(auth.Audience))
	}
	return options
}

// authenticate verifies a signed token and returns the identity it names
// and when it stops being valid.
func (auth *AuthConfig) authenticate(raw string) (core.Identity, time.Time, error) {
	if auth == nil || auth.JWTSecret == "" {
		return core.Identity{}, time.Time{}, errors.New("authentication not configured")
	}

	claims := &identityClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(auth.JWTSecret), nil
	}, auth.parserOptions()...)
	if err != nil {
		return core.Identity{}, time.Time{}, fmt.Errorf("invalid token: %w", err)
	}

	if claims.Name == "" && claims.Email == "" {
		return core.Identity{}, time.Time{}, errors.New("token carries neither name nor email")
	}

	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	return core.Identity{Name: claims.Name, Email: claims.Email}, expiresAt, nil
}

// parseAuthCommand splits "AUTH <type> <credentials>". Only JWT is
// supported.
func parseAuthCommand(line string) (authType, token string, err error) {
	parts := strings.Fields(line)
	if len(parts) == 0 || !strings.EqualFold(parts[0], "AUTH") {
		return "", "", errors.New("not an AUTH command")
	}
	if len(parts) != 3 {
		return "", "", errors.New("invalid AUTH command: expected AUTH <type> <credentials>")
	}

	authType = strings.ToUpper(parts[1])
	if authType != authJWT {
		return "", "", fmt.Errorf("unsupported auth type: %s", authType)
	}
	return authType, parts[2], nil
}

func (s *Server) handleAuth(line string, state *ConnectionState) Response {
	_, token, err := parseAuthCommand(line)
	if err != nil {
		return errorResponse("auth", err)
	}

	identity, expiresAt, err := s.authConfig.authenticate(token)
	if err != nil {
		s.logger.Debug("Authentication failed", zap.Error(err))
		return errorResponse("auth", err)
	}

	state.identity = &identity
	state.tokenExpiry = expiresAt

	response := AuthResponse{Authenticated: true, Identity: identity.String()}
	if !expiresAt.IsZero() {
		response.ExpiresIn = int(time.Until(expiresAt).Seconds())
	}
	return resultResponse("auth", response)
}

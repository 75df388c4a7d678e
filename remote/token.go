// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mobiletoly/go-fivesync/diffserver"
)

// TokenFunc returns the bearer token for the next request
type TokenFunc func(ctx context.Context) (string, error)

// refreshMargin is how long before expiry a token is replaced
const refreshMargin = 5 * time.Minute

// JWTTokenSource signs device tokens locally with the secret shared with
// the diff server. Tokens are reused until they get close to expiry.
type JWTTokenSource struct {
	userID   string
	deviceID string
	ttl      time.Duration
	auth     *diffserver.JWTAuth
	logger   *slog.Logger

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewJWTTokenSource creates a token source for userID syncing from deviceID
func NewJWTTokenSource(secret, userID, deviceID string, ttl time.Duration) *JWTTokenSource {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &JWTTokenSource{
		userID:   userID,
		deviceID: deviceID,
		ttl:      ttl,
		auth:     diffserver.NewJWTAuth(secret),
		logger:   slog.Default(),
	}
}

// Token implements TokenFunc
func (s *JWTTokenSource) Token(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && time.Now().Add(refreshMargin).Before(s.expiresAt) {
		return s.token, nil
	}
	token, err := s.auth.GenerateToken(s.userID, s.deviceID, s.ttl)
	if err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	s.token = token
	s.expiresAt = time.Now().Add(s.ttl)
	s.logger.Debug("Token refreshed", "user_id", s.userID, "expires_at", s.expiresAt.Format(time.RFC3339))
	return token, nil
}

// StaticToken serves a token obtained elsewhere. It fails once the token's
// exp claim has passed so the caller can sign in again instead of sending a
// request that will be rejected. The signature is not checked here.
func StaticToken(token string) TokenFunc {
	return func(context.Context) (string, error) {
		claims := &jwt.RegisteredClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			return "", fmt.Errorf("failed to parse token: %w", err)
		}
		if claims.ExpiresAt != nil && !time.Now().Before(claims.ExpiresAt.Time) {
			return "", fmt.Errorf("token expired at %s", claims.ExpiresAt.Time.Format(time.RFC3339))
		}
		return token, nil
	}
}

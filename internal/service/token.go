package service

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/outbound-dispatch/internal/core"
	apperrors "github.com/target/outbound-dispatch/internal/errors"
)

const (
	tokenKeyPrefix = "token:"
	// minTokenTTL keeps tokens for run times already in the past usable for a short retry window.
	minTokenTTL = time.Minute
)

// TokenServiceOptions groups dependencies for TokenService.
type TokenServiceOptions struct {
	Cache        core.CacheRepository // Required: token storage
	Grace        time.Duration        // Optional: added to the time until the token's run time
	TimeProvider core.TimeProvider    // Optional: clock override for tests
	Logger       *slog.Logger         // Optional: structured logger
}

// TokenService mints opaque access tokens that the dispatch target presents
// back when the call connects. Tokens live in the cache until their TTL lapses.
type TokenService struct {
	cache  core.CacheRepository
	grace  time.Duration
	clock  core.TimeProvider
	logger *slog.Logger
}

var _ core.TokenMinter = (*TokenService)(nil)

type tokenRecord struct {
	Subject   string    `json:"subject"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewTokenService constructs a TokenService.
func NewTokenService(opts TokenServiceOptions) (*TokenService, error) {
	if opts.Cache == nil {
		return nil, errors.New("CacheRepository is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenService{
		cache:  opts.Cache,
		grace:  max(opts.Grace, 0),
		clock:  core.OrRealTime(opts.TimeProvider),
		logger: logger.With("component", "token_service"),
	}, nil
}

// MustNewTokenService constructs a TokenService and panics on error.
func MustNewTokenService(opts TokenServiceOptions) *TokenService {
	s, err := NewTokenService(opts)
	if err != nil {
		panic("failed to create TokenService: " + err.Error())
	}
	return s
}

// Mint issues a token for subject that stays valid until validUntil plus the grace period.
func (s *TokenService) Mint(ctx context.Context, subject string, validUntil time.Time) (string, error) {
	if subject == "" {
		return "", apperrors.Validation("token subject is required")
	}
	now := s.clock.Now()
	ttl := max(validUntil.Sub(now)+s.grace, minTokenTTL)
	rec, err := json.Marshal(tokenRecord{Subject: subject, ExpiresAt: now.Add(ttl).UTC()})
	if err != nil {
		return "", fmt.Errorf("encode token: %w", err)
	}

	for range 3 {
		token := rand.Text()
		ok, err := s.cache.SetIfNotExists(ctx, tokenKeyPrefix+token, rec, ttl)
		if err != nil {
			return "", fmt.Errorf("store token: %w", err)
		}
		if ok {
			s.logger.DebugContext(ctx, "token minted", "subject", subject, "ttl", ttl)
			return token, nil
		}
	}
	return "", apperrors.Internal("token collision")
}

// Verify returns the subject a token was minted for, or NotFound for unknown and expired tokens.
func (s *TokenService) Verify(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", apperrors.NotFound("token not found")
	}
	raw, err := s.cache.Get(ctx, tokenKeyPrefix+token)
	if err != nil {
		return "", fmt.Errorf("load token: %w", err)
	}
	if raw == nil {
		return "", apperrors.NotFound("token not found")
	}
	var rec tokenRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return "", fmt.Errorf("decode token: %w", err)
	}
	if !s.clock.Now().Before(rec.ExpiresAt) {
		return "", apperrors.NotFound("token expired")
	}
	return rec.Subject, nil
}

// Revoke deletes a token. Revoking an unknown token is not an error.
func (s *TokenService) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if _, err := s.cache.Delete(ctx, tokenKeyPrefix+token); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

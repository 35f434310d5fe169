// Package services contains server-side business logic. This file implements
// TokenService, which mints access/refresh token pairs, rotates refresh
// tokens with replay detection, and enforces the per-owner active-token cap.
package services

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/tokenvault/internal/common"
	"github.com/dmitrijs2005/tokenvault/internal/logging"
	"github.com/dmitrijs2005/tokenvault/internal/server/auth"
	"github.com/dmitrijs2005/tokenvault/internal/server/config"
	"github.com/dmitrijs2005/tokenvault/internal/server/models"
	"github.com/dmitrijs2005/tokenvault/internal/server/repositories/refreshtokens"
)

// TokenPair bundles a short-lived access token and a long-lived refresh token.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// tokenIDBytes is the entropy of a refresh token record id. 32 bytes encode
// to a 43-character base64url string.
const tokenIDBytes = 32

// TokenService provides the token lifecycle operations:
// - Issue: mint a pair for an authenticated owner
// - Rotate: exchange a refresh token for a fresh pair, single use
// - RevokeOne / RevokeAll: invalidate refresh tokens
// - Sweep: delete expired records
//
// The service stores only a hash of each refresh token; the raw string
// exists solely in the returned TokenPair.
type TokenService struct {
	store refreshtokens.Repository
	codec *auth.Codec
	log   logging.Logger

	accessTokenValidityDuration  time.Duration
	refreshTokenValidityDuration time.Duration
	maxActiveTokensPerOwner      int

	nowFunc func() time.Time
}

// NewTokenService constructs a TokenService over the given store and codec.
func NewTokenService(store refreshtokens.Repository, codec *auth.Codec, log logging.Logger, cfg *config.Config) *TokenService {
	return &TokenService{
		store:                        store,
		codec:                        codec,
		log:                          log,
		accessTokenValidityDuration:  cfg.AccessTokenValidityDuration,
		refreshTokenValidityDuration: cfg.RefreshTokenValidityDuration,
		maxActiveTokensPerOwner:      cfg.MaxActiveTokensPerUser,
		nowFunc:                      time.Now,
	}
}

// hashToken returns the base64 of the SHA-256 of the raw token string. Only
// this digest is ever persisted.
func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// storeErr wraps a backend failure so callers can tell it apart from a
// token-validity failure with errors.Is(err, common.ErrStoreUnavailable).
func storeErr(err error) error {
	return fmt.Errorf("%w: %v", common.ErrStoreUnavailable, err)
}

// Issue mints a token pair for ownerID and persists the refresh side. When
// the owner is at the active-token cap, the oldest active records are
// revoked to make room before the new one is inserted.
func (s *TokenService) Issue(ctx context.Context, ownerID, name string) (*TokenPair, error) {
	tokenID, err := common.MakeRandURLString(tokenIDBytes)
	if err != nil {
		return nil, fmt.Errorf("generating token id: %w", err)
	}
	now := s.nowFunc()

	refreshToken, err := s.codec.IssueRefresh(ownerID, name, tokenID, s.refreshTokenValidityDuration)
	if err != nil {
		return nil, fmt.Errorf("signing refresh token: %w", err)
	}
	accessToken, err := s.codec.IssueAccess(ownerID, name, s.accessTokenValidityDuration)
	if err != nil {
		return nil, fmt.Errorf("signing access token: %w", err)
	}

	rec := &models.RefreshToken{
		TokenID:    tokenID,
		OwnerID:    ownerID,
		SecretHash: hashToken(refreshToken),
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.refreshTokenValidityDuration),
	}
	if err := s.storeRecord(ctx, rec); err != nil {
		return nil, err
	}
	return &TokenPair{AccessToken: accessToken, RefreshToken: refreshToken}, nil
}

// storeRecord inserts rec, enforcing the cap. Backends that implement
// CappedInserter do count-evict-insert atomically; for the rest the cap is
// enforced best-effort with a list-then-revoke pass before the insert.
func (s *TokenService) storeRecord(ctx context.Context, rec *models.RefreshToken) error {
	if ci, ok := s.store.(refreshtokens.CappedInserter); ok {
		evicted, err := ci.InsertCapped(ctx, rec, s.maxActiveTokensPerOwner)
		if err != nil {
			return s.insertErr(err)
		}
		if evicted > 0 {
			s.log.Debug(ctx, "evicted oldest refresh tokens", "owner_id", rec.OwnerID, "count", evicted)
		}
		return nil
	}

	if err := s.enforceCap(ctx, rec.OwnerID, rec.IssuedAt); err != nil {
		return err
	}
	if err := s.store.Insert(ctx, rec); err != nil {
		return s.insertErr(err)
	}
	return nil
}

func (s *TokenService) insertErr(err error) error {
	if errors.Is(err, common.ErrDuplicateTokenID) {
		// 32 bytes of entropy colliding means a broken generator, not bad luck.
		return fmt.Errorf("inserting refresh token: %w", err)
	}
	return storeErr(err)
}

// enforceCap revokes the oldest active records so that after one more insert
// the owner holds at most maxActiveTokensPerOwner active tokens.
func (s *TokenService) enforceCap(ctx context.Context, ownerID string, now time.Time) error {
	if s.maxActiveTokensPerOwner <= 0 {
		return nil
	}
	recs, err := s.store.ListValidByOwner(ctx, ownerID, now)
	if err != nil {
		return storeErr(err)
	}
	if len(recs) < s.maxActiveTokensPerOwner {
		return nil
	}
	// recs is newest first, so the oldest candidates sit at the tail.
	evict := len(recs) - s.maxActiveTokensPerOwner + 1
	for i := 0; i < evict; i++ {
		victim := recs[len(recs)-1-i]
		if _, err := s.store.Revoke(ctx, victim.TokenID); err != nil {
			return storeErr(err)
		}
	}
	s.log.Debug(ctx, "evicted oldest refresh tokens", "owner_id", ownerID, "count", evict)
	return nil
}

// Rotate exchanges a refresh token for a fresh pair. The presented token is
// revoked before the new pair is issued, so each refresh token is usable at
// most once; under concurrent presentation exactly one caller wins. Every
// validity failure surfaces as common.ErrInvalidRefreshToken.
func (s *TokenService) Rotate(ctx context.Context, rawRefresh string) (*TokenPair, error) {
	claims, err := s.codec.VerifyRefresh(rawRefresh)
	if err != nil {
		return nil, common.ErrInvalidRefreshToken
	}

	rec, err := s.store.FindByID(ctx, claims.TokenID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, common.ErrInvalidRefreshToken
		}
		return nil, storeErr(err)
	}

	if subtle.ConstantTimeCompare([]byte(hashToken(rawRefresh)), []byte(rec.SecretHash)) != 1 {
		return nil, common.ErrInvalidRefreshToken
	}

	if !rec.Valid(s.nowFunc()) {
		if rec.Revoked {
			s.log.Warn(ctx, "revoked refresh token presented", "token_id", rec.TokenID, "owner_id", rec.OwnerID)
		}
		return nil, common.ErrInvalidRefreshToken
	}

	changed, err := s.store.Revoke(ctx, claims.TokenID)
	if err != nil {
		return nil, storeErr(err)
	}
	if !changed {
		// Lost the race against a concurrent rotation of the same token.
		s.log.Warn(ctx, "refresh token replay detected", "token_id", rec.TokenID, "owner_id", rec.OwnerID)
		return nil, common.ErrInvalidRefreshToken
	}

	return s.Issue(ctx, rec.OwnerID, claims.Name)
}

// RevokeOne marks a single refresh token revoked. Revoking an absent or
// already-revoked token is not an error.
func (s *TokenService) RevokeOne(ctx context.Context, tokenID string) error {
	if _, err := s.store.Revoke(ctx, tokenID); err != nil {
		return storeErr(err)
	}
	return nil
}

// RevokeAll revokes every active refresh token belonging to ownerID and
// returns how many records changed state.
func (s *TokenService) RevokeAll(ctx context.Context, ownerID string) (int, error) {
	n, err := s.store.RevokeAllByOwner(ctx, ownerID)
	if err != nil {
		return 0, storeErr(err)
	}
	if n > 0 {
		s.log.Info(ctx, "revoked all refresh tokens", "owner_id", ownerID, "count", n)
	}
	return n, nil
}

// Sweep deletes every record whose expiry is strictly before now, revoked or
// not, and returns the number removed.
func (s *TokenService) Sweep(ctx context.Context, now time.Time) (int, error) {
	n, err := s.store.DeleteExpired(ctx, now)
	if err != nil {
		return 0, storeErr(err)
	}
	if n > 0 {
		s.log.Debug(ctx, "swept expired refresh tokens", "count", n)
	}
	return n, nil
}

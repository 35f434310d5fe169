package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/tokenvault/internal/common"
	"github.com/dmitrijs2005/tokenvault/internal/logging"
	"github.com/dmitrijs2005/tokenvault/internal/server/auth"
	"github.com/dmitrijs2005/tokenvault/internal/server/config"
	"github.com/dmitrijs2005/tokenvault/internal/server/models"
	"github.com/dmitrijs2005/tokenvault/internal/server/repositories/refreshtokens"
)

// --- helpers ---

func discardLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func newTokenService(t *testing.T, store refreshtokens.Repository) *TokenService {
	t.Helper()
	cfg := &config.Config{
		SecretKey:                    "k",
		AccessTokenValidityDuration:  15 * time.Minute,
		RefreshTokenValidityDuration: time.Hour,
		MaxActiveTokensPerUser:       5,
	}
	return NewTokenService(store, auth.NewCodec([]byte(cfg.SecretKey)), discardLogger(), cfg)
}

// failingRepo returns the configured error from every method.
type failingRepo struct {
	err error
}

func (f *failingRepo) Insert(ctx context.Context, rec *models.RefreshToken) error { return f.err }
func (f *failingRepo) FindByID(ctx context.Context, tokenID string) (*models.RefreshToken, error) {
	return nil, f.err
}
func (f *failingRepo) Revoke(ctx context.Context, tokenID string) (bool, error) {
	return false, f.err
}
func (f *failingRepo) ListValidByOwner(ctx context.Context, ownerID string, now time.Time) ([]*models.RefreshToken, error) {
	return nil, f.err
}
func (f *failingRepo) RevokeAllByOwner(ctx context.Context, ownerID string) (int, error) {
	return 0, f.err
}
func (f *failingRepo) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	return 0, f.err
}

// cappedRepo wraps the in-memory repository and records InsertCapped calls.
type cappedRepo struct {
	*refreshtokens.InMemoryRepository
	calls   int
	lastCap int
}

func (c *cappedRepo) InsertCapped(ctx context.Context, rec *models.RefreshToken, maxActive int) (int, error) {
	c.calls++
	c.lastCap = maxActive
	return 0, c.InMemoryRepository.Insert(ctx, rec)
}

// --- tests ---

func TestIssue_PersistsHashedRecord(t *testing.T) {
	store := refreshtokens.NewInMemoryRepository()
	svc := newTokenService(t, store)
	ctx := context.Background()

	pair, err := svc.Issue(ctx, "u1", "Alice")
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("incomplete pair: %+v", pair)
	}

	access, err := svc.codec.VerifyAccess(pair.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccess error: %v", err)
	}
	if access.Subject != "u1" || access.Name != "Alice" {
		t.Fatalf("access claims mismatch: %+v", access)
	}

	claims, err := svc.codec.VerifyRefresh(pair.RefreshToken)
	if err != nil {
		t.Fatalf("VerifyRefresh error: %v", err)
	}
	rec, err := store.FindByID(ctx, claims.TokenID)
	if err != nil {
		t.Fatalf("FindByID error: %v", err)
	}
	if rec.OwnerID != "u1" {
		t.Fatalf("owner mismatch: got %q", rec.OwnerID)
	}
	// Only the digest of the raw token is persisted.
	if rec.SecretHash == pair.RefreshToken {
		t.Fatal("raw refresh token stored instead of its hash")
	}
	if rec.SecretHash != hashToken(pair.RefreshToken) {
		t.Fatal("stored hash does not match the issued token")
	}
}

func TestRotate_SingleUse(t *testing.T) {
	store := refreshtokens.NewInMemoryRepository()
	svc := newTokenService(t, store)
	ctx := context.Background()

	pair, err := svc.Issue(ctx, "u1", "Alice")
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}

	rotated, err := svc.Rotate(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Rotate error: %v", err)
	}
	if rotated.RefreshToken == pair.RefreshToken {
		t.Fatal("rotation returned the same refresh token")
	}
	access, err := svc.codec.VerifyAccess(rotated.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccess error: %v", err)
	}
	if access.Subject != "u1" || access.Name != "Alice" {
		t.Fatalf("rotated access claims mismatch: %+v", access)
	}

	// The presented token was consumed; the record stays behind, revoked.
	if _, err := svc.Rotate(ctx, pair.RefreshToken); !errors.Is(err, common.ErrInvalidRefreshToken) {
		t.Fatalf("expected common.ErrInvalidRefreshToken on reuse, got %v", err)
	}
	claims, err := svc.codec.VerifyRefresh(pair.RefreshToken)
	if err != nil {
		t.Fatalf("VerifyRefresh error: %v", err)
	}
	rec, err := store.FindByID(ctx, claims.TokenID)
	if err != nil {
		t.Fatalf("FindByID error: %v", err)
	}
	if !rec.Revoked || rec.RevokedAt == nil {
		t.Fatalf("consumed record not revoked: %+v", rec)
	}
}

func TestRotate_GarbageToken(t *testing.T) {
	svc := newTokenService(t, refreshtokens.NewInMemoryRepository())

	for _, raw := range []string{"", "not-a-token", "a.b.c"} {
		if _, err := svc.Rotate(context.Background(), raw); !errors.Is(err, common.ErrInvalidRefreshToken) {
			t.Fatalf("expected common.ErrInvalidRefreshToken for %q, got %v", raw, err)
		}
	}
}

func TestRotate_UnknownRecord(t *testing.T) {
	svc := newTokenService(t, refreshtokens.NewInMemoryRepository())

	// Well-formed and correctly signed, but no server-side record exists.
	raw, err := svc.codec.IssueRefresh("u1", "", "tid-ghost", time.Hour)
	if err != nil {
		t.Fatalf("IssueRefresh error: %v", err)
	}
	if _, err := svc.Rotate(context.Background(), raw); !errors.Is(err, common.ErrInvalidRefreshToken) {
		t.Fatalf("expected common.ErrInvalidRefreshToken, got %v", err)
	}
}

func TestRotate_Expired(t *testing.T) {
	store := refreshtokens.NewInMemoryRepository()
	svc := newTokenService(t, store)
	ctx := context.Background()

	pair, err := svc.Issue(ctx, "u1", "")
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}

	// Jump past the refresh ttl. The record check rejects even though the
	// codec clock is left alone.
	svc.nowFunc = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := svc.Rotate(ctx, pair.RefreshToken); !errors.Is(err, common.ErrInvalidRefreshToken) {
		t.Fatalf("expected common.ErrInvalidRefreshToken for expired record, got %v", err)
	}
}

func TestRotate_HashMismatch(t *testing.T) {
	store := refreshtokens.NewInMemoryRepository()
	svc := newTokenService(t, store)
	ctx := context.Background()

	pair, err := svc.Issue(ctx, "u1", "")
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}
	claims, err := svc.codec.VerifyRefresh(pair.RefreshToken)
	if err != nil {
		t.Fatalf("VerifyRefresh error: %v", err)
	}

	// A second token signed with the record's id but a different body.
	forged, err := svc.codec.IssueRefresh("u1", "other", claims.TokenID, time.Hour)
	if err != nil {
		t.Fatalf("IssueRefresh error: %v", err)
	}
	if _, err := svc.Rotate(ctx, forged); !errors.Is(err, common.ErrInvalidRefreshToken) {
		t.Fatalf("expected common.ErrInvalidRefreshToken on hash mismatch, got %v", err)
	}
}

func TestRotate_StoreDown(t *testing.T) {
	svc := newTokenService(t, refreshtokens.NewInMemoryRepository())

	pair, err := svc.Issue(context.Background(), "u1", "")
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}

	svc.store = &failingRepo{err: errors.New("connection refused")}
	_, err = svc.Rotate(context.Background(), pair.RefreshToken)
	if !errors.Is(err, common.ErrStoreUnavailable) {
		t.Fatalf("expected common.ErrStoreUnavailable, got %v", err)
	}
	// An outage must never masquerade as a bad token.
	if errors.Is(err, common.ErrInvalidRefreshToken) {
		t.Fatal("store failure reported as invalid token")
	}
}

func TestRotate_ConcurrentSingleWinner(t *testing.T) {
	store := refreshtokens.NewInMemoryRepository()
	svc := newTokenService(t, store)
	ctx := context.Background()

	pair, err := svc.Issue(ctx, "u1", "")
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}

	const workers = 8
	start := make(chan struct{})
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	wg.Add(workers)

	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			<-start
			_, err := svc.Rotate(ctx, pair.RefreshToken)
			errs <- err
		}()
	}

	close(start)
	wg.Wait()
	close(errs)

	winners := 0
	for err := range errs {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, common.ErrInvalidRefreshToken):
		default:
			t.Fatalf("unexpected rotate error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("got %d winners, want exactly 1", winners)
	}
}

func TestIssue_CapEvictsOldest(t *testing.T) {
	store := refreshtokens.NewInMemoryRepository()
	svc := newTokenService(t, store)
	ctx := context.Background()

	// Issue up to the cap with a stepped clock so ordering is unambiguous.
	base := time.Now()
	var tokenIDs []string
	for i := 0; i < 5; i++ {
		issued := base.Add(time.Duration(i) * time.Minute)
		svc.nowFunc = func() time.Time { return issued }
		pair, err := svc.Issue(ctx, "u1", "")
		if err != nil {
			t.Fatalf("Issue %d error: %v", i, err)
		}
		claims, err := svc.codec.VerifyRefresh(pair.RefreshToken)
		if err != nil {
			t.Fatalf("VerifyRefresh error: %v", err)
		}
		tokenIDs = append(tokenIDs, claims.TokenID)
	}

	// The sixth issuance pushes the oldest out.
	svc.nowFunc = func() time.Time { return base.Add(5 * time.Minute) }
	if _, err := svc.Issue(ctx, "u1", ""); err != nil {
		t.Fatalf("Issue over cap error: %v", err)
	}

	recs, err := store.ListValidByOwner(ctx, "u1", base.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("ListValidByOwner error: %v", err)
	}
	if len(recs) != 5 {
		t.Fatalf("active count after eviction: got %d want 5", len(recs))
	}

	// Eviction revokes, it does not delete: the record survives for audit.
	oldest, err := store.FindByID(ctx, tokenIDs[0])
	if err != nil {
		t.Fatalf("FindByID error: %v", err)
	}
	if !oldest.Revoked {
		t.Fatal("oldest record was not revoked")
	}
	for _, id := range tokenIDs[1:] {
		rec, err := store.FindByID(ctx, id)
		if err != nil {
			t.Fatalf("FindByID error: %v", err)
		}
		if rec.Revoked {
			t.Fatalf("record %s evicted out of order", id)
		}
	}
}

func TestIssue_CapHoldsUnderSurplus(t *testing.T) {
	store := refreshtokens.NewInMemoryRepository()
	svc := newTokenService(t, store)
	ctx := context.Background()

	// Three past the cap: the three oldest must end up revoked.
	base := time.Now()
	var tokenIDs []string
	for i := 0; i < 8; i++ {
		issued := base.Add(time.Duration(i) * time.Minute)
		svc.nowFunc = func() time.Time { return issued }
		pair, err := svc.Issue(ctx, "u1", "")
		if err != nil {
			t.Fatalf("Issue %d error: %v", i, err)
		}
		claims, err := svc.codec.VerifyRefresh(pair.RefreshToken)
		if err != nil {
			t.Fatalf("VerifyRefresh error: %v", err)
		}
		tokenIDs = append(tokenIDs, claims.TokenID)
	}

	for i, id := range tokenIDs {
		rec, err := store.FindByID(ctx, id)
		if err != nil {
			t.Fatalf("FindByID error: %v", err)
		}
		wantRevoked := i < 3
		if rec.Revoked != wantRevoked {
			t.Fatalf("record %d revoked=%v, want %v", i, rec.Revoked, wantRevoked)
		}
	}
}

func TestIssue_PrefersCappedInserter(t *testing.T) {
	store := &cappedRepo{InMemoryRepository: refreshtokens.NewInMemoryRepository()}
	svc := newTokenService(t, store)

	if _, err := svc.Issue(context.Background(), "u1", ""); err != nil {
		t.Fatalf("Issue error: %v", err)
	}
	if store.calls != 1 {
		t.Fatalf("InsertCapped calls: got %d want 1", store.calls)
	}
	if store.lastCap != 5 {
		t.Fatalf("cap passed to InsertCapped: got %d want 5", store.lastCap)
	}
}

func TestRevokeOne_Idempotent(t *testing.T) {
	store := refreshtokens.NewInMemoryRepository()
	svc := newTokenService(t, store)
	ctx := context.Background()

	pair, err := svc.Issue(ctx, "u1", "")
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}
	claims, err := svc.codec.VerifyRefresh(pair.RefreshToken)
	if err != nil {
		t.Fatalf("VerifyRefresh error: %v", err)
	}

	if err := svc.RevokeOne(ctx, claims.TokenID); err != nil {
		t.Fatalf("RevokeOne error: %v", err)
	}
	if err := svc.RevokeOne(ctx, claims.TokenID); err != nil {
		t.Fatalf("second RevokeOne error: %v", err)
	}
	if err := svc.RevokeOne(ctx, "absent"); err != nil {
		t.Fatalf("RevokeOne on absent id error: %v", err)
	}

	if _, err := svc.Rotate(ctx, pair.RefreshToken); !errors.Is(err, common.ErrInvalidRefreshToken) {
		t.Fatalf("revoked token still rotates: %v", err)
	}
}

func TestRevokeAll(t *testing.T) {
	store := refreshtokens.NewInMemoryRepository()
	svc := newTokenService(t, store)
	ctx := context.Background()

	var pairs []*TokenPair
	for i := 0; i < 3; i++ {
		pair, err := svc.Issue(ctx, "u1", "")
		if err != nil {
			t.Fatalf("Issue error: %v", err)
		}
		pairs = append(pairs, pair)
	}

	n, err := svc.RevokeAll(ctx, "u1")
	if err != nil {
		t.Fatalf("RevokeAll error: %v", err)
	}
	if n != 3 {
		t.Fatalf("RevokeAll count: got %d want 3", n)
	}
	for _, pair := range pairs {
		if _, err := svc.Rotate(ctx, pair.RefreshToken); !errors.Is(err, common.ErrInvalidRefreshToken) {
			t.Fatalf("token survived RevokeAll: %v", err)
		}
	}
}

func TestSweep(t *testing.T) {
	store := refreshtokens.NewInMemoryRepository()
	svc := newTokenService(t, store)
	ctx := context.Background()

	past := time.Now().Add(-2 * time.Hour)
	svc.nowFunc = func() time.Time { return past }
	if _, err := svc.Issue(ctx, "u1", ""); err != nil {
		t.Fatalf("Issue error: %v", err)
	}
	svc.nowFunc = time.Now
	if _, err := svc.Issue(ctx, "u1", ""); err != nil {
		t.Fatalf("Issue error: %v", err)
	}

	n, err := svc.Sweep(ctx, time.Now())
	if err != nil {
		t.Fatalf("Sweep error: %v", err)
	}
	if n != 1 {
		t.Fatalf("Sweep count: got %d want 1", n)
	}
}

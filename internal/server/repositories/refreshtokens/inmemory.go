package refreshtokens

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dmitrijs2005/tokenvault/internal/common"
	"github.com/dmitrijs2005/tokenvault/internal/server/models"
)

// InMemoryRepository is a mutex-guarded map implementation. It backs the
// "memory" store option for development and is the workhorse of the service
// tests. All mutations happen under one lock, which gives the same
// exactly-one-winner Revoke semantics as the conditional UPDATE in Postgres.
type InMemoryRepository struct {
	mu      sync.Mutex
	records map[string]*models.RefreshToken

	nowFunc func() time.Time
}

var _ Repository = (*InMemoryRepository)(nil)

// NewInMemoryRepository constructs an empty in-memory repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		records: make(map[string]*models.RefreshToken),
		nowFunc: time.Now,
	}
}

func (r *InMemoryRepository) Insert(ctx context.Context, rec *models.RefreshToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[rec.TokenID]; ok {
		return common.ErrDuplicateTokenID
	}
	cp := *rec
	r.records[rec.TokenID] = &cp
	return nil
}

func (r *InMemoryRepository) FindByID(ctx context.Context, tokenID string) (*models.RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[tokenID]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *InMemoryRepository) Revoke(ctx context.Context, tokenID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[tokenID]
	if !ok || rec.Revoked {
		return false, nil
	}
	now := r.nowFunc()
	rec.Revoked = true
	rec.RevokedAt = &now
	return true, nil
}

func (r *InMemoryRepository) ListValidByOwner(ctx context.Context, ownerID string, now time.Time) ([]*models.RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var recs []*models.RefreshToken
	for _, rec := range r.records {
		if rec.OwnerID == ownerID && rec.Valid(now) {
			cp := *rec
			recs = append(recs, &cp)
		}
	}
	// Newest first, same ordering contract as the SQL backend.
	sort.Slice(recs, func(i, j int) bool {
		return recs[j].Older(recs[i])
	})
	return recs, nil
}

func (r *InMemoryRepository) RevokeAllByOwner(ctx context.Context, ownerID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFunc()
	count := 0
	for _, rec := range r.records {
		if rec.OwnerID == ownerID && !rec.Revoked {
			rec.Revoked = true
			rec.RevokedAt = &now
			count++
		}
	}
	return count, nil
}

func (r *InMemoryRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for id, rec := range r.records {
		if rec.ExpiresAt.Before(now) {
			delete(r.records, id)
			count++
		}
	}
	return count, nil
}

package refreshtokens

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dmitrijs2005/tokenvault/internal/common"
	"github.com/dmitrijs2005/tokenvault/internal/server/models"
)

// Key layout. Timestamps are stored and scored in unix milliseconds so zset
// scores stay within float64 integer precision.
const (
	tokenKeyPrefix = "refresh:token:"
	ownerKeyPrefix = "refresh:owner:"
	expiryIndexKey = "refresh:expiry"
)

// insertScript creates the token hash, owner-set entry, and expiry-index
// entry in one atomic step. Returns 0 when the token id already exists.
var insertScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1],
  "owner_id", ARGV[2],
  "secret_hash", ARGV[3],
  "issued_at", ARGV[4],
  "expires_at", ARGV[5],
  "revoked", "0")
redis.call("SADD", KEYS[2], ARGV[1])
redis.call("ZADD", KEYS[3], tonumber(ARGV[5]), ARGV[1])
return 1
`)

// revokeScript is the conditional revoke: a single atomic compare-and-set,
// so concurrent rotations on the same token produce exactly one winner.
var revokeScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
if redis.call("HGET", KEYS[1], "revoked") == "1" then
  return 0
end
redis.call("HSET", KEYS[1], "revoked", "1", "revoked_at", ARGV[1])
return 1
`)

// revokeAllScript walks the owner's set and revokes every live token.
var revokeAllScript = redis.NewScript(`
local count = 0
for _, id in ipairs(redis.call("SMEMBERS", KEYS[1])) do
  local key = ARGV[2] .. id
  if redis.call("EXISTS", key) == 1 and redis.call("HGET", key, "revoked") == "0" then
    redis.call("HSET", key, "revoked", "1", "revoked_at", ARGV[1])
    count = count + 1
  end
end
return count
`)

// sweepScript removes every record whose expiry is strictly before the given
// instant, cleaning the owner set and expiry index alongside.
var sweepScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", "(" .. ARGV[1])
local count = 0
for _, id in ipairs(ids) do
  local key = ARGV[2] .. id
  local owner = redis.call("HGET", key, "owner_id")
  if owner then
    redis.call("DEL", key)
    redis.call("SREM", ARGV[3] .. owner, id)
    count = count + 1
  end
  redis.call("ZREM", KEYS[1], id)
end
return count
`)

// RedisRepository implements Repository over Redis. Each record is a hash
// keyed by token id, with a per-owner set and a global expiry zset as
// secondary indexes. All mutations run as Lua scripts so they are atomic
// from the caller's perspective.
type RedisRepository struct {
	client redis.UniversalClient

	nowFunc func() time.Time
}

var _ Repository = (*RedisRepository)(nil)

// NewRedisRepository constructs a repository over the given client.
func NewRedisRepository(client redis.UniversalClient) *RedisRepository {
	return &RedisRepository{client: client, nowFunc: time.Now}
}

func tokenKey(tokenID string) string { return tokenKeyPrefix + tokenID }
func ownerKey(ownerID string) string { return ownerKeyPrefix + ownerID }

func (r *RedisRepository) Insert(ctx context.Context, rec *models.RefreshToken) error {
	created, err := insertScript.Run(ctx, r.client,
		[]string{tokenKey(rec.TokenID), ownerKey(rec.OwnerID), expiryIndexKey},
		rec.TokenID, rec.OwnerID, rec.SecretHash,
		rec.IssuedAt.UnixMilli(), rec.ExpiresAt.UnixMilli(),
	).Int64()
	if err != nil {
		return fmt.Errorf("redis error: %w", err)
	}
	if created == 0 {
		return common.ErrDuplicateTokenID
	}
	return nil
}

func (r *RedisRepository) FindByID(ctx context.Context, tokenID string) (*models.RefreshToken, error) {
	fields, err := r.client.HGetAll(ctx, tokenKey(tokenID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis error: %w", err)
	}
	if len(fields) == 0 {
		return nil, common.ErrNotFound
	}
	return recordFromFields(tokenID, fields)
}

func (r *RedisRepository) Revoke(ctx context.Context, tokenID string) (bool, error) {
	changed, err := revokeScript.Run(ctx, r.client,
		[]string{tokenKey(tokenID)}, r.nowFunc().UnixMilli()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis error: %w", err)
	}
	return changed == 1, nil
}

func (r *RedisRepository) ListValidByOwner(ctx context.Context, ownerID string, now time.Time) ([]*models.RefreshToken, error) {
	ids, err := r.client.SMembers(ctx, ownerKey(ownerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis error: %w", err)
	}

	var recs []*models.RefreshToken
	for _, id := range ids {
		fields, err := r.client.HGetAll(ctx, tokenKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("redis error: %w", err)
		}
		if len(fields) == 0 {
			// Swept since the set was read.
			continue
		}
		rec, err := recordFromFields(id, fields)
		if err != nil {
			return nil, err
		}
		if rec.Valid(now) {
			recs = append(recs, rec)
		}
	}
	sortNewestFirst(recs)
	return recs, nil
}

func (r *RedisRepository) RevokeAllByOwner(ctx context.Context, ownerID string) (int, error) {
	count, err := revokeAllScript.Run(ctx, r.client,
		[]string{ownerKey(ownerID)},
		r.nowFunc().UnixMilli(), tokenKeyPrefix).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis error: %w", err)
	}
	return int(count), nil
}

func (r *RedisRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	count, err := sweepScript.Run(ctx, r.client,
		[]string{expiryIndexKey},
		now.UnixMilli(), tokenKeyPrefix, ownerKeyPrefix).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis error: %w", err)
	}
	return int(count), nil
}

func recordFromFields(tokenID string, fields map[string]string) (*models.RefreshToken, error) {
	issuedAt, err := strconv.ParseInt(fields["issued_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt record %q: %w", tokenID, err)
	}
	expiresAt, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt record %q: %w", tokenID, err)
	}

	rec := &models.RefreshToken{
		TokenID:    tokenID,
		OwnerID:    fields["owner_id"],
		SecretHash: fields["secret_hash"],
		IssuedAt:   time.UnixMilli(issuedAt),
		ExpiresAt:  time.UnixMilli(expiresAt),
		Revoked:    fields["revoked"] == "1",
	}
	if raw, ok := fields["revoked_at"]; ok && raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt record %q: %w", tokenID, err)
		}
		at := time.UnixMilli(ms)
		rec.RevokedAt = &at
	}
	return rec, nil
}

func sortNewestFirst(recs []*models.RefreshToken) {
	sort.Slice(recs, func(i, j int) bool {
		return recs[j].Older(recs[i])
	})
}

// Package auth implements the token codec: it binds a closed claim set to a
// compact signed string (HS256 JWT) and detects tampering or expiry on the
// way back. The codec is stateless and knows nothing about the store.
package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dmitrijs2005/tokenvault/internal/common"
)

// Token type claim values.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// AccessClaims is the decoded form of an access token. Access tokens are
// self-contained: validity is signature plus expiry, no store lookup.
type AccessClaims struct {
	Subject   string
	Name      string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// RefreshClaims is the decoded form of a refresh token. TokenID points at
// the server-side record that tracks rotation and revocation. Name rides
// along so rotation can mint an equivalent access token without an identity
// lookup.
type RefreshClaims struct {
	Subject   string
	Name      string
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// tokenClaims is the wire shape. Decoding happens exactly once, here;
// downstream code only ever sees AccessClaims or RefreshClaims.
type tokenClaims struct {
	jwt.RegisteredClaims
	Type    string `json:"type"`
	Name    string `json:"name,omitempty"`
	TokenID string `json:"token_id,omitempty"`
}

// Codec signs and verifies tokens with a single symmetric key. The key is
// copied at construction and never mutated or logged afterwards.
type Codec struct {
	key []byte

	// nowFunc is the time source, overridable in tests.
	nowFunc func() time.Time
}

// NewCodec constructs a Codec around the given HMAC key.
func NewCodec(key []byte) *Codec {
	k := make([]byte, len(key))
	copy(k, key)
	return &Codec{key: k, nowFunc: time.Now}
}

// IssueAccess mints a signed access token for the given subject.
func (c *Codec) IssueAccess(subject, name string, ttl time.Duration) (string, error) {
	now := c.nowFunc()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Type: TypeAccess,
		Name: name,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
}

// IssueRefresh mints a signed refresh token carrying the server-side record id.
func (c *Codec) IssueRefresh(subject, name, tokenID string, ttl time.Duration) (string, error) {
	now := c.nowFunc()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Type:    TypeRefresh,
		Name:    name,
		TokenID: tokenID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
}

// VerifyAccess checks signature, expiry, and token type. Every failure mode
// collapses to common.ErrInvalidToken so callers cannot probe which check
// rejected the token.
func (c *Codec) VerifyAccess(token string) (*AccessClaims, error) {
	claims, err := c.parse(token, TypeAccess)
	if err != nil {
		return nil, common.ErrInvalidToken
	}
	return &AccessClaims{
		Subject:   claims.Subject,
		Name:      claims.Name,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// VerifyRefresh checks signature, expiry, token type, and the presence of a
// record id. As with VerifyAccess, all failures collapse to one sentinel.
func (c *Codec) VerifyRefresh(token string) (*RefreshClaims, error) {
	claims, err := c.parse(token, TypeRefresh)
	if err != nil || claims.TokenID == "" {
		return nil, common.ErrInvalidToken
	}
	return &RefreshClaims{
		Subject:   claims.Subject,
		Name:      claims.Name,
		TokenID:   claims.TokenID,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func (c *Codec) parse(token, wantType string) (*tokenClaims, error) {
	claims := &tokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (interface{}, error) { return c.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.nowFunc),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return nil, common.ErrInvalidToken
	}
	if claims.Type != wantType || claims.Subject == "" ||
		claims.IssuedAt == nil || claims.ExpiresAt == nil {
		return nil, common.ErrInvalidToken
	}
	return claims, nil
}

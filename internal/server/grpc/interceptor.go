// Package grpc provides the access-token guard for gRPC transports. Services
// that sit in front of tokenvault mount the interceptor and get per-method
// authentication against the same codec the HTTP endpoint uses.
package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/dmitrijs2005/tokenvault/internal/common"
	"github.com/dmitrijs2005/tokenvault/internal/logging"
	"github.com/dmitrijs2005/tokenvault/internal/server/auth"
)

type ctxKey string

const ownerIDKey ctxKey = "ownerID"

// OwnerIDFromContext returns the owner id injected by the interceptor for a
// guarded method.
func OwnerIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ownerIDKey).(string)
	return id, ok
}

// AuthInterceptor verifies access tokens on a configured set of methods.
// Unguarded methods pass through untouched.
type AuthInterceptor struct {
	codec   *auth.Codec
	log     logging.Logger
	guarded map[string]struct{}
}

// NewAuthInterceptor constructs an interceptor guarding the given full method
// names (e.g. "/tokenvault.service.TokenService/RevokeAll").
func NewAuthInterceptor(codec *auth.Codec, log logging.Logger, guardedMethods []string) *AuthInterceptor {
	guarded := make(map[string]struct{}, len(guardedMethods))
	for _, m := range guardedMethods {
		guarded[m] = struct{}{}
	}
	return &AuthInterceptor{codec: codec, log: log, guarded: guarded}
}

// Unary returns the grpc.UnaryServerInterceptor to mount on the server.
func (i *AuthInterceptor) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if _, ok := i.guarded[info.FullMethod]; !ok {
			return handler(ctx, req)
		}

		var accessToken string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			values := md.Get(common.AccessTokenHeaderName)
			if len(values) > 0 {
				accessToken = values[0]
			}
		}
		if len(accessToken) == 0 {
			return nil, status.Error(codes.Unauthenticated, "missing token")
		}

		claims, err := i.codec.VerifyAccess(accessToken)
		if err != nil {
			i.log.Warn(ctx, "rejected access token", "method", info.FullMethod)
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}

		ctx = context.WithValue(ctx, ownerIDKey, claims.Subject)
		return handler(ctx, req)
	}
}

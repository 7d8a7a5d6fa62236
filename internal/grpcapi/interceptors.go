package grpcapi

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"shopfloor.dev/internal/auth"
	"shopfloor.dev/internal/bundle"
	"shopfloor.dev/internal/workflow"
)

// Authorizer resolves an access token into a user.
type Authorizer interface {
	Authorize(ctx context.Context, accessToken string) (auth.User, error)
}

const healthPrefix = "/grpc.health.v1.Health/"

// UnaryAuth requires a bearer token in the "authorization" metadata of every
// call except health checks.
func UnaryAuth(a Authorizer) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if strings.HasPrefix(info.FullMethod, healthPrefix) {
			return handler(ctx, req)
		}
		token := bearerFromMetadata(ctx)
		if token == "" {
			return nil, status.Error(codes.Unauthenticated, "missing bearer token")
		}
		user, err := a.Authorize(ctx, token)
		if err != nil {
			return nil, toStatus(err)
		}
		ctx = auth.ContextWithUser(ctx, user)
		ctx = auth.ContextWithToken(ctx, token)
		return handler(ctx, req)
	}
}

// UnaryLogger writes one line per call.
func UnaryLogger(l zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		ev := l.Info()
		if code == codes.Internal || code == codes.Unknown {
			ev = l.Error().Err(err)
		}
		ev.Str("method", info.FullMethod).
			Str("code", code.String()).
			Float64("duration_ms", float64(time.Since(start).Microseconds())/1000).
			Msg("grpc_complete")
		return resp, err
	}
}

func bearerFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, v := range md.Get("authorization") {
		v = strings.TrimSpace(v)
		if len(v) > len("bearer ") && strings.EqualFold(v[:len("bearer ")], "bearer ") {
			return strings.TrimSpace(v[len("bearer "):])
		}
	}
	return ""
}

type codeMapping struct {
	target error
	code   codes.Code
}

var codeMappings = []codeMapping{
	{auth.ErrTokenExpired, codes.Unauthenticated},
	{auth.ErrTokenReused, codes.Unauthenticated},
	{auth.ErrTokenInvalid, codes.Unauthenticated},
	{auth.ErrInvalidCredentials, codes.Unauthenticated},
	{auth.ErrAccountInactive, codes.PermissionDenied},
	{auth.ErrUnauthorized, codes.PermissionDenied},
	{workflow.ErrOutOfOrderTransition, codes.FailedPrecondition},
	{workflow.ErrTemplateMismatch, codes.FailedPrecondition},
	{workflow.ErrNoActiveBundle, codes.FailedPrecondition},
	{workflow.ErrConcurrentModification, codes.Aborted},
	{bundle.ErrConflict, codes.Aborted},
	{bundle.ErrInvalidStatusTransition, codes.FailedPrecondition},
	{workflow.ErrNotFound, codes.NotFound},
	{bundle.ErrNotFound, codes.NotFound},
	{auth.ErrNotFound, codes.NotFound},
	{workflow.ErrInvalidInput, codes.InvalidArgument},
	{bundle.ErrInvalidInput, codes.InvalidArgument},
	{auth.ErrInvalidInput, codes.InvalidArgument},
}

// toStatus maps domain errors onto gRPC status codes.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	for _, m := range codeMappings {
		if errors.Is(err, m.target) {
			return status.Error(m.code, err.Error())
		}
	}
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, "internal error")
}

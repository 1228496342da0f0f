// Package observability provides gRPC interceptors and the metrics HTTP server.
package observability

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"voice-call-relay/internal/observability/metrics"
)

const healthServicePrefix = "/grpc.health.v1.Health/"

// UnaryServerInterceptor records latency and status code for every unary
// call. Health probes are logged at debug level.
func UnaryServerInterceptor(m *metrics.Metrics) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()

		resp, err := handler(ctx, req)

		duration := time.Since(start)
		code := status.Code(err)
		m.RecordGRPCRequest(info.FullMethod, code.String(), duration.Seconds())

		callEvent(ctx, info.FullMethod, code).
			Str("method", info.FullMethod).
			Str("code", code.String()).
			Dur("duration", duration).
			Msg("gRPC unary call")

		return resp, err
	}
}

// StreamServerInterceptor tracks active streams and their lifetime. A
// stream cancelled by the client counts as a success.
func StreamServerInterceptor(m *metrics.Metrics) grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		start := time.Now()
		m.RecordGRPCStreamStart()

		err := handler(srv, ss)

		duration := time.Since(start)
		code := status.Code(err)
		success := err == nil || code == codes.Canceled
		m.RecordGRPCStreamEnd(success, duration.Seconds())

		callEvent(ss.Context(), info.FullMethod, code).
			Str("method", info.FullMethod).
			Str("code", code.String()).
			Dur("duration", duration).
			Bool("success", success).
			Msg("gRPC stream completed")

		return err
	}
}

func callEvent(ctx context.Context, method string, code codes.Code) *zerolog.Event {
	var e *zerolog.Event
	switch {
	case code != codes.OK && code != codes.Canceled:
		e = log.Warn()
	case strings.HasPrefix(method, healthServicePrefix):
		e = log.Debug()
	default:
		e = log.Info()
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		e = e.Str("peer", p.Addr.String())
	}
	return e
}

package admin

import (
	"context"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// ServiceName is the gRPC health service name reported for the runtime.
const ServiceName = "funcrt"

const defaultSyncInterval = time.Second

// HealthServer exposes runner health over grpc.health.v1.
type HealthServer struct {
	source   StatusSource
	health   *health.Server
	server   *grpc.Server
	logger   *slog.Logger
	interval time.Duration
}

func NewHealthServer(source StatusSource, logger *slog.Logger) *HealthServer {
	if logger == nil {
		logger = slog.Default()
	}

	h := &HealthServer{
		source:   source,
		health:   health.NewServer(),
		logger:   logger,
		interval: defaultSyncInterval,
	}
	h.server = grpc.NewServer(
		grpc.UnaryInterceptor(h.unaryInterceptor),
		grpc.StreamInterceptor(h.streamInterceptor),
	)
	healthpb.RegisterHealthServer(h.server, h.health)
	h.Sync()
	return h
}

// Sync copies the runner health into the served status.
func (h *HealthServer) Sync() {
	st := healthpb.HealthCheckResponse_SERVING
	if !h.source.Healthy() {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.health.SetServingStatus("", st)
	h.health.SetServingStatus(ServiceName, st)
}

// Serve serves on lis until ctx is done.
func (h *HealthServer) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.server.Serve(lis)
	}()

	h.logger.Info("gRPC health server started", slog.String("addr", lis.Addr().String()))

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case err := <-errCh:
			return err
		case <-ticker.C:
			h.Sync()
		case <-ctx.Done():
			h.health.Shutdown()
			h.server.GracefulStop()
			return nil
		}
	}
}

func (h *HealthServer) unaryInterceptor(
	ctx context.Context,
	req any,
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	h.logRequest(ctx, info.FullMethod, time.Since(start), err)
	return resp, err
}

func (h *HealthServer) streamInterceptor(
	srv any,
	ss grpc.ServerStream,
	info *grpc.StreamServerInfo,
	handler grpc.StreamHandler,
) error {
	start := time.Now()
	err := handler(srv, ss)
	h.logRequest(ss.Context(), info.FullMethod, time.Since(start), err)
	return err
}

func (h *HealthServer) logRequest(ctx context.Context, method string, d time.Duration, err error) {
	code := codes.OK
	if err != nil {
		code = codes.Unknown
		if st, ok := status.FromError(err); ok {
			code = st.Code()
		}
	}

	attrs := []slog.Attr{
		slog.String("method", method),
		slog.Duration("duration", d),
		slog.String("code", code.String()),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		h.logger.LogAttrs(ctx, slog.LevelWarn, "grpc request failed", attrs...)
		return
	}
	h.logger.LogAttrs(ctx, slog.LevelDebug, "grpc request completed", attrs...)
}

// Package admin serves the runtime's health, metrics and status over HTTP
// and the standard gRPC health protocol.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/linkflow/funcrt/internal/function"
	"github.com/linkflow/funcrt/internal/runner"
	"github.com/linkflow/funcrt/internal/version"
)

// StatusSource reports runner state. *runner.Runner implements it.
type StatusSource interface {
	Status() runner.Status
	Healthy() bool
}

type Config struct {
	Addr     string
	Source   StatusSource
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

type Server struct {
	source   StatusSource
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	server   *http.Server
}

func NewServer(cfg Config) *Server {
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		source:   cfg.Source,
		gatherer: cfg.Gatherer,
		logger:   cfg.Logger,
	}
	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Router returns the admin routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	r.HandleFunc("/status", s.status).Methods(http.MethodGet)
	r.HandleFunc("/version", s.version).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return r
}

// Serve listens on lis until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(lis)
	}()

	s.logger.Info("admin HTTP server started", slog.String("addr", lis.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down admin server: %w", err)
	}
	return nil
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	if !s.source.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("failure budget exhausted"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.source.Status())
}

func (s *Server) version(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_time": version.BuildTime,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	data, err := function.Marshal(v)
	if err != nil {
		s.logger.Error("failed to encode admin response", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

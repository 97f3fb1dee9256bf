// Package server exposes the dataset upload endpoint over HTTP.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/pat"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/secureailabs/sail-dataset-upload/internal/constants"
	"github.com/secureailabs/sail-dataset-upload/internal/logging"
	"github.com/secureailabs/sail-dataset-upload/internal/pipeline"
	"github.com/secureailabs/sail-dataset-upload/internal/transfer"
)

// Pipeline runs uploads. *pipeline.Orchestrator satisfies it.
type Pipeline interface {
	Preflight(ctx context.Context, token, versionID string) error
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// Jobs queues background uploads. *transfer.Dispatcher satisfies it.
type Jobs interface {
	Submit(token, versionID string, parts []transfer.Part) (string, error)
	Job(id string) (transfer.Job, bool)
}

// Options configure a Server.
type Options struct {
	MaxUploadBytes  int64
	ShutdownTimeout time.Duration

	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// Server serves the upload endpoint, job status, health and metrics.
type Server struct {
	opts     Options
	pipeline Pipeline
	jobs     Jobs
	logger   *logging.Logger

	httpSrv      *http.Server
	shutdownOnce sync.Once
}

// New creates a server.
func New(opts Options, p Pipeline, jobs Jobs, logger *logging.Logger) (*Server, error) {
	if p == nil || jobs == nil {
		return nil, errors.New("pipeline and job queue are required")
	}
	if opts.MaxUploadBytes <= 0 {
		return nil, errors.New("max upload size must be positive")
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = constants.ServerShutdownTimeout
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Server{opts: opts, pipeline: p, jobs: jobs, logger: logger}, nil
}

// Handler returns the routed handler. Routes are matched in registration order.
func (s *Server) Handler() http.Handler {
	r := pat.New()
	r.Post("/upload-dataset", s.handleUpload())
	r.Get("/jobs/{id}", gzhttp.GzipHandler(s.handleJob()).ServeHTTP)
	r.Get("/healthz", s.handleHealth())
	if s.opts.Gatherer != nil {
		r.Get("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}).ServeHTTP)
	}
	return s.logRequests(r)
}

// Serve accepts connections on listener until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: constants.ServerReadHeaderTimeout,
	}

	go func() {
		<-ctx.Done()
		s.shutdown()
	}()

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Upload service listening")
	err := s.httpSrv.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) shutdown() {
	s.shutdownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("HTTP shutdown did not complete")
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("Request served")
	})
}

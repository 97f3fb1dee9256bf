package cli

import (
	"fmt"
	"net"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/secureailabs/sail-dataset-upload/internal/config"
	"github.com/secureailabs/sail-dataset-upload/internal/pipeline"
	"github.com/secureailabs/sail-dataset-upload/internal/server"
	"github.com/secureailabs/sail-dataset-upload/internal/transfer"
)

type serveFlags struct {
	listen        string
	workspaceRoot string
	workers       int
	queueSize     int
}

func (f serveFlags) apply(cfg *config.Config) {
	if f.listen != "" {
		cfg.ListenAddr = f.listen
	}
	if f.workspaceRoot != "" {
		cfg.WorkspaceRoot = f.workspaceRoot
	}
	if f.workers > 0 {
		cfg.Workers = f.workers
	}
	if f.queueSize >= 0 {
		cfg.QueueSize = f.queueSize
	}
}

func newServeCmd() *cobra.Command {
	flags := serveFlags{queueSize: -1}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dataset upload service",
		Long: `Run the HTTP upload service.

Endpoints:
  POST /upload-dataset?dataset_version_id=<id>   multipart dataset_files, bearer token
  GET  /jobs/{id}                                background job status
  GET  /healthz                                  liveness
  GET  /metrics                                  Prometheus metrics

On SIGINT or SIGTERM the listener closes first, then running and queued
uploads are allowed to finish.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			flags.apply(cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runServe(cfg)
		},
	}

	cmd.Flags().StringVar(&flags.listen, "listen", "", "Listen address (overrides config)")
	cmd.Flags().StringVar(&flags.workspaceRoot, "workspace-root", "", "Directory for workspaces and spooled uploads")
	cmd.Flags().IntVar(&flags.workers, "workers", 0, "Concurrent uploads (overrides config)")
	cmd.Flags().IntVar(&flags.queueSize, "queue-size", -1, "Queued uploads before 503, 0 = unbounded (overrides config)")

	return cmd
}

func runServe(cfg *config.Config) error {
	log := serviceLogger(cfg)
	defer log.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	orch, err := pipeline.NewFromConfig(cfg, log, pipeline.NewMetrics(reg))
	if err != nil {
		return err
	}

	dispatcher := transfer.NewDispatcher(orch, transfer.Options{
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
		SpoolRoot: cfg.WorkspaceRoot,
	}, log)
	orch.OnStage(dispatcher.OnStage)

	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "sail_dataset_upload_queued_jobs",
		Help: "Uploads waiting for a worker.",
	}, func() float64 { return float64(dispatcher.Waiting()) }))

	srv, err := server.New(server.Options{
		MaxUploadBytes: cfg.MaxUploadBytes,
		Gatherer:       reg,
	}, orch, dispatcher, log)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr, err)
	}

	log.Info().
		Str("control_plane", cfg.ControlPlaneBaseURL).
		Str("workspace_root", cfg.WorkspaceRoot).
		Int("workers", cfg.Workers).
		Int("queue_size", cfg.QueueSize).
		Msg("Starting upload service")

	serveErr := srv.Serve(GetContext(), listener)

	log.Info().
		Int64("running", dispatcher.Running()).
		Uint64("queued", dispatcher.Waiting()).
		Msg("Waiting for uploads to finish")
	dispatcher.Shutdown()
	log.Info().Msg("Upload service stopped")

	return serveErr
}

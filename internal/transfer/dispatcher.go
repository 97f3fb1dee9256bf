package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/alitto/pond/v2"

	"github.com/secureailabs/sail-dataset-upload/internal/logging"
	"github.com/secureailabs/sail-dataset-upload/internal/pipeline"
	"github.com/secureailabs/sail-dataset-upload/internal/workspace"
)

// ErrQueueFull is returned by Submit when every worker is busy and the
// queue has no room.
var ErrQueueFull = errors.New("upload queue is full")

// ErrStopped is returned by Submit after Shutdown.
var ErrStopped = errors.New("dispatcher is shut down")

// Runner executes one upload. *pipeline.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// Part is one file of an inbound upload, read once while spooling.
type Part struct {
	Name string
	Open func() (io.ReadCloser, error)
}

// Options configure a Dispatcher.
type Options struct {
	Workers   int
	QueueSize int // 0 means unbounded
	SpoolRoot string
	Retain    int
}

// Dispatcher hands uploads to a bounded worker pool. Inbound bodies are
// spooled to disk first so the HTTP request can complete before the upload
// runs.
type Dispatcher struct {
	runner    Runner
	pool      pond.Pool
	registry  *Registry
	spoolRoot string
	logger    *logging.Logger
}

// NewDispatcher starts a worker pool that runs uploads with runner.
func NewDispatcher(runner Runner, opts Options, logger *logging.Logger) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	poolOpts := []pond.Option{pond.WithNonBlocking(true)}
	if opts.QueueSize > 0 {
		poolOpts = append(poolOpts, pond.WithQueueSize(opts.QueueSize))
	}

	return &Dispatcher{
		runner:    runner,
		pool:      pond.NewPool(opts.Workers, poolOpts...),
		registry:  NewRegistry(opts.Retain),
		spoolRoot: opts.SpoolRoot,
		logger:    logger,
	}
}

// Registry exposes the job registry for status queries.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Job returns a snapshot of a tracked job.
func (d *Dispatcher) Job(id string) (Job, bool) {
	return d.registry.Get(id)
}

// OnStage records pipeline stage changes against the job. Register it with
// the orchestrator that backs this dispatcher.
func (d *Dispatcher) OnStage(req pipeline.Request, stage pipeline.Stage) {
	if req.JobID != "" {
		d.registry.SetStage(req.JobID, string(stage))
	}
}

// Submit spools parts to disk and queues the upload. It returns the job id
// once the job is queued; completion is only observable through the
// registry or the dataset version state.
func (d *Dispatcher) Submit(token, versionID string, parts []Part) (string, error) {
	if d.pool.Stopped() {
		return "", ErrStopped
	}

	id := newJobID()
	spoolDir := filepath.Join(d.spoolRoot, "spool-"+id)
	files, size, err := spool(spoolDir, parts)
	if err != nil {
		os.RemoveAll(spoolDir)
		return "", err
	}

	req := pipeline.Request{
		Token:            token,
		DatasetVersionID: versionID,
		JobID:            id,
		Files:            files,
	}
	d.registry.Track(id, versionID, len(files), size)

	err = d.pool.Go(func() {
		d.run(req, spoolDir)
	})
	if err != nil {
		d.registry.Forget(id)
		os.RemoveAll(spoolDir)
		if errors.Is(err, pond.ErrQueueFull) {
			return "", ErrQueueFull
		}
		if errors.Is(err, pond.ErrPoolStopped) {
			return "", ErrStopped
		}
		return "", fmt.Errorf("failed to queue upload: %w", err)
	}

	d.logger.Info().
		Str("job_id", id).
		Str("dataset_version_id", versionID).
		Int("files", len(files)).
		Int64("bytes", size).
		Msg("Upload queued")
	return id, nil
}

func (d *Dispatcher) run(req pipeline.Request, spoolDir string) {
	defer func() {
		if err := os.RemoveAll(spoolDir); err != nil {
			d.logger.Warn().Err(err).Str("job_id", req.JobID).Msg("Failed to remove spool directory")
		}
	}()

	d.registry.Start(req.JobID)

	// Started uploads are never cancelled; shutdown waits for them.
	_, err := d.runner.Run(context.Background(), req)
	d.registry.Finish(req.JobID, err)
}

// Shutdown stops accepting jobs and waits for queued and running uploads.
func (d *Dispatcher) Shutdown() {
	d.pool.StopAndWait()
}

// Running returns the number of workers currently executing uploads.
func (d *Dispatcher) Running() int64 {
	return d.pool.RunningWorkers()
}

// Waiting returns the number of uploads queued for a worker.
func (d *Dispatcher) Waiting() uint64 {
	return d.pool.WaitingTasks()
}

// spool copies parts into dir and describes them as pipeline sources.
func spool(dir string, parts []Part) ([]pipeline.SourceFile, int64, error) {
	if len(parts) == 0 {
		return nil, 0, pipeline.ErrNoFiles
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, 0, fmt.Errorf("failed to create spool directory: %w", err)
	}

	files := make([]pipeline.SourceFile, 0, len(parts))
	seen := make(map[string]bool, len(parts))
	var total int64
	for _, p := range parts {
		if err := workspace.ValidateName(p.Name); err != nil {
			return nil, 0, err
		}
		if seen[p.Name] {
			return nil, 0, fmt.Errorf("%w: %s", pipeline.ErrDuplicateFile, p.Name)
		}
		seen[p.Name] = true

		path := filepath.Join(dir, p.Name)
		n, err := spoolPart(path, p)
		if err != nil {
			return nil, 0, err
		}
		total += n

		f, err := pipeline.FileFromPath(path)
		if err != nil {
			return nil, 0, err
		}
		files = append(files, f)
	}
	return files, total, nil
}

func spoolPart(path string, p Part) (int64, error) {
	src, err := p.Open()
	if err != nil {
		return 0, fmt.Errorf("failed to open part %s: %w", p.Name, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return 0, fmt.Errorf("failed to spool %s: %w", p.Name, err)
	}
	n, err := io.Copy(dst, src)
	if err != nil {
		dst.Close()
		return 0, fmt.Errorf("failed to spool %s: %w", p.Name, err)
	}
	if err := dst.Close(); err != nil {
		return 0, fmt.Errorf("failed to spool %s: %w", p.Name, err)
	}
	return n, nil
}

// Package pipeline runs one dataset upload from staged files to an ACTIVE
// dataset version.
//
// The orchestrator owns the lifecycle transitions of the dataset version:
// NOT_UPLOADED -> ENCRYPTING -> ACTIVE, or ERROR on any failure after the
// ENCRYPTING commit point. The workspace is released on every exit path.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/secureailabs/sail-dataset-upload/internal/api"
	"github.com/secureailabs/sail-dataset-upload/internal/cloud/providers"
	"github.com/secureailabs/sail-dataset-upload/internal/cloud/storage"
	"github.com/secureailabs/sail-dataset-upload/internal/config"
	"github.com/secureailabs/sail-dataset-upload/internal/constants"
	encryption "github.com/secureailabs/sail-dataset-upload/internal/crypto"
	"github.com/secureailabs/sail-dataset-upload/internal/datasetpkg"
	"github.com/secureailabs/sail-dataset-upload/internal/diskspace"
	"github.com/secureailabs/sail-dataset-upload/internal/logging"
	"github.com/secureailabs/sail-dataset-upload/internal/models"
	"github.com/secureailabs/sail-dataset-upload/internal/workspace"
)

// Stage is a step of the upload state machine.
type Stage string

const (
	StageStaging          Stage = "STAGING"
	StageValidating       Stage = "VALIDATING"
	StageFetchingMetadata Stage = "FETCHING_METADATA"
	StagePackaging        Stage = "PACKAGING"
	StageEncrypting       Stage = "ENCRYPTING"
	StageUploading        Stage = "UPLOADING"
	StageFinalizing       Stage = "FINALIZING"
	StageDone             Stage = "DONE"
	StageFailed           Stage = "FAILED"
)

// ControlPlane is the subset of the control-plane API the pipeline calls.
// *api.Client satisfies it.
type ControlPlane interface {
	GetDatasetVersion(ctx context.Context, id string) (*models.DatasetVersion, error)
	UpdateDatasetVersionState(ctx context.Context, id string, state models.DatasetVersionState) error
	GetConnectionString(ctx context.Context, versionID string) (string, error)
	GetDataset(ctx context.Context, id string) (*models.Dataset, error)
	GetAllDataFederations(ctx context.Context) ([]models.DataFederation, error)
	GetDatasetKey(ctx context.Context, federationID, datasetID string) (string, error)
	GetDataModel(ctx context.Context, id string) (*models.DataModelInfo, error)
	GetDataModelDataframe(ctx context.Context, id string) (*models.DataModelDataframeInfo, error)
	GetDataModelSeries(ctx context.Context, id string) (*models.DataModelSeriesInfo, error)
}

// ControlPlaneFactory returns a control-plane client that authenticates as token.
type ControlPlaneFactory func(token string) ControlPlane

// StageCallback is called when an upload enters a stage.
type StageCallback func(req Request, stage Stage)

// Options tune the orchestrator.
type Options struct {
	WorkspaceRoot string

	// RollbackRetries counts retries of the ERROR transition after the first attempt.
	RollbackRetries      int
	RollbackInitialDelay time.Duration
}

// Orchestrator sequences staging, metadata fetches, packaging, encryption,
// upload and the dataset version state changes. It is safe for concurrent
// use; every Run owns its own workspace.
type Orchestrator struct {
	opts         Options
	controlPlane ControlPlaneFactory
	uploader     storage.Uploader
	logger       *logging.Logger
	metrics      *Metrics
	onStage      StageCallback
}

// New creates an orchestrator. metrics may be nil.
func New(opts Options, controlPlane ControlPlaneFactory, uploader storage.Uploader, logger *logging.Logger, metrics *Metrics) *Orchestrator {
	if opts.RollbackInitialDelay <= 0 {
		opts.RollbackInitialDelay = constants.RollbackInitialDelay
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Orchestrator{
		opts:         opts,
		controlPlane: controlPlane,
		uploader:     uploader,
		logger:       logger,
		metrics:      metrics,
	}
}

// NewFromConfig wires the control-plane client and the storage backends from cfg.
func NewFromConfig(cfg *config.Config, logger *logging.Logger, metrics *Metrics) (*Orchestrator, error) {
	client, err := api.NewClient(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create control-plane client: %w", err)
	}
	uploader, err := providers.NewFactory(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage uploader: %w", err)
	}

	opts := Options{
		WorkspaceRoot:   cfg.WorkspaceRoot,
		RollbackRetries: cfg.RollbackRetries,
	}
	factory := func(token string) ControlPlane { return client.WithToken(token) }
	return New(opts, factory, uploader, logger, metrics), nil
}

// OnStage registers fn to observe stage changes. Call before the first Run.
func (o *Orchestrator) OnStage(fn StageCallback) {
	o.onStage = fn
}

// Preflight runs the read-only checks the inbound endpoint answers
// synchronously: the version must be NOT_UPLOADED and at least one data
// federation must exist. Nothing is mutated.
func (o *Orchestrator) Preflight(ctx context.Context, token, versionID string) error {
	cp := o.controlPlane(token)

	if _, err := o.checkVersion(ctx, cp, versionID); err != nil {
		return err
	}
	if _, err := o.firstFederation(ctx, cp, StageValidating); err != nil {
		return err
	}
	return nil
}

// Run executes one upload. Failures after the ENCRYPTING commit point move
// the dataset version to ERROR before the original error is returned.
func (o *Orchestrator) Run(ctx context.Context, req Request) (res *Result, err error) {
	start := time.Now()
	logger := o.logger.Child(o.logger.With().
		Str("job_id", req.JobID).
		Str("dataset_version_id", req.DatasetVersionID).
		Logger())

	o.metrics.start()
	defer func() {
		o.metrics.finish(time.Since(start).Seconds(), err)
		if err != nil {
			o.enter(req, StageFailed)
			logger.Error().Err(err).
				Str("stage", string(StageOf(err))).
				Str("kind", KindOf(err).String()).
				Bool("disk_full", storage.IsDiskFullError(err)).
				Msg("Dataset upload failed")
		}
	}()

	if err := validateRequest(req); err != nil {
		return nil, err
	}

	cp := o.controlPlane(req.Token)

	// The version is read before any workspace exists so a conflict leaves
	// no trace on disk or remotely.
	o.enter(req, StageValidating)
	version, err := o.checkVersion(ctx, cp, req.DatasetVersionID)
	if err != nil {
		return nil, err
	}

	o.enter(req, StageStaging)
	ws, staged, err := o.stage(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := ws.Release(); rerr != nil {
			logger.Error().Err(rerr).Str("workspace", ws.Path()).Msg("Failed to remove workspace")
		}
	}()

	res, err = o.deliver(ctx, cp, req, version, ws, staged, logger)
	if err != nil {
		o.rollback(ctx, cp, req.DatasetVersionID, logger)
		return nil, err
	}

	res.Duration = time.Since(start)
	o.enter(req, StageDone)
	logger.Info().
		Int64("package_bytes", res.PackageSize).
		Str("package_sha512", res.PackageSHA512).
		Dur("duration", res.Duration).
		Msg("Dataset version is ACTIVE")
	return res, nil
}

// deliver runs everything from the ENCRYPTING commit point up to and
// including the ACTIVE transition. Any error it returns requires a rollback.
func (o *Orchestrator) deliver(ctx context.Context, cp ControlPlane, req Request, version *models.DatasetVersion, ws *workspace.Workspace, staged []datasetpkg.ContentFile, logger *logging.Logger) (*Result, error) {
	versionID := req.DatasetVersionID

	o.enter(req, StageFetchingMetadata)
	if err := cp.UpdateDatasetVersionState(ctx, versionID, models.DatasetVersionEncrypting); err != nil {
		return nil, stageErr(StageFetchingMetadata, remoteKind(err), fmt.Errorf("failed to mark version ENCRYPTING: %w", err))
	}
	// A crash past this point leaves the version ENCRYPTING; operators find it by this line.
	logger.Info().Msg("Dataset version marked ENCRYPTING")

	connectionString, err := cp.GetConnectionString(ctx, versionID)
	if err != nil {
		return nil, stageErr(StageFetchingMetadata, remoteKind(err), fmt.Errorf("failed to get connection string: %w", err))
	}
	dataset, err := cp.GetDataset(ctx, version.DatasetID)
	if err != nil {
		return nil, stageErr(StageFetchingMetadata, remoteKind(err), fmt.Errorf("failed to get dataset %s: %w", version.DatasetID, err))
	}
	federation, err := o.firstFederation(ctx, cp, StageFetchingMetadata)
	if err != nil {
		return nil, err
	}
	encodedKey, err := cp.GetDatasetKey(ctx, federation.ID, dataset.ID)
	if err != nil {
		return nil, stageErr(StageFetchingMetadata, remoteKind(err), fmt.Errorf("failed to get dataset key: %w", err))
	}
	key, err := encryption.DecodeKey(encodedKey)
	if err != nil {
		return nil, stageErr(StageFetchingMetadata, KindCrypto, err)
	}
	if federation.DataModelID == "" {
		return nil, stageErr(StageFetchingMetadata, KindNotFound, fmt.Errorf("%w: %s", ErrNoDataModel, federation.ID))
	}
	model, err := fetchDataModel(ctx, cp, federation.DataModelID)
	if err != nil {
		return nil, stageErr(StageFetchingMetadata, remoteKind(err), err)
	}

	o.enter(req, StagePackaging)
	header := &models.DatasetHeader{
		DatasetID:              dataset.ID,
		DatasetName:            dataset.Name,
		DataFederationID:       federation.ID,
		DataFederationName:     federation.Name,
		DatasetPackagingFormat: constants.PackagingFormat,
	}
	contentPath, err := datasetpkg.WriteContent(ws.Path(), staged)
	if err != nil {
		return nil, stageErr(StagePackaging, KindIO, err)
	}
	modelPath, err := datasetpkg.WriteDataModel(ws.Path(), model)
	if err != nil {
		return nil, stageErr(StagePackaging, KindIO, err)
	}

	o.enter(req, StageEncrypting)
	if err := datasetpkg.Seal(contentPath, key, header); err != nil {
		return nil, stageErr(StageEncrypting, cryptoKind(err), err)
	}
	headerPath, err := datasetpkg.WriteHeader(ws.Path(), header)
	if err != nil {
		return nil, stageErr(StageEncrypting, KindIO, err)
	}

	o.enter(req, StageUploading)
	pkgPath, err := datasetpkg.Assemble(ws.Path(), versionID, headerPath, modelPath, contentPath)
	if err != nil {
		return nil, stageErr(StageUploading, KindIO, err)
	}
	info, err := os.Stat(pkgPath)
	if err != nil {
		return nil, stageErr(StageUploading, KindIO, err)
	}
	digest, err := encryption.CalculateSHA512(pkgPath)
	if err != nil {
		return nil, stageErr(StageUploading, KindIO, err)
	}
	if err := o.uploader.Upload(ctx, connectionString, pkgPath); err != nil {
		return nil, stageErr(StageUploading, KindRemote, err)
	}

	o.enter(req, StageFinalizing)
	if err := cp.UpdateDatasetVersionState(ctx, versionID, models.DatasetVersionActive); err != nil {
		return nil, stageErr(StageFinalizing, remoteKind(err), fmt.Errorf("failed to mark version ACTIVE: %w", err))
	}

	return &Result{
		DatasetVersionID: versionID,
		DatasetID:        dataset.ID,
		DataFederationID: federation.ID,
		PackageSize:      info.Size(),
		PackageSHA512:    digest,
		Nonce:            header.AESNonce,
		Tag:              header.AESTag,
	}, nil
}

func validateRequest(req Request) error {
	if req.DatasetVersionID == "" {
		return stageErr(StageValidating, KindValidation, errors.New("dataset version id is required"))
	}
	if len(req.Files) == 0 {
		return stageErr(StageValidating, KindValidation, ErrNoFiles)
	}
	seen := make(map[string]bool, len(req.Files))
	for _, f := range req.Files {
		if err := workspace.ValidateName(f.Name); err != nil {
			return stageErr(StageValidating, KindValidation, err)
		}
		if seen[f.Name] {
			return stageErr(StageValidating, KindValidation, fmt.Errorf("%w: %s", ErrDuplicateFile, f.Name))
		}
		seen[f.Name] = true
	}
	return nil
}

func (o *Orchestrator) checkVersion(ctx context.Context, cp ControlPlane, versionID string) (*models.DatasetVersion, error) {
	version, err := cp.GetDatasetVersion(ctx, versionID)
	if err != nil {
		return nil, stageErr(StageValidating, remoteKind(err), fmt.Errorf("failed to get dataset version: %w", err))
	}
	if !version.State.CanTransitionTo(models.DatasetVersionEncrypting) {
		return nil, stageErr(StageValidating, KindValidation, fmt.Errorf("%w: %s is %s", ErrVersionNotReady, versionID, version.State))
	}
	return version, nil
}

func (o *Orchestrator) firstFederation(ctx context.Context, cp ControlPlane, stage Stage) (*models.DataFederation, error) {
	federations, err := cp.GetAllDataFederations(ctx)
	if err != nil {
		return nil, stageErr(stage, remoteKind(err), fmt.Errorf("failed to list data federations: %w", err))
	}
	if len(federations) == 0 {
		return nil, stageErr(stage, KindNotFound, ErrNoDataFederation)
	}
	return &federations[0], nil
}

// stage copies every submitted file into a fresh workspace, in submission order.
func (o *Orchestrator) stage(req Request) (*workspace.Workspace, []datasetpkg.ContentFile, error) {
	if err := diskspace.CheckAvailableSpace(o.opts.WorkspaceRoot, req.totalSize(), constants.DiskSpaceSafetyMargin); err != nil {
		return nil, nil, stageErr(StageStaging, KindIO, err)
	}

	ws, err := workspace.Acquire(o.opts.WorkspaceRoot, req.DatasetVersionID)
	if err != nil {
		return nil, nil, stageErr(StageStaging, KindIO, err)
	}

	staged := make([]datasetpkg.ContentFile, 0, len(req.Files))
	for _, f := range req.Files {
		path, err := stageFile(ws, f)
		if err != nil {
			ws.Release()
			return nil, nil, stageErr(StageStaging, KindIO, err)
		}
		staged = append(staged, datasetpkg.ContentFile{Name: f.Name, Path: path})
	}
	return ws, staged, nil
}

func stageFile(ws *workspace.Workspace, f SourceFile) (string, error) {
	r, err := f.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer r.Close()

	path, _, err := ws.Stage(f.Name, r)
	return path, err
}

// fetchDataModel assembles the schema tree one object at a time, keeping the
// declared order of dataframes and series.
func fetchDataModel(ctx context.Context, cp ControlPlane, id string) (*models.DataModel, error) {
	info, err := cp.GetDataModel(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get data model %s: %w", id, err)
	}

	model := &models.DataModel{
		Type:            info.Name,
		DataModelID:     info.ID,
		DataFrameModels: make([]models.DataFrameDataModel, 0, len(info.Dataframes)),
	}
	for _, dfID := range info.Dataframes {
		df, err := cp.GetDataModelDataframe(ctx, dfID)
		if err != nil {
			return nil, fmt.Errorf("failed to get dataframe %s: %w", dfID, err)
		}

		frame := models.DataFrameDataModel{
			Type:         df.Name,
			Name:         df.Name,
			DataFrameID:  df.ID,
			SeriesModels: make([]models.SeriesDataModel, 0, len(df.Series)),
		}
		for _, seriesID := range df.Series {
			series, err := cp.GetDataModelSeries(ctx, seriesID)
			if err != nil {
				return nil, fmt.Errorf("failed to get series %s: %w", seriesID, err)
			}
			frame.SeriesModels = append(frame.SeriesModels, models.NewSeriesDataModel(*series))
		}
		model.DataFrameModels = append(model.DataFrameModels, frame)
	}
	return model, nil
}

// rollback records ERROR on the dataset version. It retries transient
// failures, never returns an error and is not cancelled with the request.
func (o *Orchestrator) rollback(parent context.Context, cp ControlPlane, versionID string, logger *logging.Logger) {
	ctx := context.WithoutCancel(parent)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.opts.RollbackInitialDelay

	retries := o.opts.RollbackRetries
	if retries < 0 {
		retries = 0
	}

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := cp.UpdateDatasetVersionState(ctx, versionID, models.DatasetVersionError)
		if err == nil {
			return struct{}{}, nil
		}
		if permanentStatus(api.StatusCode(err)) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(retries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn().Err(err).Str("stage", "rollback").Dur("retry_in", next).Msg("Retrying ERROR state transition")
		}),
	)
	if err != nil {
		o.metrics.rollbackFailed()
		logger.Error().Err(err).
			Str("stage", "rollback").
			Int("attempts", attempt).
			Msg("Failed to mark dataset version ERROR; it may remain ENCRYPTING")
		return
	}
	logger.Warn().Str("stage", "rollback").Msg("Dataset version marked ERROR")
}

func (o *Orchestrator) enter(req Request, stage Stage) {
	if o.onStage != nil {
		o.onStage(req, stage)
	}
}

// permanentStatus reports 4xx responses that a retry cannot fix.
func permanentStatus(code int) bool {
	return code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests
}

func remoteKind(err error) Kind {
	if api.IsNotFound(err) {
		return KindNotFound
	}
	return KindRemote
}

func cryptoKind(err error) Kind {
	switch {
	case errors.Is(err, encryption.ErrInvalidKeySize),
		errors.Is(err, encryption.ErrInvalidNonceSize),
		errors.Is(err, encryption.ErrInvalidTagSize),
		errors.Is(err, encryption.ErrAuthenticationFailed):
		return KindCrypto
	}
	return KindIO
}

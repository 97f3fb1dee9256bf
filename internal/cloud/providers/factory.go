// Package providers selects the storage backend for a connection string and
// applies the shared retry policy around it.
package providers

import (
	"context"
	"fmt"
	"sync"

	"github.com/secureailabs/sail-dataset-upload/internal/cloud/providers/azure"
	"github.com/secureailabs/sail-dataset-upload/internal/cloud/providers/s3"
	"github.com/secureailabs/sail-dataset-upload/internal/cloud/storage"
	"github.com/secureailabs/sail-dataset-upload/internal/config"
	"github.com/secureailabs/sail-dataset-upload/internal/http"
	"github.com/secureailabs/sail-dataset-upload/internal/logging"
)

// Factory routes uploads to the backend matching the destination and retries
// transient failures.
type Factory struct {
	backends map[storage.Kind]storage.Uploader
	retry    http.RetryConfig
	logger   *logging.Logger

	// s3 is built on first use so deployments without S3 never load AWS config.
	s3Once sync.Once
	s3     storage.Uploader
	s3Err  error
	newS3  func(context.Context) (storage.Uploader, error)
}

// NewFactory builds the Azure backends eagerly and the S3 backend lazily, all
// sharing one transfer-tuned HTTP client.
func NewFactory(cfg *config.Config, logger *logging.Logger) (*Factory, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	httpClient, err := http.CreateOptimizedClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage HTTP client: %w", err)
	}

	// upload_retries counts retries after the first attempt.
	retry := http.DefaultRetryConfig()
	retry.MaxRetries = cfg.UploadRetries + 1

	f := &Factory{
		backends: map[storage.Kind]storage.Uploader{
			storage.KindAzureFile: azure.NewFileUploader(httpClient, logger),
			storage.KindAzureBlob: azure.NewBlobUploader(httpClient, logger),
		},
		retry:  retry,
		logger: logger,
	}
	f.newS3 = func(ctx context.Context) (storage.Uploader, error) {
		return s3.NewUploader(ctx, cfg, httpClient, logger)
	}
	return f, nil
}

// NewFactoryWithBackends builds a factory over explicit backends. Used by tests
// and by callers that bring their own clients.
func NewFactoryWithBackends(backends map[storage.Kind]storage.Uploader, retry http.RetryConfig, logger *logging.Logger) *Factory {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Factory{backends: backends, retry: retry, logger: logger}
}

func (f *Factory) backend(ctx context.Context, kind storage.Kind) (storage.Uploader, error) {
	if kind == storage.KindS3 && f.newS3 != nil {
		f.s3Once.Do(func() {
			f.s3, f.s3Err = f.newS3(ctx)
		})
		if f.s3Err != nil {
			return nil, f.s3Err
		}
		return f.s3, nil
	}

	u, ok := f.backends[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrUnsupportedDestination, kind)
	}
	return u, nil
}

// Upload implements storage.Uploader. Every failure is returned as a
// *storage.UploadError whose destination has credentials removed.
func (f *Factory) Upload(ctx context.Context, connectionString, localPath string) error {
	dest, err := storage.ParseDestination(connectionString)
	if err != nil {
		return &storage.UploadError{Destination: storage.Redact(connectionString), Err: err}
	}

	u, err := f.backend(ctx, dest.Kind)
	if err != nil {
		return &storage.UploadError{Destination: dest.String(), Err: err}
	}

	retry := f.retry
	retry.OnRetry = func(attempt int, err error, errType http.ErrorType) {
		f.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Str("error_type", http.ErrorTypeName(errType)).
			Str("destination", dest.String()).
			Msg("retrying package upload")
	}

	err = http.ExecuteWithRetry(ctx, retry, func() error {
		return u.Upload(ctx, connectionString, localPath)
	})
	if err != nil {
		return &storage.UploadError{Destination: dest.String(), Err: err}
	}

	f.logger.Info().Str("backend", string(dest.Kind)).Str("destination", dest.String()).Msg("package uploaded")
	return nil
}

var _ storage.Uploader = (*Factory)(nil)

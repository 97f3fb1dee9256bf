// Package azure uploads dataset packages to Azure Files shares and Azure
// blob containers addressed by SAS URLs.
package azure

import (
	"context"
	"fmt"
	nethttp "net/http"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azfile/file"

	"github.com/secureailabs/sail-dataset-upload/internal/constants"
	"github.com/secureailabs/sail-dataset-upload/internal/logging"
)

// clientOptions routes SDK traffic through the shared transport. SDK retries
// are disabled; the caller owns the retry policy.
func clientOptions(httpClient *nethttp.Client) azcore.ClientOptions {
	return azcore.ClientOptions{
		Transport: httpClient,
		Retry:     policy.RetryOptions{MaxRetries: -1},
	}
}

// FileUploader writes packages to an Azure Files share.
type FileUploader struct {
	httpClient *nethttp.Client
	logger     *logging.Logger
}

// NewFileUploader creates an uploader that sends all traffic through httpClient.
func NewFileUploader(httpClient *nethttp.Client, logger *logging.Logger) *FileUploader {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &FileUploader{httpClient: httpClient, logger: logger}
}

// Upload creates the remote file at the local file's exact size, then writes
// its ranges.
func (u *FileUploader) Upload(ctx context.Context, sasURL, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open package: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat package: %w", err)
	}

	client, err := file.NewClientWithNoCredential(sasURL, &file.ClientOptions{
		ClientOptions: clientOptions(u.httpClient),
	})
	if err != nil {
		return fmt.Errorf("failed to create Azure file client: %w", err)
	}

	if _, err := client.Create(ctx, info.Size(), nil); err != nil {
		return fmt.Errorf("failed to create remote file: %w", err)
	}

	if info.Size() == 0 {
		return nil
	}

	err = client.UploadFile(ctx, f, &file.UploadFileOptions{
		ChunkSize:   constants.UploadChunkSize,
		Concurrency: constants.UploadConcurrency,
		Progress: func(bytesTransferred int64) {
			u.logger.Debug().Int64("bytes", bytesTransferred).Int64("total", info.Size()).Msg("file share upload progress")
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload file ranges: %w", err)
	}

	return nil
}

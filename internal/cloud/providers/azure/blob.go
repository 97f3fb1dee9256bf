package azure

import (
	"context"
	"fmt"
	nethttp "net/http"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"

	"github.com/secureailabs/sail-dataset-upload/internal/constants"
	"github.com/secureailabs/sail-dataset-upload/internal/logging"
)

// BlobUploader writes packages as block blobs.
type BlobUploader struct {
	httpClient *nethttp.Client
	logger     *logging.Logger
}

// NewBlobUploader creates an uploader that sends all traffic through httpClient.
func NewBlobUploader(httpClient *nethttp.Client, logger *logging.Logger) *BlobUploader {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &BlobUploader{httpClient: httpClient, logger: logger}
}

// Upload stages the file as blocks and commits them as one blob. The blob
// length equals the local file length once the commit succeeds.
func (u *BlobUploader) Upload(ctx context.Context, sasURL, localPath string) error {
	parts, err := azblob.ParseURL(sasURL)
	if err != nil {
		return fmt.Errorf("invalid blob URL: %w", err)
	}
	if parts.ContainerName == "" || parts.BlobName == "" {
		return fmt.Errorf("blob URL must name a container and a blob")
	}

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open package: %w", err)
	}
	defer f.Close()

	client, err := blockblob.NewClientWithNoCredential(sasURL, &blockblob.ClientOptions{
		ClientOptions: clientOptions(u.httpClient),
	})
	if err != nil {
		return fmt.Errorf("failed to create Azure blob client: %w", err)
	}

	_, err = client.UploadFile(ctx, f, &blockblob.UploadFileOptions{
		BlockSize:   constants.UploadChunkSize,
		Concurrency: constants.UploadConcurrency,
		Progress: func(bytesTransferred int64) {
			u.logger.Debug().Int64("bytes", bytesTransferred).Str("blob", parts.BlobName).Msg("blob upload progress")
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload blob: %w", err)
	}

	return nil
}

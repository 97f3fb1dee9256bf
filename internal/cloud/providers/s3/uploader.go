// Package s3 uploads dataset packages to S3-compatible object storage for
// deployments whose connection strings are s3://bucket/key.
package s3

import (
	"context"
	"fmt"
	nethttp "net/http"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/secureailabs/sail-dataset-upload/internal/cloud/storage"
	"github.com/secureailabs/sail-dataset-upload/internal/config"
	"github.com/secureailabs/sail-dataset-upload/internal/logging"
)

// Uploader puts packages as single S3 objects.
type Uploader struct {
	client *s3.Client
	logger *logging.Logger
}

// NewUploader builds an S3 client from the s3 config section. Static keys are
// used when configured; otherwise the default AWS credential chain applies.
func NewUploader(ctx context.Context, cfg *config.Config, httpClient *nethttp.Client, logger *logging.Logger) (*Uploader, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
		awsconfig.WithHTTPClient(httpClient),
		awsconfig.WithRetryMaxAttempts(1),
	}
	if cfg.S3AccessKeyID != "" && cfg.S3SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var client *s3.Client
	if cfg.S3Endpoint != "" {
		client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true // MinIO and similar services
		})
		logger.Info().Str("endpoint", cfg.S3Endpoint).Msg("using custom S3 endpoint")
	} else {
		client = s3.NewFromConfig(awsCfg)
	}

	return &Uploader{client: client, logger: logger}, nil
}

// Upload sends the package with an explicit Content-Length so the object is
// created at exactly the local size.
func (u *Uploader) Upload(ctx context.Context, connectionString, localPath string) error {
	dest, err := storage.ParseDestination(connectionString)
	if err != nil {
		return err
	}
	if dest.Kind != storage.KindS3 {
		return fmt.Errorf("%w: %s is not an s3 destination", storage.ErrUnsupportedDestination, dest)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open package: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat package: %w", err)
	}

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(dest.Bucket),
		Key:           aws.String(dest.Key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("application/zip"),
	})
	if err != nil {
		return fmt.Errorf("failed to put object: %w", err)
	}

	u.logger.Debug().Str("bucket", dest.Bucket).Str("key", dest.Key).Int64("bytes", info.Size()).Msg("s3 object written")
	return nil
}

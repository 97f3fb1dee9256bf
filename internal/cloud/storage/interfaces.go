// Package storage defines the remote storage contract used by the upload
// pipeline and the destination parsing shared by every backend.
package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Uploader pushes a finished package to the location addressed by a
// connection string. The remote object ends up exactly as long as the local
// file; a failed upload leaves nothing the caller can resume.
type Uploader interface {
	Upload(ctx context.Context, connectionString, localPath string) error
}

// Kind identifies a storage backend.
type Kind string

const (
	KindAzureFile Kind = "azure-file"
	KindAzureBlob Kind = "azure-blob"
	KindS3        Kind = "s3"
)

// Destination is a parsed connection string.
type Destination struct {
	Kind Kind
	URL  *url.URL

	// Bucket and Key are set for S3 destinations.
	Bucket string
	Key    string
}

// ParseDestination classifies a connection string:
//
//   - s3://bucket/key                        -> S3
//   - https://<acct>.blob.core.windows.net/… -> Azure block blob
//   - any other http(s) URL                  -> Azure file share (SAS URL)
func ParseDestination(connectionString string) (Destination, error) {
	u, err := url.Parse(strings.TrimSpace(connectionString))
	if err != nil {
		return Destination{}, fmt.Errorf("invalid connection string: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "s3":
		key := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" {
			return Destination{}, fmt.Errorf("s3 connection string needs bucket and key: %s", Redact(connectionString))
		}
		return Destination{Kind: KindS3, URL: u, Bucket: u.Host, Key: key}, nil

	case "http", "https":
		if u.Host == "" || strings.Trim(u.Path, "/") == "" {
			return Destination{}, fmt.Errorf("connection string has no object path: %s", Redact(connectionString))
		}
		if strings.Contains(strings.ToLower(u.Hostname()), ".blob.") {
			return Destination{Kind: KindAzureBlob, URL: u}, nil
		}
		return Destination{Kind: KindAzureFile, URL: u}, nil

	default:
		return Destination{}, fmt.Errorf("unsupported connection string scheme %q", u.Scheme)
	}
}

// String renders the destination without credentials.
func (d Destination) String() string {
	if d.Kind == KindS3 {
		return "s3://" + d.Bucket + "/" + d.Key
	}
	return Redact(d.URL.String())
}

// Redact strips the query (SAS token) and userinfo from a connection string
// so it can be logged.
func Redact(connectionString string) string {
	u, err := url.Parse(connectionString)
	if err != nil {
		return "<unparseable connection string>"
	}
	u.User = nil
	if u.RawQuery != "" {
		u.RawQuery = "REDACTED"
	}
	return u.String()
}

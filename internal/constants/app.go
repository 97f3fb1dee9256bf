package constants

import (
	"time"
)

// Package layout. These names are read by downstream consumers and must not change.
const (
	// PackagingFormat is the value written to dataset_header.json's dataset_packaging_format.
	PackagingFormat = "csvv1"

	// HeaderFileName is the plaintext header entry of the final package.
	HeaderFileName = "dataset_header.json"

	// DataModelFileName is the serialized schema tree inside DataModelArchiveName.
	DataModelFileName = "data_model.json"

	// DataModelArchiveName is the nested archive holding the data model document.
	DataModelArchiveName = "data_model.zip"

	// ContentArchiveName holds the staged files; its bytes are replaced by AEAD ciphertext.
	ContentArchiveName = "data_content.zip"

	// PackageFilePattern names the final package inside the workspace (dataset version id).
	PackageFilePattern = "dataset_%s.zip"
)

// Inbound request handling
const (
	// UploadFormField is the multipart field carrying dataset files.
	UploadFormField = "dataset_files"

	// DatasetVersionQueryParam identifies the dataset version being uploaded.
	DatasetVersionQueryParam = "dataset_version_id"

	// MultipartMemory - bytes of a multipart body kept in memory before spooling to disk (32 MB)
	MultipartMemory = 32 * 1024 * 1024
)

// Workspace
const (
	// WorkspaceRandomBytes - random suffix length for working directories (96 bits)
	WorkspaceRandomBytes = 12

	// DiskSpaceSafetyMargin - multiplier applied to the estimated staging footprint.
	// Staged files, the content archive and the final package each hold a full copy.
	DiskSpaceSafetyMargin = 3.3
)

// Retry configuration
const (
	// MaxRetries - default attempts for storage uploads
	MaxRetries = 3

	// RetryInitialDelay - initial delay before first retry (200ms)
	RetryInitialDelay = 200 * time.Millisecond

	// RetryMaxDelay - maximum delay between retries (15s)
	// Exponential backoff with jitter caps at this value
	RetryMaxDelay = 15 * time.Second

	// RollbackInitialDelay - first wait before retrying the ERROR state transition
	RollbackInitialDelay = 500 * time.Millisecond
)

// Storage transfer
const (
	// UploadChunkSize - range/block size for Azure file and blob uploads (4 MB)
	UploadChunkSize = 4 * 1024 * 1024

	// UploadConcurrency - parallel ranges per storage upload
	UploadConcurrency = 4
)

// HTTP Client Timeouts
const (
	// HTTPIdleConnTimeout - how long to keep idle connections open (90 seconds)
	HTTPIdleConnTimeout = 90 * time.Second

	// HTTPTLSHandshakeTimeout - timeout for TLS handshake (60 seconds)
	HTTPTLSHandshakeTimeout = 60 * time.Second

	// HTTPExpectContinueTimeout - timeout for 100-continue response (1 second)
	HTTPExpectContinueTimeout = 1 * time.Second

	// HTTPDialTimeout - timeout for establishing connection (30 seconds)
	HTTPDialTimeout = 30 * time.Second

	// HTTPDialKeepAlive - keep-alive period for dialer (30 seconds)
	HTTPDialKeepAlive = 30 * time.Second
)

// Server
const (
	// ServerReadHeaderTimeout bounds slow clients sending headers.
	ServerReadHeaderTimeout = 30 * time.Second

	// ServerShutdownTimeout - time allowed for in-flight HTTP requests on shutdown.
	// Background uploads are drained separately by the dispatcher.
	ServerShutdownTimeout = 30 * time.Second
)

package pipeline

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// SourceFile is one dataset file submitted for upload. Open is called once,
// during staging.
type SourceFile struct {
	Name string
	Size int64
	Open func() (io.ReadCloser, error)
}

// FileFromPath describes a local file, named by its base name.
func FileFromPath(path string) (SourceFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return SourceFile{}, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return SourceFile{}, fmt.Errorf("%s is a directory", path)
	}
	return SourceFile{
		Name: filepath.Base(path),
		Size: info.Size(),
		Open: func() (io.ReadCloser, error) { return os.Open(path) },
	}, nil
}

// FileFromBytes describes an in-memory file.
func FileFromBytes(name string, data []byte) SourceFile {
	return SourceFile{
		Name: name,
		Size: int64(len(data)),
		Open: func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(data)), nil },
	}
}

// Request is one upload attempt.
type Request struct {
	// Token is the caller's bearer token, forwarded to the control plane.
	Token            string
	DatasetVersionID string
	// JobID tags log lines when the request runs in the background.
	JobID string
	Files []SourceFile
}

func (r Request) totalSize() int64 {
	var n int64
	for _, f := range r.Files {
		n += f.Size
	}
	return n
}

// Result describes a delivered package.
type Result struct {
	DatasetVersionID string
	DatasetID        string
	DataFederationID string
	PackageSize      int64
	PackageSHA512    string
	Nonce            string
	Tag              string
	Duration         time.Duration
}

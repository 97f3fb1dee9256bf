// Package archive builds and reads the zip containers that make up a dataset
// package. The same builder produces the content archive, the data model
// archive, and the final package that nests both.
package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/zip"
)

// ErrEntryNotFound is returned by ReadEntry when the archive has no such entry.
var ErrEntryNotFound = errors.New("archive entry not found")

// epoch is stamped on every entry so identical inputs produce identical archives.
var epoch = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

// Entry is one file to add to an archive. Exactly one of Path or Data is used;
// Path wins when both are set.
type Entry struct {
	Name string
	Path string
	Data []byte

	// Store skips compression. Used for nested archives and ciphertext.
	Store bool
}

// Blob is an extracted entry.
type Blob struct {
	Name string
	Data []byte
}

// Build writes entries, in order, to a new archive at archivePath.
func Build(archivePath string, entries []Entry) (err error) {
	f, err := os.OpenFile(archivePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close archive: %w", cerr)
		}
	}()

	return Write(f, entries)
}

// Write streams entries, in order, as a zip archive to w.
func Write(w io.Writer, entries []Entry) error {
	zw := zip.NewWriter(w)
	seen := make(map[string]bool, len(entries))

	for _, e := range entries {
		if e.Name == "" {
			return errors.New("archive entry has no name")
		}
		if seen[e.Name] {
			return fmt.Errorf("duplicate archive entry %q", e.Name)
		}
		seen[e.Name] = true

		if err := addEntry(zw, e); err != nil {
			return err
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish archive: %w", err)
	}
	return nil
}

func addEntry(zw *zip.Writer, e Entry) error {
	method := zip.Deflate
	if e.Store {
		method = zip.Store
	}

	dst, err := zw.CreateHeader(&zip.FileHeader{
		Name:     e.Name,
		Method:   method,
		Modified: epoch,
	})
	if err != nil {
		return fmt.Errorf("failed to add %s: %w", e.Name, err)
	}

	if e.Path == "" {
		if _, err := dst.Write(e.Data); err != nil {
			return fmt.Errorf("failed to write %s: %w", e.Name, err)
		}
		return nil
	}

	src, err := os.Open(e.Path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", e.Path, err)
	}
	defer src.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("failed to write %s: %w", e.Name, err)
	}
	return nil
}

// Extract returns every entry of the archive at archivePath in stored order.
func Extract(archivePath string) ([]Blob, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer r.Close()

	return readAll(&r.Reader)
}

// ExtractBytes is Extract for an archive held in memory.
func ExtractBytes(data []byte) ([]Blob, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to read archive: %w", err)
	}
	return readAll(r)
}

// ReadEntry returns the content of a single named entry.
func ReadEntry(archivePath, name string) ([]byte, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		if f.Name == name {
			return readFile(f)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, name)
}

// Names lists entry names in stored order.
func Names(archivePath string) ([]string, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer r.Close()

	names := make([]string, 0, len(r.File))
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	return names, nil
}

func readAll(r *zip.Reader) ([]Blob, error) {
	blobs := make([]Blob, 0, len(r.File))
	for _, f := range r.File {
		data, err := readFile(f)
		if err != nil {
			return nil, err
		}
		blobs = append(blobs, Blob{Name: f.Name, Data: data})
	}
	return blobs, nil
}

func readFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read entry %s: %w", f.Name, err)
	}
	return data, nil
}

package archive

import (
	"bytes"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestBuildExtractPreservesOrderAndContent(t *testing.T) {
	dir := t.TempDir()

	random := make([]byte, 64*1024)
	if _, err := rand.Read(random); err != nil {
		t.Fatal(err)
	}
	onDisk := filepath.Join(dir, "b.csv")
	if err := os.WriteFile(onDisk, []byte("x,y\n1,2\n"), 0600); err != nil {
		t.Fatal(err)
	}

	entries := []Entry{
		{Name: "z.csv", Data: []byte("1,2,3\n")},
		{Name: "b.csv", Path: onDisk},
		{Name: "empty.csv", Data: nil},
		{Name: "random.bin", Data: random, Store: true},
	}
	want := []Blob{
		{"z.csv", []byte("1,2,3\n")},
		{"b.csv", []byte("x,y\n1,2\n")},
		{"empty.csv", nil},
		{"random.bin", random},
	}

	archivePath := filepath.Join(dir, "out.zip")
	if err := Build(archivePath, entries); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	got, err := Extract(archivePath)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].Name != want[i].Name {
			t.Errorf("entry %d: name %q, want %q", i, got[i].Name, want[i].Name)
		}
		if !bytes.Equal(got[i].Data, want[i].Data) {
			t.Errorf("entry %s: content mismatch", want[i].Name)
		}
	}
}

func TestNestedArchive(t *testing.T) {
	dir := t.TempDir()
	inner := filepath.Join(dir, "inner.zip")
	if err := Build(inner, []Entry{{Name: "data_model.json", Data: []byte(`{"type":"t"}`)}}); err != nil {
		t.Fatalf("Build inner failed: %v", err)
	}

	outer := filepath.Join(dir, "outer.zip")
	if err := Build(outer, []Entry{
		{Name: "dataset_header.json", Data: []byte(`{}`)},
		{Name: "data_model.zip", Path: inner, Store: true},
	}); err != nil {
		t.Fatalf("Build outer failed: %v", err)
	}

	nested, err := ReadEntry(outer, "data_model.zip")
	if err != nil {
		t.Fatalf("ReadEntry failed: %v", err)
	}
	blobs, err := ExtractBytes(nested)
	if err != nil {
		t.Fatalf("nested archive unreadable: %v", err)
	}
	if len(blobs) != 1 || blobs[0].Name != "data_model.json" || string(blobs[0].Data) != `{"type":"t"}` {
		t.Errorf("unexpected nested content %+v", blobs)
	}

	names, err := Names(outer)
	if err != nil {
		t.Fatalf("Names failed: %v", err)
	}
	if len(names) != 2 || names[0] != "dataset_header.json" || names[1] != "data_model.zip" {
		t.Errorf("unexpected names %v", names)
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	entries := []Entry{{Name: "a.csv", Data: []byte("a\n")}, {Name: "b.csv", Data: []byte("b\n")}}

	first, second := filepath.Join(dir, "1.zip"), filepath.Join(dir, "2.zip")
	if err := Build(first, entries); err != nil {
		t.Fatal(err)
	}
	if err := Build(second, entries); err != nil {
		t.Fatal(err)
	}

	a, _ := os.ReadFile(first)
	b, _ := os.ReadFile(second)
	if !bytes.Equal(a, b) {
		t.Error("identical inputs produced different archives")
	}
}

func TestBuildRejectsDuplicatesAndMissingFiles(t *testing.T) {
	dir := t.TempDir()

	err := Build(filepath.Join(dir, "dup.zip"), []Entry{
		{Name: "a.csv", Data: []byte("1")},
		{Name: "a.csv", Data: []byte("2")},
	})
	if err == nil {
		t.Error("expected error for duplicate entry names")
	}

	err = Build(filepath.Join(dir, "missing.zip"), []Entry{{Name: "a.csv", Path: filepath.Join(dir, "nope")}})
	if err == nil {
		t.Error("expected error for missing source file")
	}
}

func TestReadEntryNotFound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.zip")
	if err := Build(path, []Entry{{Name: "a", Data: []byte("a")}}); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadEntry(path, "b"); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("expected ErrEntryNotFound, got %v", err)
	}
}

// Package datasetpkg writes and reads dataset packages.
//
// A package is a zip with three entries: the plaintext dataset_header.json,
// data_model.zip (holding data_model.json) and data_content.zip, whose bytes
// are AES-256-GCM ciphertext of a zip of the uploaded files.
package datasetpkg

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/secureailabs/sail-dataset-upload/internal/archive"
	"github.com/secureailabs/sail-dataset-upload/internal/constants"
	encryption "github.com/secureailabs/sail-dataset-upload/internal/crypto"
	"github.com/secureailabs/sail-dataset-upload/internal/models"
)

// ContentFile is a staged file to include in the content archive.
type ContentFile struct {
	Name string
	Path string
}

// WriteContent archives files, in order, into dir/data_content.zip.
func WriteContent(dir string, files []ContentFile) (string, error) {
	entries := make([]archive.Entry, 0, len(files))
	for _, f := range files {
		entries = append(entries, archive.Entry{Name: filepath.Base(f.Name), Path: f.Path})
	}

	path := filepath.Join(dir, constants.ContentArchiveName)
	if err := archive.Build(path, entries); err != nil {
		return "", fmt.Errorf("failed to build content archive: %w", err)
	}
	return path, nil
}

// WriteDataModel serializes model to dir/data_model.json and archives it into
// dir/data_model.zip.
func WriteDataModel(dir string, model *models.DataModel) (string, error) {
	data, err := json.Marshal(model)
	if err != nil {
		return "", fmt.Errorf("failed to serialize data model: %w", err)
	}

	path := filepath.Join(dir, constants.DataModelArchiveName)
	err = archive.Build(path, []archive.Entry{{Name: constants.DataModelFileName, Data: data}})
	if err != nil {
		return "", fmt.Errorf("failed to build data model archive: %w", err)
	}
	return path, nil
}

// Seal encrypts the content archive in place with a fresh nonce and records
// the base64 nonce and tag on header.
func Seal(contentPath string, key []byte, header *models.DatasetHeader) error {
	nonce, tag, err := encryption.EncryptFile(contentPath, contentPath, key)
	if err != nil {
		return fmt.Errorf("failed to encrypt content archive: %w", err)
	}

	header.AESNonce = encryption.EncodeBase64(nonce)
	header.AESTag = encryption.EncodeBase64(tag)
	return nil
}

// WriteHeader writes the sealed header to dir/dataset_header.json.
func WriteHeader(dir string, header *models.DatasetHeader) (string, error) {
	if !header.Sealed() {
		return "", fmt.Errorf("header for dataset %s has no tag or nonce", header.DatasetID)
	}

	data, err := json.Marshal(header)
	if err != nil {
		return "", fmt.Errorf("failed to serialize header: %w", err)
	}

	path := filepath.Join(dir, constants.HeaderFileName)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("failed to write header: %w", err)
	}
	return path, nil
}

// Assemble writes the final package dir/dataset_<versionID>.zip. Nested
// archives are stored, not recompressed.
func Assemble(dir, versionID, headerPath, modelPath, contentPath string) (string, error) {
	path := filepath.Join(dir, fmt.Sprintf(constants.PackageFilePattern, versionID))
	err := archive.Build(path, []archive.Entry{
		{Name: constants.HeaderFileName, Path: headerPath},
		{Name: constants.DataModelArchiveName, Path: modelPath, Store: true},
		{Name: constants.ContentArchiveName, Path: contentPath, Store: true},
	})
	if err != nil {
		return "", fmt.Errorf("failed to build package: %w", err)
	}
	return path, nil
}

package datasetpkg

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/secureailabs/sail-dataset-upload/internal/archive"
	"github.com/secureailabs/sail-dataset-upload/internal/constants"
	encryption "github.com/secureailabs/sail-dataset-upload/internal/crypto"
	"github.com/secureailabs/sail-dataset-upload/internal/models"
)

// ErrMalformedPackage is returned when a package lacks a required entry or its
// header cannot be parsed.
var ErrMalformedPackage = errors.New("malformed dataset package")

// Package is a parsed package. Content stays encrypted until Decrypt.
type Package struct {
	Header     models.DatasetHeader
	DataModel  models.DataModel
	Ciphertext []byte
}

// Open reads the package at path and parses its header and data model.
func Open(path string) (*Package, error) {
	blobs, err := archive.Extract(path)
	if err != nil {
		return nil, err
	}

	entries := make(map[string][]byte, len(blobs))
	for _, b := range blobs {
		entries[b.Name] = b.Data
	}
	for _, name := range []string{constants.HeaderFileName, constants.DataModelArchiveName, constants.ContentArchiveName} {
		if _, ok := entries[name]; !ok {
			return nil, fmt.Errorf("%w: missing %s", ErrMalformedPackage, name)
		}
	}

	pkg := &Package{Ciphertext: entries[constants.ContentArchiveName]}
	if err := json.Unmarshal(entries[constants.HeaderFileName], &pkg.Header); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformedPackage, err)
	}
	if !pkg.Header.Sealed() {
		return nil, fmt.Errorf("%w: header has no tag or nonce", ErrMalformedPackage)
	}

	modelBlobs, err := archive.ExtractBytes(entries[constants.DataModelArchiveName])
	if err != nil {
		return nil, fmt.Errorf("%w: data model archive: %v", ErrMalformedPackage, err)
	}
	var modelData []byte
	for _, b := range modelBlobs {
		if b.Name == constants.DataModelFileName {
			modelData = b.Data
		}
	}
	if modelData == nil {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformedPackage, constants.DataModelFileName)
	}
	if err := json.Unmarshal(modelData, &pkg.DataModel); err != nil {
		return nil, fmt.Errorf("%w: data model: %v", ErrMalformedPackage, err)
	}

	return pkg, nil
}

// Decrypt authenticates and decrypts the content archive with key and returns
// the original files in upload order.
func (p *Package) Decrypt(key []byte) ([]archive.Blob, error) {
	nonce, err := encryption.DecodeBase64(p.Header.AESNonce)
	if err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrMalformedPackage, err)
	}
	tag, err := encryption.DecodeBase64(p.Header.AESTag)
	if err != nil {
		return nil, fmt.Errorf("%w: tag: %v", ErrMalformedPackage, err)
	}

	plaintext, err := encryption.Decrypt(p.Ciphertext, key, nonce, tag)
	if err != nil {
		return nil, err
	}
	return archive.ExtractBytes(plaintext)
}

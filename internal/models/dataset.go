package models

import "fmt"

// DatasetVersionState is the lifecycle state of a dataset version as stored by the control plane.
type DatasetVersionState string

const (
	DatasetVersionNotUploaded DatasetVersionState = "NOT_UPLOADED"
	DatasetVersionEncrypting  DatasetVersionState = "ENCRYPTING"
	DatasetVersionActive      DatasetVersionState = "ACTIVE"
	DatasetVersionError       DatasetVersionState = "ERROR"
)

// Valid reports whether s is one of the known lifecycle states.
func (s DatasetVersionState) Valid() bool {
	switch s {
	case DatasetVersionNotUploaded, DatasetVersionEncrypting, DatasetVersionActive, DatasetVersionError:
		return true
	}
	return false
}

// CanTransitionTo enforces NOT_UPLOADED -> ENCRYPTING -> ACTIVE, with ERROR reachable from ENCRYPTING.
func (s DatasetVersionState) CanTransitionTo(next DatasetVersionState) bool {
	switch s {
	case DatasetVersionNotUploaded:
		return next == DatasetVersionEncrypting
	case DatasetVersionEncrypting:
		return next == DatasetVersionActive || next == DatasetVersionError
	}
	return false
}

// DatasetVersion is one upload attempt for a dataset.
type DatasetVersion struct {
	ID        string              `json:"_id"`
	DatasetID string              `json:"dataset_id"`
	State     DatasetVersionState `json:"state"`
	Name      string              `json:"name,omitempty"`
}

// UpdateDatasetVersionRequest is the body of a dataset version state change.
type UpdateDatasetVersionRequest struct {
	State DatasetVersionState `json:"state"`
}

// ConnectionStringResponse carries the short-lived storage URL for a dataset version.
type ConnectionStringResponse struct {
	ID               string `json:"_id"`
	ConnectionString string `json:"connection_string"`
}

// Dataset is the parent of dataset versions.
type Dataset struct {
	ID   string `json:"_id"`
	Name string `json:"name"`
}

// DataFederation groups datasets under a shared schema and key scope.
type DataFederation struct {
	ID          string `json:"_id"`
	Name        string `json:"name"`
	DataModelID string `json:"data_model_id,omitempty"`
}

// DataFederationList is the response of the list-all call.
type DataFederationList struct {
	DataFederations []DataFederation `json:"data_federations"`
}

// DatasetKeyResponse carries a base64-encoded 256-bit dataset key.
type DatasetKeyResponse struct {
	DatasetKey string `json:"dataset_key"`
}

// DatasetHeader is the plaintext header stored next to the encrypted content.
// AESTag and AESNonce are filled in after encryption.
type DatasetHeader struct {
	DatasetID              string `json:"dataset_id"`
	DatasetName            string `json:"dataset_name"`
	DataFederationID       string `json:"data_federation_id"`
	DataFederationName     string `json:"data_federation_name"`
	DatasetPackagingFormat string `json:"dataset_packaging_format"`
	AESTag                 string `json:"aes_tag,omitempty"`
	AESNonce               string `json:"aes_nonce,omitempty"`
}

// Sealed reports whether the header carries the decryption parameters.
func (h DatasetHeader) Sealed() bool {
	return h.AESTag != "" && h.AESNonce != ""
}

// String identifies the header in log lines.
func (h DatasetHeader) String() string {
	return fmt.Sprintf("dataset %s (%s) in federation %s (%s), format %s",
		h.DatasetID, h.DatasetName, h.DataFederationID, h.DataFederationName, h.DatasetPackagingFormat)
}

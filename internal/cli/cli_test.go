package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secureailabs/sail-dataset-upload/internal/config"
	"github.com/secureailabs/sail-dataset-upload/internal/constants"
	encryption "github.com/secureailabs/sail-dataset-upload/internal/crypto"
	"github.com/secureailabs/sail-dataset-upload/internal/datasetpkg"
	"github.com/secureailabs/sail-dataset-upload/internal/models"
	"github.com/secureailabs/sail-dataset-upload/internal/progress"
)

func TestCommandTree(t *testing.T) {
	root := NewRootCmd()
	AddCommands(root)

	for _, path := range [][]string{
		{"serve"}, {"push"}, {"inspect"},
		{"config", "init"}, {"config", "show"}, {"config", "test"}, {"config", "path"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, strings.Join(path, " "))
		assert.Equal(t, path[len(path)-1], cmd.Name())
		assert.NotEmpty(t, cmd.Short)
	}
}

func TestUploadURL(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		version string
		wait    bool
		want    string
		wantErr bool
	}{
		{"plain", "http://localhost:8000", "v1", false, "http://localhost:8000/upload-dataset?dataset_version_id=v1", false},
		{"trailing slash and wait", "https://upload.example.com/", "v 2", true, "https://upload.example.com/upload-dataset?dataset_version_id=v+2&wait=true", false},
		{"missing version", "http://localhost:8000", "", false, "", true},
		{"relative base", "localhost", "v1", false, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := uploadURL(tt.base, tt.version, tt.wait)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

type countingReporter struct {
	progress.NoOpProgress
	total, last int64
	finished    bool
}

func (r *countingReporter) Start(total int64, _ string) { r.total = total }
func (r *countingReporter) Update(current int64)        { r.last = current }
func (r *countingReporter) Finish()                     { r.finished = true }

func TestPushFilesStreamsMultipart(t *testing.T) {
	dir := t.TempDir()
	abc := writeFile(t, dir, "abc.csv", "1,2,3\n")
	def := writeFile(t, dir, "def.csv", "4,5,6,7\n")

	var got map[string]string
	var auth, version string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		version = r.URL.Query().Get(constants.DatasetVersionQueryParam)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		got = map[string]string{}
		for _, fh := range r.MultipartForm.File[constants.UploadFormField] {
			f, err := fh.Open()
			require.NoError(t, err)
			data, _ := io.ReadAll(f)
			f.Close()
			got[fh.Filename] = string(data)
		}
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"job_id": "job-9"})
	}))
	defer srv.Close()

	rep := &countingReporter{}
	resp, err := pushFiles(t.Context(), srv.Client(), pushRequest{
		ServerURL:        srv.URL,
		Token:            "tok",
		DatasetVersionID: "v1",
		Paths:            []string{abc, def},
	}, rep)
	require.NoError(t, err)

	assert.Equal(t, "job-9", resp.JobID)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "Bearer tok", auth)
	assert.Equal(t, "v1", version)
	assert.Equal(t, map[string]string{"abc.csv": "1,2,3\n", "def.csv": "4,5,6,7\n"}, got)
	assert.Equal(t, int64(14), rep.total)
	assert.Equal(t, int64(14), rep.last)
	assert.True(t, rep.finished)
}

func TestPushFilesRejected(t *testing.T) {
	dir := t.TempDir()
	abc := writeFile(t, dir, "abc.csv", "1")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"Dataset version is not in NOT_UPLOADED state","description":"v1 is ACTIVE"}`))
	}))
	defer srv.Close()

	_, err := pushFiles(t.Context(), srv.Client(), pushRequest{
		ServerURL:        srv.URL,
		Token:            "tok",
		DatasetVersionID: "v1",
		Paths:            []string{abc},
	}, progress.NewNoOpProgress())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
	assert.Contains(t, err.Error(), "NOT_UPLOADED")
}

func TestPushFilesMissingFile(t *testing.T) {
	_, err := pushFiles(t.Context(), http.DefaultClient, pushRequest{
		ServerURL:        "http://127.0.0.1:1",
		Token:            "tok",
		DatasetVersionID: "v1",
		Paths:            []string{filepath.Join(t.TempDir(), "missing.csv")},
	}, progress.NewNoOpProgress())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.csv")
}

func buildTestPackage(t *testing.T, key []byte) string {
	t.Helper()
	dir := t.TempDir()
	abc := writeFile(t, dir, "abc.csv", "1,2,3\n")

	contentPath, err := datasetpkg.WriteContent(dir, []datasetpkg.ContentFile{{Name: "abc.csv", Path: abc}})
	require.NoError(t, err)
	modelPath, err := datasetpkg.WriteDataModel(dir, &models.DataModel{
		Type:        "patients",
		DataModelID: "dm1",
		DataFrameModels: []models.DataFrameDataModel{{
			Type: "visits", Name: "visits", DataFrameID: "df1",
			SeriesModels: []models.SeriesDataModel{{Type: "SeriesDataModelInterval", Name: "age", SeriesID: "s1"}},
		}},
	})
	require.NoError(t, err)

	header := &models.DatasetHeader{
		DatasetID:              "d1",
		DatasetName:            "visits",
		DataFederationID:       "f1",
		DataFederationName:     "cardiology",
		DatasetPackagingFormat: constants.PackagingFormat,
	}
	require.NoError(t, datasetpkg.Seal(contentPath, key, header))
	headerPath, err := datasetpkg.WriteHeader(dir, header)
	require.NoError(t, err)
	pkgPath, err := datasetpkg.Assemble(dir, "v1", headerPath, modelPath, contentPath)
	require.NoError(t, err)
	return pkgPath
}

func TestRunInspect(t *testing.T) {
	key := bytes.Repeat([]byte{7}, encryption.KeySize)
	pkgPath := buildTestPackage(t, key)

	var out bytes.Buffer
	require.NoError(t, runInspect(&out, pkgPath, inspectOptions{}))
	assert.Contains(t, out.String(), "csvv1")
	assert.Contains(t, out.String(), "visits (d1)")
	assert.Contains(t, out.String(), "cardiology (f1)")
	assert.NotContains(t, out.String(), "verified")

	extract := filepath.Join(t.TempDir(), "out")
	out.Reset()
	require.NoError(t, runInspect(&out, pkgPath, inspectOptions{
		key:        encryption.EncodeBase64(key),
		extractDir: extract,
	}))
	assert.Contains(t, out.String(), "verified, 1 file(s)")
	data, err := os.ReadFile(filepath.Join(extract, "abc.csv"))
	require.NoError(t, err)
	assert.Equal(t, "1,2,3\n", string(data))
}

func TestRunInspectWrongKey(t *testing.T) {
	pkgPath := buildTestPackage(t, bytes.Repeat([]byte{7}, encryption.KeySize))

	keyFile := writeFile(t, t.TempDir(), "key", encryption.EncodeBase64(make([]byte, encryption.KeySize))+"\n")
	err := runInspect(io.Discard, pkgPath, inspectOptions{keyFile: keyFile})
	require.Error(t, err)
	assert.ErrorIs(t, err, encryption.ErrAuthenticationFailed)
}

func TestPrintConfigMasksSecrets(t *testing.T) {
	cfg := config.NewConfig()
	cfg.ControlPlaneBaseURL = "https://api.example.com"
	cfg.ProxyMode = "basic"
	cfg.ProxyHost = "proxy"
	cfg.ProxyPort = 3128
	cfg.ProxyPassword = "hunter2"
	cfg.S3AccessKeyID = "AKIA"
	cfg.S3SecretAccessKey = "very-secret"

	var out bytes.Buffer
	printConfig(&out, cfg, filepath.Join(t.TempDir(), "missing.conf"))

	s := out.String()
	assert.Contains(t, s, "https://api.example.com")
	assert.Contains(t, s, "proxy:3128")
	assert.NotContains(t, s, "hunter2")
	assert.NotContains(t, s, "very-secret")
	assert.Contains(t, s, "file does not exist")
}

func TestConfigInitWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sail", "dataset-upload.conf")

	root := NewRootCmd()
	AddCommands(root)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--config", path, "--api-url", "https://api.example.com", "config", "init"})
	require.NoError(t, root.Execute())

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com", cfg.ControlPlaneBaseURL)

	// A second init without --force leaves the file alone.
	root = NewRootCmd()
	AddCommands(root)
	out.Reset()
	root.SetOut(&out)
	root.SetArgs([]string{"--config", path, "--api-url", "https://other.example.com", "config", "init"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "already exists")

	cfg, err = config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com", cfg.ControlPlaneBaseURL)
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secureailabs/sail-dataset-upload/internal/api"
	encryption "github.com/secureailabs/sail-dataset-upload/internal/crypto"
	"github.com/secureailabs/sail-dataset-upload/internal/datasetpkg"
	"github.com/secureailabs/sail-dataset-upload/internal/models"
)

// fakeControlPlane is an in-memory control plane shared by every token.
type fakeControlPlane struct {
	mu sync.Mutex

	versions    map[string]*models.DatasetVersion
	federations []models.DataFederation
	key         string

	updates    []models.DatasetVersionState
	keyCalls   int
	modelCalls int

	// errorUpdate, when set, is returned for every ERROR transition.
	errorUpdate  error
	errorUpdates int
}

func newFakeControlPlane(versions ...string) *fakeControlPlane {
	cp := &fakeControlPlane{
		versions: make(map[string]*models.DatasetVersion),
		federations: []models.DataFederation{
			{ID: "f1", Name: "cardiology", DataModelID: "dm1"},
			{ID: "f2", Name: "oncology", DataModelID: "dm2"},
		},
		key: encryption.EncodeBase64(make([]byte, encryption.KeySize)),
	}
	for _, v := range versions {
		cp.versions[v] = &models.DatasetVersion{ID: v, DatasetID: "d1", State: models.DatasetVersionNotUploaded}
	}
	return cp
}

func (f *fakeControlPlane) state(id string) models.DatasetVersionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.versions[id].State
}

func (f *fakeControlPlane) GetDatasetVersion(_ context.Context, id string) (*models.DatasetVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.versions[id]
	if !ok {
		return nil, &api.RemoteError{Method: http.MethodGet, Path: "/dataset-versions/" + id, StatusCode: http.StatusNotFound}
	}
	copied := *v
	return &copied, nil
}

func (f *fakeControlPlane) UpdateDatasetVersionState(_ context.Context, id string, state models.DatasetVersionState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if state == models.DatasetVersionError {
		f.errorUpdates++
		if f.errorUpdate != nil {
			return f.errorUpdate
		}
	}
	f.updates = append(f.updates, state)
	f.versions[id].State = state
	return nil
}

func (f *fakeControlPlane) GetConnectionString(_ context.Context, versionID string) (string, error) {
	return "https://acct.file.core.windows.net/share/" + versionID + ".zip?sig=secret", nil
}

func (f *fakeControlPlane) GetDataset(_ context.Context, id string) (*models.Dataset, error) {
	return &models.Dataset{ID: id, Name: "visits"}, nil
}

func (f *fakeControlPlane) GetAllDataFederations(context.Context) ([]models.DataFederation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.federations, nil
}

func (f *fakeControlPlane) GetDatasetKey(context.Context, string, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keyCalls++
	return f.key, nil
}

func (f *fakeControlPlane) GetDataModel(_ context.Context, id string) (*models.DataModelInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modelCalls++
	return &models.DataModelInfo{ID: id, Name: "patients", Dataframes: []string{"df-b", "df-a"}}, nil
}

func (f *fakeControlPlane) GetDataModelDataframe(_ context.Context, id string) (*models.DataModelDataframeInfo, error) {
	return &models.DataModelDataframeInfo{ID: id, Name: "frame " + id, Series: []string{id + "-s2", id + "-s1"}}, nil
}

func (f *fakeControlPlane) GetDataModelSeries(_ context.Context, id string) (*models.DataModelSeriesInfo, error) {
	unit := "years"
	zero := 0.0
	return &models.DataModelSeriesInfo{
		ID:           id,
		Name:         "series " + id,
		SeriesSchema: models.SeriesSchema{Type: "SeriesDataModelInterval", Unit: &unit, Min: &zero},
	}, nil
}

// fakeUploader keeps a copy of every uploaded package.
type fakeUploader struct {
	mu       sync.Mutex
	dir      string
	err      error
	packages map[string]string
}

func newFakeUploader(t *testing.T) *fakeUploader {
	return &fakeUploader{dir: t.TempDir(), packages: make(map[string]string)}
}

func (u *fakeUploader) Upload(_ context.Context, connectionString, localPath string) error {
	if u.err != nil {
		return u.err
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	dst := filepath.Join(u.dir, filepath.Base(localPath))
	if err := os.WriteFile(dst, data, 0600); err != nil {
		return err
	}
	u.mu.Lock()
	u.packages[connectionString] = dst
	u.mu.Unlock()
	return nil
}

func newTestOrchestrator(t *testing.T, cp *fakeControlPlane, up *fakeUploader) (*Orchestrator, string, *Metrics) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "work")
	metrics := NewMetrics(prometheus.NewRegistry())
	o := New(Options{WorkspaceRoot: root, RollbackRetries: 2, RollbackInitialDelay: time.Millisecond},
		func(string) ControlPlane { return cp }, up, nil, metrics)
	return o, root, metrics
}

func abcRequest(versionID string) Request {
	return Request{
		Token:            "token",
		DatasetVersionID: versionID,
		JobID:            "job-" + versionID,
		Files:            []SourceFile{FileFromBytes("abc.csv", []byte("1,2,3\n"))},
	}
}

func assertWorkspaceRootEmpty(t *testing.T, root string) {
	t.Helper()
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return
	}
	require.NoError(t, err)
	assert.Empty(t, entries, "workspace left behind")
}

func TestRunEndToEnd(t *testing.T) {
	cp := newFakeControlPlane("v1")
	up := newFakeUploader(t)
	o, root, metrics := newTestOrchestrator(t, cp, up)

	var stages []Stage
	o.OnStage(func(_ Request, s Stage) { stages = append(stages, s) })

	res, err := o.Run(context.Background(), abcRequest("v1"))
	require.NoError(t, err)

	assert.Equal(t, models.DatasetVersionActive, cp.state("v1"))
	assert.Equal(t, []models.DatasetVersionState{models.DatasetVersionEncrypting, models.DatasetVersionActive}, cp.updates)
	assert.Equal(t, "f1", res.DataFederationID)
	assert.Equal(t, []Stage{StageValidating, StageStaging, StageFetchingMetadata, StagePackaging,
		StageEncrypting, StageUploading, StageFinalizing, StageDone}, stages)
	assertWorkspaceRootEmpty(t, root)

	require.Len(t, up.packages, 1)
	var pkgPath string
	for _, p := range up.packages {
		pkgPath = p
	}
	assert.Equal(t, "dataset_v1.zip", filepath.Base(pkgPath))

	info, err := os.Stat(pkgPath)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), res.PackageSize)
	digest, err := encryption.CalculateSHA512(pkgPath)
	require.NoError(t, err)
	assert.Equal(t, digest, res.PackageSHA512)

	pkg, err := datasetpkg.Open(pkgPath)
	require.NoError(t, err)
	assert.Equal(t, "csvv1", pkg.Header.DatasetPackagingFormat)
	assert.Equal(t, "d1", pkg.Header.DatasetID)
	assert.Equal(t, "cardiology", pkg.Header.DataFederationName)
	assert.Equal(t, res.Nonce, pkg.Header.AESNonce)

	files, err := pkg.Decrypt(make([]byte, encryption.KeySize))
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "abc.csv", files[0].Name)
	assert.Equal(t, "1,2,3\n", string(files[0].Data))

	model := pkg.DataModel
	assert.Equal(t, "patients", model.Type)
	assert.Equal(t, "dm1", model.DataModelID)
	require.Len(t, model.DataFrameModels, 2)
	assert.Equal(t, "df-b", model.DataFrameModels[0].DataFrameID)
	assert.Equal(t, "frame df-b", model.DataFrameModels[0].Type)
	require.Len(t, model.DataFrameModels[0].SeriesModels, 2)
	series := model.DataFrameModels[0].SeriesModels[0]
	assert.Equal(t, "df-b-s2", series.SeriesID)
	require.NotNil(t, series.Min)
	assert.Equal(t, 0.0, *series.Min)
	assert.Nil(t, series.Max)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Uploads.WithLabelValues("success")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.Running))
}

func TestRunUploadFailureRollsBack(t *testing.T) {
	cp := newFakeControlPlane("v1")
	up := newFakeUploader(t)
	up.err = errors.New("RESPONSE 403: AuthenticationFailed")
	o, root, metrics := newTestOrchestrator(t, cp, up)

	_, err := o.Run(context.Background(), abcRequest("v1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, up.err)
	assert.Equal(t, StageUploading, StageOf(err))
	assert.Equal(t, KindRemote, KindOf(err))

	assert.Equal(t, models.DatasetVersionError, cp.state("v1"))
	assertWorkspaceRootEmpty(t, root)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.StageFailures.WithLabelValues("UPLOADING", "remote")))
}

func TestRunConflictTouchesNothing(t *testing.T) {
	cp := newFakeControlPlane("v1")
	cp.versions["v1"].State = models.DatasetVersionActive
	o, root, _ := newTestOrchestrator(t, cp, newFakeUploader(t))

	_, err := o.Run(context.Background(), abcRequest("v1"))
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	assert.Equal(t, KindValidation, KindOf(err))

	assert.Empty(t, cp.updates)
	assert.Zero(t, cp.errorUpdates)
	_, statErr := os.Stat(root)
	assert.True(t, os.IsNotExist(statErr), "workspace root should never be created")
}

func TestRunUnknownVersion(t *testing.T) {
	cp := newFakeControlPlane()
	o, _, _ := newTestOrchestrator(t, cp, newFakeUploader(t))

	_, err := o.Run(context.Background(), abcRequest("missing"))
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Empty(t, cp.updates)
}

func TestRunNoFederationFailsBeforeKeyOrModel(t *testing.T) {
	cp := newFakeControlPlane("v1")
	cp.federations = nil
	o, root, _ := newTestOrchestrator(t, cp, newFakeUploader(t))

	_, err := o.Run(context.Background(), abcRequest("v1"))
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.ErrorIs(t, err, ErrNoDataFederation)

	assert.Zero(t, cp.keyCalls)
	assert.Zero(t, cp.modelCalls)
	assert.Equal(t, models.DatasetVersionError, cp.state("v1"))
	assertWorkspaceRootEmpty(t, root)
}

func TestRunMissingDataModel(t *testing.T) {
	cp := newFakeControlPlane("v1")
	cp.federations = []models.DataFederation{{ID: "f1", Name: "cardiology"}}
	o, _, _ := newTestOrchestrator(t, cp, newFakeUploader(t))

	_, err := o.Run(context.Background(), abcRequest("v1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoDataModel)
	assert.Zero(t, cp.modelCalls)
	assert.Equal(t, models.DatasetVersionError, cp.state("v1"))
}

func TestRunBadKeyIsCryptoError(t *testing.T) {
	cp := newFakeControlPlane("v1")
	cp.key = encryption.EncodeBase64([]byte("short"))
	o, _, _ := newTestOrchestrator(t, cp, newFakeUploader(t))

	_, err := o.Run(context.Background(), abcRequest("v1"))
	require.Error(t, err)
	assert.Equal(t, KindCrypto, KindOf(err))
	assert.ErrorIs(t, err, encryption.ErrInvalidKeySize)
	assert.Equal(t, models.DatasetVersionError, cp.state("v1"))
}

func TestRunRollbackFailureKeepsPrimaryError(t *testing.T) {
	cp := newFakeControlPlane("v1")
	cp.errorUpdate = &api.RemoteError{Method: http.MethodPut, Path: "/dataset-versions/v1", StatusCode: http.StatusBadGateway}
	up := newFakeUploader(t)
	up.err = errors.New("connection reset by peer")
	o, root, metrics := newTestOrchestrator(t, cp, up)

	_, err := o.Run(context.Background(), abcRequest("v1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, up.err)
	assert.Equal(t, StageUploading, StageOf(err))

	// One attempt plus two retries.
	assert.Equal(t, 3, cp.errorUpdates)
	assert.Equal(t, models.DatasetVersionEncrypting, cp.state("v1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RollbackFailures))
	assertWorkspaceRootEmpty(t, root)
}

func TestRunRollbackDoesNotRetryClientErrors(t *testing.T) {
	cp := newFakeControlPlane("v1")
	cp.errorUpdate = &api.RemoteError{Method: http.MethodPut, Path: "/dataset-versions/v1", StatusCode: http.StatusForbidden}
	up := newFakeUploader(t)
	up.err = errors.New("boom")
	o, _, _ := newTestOrchestrator(t, cp, up)

	_, err := o.Run(context.Background(), abcRequest("v1"))
	require.Error(t, err)
	assert.Equal(t, 1, cp.errorUpdates)
}

func TestRunRollbackSurvivesCancelledContext(t *testing.T) {
	cp := newFakeControlPlane("v1")
	up := newFakeUploader(t)
	up.err = context.Canceled
	o, _, _ := newTestOrchestrator(t, cp, up)

	ctx, cancel := context.WithCancel(context.Background())
	o.OnStage(func(_ Request, s Stage) {
		if s == StageUploading {
			cancel()
		}
	})

	_, err := o.Run(ctx, abcRequest("v1"))
	require.Error(t, err)
	assert.Equal(t, models.DatasetVersionError, cp.state("v1"))
}

func TestRunRejectsInvalidRequests(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"no files", Request{DatasetVersionID: "v1"}, ErrNoFiles},
		{"duplicate", Request{DatasetVersionID: "v1", Files: []SourceFile{
			FileFromBytes("a.csv", nil), FileFromBytes("a.csv", nil),
		}}, ErrDuplicateFile},
		{"path", Request{DatasetVersionID: "v1", Files: []SourceFile{FileFromBytes("../a.csv", nil)}}, nil},
		{"no version", Request{Files: []SourceFile{FileFromBytes("a.csv", nil)}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp := newFakeControlPlane("v1")
			o, root, _ := newTestOrchestrator(t, cp, newFakeUploader(t))

			_, err := o.Run(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, IsValidation(err))
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
			assert.Empty(t, cp.updates)
			_, statErr := os.Stat(root)
			assert.True(t, os.IsNotExist(statErr))
		})
	}
}

func TestRunStagingFailureLeavesRemoteUntouched(t *testing.T) {
	cp := newFakeControlPlane("v1")
	o, root, _ := newTestOrchestrator(t, cp, newFakeUploader(t))

	req := abcRequest("v1")
	req.Files = append(req.Files, SourceFile{
		Name: "broken.csv",
		Open: func() (io.ReadCloser, error) { return nil, errors.New("part vanished") },
	})

	_, err := o.Run(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, StageStaging, StageOf(err))
	assert.Equal(t, KindIO, KindOf(err))
	assert.Empty(t, cp.updates)
	assertWorkspaceRootEmpty(t, root)
}

func TestRunConcurrentVersions(t *testing.T) {
	versions := []string{"v1", "v2", "v3", "v4"}
	cp := newFakeControlPlane(versions...)
	up := newFakeUploader(t)
	o, root, _ := newTestOrchestrator(t, cp, up)

	var wg sync.WaitGroup
	errs := make([]error, len(versions))
	for i, v := range versions {
		wg.Add(1)
		go func(i int, v string) {
			defer wg.Done()
			_, errs[i] = o.Run(context.Background(), abcRequest(v))
		}(i, v)
	}
	wg.Wait()

	for i, v := range versions {
		require.NoError(t, errs[i], v)
		assert.Equal(t, models.DatasetVersionActive, cp.state(v))
	}
	assert.Len(t, up.packages, len(versions))
	assertWorkspaceRootEmpty(t, root)
}

func TestPreflight(t *testing.T) {
	cp := newFakeControlPlane("ready", "done")
	cp.versions["done"].State = models.DatasetVersionActive
	o, _, _ := newTestOrchestrator(t, cp, newFakeUploader(t))
	ctx := context.Background()

	require.NoError(t, o.Preflight(ctx, "token", "ready"))
	assert.True(t, IsConflict(o.Preflight(ctx, "token", "done")))
	assert.True(t, IsNotFound(o.Preflight(ctx, "token", "missing")))

	cp.federations = nil
	err := o.Preflight(ctx, "token", "ready")
	assert.True(t, IsNotFound(err))
	assert.ErrorIs(t, err, ErrNoDataFederation)

	assert.Empty(t, cp.updates)
}

func TestKindOfPlainError(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", stageErr(StagePackaging, KindIO, errors.New("disk")))
	assert.Equal(t, KindIO, KindOf(err))
	assert.Equal(t, StagePackaging, StageOf(err))
	assert.Equal(t, StageFailed, StageOf(errors.New("other")))
	assert.False(t, IsNotFound(errors.New("other")))
}

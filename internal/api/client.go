// Package api is the control-plane client used by the upload pipeline. Each
// method is one synchronous request authenticated with the caller's bearer
// token; any non-2xx answer is returned as a *RemoteError.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/secureailabs/sail-dataset-upload/internal/config"
	"github.com/secureailabs/sail-dataset-upload/internal/http"
	"github.com/secureailabs/sail-dataset-upload/internal/logging"
	"github.com/secureailabs/sail-dataset-upload/internal/models"
)

// maxErrorBody bounds how much of an error response is kept in RemoteError.
const maxErrorBody = 4096

// retryLogger adapts retryablehttp's leveled logger to zerolog.
type retryLogger struct {
	logger *logging.Logger
}

func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Info(msg string, keysAndValues ...interface{}) {}

func (l *retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn().Fields(keysAndValues).Msg(msg)
}

// Client talks to the control-plane API.
type Client struct {
	httpClient *nethttp.Client
	baseURL    string
	timeout    time.Duration
	token      string
	logger     *logging.Logger
}

// NewClient creates a control-plane client without credentials. Use WithToken
// to bind it to a caller.
func NewClient(cfg *config.Config, logger *logging.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.ControlPlaneBaseURL) == "" {
		return nil, config.ErrMissingControlPlaneURL
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	httpClient, err := http.NewAPIClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to configure HTTP client: %w", err)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = httpClient
	retryClient.RetryMax = cfg.ControlPlaneRetryMax
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 30 * time.Second
	retryClient.Logger = &retryLogger{logger: logger}
	// Hand the final response back so non-2xx bodies reach RemoteError.
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		httpClient: retryClient.StandardClient(),
		baseURL:    strings.TrimSuffix(cfg.ControlPlaneBaseURL, "/"),
		timeout:    cfg.RequestTimeout,
		logger:     logger,
	}, nil
}

// WithToken returns a copy of the client that authenticates as token.
func (c *Client) WithToken(token string) *Client {
	clone := *c
	clone.token = token
	return &clone
}

// doJSON performs a request and decodes a 2xx JSON answer into out (if non-nil).
func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(jsonData)
	}

	req, err := nethttp.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error().Err(err).Str("method", method).Str("path", path).Msg("control-plane call failed")
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("control-plane call")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &RemoteError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}

// GetDatasetVersion fetches a dataset version.
func (c *Client) GetDatasetVersion(ctx context.Context, id string) (*models.DatasetVersion, error) {
	var version models.DatasetVersion
	if err := c.doJSON(ctx, nethttp.MethodGet, "/dataset-versions/"+url.PathEscape(id), nil, &version); err != nil {
		return nil, err
	}
	return &version, nil
}

// UpdateDatasetVersionState persists a lifecycle transition.
func (c *Client) UpdateDatasetVersionState(ctx context.Context, id string, state models.DatasetVersionState) error {
	body := models.UpdateDatasetVersionRequest{State: state}
	return c.doJSON(ctx, nethttp.MethodPut, "/dataset-versions/"+url.PathEscape(id), body, nil)
}

// GetConnectionString fetches the short-lived storage URL for a dataset version.
func (c *Client) GetConnectionString(ctx context.Context, versionID string) (string, error) {
	var out models.ConnectionStringResponse
	path := "/dataset-versions/" + url.PathEscape(versionID) + "/connection-string"
	if err := c.doJSON(ctx, nethttp.MethodGet, path, nil, &out); err != nil {
		return "", err
	}
	if out.ConnectionString == "" {
		return "", errors.New("control plane returned an empty connection string")
	}
	return out.ConnectionString, nil
}

// GetDataset fetches a dataset.
func (c *Client) GetDataset(ctx context.Context, id string) (*models.Dataset, error) {
	var dataset models.Dataset
	if err := c.doJSON(ctx, nethttp.MethodGet, "/datasets/"+url.PathEscape(id), nil, &dataset); err != nil {
		return nil, err
	}
	return &dataset, nil
}

// GetAllDataFederations lists the federations visible to the caller, in server order.
func (c *Client) GetAllDataFederations(ctx context.Context) ([]models.DataFederation, error) {
	var out models.DataFederationList
	if err := c.doJSON(ctx, nethttp.MethodGet, "/data-federations", nil, &out); err != nil {
		return nil, err
	}
	return out.DataFederations, nil
}

// GetDatasetKey fetches the base64 dataset key scoped to (federation, dataset).
func (c *Client) GetDatasetKey(ctx context.Context, federationID, datasetID string) (string, error) {
	var out models.DatasetKeyResponse
	path := "/data-federations/" + url.PathEscape(federationID) + "/dataset-key/" + url.PathEscape(datasetID)
	if err := c.doJSON(ctx, nethttp.MethodGet, path, nil, &out); err != nil {
		return "", err
	}
	return out.DatasetKey, nil
}

// GetDataModel fetches the top level of a data model.
func (c *Client) GetDataModel(ctx context.Context, id string) (*models.DataModelInfo, error) {
	var out models.DataModelInfo
	if err := c.doJSON(ctx, nethttp.MethodGet, "/data-models/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetDataModelDataframe fetches one dataframe of a data model.
func (c *Client) GetDataModelDataframe(ctx context.Context, id string) (*models.DataModelDataframeInfo, error) {
	var out models.DataModelDataframeInfo
	if err := c.doJSON(ctx, nethttp.MethodGet, "/data-models-dataframes/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetDataModelSeries fetches one series of a dataframe.
func (c *Client) GetDataModelSeries(ctx context.Context, id string) (*models.DataModelSeriesInfo, error) {
	var out models.DataModelSeriesInfo
	if err := c.doJSON(ctx, nethttp.MethodGet, "/data-models-series/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	nethttp "net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/secureailabs/sail-dataset-upload/internal/constants"
	"github.com/secureailabs/sail-dataset-upload/internal/http"
	"github.com/secureailabs/sail-dataset-upload/internal/progress"
)

// EnvUploadToken supplies the bearer token for push when --token is not set.
const EnvUploadToken = "SAIL_UPLOAD_TOKEN"

// pushRequest describes one push to the upload service.
type pushRequest struct {
	ServerURL        string
	Token            string
	DatasetVersionID string
	Wait             bool
	Paths            []string
}

// pushResponse is the decoded answer of the upload service.
type pushResponse struct {
	StatusCode    int    `json:"-"`
	JobID         string `json:"job_id"`
	PackageSize   int64  `json:"package_size"`
	PackageSHA512 string `json:"package_sha512"`
}

func newPushCmd() *cobra.Command {
	var (
		serverURL string
		token     string
		versionID string
		wait      bool
	)

	cmd := &cobra.Command{
		Use:   "push [flags] <file>...",
		Short: "Upload files for a dataset version",
		Long: `Upload one or more CSV files to the dataset upload service.

The token is taken from --token or the ` + EnvUploadToken + ` environment variable.
By default the service acknowledges with a job id and uploads in the
background; --wait blocks until the package is delivered.

Example:
  sail-dataset-upload push --dataset-version-id 6f1c... abc.csv def.csv`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				token = os.Getenv(EnvUploadToken)
			}
			if token == "" {
				return fmt.Errorf("a token is required (--token or %s)", EnvUploadToken)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client, err := http.CreateOptimizedClient(cfg)
			if err != nil {
				return fmt.Errorf("failed to configure HTTP client: %w", err)
			}

			resp, err := pushFiles(GetContext(), client, pushRequest{
				ServerURL:        serverURL,
				Token:            token,
				DatasetVersionID: versionID,
				Wait:             wait,
				Paths:            args,
			}, progress.New(os.Stderr))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if resp.JobID != "" {
				fmt.Fprintf(out, "Upload accepted, job %s\n", resp.JobID)
			} else {
				fmt.Fprintf(out, "Dataset version %s delivered: %d bytes, sha512 %s\n",
					versionID, resp.PackageSize, resp.PackageSHA512)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8000", "Upload service base URL")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token forwarded to the control plane")
	cmd.Flags().StringVar(&versionID, "dataset-version-id", "", "Dataset version to upload (required)")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait until the package is delivered")
	_ = cmd.MarkFlagRequired("dataset-version-id")

	return cmd
}

// pushFiles streams the files as multipart dataset_files parts. The body is
// produced while it is sent, so no file is held in memory.
func pushFiles(ctx context.Context, client *nethttp.Client, req pushRequest, rep progress.Reporter) (*pushResponse, error) {
	endpoint, err := uploadURL(req.ServerURL, req.DatasetVersionID, req.Wait)
	if err != nil {
		return nil, err
	}

	files := make([]*os.File, 0, len(req.Paths))
	sizes := make([]int64, 0, len(req.Paths))
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	var total int64
	for _, p := range req.Paths {
		f, err := os.Open(p)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", p, err)
		}
		files = append(files, f)
		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", p, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("%s is a directory", p)
		}
		sizes = append(sizes, info.Size())
		total += info.Size()
	}

	readers := make([]io.Reader, len(files))
	for i, f := range files {
		readers[i] = f
	}
	src := progress.NewProgressReader(io.MultiReader(readers...), rep)

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		for i, p := range req.Paths {
			part, err := mw.CreateFormFile(constants.UploadFormField, filepath.Base(p))
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			if _, err := io.CopyN(part, src, sizes[i]); err != nil {
				pw.CloseWithError(fmt.Errorf("failed to read %s: %w", p, err))
				return
			}
		}
		pw.CloseWithError(mw.Close())
	}()

	httpReq, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodPost, endpoint, pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.Header.Set("Authorization", "Bearer "+req.Token)

	rep.Start(total, "Uploading "+req.DatasetVersionID)
	resp, err := client.Do(httpReq)
	if err != nil {
		pr.Close()
		rep.Error(err)
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()
	rep.Finish()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != nethttp.StatusAccepted && resp.StatusCode != nethttp.StatusCreated {
		return nil, serviceError(resp.StatusCode, body)
	}

	out := &pushResponse{StatusCode: resp.StatusCode}
	if err := json.Unmarshal(body, out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return out, nil
}

func uploadURL(base, versionID string, wait bool) (string, error) {
	if versionID == "" {
		return "", errors.New("dataset version id is required")
	}
	u, err := url.Parse(strings.TrimSuffix(base, "/") + "/upload-dataset")
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid server URL %q", base)
	}
	q := u.Query()
	q.Set(constants.DatasetVersionQueryParam, versionID)
	if wait {
		q.Set("wait", "true")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// serviceError turns a rejected upload into a readable error.
func serviceError(status int, body []byte) error {
	var e struct {
		Error       string `json:"error"`
		Description string `json:"description"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		if e.Description != "" {
			return fmt.Errorf("upload rejected (%d): %s: %s", status, e.Error, e.Description)
		}
		return fmt.Errorf("upload rejected (%d): %s", status, e.Error)
	}
	return fmt.Errorf("upload rejected (%d): %s", status, strings.TrimSpace(string(body)))
}

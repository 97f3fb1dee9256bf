package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/secureailabs/sail-dataset-upload/internal/api"
	"github.com/secureailabs/sail-dataset-upload/internal/constants"
	"github.com/secureailabs/sail-dataset-upload/internal/pipeline"
	"github.com/secureailabs/sail-dataset-upload/internal/transfer"
	"github.com/secureailabs/sail-dataset-upload/internal/workspace"
)

// ResponseAccepted is the body of an upload handed to the background queue.
type ResponseAccepted struct {
	JobID string `json:"job_id"`
}

// ResponseCreated is the body of an upload run with ?wait=true.
type ResponseCreated struct {
	DatasetVersionID string        `json:"dataset_version_id"`
	DatasetID        string        `json:"dataset_id"`
	DataFederationID string        `json:"data_federation_id"`
	PackageSize      int64         `json:"package_size"`
	PackageSHA512    string        `json:"package_sha512"`
	Duration         time.Duration `json:"duration"`
}

// ResponseError is the body of every 4xx and 503 response.
type ResponseError struct {
	Error       string `json:"error"`
	Description string `json:"description,omitempty"`
}

func (s *Server) handleUpload() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			respondError(w, http.StatusUnauthorized, "Not authenticated", "")
			return
		}

		versionID := r.URL.Query().Get(constants.DatasetVersionQueryParam)
		if versionID == "" {
			respondError(w, http.StatusUnprocessableEntity, "Invalid Schema", constants.DatasetVersionQueryParam+" is required")
			return
		}

		// Reject early, before the body is read.
		if err := s.pipeline.Preflight(r.Context(), token, versionID); err != nil {
			s.respondFailure(w, r, err)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
		if err := r.ParseMultipartForm(constants.MultipartMemory); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				respondError(w, http.StatusRequestEntityTooLarge, "Upload too large",
					"limit is "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes")
				return
			}
			respondError(w, http.StatusUnprocessableEntity, "Invalid Schema", err.Error())
			return
		}
		defer r.MultipartForm.RemoveAll()

		headers := r.MultipartForm.File[constants.UploadFormField]
		if len(headers) == 0 {
			respondError(w, http.StatusUnprocessableEntity, "Invalid Schema", constants.UploadFormField+" is required")
			return
		}

		if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
			s.runInline(w, r, token, versionID, headers)
			return
		}

		parts := make([]transfer.Part, 0, len(headers))
		for _, fh := range headers {
			fh := fh
			parts = append(parts, transfer.Part{
				Name: fh.Filename,
				Open: func() (io.ReadCloser, error) { return fh.Open() },
			})
		}

		jobID, err := s.jobs.Submit(token, versionID, parts)
		if err != nil {
			s.respondFailure(w, r, err)
			return
		}
		respondJSON(w, http.StatusAccepted, ResponseAccepted{JobID: jobID})
	}
}

// runInline executes the upload within the request. A started upload is not
// cancelled if the client goes away.
func (s *Server) runInline(w http.ResponseWriter, r *http.Request, token, versionID string, headers []*multipart.FileHeader) {
	files := make([]pipeline.SourceFile, 0, len(headers))
	for _, fh := range headers {
		fh := fh
		files = append(files, pipeline.SourceFile{
			Name: fh.Filename,
			Size: fh.Size,
			Open: func() (io.ReadCloser, error) { return fh.Open() },
		})
	}

	res, err := s.pipeline.Run(context.WithoutCancel(r.Context()), pipeline.Request{
		Token:            token,
		DatasetVersionID: versionID,
		JobID:            uuid.NewString(),
		Files:            files,
	})
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, ResponseCreated{
		DatasetVersionID: res.DatasetVersionID,
		DatasetID:        res.DatasetID,
		DataFederationID: res.DataFederationID,
		PackageSize:      res.PackageSize,
		PackageSHA512:    res.PackageSHA512,
		Duration:         res.Duration,
	})
}

func (s *Server) handleJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get(":id")
		job, ok := s.jobs.Job(id)
		if !ok {
			respondError(w, http.StatusNotFound, "Job not found", id)
			return
		}
		respondJSON(w, http.StatusOK, job)
	}
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// respondFailure maps an upload error to a status code. Anything unexpected
// becomes a 500 whose body only carries an id; the error is logged under it.
func (s *Server) respondFailure(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case pipeline.IsConflict(err):
		respondError(w, http.StatusConflict, "Dataset version is not in NOT_UPLOADED state", err.Error())
	case pipeline.IsNotFound(err):
		respondError(w, http.StatusNotFound, "Not found", err.Error())
	case api.IsUnauthorized(err):
		respondError(w, http.StatusUnauthorized, "Not authenticated", "")
	case pipeline.IsValidation(err),
		errors.Is(err, workspace.ErrInvalidName),
		errors.Is(err, pipeline.ErrDuplicateFile),
		errors.Is(err, pipeline.ErrNoFiles):
		respondError(w, http.StatusUnprocessableEntity, "Invalid Schema", err.Error())
	case errors.Is(err, transfer.ErrQueueFull), errors.Is(err, transfer.ErrStopped):
		w.Header().Set("Retry-After", "30")
		respondError(w, http.StatusServiceUnavailable, "Upload queue unavailable", err.Error())
	default:
		id := uuid.NewString()
		s.logger.Error().Err(err).
			Str("error_id", id).
			Str("request", r.Method+" "+r.URL.Path).
			Msg("Unhandled upload error")
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal Server Error id: " + id))
	}
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(h[len(prefix):])
	return token, token != ""
}

func respondJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, code int, msg, description string) {
	respondJSON(w, code, ResponseError{Error: msg, Description: description})
}

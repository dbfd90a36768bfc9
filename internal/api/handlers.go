// Package api exposes the analysis pipeline over HTTP and MCP.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/plotforge/plotforge/internal/archive"
	"github.com/plotforge/plotforge/internal/executor"
	"github.com/plotforge/plotforge/internal/pipeline"
	"github.com/plotforge/plotforge/internal/storage"
)

const maxUploadSize = 50 << 20 // 50MB

// Analyzer runs the full pipeline on an upload.
type Analyzer interface {
	Analyze(ctx context.Context, originalFilename string, raw []byte, question string) (*pipeline.Report, error)
}

// ImageSource resolves and lists published charts.
type ImageSource interface {
	Retrieve(name string) (string, error)
	List(ctx context.Context) ([]archive.Entry, error)
}

// RunHistory reads recorded runs.
type RunHistory interface {
	RecentRuns(limit int) ([]storage.Run, error)
}

// Prober reports whether the generation backend is reachable.
type Prober interface {
	IsRunning(ctx context.Context) bool
}

// AppDeps holds everything the HTTP surface needs.
type AppDeps struct {
	Analyzer Analyzer
	Images   ImageSource
	Runs     RunHistory
	Prober   Prober // optional; nil means no liveness probe
	Backend  string
	Token    string
}

// NewAppHandler builds the HTTP router.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(BearerAuth(deps.Token))

	r.Post("/upload", handleUpload(deps))
	r.Get("/get_image", handleGetImage(deps))
	r.Get("/list_archive", handleListArchive(deps))
	r.Get("/runs", handleRuns(deps))
	r.Get("/health", handleHealth(deps))

	return r
}

func handleUpload(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		defer r.Body.Close()

		if err := r.ParseMultipartForm(maxUploadSize); err != nil {
			httpError(w, http.StatusBadRequest, "invalid multipart form: %v", err)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			httpError(w, http.StatusBadRequest, "file field is required")
			return
		}
		defer file.Close()

		question := r.FormValue("question")
		if question == "" {
			httpError(w, http.StatusBadRequest, "question field is required")
			return
		}

		data, err := io.ReadAll(file)
		if err != nil {
			httpError(w, http.StatusBadRequest, "reading upload: %v", err)
			return
		}

		report, err := deps.Analyzer.Analyze(r.Context(), header.Filename, data, question)
		if err != nil {
			status, kind := statusFor(err)
			httpErrorTrace(w, status, kind, err)
			return
		}

		writeJSON(w, http.StatusOK, uploadResponse(report, deps.Backend))
	}
}

type imageRef struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// uploadResponse shapes a pipeline report for clients: served image
// references in directory mode, a base64-encoded PNG in buffer mode.
func uploadResponse(report *pipeline.Report, model string) map[string]any {
	resp := map[string]any{
		"run_id":      report.RunID,
		"plot_code":   report.Code,
		"model":       model,
		"message":     report.Message,
		"duration_ms": report.DurationMS,
	}
	if len(report.Buffer) > 0 {
		resp["image"] = base64.StdEncoding.EncodeToString(report.Buffer)
		return resp
	}
	images := make([]imageRef, len(report.Artifacts))
	for i, name := range report.Artifacts {
		images[i] = imageRef{Name: name, URL: "/get_image?path=" + name}
	}
	resp["images"] = images
	return resp
}

func handleGetImage(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("path")
		if name == "" {
			httpError(w, http.StatusBadRequest, "path parameter is required")
			return
		}

		path, err := deps.Images.Retrieve(name)
		switch {
		case errors.Is(err, archive.ErrBadName):
			httpError(w, http.StatusBadRequest, "invalid image name")
			return
		case errors.Is(err, archive.ErrNotFound):
			httpError(w, http.StatusNotFound, "image not found")
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "resolving image: %v", err)
			return
		}
		w.Header().Set("Cache-Control", "no-store, max-age=0")
		http.ServeFile(w, r, path)
	}
}

type archiveFile struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

type archiveDay struct {
	Date  string        `json:"date"`
	Files []archiveFile `json:"files"`
}

// groupByDate folds a flat entry list, already ordered newest date first,
// into one element per calendar day.
func groupByDate(entries []archive.Entry) []archiveDay {
	days := []archiveDay{}
	for _, e := range entries {
		file := archiveFile{
			Name: e.Filename,
			Path: "/get_image?path=" + e.Filename,
			Size: e.Size,
		}
		if n := len(days); n > 0 && days[n-1].Date == e.Date {
			days[n-1].Files = append(days[n-1].Files, file)
			continue
		}
		days = append(days, archiveDay{Date: e.Date, Files: []archiveFile{file}})
	}
	return days
}

func handleListArchive(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := deps.Images.List(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "listing archive: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, groupByDate(entries))
	}
}

func handleRuns(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 20
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				httpError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			if n > 100 {
				n = 100
			}
			limit = n
		}

		runs, err := deps.Runs.RecentRuns(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "listing runs: %v", err)
			return
		}

		type runSummary struct {
			ID         string `json:"id"`
			CreatedAt  string `json:"created_at"`
			SourceName string `json:"source_name"`
			Question   string `json:"question"`
			Status     string `json:"status"`
			Artifacts  string `json:"artifacts"`
			DurationMS int64  `json:"duration_ms"`
		}
		summaries := make([]runSummary, len(runs))
		for i, run := range runs {
			summaries[i] = runSummary{
				ID:         run.ID,
				CreatedAt:  run.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
				SourceName: run.SourceName,
				Question:   run.Question,
				Status:     run.Status,
				Artifacts:  run.Artifacts,
				DurationMS: run.DurationMS,
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"runs": summaries})
	}
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"status":  "ok",
			"backend": deps.Backend,
		}
		if deps.Prober != nil {
			resp["backend_alive"] = deps.Prober.IsRunning(r.Context())
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// statusFor maps pipeline failures to HTTP status codes and a short kind
// string for the response body.
func statusFor(err error) (int, string) {
	var se *pipeline.StageError
	if errors.As(err, &se) {
		switch se.Stage {
		case pipeline.StageProfile, pipeline.StageCompose:
			return http.StatusBadRequest, string(se.Stage)
		case pipeline.StageGenerate:
			return http.StatusBadGateway, string(se.Stage)
		default:
			return http.StatusInternalServerError, string(se.Stage)
		}
	}
	if errors.Is(err, executor.ErrNoArtifacts) || errors.Is(err, executor.ErrExecution) {
		return http.StatusInternalServerError, "execute"
	}
	return http.StatusInternalServerError, "internal"
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	writeJSON(w, code, map[string]any{"error": fmt.Sprintf(format, args...)})
}

// httpErrorTrace reports a pipeline failure: a short stage-level message in
// error, the full wrapped cause chain in traceback for developer diagnosis.
func httpErrorTrace(w http.ResponseWriter, code int, stage string, err error) {
	writeJSON(w, code, map[string]any{
		"error":     fmt.Sprintf("%s failed", stage),
		"traceback": err.Error(),
	})
}

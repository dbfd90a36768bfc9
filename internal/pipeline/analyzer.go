// Package pipeline orchestrates a full analysis run: profiling the upload,
// composing the prompt, generating and validating plotting code, executing
// it in a sandbox, and publishing the resulting charts.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/plotforge/plotforge/internal/backend"
	"github.com/plotforge/plotforge/internal/composer"
	"github.com/plotforge/plotforge/internal/executor"
	"github.com/plotforge/plotforge/internal/profiler"
	"github.com/plotforge/plotforge/internal/storage"
	"github.com/plotforge/plotforge/internal/validator"
)

// Stage names the pipeline step an error originated from.
type Stage string

const (
	StageProfile  Stage = "profile"
	StageCompose  Stage = "compose"
	StageGenerate Stage = "generate"
	StageExecute  Stage = "execute"
	StagePublish  Stage = "publish"
)

// StageError carries the failing stage so the HTTP layer can map it to a
// status code without string matching.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage Stage, err error) error {
	return &StageError{Stage: stage, Err: err}
}

// CodeRunner executes validated code against a dataset. Implemented by the
// sandboxed executor; faked in tests.
type CodeRunner interface {
	Execute(ctx context.Context, code string, dataset []byte, originalFilename string) (*executor.Outcome, error)
}

// ImageStore publishes generated charts. Implemented by the archive store.
type ImageStore interface {
	Promote(srcPath, name string) error
	Archive(ctx context.Context, name string) error
	ClearServing() error
}

// Keeper preserves uploads that failed processing.
type Keeper interface {
	Keep(originalName string, data []byte, reason string) (string, error)
}

// RunRecorder persists run history.
type RunRecorder interface {
	SaveRun(r storage.Run) error
}

// Options tunes analyzer behavior.
type Options struct {
	// Profiling is passed through to the data profiler.
	Profiling profiler.Options
	// ModelName is recorded with each run for history.
	ModelName string
}

// Report is the outcome of a completed analysis run.
type Report struct {
	RunID      string   `json:"run_id"`
	Message    string   `json:"message"`
	Code       string   `json:"plot_code"`
	Artifacts  []string `json:"artifacts"`
	DurationMS int64    `json:"duration_ms"`
	// Buffer holds PNG bytes when the executor runs in buffer mode.
	Buffer []byte `json:"-"`
}

// Analyzer wires the pipeline components together and serializes chart
// publication so concurrent runs never interleave in the serving directory.
type Analyzer struct {
	generator backend.Generator
	validator *validator.Validator
	runner    CodeRunner
	images    ImageStore
	backups   Keeper
	runs      RunRecorder
	opts      Options

	servingMu sync.Mutex
}

// NewAnalyzer creates an Analyzer wired to all pipeline components.
func NewAnalyzer(
	gen backend.Generator,
	val *validator.Validator,
	runner CodeRunner,
	images ImageStore,
	backups Keeper,
	runs RunRecorder,
	opts Options,
) *Analyzer {
	return &Analyzer{
		generator: gen,
		validator: val,
		runner:    runner,
		images:    images,
		backups:   backups,
		runs:      runs,
		opts:      opts,
	}
}

// Analyze runs the full pipeline on an uploaded dataset:
//  1. Decode and profile the upload
//  2. Compose the generation prompt
//  3. Generate plotting code and extract it from the response
//  4. Validate (and possibly repair) the code
//  5. Execute it in a sandbox
//  6. Publish the resulting charts
//
// Uploads that fail profiling are preserved by the backup keeper. Every
// run, failed or completed, is recorded for history.
func (a *Analyzer) Analyze(ctx context.Context, originalFilename string, raw []byte, question string) (*Report, error) {
	runID := uuid.New().String()
	start := time.Now()
	log := slog.With("run_id", runID, "file", originalFilename)

	// 1. Decode and profile.
	text := profiler.DetectAndDecode(raw)
	table, err := profiler.Parse(text)
	if err != nil {
		if a.backups != nil {
			if _, berr := a.backups.Keep(originalFilename, raw, err.Error()); berr != nil {
				log.Warn("preserving failed upload", "error", berr)
			}
		}
		a.record(runID, originalFilename, question, start, "", nil, err)
		return nil, stageErr(StageProfile, err)
	}
	profile := profiler.ProfileTable(table, originalFilename, a.opts.Profiling)

	// 2. Compose the prompt.
	req, err := composer.Build(profile, question)
	if err != nil {
		a.record(runID, originalFilename, question, start, "", nil, err)
		return nil, stageErr(StageCompose, err)
	}

	// 3. Generate.
	log.Info("generating plotting code", "backend", a.generator.ID())
	result, err := a.generator.Generate(ctx, req)
	if err != nil {
		a.record(runID, originalFilename, question, start, "", nil, err)
		return nil, stageErr(StageGenerate, err)
	}

	// 4. Validate. Unrepairable code is deferred to execution.
	code := a.validator.Validate(ctx, result.Code)

	// 5. Execute against the decoded dataset.
	outcome, err := a.runner.Execute(ctx, code, []byte(text), originalFilename)
	if err != nil {
		a.record(runID, originalFilename, question, start, code, nil, err)
		return nil, stageErr(StageExecute, err)
	}

	report := &Report{
		RunID: runID,
		Code:  outcome.Code,
	}

	// 6. Publish.
	if len(outcome.Buffer) > 0 {
		report.Buffer = outcome.Buffer
		report.Message = "analysis complete, 1 chart generated"
	} else {
		names, err := a.publish(ctx, outcome)
		if err != nil {
			a.record(runID, originalFilename, question, start, code, nil, err)
			return nil, stageErr(StagePublish, err)
		}
		report.Artifacts = names
		report.Message = fmt.Sprintf("analysis complete, %d chart(s) generated", len(names))
	}

	report.DurationMS = time.Since(start).Milliseconds()
	a.record(runID, originalFilename, question, start, outcome.Code, report.Artifacts, nil)
	log.Info("analysis complete", "charts", len(report.Artifacts), "duration_ms", report.DurationMS)
	return report, nil
}

// publish replaces the serving set with this run's charts and files archive
// copies. Serialized so concurrent runs never mix their charts.
func (a *Analyzer) publish(ctx context.Context, outcome *executor.Outcome) ([]string, error) {
	a.servingMu.Lock()
	defer a.servingMu.Unlock()
	defer os.RemoveAll(outcome.WorkDir)

	if err := a.images.ClearServing(); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(outcome.Artifacts))
	for _, art := range outcome.Artifacts {
		if err := a.images.Promote(art.Path, art.Name); err != nil {
			return nil, err
		}
		if err := a.images.Archive(ctx, art.Name); err != nil {
			return nil, err
		}
		names = append(names, art.Name)
	}
	return names, nil
}

// record persists run history. History failures are logged, never surfaced.
func (a *Analyzer) record(runID, source, question string, start time.Time, code string, artifacts []string, runErr error) {
	if a.runs == nil {
		return
	}
	run := storage.Run{
		ID:         runID,
		CreatedAt:  start.UTC(),
		SourceName: source,
		Question:   question,
		Backend:    a.generator.ID(),
		Model:      a.opts.ModelName,
		Code:       code,
		Status:     "completed",
		DurationMS: time.Since(start).Milliseconds(),
	}
	if runErr != nil {
		run.Status = "failed"
		run.Error = runErr.Error()
	}
	run.Artifacts = "[]"
	if len(artifacts) > 0 {
		if encoded, err := json.Marshal(artifacts); err == nil {
			run.Artifacts = string(encoded)
		}
	}
	if err := a.runs.SaveRun(run); err != nil {
		slog.Warn("saving run history", "run_id", runID, "error", err)
	}
}

// IsClientFault reports whether the error came from bad input rather than a
// backend or execution fault.
func IsClientFault(err error) bool {
	var se *StageError
	if !errors.As(err, &se) {
		return false
	}
	return se.Stage == StageProfile || se.Stage == StageCompose
}

// Package executor runs validated plotting code against the uploaded dataset
// inside an isolated, per-request working directory and captures the chart
// artifacts it produces.
package executor

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

//go:embed runner.py
var harnessSource string

// Mode selects how chart artifacts are captured after execution.
type Mode string

const (
	// ModeDirectory collects PNG files written to the sandbox directory.
	ModeDirectory Mode = "directory"
	// ModeBuffer captures the active figure into an in-memory PNG buffer,
	// synthesizing a fallback chart when the fragment drew nothing.
	ModeBuffer Mode = "buffer"
)

var (
	// ErrExecution wraps any fault raised while running generated code.
	ErrExecution = errors.New("generated code execution failed")
	// ErrNoArtifacts means directory capture found no images after the run;
	// the primary signal that the generated code was unusable.
	ErrNoArtifacts = errors.New("generated code produced no chart images")
)

const (
	fragmentFile = "fragment.py"
	harnessFile  = "_runner.py"
	figureFile   = "_figure.png"

	defaultTimeout       = 2 * time.Minute
	defaultMaxConcurrent = 2
)

// Artifact is one chart image produced in the sandbox.
type Artifact struct {
	Name string
	Size int64
	Path string // absolute path inside the sandbox
}

// Outcome is the result of a successful execution. Exactly one of Artifacts
// or Buffer is populated; an empty outcome is never returned without error.
type Outcome struct {
	Artifacts []Artifact
	Buffer    []byte
	// Code is the (possibly repaired) fragment that ran.
	Code string
	// WorkDir is the sandbox directory holding Artifacts. The caller owns
	// its removal once artifacts have been promoted. Empty in buffer mode.
	WorkDir string
}

// RunSpec describes one sandbox invocation for the Runner.
type RunSpec struct {
	WorkDir  string
	Harness  string
	Fragment string
	Mode     Mode
	DataFile string
	Figure   string
}

// Runner executes a prepared sandbox. Separate from the Executor so tests
// can substitute the interpreter.
type Runner interface {
	Run(ctx context.Context, spec RunSpec) error
}

// Config holds executor deployment settings.
type Config struct {
	// Mode selects artifact capture (default directory).
	Mode Mode
	// Root is the parent directory for sandbox directories.
	Root string
	// Interpreter is the Python binary (default python3).
	Interpreter string
	// Timeout is the wall-clock ceiling per execution.
	Timeout time.Duration
	// MaxConcurrent bounds simultaneous executions.
	MaxConcurrent int64
}

// Option customizes an Executor.
type Option func(*Executor)

// WithRunner substitutes the sandbox runner (tests).
func WithRunner(r Runner) Option {
	return func(e *Executor) { e.runner = r }
}

// Executor runs generated code in per-request sandboxes. Isolation is by
// explicit path threading: the sandbox location is passed to the harness,
// never installed as the process working directory.
type Executor struct {
	mode    Mode
	root    string
	timeout time.Duration
	runner  Runner
	sem     *semaphore.Weighted
}

// New creates an Executor from deployment configuration.
func New(cfg Config, opts ...Option) *Executor {
	if cfg.Mode == "" {
		cfg.Mode = ModeDirectory
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	e := &Executor{
		mode:    cfg.Mode,
		root:    cfg.Root,
		timeout: cfg.Timeout,
		runner:  &PythonRunner{Interpreter: cfg.Interpreter},
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs code against the dataset materialized under originalFilename
// in a fresh sandbox. Hard-coded input filenames in the fragment are
// rewritten to the actual upload name first.
func (e *Executor) Execute(ctx context.Context, code string, dataset []byte, originalFilename string) (*Outcome, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: acquiring execution slot: %v", ErrExecution, err)
	}
	defer e.sem.Release(1)

	dataName := filepath.Base(originalFilename)
	code = RewriteInputPath(code, dataName)

	workDir := filepath.Join(e.root, uuid.New().String())
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating sandbox directory: %w", err)
	}
	keepDir := false
	defer func() {
		if !keepDir {
			os.RemoveAll(workDir)
		}
	}()

	if err := os.WriteFile(filepath.Join(workDir, dataName), dataset, 0o644); err != nil {
		return nil, fmt.Errorf("materializing dataset: %w", err)
	}
	if err := os.WriteFile(filepath.Join(workDir, fragmentFile), []byte(code), 0o644); err != nil {
		return nil, fmt.Errorf("writing fragment: %w", err)
	}
	if err := os.WriteFile(filepath.Join(workDir, harnessFile), []byte(harnessSource), 0o644); err != nil {
		return nil, fmt.Errorf("writing harness: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	spec := RunSpec{
		WorkDir:  workDir,
		Harness:  harnessFile,
		Fragment: fragmentFile,
		Mode:     e.mode,
		DataFile: dataName,
		Figure:   figureFile,
	}
	slog.Info("executing generated code", "mode", e.mode, "sandbox", workDir)
	if err := e.runner.Run(runCtx, spec); err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: timed out after %s", ErrExecution, e.timeout)
		}
		return nil, fmt.Errorf("%w: %v", ErrExecution, err)
	}

	switch e.mode {
	case ModeBuffer:
		buf, err := os.ReadFile(filepath.Join(workDir, figureFile))
		if err != nil {
			return nil, fmt.Errorf("%w: reading captured figure: %v", ErrExecution, err)
		}
		if len(buf) == 0 {
			return nil, fmt.Errorf("%w: captured figure is empty", ErrExecution)
		}
		return &Outcome{Buffer: buf, Code: code}, nil

	default:
		artifacts, err := collectArtifacts(workDir, dataName)
		if err != nil {
			return nil, err
		}
		if len(artifacts) == 0 {
			return nil, ErrNoArtifacts
		}
		keepDir = true
		return &Outcome{Artifacts: artifacts, Code: code, WorkDir: workDir}, nil
	}
}

func collectArtifacts(workDir, dataName string) ([]Artifact, error) {
	entries, err := os.ReadDir(workDir)
	if err != nil {
		return nil, fmt.Errorf("listing sandbox: %w", err)
	}

	var artifacts []Artifact
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == dataName || strings.HasPrefix(name, "_") {
			continue
		}
		if !strings.HasSuffix(strings.ToLower(name), ".png") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("inspecting artifact %s: %w", name, err)
		}
		artifacts = append(artifacts, Artifact{
			Name: name,
			Size: info.Size(),
			Path: filepath.Join(workDir, name),
		})
	}
	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].Name < artifacts[j].Name })
	return artifacts, nil
}

var readCSVPattern = regexp.MustCompile(`pd\.read_csv\(\s*(['"])([^'"()]+\.csv)['"]`)

// RewriteInputPath replaces any hard-coded CSV filename passed to
// pd.read_csv with the actual uploaded filename, so fragments generated
// against a placeholder name still read the right file.
func RewriteInputPath(code, actual string) string {
	return readCSVPattern.ReplaceAllStringFunc(code, func(m string) string {
		sub := readCSVPattern.FindStringSubmatch(m)
		if sub[2] == actual {
			return m
		}
		return "pd.read_csv(" + sub[1] + actual + sub[1]
	})
}

// PythonRunner executes the harness through a Python interpreter with a
// minimal environment pinned to the sandbox.
type PythonRunner struct {
	Interpreter string
}

const stderrTailLimit = 4 << 10

// Run implements Runner.
func (r *PythonRunner) Run(ctx context.Context, spec RunSpec) error {
	interpreter := r.Interpreter
	if interpreter == "" {
		interpreter = "python3"
	}

	cmd := exec.CommandContext(ctx, interpreter, spec.Harness,
		"--fragment", spec.Fragment,
		"--mode", string(spec.Mode),
		"--data", spec.DataFile,
		"--figure", spec.Figure,
	)
	cmd.Dir = spec.WorkDir
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + spec.WorkDir,
		"MPLCONFIGDIR=" + spec.WorkDir,
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		tail := stderr.String()
		if len(tail) > stderrTailLimit {
			tail = tail[len(tail)-stderrTailLimit:]
		}
		return fmt.Errorf("%v: %s", err, strings.TrimSpace(tail))
	}
	return nil
}

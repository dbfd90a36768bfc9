package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/plotforge/plotforge/internal/backend"
	"github.com/plotforge/plotforge/internal/executor"
	"github.com/plotforge/plotforge/internal/storage"
	"github.com/plotforge/plotforge/internal/validator"
)

const salesCSV = "Region,Year,Wine consumption\nNorth,2018,12.5\nSouth,2019,8.1\nNorth,2020,14.0\n"

type fakeGenerator struct {
	result backend.Result
	err    error
	gotReq backend.Request
}

func (g *fakeGenerator) ID() string { return "fake" }

func (g *fakeGenerator) Generate(_ context.Context, req backend.Request) (backend.Result, error) {
	g.gotReq = req
	return g.result, g.err
}

type fakeRunner struct {
	outcome *executor.Outcome
	err     error
	gotCode string
	gotData []byte
}

func (r *fakeRunner) Execute(_ context.Context, code string, dataset []byte, _ string) (*executor.Outcome, error) {
	r.gotCode = code
	r.gotData = dataset
	if r.err != nil {
		return nil, r.err
	}
	out := *r.outcome
	out.Code = code
	return &out, r.err
}

type fakeImages struct {
	cleared  int
	promoted []string
	archived []string
	fail     error
}

func (f *fakeImages) ClearServing() error {
	f.cleared++
	return f.fail
}

func (f *fakeImages) Promote(_, name string) error {
	f.promoted = append(f.promoted, name)
	return nil
}

func (f *fakeImages) Archive(_ context.Context, name string) error {
	f.archived = append(f.archived, name)
	return nil
}

type fakeKeeper struct {
	kept []string
}

func (f *fakeKeeper) Keep(name string, _ []byte, _ string) (string, error) {
	f.kept = append(f.kept, name)
	return name, nil
}

type fakeRecorder struct {
	runs []storage.Run
}

func (f *fakeRecorder) SaveRun(r storage.Run) error {
	f.runs = append(f.runs, r)
	return nil
}

func passingValidator() *validator.Validator {
	return validator.New(validator.CheckerFunc(func(context.Context, string) error {
		return nil
	}), nil)
}

func directoryOutcome(t *testing.T, names ...string) *executor.Outcome {
	t.Helper()
	workDir := t.TempDir()
	out := &executor.Outcome{WorkDir: workDir}
	for _, name := range names {
		path := filepath.Join(workDir, name)
		if err := os.WriteFile(path, []byte("png"), 0o644); err != nil {
			t.Fatal(err)
		}
		out.Artifacts = append(out.Artifacts, executor.Artifact{Name: name, Size: 3, Path: path})
	}
	return out
}

func newAnalyzer(gen *fakeGenerator, runner *fakeRunner, images *fakeImages, keeper *fakeKeeper, rec *fakeRecorder) *Analyzer {
	return NewAnalyzer(gen, passingValidator(), runner, images, keeper, rec, Options{ModelName: "test-model"})
}

func TestAnalyze_Completed(t *testing.T) {
	gen := &fakeGenerator{result: backend.Result{Code: "plt.savefig('wine.png')"}}
	runner := &fakeRunner{outcome: directoryOutcome(t, "wine.png")}
	images := &fakeImages{}
	rec := &fakeRecorder{}
	a := newAnalyzer(gen, runner, images, &fakeKeeper{}, rec)

	report, err := a.Analyze(context.Background(), "drinks.csv", []byte(salesCSV), "wine by region")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(report.Artifacts) != 1 || report.Artifacts[0] != "wine.png" {
		t.Errorf("unexpected artifacts: %v", report.Artifacts)
	}
	if !strings.Contains(report.Message, "1 chart") {
		t.Errorf("unexpected message: %s", report.Message)
	}
	if report.RunID == "" {
		t.Error("run id must be set")
	}

	// Prompt must be built from the profiled dataset, not the raw bytes.
	if !strings.Contains(gen.gotReq.Prompt, "drinks.csv") {
		t.Error("prompt missing source name")
	}
	if !strings.Contains(gen.gotReq.ProfileJSON, "Region") {
		t.Error("profile JSON missing columns")
	}

	// Serving set is replaced, then each chart promoted and archived.
	if images.cleared != 1 {
		t.Errorf("serving directory cleared %d times", images.cleared)
	}
	if len(images.promoted) != 1 || len(images.archived) != 1 {
		t.Errorf("promote/archive mismatch: %v / %v", images.promoted, images.archived)
	}

	if len(rec.runs) != 1 {
		t.Fatalf("expected 1 recorded run, got %d", len(rec.runs))
	}
	run := rec.runs[0]
	if run.Status != "completed" || run.Artifacts != `["wine.png"]` || run.Model != "test-model" {
		t.Errorf("unexpected run record: %+v", run)
	}
}

func TestAnalyze_SandboxRemovedAfterPublish(t *testing.T) {
	gen := &fakeGenerator{result: backend.Result{Code: "ok"}}
	outcome := directoryOutcome(t, "a.png")
	runner := &fakeRunner{outcome: outcome}
	a := newAnalyzer(gen, runner, &fakeImages{}, &fakeKeeper{}, &fakeRecorder{})

	if _, err := a.Analyze(context.Background(), "d.csv", []byte(salesCSV), "q"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(outcome.WorkDir); !os.IsNotExist(err) {
		t.Error("sandbox must be removed after publication")
	}
}

func TestAnalyze_MalformedUploadBackedUp(t *testing.T) {
	gen := &fakeGenerator{}
	keeper := &fakeKeeper{}
	rec := &fakeRecorder{}
	a := newAnalyzer(gen, &fakeRunner{}, &fakeImages{}, keeper, rec)

	bad := []byte("a,b\n1\n2,3,4\n")
	_, err := a.Analyze(context.Background(), "broken.csv", bad, "q")
	if err == nil {
		t.Fatal("expected error for malformed upload")
	}

	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageProfile {
		t.Fatalf("expected profile stage error, got %v", err)
	}
	if !IsClientFault(err) {
		t.Error("malformed upload is a client fault")
	}
	if len(keeper.kept) != 1 || keeper.kept[0] != "broken.csv" {
		t.Errorf("upload not preserved: %v", keeper.kept)
	}
	if len(rec.runs) != 1 || rec.runs[0].Status != "failed" {
		t.Errorf("failed run not recorded: %+v", rec.runs)
	}
}

func TestAnalyze_GenerationFailure(t *testing.T) {
	gen := &fakeGenerator{err: backend.ErrUnavailable}
	keeper := &fakeKeeper{}
	rec := &fakeRecorder{}
	a := newAnalyzer(gen, &fakeRunner{}, &fakeImages{}, keeper, rec)

	_, err := a.Analyze(context.Background(), "d.csv", []byte(salesCSV), "q")
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageGenerate {
		t.Fatalf("expected generate stage error, got %v", err)
	}
	if !errors.Is(err, backend.ErrUnavailable) {
		t.Error("cause must unwrap to the backend sentinel")
	}
	if IsClientFault(err) {
		t.Error("backend unavailability is not a client fault")
	}
	if len(keeper.kept) != 0 {
		t.Error("well-formed uploads are not backed up")
	}
}

func TestAnalyze_ExecutionFailure(t *testing.T) {
	gen := &fakeGenerator{result: backend.Result{Code: "boom"}}
	runner := &fakeRunner{err: executor.ErrNoArtifacts}
	rec := &fakeRecorder{}
	a := newAnalyzer(gen, runner, &fakeImages{}, &fakeKeeper{}, rec)

	_, err := a.Analyze(context.Background(), "d.csv", []byte(salesCSV), "q")
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageExecute {
		t.Fatalf("expected execute stage error, got %v", err)
	}
	if rec.runs[0].Code != "boom" {
		t.Errorf("failed run must record the code that ran: %+v", rec.runs[0])
	}
}

func TestAnalyze_BufferMode(t *testing.T) {
	gen := &fakeGenerator{result: backend.Result{Code: "ok"}}
	runner := &fakeRunner{outcome: &executor.Outcome{Buffer: []byte("png-bytes")}}
	images := &fakeImages{}
	a := newAnalyzer(gen, runner, images, &fakeKeeper{}, &fakeRecorder{})

	report, err := a.Analyze(context.Background(), "d.csv", []byte(salesCSV), "q")
	if err != nil {
		t.Fatal(err)
	}
	if string(report.Buffer) != "png-bytes" {
		t.Errorf("buffer not propagated: %q", report.Buffer)
	}
	if images.cleared != 0 || len(images.promoted) != 0 {
		t.Error("buffer mode must not touch the serving directory")
	}
}

func TestAnalyze_ExecutorReceivesDecodedBytes(t *testing.T) {
	gen := &fakeGenerator{result: backend.Result{Code: "ok"}}
	runner := &fakeRunner{outcome: directoryOutcome(t, "a.png")}
	a := newAnalyzer(gen, runner, &fakeImages{}, &fakeKeeper{}, &fakeRecorder{})

	// Latin-1 encoded header: "Região" with a 0xE3 byte.
	data := []byte("Regi\xe3o,Year,Wine\nNorte,2020,1\n")
	if _, err := a.Analyze(context.Background(), "d.csv", data, "q"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(runner.gotData), "Regi") {
		t.Errorf("dataset not threaded through: %q", runner.gotData)
	}
	if strings.Contains(string(runner.gotData), "\xe3o,") {
		t.Error("executor must receive decoded UTF-8, not raw bytes")
	}
}

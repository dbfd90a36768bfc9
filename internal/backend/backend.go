// Package backend talks to pluggable code-generation services and turns
// their free-form responses into executable plotting fragments.
package backend

import (
	"context"
	"errors"
)

// Sentinel faults surfaced by Generate. None of them is retried
// automatically; the caller decides whether to resubmit.
var (
	ErrUnavailable = errors.New("generation backend unavailable")
	ErrTimeout     = errors.New("generation request timed out")
	ErrRequest     = errors.New("generation request failed")
	ErrEmptyOutput = errors.New("generation backend returned empty output")
	ErrNoCode      = errors.New("no executable code in backend output")
)

// Request is the immutable generation request built by the composer.
type Request struct {
	// System primes the model role (data analyst persona).
	System string
	// Prompt carries the serialized dataset profile, the original filename,
	// the question, and the output contract.
	Prompt string
	// Question is kept for run history.
	Question string
	// SourceName is the uploaded dataset's declared filename.
	SourceName string
	// ProfileJSON is the serialized DatasetProfile embedded in Prompt.
	ProfileJSON string
}

// Result is what a backend produced for a Request.
type Result struct {
	// RawText is the full assistant response.
	RawText string
	// Code is the extracted executable fragment. Empty only alongside an error.
	Code string
}

// Generator is a pluggable code-generation backend.
type Generator interface {
	// ID identifies the backend in responses and run history.
	ID() string
	// Generate sends the request and extracts the code fragment.
	Generate(ctx context.Context, req Request) (Result, error)
}

// Message is a chat message in the OpenAI-style wire format both supported
// backends speak.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func requestMessages(req Request) []Message {
	return []Message{
		{Role: "system", Content: req.System},
		{Role: "user", Content: req.Prompt},
	}
}

// finishResult applies code extraction to a raw backend response. The raw
// text is preserved in the result even when extraction fails.
func finishResult(raw string) (Result, error) {
	res := Result{RawText: raw}
	if raw == "" {
		return res, ErrEmptyOutput
	}
	code, err := ExtractCode(raw)
	if err != nil {
		return res, err
	}
	res.Code = code
	return res, nil
}

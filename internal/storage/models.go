package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Run is one analysis request, from upload to outcome.
type Run struct {
	ID         string
	CreatedAt  time.Time
	SourceName string
	Question   string
	Backend    string
	Model      string
	Code       string
	Status     string // "completed", "failed"
	Error      string
	Artifacts  string // JSON array stored as text
	DurationMS int64
}

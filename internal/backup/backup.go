// Package backup preserves uploads that failed processing so they can be
// replayed or inspected later.
package backup

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Record describes one failed upload alongside its preserved bytes.
type Record struct {
	OriginalName string    `json:"original_name"`
	StoredName   string    `json:"stored_name"`
	Size         int64     `json:"size"`
	Reason       string    `json:"reason"`
	FailedAt     time.Time `json:"failed_at"`
}

// Keeper writes failed uploads into a flat directory, one data file and one
// JSON summary per failure.
type Keeper struct {
	dir string
	now func() time.Time
}

// New creates a Keeper rooted at dir, creating it if needed.
func New(dir string) (*Keeper, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating backup directory: %w", err)
	}
	return &Keeper{dir: dir, now: time.Now}, nil
}

// Keep stores the raw upload bytes under a timestamped name and writes a
// summary record next to them. Returns the stored data filename.
func (k *Keeper) Keep(originalName string, data []byte, reason string) (string, error) {
	ts := k.now().UTC()
	base := filepath.Base(originalName)
	stored := fmt.Sprintf("%s_%s", ts.Format("20060102T150405"), base)

	if err := os.WriteFile(filepath.Join(k.dir, stored), data, 0o644); err != nil {
		return "", fmt.Errorf("preserving upload %s: %w", base, err)
	}

	rec := Record{
		OriginalName: base,
		StoredName:   stored,
		Size:         int64(len(data)),
		Reason:       reason,
		FailedAt:     ts,
	}
	summary, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding backup record: %w", err)
	}
	if err := os.WriteFile(filepath.Join(k.dir, stored+".json"), summary, 0o644); err != nil {
		return "", fmt.Errorf("writing backup record: %w", err)
	}
	return stored, nil
}

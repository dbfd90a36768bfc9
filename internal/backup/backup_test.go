package backup

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestKeep(t *testing.T) {
	dir := t.TempDir()
	k, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	k.now = func() time.Time {
		return time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	}

	stored, err := k.Keep("/uploads/../broken.csv", []byte("a;b\n1;2\n"), "malformed table")
	if err != nil {
		t.Fatalf("keep: %v", err)
	}
	if stored != "20250314T093000_broken.csv" {
		t.Errorf("unexpected stored name: %s", stored)
	}

	data, err := os.ReadFile(filepath.Join(dir, stored))
	if err != nil {
		t.Fatalf("preserved bytes missing: %v", err)
	}
	if string(data) != "a;b\n1;2\n" {
		t.Errorf("bytes altered: %q", data)
	}

	raw, err := os.ReadFile(filepath.Join(dir, stored+".json"))
	if err != nil {
		t.Fatalf("summary missing: %v", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatalf("summary not valid JSON: %v", err)
	}
	if rec.OriginalName != "broken.csv" {
		t.Errorf("path components must be stripped, got %q", rec.OriginalName)
	}
	if rec.Reason != "malformed table" || rec.Size != int64(len(data)) {
		t.Errorf("unexpected record: %+v", rec)
	}
	if !strings.HasPrefix(rec.StoredName, "20250314T093000_") {
		t.Errorf("stored name must carry the timestamp: %s", rec.StoredName)
	}
}

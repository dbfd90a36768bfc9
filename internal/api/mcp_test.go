package api

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/plotforge/plotforge/internal/archive"
	"github.com/plotforge/plotforge/internal/pipeline"
	"github.com/plotforge/plotforge/internal/storage"
)

func makeCallToolRequest(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

func toolText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	tc, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("unexpected content type %T", res.Content[0])
	}
	return tc.Text
}

func TestMCPAnalyzeDataset(t *testing.T) {
	dataset := filepath.Join(t.TempDir(), "drinks.csv")
	if err := os.WriteFile(dataset, []byte("Region,Wine\nNorth,1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	analyzer := &mockAnalyzer{report: &pipeline.Report{
		RunID:     "run-1",
		Artifacts: []string{"wine.png"},
	}}
	handler := mcpAnalyzeDataset(MCPDeps{Analyzer: analyzer})

	res, err := handler(context.Background(), makeCallToolRequest("analyze_dataset", map[string]any{
		"file_path": dataset,
		"question":  "wine by region",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if res.IsError {
		t.Fatalf("tool error: %s", toolText(t, res))
	}
	if analyzer.gotName != "drinks.csv" {
		t.Errorf("dataset name must be the base name, got %q", analyzer.gotName)
	}

	var report pipeline.Report
	if err := json.Unmarshal([]byte(toolText(t, res)), &report); err != nil {
		t.Fatalf("result not valid JSON: %v", err)
	}
	if report.RunID != "run-1" || len(report.Artifacts) != 1 {
		t.Errorf("unexpected report: %+v", report)
	}
}

func TestMCPAnalyzeDataset_Errors(t *testing.T) {
	handler := mcpAnalyzeDataset(MCPDeps{Analyzer: &mockAnalyzer{}})

	res, err := handler(context.Background(), makeCallToolRequest("analyze_dataset", map[string]any{
		"question": "q",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Error("missing file_path must be a tool error")
	}

	res, err = handler(context.Background(), makeCallToolRequest("analyze_dataset", map[string]any{
		"file_path": "/nonexistent/ghost.csv",
		"question":  "q",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError || !strings.Contains(toolText(t, res), "reading dataset") {
		t.Errorf("unreadable file must be a tool error: %s", toolText(t, res))
	}
}

func TestMCPListArchive(t *testing.T) {
	images := &mockImages{entries: []archive.Entry{
		{Date: "2025-03-14", Filename: "wine.png", Size: 3},
	}}
	handler := mcpListArchive(MCPDeps{Images: images})

	res, err := handler(context.Background(), makeCallToolRequest("list_archive", nil))
	if err != nil {
		t.Fatal(err)
	}
	var entries []archive.Entry
	if err := json.Unmarshal([]byte(toolText(t, res)), &entries); err != nil {
		t.Fatalf("result not valid JSON: %v", err)
	}
	if len(entries) != 1 || entries[0].Filename != "wine.png" {
		t.Errorf("unexpected entries: %+v", entries)
	}
}

func TestMCPListArchive_Empty(t *testing.T) {
	handler := mcpListArchive(MCPDeps{Images: &mockImages{}})
	res, err := handler(context.Background(), makeCallToolRequest("list_archive", nil))
	if err != nil {
		t.Fatal(err)
	}
	if got := toolText(t, res); got != "[]" {
		t.Errorf("empty archive must serialize as [], got %q", got)
	}
}

func TestMCPResourceRecent(t *testing.T) {
	runs := &mockRuns{runs: []storage.Run{
		{ID: "r2", SourceName: "b.csv", Status: "completed"},
		{ID: "r1", SourceName: "a.csv", Status: "failed"},
	}}
	handler := mcpResourceRecent(MCPDeps{Runs: runs})

	contents, err := handler(context.Background(), makeReadResourceRequest("runs://recent"))
	if err != nil {
		t.Fatal(err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(contents))
	}
	text, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("unexpected contents type %T", contents[0])
	}
	var summaries []map[string]any
	if err := json.Unmarshal([]byte(text.Text), &summaries); err != nil {
		t.Fatalf("resource not valid JSON: %v", err)
	}
	if len(summaries) != 2 || summaries[0]["id"] != "r2" {
		t.Errorf("unexpected summaries: %v", summaries)
	}
}

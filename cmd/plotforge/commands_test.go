package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type recordedRequest struct {
	Method      string
	Path        string
	Body        string
	Auth        string
	ContentType string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method:      r.Method,
			Path:        r.URL.RequestURI(),
			Body:        body.String(),
			Auth:        r.Header.Get("Authorization"),
			ContentType: r.Header.Get("Content-Type"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":"not found"}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

func withTestClient(t *testing.T, ts *testServer) {
	t.Helper()
	orig := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() { newAPIClient = orig })
}

func TestAnalyzeCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /upload": `{"run_id":"r1","message":"analysis complete, 1 chart(s) generated","plot_code":"plt.savefig('wine.png')","images":[{"name":"wine.png","url":"/get_image?path=wine.png"}],"model":"deepseek"}`,
	})
	withTestClient(t, ts)

	dataset := filepath.Join(t.TempDir(), "drinks.csv")
	if err := os.WriteFile(dataset, []byte("Region,Wine\nNorth,1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	analyzeCmd.Flags().Set("question", "wine by region")
	defer analyzeCmd.Flags().Set("question", "")
	analyzeCmd.SetContext(context.Background())
	if err := analyzeCmd.RunE(analyzeCmd, []string{dataset}); err != nil {
		t.Fatalf("analyze: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	req := ts.requests[0]
	if req.Auth != "Bearer test-token" {
		t.Errorf("auth = %q", req.Auth)
	}
	if !strings.HasPrefix(req.ContentType, "multipart/form-data") {
		t.Errorf("content type = %q", req.ContentType)
	}
	if !strings.Contains(req.Body, "drinks.csv") || !strings.Contains(req.Body, "wine by region") {
		t.Error("multipart body missing file or question")
	}
}

func TestAnalyzeCommand_RequiresQuestion(t *testing.T) {
	ts := newTestServer(t, nil)
	withTestClient(t, ts)

	err := analyzeCmd.RunE(analyzeCmd, []string{"whatever.csv"})
	if err == nil || !strings.Contains(err.Error(), "--question") {
		t.Fatalf("expected question error, got %v", err)
	}
	if len(ts.requests) != 0 {
		t.Error("no request should be sent without a question")
	}
}

func TestArchiveListCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /list_archive": `[{"date":"2025-03-14","files":[{"name":"wine.png","path":"/get_image?path=wine.png","size":1024}]}]`,
	})
	withTestClient(t, ts)

	archiveListCmd.SetContext(context.Background())
	if err := archiveListCmd.RunE(archiveListCmd, nil); err != nil {
		t.Fatalf("archive list: %v", err)
	}
	if len(ts.requests) != 1 || ts.requests[0].Path != "/list_archive" {
		t.Errorf("unexpected requests: %+v", ts.requests)
	}
}

func TestRunsCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /runs": `{"runs":[{"id":"r1","created_at":"2025-03-14T10:00:00Z","source_name":"d.csv","question":"q","status":"completed","duration_ms":420}]}`,
	})
	withTestClient(t, ts)

	runsCmd.Flags().Set("limit", "5")
	runsCmd.SetContext(context.Background())
	if err := runsCmd.RunE(runsCmd, nil); err != nil {
		t.Fatalf("runs: %v", err)
	}
	if ts.requests[0].Path != "/runs?limit=5" {
		t.Errorf("path = %s", ts.requests[0].Path)
	}
}

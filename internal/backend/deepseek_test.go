package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func completionBody(t *testing.T, content string) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"role": "assistant", "content": content}},
		},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func testRequest() Request {
	return Request{
		System:     "You are a data analyst.",
		Prompt:     "draw something",
		Question:   "show sales",
		SourceName: "sales.csv",
	}
}

func TestDeepSeekGenerate_ExtractsFencedCode(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req chatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("expected system+user messages, got %+v", req.Messages)
		}
		w.Write(completionBody(t, "Sure!\n```python\nplt.savefig('out.png')\n```"))
	}))
	defer srv.Close()

	c := NewDeepSeekClient("test-key", WithDeepSeekBaseURL(srv.URL))
	res, err := c.Generate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("missing bearer auth, got %q", gotAuth)
	}
	if res.Code != "plt.savefig('out.png')" {
		t.Errorf("unexpected code: %q", res.Code)
	}
	if res.RawText == "" {
		t.Error("raw text should be preserved")
	}
}

func TestDeepSeekGenerate_RequestError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusPaymentRequired)
	}))
	defer srv.Close()

	c := NewDeepSeekClient("k", WithDeepSeekBaseURL(srv.URL))
	_, err := c.Generate(context.Background(), testRequest())
	if !errors.Is(err, ErrRequest) {
		t.Fatalf("expected ErrRequest, got %v", err)
	}
}

func TestDeepSeekGenerate_EmptyOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := NewDeepSeekClient("k", WithDeepSeekBaseURL(srv.URL))
	_, err := c.Generate(context.Background(), testRequest())
	if !errors.Is(err, ErrEmptyOutput) {
		t.Fatalf("expected ErrEmptyOutput, got %v", err)
	}
}

func TestDeepSeekGenerate_EmptyContentIsExtractionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(completionBody(t, ""))
	}))
	defer srv.Close()

	c := NewDeepSeekClient("k", WithDeepSeekBaseURL(srv.URL))
	_, err := c.Generate(context.Background(), testRequest())
	if !errors.Is(err, ErrEmptyOutput) {
		t.Fatalf("expected ErrEmptyOutput, got %v", err)
	}
}

func TestDeepSeekGenerate_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(250 * time.Millisecond)
		w.Write(completionBody(t, "late"))
	}))
	defer srv.Close()

	c := NewDeepSeekClient("k", WithDeepSeekBaseURL(srv.URL), WithDeepSeekTimeout(30*time.Millisecond))
	_, err := c.Generate(context.Background(), testRequest())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

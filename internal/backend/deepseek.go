package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultDeepSeekBaseURL = "https://api.deepseek.com/v1"
	defaultDeepSeekModel   = "deepseek-chat"
	defaultDeepSeekTimeout = 60 * time.Second

	// Low temperature keeps generated scripts close to the instructions.
	deepSeekTemperature = 0.3
)

// DeepSeekClient calls a hosted OpenAI-compatible chat-completions API.
type DeepSeekClient struct {
	apiKey     string
	baseURL    string
	model      string
	timeout    time.Duration
	httpClient *http.Client
}

// DeepSeekOption customizes the client.
type DeepSeekOption func(*DeepSeekClient)

// WithDeepSeekBaseURL points the client at a custom endpoint (tests, proxies).
func WithDeepSeekBaseURL(u string) DeepSeekOption {
	return func(c *DeepSeekClient) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithDeepSeekModel overrides the default model.
func WithDeepSeekModel(m string) DeepSeekOption {
	return func(c *DeepSeekClient) { c.model = m }
}

// WithDeepSeekTimeout bounds each generation call.
func WithDeepSeekTimeout(d time.Duration) DeepSeekOption {
	return func(c *DeepSeekClient) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewDeepSeekClient creates a hosted-backend client with the given API key.
func NewDeepSeekClient(apiKey string, opts ...DeepSeekOption) *DeepSeekClient {
	c := &DeepSeekClient{
		apiKey:  apiKey,
		baseURL: defaultDeepSeekBaseURL,
		model:   defaultDeepSeekModel,
		timeout: defaultDeepSeekTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.httpClient = &http.Client{Timeout: c.timeout}
	return c
}

// ID implements Generator.
func (c *DeepSeekClient) ID() string { return "deepseek" }

type chatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Generate sends the request and extracts the plotting fragment. Timeouts,
// non-success statuses, and empty bodies each surface as their own typed
// fault; nothing is retried.
func (c *DeepSeekClient) Generate(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(chatCompletionRequest{
		Model:       c.model,
		Messages:    requestMessages(req),
		Temperature: deepSeekTemperature,
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshaling request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
		}
		return Result{}, fmt.Errorf("%w: %v", ErrRequest, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return Result{}, fmt.Errorf("%w: status %d: %s", ErrRequest, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var decoded chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Result{}, fmt.Errorf("%w: decoding response: %v", ErrRequest, err)
	}
	if decoded.Error != nil {
		return Result{}, fmt.Errorf("%w: %s", ErrRequest, decoded.Error.Message)
	}
	if len(decoded.Choices) == 0 {
		return Result{}, ErrEmptyOutput
	}

	return finishResult(decoded.Choices[0].Message.Content)
}

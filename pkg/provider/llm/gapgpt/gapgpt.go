// Package gapgpt provides an OpenAI-compatible LLM provider for the GapGPT
// gateway. It implements the llm.Provider interface.
//
// The gateway occasionally answers a non-streaming request with a
// server-sent-event body, so the response is sniffed and both encodings are
// handled.
package gapgpt

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sedaflow/sedaflow/pkg/provider/llm"
)

const (
	defaultModel       = "gpt-4o-mini"
	defaultTimeout     = 20 * time.Second
	defaultMaxParallel = 10

	quotaCode    = "pre_consume_token_quota_failed"
	quotaMessage = "token quota is not enough"
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithMaxParallel caps the number of in-flight completion requests.
func WithMaxParallel(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithModel sets the model used when a request does not name one.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *Provider) {
		p.httpc = hc
	}
}

// Provider implements llm.Provider backed by the GapGPT chat completions
// endpoint.
type Provider struct {
	baseURL string
	apiKey  string
	model   string
	timeout time.Duration
	sem     *semaphore.Weighted
	httpc   *http.Client
}

// New creates a GapGPT provider for the given API base URL, e.g.
// "https://api.gapgpt.app/v1". An empty apiKey is tolerated at construction;
// Complete then fails per call, which lets deployments without an LLM
// credential still run scenarios that never classify.
func New(baseURL, apiKey string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("gapgpt: baseURL must not be empty")
	}
	p := &Provider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   defaultModel,
		timeout: defaultTimeout,
		sem:     semaphore.NewWeighted(defaultMaxParallel),
		httpc:   &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

var _ llm.Provider = (*Provider)(nil)

// chatRequest is the OpenAI-compatible request payload. Temperature is sent
// unconditionally: classification relies on an explicit 0.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []llm.Message `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// chatResponse is the plain JSON completion shape.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// chatChunk is a single SSE delta frame.
type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// apiError is the gateway's error envelope.
type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends req to the chat completions endpoint and returns the
// assistant's reply text.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (string, error) {
	if p.apiKey == "" {
		return "", fmt.Errorf("gapgpt: api key missing")
	}
	if len(req.Messages) == 0 {
		return "", fmt.Errorf("gapgpt: messages must not be empty")
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("gapgpt: acquire slot: %w", err)
	}
	defer p.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	model := req.Model
	if model == "" {
		model = p.model
	}
	payload, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("gapgpt: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("gapgpt: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpc.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("gapgpt: post: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("gapgpt: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if isQuotaFailure(resp.StatusCode, raw) {
			return "", fmt.Errorf("gapgpt: status %d: %s: %w", resp.StatusCode, errSnippet(raw), llm.ErrQuota)
		}
		return "", fmt.Errorf("gapgpt: status %d: %s", resp.StatusCode, errSnippet(raw))
	}
	return parseBody(raw)
}

// parseBody extracts the reply text, handling both the plain JSON shape and
// an SSE body the gateway sometimes sends despite stream being off.
func parseBody(raw []byte) (string, error) {
	if isEventStream(raw) {
		return parseEventStream(raw)
	}
	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("gapgpt: decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("gapgpt: response has no choices")
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

// isEventStream sniffs whether the body starts with an SSE data frame.
func isEventStream(raw []byte) bool {
	return bytes.HasPrefix(bytes.TrimLeft(raw, " \t\r\n"), []byte("data:"))
}

// parseEventStream accumulates delta content across SSE frames until the
// [DONE] sentinel.
func parseEventStream(raw []byte) (string, error) {
	var sb strings.Builder
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			break
		}
		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) > 0 {
			sb.WriteString(chunk.Choices[0].Delta.Content)
		}
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("gapgpt: scan event stream: %w", err)
	}
	return strings.TrimSpace(sb.String()), nil
}

// isQuotaFailure recognizes the gateway's quota-exhaustion responses.
func isQuotaFailure(status int, raw []byte) bool {
	if status == http.StatusForbidden {
		return true
	}
	var e apiError
	if err := json.Unmarshal(raw, &e); err == nil {
		if e.Error.Code == quotaCode {
			return true
		}
		if strings.Contains(e.Error.Message, quotaMessage) {
			return true
		}
	}
	return bytes.Contains(raw, []byte(quotaMessage))
}

func errSnippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 512 {
		s = s[:512]
	}
	return s
}

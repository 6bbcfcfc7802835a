// Package vira provides a Vira-backed TTS provider using the Avasho speech
// synthesis API. It implements the tts.Provider interface.
package vira

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sedaflow/sedaflow/pkg/provider/tts"
)

const (
	defaultSpeaker     = "female"
	defaultSpeed       = 1.0
	defaultTimeout     = 30 * time.Second
	defaultMaxParallel = 10
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

// WithMaxParallel caps the number of in-flight synthesis requests.
func WithMaxParallel(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithSpeaker sets the default voice used when a request does not name one.
func WithSpeaker(speaker string) Option {
	return func(p *Provider) {
		if speaker != "" {
			p.speaker = speaker
		}
	}
}

// WithInsecureSkipVerify disables TLS certificate verification.
func WithInsecureSkipVerify(skip bool) Option {
	return func(p *Provider) {
		if !skip {
			return
		}
		p.httpc.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *Provider) {
		p.httpc = hc
	}
}

// Provider implements tts.Provider backed by the Vira Avasho API.
type Provider struct {
	url     string
	token   string
	speaker string
	timeout time.Duration
	sem     *semaphore.Weighted
	httpc   *http.Client
}

// New creates a Vira TTS provider posting to the given request URL. An empty
// token is tolerated: Synthesize then reports "unauthorized" instead of
// calling out, so deployments that only use pre-recorded prompts need no
// credential.
func New(url, token string, opts ...Option) (*Provider, error) {
	if url == "" {
		return nil, fmt.Errorf("vira: url must not be empty")
	}
	p := &Provider{
		url:     url,
		token:   token,
		speaker: defaultSpeaker,
		timeout: defaultTimeout,
		sem:     semaphore.NewWeighted(defaultMaxParallel),
		httpc:   &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

var _ tts.Provider = (*Provider)(nil)

// synthesisRequest is the JSON payload the gateway expects.
type synthesisRequest struct {
	Text      string  `json:"text"`
	Speaker   string  `json:"speaker"`
	Speed     float64 `json:"speed"`
	Timestamp bool    `json:"timestamp"`
}

// synthesisResponse mirrors the gateway's envelope.
type synthesisResponse struct {
	Status string `json:"status"`
	Data   struct {
		Filename string  `json:"filename"`
		URL      string  `json:"url"`
		Duration float64 `json:"duration"`
	} `json:"data"`
}

// Synthesize renders text to speech and returns where the rendered audio
// can be fetched from.
func (p *Provider) Synthesize(ctx context.Context, text string, opts tts.SynthesizeOpts) (tts.Result, error) {
	if p.token == "" {
		slog.Warn("vira tts token missing, synthesis skipped")
		return tts.Result{Status: "unauthorized"}, nil
	}
	if strings.TrimSpace(text) == "" {
		return tts.Result{}, fmt.Errorf("vira: text must not be empty")
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return tts.Result{}, fmt.Errorf("vira: acquire slot: %w", err)
	}
	defer p.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	payload := synthesisRequest{
		Text:    text,
		Speaker: p.speaker,
		Speed:   defaultSpeed,
	}
	if opts.Speaker != "" {
		payload.Speaker = opts.Speaker
	}
	if opts.Speed > 0 {
		payload.Speed = opts.Speed
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return tts.Result{}, fmt.Errorf("vira: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return tts.Result{}, fmt.Errorf("vira: %w", err)
	}
	req.Header.Set("gateway-token", p.token)
	req.Header.Set("accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpc.Do(req)
	if err != nil {
		return tts.Result{}, fmt.Errorf("vira: post: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return tts.Result{}, fmt.Errorf("vira: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return tts.Result{}, fmt.Errorf("vira: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var parsed synthesisResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return tts.Result{}, fmt.Errorf("vira: decode response: %w", err)
	}
	return tts.Result{
		Status:   parsed.Status,
		Filename: parsed.Data.Filename,
		URL:      parsed.Data.URL,
		Duration: parsed.Data.Duration,
	}, nil
}

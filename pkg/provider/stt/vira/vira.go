// Package vira provides a Vira-backed STT provider using the Avanegar batch
// recognition API. It implements the stt.Provider interface.
package vira

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sedaflow/sedaflow/pkg/provider/stt"
)

const (
	defaultModel       = "default"
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

// WithMaxParallel caps the number of in-flight transcription requests.
func WithMaxParallel(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithInsecureSkipVerify disables TLS certificate verification. The gateway
// fronting the recognition service runs with a private CA in some
// deployments.
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

// Provider implements stt.Provider backed by the Vira Avanegar API.
type Provider struct {
	url     string
	token   string
	timeout time.Duration
	sem     *semaphore.Weighted
	httpc   *http.Client
}

// New creates a Vira STT provider posting to the given request URL.
// An empty token is tolerated: Transcribe then skips the call and returns
// an empty transcript, which keeps scenario development possible without
// live credentials.
func New(url, token string, opts ...Option) (*Provider, error) {
	if url == "" {
		return nil, fmt.Errorf("vira: url must not be empty")
	}
	p := &Provider{
		url:     url,
		token:   token,
		timeout: defaultTimeout,
		sem:     semaphore.NewWeighted(defaultMaxParallel),
		httpc:   &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

var _ stt.Provider = (*Provider)(nil)

// apiResponse mirrors the gateway's nested envelope. The transcript has
// moved between levels across gateway versions, so all known locations are
// checked.
type apiResponse struct {
	Status string `json:"status"`
	Data   struct {
		Status string `json:"status"`
		Text   string `json:"text"`
		Data   struct {
			Text       string `json:"text"`
			AIResponse struct {
				Status string `json:"status"`
				Result struct {
					Text string `json:"text"`
				} `json:"result"`
			} `json:"aiResponse"`
		} `json:"data"`
	} `json:"data"`
}

func (r *apiResponse) text() string {
	for _, t := range []string{r.Data.Text, r.Data.Data.Text, r.Data.Data.AIResponse.Result.Text} {
		if strings.TrimSpace(t) != "" {
			return strings.TrimSpace(t)
		}
	}
	return ""
}

// Transcribe posts the WAV payload as a multipart request and extracts the
// recognized text from the response envelope.
func (p *Provider) Transcribe(ctx context.Context, audio []byte, opts stt.TranscribeOpts) (string, error) {
	if p.token == "" {
		slog.Warn("vira stt token missing, transcription skipped")
		return "", nil
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("vira: acquire slot: %w", err)
	}
	defer p.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	body, contentType, err := buildForm(audio, opts)
	if err != nil {
		return "", fmt.Errorf("vira: build request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, body)
	if err != nil {
		return "", fmt.Errorf("vira: %w", err)
	}
	req.Header.Set("gateway-token", p.token)
	req.Header.Set("accept", "application/json")
	req.Header.Set("Content-Type", contentType)

	resp, err := p.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("vira: post: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("vira: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := strings.TrimSpace(string(raw))
		if isQuotaFailure(resp.StatusCode, snippet) {
			return "", fmt.Errorf("vira: status %d: %s: %w", resp.StatusCode, snippet, stt.ErrQuota)
		}
		return "", fmt.Errorf("vira: status %d: %s", resp.StatusCode, snippet)
	}

	var parsed apiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("vira: decode response: %w", err)
	}
	text := parsed.text()
	if text == "" {
		slog.Warn("vira stt returned empty text", "status", parsed.Status)
	}
	return text, nil
}

// buildForm encodes the multipart request: the audio file part plus the
// recognition flags the gateway requires on every call.
func buildForm(audio []byte, opts stt.TranscribeOpts) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="audio"; filename="audio.wav"`)
	hdr.Set("Content-Type", "audio/wav")
	part, err := w.CreatePart(hdr)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(audio); err != nil {
		return nil, "", err
	}

	model := opts.Model
	if model == "" {
		model = defaultModel
	}
	fields := [][2]string{
		{"model", model},
		{"srt", "false"},
		{"inverseNormalizer", "false"},
		{"timestamp", "false"},
		{"spokenPunctuation", "false"},
		{"punctuation", "false"},
		{"numSpeakers", "0"},
		{"diarize", "false"},
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}
	for _, word := range opts.Hotwords {
		if err := w.WriteField("hotwords[]", word); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// isQuotaFailure recognizes the gateway's balance-exhaustion responses.
func isQuotaFailure(status int, body string) bool {
	if status == http.StatusForbidden {
		return true
	}
	return strings.Contains(body, "balanceError") ||
		strings.Contains(body, "credit is below the set threshold")
}

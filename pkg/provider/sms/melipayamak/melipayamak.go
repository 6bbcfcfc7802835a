// Package melipayamak provides a Melipayamak-backed SMS sender. It
// implements the sms.Sender interface.
package melipayamak

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sedaflow/sedaflow/pkg/provider/sms"
)

const (
	defaultEndpoint = "https://console.melipayamak.com/api/send/advanced/"
	defaultTimeout  = 10 * time.Second
)

// Option is a functional option for configuring the Sender.
type Option func(*Sender)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Sender) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithEndpoint overrides the API endpoint prefix. The API key is appended to
// it.
func WithEndpoint(url string) Option {
	return func(s *Sender) {
		if url != "" {
			s.endpoint = url
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *Sender) {
		s.httpc = hc
	}
}

// Sender implements sms.Sender backed by the Melipayamak advanced send API.
type Sender struct {
	apiKey   string
	from     string
	endpoint string
	timeout  time.Duration
	httpc    *http.Client
}

// New creates a Melipayamak sender. An empty apiKey or from number leaves
// the sender unconfigured: Send then logs and returns nil, so alerting can
// stay off in development without special cases at call sites.
func New(apiKey, from string, opts ...Option) *Sender {
	s := &Sender{
		apiKey:   apiKey,
		from:     from,
		endpoint: defaultEndpoint,
		timeout:  defaultTimeout,
		httpc:    &http.Client{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

var _ sms.Sender = (*Sender)(nil)

// sendRequest is the advanced send payload. UDH is required by the API and
// always empty for plain text.
type sendRequest struct {
	From string   `json:"from"`
	To   []string `json:"to"`
	Text string   `json:"text"`
	UDH  string   `json:"udh"`
}

// Send delivers text to every number in to through one API call.
func (s *Sender) Send(ctx context.Context, to []string, text string) error {
	if s.apiKey == "" || s.from == "" {
		slog.Debug("sms sender unconfigured, alert skipped", "recipients", len(to))
		return nil
	}
	if len(to) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	payload, err := json.Marshal(sendRequest{From: s.from, To: to, Text: text})
	if err != nil {
		return fmt.Errorf("melipayamak: encode request: %w", err)
	}
	url := strings.TrimRight(s.endpoint, "/") + "/" + s.apiKey
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("melipayamak: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("melipayamak: post: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("melipayamak: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	slog.Debug("sms alert sent", "recipients", len(to))
	return nil
}

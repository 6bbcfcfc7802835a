// Package panel provides the client for the external management panel that
// supplies contact batches, agent rosters and enabled scenarios, and
// receives per-call outcome reports.
//
// Outcome delivery is best effort with local queueing: a failed report POST
// lands in an in-memory queue that is flushed before every batch fetch and
// again at shutdown. The queue does not survive a process restart.
package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultRetryAfter = 60
)

// Number is one contact in a batch.
type Number struct {
	ID          int64  `json:"id"`
	PhoneNumber string `json:"phone_number"`
}

// Agent is one roster entry. ID may be zero when the panel does not assign
// one.
type Agent struct {
	ID          int64  `json:"id"`
	PhoneNumber string `json:"phone_number"`
}

// BatchResponse is the outcome of a next-batch poll. A transport failure is
// folded into a disallow response so the dialer has a single backoff path.
type BatchResponse struct {
	CallAllowed       bool
	RetryAfterSeconds int
	Numbers           []Number
	Agents            []Agent
	InboundAgents     []Agent
	OutboundAgents    []Agent
	ActiveScenarios   []string
	OutboundLines     []string
	BatchID           string
	Timezone          string
	ServerTime        time.Time
	ScheduleVersion   int
	Reason            string
}

// Report is one per-call outcome. Zero-valued optional fields are omitted
// from the wire payload.
type Report struct {
	NumberID     int64     `json:"number_id,omitempty"`
	PhoneNumber  string    `json:"phone_number,omitempty"`
	Status       string    `json:"status"`
	Reason       string    `json:"reason"`
	AttemptedAt  time.Time `json:"-"`
	BatchID      string    `json:"batch_id,omitempty"`
	CallAllowed  *bool     `json:"call_allowed,omitempty"`
	AgentID      int64     `json:"agent_id,omitempty"`
	AgentPhone   string    `json:"agent_phone,omitempty"`
	UserMessage  string    `json:"user_message,omitempty"`
	Scenario     string    `json:"scenario,omitempty"`
	OutboundLine string    `json:"outbound_line,omitempty"`
}

// MarshalJSON emits AttemptedAt as a UTC RFC 3339 string.
func (r Report) MarshalJSON() ([]byte, error) {
	type alias Report
	return json.Marshal(struct {
		alias
		AttemptedAt string `json:"attempted_at"`
	}{
		alias:       alias(r),
		AttemptedAt: r.AttemptedAt.UTC().Format(time.RFC3339),
	})
}

// Option is a functional option for configuring the Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithDefaultRetry sets the backoff seconds used when the panel disallows
// calling without naming a retry interval, or cannot be reached at all.
func WithDefaultRetry(seconds int) Option {
	return func(c *Client) {
		if seconds > 0 {
			c.defaultRetry = seconds
		}
	}
}

// WithCompany scopes batch fetches to one company.
func WithCompany(company string) Option {
	return func(c *Client) {
		c.company = company
	}
}

// WithMaxConnections caps the connection pool toward the panel.
func WithMaxConnections(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.httpc.Transport = &http.Transport{
				MaxIdleConns:        n,
				MaxIdleConnsPerHost: n,
				MaxConnsPerHost:     n,
			}
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpc = hc
	}
}

// Client talks to the panel REST API.
type Client struct {
	baseURL      string
	token        string
	company      string
	timeout      time.Duration
	defaultRetry int
	httpc        *http.Client

	mu      sync.Mutex
	pending []Report
}

// NewClient creates a panel client for the given base URL.
func NewClient(baseURL, token string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("panel: baseURL must not be empty")
	}
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        token,
		timeout:      defaultTimeout,
		defaultRetry: defaultRetryAfter,
		httpc:        &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// batchEnvelope mirrors the next-batch response body.
type batchEnvelope struct {
	CallAllowed       bool   `json:"call_allowed"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
	Batch             struct {
		BatchID string   `json:"batch_id"`
		Numbers []Number `json:"numbers"`
	} `json:"batch"`
	ActiveAgents    []Agent  `json:"active_agents"`
	InboundAgents   []Agent  `json:"inbound_agents"`
	OutboundAgents  []Agent  `json:"outbound_agents"`
	ActiveScenarios []string `json:"active_scenarios"`
	OutboundLines   []string `json:"outbound_lines"`
	Timezone        string   `json:"timezone"`
	ServerTime      string   `json:"server_time"`
	ScheduleVersion int      `json:"schedule_version"`
	Reason          string   `json:"reason"`
}

// NextBatch flushes any queued reports, then asks the panel for up to size
// contacts. Transport and decode failures come back as a disallow response
// carrying the default retry interval, never as an error: from the dialer's
// point of view an unreachable panel and a closed call window look the same.
func (c *Client) NextBatch(ctx context.Context, size int) BatchResponse {
	c.FlushPending(ctx)

	disallow := func(reason string) BatchResponse {
		return BatchResponse{
			CallAllowed:       false,
			RetryAfterSeconds: c.defaultRetry,
			Reason:            reason,
		}
	}

	q := url.Values{"size": []string{strconv.Itoa(size)}}
	if c.company != "" {
		q.Set("company", c.company)
	}
	var env batchEnvelope
	if err := c.getJSON(ctx, "/api/dialer/next-batch?"+q.Encode(), &env); err != nil {
		slog.Error("panel next-batch failed", "error", err)
		return disallow(err.Error())
	}

	resp := BatchResponse{
		CallAllowed:       env.CallAllowed,
		RetryAfterSeconds: env.RetryAfterSeconds,
		Numbers:           env.Batch.Numbers,
		Agents:            filterAgents(env.ActiveAgents),
		InboundAgents:     filterAgents(env.InboundAgents),
		OutboundAgents:    filterAgents(env.OutboundAgents),
		ActiveScenarios:   env.ActiveScenarios,
		OutboundLines:     env.OutboundLines,
		BatchID:           env.Batch.BatchID,
		Timezone:          env.Timezone,
		ServerTime:        parseTime(env.ServerTime),
		ScheduleVersion:   env.ScheduleVersion,
		Reason:            env.Reason,
	}
	if !resp.CallAllowed && resp.RetryAfterSeconds <= 0 {
		resp.RetryAfterSeconds = c.defaultRetry
	}
	return resp
}

// ReportResult posts one outcome report. On failure the report is queued
// for a later flush and the delivery error is returned; callers that only
// need the at-most-once guarantee may ignore it.
func (c *Client) ReportResult(ctx context.Context, r Report) error {
	if err := c.postJSON(ctx, "/api/dialer/report-result", r); err != nil {
		slog.Warn("panel report failed, queueing",
			"error", err, "number_id", r.NumberID, "status", r.Status)
		c.mu.Lock()
		c.pending = append(c.pending, r)
		c.mu.Unlock()
		return err
	}
	slog.Info("reported result to panel", "number_id", r.NumberID, "status", r.Status)
	return nil
}

// FlushPending retries queued reports in order. Entries with neither a
// number id nor a phone number are dropped. On the first delivery failure
// the failed report and everything behind it are requeued and the round
// stops. Returns the number of reports still pending.
func (c *Client) FlushPending(ctx context.Context) int {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return 0
	}
	queued := c.pending
	c.pending = nil
	c.mu.Unlock()

	for i, r := range queued {
		if r.NumberID == 0 && r.PhoneNumber == "" {
			slog.Debug("dropping queued panel report without number", "status", r.Status)
			continue
		}
		if err := c.postJSON(ctx, "/api/dialer/report-result", r); err != nil {
			slog.Warn("panel flush failed, requeueing", "error", err, "remaining", len(queued)-i)
			c.mu.Lock()
			c.pending = append(queued[i:], c.pending...)
			n := len(c.pending)
			c.mu.Unlock()
			return n
		}
		slog.Info("flushed queued report to panel", "number_id", r.NumberID)
	}
	return c.PendingCount()
}

// RegisterScenarios announces the loaded scenario names to the panel.
func (c *Client) RegisterScenarios(ctx context.Context, names []string) error {
	payload := struct {
		Scenarios []string `json:"scenarios"`
	}{Scenarios: names}
	if err := c.postJSON(ctx, "/api/dialer/register-scenarios", payload); err != nil {
		return fmt.Errorf("panel: register scenarios: %w", err)
	}
	return nil
}

// PendingCount returns the number of queued reports. Thread-safe.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, snippet(raw))
	}
	return json.Unmarshal(raw, out)
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, snippet(raw))
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
}

// filterAgents drops roster entries without a phone number.
func filterAgents(in []Agent) []Agent {
	out := in[:0:0]
	for _, a := range in {
		if a.PhoneNumber != "" {
			out = append(out, a)
		}
	}
	return out
}

// parseTime is tolerant: a malformed server_time is treated as absent.
func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 512 {
		s = s[:512]
	}
	return s
}

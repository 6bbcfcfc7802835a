package ari

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultTimeout = 10 * time.Second

// ClientOption is a functional option for configuring the Client.
type ClientOption func(*Client)

// WithTimeout sets the per-request timeout applied on top of the caller's
// context. Zero disables the client-side timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithMaxConnections caps the connection pool toward the PBX.
func WithMaxConnections(n int) ClientOption {
	return func(c *Client) {
		if n <= 0 {
			return
		}
		c.httpc.Transport = &http.Transport{
			MaxIdleConns:        n,
			MaxIdleConnsPerHost: n,
			MaxConnsPerHost:     n,
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client entirely.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpc = hc
	}
}

// Client is the REST implementation of Control. Safe for concurrent use.
type Client struct {
	baseURL  string
	username string
	password string
	timeout  time.Duration
	httpc    *http.Client
}

// NewClient creates a Control client for the ARI base URL, e.g.
// "http://127.0.0.1:8088/ari".
func NewClient(baseURL, username, password string, opts ...ClientOption) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("ari: base URL must not be empty")
	}
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		timeout:  defaultTimeout,
		httpc:    &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

var _ Control = (*Client)(nil)

func (c *Client) CreateBridge(ctx context.Context, name, bridgeType string) (string, error) {
	if bridgeType == "" {
		bridgeType = "mixing"
	}
	var out struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, "/bridges", nil, map[string]string{
		"type": bridgeType,
		"name": name,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *Client) DeleteBridge(ctx context.Context, bridgeID string) error {
	return c.do(ctx, http.MethodDelete, "/bridges/"+url.PathEscape(bridgeID), nil, nil, nil)
}

func (c *Client) AddChannelToBridge(ctx context.Context, bridgeID, channelID, role string) error {
	body := map[string]string{"channel": channelID}
	if role != "" {
		body["role"] = role
	}
	return c.do(ctx, http.MethodPost, "/bridges/"+url.PathEscape(bridgeID)+"/addChannel", nil, body, nil)
}

func (c *Client) RemoveChannelFromBridge(ctx context.Context, bridgeID, channelID string) error {
	return c.do(ctx, http.MethodPost, "/bridges/"+url.PathEscape(bridgeID)+"/removeChannel", nil,
		map[string]string{"channel": channelID}, nil)
}

func (c *Client) AnswerChannel(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/answer", nil, nil, nil)
}

func (c *Client) HangupChannel(ctx context.Context, channelID, reason string) error {
	if reason == "" {
		reason = "normal"
	}
	q := url.Values{"reason": {reason}}
	return c.do(ctx, http.MethodDelete, "/channels/"+url.PathEscape(channelID), q, nil, nil)
}

func (c *Client) Play(ctx context.Context, channelID, media, lang string) (string, error) {
	return c.play(ctx, "/channels/"+url.PathEscape(channelID)+"/play", media, lang)
}

func (c *Client) PlayOnBridge(ctx context.Context, bridgeID, media, lang string) (string, error) {
	return c.play(ctx, "/bridges/"+url.PathEscape(bridgeID)+"/play", media, lang)
}

func (c *Client) play(ctx context.Context, path, media, lang string) (string, error) {
	body := map[string]string{"media": media}
	if lang != "" {
		body["lang"] = lang
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, path, nil, body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *Client) StopPlayback(ctx context.Context, playbackID string) error {
	return c.do(ctx, http.MethodDelete, "/playbacks/"+url.PathEscape(playbackID), nil, nil, nil)
}

func (c *Client) RecordChannel(ctx context.Context, channelID string, p RecordParams) error {
	return c.record(ctx, "/channels/"+url.PathEscape(channelID)+"/record", p)
}

func (c *Client) RecordBridge(ctx context.Context, bridgeID string, p RecordParams) error {
	return c.record(ctx, "/bridges/"+url.PathEscape(bridgeID)+"/record", p)
}

func (c *Client) record(ctx context.Context, path string, p RecordParams) error {
	format := p.Format
	if format == "" {
		format = "wav"
	}
	body := map[string]any{
		"name":               p.Name,
		"format":             format,
		"maxDurationSeconds": p.MaxDurationSeconds,
		"maxSilenceSeconds":  p.MaxSilenceSeconds,
		"ifExists":           "overwrite",
		"beep":               false,
	}
	return c.do(ctx, http.MethodPost, path, nil, body, nil)
}

func (c *Client) FetchStoredRecording(ctx context.Context, name string) ([]byte, error) {
	return c.getRaw(ctx, "/recordings/stored/"+url.PathEscape(name)+"/file")
}

func (c *Client) Originate(ctx context.Context, p OriginateParams) (string, error) {
	body := map[string]any{
		"endpoint": p.Endpoint,
		"app":      p.App,
		"appArgs":  strings.Join(p.AppArgs, ","),
	}
	if p.CallerID != "" {
		body["callerId"] = p.CallerID
	}
	if p.Timeout > 0 {
		body["timeout"] = p.Timeout
	}
	if len(p.Variables) > 0 {
		body["variables"] = p.Variables
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/channels", nil, body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *Client) GetChannelVariable(ctx context.Context, channelID, name string) (string, error) {
	q := url.Values{"variable": {name}}
	var out struct {
		Value string `json:"value"`
	}
	err := c.do(ctx, http.MethodGet, "/channels/"+url.PathEscape(channelID)+"/variable", q, nil, &out)
	if err != nil {
		// An unset variable comes back as 404; callers treat that as absent.
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return out.Value, nil
}

// do issues a JSON request and optionally decodes a JSON response into out.
// The response body is fully consumed before returning, so the per-request
// timeout context can be released here.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	resp, err := c.send(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp, method, path); err != nil {
		return err
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("ari: %s %s: decode response: %w", method, path, err)
	}
	return nil
}

// getRaw issues a GET and returns the raw response body.
func (c *Client) getRaw(ctx context.Context, path string) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	resp, err := c.send(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp, http.MethodGet, path); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("ari: GET %s: read body: %w", path, err)
	}
	return data, nil
}

func (c *Client) send(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("ari: %s %s: encode body: %w", method, path, err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return nil, fmt.Errorf("ari: %s %s: %w", method, path, err)
	}
	req.SetBasicAuth(c.username, c.password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ari: %s %s: %w", method, path, err)
	}
	return resp, nil
}

func (c *Client) checkStatus(resp *http.Response, method, path string) error {
	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("ari: %s %s: %w", method, path, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ari: %s %s: status %d: %s", method, path, resp.StatusCode,
			strings.TrimSpace(string(snippet)))
	}
	return nil
}

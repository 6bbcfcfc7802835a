// Package mock provides a test double for the panel client.
//
// Pre-populate Batches with the responses the dialer should receive, one per
// NextBatch call, then inspect Reports to verify outcome delivery.
package mock

import (
	"context"
	"sync"

	"github.com/sedaflow/sedaflow/pkg/panel"
)

// Client is a scripted stand-in for panel.Client.
type Client struct {
	mu sync.Mutex

	// Batches are returned by successive NextBatch calls in order. When the
	// list is exhausted, further calls return a disallow response with
	// RetryAfterSeconds 60.
	Batches []panel.BatchResponse

	// ReportErrs are returned by successive ReportResult calls in order. A
	// nil entry means success; missing entries are treated as nil.
	ReportErrs []error

	// RegisterErr, if non-nil, is returned by RegisterScenarios.
	RegisterErr error

	// Reports records every report passed to ReportResult.
	Reports []panel.Report

	// BatchSizes records the size argument of every NextBatch call.
	BatchSizes []int

	// Registered records every scenario list passed to RegisterScenarios.
	Registered [][]string

	// FlushCalls counts FlushPending invocations.
	FlushCalls int

	nextBatch  int
	nextReport int
}

// NextBatch returns the next scripted batch response.
func (c *Client) NextBatch(_ context.Context, size int) panel.BatchResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.BatchSizes = append(c.BatchSizes, size)
	i := c.nextBatch
	c.nextBatch++
	if i < len(c.Batches) {
		return c.Batches[i]
	}
	return panel.BatchResponse{CallAllowed: false, RetryAfterSeconds: 60, Reason: "script exhausted"}
}

// ReportResult records the report and returns the next scripted error.
func (c *Client) ReportResult(_ context.Context, r panel.Report) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Reports = append(c.Reports, r)
	i := c.nextReport
	c.nextReport++
	if i < len(c.ReportErrs) {
		return c.ReportErrs[i]
	}
	return nil
}

// FlushPending records the call and reports an empty queue.
func (c *Client) FlushPending(context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.FlushCalls++
	return 0
}

// RegisterScenarios records the call and returns RegisterErr.
func (c *Client) RegisterScenarios(_ context.Context, names []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]string, len(names))
	copy(cp, names)
	c.Registered = append(c.Registered, cp)
	return c.RegisterErr
}

// ReportCount returns the number of recorded reports. Thread-safe.
func (c *Client) ReportCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Reports)
}

// LastReport returns the most recent report, if any. Thread-safe.
func (c *Client) LastReport() (panel.Report, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Reports) == 0 {
		return panel.Report{}, false
	}
	return c.Reports[len(c.Reports)-1], true
}

// Reset clears all recorded calls and rewinds the scripts. Thread-safe.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Reports = nil
	c.BatchSizes = nil
	c.Registered = nil
	c.FlushCalls = 0
	c.nextBatch = 0
	c.nextReport = 0
}

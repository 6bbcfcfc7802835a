package dialer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sedaflow/sedaflow/internal/flow"
	"github.com/sedaflow/sedaflow/internal/session"
	"github.com/sedaflow/sedaflow/pkg/panel"
)

var (
	_ session.DialerControl = (*Dialer)(nil)
	_ flow.Reservations     = (*Dialer)(nil)
)

// reservePollInterval paces the wait for a free operator line.
const reservePollInterval = 50 * time.Millisecond

// RegisterInboundSession claims a slot on a line for an accepted inbound
// call. When every line is saturated the call is turned away but the
// line is flagged so the next outbound slot goes to inbound instead.
func (d *Dialer) RegisterInboundSession(sessionID, line string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := d.statsFor(line)
	if d.cfg.MaxConcurrentCalls > 0 && st.total() >= d.cfg.MaxConcurrentCalls {
		st.waitingInbound++
		slog.Info("inbound call deferred, line saturated",
			"line", line, "waiting", st.waitingInbound)
		return false
	}
	if d.cfg.MaxInbound > 0 && len(d.inboundSessionLine) >= d.cfg.MaxInbound {
		st.waitingInbound++
		return false
	}
	st.inbound++
	d.inboundSessionLine[sessionID] = line
	return true
}

// TryRegisterWaitingInbound admits a previously deferred inbound call
// once capacity opens up.
func (d *Dialer) TryRegisterWaitingInbound(sessionID, line string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := d.statsFor(line)
	if d.cfg.MaxConcurrentCalls > 0 && st.total() >= d.cfg.MaxConcurrentCalls {
		return false
	}
	if d.cfg.MaxInbound > 0 && len(d.inboundSessionLine) >= d.cfg.MaxInbound {
		return false
	}
	if st.waitingInbound > 0 {
		st.waitingInbound--
	}
	st.inbound++
	d.inboundSessionLine[sessionID] = line
	return true
}

// CancelWaitingInbound drops one deferred-inbound flag from a line, for
// callers that gave up before a slot opened.
func (d *Dialer) CancelWaitingInbound(line string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st := d.stats[line]; st != nil && st.waitingInbound > 0 {
		st.waitingInbound--
	}
}

// OnSessionCompleted releases the line slot a finished session held.
// Safe to call more than once per session.
func (d *Dialer) OnSessionCompleted(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if line, ok := d.sessionLine[sessionID]; ok {
		delete(d.sessionLine, sessionID)
		if st := d.stats[line]; st != nil && st.outbound > 0 {
			st.outbound--
		}
		return
	}
	if line, ok := d.inboundSessionLine[sessionID]; ok {
		delete(d.inboundSessionLine, sessionID)
		if st := d.stats[line]; st != nil && st.inbound > 0 {
			st.inbound--
		}
	}
}

// ReserveOperatorLine blocks until a line has room for an operator leg
// or the context expires. While a reservation waits, fresh originations
// yield so the interested caller is served first.
func (d *Dialer) ReserveOperatorLine(ctx context.Context) (string, bool) {
	d.mu.Lock()
	d.operatorPriority++
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.operatorPriority--
		d.mu.Unlock()
	}()

	for {
		now := time.Now()
		d.mu.Lock()
		line, ok := d.reserveLocked(now)
		d.mu.Unlock()
		if ok {
			return line, true
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-time.After(reservePollInterval):
		}
	}
}

// reserveLocked claims the least-loaded line with capacity for one more
// leg. Caller holds d.mu.
func (d *Dialer) reserveLocked(now time.Time) (string, bool) {
	var best string
	bestActive := -1
	for _, line := range d.lines {
		st := d.statsFor(line)
		if d.cfg.MaxConcurrentCalls > 0 && st.total() >= d.cfg.MaxConcurrentCalls {
			continue
		}
		if d.cfg.PerMinute > 0 && st.rolling(now) >= d.cfg.PerMinute {
			continue
		}
		if d.cfg.PerDay > 0 && st.daily >= d.cfg.PerDay {
			continue
		}
		if bestActive == -1 || st.total() < bestActive {
			best, bestActive = line, st.total()
		}
	}
	if bestActive == -1 {
		return "", false
	}
	st := d.stats[best]
	st.outbound++
	st.attempts = append(st.attempts, now)
	st.daily++
	return best, true
}

// ReleaseLine returns a reserved operator slot.
func (d *Dialer) ReleaseLine(line string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st := d.stats[line]; st != nil && st.outbound > 0 {
		st.outbound--
	}
}

// OnResult feeds a finished call's outcome into the failure streak. Only
// failed results on panel-tracked contacts count toward the alert
// threshold; anything else proves the trunk still works and resets it.
func (d *Dialer) OnResult(o flow.Outcome) {
	d.mu.Lock()
	if o.NumberID == 0 || !strings.HasPrefix(o.Result, "failed") {
		d.failureStreak = 0
		d.mu.Unlock()
		return
	}
	d.failureStreak++
	streak := d.failureStreak
	threshold := d.threshold()
	shouldPause := streak >= threshold && !d.paused
	d.mu.Unlock()

	if shouldPause {
		d.pauseForFailures(context.Background(), "consecutive_failures", &o)
	}
}

// ForceFailureThreshold pauses dialing immediately, used when a provider
// quota error makes every further call pointless.
func (d *Dialer) ForceFailureThreshold(ctx context.Context, reason string) {
	d.mu.Lock()
	d.failureStreak = d.threshold()
	alreadyPaused := d.paused
	d.mu.Unlock()
	if !alreadyPaused {
		d.pauseForFailures(ctx, reason, nil)
	}
}

// threshold returns the configured alert threshold. Caller holds d.mu.
func (d *Dialer) threshold() int {
	if d.cfg.FailAlertThreshold > 0 {
		return d.cfg.FailAlertThreshold
	}
	return 5
}

// pauseForFailures stops dialing and raises the alarm: an SMS to the
// admins and, when the triggering contact is known, a call_allowed=false
// report to the panel. Both are best effort.
func (d *Dialer) pauseForFailures(ctx context.Context, reason string, last *flow.Outcome) {
	d.mu.Lock()
	d.paused = true
	if reason == "" {
		reason = "consecutive_failures"
	}
	d.pausedReason = reason
	streak := d.failureStreak
	d.mu.Unlock()

	slog.Error("dialing paused after repeated failures",
		"reason", reason, "streak", streak)

	if d.sms != nil && len(d.cfg.SMSAdmins) > 0 {
		text := fmt.Sprintf("%s: dialing paused (%s) after %d consecutive failures",
			d.cfg.AppName, reason, streak)
		if err := d.sms.Send(ctx, d.cfg.SMSAdmins, text); err != nil {
			slog.Error("failure alert SMS not sent", "error", err)
		}
	}

	// A pause report without a contact would be dropped by the panel;
	// skip it entirely.
	if d.panel == nil || last == nil || (last.NumberID == 0 && last.PhoneNumber == "") {
		return
	}
	disallow := false
	rep := panel.Report{
		NumberID:    last.NumberID,
		PhoneNumber: last.PhoneNumber,
		Status:      "FAILED",
		Reason:      last.Result,
		BatchID:     last.BatchID,
		CallAllowed: &disallow,
		AttemptedAt: last.AttemptedAt,
	}
	if rep.Reason == "" {
		rep.Reason = "failed"
	}
	if rep.AttemptedAt.IsZero() {
		rep.AttemptedAt = time.Now()
	}
	if err := d.panel.ReportResult(ctx, rep); err != nil {
		slog.Error("pause report not delivered", "error", err)
	}
}

// Resume clears a failure pause, typically from an operator poking the
// admin endpoint after fixing the trunk.
func (d *Dialer) Resume() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = false
	d.pausedReason = ""
	d.failureStreak = 0
	d.nextPoll = time.Time{}
}

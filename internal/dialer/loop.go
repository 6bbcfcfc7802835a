package dialer

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/sedaflow/sedaflow/internal/flow"
	"github.com/sedaflow/sedaflow/internal/session"
	"github.com/sedaflow/sedaflow/pkg/ari"
	"github.com/sedaflow/sedaflow/pkg/panel"
)

// Loop cadences. Busy iterations run hot, the rest back off.
const (
	tickBusy   = 50 * time.Millisecond
	tickIdle   = time.Second
	tickEmpty  = 5 * time.Second
	tickPaused = 2 * time.Second
)

// missedGrace pads the origination timeout before a silent session is
// written off as missed.
const missedGrace = 15 * time.Second

// Run drives the dial loop until the context is canceled.
func (d *Dialer) Run(ctx context.Context) error {
	slog.Info("dialer started",
		"lines", len(d.lines), "queued", d.QueueLen())
	for {
		sleep := d.tick(ctx)
		select {
		case <-ctx.Done():
			slog.Info("dialer stopped")
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// tick runs one loop iteration and returns how long to sleep before the
// next one.
func (d *Dialer) tick(ctx context.Context) (sleep time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("dialer iteration panicked", "panic", r)
			sleep = tickIdle
		}
	}()

	now := time.Now()

	d.mu.Lock()
	d.rolloverLocked(now)
	pollDue := d.panel != nil && !now.Before(d.nextPoll)
	capacity := d.availableCapacity(now)
	d.mu.Unlock()

	// The poll runs even while paused: a re-allowing panel response is
	// what lifts a failure pause.
	if pollDue {
		d.pollPanel(ctx, capacity)
	}

	d.mu.Lock()
	if d.paused {
		d.mu.Unlock()
		return tickPaused
	}
	if d.operatorPriority > 0 {
		// Operator reservations outrank fresh originations.
		d.mu.Unlock()
		return tickBusy
	}
	d.mu.Unlock()

	if !d.inWindow(now) {
		return tickIdle
	}

	d.mu.Lock()
	if len(d.queue) == 0 {
		d.mu.Unlock()
		return tickEmpty
	}
	line, ok := d.pickLine(now)
	if !ok {
		d.mu.Unlock()
		return tickIdle
	}
	contact := d.queue[0]
	d.queue = d.queue[1:]
	d.mu.Unlock()

	d.originate(ctx, contact, line)
	return tickBusy
}

// rolloverLocked resets daily counters when the date changes. Caller
// holds d.mu.
func (d *Dialer) rolloverLocked(now time.Time) {
	key := now.Format("2006-01-02")
	if key == d.dayKey {
		return
	}
	d.dayKey = key
	for _, st := range d.stats {
		st.daily = 0
	}
}

// pollPanel fetches the next batch and applies its runtime settings:
// contacts, the dialing kill switch, scenario toggles, agent rosters and
// the outbound line set.
func (d *Dialer) pollPanel(ctx context.Context, size int) {
	resp := d.panel.NextBatch(ctx, size)

	d.mu.Lock()
	defer d.mu.Unlock()

	if !resp.CallAllowed {
		retry := time.Duration(resp.RetryAfterSeconds) * time.Second
		if retry <= 0 {
			retry = d.cfg.DefaultRetry
		}
		if retry <= 0 {
			retry = time.Minute
		}
		d.nextPoll = time.Now().Add(retry)
		slog.Info("panel disallowed dialing", "retry_after", retry)
		return
	}

	d.paused = false
	d.pausedReason = ""
	d.nextPoll = time.Now().Add(time.Minute)

	for _, n := range resp.Numbers {
		d.queue = append(d.queue, Contact{
			PhoneNumber: n.PhoneNumber,
			NumberID:    n.ID,
			BatchID:     resp.BatchID,
		})
	}
	if len(resp.Numbers) > 0 {
		slog.Info("panel batch enqueued",
			"numbers", len(resp.Numbers), "batch_id", resp.BatchID, "queued", len(d.queue))
	}

	if d.registry != nil && resp.ActiveScenarios != nil {
		d.registry.SetEnabled(resp.ActiveScenarios)
	}
	if len(resp.OutboundLines) > 0 {
		d.lines = append(d.lines[:0], resp.OutboundLines...)
		for _, line := range d.lines {
			d.statsFor(line)
		}
	}
	if d.agents != nil && d.cfg.UsePanelAgents {
		inbound := resp.InboundAgents
		if inbound == nil {
			inbound = resp.Agents
		}
		outbound := resp.OutboundAgents
		if outbound == nil {
			outbound = resp.Agents
		}
		d.agents.SetInboundAgents(toFlowAgents(inbound))
		d.agents.SetOutboundAgents(toFlowAgents(outbound))
	}
}

func toFlowAgents(in []panel.Agent) []flow.Agent {
	out := make([]flow.Agent, 0, len(in))
	for _, a := range in {
		out = append(out, flow.Agent{ID: a.ID, Phone: a.PhoneNumber})
	}
	return out
}

// originate places one outbound call. The per-second limiter gates the
// actual ARI request; line stats are already reserved so a slow
// origination cannot oversubscribe the line.
func (d *Dialer) originate(ctx context.Context, c Contact, line string) {
	if err := d.limiter.Wait(ctx); err != nil {
		d.Enqueue(c)
		return
	}

	sid := uuid.NewString()
	s := d.sessions.Create(sid)
	s.SetStatus(session.StatusInitiating)
	if d.registry != nil {
		if sc, ok := d.registry.NextOutbound(); ok {
			s.SetMeta(session.MetaScenario, sc.Name)
		}
	}
	number := session.NormalizeNumber(c.PhoneNumber)
	s.SetMeta(session.MetaContact, number)
	if c.NumberID != 0 {
		s.SetMeta(session.MetaNumberID, strconv.FormatInt(c.NumberID, 10))
	}
	if c.BatchID != "" {
		s.SetMeta(session.MetaBatchID, c.BatchID)
	}
	s.SetMeta(session.MetaAttemptedAt, time.Now().Format(time.RFC3339))
	s.SetMeta(session.MetaOutboundLine, line)

	d.mu.Lock()
	st := d.statsFor(line)
	st.outbound++
	st.attempts = append(st.attempts, time.Now())
	st.daily++
	d.sessionLine[sid] = line
	d.mu.Unlock()

	timeout := int(d.cfg.OriginationTimeout.Seconds())
	if timeout <= 0 {
		timeout = 45
	}
	callerID := d.cfg.CallerID
	if callerID == "" {
		callerID = line
	}
	_, err := d.ctrl.Originate(ctx, ari.OriginateParams{
		Endpoint: endpoint(line, number, d.cfg.Trunk),
		App:      d.cfg.AppName,
		AppArgs:  []string{"outbound", sid},
		CallerID: callerID,
		Timeout:  timeout,
	})
	if err != nil {
		slog.Error("origination failed",
			"session_id", sid, "contact", number, "line", line, "error", err)
		d.mu.Lock()
		if st := d.stats[line]; st != nil && st.outbound > 0 {
			st.outbound--
		}
		delete(d.sessionLine, sid)
		d.mu.Unlock()
		s.SetResult("failed:originate", true)
		d.sessions.Cleanup(ctx, sid)
		return
	}

	d.metrics.CallOriginated(line)
	slog.Info("call originated",
		"session_id", sid, "contact", number, "line", line)
	d.watchMissed(ctx, sid)
}

// watchMissed arms the one-shot timer behind sweepMissed.
func (d *Dialer) watchMissed(ctx context.Context, sid string) {
	wait := d.cfg.OriginationTimeout
	if wait <= 0 {
		wait = 45 * time.Second
	}
	wait += missedGrace
	bg := context.WithoutCancel(ctx)
	time.AfterFunc(wait, func() { d.sweepMissed(bg, sid) })
}

// sweepMissed writes off a session that never rang through: no answer,
// no hangup cause, nothing.
func (d *Dialer) sweepMissed(ctx context.Context, sid string) {
	s, ok := d.sessions.Get(sid)
	if !ok {
		return
	}
	switch s.Status() {
	case session.StatusActive, session.StatusCompleted:
		return
	}
	if s.Result() != "" {
		return
	}
	slog.Warn("session never progressed, marking missed", "session_id", sid)
	s.SetResult("missed", false)
	d.sessions.Cleanup(ctx, sid)
}

package dialer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sedaflow/sedaflow/internal/config"
	"github.com/sedaflow/sedaflow/internal/flow"
	"github.com/sedaflow/sedaflow/internal/session"
	arimock "github.com/sedaflow/sedaflow/pkg/ari/mock"
	"github.com/sedaflow/sedaflow/pkg/panel"
	panelmock "github.com/sedaflow/sedaflow/pkg/panel/mock"
	smsmock "github.com/sedaflow/sedaflow/pkg/provider/sms/mock"
)

// stubSessions is an in-memory stand-in for the session manager.
type stubSessions struct {
	mu      sync.Mutex
	byID    map[string]*session.Session
	cleaned []string
}

func newStubSessions() *stubSessions {
	return &stubSessions{byID: map[string]*session.Session{}}
}

func (st *stubSessions) Create(id string) *session.Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	s := session.New(id)
	st.byID[id] = s
	return s
}

func (st *stubSessions) Get(id string) (*session.Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.byID[id]
	return s, ok
}

func (st *stubSessions) Cleanup(_ context.Context, id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.cleaned = append(st.cleaned, id)
	delete(st.byID, id)
}

func (st *stubSessions) only(t *testing.T) *session.Session {
	t.Helper()
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.byID) != 1 {
		t.Fatalf("sessions = %d, want 1", len(st.byID))
	}
	for _, s := range st.byID {
		return s
	}
	return nil
}

// stubAgents records the rosters the dialer pushes.
type stubAgents struct {
	mu       sync.Mutex
	inbound  []flow.Agent
	outbound []flow.Agent
}

func (a *stubAgents) SetInboundAgents(agents []flow.Agent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inbound = agents
}

func (a *stubAgents) SetOutboundAgents(agents []flow.Agent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outbound = agents
}

type testEnv struct {
	dialer   *Dialer
	ctrl     *arimock.Control
	sessions *stubSessions
	panel    *panelmock.Client
	agents   *stubAgents
	sms      *smsmock.Sender
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	cfg := Config{
		AppName:            "sedaflow",
		Trunk:              "TO-CUCM-Gaptel",
		CallerID:           "1000",
		Lines:              []string{"02191302954"},
		OriginationTimeout: 45 * time.Second,
		MaxConcurrentCalls: 2,
		PerMinute:          10,
		PerDay:             100,
		PerSecond:          1000,
		BatchSize:          10,
		FailAlertThreshold: 3,
		SMSAdmins:          []string{"09121110000"},
		UsePanelAgents:     true,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	env := &testEnv{
		ctrl:     &arimock.Control{},
		sessions: newStubSessions(),
		panel:    &panelmock.Client{},
		agents:   &stubAgents{},
		sms:      &smsmock.Sender{},
	}
	env.dialer = New(Deps{
		Control:  env.ctrl,
		Sessions: env.sessions,
		Panel:    env.panel,
		Agents:   env.agents,
		SMS:      env.sms,
		Config:   cfg,
	})
	return env
}

func TestOriginateComposesEndpointAndMetadata(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	env.dialer.originate(context.Background(), Contact{
		PhoneNumber: "0912 123 4567", NumberID: 42, BatchID: "b-1",
	}, "02191302954")

	p, ok := env.ctrl.LastOriginate()
	if !ok {
		t.Fatal("no origination")
	}
	if p.Endpoint != "PJSIP/295409121234567@TO-CUCM-Gaptel" {
		t.Errorf("endpoint = %q", p.Endpoint)
	}
	if p.CallerID != "1000" {
		t.Errorf("caller id = %q", p.CallerID)
	}
	if p.App != "sedaflow" || len(p.AppArgs) != 2 || p.AppArgs[0] != "outbound" {
		t.Errorf("app args = %q %v", p.App, p.AppArgs)
	}
	if p.Timeout != 45 {
		t.Errorf("timeout = %d", p.Timeout)
	}

	s := env.sessions.only(t)
	if s.ID != p.AppArgs[1] {
		t.Errorf("session id %q not passed as app arg %q", s.ID, p.AppArgs[1])
	}
	if got := s.Meta(session.MetaContact); got != "09121234567" {
		t.Errorf("contact meta = %q", got)
	}
	if got := s.Meta(session.MetaNumberID); got != "42" {
		t.Errorf("number id meta = %q", got)
	}
	if got := s.Meta(session.MetaBatchID); got != "b-1" {
		t.Errorf("batch id meta = %q", got)
	}
	if got := s.Meta(session.MetaOutboundLine); got != "02191302954" {
		t.Errorf("line meta = %q", got)
	}
	if s.Meta(session.MetaAttemptedAt) == "" {
		t.Error("attempted_at meta not set")
	}

	env.dialer.mu.Lock()
	st := env.dialer.stats["02191302954"]
	if st.outbound != 1 || st.daily != 1 || len(st.attempts) != 1 {
		t.Errorf("stats = %+v", *st)
	}
	env.dialer.mu.Unlock()
}

func TestOriginateFailureRollsBack(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.ctrl.OriginateErrs = []error{errors.New("trunk down")}

	env.dialer.originate(context.Background(), Contact{PhoneNumber: "09121234567"}, "02191302954")

	env.dialer.mu.Lock()
	st := env.dialer.stats["02191302954"]
	if st.outbound != 0 {
		t.Errorf("outbound = %d after rollback", st.outbound)
	}
	if len(env.dialer.sessionLine) != 0 {
		t.Errorf("sessionLine = %v", env.dialer.sessionLine)
	}
	env.dialer.mu.Unlock()

	env.sessions.mu.Lock()
	defer env.sessions.mu.Unlock()
	if len(env.sessions.cleaned) != 1 {
		t.Fatalf("cleaned = %v, want one session", env.sessions.cleaned)
	}
}

func TestTickDialsQueuedContact(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.dialer.panel = nil
	env.dialer.Enqueue(Contact{PhoneNumber: "09121234567"})

	if sleep := env.dialer.tick(context.Background()); sleep != tickBusy {
		t.Errorf("sleep = %v, want busy cadence", sleep)
	}
	if _, ok := env.ctrl.LastOriginate(); !ok {
		t.Fatal("no origination")
	}
	if env.dialer.QueueLen() != 0 {
		t.Errorf("queue len = %d", env.dialer.QueueLen())
	}
}

func TestTickBacksOffWhenEmptyOrPaused(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.dialer.panel = nil

	if sleep := env.dialer.tick(context.Background()); sleep != tickEmpty {
		t.Errorf("empty queue sleep = %v", sleep)
	}

	env.dialer.mu.Lock()
	env.dialer.paused = true
	env.dialer.mu.Unlock()
	if sleep := env.dialer.tick(context.Background()); sleep != tickPaused {
		t.Errorf("paused sleep = %v", sleep)
	}
}

func TestTickYieldsToOperatorReservations(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.dialer.panel = nil
	env.dialer.Enqueue(Contact{PhoneNumber: "09121234567"})

	env.dialer.mu.Lock()
	env.dialer.operatorPriority = 1
	env.dialer.mu.Unlock()

	env.dialer.tick(context.Background())
	if _, ok := env.ctrl.LastOriginate(); ok {
		t.Fatal("originated while an operator reservation was waiting")
	}
}

func TestCallWindowGate(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(c *Config) {
		c.WindowStart = config.Clock{Hour: 9}
		c.WindowEnd = config.Clock{Hour: 17}
	})
	d := env.dialer

	at := func(h int) time.Time {
		return time.Date(2026, 8, 25, h, 30, 0, 0, time.Local)
	}
	if d.inWindow(at(8)) {
		t.Error("08:30 inside a 09-17 window")
	}
	if !d.inWindow(at(12)) {
		t.Error("12:30 outside a 09-17 window")
	}
	if d.inWindow(at(18)) {
		t.Error("18:30 inside a 09-17 window")
	}

	// A window over midnight.
	d.cfg.WindowStart = config.Clock{Hour: 22}
	d.cfg.WindowEnd = config.Clock{Hour: 6}
	if !d.inWindow(at(23)) || !d.inWindow(at(5)) || d.inWindow(at(12)) {
		t.Error("midnight-wrapping window misjudged")
	}
}

func TestPickLinePrefersLeastLoaded(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(c *Config) {
		c.Lines = []string{"1111", "2222", "3333"}
		c.MaxConcurrentCalls = 5
	})
	d := env.dialer
	now := time.Now()

	d.mu.Lock()
	d.stats["1111"].outbound = 2
	d.stats["2222"].outbound = 1
	d.stats["3333"].outbound = 1
	d.stats["3333"].attempts = []time.Time{now, now}
	line, ok := d.pickLine(now)
	d.mu.Unlock()

	if !ok || line != "2222" {
		t.Fatalf("picked %q, want the line with fewest active and attempts", line)
	}
}

func TestPickLineSkipsCapsAndWaitingInbound(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(c *Config) {
		c.Lines = []string{"1111", "2222"}
		c.MaxConcurrentCalls = 2
		c.PerDay = 3
	})
	d := env.dialer
	now := time.Now()

	d.mu.Lock()
	d.stats["1111"].waitingInbound = 1
	d.stats["2222"].daily = 3
	_, ok := d.pickLine(now)
	d.mu.Unlock()
	if ok {
		t.Fatal("picked a line that should be blocked")
	}

	d.mu.Lock()
	d.stats["2222"].daily = 2
	line, ok := d.pickLine(now)
	d.mu.Unlock()
	if !ok || line != "2222" {
		t.Fatalf("picked %q, want 2222", line)
	}
}

func TestRollingWindowExpires(t *testing.T) {
	t.Parallel()

	st := &lineStats{attempts: []time.Time{
		time.Now().Add(-2 * time.Minute),
		time.Now().Add(-30 * time.Second),
	}}
	if got := st.rolling(time.Now()); got != 1 {
		t.Fatalf("rolling = %d, want 1", got)
	}
	if len(st.attempts) != 1 {
		t.Fatalf("stale attempts not pruned: %d", len(st.attempts))
	}
}

func TestPollPanelDisallowBacksOff(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.panel.Batches = []panel.BatchResponse{
		{CallAllowed: false, RetryAfterSeconds: 120},
	}

	env.dialer.pollPanel(context.Background(), 5)

	env.dialer.mu.Lock()
	defer env.dialer.mu.Unlock()
	until := time.Until(env.dialer.nextPoll)
	if until < 110*time.Second || until > 120*time.Second {
		t.Fatalf("next poll in %v, want about two minutes", until)
	}
}

func TestPollPanelAppliesBatch(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.panel.Batches = []panel.BatchResponse{{
		CallAllowed: true,
		BatchID:     "b-7",
		Numbers: []panel.Number{
			{ID: 1, PhoneNumber: "09121111111"},
			{ID: 2, PhoneNumber: "09122222222"},
		},
		Agents:        []panel.Agent{{ID: 5, PhoneNumber: "09120000005"}},
		InboundAgents: []panel.Agent{{ID: 6, PhoneNumber: "09120000006"}},
		OutboundLines: []string{"02191302954", "02191302955"},
	}}

	env.dialer.pollPanel(context.Background(), 5)

	env.dialer.mu.Lock()
	if len(env.dialer.queue) != 2 || env.dialer.queue[0].BatchID != "b-7" {
		t.Fatalf("queue = %+v", env.dialer.queue)
	}
	if len(env.dialer.lines) != 2 {
		t.Fatalf("lines = %v", env.dialer.lines)
	}
	env.dialer.mu.Unlock()

	env.agents.mu.Lock()
	defer env.agents.mu.Unlock()
	if len(env.agents.inbound) != 1 || env.agents.inbound[0].Phone != "09120000006" {
		t.Errorf("inbound roster = %+v", env.agents.inbound)
	}
	// Without a dedicated outbound roster the shared one applies.
	if len(env.agents.outbound) != 1 || env.agents.outbound[0].Phone != "09120000005" {
		t.Errorf("outbound roster = %+v", env.agents.outbound)
	}
}

func TestAvailableCapacitySizesBatch(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(c *Config) {
		c.Lines = []string{"1111", "2222"}
		c.MaxConcurrentCalls = 3
		c.BatchSize = 10
	})
	d := env.dialer
	now := time.Now()

	d.mu.Lock()
	d.stats["1111"].outbound = 2
	got := d.availableCapacity(now)
	d.mu.Unlock()
	if got != 4 {
		t.Fatalf("capacity = %d, want 4", got)
	}

	d.cfg.BatchSize = 3
	d.mu.Lock()
	got = d.availableCapacity(now)
	d.mu.Unlock()
	if got != 3 {
		t.Fatalf("capacity = %d, want the batch cap", got)
	}
}

func TestInboundRegistrationSharesCapacity(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(c *Config) {
		c.MaxConcurrentCalls = 1
	})
	d := env.dialer
	line := "02191302954"

	if !d.RegisterInboundSession("in-1", line) {
		t.Fatal("first inbound rejected on an idle line")
	}
	if d.RegisterInboundSession("in-2", line) {
		t.Fatal("second inbound admitted past the concurrency cap")
	}

	d.mu.Lock()
	waiting := d.stats[line].waitingInbound
	d.mu.Unlock()
	if waiting != 1 {
		t.Fatalf("waitingInbound = %d", waiting)
	}

	// The waiting flag blocks outbound picks until a slot opens.
	d.mu.Lock()
	_, ok := d.pickLine(time.Now())
	d.mu.Unlock()
	if ok {
		t.Fatal("line picked while inbound waits")
	}

	d.OnSessionCompleted("in-1")
	if !d.TryRegisterWaitingInbound("in-2", line) {
		t.Fatal("deferred inbound not admitted after a slot opened")
	}
	d.mu.Lock()
	st := d.stats[line]
	if st.waitingInbound != 0 || st.inbound != 1 {
		t.Fatalf("stats = %+v", *st)
	}
	d.mu.Unlock()
}

func TestCancelWaitingInbound(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(c *Config) { c.MaxConcurrentCalls = 1 })
	d := env.dialer
	line := "02191302954"

	d.RegisterInboundSession("in-1", line)
	d.RegisterInboundSession("in-2", line)
	d.CancelWaitingInbound(line)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stats[line].waitingInbound != 0 {
		t.Fatalf("waitingInbound = %d", d.stats[line].waitingInbound)
	}
}

func TestOnSessionCompletedIsIdempotent(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	d := env.dialer
	line := "02191302954"

	d.mu.Lock()
	d.stats[line].outbound = 1
	d.sessionLine["s-1"] = line
	d.mu.Unlock()

	d.OnSessionCompleted("s-1")
	d.OnSessionCompleted("s-1")

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stats[line].outbound != 0 {
		t.Fatalf("outbound = %d", d.stats[line].outbound)
	}
}

func TestReserveOperatorLineWaitsForCapacity(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(c *Config) { c.MaxConcurrentCalls = 1 })
	d := env.dialer
	line := "02191302954"

	d.mu.Lock()
	d.stats[line].outbound = 1
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, ok := d.ReserveOperatorLine(ctx); ok {
		t.Fatal("reserved a saturated line")
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		d.ReleaseLine(line)
	}()
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	got, ok := d.ReserveOperatorLine(ctx2)
	if !ok || got != line {
		t.Fatalf("reserve = %q, %v", got, ok)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.stats[line]
	if st.outbound != 1 || st.daily != 1 || len(st.attempts) != 1 {
		t.Fatalf("reservation not accounted: %+v", *st)
	}
}

func failedOutcome(id int64, result string) flow.Outcome {
	return flow.Outcome{
		Result:      result,
		NumberID:    id,
		PhoneNumber: "09120000001",
		BatchID:     "batch-9",
		AttemptedAt: time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC),
	}
}

func TestFailureStreakPausesAndAlerts(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(c *Config) { c.FailAlertThreshold = 3 })
	d := env.dialer

	d.OnResult(failedOutcome(101, "failed:originate"))
	d.OnResult(failedOutcome(102, "failed:hangup"))
	if paused, _ := d.Paused(); paused {
		t.Fatal("paused below the threshold")
	}
	d.OnResult(failedOutcome(103, "failed:operator_failed"))

	paused, reason := d.Paused()
	if !paused || reason != "consecutive_failures" {
		t.Fatalf("paused = %v reason = %q", paused, reason)
	}
	if env.sms.SendCallCount() != 1 {
		t.Errorf("alert SMS calls = %d", env.sms.SendCallCount())
	}

	if got := env.panel.ReportCount(); got != 1 {
		t.Fatalf("pause reports = %d", got)
	}
	r, _ := env.panel.LastReport()
	if r.CallAllowed == nil || *r.CallAllowed {
		t.Error("pause report must carry call_allowed=false")
	}
	// The report identifies the contact whose failure tripped the pause.
	if r.NumberID != 103 || r.BatchID != "batch-9" || r.PhoneNumber == "" {
		t.Errorf("pause report contact = %+v", r)
	}
	if r.Reason != "failed:operator_failed" {
		t.Errorf("pause report reason = %q", r.Reason)
	}
	if r.AttemptedAt.IsZero() {
		t.Error("pause report attempted_at not set")
	}
}

func TestNonFailedResultResetsStreak(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(c *Config) { c.FailAlertThreshold = 2 })
	d := env.dialer

	d.OnResult(failedOutcome(101, "failed:originate"))
	d.OnResult(failedOutcome(102, "hangup"))
	d.OnResult(failedOutcome(103, "failed:originate"))
	if paused, _ := d.Paused(); paused {
		t.Fatal("paused although the streak was broken")
	}
}

func TestContactlessFailureDoesNotCountTowardStreak(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(c *Config) { c.FailAlertThreshold = 2 })
	d := env.dialer

	// Failures without a panel number id prove nothing about the batch
	// and break an existing streak.
	d.OnResult(failedOutcome(101, "failed:originate"))
	d.OnResult(flow.Outcome{Result: "failed:hangup"})
	d.OnResult(flow.Outcome{Result: "failed:hangup"})
	if paused, _ := d.Paused(); paused {
		t.Fatal("paused on contactless failures")
	}
	d.OnResult(failedOutcome(102, "failed:originate"))
	if paused, _ := d.Paused(); paused {
		t.Fatal("contactless failures should have reset the streak")
	}
	if got := env.panel.ReportCount(); got != 0 {
		t.Errorf("pause reports = %d, want 0", got)
	}
}

func TestForceFailureThresholdPausesImmediately(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	d := env.dialer

	d.ForceFailureThreshold(context.Background(), "vira_quota")

	paused, reason := d.Paused()
	if !paused || reason != "vira_quota" {
		t.Fatalf("paused = %v reason = %q", paused, reason)
	}
	if env.sms.SendCallCount() != 1 {
		t.Errorf("alert SMS calls = %d", env.sms.SendCallCount())
	}
	// With no triggering contact there is nothing to report.
	if got := env.panel.ReportCount(); got != 0 {
		t.Errorf("pause reports = %d, want 0", got)
	}
}

func TestPanelAllowClearsFailurePause(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.panel.Batches = []panel.BatchResponse{{CallAllowed: true}}
	d := env.dialer
	d.ForceFailureThreshold(context.Background(), "consecutive_failures")
	if paused, _ := d.Paused(); !paused {
		t.Fatal("not paused")
	}

	// Next poll due immediately; the allowing response lifts the pause.
	d.mu.Lock()
	d.nextPoll = time.Time{}
	d.mu.Unlock()
	d.tick(context.Background())

	if paused, _ := d.Paused(); paused {
		t.Fatal("still paused after the panel re-allowed dialing")
	}
}

func TestResumeClearsPause(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	d := env.dialer
	d.ForceFailureThreshold(context.Background(), "vira_quota")

	d.Resume()

	if paused, _ := d.Paused(); paused {
		t.Fatal("still paused after resume")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failureStreak != 0 {
		t.Fatalf("streak = %d", d.failureStreak)
	}
}

func TestSweepMissedWritesOffSilentSession(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	s := env.sessions.Create("s-1")
	s.SetStatus(session.StatusRinging)

	env.dialer.sweepMissed(context.Background(), "s-1")

	if got := s.Result(); got != "missed" {
		t.Fatalf("result = %q, want missed", got)
	}
	env.sessions.mu.Lock()
	defer env.sessions.mu.Unlock()
	if len(env.sessions.cleaned) != 1 {
		t.Fatal("session not cleaned up")
	}
}

func TestSweepMissedLeavesProgressedSessions(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	active := env.sessions.Create("s-active")
	active.SetStatus(session.StatusActive)
	env.dialer.sweepMissed(context.Background(), "s-active")
	if active.Result() != "" {
		t.Fatalf("active session result = %q", active.Result())
	}

	resolved := env.sessions.Create("s-busy")
	resolved.SetStatus(session.StatusFailed)
	resolved.SetResult("busy", true)
	env.dialer.sweepMissed(context.Background(), "s-busy")
	if got := resolved.Result(); got != "busy" {
		t.Fatalf("resolved session result = %q", got)
	}
	env.sessions.mu.Lock()
	defer env.sessions.mu.Unlock()
	if len(env.sessions.cleaned) != 0 {
		t.Fatalf("cleaned = %v", env.sessions.cleaned)
	}
}

func TestDailyRollover(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	d := env.dialer

	d.mu.Lock()
	d.stats["02191302954"].daily = 40
	d.dayKey = "2026-08-24"
	d.rolloverLocked(time.Date(2026, 8, 25, 0, 1, 0, 0, time.Local))
	daily := d.stats["02191302954"].daily
	d.mu.Unlock()

	if daily != 0 {
		t.Fatalf("daily = %d after rollover", daily)
	}
}

func TestStaticContactsSeedQueue(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(c *Config) {
		c.StaticContacts = []string{"09121111111", " 09122222222 ", ""}
	})
	if got := env.dialer.QueueLen(); got != 2 {
		t.Fatalf("queue len = %d, want 2", got)
	}
}

func TestEndpointComposition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		line, number, want string
	}{
		{"02191302954", "09121234567", "PJSIP/295409121234567@TR"},
		{"954", "0912", "PJSIP/9540912@TR"},
		{"02191302954", "+98 912 123 4567", "PJSIP/2954" + session.NormalizeNumber("+98 912 123 4567") + "@TR"},
	}
	for _, tc := range tests {
		if got := endpoint(tc.line, tc.number, "TR"); got != tc.want {
			t.Errorf("endpoint(%q, %q) = %q, want %q", tc.line, tc.number, got, tc.want)
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.dialer.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("dialer did not stop")
	}
}

func TestPollSizeMatchesCapacity(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(c *Config) {
		c.MaxConcurrentCalls = 2
		c.BatchSize = 50
	})
	env.dialer.tick(context.Background())

	if len(env.panel.BatchSizes) != 1 || env.panel.BatchSizes[0] != 2 {
		t.Fatalf("poll sizes = %v, want one poll for 2", env.panel.BatchSizes)
	}
}

func TestQuotaReasonReachesSMS(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.dialer.ForceFailureThreshold(context.Background(), "llm_quota")

	if len(env.sms.SendCalls) != 1 {
		t.Fatalf("sms calls = %d", len(env.sms.SendCalls))
	}
	call := env.sms.SendCalls[0]
	if len(call.To) != 1 || call.To[0] != "09121110000" {
		t.Errorf("recipients = %v", call.To)
	}
	if !strings.Contains(call.Text, "llm_quota") {
		t.Errorf("alert text = %q", call.Text)
	}
}

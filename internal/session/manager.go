package session

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/sedaflow/sedaflow/internal/observe"
	"github.com/sedaflow/sedaflow/pkg/ari"
)

// Handler receives session lifecycle callbacks. Implemented by the flow
// engine and attached after construction.
type Handler interface {
	OnInboundChannelCreated(ctx context.Context, s *Session)
	OnOutboundChannelCreated(ctx context.Context, s *Session)
	OnCallAnswered(ctx context.Context, s *Session, leg *CallLeg)
	OnCallFailed(ctx context.Context, s *Session, leg *CallLeg)
	OnCallHangup(ctx context.Context, s *Session, leg *CallLeg)
	OnCallFinished(ctx context.Context, s *Session)
	OnPlaybackFinished(ctx context.Context, s *Session, playbackID string)
	OnRecordingFinished(ctx context.Context, s *Session, name string)
	OnRecordingFailed(ctx context.Context, s *Session, name string)
}

// DialerControl is the slice of the dialer the manager drives: inbound line
// accounting and completion notification.
type DialerControl interface {
	// RegisterInboundSession reserves a slot on line. A false return means
	// the line is saturated and the session was counted as waiting.
	RegisterInboundSession(sessionID, line string) bool

	// TryRegisterWaitingInbound promotes one waiting session onto line if
	// capacity is available.
	TryRegisterWaitingInbound(sessionID, line string) bool

	// CancelWaitingInbound drops one waiting reservation for line.
	CancelWaitingInbound(line string)

	// OnSessionCompleted releases whatever slot the session occupied.
	OnSessionCompleted(sessionID string)
}

// Config carries the slice of the runtime configuration the manager needs.
type Config struct {
	// Lines are the configured outbound trunk numbers; inbound calls are
	// matched against them to find which line they arrived on.
	Lines []string

	// MaxInbound, when positive, additionally caps simultaneously accepted
	// inbound sessions across all lines.
	MaxInbound int
}

// Manager owns the session table and its channel/playback/recording indices
// and routes PBX events to the attached Handler. The table lock is never
// held across I/O.
type Manager struct {
	ctrl    ari.Control
	cfg     Config
	metrics *observe.Metrics

	handler Handler
	dialer  DialerControl

	mu            sync.RWMutex
	sessions      map[string]*Session
	byChannel     map[string]*Session
	byPlayback    map[string]*Session
	byRecording   map[string]*Session
	spans         map[string]trace.Span // per-session call span, ended on purge
	waiting       map[string][]*Session // per-line FIFO of unaccepted inbound
	inboundActive int
}

// NewManager creates an empty session manager.
func NewManager(ctrl ari.Control, cfg Config, metrics *observe.Metrics) *Manager {
	return &Manager{
		ctrl:        ctrl,
		cfg:         cfg,
		metrics:     metrics,
		sessions:    make(map[string]*Session),
		byChannel:   make(map[string]*Session),
		byPlayback:  make(map[string]*Session),
		byRecording: make(map[string]*Session),
		spans:       make(map[string]trace.Span),
		waiting:     make(map[string][]*Session),
	}
}

// AttachHandler wires the flow engine in. Must happen before the event
// stream starts.
func (m *Manager) AttachHandler(h Handler) { m.handler = h }

// AttachDialer wires the dialer in. Must happen before the event stream
// starts.
func (m *Manager) AttachDialer(d DialerControl) { m.dialer = d }

// Create registers a new session under the given id. The dialer calls this
// before originating so the StasisStart of the new channel finds its
// session.
func (m *Manager) Create(id string) *Session {
	s := New(id)
	_, span := observe.StartCallSpan(context.Background(), id)
	m.mu.Lock()
	m.sessions[id] = s
	m.spans[id] = span
	m.mu.Unlock()
	m.metrics.SessionStarted()
	return s
}

// spanContext re-attaches the session's call span so spans started and
// logs written downstream carry its trace id.
func (m *Manager) spanContext(ctx context.Context, id string) context.Context {
	m.mu.RLock()
	span, ok := m.spans[id]
	m.mu.RUnlock()
	if !ok {
		return ctx
	}
	return trace.ContextWithSpan(ctx, span)
}

// Get returns the session with the given id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// IndexChannel maps a channel id to its session.
func (m *Manager) IndexChannel(channelID string, s *Session) {
	m.mu.Lock()
	m.byChannel[channelID] = s
	m.mu.Unlock()
}

// IndexPlayback maps a playback id to its session. The flow engine calls
// this when it starts a playback it wants resumed.
func (m *Manager) IndexPlayback(playbackID string, s *Session) {
	m.mu.Lock()
	m.byPlayback[playbackID] = s
	m.mu.Unlock()
}

// IndexRecording maps a recording name to its session.
func (m *Manager) IndexRecording(name string, s *Session) {
	m.mu.Lock()
	m.byRecording[name] = s
	m.mu.Unlock()
}

func (m *Manager) sessionByChannel(channelID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byChannel[channelID]
	return s, ok
}

// HandleEvent is the ari.Handler for the application event stream. Events
// belonging to one session arrive and are processed in order.
func (m *Manager) HandleEvent(ctx context.Context, ev ari.Event) {
	switch ev.Type {
	case ari.EventStasisStart:
		m.handleStasisStart(ctx, &ev)
	case ari.EventChannelStateChange:
		m.handleStateChange(ctx, &ev)
	case ari.EventChannelHangupRequest:
		m.handleHangupRequest(ctx, &ev)
	case ari.EventChannelDestroyed, ari.EventStasisEnd:
		m.handleChannelGone(ctx, &ev)
	case ari.EventPlaybackStarted:
		m.handlePlaybackStarted(&ev)
	case ari.EventPlaybackFinished:
		m.handlePlaybackFinished(ctx, &ev)
	case ari.EventRecordingFinished:
		m.handleRecording(ctx, &ev, false)
	case ari.EventRecordingFailed:
		m.handleRecording(ctx, &ev, true)
	case ari.EventDial:
		slog.Debug("dial progress", "channel_id", ev.ChannelID(), "dialstatus", ev.DialStatus)
	}
}

// handleStasisStart routes a channel entering the application. The first
// Stasis arg decides the role: "outbound" and "operator" legs attach to a
// pre-created session, anything else is a fresh inbound call.
func (m *Manager) handleStasisStart(ctx context.Context, ev *ari.Event) {
	if ev.Channel == nil {
		return
	}
	role := ""
	if len(ev.Args) > 0 {
		role = ev.Args[0]
	}
	switch role {
	case "outbound":
		m.attachOutbound(ctx, ev)
	case "operator":
		m.attachOperator(ctx, ev)
	default:
		m.acceptInboundArrival(ctx, ev)
	}
}

func (m *Manager) attachOutbound(ctx context.Context, ev *ari.Event) {
	if len(ev.Args) < 2 {
		slog.Warn("outbound StasisStart without session id", "channel_id", ev.Channel.ID)
		return
	}
	sid := ev.Args[1]
	s, ok := m.Get(sid)
	if !ok {
		slog.Warn("outbound channel for unknown session, hanging up",
			"session_id", sid, "channel_id", ev.Channel.ID)
		m.hangupQuiet(ctx, ev.Channel.ID)
		return
	}
	s.SetLeg(&CallLeg{
		ChannelID: ev.Channel.ID,
		Direction: DirOutbound,
		Endpoint:  s.Meta(MetaContact),
		State:     LegCreated,
	})
	m.IndexChannel(ev.Channel.ID, s)
	ctx = m.spanContext(ctx, s.ID)
	m.ensureBridge(ctx, s, ev.Channel.ID)
	if m.handler != nil {
		m.handler.OnOutboundChannelCreated(ctx, s)
	}
}

func (m *Manager) attachOperator(ctx context.Context, ev *ari.Event) {
	if len(ev.Args) < 2 {
		slog.Warn("operator StasisStart without session id", "channel_id", ev.Channel.ID)
		m.hangupQuiet(ctx, ev.Channel.ID)
		return
	}
	sid := ev.Args[1]
	endpoint := ""
	if len(ev.Args) > 2 {
		endpoint = ev.Args[2]
	}
	s, ok := m.Get(sid)
	if !ok {
		// The customer is already gone; don't ring an operator into a
		// dead call.
		slog.Info("operator leg for finished session, hanging up",
			"session_id", sid, "channel_id", ev.Channel.ID)
		m.hangupQuiet(ctx, ev.Channel.ID)
		return
	}
	s.SetLeg(&CallLeg{
		ChannelID: ev.Channel.ID,
		Direction: DirOperator,
		Endpoint:  endpoint,
		State:     LegCreated,
	})
	m.IndexChannel(ev.Channel.ID, s)
	m.ensureBridge(ctx, s, ev.Channel.ID)
}

// acceptInboundArrival mints a session for an inbound channel, resolves
// which trunk line it arrived on and either accepts it or parks it on the
// line's waiting queue.
func (m *Manager) acceptInboundArrival(ctx context.Context, ev *ari.Event) {
	ch := ev.Channel
	s := m.Create(ch.ID)
	s.SetLeg(&CallLeg{
		ChannelID: ch.ID,
		Direction: DirInbound,
		Endpoint:  ch.Caller.Number,
		State:     LegCreated,
	})
	s.SetMeta(MetaContact, NormalizeNumber(ch.Caller.Number))
	m.IndexChannel(ch.ID, s)

	line, resolved := ResolveLine(m.cfg.Lines, ch.Dialplan.Exten, ch.Connected.Number)
	if resolved {
		s.SetMeta(MetaInboundLine, line)
	}

	if resolved && !m.reserveInbound(s, line) {
		// Saturated: leave the channel ringing, unanswered, queued.
		slog.Info("inbound call queued, line saturated",
			"session_id", s.ID, "line", line, "caller", s.Meta(MetaContact))
		m.metrics.InboundCall(false)
		return
	}
	m.acceptInbound(ctx, s)
}

// reserveInbound claims capacity for an inbound session, or queues it.
// Returns true when the session may proceed.
func (m *Manager) reserveInbound(s *Session, line string) bool {
	m.mu.Lock()
	overCap := m.cfg.MaxInbound > 0 && m.inboundActive >= m.cfg.MaxInbound
	m.mu.Unlock()

	granted := false
	if !overCap && m.dialer != nil {
		granted = m.dialer.RegisterInboundSession(s.ID, line)
	} else if !overCap {
		granted = true
	}
	if granted {
		return true
	}
	m.mu.Lock()
	m.waiting[line] = append(m.waiting[line], s)
	m.mu.Unlock()
	return false
}

// acceptInbound answers the channel, refines the contact number from SIP
// headers and starts the inbound flow.
func (m *Manager) acceptInbound(ctx context.Context, s *Session) {
	leg := s.Leg(DirInbound)
	if leg == nil {
		return
	}
	ctx = m.spanContext(ctx, s.ID)
	m.mu.Lock()
	m.inboundActive++
	m.mu.Unlock()
	if err := m.ctrl.AnswerChannel(ctx, leg.ChannelID); err != nil {
		observe.Logger(ctx).Warn("answering inbound channel failed", "session_id", s.ID, "error", err)
		m.Cleanup(ctx, s.ID)
		return
	}
	m.refineContact(ctx, s, leg.ChannelID)
	m.ensureBridge(ctx, s, leg.ChannelID)
	m.metrics.InboundCall(true)
	if m.handler != nil {
		m.handler.OnInboundChannelCreated(ctx, s)
	}
}

// refineContact reads forwarding headers off the channel to recover the real
// caller number when the trunk rewrites the caller id.
func (m *Manager) refineContact(ctx context.Context, s *Session, channelID string) {
	for _, header := range []string{"Diversion", "P-Asserted-Identity"} {
		v, err := m.ctrl.GetChannelVariable(ctx, channelID, "PJSIP_HEADER(read,"+header+")")
		if err != nil || v == "" {
			continue
		}
		if refined := BetterContact(s.Meta(MetaContact), v); refined != s.Meta(MetaContact) {
			observe.Logger(ctx).Debug("contact refined from header",
				"session_id", s.ID, "header", header, "contact", refined)
			s.SetMeta(MetaContact, refined)
		}
	}
}

func (m *Manager) handleStateChange(ctx context.Context, ev *ari.Event) {
	s, ok := m.sessionByChannel(ev.ChannelID())
	if !ok {
		return
	}
	leg := s.LegByChannel(ev.ChannelID())
	if leg == nil {
		return
	}
	ctx = m.spanContext(ctx, s.ID)
	switch ev.Channel.State {
	case ari.ChannelStateUp:
		s.SetLegState(leg.ChannelID, LegAnswered)
		s.SetStatus(StatusActive)
		if m.handler != nil {
			m.handler.OnCallAnswered(ctx, s, leg)
		}
	case ari.ChannelStateRinging:
		s.SetLegState(leg.ChannelID, LegRinging)
		if s.Status() == StatusInitiating {
			s.SetStatus(StatusRinging)
		}
	case ari.ChannelStateBusy, ari.ChannelStateFailed:
		s.SetLegState(leg.ChannelID, LegFailed)
		if m.handler != nil {
			m.handler.OnCallFailed(ctx, s, leg)
		}
	}
}

// busyCauses are hangup causes meaning busy, congestion or unreachable.
// They pre-notify OnCallFailed so the cause-driven classification runs even
// though the PBX reports them as plain hangups.
var busyCauses = map[int]bool{
	17: true, 18: true, 19: true, 20: true,
	21: true, 34: true, 41: true, 42: true,
}

func busyLike(cause int, causeTxt string) bool {
	if busyCauses[cause] {
		return true
	}
	t := strings.ToLower(causeTxt)
	return strings.Contains(t, "busy") ||
		strings.Contains(t, "congestion") ||
		strings.Contains(t, "unavailable")
}

func (m *Manager) handleHangupRequest(ctx context.Context, ev *ari.Event) {
	s, ok := m.sessionByChannel(ev.ChannelID())
	if !ok {
		return
	}
	if m.dropWaiting(s) {
		m.purge(s)
		return
	}
	ctx = m.spanContext(ctx, s.ID)
	leg := s.LegByChannel(ev.ChannelID())
	if leg == nil {
		return
	}
	s.SetLegState(leg.ChannelID, LegHungup)
	if leg.Direction == DirOperator {
		s.SetMeta(MetaOperatorHangupCause, strconv.Itoa(ev.Cause))
		s.SetMeta(MetaOperatorHangupCauseTxt, ev.CauseTxt)
	} else {
		s.SetMeta(MetaHangupCause, strconv.Itoa(ev.Cause))
		s.SetMeta(MetaHangupCauseTxt, ev.CauseTxt)
	}

	if m.handler != nil {
		if busyLike(ev.Cause, ev.CauseTxt) {
			m.handler.OnCallFailed(ctx, s, leg)
		}
		m.handler.OnCallHangup(ctx, s, leg)
	}

	// An operator leg dropping does not end the session while the
	// customer is still up; the flow decides whether to retry another
	// agent.
	if leg.Direction != DirOperator || len(s.LiveLegs()) == 0 {
		m.Cleanup(ctx, s.ID)
	}
}

func (m *Manager) handleChannelGone(ctx context.Context, ev *ari.Event) {
	s, ok := m.sessionByChannel(ev.ChannelID())
	if !ok {
		return
	}
	if m.dropWaiting(s) {
		m.purge(s)
		return
	}
	leg := s.LegByChannel(ev.ChannelID())
	if leg != nil && leg.live() {
		s.SetLegState(leg.ChannelID, LegHungup)
		if ev.Cause != 0 && leg.Direction != DirOperator && !s.HasMeta(MetaHangupCause) {
			s.SetMeta(MetaHangupCause, strconv.Itoa(ev.Cause))
			s.SetMeta(MetaHangupCauseTxt, ev.CauseTxt)
		}
	}
	if leg != nil && leg.Direction == DirOperator && len(s.LiveLegs()) > 0 {
		m.unindexChannel(ev.ChannelID())
		return
	}
	m.Cleanup(ctx, s.ID)
}

// dropWaiting removes s from its line's waiting queue if it never got
// accepted. Returns true when s was a waiter.
func (m *Manager) dropWaiting(s *Session) bool {
	line := s.Meta(MetaInboundLine)
	m.mu.Lock()
	q := m.waiting[line]
	for i, w := range q {
		if w.ID == s.ID {
			m.waiting[line] = append(q[:i:i], q[i+1:]...)
			m.mu.Unlock()
			if m.dialer != nil {
				m.dialer.CancelWaitingInbound(line)
			}
			slog.Info("queued inbound caller gave up", "session_id", s.ID, "line", line)
			return true
		}
	}
	m.mu.Unlock()
	return false
}

func (m *Manager) handlePlaybackStarted(ev *ari.Event) {
	if ev.Playback == nil {
		return
	}
	// Lazy registration: the flow indexes playbacks it starts, but a
	// racing event can arrive first. Resolve through the target channel.
	m.mu.RLock()
	_, known := m.byPlayback[ev.Playback.ID]
	m.mu.RUnlock()
	if known {
		return
	}
	if ch := ev.Playback.TargetChannelID(); ch != "" {
		if s, ok := m.sessionByChannel(ch); ok {
			m.IndexPlayback(ev.Playback.ID, s)
		}
	}
}

func (m *Manager) handlePlaybackFinished(ctx context.Context, ev *ari.Event) {
	if ev.Playback == nil {
		return
	}
	m.mu.Lock()
	s, ok := m.byPlayback[ev.Playback.ID]
	delete(m.byPlayback, ev.Playback.ID)
	m.mu.Unlock()
	if !ok || m.handler == nil {
		return
	}
	m.handler.OnPlaybackFinished(m.spanContext(ctx, s.ID), s, ev.Playback.ID)
}

func (m *Manager) handleRecording(ctx context.Context, ev *ari.Event, failed bool) {
	if ev.Recording == nil {
		return
	}
	name := ev.Recording.Name
	m.mu.RLock()
	s, ok := m.byRecording[name]
	m.mu.RUnlock()
	if !ok {
		// Recording names are prefixed with the session id.
		if sid, _, found := strings.Cut(name, "_"); found {
			s, ok = m.Get(sid)
		}
	}
	if !ok || m.handler == nil {
		return
	}
	// Recording completion leads into transcription, which is slow
	// provider I/O; keep it off the event-stream goroutine.
	ctx = m.spanContext(ctx, s.ID)
	if failed {
		go m.handler.OnRecordingFailed(context.WithoutCancel(ctx), s, name)
		return
	}
	go m.handler.OnRecordingFinished(context.WithoutCancel(ctx), s, name)
}

// ensureBridge creates the session bridge on first use and joins the
// channel to it.
func (m *Manager) ensureBridge(ctx context.Context, s *Session, channelID string) {
	b := s.Bridge()
	if b == nil {
		id, err := m.ctrl.CreateBridge(ctx, s.ID, "mixing")
		if err != nil {
			slog.Warn("bridge create failed", "session_id", s.ID, "error", err)
			return
		}
		b = &Bridge{ID: id}
		s.SetBridge(b)
	}
	if err := m.ctrl.AddChannelToBridge(ctx, b.ID, channelID, ""); err != nil {
		slog.Warn("bridge join failed",
			"session_id", s.ID, "bridge_id", b.ID, "channel_id", channelID, "error", err)
		return
	}
	s.AddBridgeChannel(channelID)
}

// Cleanup tears a session down. Idempotent: the first caller wins, every
// later call is a no-op.
//
// Order matters: the finish report runs before legs are hung up so the flow
// can still read live-leg state, and waiting-inbound promotion runs last so
// the freed slot is actually free.
func (m *Manager) Cleanup(ctx context.Context, id string) {
	s, ok := m.Get(id)
	if !ok {
		return
	}
	if !s.SetMetaOnce(MetaCleanupDone) {
		return
	}
	ctx = m.spanContext(ctx, id)

	if m.handler != nil && s.SetMetaOnce(MetaFinishedReported) {
		m.handler.OnCallFinished(ctx, s)
	}

	for _, leg := range s.LiveLegs() {
		m.hangupQuiet(ctx, leg.ChannelID)
		s.SetLegState(leg.ChannelID, LegHungup)
	}

	if s.Status() != StatusFailed {
		s.SetStatus(StatusCompleted)
	}

	wasInbound := s.Leg(DirInbound) != nil
	line := s.Meta(MetaInboundLine)
	m.purge(s)

	if b := s.Bridge(); b != nil {
		if err := m.ctrl.DeleteBridge(ctx, b.ID); err != nil && !ari.IsNotFound(err) {
			slog.Warn("bridge delete failed", "session_id", s.ID, "bridge_id", b.ID, "error", err)
		}
	}

	if m.dialer != nil {
		m.dialer.OnSessionCompleted(s.ID)
	}
	if wasInbound {
		m.mu.Lock()
		if m.inboundActive > 0 {
			m.inboundActive--
		}
		m.mu.Unlock()
	}
	if line != "" {
		m.promoteWaiting(ctx, line)
	}
}

// purge removes the session and every index entry pointing at it, and
// closes its call span.
func (m *Manager) purge(s *Session) {
	direction := "outbound"
	if s.Leg(DirInbound) != nil {
		direction = "inbound"
	}
	m.mu.Lock()
	if span, ok := m.spans[s.ID]; ok {
		delete(m.spans, s.ID)
		observe.EndCallSpan(span, direction, s.Result())
	}
	delete(m.sessions, s.ID)
	for ch, owner := range m.byChannel {
		if owner == s {
			delete(m.byChannel, ch)
		}
	}
	for pb, owner := range m.byPlayback {
		if owner == s {
			delete(m.byPlayback, pb)
		}
	}
	for rec, owner := range m.byRecording {
		if owner == s {
			delete(m.byRecording, rec)
		}
	}
	m.mu.Unlock()
	m.metrics.SessionEnded()
}

// promoteWaiting accepts the longest-waiting inbound session for line if the
// dialer grants it a slot now.
func (m *Manager) promoteWaiting(ctx context.Context, line string) {
	m.mu.Lock()
	q := m.waiting[line]
	if len(q) == 0 || (m.cfg.MaxInbound > 0 && m.inboundActive >= m.cfg.MaxInbound) {
		m.mu.Unlock()
		return
	}
	next := q[0]
	m.mu.Unlock()

	if m.dialer != nil && !m.dialer.TryRegisterWaitingInbound(next.ID, line) {
		return
	}

	m.mu.Lock()
	if q := m.waiting[line]; len(q) > 0 && q[0] == next {
		m.waiting[line] = q[1:]
	}
	m.mu.Unlock()

	slog.Info("promoting queued inbound caller", "session_id", next.ID, "line", line)
	m.acceptInbound(ctx, next)
}

func (m *Manager) unindexChannel(channelID string) {
	m.mu.Lock()
	delete(m.byChannel, channelID)
	m.mu.Unlock()
}

// hangupQuiet hangs up a channel, treating 404 as already done.
func (m *Manager) hangupQuiet(ctx context.Context, channelID string) {
	if err := m.ctrl.HangupChannel(ctx, channelID, "normal"); err != nil {
		if ari.IsNotFound(err) {
			slog.Debug("channel already gone", "channel_id", channelID)
			return
		}
		slog.Warn("hangup failed", "channel_id", channelID, "error", err)
	}
}

// Package flow runs scenario step graphs over live call sessions.
//
// The engine is the session manager's Handler: channel lifecycle events
// drive it, and it drives the PBX back through ari.Control. One burst of
// step execution runs under the session's RunMu, so a playback-finished
// event and a hangup for the same call never interleave half-way through
// a step.
package flow

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sedaflow/sedaflow/internal/observe"
	"github.com/sedaflow/sedaflow/internal/scenario"
	"github.com/sedaflow/sedaflow/internal/session"
	"github.com/sedaflow/sedaflow/pkg/ari"
	"github.com/sedaflow/sedaflow/pkg/panel"
	"github.com/sedaflow/sedaflow/pkg/provider/llm"
	"github.com/sedaflow/sedaflow/pkg/provider/stt"
)

// SessionStore is the slice of the session manager the engine needs.
type SessionStore interface {
	Get(id string) (*session.Session, bool)
	Cleanup(ctx context.Context, id string)
	IndexPlayback(playbackID string, s *session.Session)
	IndexRecording(name string, s *session.Session)
}

// Outcome identifies a finished call for the dialer's failure-streak
// accounting and for the pause report a streak may trigger. NumberID is
// zero for contacts the panel does not track.
type Outcome struct {
	Result      string
	NumberID    int64
	PhoneNumber string
	BatchID     string
	AttemptedAt time.Time
}

// Reservations is the dialer surface the engine drives for operator
// transfers and outcome accounting.
type Reservations interface {
	// ReserveOperatorLine claims an outbound line for an operator call,
	// polling with priority over new originations until the context is
	// done. ok is false when no line freed up in time.
	ReserveOperatorLine(ctx context.Context) (line string, ok bool)

	// ReleaseLine returns a line claimed by ReserveOperatorLine.
	ReleaseLine(line string)

	// OnResult feeds a finished call's outcome into the failure-streak
	// accounting.
	OnResult(o Outcome)

	// ForceFailureThreshold pauses dialing immediately, as if the
	// consecutive-failure threshold had been crossed, with the given
	// reason.
	ForceFailureThreshold(ctx context.Context, reason string)
}

// Reporter delivers call outcomes to the panel.
type Reporter interface {
	ReportResult(ctx context.Context, r panel.Report) error
}

// Agent is one human operator reachable by phone.
type Agent struct {
	ID    int64
	Phone string
}

// Config carries the engine's slice of the runtime configuration.
type Config struct {
	// AppName is the Stasis application operator legs are originated into.
	AppName string

	// Model names the LLM used for intent classification.
	Model string

	STTTimeout time.Duration
	LLMTimeout time.Duration

	// OperatorTimeout bounds both the line reservation poll and the
	// operator leg's ring time.
	OperatorTimeout time.Duration

	// OperatorEndpoint, when set, is dialed verbatim for operator calls
	// when no agent roster is available.
	OperatorEndpoint string

	// OperatorExtension builds the fallback endpoint
	// PJSIP/<extension>@<trunk> when OperatorEndpoint is empty.
	OperatorExtension string
	OperatorTrunk     string
	OperatorCallerID  string

	// StaticAgents seeds both rosters with mobile numbers from the config
	// file; the panel's per-poll rosters replace them when enabled.
	StaticAgents []string

	// UsePanelAgents lets the dialer overwrite the rosters from panel
	// polls.
	UsePanelAgents bool
}

// Engine interprets scenario flows. It is the session manager's Handler.
type Engine struct {
	ctrl     ari.Control
	stt      stt.Provider
	llm      llm.Provider
	reporter Reporter
	registry *scenario.Registry
	store    SessionStore
	metrics  *observe.Metrics
	cfg      Config

	dialer Reservations

	mu             sync.Mutex
	inboundAgents  []Agent
	outboundAgents []Agent
	busyAgents     map[string]bool
	cursors        map[string]int
}

// Deps bundles the engine's collaborators. Reporter may be nil when no
// panel is configured; Reservations is attached later to break the
// construction cycle with the dialer.
type Deps struct {
	Control  ari.Control
	STT      stt.Provider
	LLM      llm.Provider
	Reporter Reporter
	Registry *scenario.Registry
	Store    SessionStore
	Metrics  *observe.Metrics
	Config   Config
}

// NewEngine creates a flow engine. Static agents from the configuration
// seed both rosters until panel rosters take over.
func NewEngine(d Deps) *Engine {
	e := &Engine{
		ctrl:       d.Control,
		stt:        d.STT,
		llm:        d.LLM,
		reporter:   d.Reporter,
		registry:   d.Registry,
		store:      d.Store,
		metrics:    d.Metrics,
		cfg:        d.Config,
		busyAgents: make(map[string]bool),
		cursors:    make(map[string]int),
	}
	for _, phone := range d.Config.StaticAgents {
		a := Agent{Phone: phone}
		e.inboundAgents = append(e.inboundAgents, a)
		e.outboundAgents = append(e.outboundAgents, a)
	}
	return e
}

// AttachDialer wires the dialer in after construction.
func (e *Engine) AttachDialer(d Reservations) { e.dialer = d }

// SetInboundAgents replaces the inbound roster. No-op unless panel
// rosters are enabled.
func (e *Engine) SetInboundAgents(agents []Agent) {
	if !e.cfg.UsePanelAgents {
		return
	}
	e.mu.Lock()
	e.inboundAgents = agents
	e.mu.Unlock()
}

// SetOutboundAgents replaces the outbound roster. No-op unless panel
// rosters are enabled.
func (e *Engine) SetOutboundAgents(agents []Agent) {
	if !e.cfg.UsePanelAgents {
		return
	}
	e.mu.Lock()
	e.outboundAgents = agents
	e.mu.Unlock()
}

// nextAgent picks the next roster agent of the given type, round-robin,
// skipping agents currently on a call and those in exclude.
func (e *Engine) nextAgent(agentType string, exclude map[string]bool) (Agent, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	roster := e.outboundAgents
	if agentType == "inbound" {
		roster = e.inboundAgents
	}
	if len(roster) == 0 {
		return Agent{}, false
	}
	start := e.cursors[agentType] % len(roster)
	for i := range roster {
		a := roster[(start+i)%len(roster)]
		if a.Phone == "" || e.busyAgents[a.Phone] || exclude[a.Phone] {
			continue
		}
		e.cursors[agentType] = (start + i + 1) % len(roster)
		return a, true
	}
	return Agent{}, false
}

// markAgentBusy claims an agent for the duration of an operator attempt.
func (e *Engine) markAgentBusy(phone string) {
	if phone == "" {
		return
	}
	e.mu.Lock()
	e.busyAgents[phone] = true
	e.mu.Unlock()
}

// freeAgent returns an agent to the pool.
func (e *Engine) freeAgent(phone string) {
	if phone == "" {
		return
	}
	e.mu.Lock()
	delete(e.busyAgents, phone)
	e.mu.Unlock()
}

// scenarioFor resolves the session's scenario from its metadata.
func (e *Engine) scenarioFor(s *session.Session) (*scenario.Scenario, bool) {
	name := s.Meta(session.MetaScenario)
	if name == "" {
		return nil, false
	}
	return e.registry.Get(name)
}

// legLive reports whether a leg exists and has not hung up or failed.
func legLive(leg *session.CallLeg) bool {
	return leg != nil && leg.State != session.LegHungup && leg.State != session.LegFailed
}

// hungUp reports whether the customer side of the session is gone.
func hungUp(s *session.Session) bool {
	return s.Meta(session.MetaHungUp) != ""
}

// operatorConnected reports whether an operator answered this session.
func operatorConnected(s *session.Session) bool {
	return s.Meta(session.MetaOperatorConnected) != ""
}

// triedOperators parses the comma-separated roster of already-attempted
// operator phones from the session metadata.
func triedOperators(s *session.Session) map[string]bool {
	tried := make(map[string]bool)
	for _, p := range strings.Split(s.Meta(session.MetaOperatorTried), ",") {
		if p = strings.TrimSpace(p); p != "" {
			tried[p] = true
		}
	}
	return tried
}

// markOperatorTried appends a phone to the attempted roster.
func markOperatorTried(s *session.Session, phone string) {
	if phone == "" {
		return
	}
	cur := s.Meta(session.MetaOperatorTried)
	if cur == "" {
		s.SetMeta(session.MetaOperatorTried, phone)
		return
	}
	s.SetMeta(session.MetaOperatorTried, cur+","+phone)
}

func (e *Engine) log(s *session.Session) *slog.Logger {
	return slog.With("session_id", s.ID)
}

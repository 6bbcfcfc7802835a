package flow

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/sedaflow/sedaflow/internal/scenario"
	"github.com/sedaflow/sedaflow/internal/session"
	"github.com/sedaflow/sedaflow/pkg/ari"
)

// transferToOperator starts the operator hand-off: on-hold music for the
// customer, a line reservation from the dialer, and an originated leg to
// the next free agent. The session suspends here; operator answer or
// failure events carry it forward.
func (e *Engine) transferToOperator(ctx context.Context, s *session.Session, sc *scenario.Scenario, st *scenario.Step) {
	if hungUp(s) {
		return
	}
	// A second transfer step on the same session is a flow bug; ignore it.
	if !s.SetMetaOnce(session.MetaOperatorCallStarted) {
		e.log(s).Warn("operator transfer already in progress", "step", st.ID)
		return
	}
	agentType := st.AgentType
	if agentType == "" {
		agentType = "outbound"
	}
	s.SetMeta(session.MetaAgentType, agentType)

	e.startOnhold(ctx, s, sc)
	// The line reservation can wait the whole operator timeout; keep that
	// off the event-stream goroutine.
	go e.dialOperator(context.WithoutCancel(ctx), s, agentType, triedOperators(s))
}

// dialOperator reserves a line and originates to the next available
// agent. Each failed attempt lands back here through retryOperator with
// a grown exclusion roster.
func (e *Engine) dialOperator(ctx context.Context, s *session.Session, agentType string, tried map[string]bool) {
	if e.dialer == nil {
		e.operatorExhausted(ctx, s)
		return
	}
	agent, endpoint, ok := e.pickOperator(agentType, tried)
	if !ok {
		e.log(s).Warn("no operator available", "agent_type", agentType)
		e.operatorExhausted(ctx, s)
		return
	}

	rctx, cancel := context.WithTimeout(ctx, e.reserveTimeout())
	line, reserved := e.dialer.ReserveOperatorLine(rctx)
	cancel()
	if !reserved {
		e.log(s).Warn("no line freed up for operator call", "agent_type", agentType)
		e.operatorExhausted(ctx, s)
		return
	}

	if hungUp(s) {
		e.dialer.ReleaseLine(line)
		return
	}

	s.SetMeta(session.MetaOperatorLine, line)
	s.SetMeta(session.MetaOperatorEndpoint, endpoint)
	s.SetMeta(session.MetaAgentPhone, agent.Phone)
	if agent.ID != 0 {
		s.SetMeta(session.MetaAgentID, strconv.FormatInt(agent.ID, 10))
	}
	e.markAgentBusy(agent.Phone)

	callerID := line
	if e.cfg.OperatorCallerID != "" {
		callerID = e.cfg.OperatorCallerID
	}
	e.log(s).Info("originating operator leg",
		"endpoint", endpoint, "agent_phone", agent.Phone, "line", line)
	_, err := e.ctrl.Originate(ctx, ari.OriginateParams{
		Endpoint: endpoint,
		App:      e.cfg.AppName,
		AppArgs:  []string{"operator", s.ID, endpoint},
		CallerID: callerID,
		Timeout:  int(e.operatorTimeout().Seconds()),
	})
	if err != nil {
		e.log(s).Warn("operator origination failed", "endpoint", endpoint, "error", err)
		e.freeAgent(agent.Phone)
		e.dialer.ReleaseLine(line)
		s.SetMeta(session.MetaOperatorLine, "")
		markOperatorTried(s, agent.Phone)
		tried[agent.Phone] = true
		e.dialOperator(ctx, s, agentType, tried)
	}
}

// pickOperator chooses the next agent and builds the endpoint to dial.
// With no roster at all, the statically configured operator endpoint is
// used instead.
func (e *Engine) pickOperator(agentType string, tried map[string]bool) (Agent, string, bool) {
	agent, ok := e.nextAgent(agentType, tried)
	if ok {
		trunk := e.cfg.OperatorTrunk
		return agent, "PJSIP/" + agent.Phone + "@" + trunk, true
	}

	if e.hasRoster(agentType) {
		return Agent{}, "", false
	}
	// No roster configured at all: one shot at the static endpoint.
	if tried["static"] {
		return Agent{}, "", false
	}
	tried["static"] = true
	if e.cfg.OperatorEndpoint != "" {
		return Agent{Phone: "static"}, e.cfg.OperatorEndpoint, true
	}
	if e.cfg.OperatorExtension != "" {
		return Agent{Phone: "static"}, "PJSIP/" + e.cfg.OperatorExtension + "@" + e.cfg.OperatorTrunk, true
	}
	return Agent{}, "", false
}

func (e *Engine) hasRoster(agentType string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if agentType == "inbound" {
		return len(e.inboundAgents) > 0
	}
	return len(e.outboundAgents) > 0
}

// retryOperator moves on to the next agent after an operator leg failed
// to connect. The failed agent joins the per-session exclusion roster so
// the round-robin never redials them for this call.
func (e *Engine) retryOperator(ctx context.Context, s *session.Session) {
	if hungUp(s) || operatorConnected(s) {
		return
	}
	if phone := s.Meta(session.MetaAgentPhone); phone != "" {
		markOperatorTried(s, phone)
		s.SetMeta(session.MetaAgentPhone, "")
	}
	if line := s.Meta(session.MetaOperatorLine); line != "" {
		e.dialer.ReleaseLine(line)
		s.SetMeta(session.MetaOperatorLine, "")
	}
	agentType := s.MetaDefault(session.MetaAgentType, "outbound")
	go e.dialOperator(context.WithoutCancel(ctx), s, agentType, triedOperators(s))
}

// abortPendingOperator tears down an operator leg still ringing when the
// customer gave up waiting: the pending leg is hung up, the agent and
// line go back to their pools, and the caller counts as disconnected.
func (e *Engine) abortPendingOperator(ctx context.Context, s *session.Session, op *session.CallLeg) {
	e.log(s).Info("customer left while operator ringing, aborting transfer",
		"operator_channel", op.ChannelID)
	if err := e.ctrl.HangupChannel(ctx, op.ChannelID, ""); err != nil && !errors.Is(err, ari.ErrNotFound) {
		e.log(s).Debug("pending operator hangup failed",
			"channel_id", op.ChannelID, "error", err)
	}
	if phone := s.Meta(session.MetaAgentPhone); phone != "" {
		e.freeAgent(phone)
		s.SetMeta(session.MetaAgentPhone, "")
	}
	if line := s.Meta(session.MetaOperatorLine); line != "" && e.dialer != nil {
		e.dialer.ReleaseLine(line)
		s.SetMeta(session.MetaOperatorLine, "")
	}
	e.setAndReport(ctx, s, ResultDisconnected, true)
	e.stopOnhold(ctx, s)
}

// operatorExhausted ends a call that wanted an operator but could not
// get one: every agent was tried or no line came free.
func (e *Engine) operatorExhausted(ctx context.Context, s *session.Session) {
	if line := s.Meta(session.MetaOperatorLine); line != "" {
		e.dialer.ReleaseLine(line)
		s.SetMeta(session.MetaOperatorLine, "")
	}
	result := ResultOperatorFailed
	if s.Meta(session.MetaInboundDirect) != "" {
		result = ResultDisconnected
	} else if s.Meta(session.MetaIntentYes) != "" {
		// An interested caller we could not connect.
		result = ResultDisconnected
	}
	e.setAndReport(ctx, s, result, true)
	e.hangupCustomer(ctx, s)
}

// startOnhold loops the scenario's on-hold prompt on the customer
// channel. The loop is re-armed from OnPlaybackFinished until an
// operator answers.
func (e *Engine) startOnhold(ctx context.Context, s *session.Session, sc *scenario.Scenario) {
	media, ok := sc.Prompts[scenario.PromptOnHold]
	if !ok {
		return
	}
	leg := s.CustomerLeg()
	if !legLive(leg) {
		return
	}
	pbID, err := e.ctrl.Play(ctx, leg.ChannelID, media, "")
	if err != nil {
		e.log(s).Warn("onhold playback failed", "error", err)
		return
	}
	s.RegisterPlayback(pbID, scenario.PromptOnHold)
	e.store.IndexPlayback(pbID, s)
}

// stopOnhold cancels a running on-hold loop, normally because the
// operator answered.
func (e *Engine) stopOnhold(ctx context.Context, s *session.Session) {
	pbID, ok := s.PlaybackIDForKey(scenario.PromptOnHold)
	if !ok {
		return
	}
	s.PopPlayback(pbID)
	if err := e.ctrl.StopPlayback(ctx, pbID); err != nil {
		e.log(s).Debug("stopping onhold failed", "error", err)
	}
}

func (e *Engine) operatorTimeout() time.Duration {
	if e.cfg.OperatorTimeout > 0 {
		return e.cfg.OperatorTimeout
	}
	return 30 * time.Second
}

// reserveTimeout bounds the wait for a free line; never below five
// seconds so a short operator timeout cannot starve the reservation.
func (e *Engine) reserveTimeout() time.Duration {
	if t := e.operatorTimeout(); t > 5*time.Second {
		return t
	}
	return 5 * time.Second
}

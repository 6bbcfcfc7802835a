package flow

import (
	"context"
	"strconv"
	"time"

	"github.com/sedaflow/sedaflow/internal/scenario"
	"github.com/sedaflow/sedaflow/internal/session"
)

// metaFlowStarted guards against starting the step graph twice for one
// session.
const metaFlowStarted = "flow_started"

var _ session.Handler = (*Engine)(nil)

// OnInboundChannelCreated starts serving an accepted inbound call. A
// scenario with an inbound flow takes it through the step graph;
// otherwise the caller goes straight to on-hold and an inbound agent.
func (e *Engine) OnInboundChannelCreated(ctx context.Context, s *session.Session) {
	s.RunMu.Lock()
	defer s.RunMu.Unlock()

	if sc, ok := e.registry.NextInbound(); ok {
		s.SetMeta(session.MetaScenario, sc.Name)
		s.SetMeta(session.MetaFlowInbound, "1")
		s.SetMetaOnce(metaFlowStarted)
		if entry, ok := sc.EntryStep(true); ok {
			e.runSteps(ctx, s, entry.ID)
		}
		return
	}

	s.SetMeta(session.MetaInboundDirect, "1")
	s.SetMetaOnce(metaFlowStarted)
	sc, hasScenario := e.registry.NextOutbound()
	if hasScenario {
		s.SetMeta(session.MetaScenario, sc.Name)
	}
	if !s.SetMetaOnce(session.MetaOperatorCallStarted) {
		return
	}
	s.SetMeta(session.MetaAgentType, "inbound")
	e.log(s).Info("inbound call, dialing agent directly",
		"caller", s.Meta(session.MetaContact))
	if hasScenario {
		e.startOnhold(ctx, s, sc)
	}
	go e.dialOperator(context.WithoutCancel(ctx), s, "inbound", triedOperators(s))
}

// OnOutboundChannelCreated fires when a dialed channel enters the
// application; the flow starts only once the callee answers.
func (e *Engine) OnOutboundChannelCreated(_ context.Context, s *session.Session) {
	e.log(s).Debug("outbound channel created",
		"contact", s.Meta(session.MetaContact))
}

// OnCallAnswered reacts to a leg reaching the Up state. An answering
// operator ends the on-hold loop and fixes the result; an answering
// callee starts the outbound step graph.
func (e *Engine) OnCallAnswered(ctx context.Context, s *session.Session, leg *session.CallLeg) {
	switch leg.Direction {
	case session.DirOperator:
		e.stopOnhold(ctx, s)
		if !s.SetMetaOnce(session.MetaOperatorConnected) {
			return
		}
		result := ResultConnectedToOperator
		if s.Leg(session.DirInbound) != nil {
			result = ResultInboundCall
		}
		e.log(s).Info("operator answered",
			"agent_phone", s.Meta(session.MetaAgentPhone), "result", result)
		e.setAndReport(ctx, s, result, true)

	case session.DirOutbound:
		if !s.HasMeta(session.MetaAnsweredAt) {
			s.SetMeta(session.MetaAnsweredAt, time.Now().Format(time.RFC3339))
		}
		if !s.SetMetaOnce(metaFlowStarted) {
			return
		}
		sc, ok := e.scenarioFor(s)
		if !ok {
			e.log(s).Error("answered call without scenario")
			e.hangupCustomer(ctx, s)
			return
		}
		entry, ok := sc.EntryStep(false)
		if !ok {
			e.log(s).Error("scenario has no steps", "scenario", sc.Name)
			e.hangupCustomer(ctx, s)
			return
		}
		e.runFrom(ctx, s, entry.ID)

	case session.DirInbound:
		if !s.HasMeta(session.MetaAnsweredAt) {
			s.SetMeta(session.MetaAnsweredAt, time.Now().Format(time.RFC3339))
		}
	}
}

// OnCallFailed handles a leg that never connected: busy, rejected or
// congested. For the customer leg the stored cause decides the result;
// a failed operator leg just frees the agent, the retry runs from the
// hangup that follows.
func (e *Engine) OnCallFailed(_ context.Context, s *session.Session, leg *session.CallLeg) {
	if leg.Direction == session.DirOperator {
		e.freeAgent(s.Meta(session.MetaAgentPhone))
		return
	}
	e.applyCauseResult(s, session.MetaHangupCause, session.MetaHangupCauseTxt)
}

// OnCallHangup handles a leg dropping. The customer dropping finalizes
// the result classification; an unanswered operator leg dropping moves
// on to the next agent.
func (e *Engine) OnCallHangup(ctx context.Context, s *session.Session, leg *session.CallLeg) {
	if leg.Direction == session.DirOperator {
		e.freeAgent(s.Meta(session.MetaAgentPhone))
		// Only the current operator attempt may trigger a retry; events
		// for a superseded leg are stale.
		cur := s.Leg(session.DirOperator)
		if cur == nil || cur.ChannelID != leg.ChannelID {
			return
		}
		if !operatorConnected(s) && !hungUp(s) && legLive(s.CustomerLeg()) {
			e.log(s).Info("operator leg dropped before answer, trying next agent",
				"cause", s.Meta(session.MetaOperatorHangupCause))
			e.retryOperator(ctx, s)
		}
		return
	}

	s.SetMeta(session.MetaHungUp, "1")
	if operatorConnected(s) {
		if s.Meta(session.MetaInboundDirect) != "" {
			e.setAndReport(ctx, s, ResultInboundCall, true)
		}
		return
	}
	if s.Meta(session.MetaOperatorCallStarted) != "" {
		if op := s.Leg(session.DirOperator); legLive(op) {
			e.abortPendingOperator(ctx, s, op)
			return
		}
	}
	e.classifyOnHangup(s)
}

// OnCallFinished runs once per session, when cleanup begins: defaults
// and reports the result, releases the operator line and agent, and
// feeds the outcome back to the dialer.
func (e *Engine) OnCallFinished(ctx context.Context, s *session.Session) {
	e.freeAgent(s.Meta(session.MetaAgentPhone))
	if line := s.Meta(session.MetaOperatorLine); line != "" && e.dialer != nil {
		e.dialer.ReleaseLine(line)
		s.SetMeta(session.MetaOperatorLine, "")
	}

	e.classifyOnHangup(s)
	if s.Result() == "" {
		if s.Leg(session.DirInbound) != nil {
			s.SetResult(ResultInboundCall, false)
		} else {
			s.SetResult(ResultUserDidntAnswer, false)
		}
	}
	e.log(s).Info("call finished",
		"result", s.Result(), "contact", s.Meta(session.MetaContact))

	e.report(ctx, s)
	e.recordDuration(s)
	if e.dialer != nil {
		e.dialer.OnResult(e.outcome(s))
	}
}

// OnPlaybackFinished resumes the flow suspended on a prompt, or re-arms
// the on-hold loop while the caller still waits for an operator.
func (e *Engine) OnPlaybackFinished(ctx context.Context, s *session.Session, playbackID string) {
	key, ok := s.PopPlayback(playbackID)
	if !ok {
		return
	}
	if key == scenario.PromptOnHold {
		if !operatorConnected(s) && !hungUp(s) && s.Meta(session.MetaOperatorCallStarted) != "" {
			if sc, ok := e.scenarioFor(s); ok {
				e.startOnhold(ctx, s, sc)
			}
		}
		return
	}
	next := s.Meta(session.MetaPendingPlaybackNext)
	s.SetMeta(session.MetaPendingPlaybackStep, "")
	s.SetMeta(session.MetaPendingPlaybackNext, "")
	e.runFrom(ctx, s, next)
}

// applyCauseResult refines a weak result from a stored Q.850 cause.
func (e *Engine) applyCauseResult(s *session.Session, causeKey, txtKey string) {
	if operatorConnected(s) || !weakResult(s.Result()) {
		return
	}
	txt := s.Meta(causeKey)
	if txt == "" {
		return
	}
	cause, err := strconv.Atoi(txt)
	if err != nil {
		return
	}
	if r := failedCauseToResult(cause, s.Meta(txtKey)); r != "" {
		s.SetResult(r, true)
	}
}

// recordDuration emits the answered-to-finished call duration metric.
func (e *Engine) recordDuration(s *session.Session) {
	at, err := time.Parse(time.RFC3339, s.Meta(session.MetaAnsweredAt))
	if err != nil {
		return
	}
	direction := "outbound"
	if s.Leg(session.DirInbound) != nil {
		direction = "inbound"
	}
	e.metrics.RecordCallDuration(direction, time.Since(at).Seconds())
}

package flow

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/sedaflow/sedaflow/internal/session"
	"github.com/sedaflow/sedaflow/pkg/panel"
)

// Internal call results. These are the engine's own vocabulary; the
// panel statuses they map to live in panelOutcome.
const (
	ResultConnectedToOperator = "connected_to_operator"
	ResultInboundCall         = "inbound_call"
	ResultNotInterested       = "not_interested"
	ResultUserDidntAnswer     = "user_didnt_answer"
	ResultMissed              = "missed"
	ResultHangup              = "hangup"
	ResultDisconnected        = "disconnected"
	ResultUnknown             = "unknown"
	ResultBusy                = "busy"
	ResultPowerOff            = "power_off"
	ResultBanned              = "banned"

	ResultSTTQuota       = "failed:vira_quota"
	ResultLLMQuota       = "failed:llm_quota"
	ResultOperatorFailed = "failed:operator_failed"
	ResultAppHangup      = "failed:hangup"
)

// failedCauseToResult maps a Q.850 cause on a leg that never connected.
// Normal clearing on an unanswered call still means the far end dropped
// us, so 16/31/32 classify as hangup here.
func failedCauseToResult(cause int, causeTxt string) string {
	switch cause {
	case 16, 31, 32:
		return ResultHangup
	case 17:
		return ResultBusy
	case 0, 1, 3, 18, 19, 20, 22, 27, 38:
		return ResultPowerOff
	case 21, 34, 41, 42:
		return ResultBanned
	}
	if strings.Contains(causeTxt, "Request Terminated") {
		return ResultMissed
	}
	return ""
}

// hangupCauseToResult maps a Q.850 cause when an answered call drops. An
// empty return means the cause decides nothing and the classified intent
// takes over; normal clearing (16, 31, 32) is absent from this map so a
// caller who said yes and then hung up counts as disconnected, not
// hangup. The textual fallbacks only apply when no numeric cause was
// recorded.
func hangupCauseToResult(cause, causeTxt string) string {
	if cause != "" {
		switch cause {
		case "17":
			return ResultBusy
		case "18", "19", "20":
			return ResultPowerOff
		case "21", "34", "41", "42":
			return ResultBanned
		}
		return ""
	}
	switch {
	case strings.Contains(causeTxt, "Request Terminated"):
		return ResultMissed
	case strings.Contains(causeTxt, "Busy"):
		return ResultBusy
	case strings.Contains(causeTxt, "Congested"):
		return ResultBanned
	}
	return ""
}

// weakResult reports whether a stored result may still be refined by
// hangup-cause or intent classification.
func weakResult(r string) bool {
	switch r {
	case "", ResultUserDidntAnswer, ResultMissed, ResultHangup, ResultDisconnected:
		return true
	}
	return false
}

// classifyOnHangup derives the final result when the customer leg drops:
// first from the stored Q.850 cause, then from the last classified
// intent. Results already decided by the flow are left alone, and a
// prior hangup or disconnected verdict is final for the intent stage.
func (e *Engine) classifyOnHangup(s *session.Session) {
	if operatorConnected(s) {
		return
	}
	if !weakResult(s.Result()) {
		return
	}

	if r := hangupCauseToResult(s.Meta(session.MetaHangupCause), s.Meta(session.MetaHangupCauseTxt)); r != "" {
		s.SetResult(r, true)
		return
	}

	switch s.Result() {
	case "", ResultUserDidntAnswer, ResultMissed:
	default:
		return
	}
	switch {
	case s.Meta(session.MetaIntentYes) != "":
		// Said yes but never reached an operator.
		s.SetResult(ResultDisconnected, true)
	case s.Meta(session.MetaIntentNo) != "":
		s.SetResult(ResultNotInterested, true)
	case s.Meta(session.MetaAppHangup) != "":
		s.SetResult(ResultAppHangup, true)
	default:
		// A call that was never answered stays on the no-answer default.
		if s.Result() == "" && s.HasMeta(session.MetaAnsweredAt) {
			s.SetResult(ResultHangup, true)
		}
	}
}

// panelOutcome maps an internal result to the panel's status and reason
// vocabulary. The reason strings are part of the panel contract; do not
// reword them.
func panelOutcome(result string, inboundDirect bool) (status, reason string) {
	switch result {
	case ResultConnectedToOperator:
		return "CONNECTED", "User said yes"
	case ResultInboundCall:
		return "INBOUND_CALL", "Inbound call connected to agent"
	case ResultNotInterested:
		return "NOT_INTERESTED", "User declined"
	case ResultMissed, ResultUserDidntAnswer:
		return "MISSED", "No answer/busy/unreachable"
	case ResultHangup:
		return "HANGUP", "Caller hung up"
	case ResultDisconnected:
		if inboundDirect {
			return "INBOUND_CALL", "Inbound call connected to agent"
		}
		return "DISCONNECTED", "Caller disconnected"
	case ResultUnknown:
		return "UNKNOWN", "Unknown intent"
	case ResultBusy:
		return "BUSY", "Line busy"
	case ResultPowerOff:
		return "POWER_OFF", "Unavailable / powered off"
	case ResultBanned:
		return "BANNED", "Rejected by operator"
	}
	if strings.HasPrefix(result, "failed:stt_failure") {
		// The caller stayed silent through every retry.
		return "NOT_INTERESTED", "User did not respond"
	}
	// failed:* and anything unexpected go out verbatim.
	return "FAILED", result
}

// userMessageStatuses are the panel statuses that carry the last
// transcript along.
var userMessageStatuses = map[string]bool{
	"UNKNOWN":        true,
	"DISCONNECTED":   true,
	"CONNECTED":      true,
	"NOT_INTERESTED": true,
	"INBOUND_CALL":   true,
}

// setAndReport stores a result and pushes it to the panel right away.
func (e *Engine) setAndReport(ctx context.Context, s *session.Session, result string, force bool) {
	if result == "" {
		return
	}
	s.SetResult(result, force)
	e.report(ctx, s)
}

// report delivers the session's outcome to the panel. A repeat call that
// maps to the status already sent is dropped; a refined result goes out
// again. Delivery failures are queued inside the panel client.
func (e *Engine) report(ctx context.Context, s *session.Session) {
	status, reason := panelOutcome(s.Result(), s.Meta(session.MetaInboundDirect) != "")
	if s.Meta(session.MetaPanelLastStatus) == status {
		return
	}
	s.SetMeta(session.MetaPanelLastStatus, status)
	s.SetMetaOnce(session.MetaResultReported)

	e.metrics.CallResult(status)
	if e.reporter == nil {
		return
	}

	rep := panel.Report{
		PhoneNumber: s.Meta(session.MetaContact),
		Status:      status,
		Reason:      reason,
		AttemptedAt: time.Now(),
		BatchID:     s.Meta(session.MetaBatchID),
	}
	// "static" is the placeholder for the fixed operator endpoint, not a
	// real agent phone.
	if phone := s.Meta(session.MetaAgentPhone); phone != "static" {
		rep.AgentPhone = phone
	}
	if id, err := strconv.ParseInt(s.Meta(session.MetaNumberID), 10, 64); err == nil {
		rep.NumberID = id
	}
	if id, err := strconv.ParseInt(s.Meta(session.MetaAgentID), 10, 64); err == nil {
		rep.AgentID = id
	}
	if at, err := time.Parse(time.RFC3339, s.Meta(session.MetaAttemptedAt)); err == nil {
		rep.AttemptedAt = at
	}
	if sc, ok := e.scenarioFor(s); ok {
		rep.Scenario = sc.PanelLabel()
	}
	if line := s.Meta(session.MetaOutboundLine); line != "" {
		rep.OutboundLine = line
	} else {
		rep.OutboundLine = s.Meta(session.MetaInboundLine)
	}
	if userMessageStatuses[status] {
		rep.UserMessage = s.Meta(session.MetaLastTranscript)
	}

	if err := e.reporter.ReportResult(ctx, rep); err != nil {
		e.metrics.PanelReport("queued")
		return
	}
	e.metrics.PanelReport("delivered")
}

// outcome packages the finished session's identity for the dialer.
func (e *Engine) outcome(s *session.Session) Outcome {
	o := Outcome{
		Result:      s.Result(),
		PhoneNumber: s.Meta(session.MetaContact),
		BatchID:     s.Meta(session.MetaBatchID),
	}
	if id, err := strconv.ParseInt(s.Meta(session.MetaNumberID), 10, 64); err == nil {
		o.NumberID = id
	}
	if at, err := time.Parse(time.RFC3339, s.Meta(session.MetaAttemptedAt)); err == nil {
		o.AttemptedAt = at
	}
	return o
}

// quotaProtocol aborts a call whose STT or LLM credit ran out: the
// result is forced, reported, the dialer is paused as if the failure
// threshold had tripped, and the call is torn down.
func (e *Engine) quotaProtocol(ctx context.Context, s *session.Session, result string) {
	e.log(s).Error("provider quota exhausted, pausing dialer", "result", result)
	s.SetResult(result, true)
	e.report(ctx, s)
	if e.dialer != nil {
		e.dialer.ForceFailureThreshold(ctx, strings.TrimPrefix(result, "failed:"))
	}
	e.hangupCustomer(ctx, s)
	e.store.Cleanup(ctx, s.ID)
}

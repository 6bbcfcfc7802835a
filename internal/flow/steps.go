package flow

import (
	"context"
	"errors"
	"strconv"

	"github.com/google/uuid"

	"github.com/sedaflow/sedaflow/internal/scenario"
	"github.com/sedaflow/sedaflow/internal/session"
	"github.com/sedaflow/sedaflow/pkg/ari"
	"github.com/sedaflow/sedaflow/pkg/provider/llm"
)

// runFrom executes steps starting at stepID until the flow suspends
// (waiting for a playback, recording or operator leg) or runs out of
// successors. It serializes against other bursts on the same session.
func (e *Engine) runFrom(ctx context.Context, s *session.Session, stepID string) {
	if stepID == "" {
		return
	}
	s.RunMu.Lock()
	defer s.RunMu.Unlock()
	e.runSteps(ctx, s, stepID)
}

// runSteps is runFrom without the lock, for callers already holding RunMu.
func (e *Engine) runSteps(ctx context.Context, s *session.Session, stepID string) {
	for stepID != "" {
		if hungUp(s) {
			e.log(s).Debug("flow halted, caller gone", "step", stepID)
			return
		}
		sc, ok := e.scenarioFor(s)
		if !ok {
			e.log(s).Error("flow halted, scenario missing",
				"scenario", s.Meta(session.MetaScenario), "step", stepID)
			return
		}
		inbound := s.Meta(session.MetaFlowInbound) != ""
		st, ok := sc.Step(stepID, inbound)
		if !ok {
			e.log(s).Error("flow halted, unknown step",
				"scenario", sc.Name, "step", stepID)
			return
		}
		s.SetMeta(session.MetaCurrentStep, stepID)
		e.log(s).Debug("flow step", "scenario", sc.Name, "step", stepID, "type", st.Type)

		next, cont := e.execStep(ctx, s, sc, st)
		if !cont {
			return
		}
		stepID = next
	}
}

// execStep runs one step. cont is false when the flow suspended and will
// be resumed by a later event, or when it terminated.
func (e *Engine) execStep(ctx context.Context, s *session.Session, sc *scenario.Scenario, st *scenario.Step) (next string, cont bool) {
	switch st.Type {
	case scenario.TypeEntry:
		return st.Next, true

	case scenario.TypePlayPrompt:
		return e.stepPlayPrompt(ctx, s, sc, st)

	case scenario.TypeRecord:
		return e.stepRecord(ctx, s, sc, st)

	case scenario.TypeClassifyIntent:
		return e.stepClassifyIntent(ctx, s, sc, st)

	case scenario.TypeRouteByIntent:
		return e.stepRouteByIntent(s, st)

	case scenario.TypeCheckRetryLimit:
		return e.stepCheckRetryLimit(s, st)

	case scenario.TypeSetResult:
		e.setAndReport(ctx, s, st.Result, true)
		return st.Next, st.Next != ""

	case scenario.TypeTransferToOperator:
		e.transferToOperator(ctx, s, sc, st)
		return "", false

	case scenario.TypeDisconnect, scenario.TypeHangup:
		e.hangupCustomer(ctx, s)
		return "", false

	case scenario.TypeWait:
		return "", false
	}
	e.log(s).Error("flow halted, unsupported step type", "step", st.ID, "type", st.Type)
	return "", false
}

// stepPlayPrompt starts a prompt on the customer channel and suspends
// until PlaybackFinished. A prompt that fails to start is skipped so a
// missing media file cannot strand the call.
func (e *Engine) stepPlayPrompt(ctx context.Context, s *session.Session, sc *scenario.Scenario, st *scenario.Step) (string, bool) {
	media, ok := sc.Prompts[st.Prompt]
	if !ok {
		e.log(s).Error("prompt not defined, skipping", "prompt", st.Prompt, "step", st.ID)
		return st.Next, true
	}
	leg := s.CustomerLeg()
	if !legLive(leg) {
		return "", false
	}
	pbID, err := e.ctrl.Play(ctx, leg.ChannelID, media, "")
	if err != nil {
		e.log(s).Warn("playback failed to start, skipping prompt",
			"prompt", st.Prompt, "error", err)
		return st.Next, true
	}
	s.SetMeta(session.MetaPendingPlaybackStep, st.ID)
	s.SetMeta(session.MetaPendingPlaybackNext, st.Next)
	s.RegisterPlayback(pbID, st.Prompt)
	e.store.IndexPlayback(pbID, s)
	return "", false
}

// stepRecord starts a recording and suspends until RecordingFinished.
// The stored name carries the session id and step so a late event can be
// routed back even if the index entry is gone.
func (e *Engine) stepRecord(ctx context.Context, s *session.Session, sc *scenario.Scenario, st *scenario.Step) (string, bool) {
	name := s.ID + "_" + st.ID + "_" + uuid.NewString()[:8]
	params := ari.RecordParams{
		Name:               name,
		MaxDurationSeconds: sc.MaxRecordDuration(),
		MaxSilenceSeconds:  sc.MaxRecordSilence(),
		Format:             "wav",
	}

	s.SetMeta(session.MetaPendingRecordNext, st.Next)
	s.SetMeta(session.MetaPendingRecordOnEmpty, st.OnEmpty)
	s.SetMeta(session.MetaPendingRecordOnFailure, st.OnFailure)
	s.SetMeta(session.MetaRecordingPhase, st.ID)
	s.SetMeta(session.MetaRecordingName, name)
	e.store.IndexRecording(name, s)

	var err error
	if b := s.Bridge(); b != nil {
		err = e.ctrl.RecordBridge(ctx, b.ID, params)
	} else if leg := s.CustomerLeg(); legLive(leg) {
		err = e.ctrl.RecordChannel(ctx, leg.ChannelID, params)
	} else {
		return "", false
	}
	if err != nil {
		e.log(s).Warn("recording failed to start", "step", st.ID, "error", err)
		e.clearPendingRecord(s)
		return st.OnFailure, st.OnFailure != ""
	}
	return "", false
}

func (e *Engine) clearPendingRecord(s *session.Session) {
	s.SetMeta(session.MetaPendingRecordNext, "")
	s.SetMeta(session.MetaPendingRecordOnEmpty, "")
	s.SetMeta(session.MetaPendingRecordOnFailure, "")
}

// stepClassifyIntent labels the last transcript. A missing transcript
// routes to on_failure; quota exhaustion aborts the call through the
// quota protocol; any other model failure degrades to "unknown" so the
// flow keeps moving.
func (e *Engine) stepClassifyIntent(ctx context.Context, s *session.Session, sc *scenario.Scenario, st *scenario.Step) (string, bool) {
	transcript := s.Meta(session.MetaLastTranscript)
	if transcript == "" {
		e.log(s).Warn("classify without transcript", "step", st.ID)
		return st.OnFailure, st.OnFailure != ""
	}

	intent, err := e.classify(ctx, sc, transcript)
	if err != nil {
		if llm.IsQuotaErr(err) {
			e.quotaProtocol(ctx, s, ResultLLMQuota)
			return "", false
		}
		e.log(s).Warn("intent classification failed", "error", err)
		intent = IntentUnknown
	}
	e.log(s).Info("intent classified", "intent", intent, "transcript", transcript)

	s.SetMeta(session.MetaLastIntent, intent)
	s.SetLastIntent(intent)
	switch intent {
	case IntentYes:
		s.SetMeta(session.MetaIntentYes, "1")
	case IntentNo:
		s.SetMeta(session.MetaIntentNo, "1")
	}
	return st.Next, true
}

// stepRouteByIntent jumps to the route for the last intent, falling back
// to the "unknown" route.
func (e *Engine) stepRouteByIntent(s *session.Session, st *scenario.Step) (string, bool) {
	intent := s.MetaDefault(session.MetaLastIntent, IntentUnknown)
	if next, ok := st.Routes[intent]; ok {
		return next, true
	}
	if next, ok := st.Routes[IntentUnknown]; ok {
		return next, true
	}
	e.log(s).Error("no route for intent", "step", st.ID, "intent", intent)
	return "", false
}

// stepCheckRetryLimit bumps a named per-session counter and branches on
// whether it is still within max_count.
func (e *Engine) stepCheckRetryLimit(s *session.Session, st *scenario.Step) (string, bool) {
	key := "counter_" + st.Counter
	count, _ := strconv.Atoi(s.Meta(key))
	count++
	s.SetMeta(key, strconv.Itoa(count))
	if count <= st.MaxCount {
		return st.WithinLimit, true
	}
	return st.Exceeded, true
}

// hangupCustomer ends the customer side of the call from the flow. The
// app-hangup marker keeps the later cause classification from reading
// this as the caller hanging up on us.
func (e *Engine) hangupCustomer(ctx context.Context, s *session.Session) {
	s.SetMetaOnce(session.MetaAppHangup)
	leg := s.CustomerLeg()
	if !legLive(leg) {
		return
	}
	if err := e.ctrl.HangupChannel(ctx, leg.ChannelID, ""); err != nil && !errors.Is(err, ari.ErrNotFound) {
		e.log(s).Warn("hangup failed", "channel_id", leg.ChannelID, "error", err)
	}
}

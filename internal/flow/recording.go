package flow

import (
	"context"
	"strings"
	"time"

	"github.com/sedaflow/sedaflow/internal/session"
	"github.com/sedaflow/sedaflow/pkg/audio"
	"github.com/sedaflow/sedaflow/pkg/provider/stt"
)

// sttRejections are provider messages for payloads that can never
// transcribe; retrying the recording step would only loop.
var sttRejections = []string{
	"Empty Audio file",
	"Input file content is unexpected",
}

// OnRecordingFinished fetches the stored audio, runs recognition and
// resumes the flow at the branch the record step declared. Runs on its
// own goroutine; the session's RunMu keeps it from racing other events.
func (e *Engine) OnRecordingFinished(ctx context.Context, s *session.Session, name string) {
	if !s.MarkRecordingProcessed(name) {
		return
	}
	next, onEmpty, onFailure, phase := e.takePendingRecord(s)

	data, err := e.ctrl.FetchStoredRecording(ctx, name)
	if err != nil {
		e.log(s).Warn("fetching recording failed", "recording", name, "error", err)
		e.resumeAfterRecord(ctx, s, onFailure)
		return
	}
	if audio.IsEmpty(data) {
		e.log(s).Debug("recording is silence", "recording", name)
		e.resumeAfterRecord(ctx, s, onEmpty)
		return
	}

	transcript, err := e.transcribe(ctx, s, data)
	if err != nil {
		switch {
		case stt.IsQuotaErr(err):
			e.quotaProtocol(ctx, s, ResultSTTQuota)
		case sttRejected(err):
			// The provider cannot read what the PBX stored; treat the
			// call as lost rather than looping on retries.
			e.log(s).Error("recording rejected by recognizer", "error", err)
			e.setAndReport(ctx, s, ResultHangup, true)
			e.hangupCustomer(ctx, s)
		default:
			e.log(s).Warn("transcription failed", "recording", name, "error", err)
			e.resumeAfterRecord(ctx, s, onFailure)
		}
		return
	}
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		e.resumeAfterRecord(ctx, s, onEmpty)
		return
	}

	e.log(s).Info("recording transcribed", "phase", phase, "transcript", transcript)
	s.AddResponse(session.Utterance{Phase: phase, Transcript: transcript})
	s.SetMeta(session.MetaLastTranscript, transcript)

	if hungUp(s) {
		// The caller spoke and hung up before we finished listening;
		// classify what they said so the reported result reflects it.
		e.lateIntent(ctx, s, transcript)
		return
	}
	e.resumeAfterRecord(ctx, s, next)
}

// OnRecordingFailed routes the flow to the record step's failure branch.
func (e *Engine) OnRecordingFailed(ctx context.Context, s *session.Session, name string) {
	if !s.MarkRecordingProcessed(name) {
		return
	}
	e.log(s).Warn("recording failed", "recording", name)
	_, _, onFailure, _ := e.takePendingRecord(s)
	e.resumeAfterRecord(ctx, s, onFailure)
}

// takePendingRecord pops the branch targets stored by the record step.
func (e *Engine) takePendingRecord(s *session.Session) (next, onEmpty, onFailure, phase string) {
	next = s.Meta(session.MetaPendingRecordNext)
	onEmpty = s.Meta(session.MetaPendingRecordOnEmpty)
	onFailure = s.Meta(session.MetaPendingRecordOnFailure)
	phase = s.Meta(session.MetaRecordingPhase)
	e.clearPendingRecord(s)
	return next, onEmpty, onFailure, phase
}

func (e *Engine) resumeAfterRecord(ctx context.Context, s *session.Session, stepID string) {
	if stepID == "" {
		return
	}
	e.runFrom(ctx, s, stepID)
}

// transcribe sends audio to the STT provider with the scenario's
// hotwords.
func (e *Engine) transcribe(ctx context.Context, s *session.Session, data []byte) (string, error) {
	var opts stt.TranscribeOpts
	if sc, ok := e.scenarioFor(s); ok {
		opts.Hotwords = sc.STT.Hotwords
	}
	tctx := ctx
	if e.cfg.STTTimeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, e.cfg.STTTimeout)
		defer cancel()
	}
	start := time.Now()
	transcript, err := e.stt.Transcribe(tctx, data, opts)
	if err != nil {
		e.metrics.ProviderRequest("stt", "error", time.Since(start).Seconds())
		return "", err
	}
	e.metrics.ProviderRequest("stt", "ok", time.Since(start).Seconds())
	return transcript, nil
}

// lateIntent classifies a transcript that arrived after the caller hung
// up and refines the already-classified result with it.
func (e *Engine) lateIntent(ctx context.Context, s *session.Session, transcript string) {
	sc, ok := e.scenarioFor(s)
	if !ok {
		return
	}
	intent, err := e.classify(ctx, sc, transcript)
	if err != nil {
		return
	}
	s.SetMeta(session.MetaLastIntent, intent)
	s.SetLastIntent(intent)
	switch intent {
	case IntentYes:
		s.SetMeta(session.MetaIntentYes, "1")
		if weakResult(s.Result()) && !operatorConnected(s) {
			s.SetResult(ResultDisconnected, true)
		}
	case IntentNo:
		s.SetMeta(session.MetaIntentNo, "1")
		if weakResult(s.Result()) {
			s.SetResult(ResultNotInterested, true)
		}
	default:
		return
	}
	e.report(ctx, s)
}

// sttRejected reports whether the provider refused the audio payload
// outright.
func sttRejected(err error) bool {
	msg := err.Error()
	for _, needle := range sttRejections {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// Package session owns the authoritative call-session table.
//
// A Session models one end-to-end call interaction with up to three legs
// (inbound customer, outbound customer, operator), an optional bridge, a
// string metadata map shared with the flow engine, and the final result
// token. The Manager translates PBX events into session mutations and
// flow-engine callbacks, enforces inbound capacity waiting, and runs the
// idempotent cleanup protocol.
package session

import (
	"slices"
	"sync"
)

// LegDirection identifies which role a call leg plays in a session.
type LegDirection string

const (
	DirInbound  LegDirection = "inbound"
	DirOutbound LegDirection = "outbound"
	DirOperator LegDirection = "operator"
)

// LegState is the lifecycle state of one channel.
type LegState string

const (
	LegCreated  LegState = "created"
	LegRinging  LegState = "ringing"
	LegAnswered LegState = "answered"
	LegHungup   LegState = "hungup"
	LegFailed   LegState = "failed"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusInitiating Status = "initiating"
	StatusRinging    Status = "ringing"
	StatusActive     Status = "active"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// terminal reports whether st admits no further transitions.
func (st Status) terminal() bool {
	return st == StatusCompleted || st == StatusFailed
}

// Metadata keys shared between the session manager, the flow engine and the
// dialer. Keys marked set-once are written through [Session.SetMetaOnce].
const (
	// Idempotency flags (set-once).
	MetaHungUp           = "hungup"
	MetaCleanupDone      = "cleanup_done"
	MetaFinishedReported = "finished_reported"
	MetaResultReported   = "result_reported"
	MetaAppHangup        = "app_hangup"

	// Operator transfer.
	MetaOperatorCallStarted = "operator_call_started"
	MetaOperatorConnected   = "operator_connected"
	MetaOperatorEndpoint    = "operator_endpoint"
	MetaOperatorTried       = "operator_tried"
	MetaOperatorLine        = "operator_line"
	MetaAgentID             = "agent_id"
	MetaAgentPhone          = "agent_phone"
	MetaAgentType           = "agent_type"

	// Flow runtime.
	MetaInboundDirect          = "inbound_direct"
	MetaFlowInbound            = "flow_inbound"
	MetaCurrentStep            = "current_step"
	MetaPendingPlaybackStep    = "pending_playback_step"
	MetaPendingPlaybackNext    = "pending_playback_next"
	MetaPendingRecordNext      = "pending_record_next"
	MetaPendingRecordOnEmpty   = "pending_record_on_empty"
	MetaPendingRecordOnFailure = "pending_record_on_failure"
	MetaRecordingPhase         = "recording_phase"
	MetaRecordingName          = "recording_name"
	MetaLastTranscript         = "last_transcript"
	MetaLastIntent             = "last_intent"
	MetaIntentYes              = "intent_yes"
	MetaIntentNo               = "intent_no"

	// Contact and scheduling.
	MetaScenario     = "scenario"
	MetaContact      = "contact_number"
	MetaNumberID     = "number_id"
	MetaBatchID      = "batch_id"
	MetaAttemptedAt  = "attempted_at"
	MetaAnsweredAt   = "answered_at"
	MetaOutboundLine = "outbound_line"
	MetaInboundLine  = "inbound_line"

	// Hangup causes.
	MetaHangupCause            = "hangup_cause"
	MetaHangupCauseTxt         = "hangup_cause_txt"
	MetaOperatorHangupCause    = "operator_hangup_cause"
	MetaOperatorHangupCauseTxt = "operator_hangup_cause_txt"

	// Reporting.
	MetaPanelLastStatus = "panel_last_status"
)

// CallLeg is one channel participating in a session.
type CallLeg struct {
	ChannelID string
	Direction LegDirection
	Endpoint  string
	State     LegState
}

// live reports whether the leg still has a usable channel.
func (l *CallLeg) live() bool {
	return l != nil && l.State != LegHungup && l.State != LegFailed
}

// Bridge is the session's mixing bridge, if one was created.
type Bridge struct {
	ID       string
	Channels []string
}

// Utterance is one recognised customer response.
type Utterance struct {
	Phase      string
	Transcript string
	Intent     string
}

// Session is one call interaction. All exported accessors are safe for
// concurrent use; the internal mutex is never held across I/O.
type Session struct {
	ID string

	// RunMu serializes flow-engine step bursts for this session. The
	// engine holds it for the duration of one callback's step chain; the
	// session mutex below stays free for event-side reads.
	RunMu sync.Mutex

	mu        sync.Mutex
	inbound   *CallLeg
	outbound  *CallLeg
	operator  *CallLeg
	bridge    *Bridge
	status    Status
	result    string
	meta      map[string]string
	playbacks map[string]string // playback id -> prompt key
	responses []Utterance
	processed map[string]bool // recording names already handled
}

// New creates an empty session in the initiating state.
func New(id string) *Session {
	return &Session{
		ID:        id,
		status:    StatusInitiating,
		meta:      make(map[string]string),
		playbacks: make(map[string]string),
		processed: make(map[string]bool),
	}
}

// Meta returns the metadata value for key, or "".
func (s *Session) Meta(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta[key]
}

// MetaDefault returns the metadata value for key, or def when absent.
func (s *Session) MetaDefault(key, def string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.meta[key]; ok {
		return v
	}
	return def
}

// SetMeta stores a metadata value. An empty value deletes the key.
func (s *Session) SetMeta(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value == "" {
		delete(s.meta, key)
		return
	}
	s.meta[key] = value
}

// SetMetaOnce sets key to "1" and reports whether this call was the one that
// set it. Used for the idempotency flags.
func (s *Session) SetMetaOnce(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.meta[key]; ok {
		return false
	}
	s.meta[key] = "1"
	return true
}

// HasMeta reports whether key is present.
func (s *Session) HasMeta(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.meta[key]
	return ok
}

// SetLeg attaches or replaces the leg for its direction.
func (s *Session) SetLeg(leg *CallLeg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch leg.Direction {
	case DirInbound:
		s.inbound = leg
	case DirOutbound:
		s.outbound = leg
	case DirOperator:
		s.operator = leg
	}
}

// Leg returns the leg for the given direction, or nil.
func (s *Session) Leg(dir LegDirection) *CallLeg {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch dir {
	case DirInbound:
		return s.inbound
	case DirOutbound:
		return s.outbound
	case DirOperator:
		return s.operator
	}
	return nil
}

// LegByChannel returns the leg owning the given channel id, or nil.
func (s *Session) LegByChannel(channelID string) *CallLeg {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range []*CallLeg{s.inbound, s.outbound, s.operator} {
		if l != nil && l.ChannelID == channelID {
			return l
		}
	}
	return nil
}

// CustomerLeg returns the leg carrying the customer: the inbound leg when
// present, otherwise the outbound leg.
func (s *Session) CustomerLeg() *CallLeg {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inbound != nil {
		return s.inbound
	}
	return s.outbound
}

// LiveLegs returns every leg that still has a usable channel.
func (s *Session) LiveLegs() []*CallLeg {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*CallLeg
	for _, l := range []*CallLeg{s.inbound, s.outbound, s.operator} {
		if l.live() {
			out = append(out, l)
		}
	}
	return out
}

// SetLegState updates the state of the leg owning channelID.
func (s *Session) SetLegState(channelID string, state LegState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range []*CallLeg{s.inbound, s.outbound, s.operator} {
		if l != nil && l.ChannelID == channelID {
			l.State = state
			return
		}
	}
}

// Status returns the session status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetStatus transitions the session status. Terminal states are sticky.
func (s *Session) SetStatus(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.terminal() {
		return
	}
	s.status = st
}

// Result returns the final outcome token, or "".
func (s *Session) Result() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// SetResult records the outcome token and reports whether the write took
// effect. Forced writes always win. Non-forced writes only fill an empty
// result or upgrade the weak defaults user_didnt_answer and missed.
func (s *Session) SetResult(result string, force bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !force {
		switch s.result {
		case "", "user_didnt_answer", "missed":
		default:
			return false
		}
	}
	s.result = result
	return true
}

// AddResponse appends one recognised utterance.
func (s *Session) AddResponse(u Utterance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, u)
}

// LastResponse returns the most recent utterance.
func (s *Session) LastResponse() (Utterance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.responses) == 0 {
		return Utterance{}, false
	}
	return s.responses[len(s.responses)-1], true
}

// SetLastIntent stamps the classifier's label onto the latest utterance.
func (s *Session) SetLastIntent(intent string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.responses) > 0 {
		s.responses[len(s.responses)-1].Intent = intent
	}
}

// Responses returns a snapshot of the recognised utterances.
func (s *Session) Responses() []Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.responses)
}

// MarkRecordingProcessed reports whether this call claimed the recording.
// Each recording name is claimable exactly once.
func (s *Session) MarkRecordingProcessed(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processed[name] {
		return false
	}
	s.processed[name] = true
	return true
}

// RegisterPlayback maps an active playback id to the prompt key the flow is
// waiting on.
func (s *Session) RegisterPlayback(playbackID, promptKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playbacks[playbackID] = promptKey
}

// PopPlayback removes and returns the prompt key for a finished playback.
func (s *Session) PopPlayback(playbackID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.playbacks[playbackID]
	if ok {
		delete(s.playbacks, playbackID)
	}
	return key, ok
}

// PlaybackIDForKey returns the id of an active playback with the given
// prompt key. Used to stop the onhold loop when the operator answers.
func (s *Session) PlaybackIDForKey(promptKey string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, key := range s.playbacks {
		if key == promptKey {
			return id, true
		}
	}
	return "", false
}

// SetBridge records the session bridge.
func (s *Session) SetBridge(b *Bridge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bridge = b
}

// Bridge returns the session bridge, or nil.
func (s *Session) Bridge() *Bridge {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bridge
}

// AddBridgeChannel records a channel joined to the bridge.
func (s *Session) AddBridgeChannel(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bridge != nil && !slices.Contains(s.bridge.Channels, channelID) {
		s.bridge.Channels = append(s.bridge.Channels, channelID)
	}
}

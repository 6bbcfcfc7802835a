// Package scenario loads and serves call-flow definitions.
//
// A scenario is a YAML document describing one conversational campaign: the
// prompt media, speech-recognition tuning, intent-classification hints, and
// the step graphs for outbound and (optionally) inbound calls. Scenarios are
// immutable after load; the registry only toggles which ones are enabled,
// following the panel's active-scenario list.
package scenario

// Step types understood by the flow engine.
const (
	TypeEntry              = "entry"
	TypePlayPrompt         = "play_prompt"
	TypeRecord             = "record"
	TypeClassifyIntent     = "classify_intent"
	TypeRouteByIntent      = "route_by_intent"
	TypeCheckRetryLimit    = "check_retry_limit"
	TypeSetResult          = "set_result"
	TypeTransferToOperator = "transfer_to_operator"
	TypeDisconnect         = "disconnect"
	TypeHangup             = "hangup"
	TypeWait               = "wait"
)

// PromptOnHold is the reserved prompt key looped while a caller waits for an
// operator.
const PromptOnHold = "onhold"

// Step is one node in a flow graph. Besides ID and Type, only the fields
// relevant to the step's type are meaningful.
type Step struct {
	ID   string `yaml:"step"`
	Type string `yaml:"type"`

	// play_prompt
	Prompt string `yaml:"prompt,omitempty"`

	// Common successor.
	Next string `yaml:"next,omitempty"`

	// record
	OnEmpty string `yaml:"on_empty,omitempty"`

	// record, classify_intent, transfer_to_operator
	OnFailure string `yaml:"on_failure,omitempty"`

	// transfer_to_operator
	OnSuccess string `yaml:"on_success,omitempty"`
	AgentType string `yaml:"agent_type,omitempty"`

	// route_by_intent
	Routes map[string]string `yaml:"routes,omitempty"`

	// check_retry_limit
	Counter     string `yaml:"counter,omitempty"`
	MaxCount    int    `yaml:"max_count,omitempty"`
	WithinLimit string `yaml:"within_limit,omitempty"`
	Exceeded    string `yaml:"exceeded,omitempty"`

	// set_result
	Result string `yaml:"result,omitempty"`
}

// successors returns every step id this step may jump to.
func (s *Step) successors() []string {
	refs := make([]string, 0, 4+len(s.Routes))
	for _, r := range []string{s.Next, s.OnEmpty, s.OnFailure, s.OnSuccess, s.WithinLimit, s.Exceeded} {
		if r != "" {
			refs = append(refs, r)
		}
	}
	for _, r := range s.Routes {
		if r != "" {
			refs = append(refs, r)
		}
	}
	return refs
}

// suspends reports whether executing this step hands control back to the
// event stream instead of jumping straight to a successor.
func (s *Step) suspends() bool {
	switch s.Type {
	case TypePlayPrompt, TypeRecord, TypeTransferToOperator, TypeWait, TypeDisconnect, TypeHangup:
		return true
	}
	return false
}

// STTTuning tunes recording and recognition for one scenario.
type STTTuning struct {
	// Hotwords biases recognition toward campaign vocabulary.
	Hotwords []string `yaml:"hotwords,omitempty"`

	// MaxDurationSeconds bounds one recording. Default 10.
	MaxDurationSeconds int `yaml:"max_duration,omitempty"`

	// MaxSilenceSeconds stops a recording after this much trailing silence.
	// Default 2.
	MaxSilenceSeconds int `yaml:"max_silence,omitempty"`
}

// LLMTuning tunes intent classification for one scenario.
type LLMTuning struct {
	// PromptTemplate is formatted with the transcript and the category
	// list. Empty means the engine's built-in template.
	PromptTemplate string `yaml:"prompt_template,omitempty"`

	// IntentCategories lists the labels the classifier may emit. Default
	// yes, no, number_question, unknown.
	IntentCategories []string `yaml:"intent_categories,omitempty"`

	// FallbackTokens maps an intent to substrings that imply it when the
	// model's answer is not a clean label.
	FallbackTokens map[string][]string `yaml:"fallback_tokens,omitempty"`
}

// Scenario is one immutable campaign definition.
type Scenario struct {
	Name        string `yaml:"name"`
	DisplayName string `yaml:"display_name,omitempty"`

	// PanelName is the name reported to the panel. Empty falls back to
	// Name.
	PanelName string `yaml:"panel_name,omitempty"`

	// Company restricts the scenario to one tenant. Empty means any.
	Company string `yaml:"company,omitempty"`

	// Prompts maps symbolic prompt keys to PBX media URIs.
	Prompts map[string]string `yaml:"prompts,omitempty"`

	STT STTTuning `yaml:"stt,omitempty"`
	LLM LLMTuning `yaml:"llm,omitempty"`

	// Flow is the outbound step graph.
	Flow []Step `yaml:"flow"`

	// InboundFlow is the optional inbound step graph. Scenarios without
	// one never serve inbound calls through the flow engine.
	InboundFlow []Step `yaml:"inbound_flow,omitempty"`
}

// PanelLabel returns the name used in panel traffic.
func (s *Scenario) PanelLabel() string {
	if s.PanelName != "" {
		return s.PanelName
	}
	return s.Name
}

// HasInbound reports whether the scenario declares an inbound flow.
func (s *Scenario) HasInbound() bool { return len(s.InboundFlow) > 0 }

// Step returns the step with the given id from the outbound or inbound flow.
func (s *Scenario) Step(id string, inbound bool) (*Step, bool) {
	steps := s.Flow
	if inbound {
		steps = s.InboundFlow
	}
	for i := range steps {
		if steps[i].ID == id {
			return &steps[i], true
		}
	}
	return nil, false
}

// EntryStep returns the flow's starting step: the explicit "entry" step if
// one exists, otherwise the first step.
func (s *Scenario) EntryStep(inbound bool) (*Step, bool) {
	steps := s.Flow
	if inbound {
		steps = s.InboundFlow
	}
	if len(steps) == 0 {
		return nil, false
	}
	for i := range steps {
		if steps[i].Type == TypeEntry {
			return &steps[i], true
		}
	}
	return &steps[0], true
}

// IntentCategories returns the scenario's category list or the default set.
func (s *Scenario) IntentCategories() []string {
	if len(s.LLM.IntentCategories) > 0 {
		return s.LLM.IntentCategories
	}
	return []string{"yes", "no", "number_question", "unknown"}
}

// MaxRecordDuration returns the recording cap in seconds, defaulting to 10.
func (s *Scenario) MaxRecordDuration() int {
	if s.STT.MaxDurationSeconds > 0 {
		return s.STT.MaxDurationSeconds
	}
	return 10
}

// MaxRecordSilence returns the trailing-silence cutoff, defaulting to 2.
func (s *Scenario) MaxRecordSilence() int {
	if s.STT.MaxSilenceSeconds > 0 {
		return s.STT.MaxSilenceSeconds
	}
	return 2
}

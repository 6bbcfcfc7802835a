package ari

// Event type names emitted by the PBX on the application websocket.
const (
	EventStasisStart          = "StasisStart"
	EventStasisEnd            = "StasisEnd"
	EventChannelStateChange   = "ChannelStateChange"
	EventChannelHangupRequest = "ChannelHangupRequest"
	EventChannelDestroyed     = "ChannelDestroyed"
	EventPlaybackStarted      = "PlaybackStarted"
	EventPlaybackFinished     = "PlaybackFinished"
	EventRecordingFinished    = "RecordingFinished"
	EventRecordingFailed      = "RecordingFailed"
	EventDial                 = "Dial"
)

// Channel states as reported in ChannelStateChange events.
const (
	ChannelStateUp      = "Up"
	ChannelStateRinging = "Ringing"
	ChannelStateBusy    = "Busy"
	ChannelStateFailed  = "Failed"
)

// CallerInfo is the caller or connected-line identity on a channel.
type CallerInfo struct {
	Name   string `json:"name"`
	Number string `json:"number"`
}

// DialplanInfo is the dialplan position of a channel.
type DialplanInfo struct {
	Context string `json:"context"`
	Exten   string `json:"exten"`
}

// Channel is the channel snapshot embedded in channel events.
type Channel struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	State     string       `json:"state"`
	Caller    CallerInfo   `json:"caller"`
	Connected CallerInfo   `json:"connected"`
	Dialplan  DialplanInfo `json:"dialplan"`
}

// Playback is the playback snapshot embedded in playback events.
type Playback struct {
	ID        string `json:"id"`
	MediaURI  string `json:"media_uri"`
	TargetURI string `json:"target_uri"`
	State     string `json:"state"`
}

// TargetChannelID returns the channel id from a "channel:<id>" target URI,
// or "".
func (p *Playback) TargetChannelID() string {
	const prefix = "channel:"
	if len(p.TargetURI) > len(prefix) && p.TargetURI[:len(prefix)] == prefix {
		return p.TargetURI[len(prefix):]
	}
	return ""
}

// Recording is the live-recording snapshot embedded in recording events.
type Recording struct {
	Name   string `json:"name"`
	Format string `json:"format"`
	State  string `json:"state"`
	Cause  string `json:"cause"`
}

// Event is the envelope for every message on the event stream. Fields that
// do not apply to a given type are left at their zero value.
type Event struct {
	Type        string     `json:"type"`
	Application string     `json:"application"`
	Timestamp   string     `json:"timestamp"`

	// Args carries the Stasis application arguments on StasisStart:
	// [role, session_id, endpoint?].
	Args []string `json:"args"`

	Channel   *Channel   `json:"channel"`
	Playback  *Playback  `json:"playback"`
	Recording *Recording `json:"recording"`

	// Cause and CauseTxt are set on ChannelHangupRequest and
	// ChannelDestroyed.
	Cause    int    `json:"cause"`
	CauseTxt string `json:"cause_txt"`

	// Peer and DialStatus are set on Dial events.
	Peer       *Channel `json:"peer"`
	DialStatus string   `json:"dialstatus"`
}

// ChannelID returns the id of the channel the event refers to, or "".
func (e *Event) ChannelID() string {
	if e.Channel == nil {
		return ""
	}
	return e.Channel.ID
}

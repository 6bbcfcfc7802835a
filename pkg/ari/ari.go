// Package ari provides typed access to an Asterisk REST Interface (ARI)
// control plane: a REST client for bridge/channel/playback/recording
// operations and a reconnecting websocket stream for the application's
// event feed.
//
// The Control interface captures every operation the call engine issues
// against the PBX. Production code uses Client; tests use the scripted
// implementation in the mock subpackage.
//
// Implementations must be safe for concurrent use: the dialer, the session
// manager, and per-session flow goroutines all share one Control value.
package ari

import (
	"context"
	"errors"
)

// ErrNotFound is wrapped by operations that hit a 404 from the PBX, which
// happens routinely during cleanup when a channel or bridge already died.
// Callers on cleanup paths treat it as success and log at debug level.
var ErrNotFound = errors.New("ari: not found")

// OriginateParams describes an outbound channel origination.
type OriginateParams struct {
	// Endpoint is the dial target, e.g. "PJSIP/2954091212345678@trunk".
	Endpoint string

	// App is the Stasis application name the new channel should enter.
	App string

	// AppArgs are passed to the Stasis application and routed back on the
	// StasisStart event; the first element names the leg role ("outbound"
	// or "operator"), the second the session id.
	AppArgs []string

	// CallerID sets the caller id presented to the callee.
	CallerID string

	// Timeout is the ring timeout in seconds; 0 means the PBX default.
	Timeout int

	// Variables are channel variables set on the new channel.
	Variables map[string]string
}

// RecordParams describes a live recording on a channel or bridge.
type RecordParams struct {
	// Name is the stored-recording name; also the retrieval key for
	// FetchStoredRecording. Must be unique unless overwriting is intended.
	Name string

	// MaxDurationSeconds stops the recording after this many seconds.
	MaxDurationSeconds int

	// MaxSilenceSeconds stops the recording after this much trailing silence.
	MaxSilenceSeconds int

	// Format is the audio container, normally "wav".
	Format string
}

// Control is the PBX control surface used by the engine.
//
// Every method takes a context; implementations apply their configured
// request timeout on top of it. Errors wrap ErrNotFound when the PBX
// reports 404 for an entity that no longer exists.
type Control interface {
	// CreateBridge creates a mixing bridge and returns its id.
	CreateBridge(ctx context.Context, name, bridgeType string) (string, error)

	// DeleteBridge destroys a bridge. Channels still joined are ejected by
	// the PBX.
	DeleteBridge(ctx context.Context, bridgeID string) error

	// AddChannelToBridge joins a channel to a bridge. role may be empty.
	AddChannelToBridge(ctx context.Context, bridgeID, channelID, role string) error

	// RemoveChannelFromBridge ejects a channel from a bridge.
	RemoveChannelFromBridge(ctx context.Context, bridgeID, channelID string) error

	// AnswerChannel answers a ringing channel.
	AnswerChannel(ctx context.Context, channelID string) error

	// HangupChannel hangs up a channel with the given reason ("normal",
	// "busy", ...). Empty reason means "normal".
	HangupChannel(ctx context.Context, channelID, reason string) error

	// Play starts a playback of media on a channel and returns the playback
	// id used in PlaybackStarted/PlaybackFinished events. lang may be empty.
	Play(ctx context.Context, channelID, media, lang string) (string, error)

	// PlayOnBridge starts a playback on a bridge.
	PlayOnBridge(ctx context.Context, bridgeID, media, lang string) (string, error)

	// StopPlayback cancels a running playback.
	StopPlayback(ctx context.Context, playbackID string) error

	// RecordChannel starts recording a channel into stored media.
	RecordChannel(ctx context.Context, channelID string, p RecordParams) error

	// RecordBridge starts recording a bridge into stored media.
	RecordBridge(ctx context.Context, bridgeID string, p RecordParams) error

	// FetchStoredRecording downloads the raw bytes of a finished recording.
	FetchStoredRecording(ctx context.Context, name string) ([]byte, error)

	// Originate creates a new outbound channel and returns its id.
	Originate(ctx context.Context, p OriginateParams) (string, error)

	// GetChannelVariable reads a channel variable (including PJSIP_HEADER
	// function reads). A variable the PBX does not know yields "" with a
	// nil error; transport failures are returned as errors.
	GetChannelVariable(ctx context.Context, channelID, name string) (string, error)
}

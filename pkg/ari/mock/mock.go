// Package mock provides a scripted test double for the ari.Control
// interface.
//
// Return values are scriptable through exported fields; every invocation is
// recorded so tests can assert on the exact PBX traffic a component
// produced. Ids for bridges, playbacks, and originated channels are either
// consumed from the pre-seeded FIFO fields or generated sequentially.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/sedaflow/sedaflow/pkg/ari"
)

// CreateBridgeCall records a single invocation of Control.CreateBridge.
type CreateBridgeCall struct {
	Name string
	Type string
}

// BridgeChannelCall records add/remove channel invocations.
type BridgeChannelCall struct {
	BridgeID  string
	ChannelID string
	Role      string
}

// HangupCall records a single invocation of Control.HangupChannel.
type HangupCall struct {
	ChannelID string
	Reason    string
}

// PlayCall records a playback start on a channel or bridge.
type PlayCall struct {
	// Target is the channel or bridge id.
	Target string
	// OnBridge is true when PlayOnBridge was used.
	OnBridge bool
	Media    string
	Lang     string
}

// RecordCall records a recording start on a channel or bridge.
type RecordCall struct {
	Target   string
	OnBridge bool
	Params   ari.RecordParams
}

// VariableCall records a channel variable read.
type VariableCall struct {
	ChannelID string
	Name      string
}

// Control is a scripted implementation of ari.Control.
type Control struct {
	mu sync.Mutex

	// BridgeIDs is consumed FIFO by CreateBridge; when exhausted, ids are
	// generated as "bridge-<n>".
	BridgeIDs []string

	// PlaybackIDs is consumed FIFO by Play/PlayOnBridge; when exhausted,
	// ids are generated as "playback-<n>".
	PlaybackIDs []string

	// ChannelIDs is consumed FIFO by Originate; when exhausted, ids are
	// generated as "channel-<n>".
	ChannelIDs []string

	// OriginateErrs is consumed FIFO by Originate before ChannelIDs; a nil
	// entry means that call succeeds. Lets tests fail the first originate
	// and pass the retry.
	OriginateErrs []error

	// Recordings maps stored-recording names to the bytes returned by
	// FetchStoredRecording.
	Recordings map[string][]byte

	// Variables maps "<channelID>/<name>" to values returned by
	// GetChannelVariable.
	Variables map[string]string

	// Per-method scripted errors; nil means success.
	CreateBridgeErr  error
	DeleteBridgeErr  error
	AddChannelErr    error
	RemoveChannelErr error
	AnswerErr        error
	HangupErr        error
	PlayErr          error
	StopPlaybackErr  error
	RecordErr        error
	FetchErr         error
	OriginateErr     error
	VariableErr      error

	// Call records, in invocation order.
	CreateBridgeCalls  []CreateBridgeCall
	DeleteBridgeCalls  []string
	AddChannelCalls    []BridgeChannelCall
	RemoveChannelCalls []BridgeChannelCall
	AnswerCalls        []string
	HangupCalls        []HangupCall
	PlayCalls          []PlayCall
	StopPlaybackCalls  []string
	RecordCalls        []RecordCall
	FetchCalls         []string
	OriginateCalls     []ari.OriginateParams
	VariableCalls      []VariableCall

	bridgeSeq   int
	playbackSeq int
	channelSeq  int
}

var _ ari.Control = (*Control)(nil)

func (c *Control) CreateBridge(_ context.Context, name, bridgeType string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CreateBridgeCalls = append(c.CreateBridgeCalls, CreateBridgeCall{Name: name, Type: bridgeType})
	if c.CreateBridgeErr != nil {
		return "", c.CreateBridgeErr
	}
	if len(c.BridgeIDs) > 0 {
		id := c.BridgeIDs[0]
		c.BridgeIDs = c.BridgeIDs[1:]
		return id, nil
	}
	c.bridgeSeq++
	return fmt.Sprintf("bridge-%d", c.bridgeSeq), nil
}

func (c *Control) DeleteBridge(_ context.Context, bridgeID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DeleteBridgeCalls = append(c.DeleteBridgeCalls, bridgeID)
	return c.DeleteBridgeErr
}

func (c *Control) AddChannelToBridge(_ context.Context, bridgeID, channelID, role string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.AddChannelCalls = append(c.AddChannelCalls, BridgeChannelCall{BridgeID: bridgeID, ChannelID: channelID, Role: role})
	return c.AddChannelErr
}

func (c *Control) RemoveChannelFromBridge(_ context.Context, bridgeID, channelID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.RemoveChannelCalls = append(c.RemoveChannelCalls, BridgeChannelCall{BridgeID: bridgeID, ChannelID: channelID})
	return c.RemoveChannelErr
}

func (c *Control) AnswerChannel(_ context.Context, channelID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.AnswerCalls = append(c.AnswerCalls, channelID)
	return c.AnswerErr
}

func (c *Control) HangupChannel(_ context.Context, channelID, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.HangupCalls = append(c.HangupCalls, HangupCall{ChannelID: channelID, Reason: reason})
	return c.HangupErr
}

func (c *Control) Play(_ context.Context, channelID, media, lang string) (string, error) {
	return c.play(channelID, false, media, lang)
}

func (c *Control) PlayOnBridge(_ context.Context, bridgeID, media, lang string) (string, error) {
	return c.play(bridgeID, true, media, lang)
}

func (c *Control) play(target string, onBridge bool, media, lang string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.PlayCalls = append(c.PlayCalls, PlayCall{Target: target, OnBridge: onBridge, Media: media, Lang: lang})
	if c.PlayErr != nil {
		return "", c.PlayErr
	}
	if len(c.PlaybackIDs) > 0 {
		id := c.PlaybackIDs[0]
		c.PlaybackIDs = c.PlaybackIDs[1:]
		return id, nil
	}
	c.playbackSeq++
	return fmt.Sprintf("playback-%d", c.playbackSeq), nil
}

func (c *Control) StopPlayback(_ context.Context, playbackID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StopPlaybackCalls = append(c.StopPlaybackCalls, playbackID)
	return c.StopPlaybackErr
}

func (c *Control) RecordChannel(_ context.Context, channelID string, p ari.RecordParams) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.RecordCalls = append(c.RecordCalls, RecordCall{Target: channelID, Params: p})
	return c.RecordErr
}

func (c *Control) RecordBridge(_ context.Context, bridgeID string, p ari.RecordParams) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.RecordCalls = append(c.RecordCalls, RecordCall{Target: bridgeID, OnBridge: true, Params: p})
	return c.RecordErr
}

func (c *Control) FetchStoredRecording(_ context.Context, name string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.FetchCalls = append(c.FetchCalls, name)
	if c.FetchErr != nil {
		return nil, c.FetchErr
	}
	if data, ok := c.Recordings[name]; ok {
		return data, nil
	}
	return nil, fmt.Errorf("fetch %q: %w", name, ari.ErrNotFound)
}

func (c *Control) Originate(_ context.Context, p ari.OriginateParams) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.OriginateCalls = append(c.OriginateCalls, p)
	if len(c.OriginateErrs) > 0 {
		err := c.OriginateErrs[0]
		c.OriginateErrs = c.OriginateErrs[1:]
		if err != nil {
			return "", err
		}
	} else if c.OriginateErr != nil {
		return "", c.OriginateErr
	}
	if len(c.ChannelIDs) > 0 {
		id := c.ChannelIDs[0]
		c.ChannelIDs = c.ChannelIDs[1:]
		return id, nil
	}
	c.channelSeq++
	return fmt.Sprintf("channel-%d", c.channelSeq), nil
}

func (c *Control) GetChannelVariable(_ context.Context, channelID, name string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.VariableCalls = append(c.VariableCalls, VariableCall{ChannelID: channelID, Name: name})
	if c.VariableErr != nil {
		return "", c.VariableErr
	}
	return c.Variables[channelID+"/"+name], nil
}

// HangupCount returns the number of HangupChannel calls. Thread-safe.
func (c *Control) HangupCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.HangupCalls)
}

// LastOriginate returns the most recent originate params and true, or false
// when none happened. Thread-safe.
func (c *Control) LastOriginate() (ari.OriginateParams, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.OriginateCalls) == 0 {
		return ari.OriginateParams{}, false
	}
	return c.OriginateCalls[len(c.OriginateCalls)-1], true
}

// Reset clears all recorded calls. Thread-safe.
func (c *Control) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CreateBridgeCalls = nil
	c.DeleteBridgeCalls = nil
	c.AddChannelCalls = nil
	c.RemoveChannelCalls = nil
	c.AnswerCalls = nil
	c.HangupCalls = nil
	c.PlayCalls = nil
	c.StopPlaybackCalls = nil
	c.RecordCalls = nil
	c.FetchCalls = nil
	c.OriginateCalls = nil
	c.VariableCalls = nil
}

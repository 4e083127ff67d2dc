package capture

import (
	"errors"
	"fmt"
)

// State is the lifecycle position of a TrackCapture.
type State string

const (
	StateOpening       State = "opening"
	StatePreRollMerged State = "pre-roll-merged"
	StateCapturing     State = "capturing"
	StatePostRollWait  State = "post-roll-wait"
	StateFinalized     State = "finalized"
	StateDiscarded     State = "discarded"
	StateFailed        State = "failed"
)

// Terminal reports whether no further transitions are possible other than
// an encode failure on a finalized capture.
func (s State) Terminal() bool {
	switch s {
	case StateFinalized, StateDiscarded, StateFailed:
		return true
	}
	return false
}

// Live reports whether the capture still takes frames from the stream.
func (s State) Live() bool {
	return s == StateCapturing || s == StatePostRollWait
}

// Trigger is something that happens to a capture.
type Trigger string

const (
	TriggerMerge           Trigger = "merge"             // pre-roll taken from the buffer
	TriggerBegin           Trigger = "begin"             // start taking live frames
	TriggerBoundary        Trigger = "boundary"          // next track detected
	TriggerStop            Trigger = "stop"              // user stop
	TriggerPostRollElapsed Trigger = "post-roll-elapsed" // tail window complete
	TriggerForce           Trigger = "force"             // teardown or length limit
	TriggerDiscard         Trigger = "discard"           // cancel, stream error, too short
	TriggerEncodeFailed    Trigger = "encode-failed"
)

// Effect is work the manager must do as a result of a transition.
type Effect string

const (
	EffectSnapshotPreRoll Effect = "snapshot-pre-roll"
	EffectAppendLive      Effect = "append-live"
	EffectSeal            Effect = "seal"
	EffectEncode          Effect = "encode"
	EffectFree            Effect = "free"
)

// ErrInvalidTransition is returned by Step for a trigger the state does not accept.
var ErrInvalidTransition = errors.New("invalid capture transition")

var finalizeEffects = []Effect{EffectSeal, EffectEncode, EffectFree}

// Step is the capture state machine. It has no side effects; the caller
// performs the returned effects in order.
func Step(s State, t Trigger) (State, []Effect, error) {
	if t == TriggerDiscard && !s.Terminal() {
		return StateDiscarded, []Effect{EffectFree}, nil
	}
	if t == TriggerForce && !s.Terminal() {
		return StateFinalized, finalizeEffects, nil
	}

	switch s {
	case StateOpening:
		if t == TriggerMerge {
			return StatePreRollMerged, []Effect{EffectSnapshotPreRoll}, nil
		}
	case StatePreRollMerged:
		if t == TriggerBegin {
			return StateCapturing, []Effect{EffectAppendLive}, nil
		}
	case StateCapturing:
		switch t {
		case TriggerBoundary:
			return StatePostRollWait, nil, nil
		case TriggerStop:
			return StateFinalized, finalizeEffects, nil
		}
	case StatePostRollWait:
		switch t {
		case TriggerPostRollElapsed:
			return StateFinalized, finalizeEffects, nil
		case TriggerStop, TriggerBoundary:
			// Already finishing; the tail window still applies.
			return StatePostRollWait, nil, nil
		}
	case StateFinalized:
		if t == TriggerEncodeFailed {
			return StateFailed, nil, nil
		}
	}
	return s, nil, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, t, s)
}

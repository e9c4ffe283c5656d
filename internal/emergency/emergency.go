// Package emergency implements the ANC pipeline's emergency detector
// (C4): a thin policy over classifier output that decides is_emergency
// with hysteresis, adapted directly from the ancestor project's VAD
// hangover counter (vad.VAD.ShouldSend keeps the "speech" state alive
// for a fixed number of trailing frames after energy drops below
// threshold). Here the roles are inverted in spirit but identical in
// shape: instead of a frame count keeping a positive state alive, two
// distinct on/off confidence thresholds plus a wall-clock hold window
// keep the emergency (bypass) state alive until the alarm has genuinely
// stopped.
package emergency

import "time"

const (
	// DefaultThresholdOn is the confidence at or above which a label in
	// the emergency set triggers is_emergency = true.
	DefaultThresholdOn = 0.70

	// DefaultThresholdOff is the confidence below which, for two
	// consecutive blocks, is_emergency releases back to false.
	DefaultThresholdOff = 0.55

	// DefaultHold is how long a held emergency persists without a further
	// triggering block before it auto-expires.
	DefaultHold = 2 * time.Second
)

// DefaultSet is the default emergency label set (§3).
var DefaultSet = map[string]bool{
	"alarm":      true,
	"siren":      true,
	"fire_alarm": true,
	"warning":    true,
	"emergency":  true,
}

// Event is emitted on an is_emergency state transition.
type Event struct {
	Kind       string // "emergency_start" or "emergency_end"
	Label      string
	Confidence float32
	BlockSeq   uint64
}

// Detector holds the hysteresis state across blocks (§4.4). The zero
// value is not usable; use New.
type Detector struct {
	set         map[string]bool
	thresholdOn float32
	thresholdOff float32
	hold        time.Duration

	active         bool
	belowOffStreak int
	lastTrigger    time.Time
}

// New creates a Detector with the given emergency label set (nil uses
// DefaultSet) and default thresholds/hold window.
func New(set map[string]bool) *Detector {
	if set == nil {
		set = DefaultSet
	}
	return &Detector{
		set:          set,
		thresholdOn:  DefaultThresholdOn,
		thresholdOff: DefaultThresholdOff,
		hold:         DefaultHold,
	}
}

// SetThresholds overrides thresholdOn/thresholdOff.
func (d *Detector) SetThresholds(on, off float32) {
	d.thresholdOn = on
	d.thresholdOff = off
}

// SetHold overrides the hold window.
func (d *Detector) SetHold(hold time.Duration) { d.hold = hold }

// Active reports whether an emergency is currently held active.
func (d *Detector) Active() bool { return d.active }

// Evaluate feeds one block's classification into the hysteresis state
// machine and returns the current is_emergency value plus zero or one
// transition event. now is passed in explicitly so hold-window expiry is
// testable without a wall-clock dependency.
//
// Fail-safe rule (§4.4, §7): classifierFailed=true forces is_emergency
// true regardless of label/confidence/hold state.
func (d *Detector) Evaluate(now time.Time, label string, confidence float32, blockSeq uint64, classifierFailed bool) (isEmergency bool, event *Event) {
	if classifierFailed {
		wasActive := d.active
		d.active = true
		d.lastTrigger = now
		d.belowOffStreak = 0
		if !wasActive {
			return true, &Event{Kind: "emergency_start", Label: label, Confidence: confidence, BlockSeq: blockSeq}
		}
		return true, nil
	}

	triggering := d.set[label] && confidence >= d.thresholdOn

	if !d.active {
		if triggering {
			d.active = true
			d.lastTrigger = now
			d.belowOffStreak = 0
			return true, &Event{Kind: "emergency_start", Label: label, Confidence: confidence, BlockSeq: blockSeq}
		}
		return false, nil
	}

	// Currently active: a fresh trigger resets the hold window and the
	// below-threshold streak.
	if triggering {
		d.lastTrigger = now
		d.belowOffStreak = 0
		return true, nil
	}

	// Hold-window expiry: auto-release if no triggering block arrived
	// within the configured window, so the system never locks in bypass
	// indefinitely (§4.4).
	if d.hold > 0 && now.Sub(d.lastTrigger) >= d.hold {
		d.active = false
		d.belowOffStreak = 0
		return false, &Event{Kind: "emergency_end", Label: label, Confidence: confidence, BlockSeq: blockSeq}
	}

	if confidence < d.thresholdOff {
		d.belowOffStreak++
		if d.belowOffStreak >= 2 {
			d.active = false
			d.belowOffStreak = 0
			return false, &Event{Kind: "emergency_end", Label: label, Confidence: confidence, BlockSeq: blockSeq}
		}
		return true, nil
	}

	// Confidence is between thresholdOff and thresholdOn (or the label
	// left the emergency set) without two consecutive low-confidence
	// blocks yet: stay active, reset the streak.
	d.belowOffStreak = 0
	return true, nil
}

// Reset clears all hysteresis state, releasing any held emergency.
func (d *Detector) Reset() {
	d.active = false
	d.belowOffStreak = 0
	d.lastTrigger = time.Time{}
}

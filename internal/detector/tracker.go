// Package detector implements the drowsiness state machine that turns a noisy
// per-frame eye-openness signal (EAR) into a debounced open/closed state and a
// rate-limited alarm. One Tracker is created per detection session; it is not
// safe for concurrent use and must be driven by a single goroutine in frame
// arrival order.
package detector

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// State is the discrete eye state reported with every processed frame.
type State string

const (
	StateCalibrating State = "calibrating"
	StateOpen        State = "open"
	StateClosed      State = "closed"
)

// Threshold ratios applied to the calibrated median EAR. Ratios of the
// per-person baseline, never absolute constants, so the detector stays
// camera- and person-invariant.
const (
	lowRatio  = 0.75
	highRatio = 0.85
)

// Params holds the tunable knobs of the tracker. All fields can be changed at
// runtime through ApplyPatch; changes take effect on the next ProcessFrame
// call and never retroactively alter already-computed thresholds.
type Params struct {
	// ClosedSeconds is the continuous-closed duration required to fire an alarm.
	ClosedSeconds float64
	// RefractorySeconds is the minimum spacing between two fired alarms.
	RefractorySeconds float64
	// SmoothingFactor is the EMA weight retained from the previous smoothed value.
	SmoothingFactor float64
	// CalibrationSamples is the number of smoothed samples consumed to derive thresholds.
	CalibrationSamples int
	// ConfirmFrames is the consecutive below/above-threshold frame count needed
	// before a state transition is confirmed.
	ConfirmFrames int
}

// DefaultParams returns the production defaults.
func DefaultParams() Params {
	return Params{
		ClosedSeconds:      1.2,
		RefractorySeconds:  2.5,
		SmoothingFactor:    0.7,
		CalibrationSamples: 60,
		ConfirmFrames:      5,
	}
}

// ParamPatch is a partial parameter update. Nil fields are left unchanged;
// fields with out-of-range values are ignored individually. The JSON keys
// match the set_params command of the WebSocket protocol.
type ParamPatch struct {
	ClosedSeconds      *float64 `json:"CLOSED_SECONDS,omitempty"`
	RefractorySeconds  *float64 `json:"REFRACTORY,omitempty"`
	SmoothingFactor    *float64 `json:"SMOOTHING_FACTOR,omitempty"`
	CalibrationSamples *int     `json:"CALIBRATION_SAMPLES,omitempty"`
	ConfirmFrames      *int     `json:"CONFIRM_FRAMES,omitempty"`
}

// Result is the per-frame detection outcome. The JSON tags are the wire shape
// of the state message sent to clients.
type Result struct {
	State         State   `json:"state"`
	EAR           float64 `json:"eye"`
	ThresholdLow  float64 `json:"TH_LOW"`
	ThresholdHigh float64 `json:"TH_HIGH"`
	BaselineReady bool    `json:"baseline_ready"`
	ClosedFor     float64 `json:"closed_for"`
	Alarm         bool    `json:"alarm"`
	Detected      bool    `json:"detected"`
}

// Tracker is the drowsiness state machine. Time is always passed in by the
// caller as seconds from a monotonic clock, which keeps the machine
// deterministic under test.
type Tracker struct {
	params Params

	smoothed   float64
	haveSample bool

	calBuf     []float64
	calibrated bool
	thLow      float64
	thHigh     float64

	eyesClosed   bool
	closedStreak int
	openStreak   int

	closedSince    float64
	hasClosedSince bool
	lastAlarm      float64
	hasLastAlarm   bool
}

// New creates a tracker with the given parameters. Non-positive or otherwise
// unusable fields fall back to the defaults.
func New(p Params) *Tracker {
	t := &Tracker{params: DefaultParams()}
	t.params.apply(p)
	return t
}

func (p *Params) apply(in Params) {
	if in.ClosedSeconds > 0 {
		p.ClosedSeconds = in.ClosedSeconds
	}
	if in.RefractorySeconds > 0 {
		p.RefractorySeconds = in.RefractorySeconds
	}
	if in.SmoothingFactor > 0 && in.SmoothingFactor < 1 {
		p.SmoothingFactor = in.SmoothingFactor
	}
	if in.CalibrationSamples > 0 {
		p.CalibrationSamples = in.CalibrationSamples
	}
	if in.ConfirmFrames > 0 {
		p.ConfirmFrames = in.ConfirmFrames
	}
}

// Params returns a copy of the active parameters.
func (t *Tracker) Params() Params {
	return t.params
}

// ApplyPatch applies the provided fields of a partial update. Invalid values
// are ignored one by one; the rest still apply. An explicit smoothing factor
// of zero is accepted and disables the EMA entirely.
func (t *Tracker) ApplyPatch(patch ParamPatch) {
	if patch.ClosedSeconds != nil && *patch.ClosedSeconds > 0 {
		t.params.ClosedSeconds = *patch.ClosedSeconds
	}
	if patch.RefractorySeconds != nil && *patch.RefractorySeconds > 0 {
		t.params.RefractorySeconds = *patch.RefractorySeconds
	}
	if patch.SmoothingFactor != nil && *patch.SmoothingFactor >= 0 && *patch.SmoothingFactor < 1 {
		t.params.SmoothingFactor = *patch.SmoothingFactor
	}
	if patch.CalibrationSamples != nil && *patch.CalibrationSamples > 0 {
		t.params.CalibrationSamples = *patch.CalibrationSamples
	}
	if patch.ConfirmFrames != nil && *patch.ConfirmFrames > 0 {
		t.params.ConfirmFrames = *patch.ConfirmFrames
	}
}

// ProcessFrame consumes one frame's EAR sample and advances the state machine.
// faceDetected=false means no landmarks were found this frame: the current
// state is reported unchanged and nothing is mutated. now is monotonic
// wall-clock time in seconds.
func (t *Tracker) ProcessFrame(now, ear float64, faceDetected bool) Result {
	if !faceDetected {
		r := t.snapshot(now)
		r.Detected = false
		return r
	}

	if t.haveSample {
		a := t.params.SmoothingFactor
		t.smoothed = a*t.smoothed + (1-a)*ear
	} else {
		t.smoothed = ear
		t.haveSample = true
	}

	if !t.calibrated {
		t.calBuf = append(t.calBuf, t.smoothed)
		if len(t.calBuf) < t.params.CalibrationSamples {
			r := t.snapshot(now)
			r.Detected = true
			return r
		}
		m := median(t.calBuf)
		t.thLow = m * lowRatio
		t.thHigh = m * highRatio
		t.calBuf = nil
		t.calibrated = true
		// Fall through: the filling frame is already judged against the
		// fresh thresholds.
	}

	switch {
	case t.smoothed < t.thLow:
		t.closedStreak++
		t.openStreak = 0
		if !t.eyesClosed && t.closedStreak >= t.params.ConfirmFrames {
			t.eyesClosed = true
			t.closedSince = now
			t.hasClosedSince = true
		}
	case t.smoothed > t.thHigh:
		t.openStreak++
		t.closedStreak = 0
		if t.eyesClosed && t.openStreak >= t.params.ConfirmFrames {
			t.eyesClosed = false
			t.hasClosedSince = false
		}
	default:
		// Dead band between the thresholds: streaks hold, state holds.
	}

	r := t.snapshot(now)
	r.Detected = true
	if t.eyesClosed && t.hasClosedSince {
		closedFor := now - t.closedSince
		r.ClosedFor = closedFor
		if closedFor >= t.params.ClosedSeconds &&
			(!t.hasLastAlarm || now-t.lastAlarm >= t.params.RefractorySeconds) {
			t.lastAlarm = now
			t.hasLastAlarm = true
			r.Alarm = true
		}
	}
	return r
}

// ResetCalibration drops the calibration buffer and thresholds and forces the
// eye state back to open. The refractory timer survives recalibration: alarm
// spacing is a property of the alarm stream, not of the baseline.
func (t *Tracker) ResetCalibration() {
	t.calBuf = nil
	t.calibrated = false
	t.thLow = 0
	t.thHigh = 0
	t.eyesClosed = false
	t.closedStreak = 0
	t.openStreak = 0
	t.hasClosedSince = false
}

func (t *Tracker) snapshot(now float64) Result {
	r := Result{
		EAR:           t.smoothed,
		ThresholdLow:  t.thLow,
		ThresholdHigh: t.thHigh,
		BaselineReady: t.calibrated,
	}
	switch {
	case !t.calibrated:
		r.State = StateCalibrating
	case t.eyesClosed:
		r.State = StateClosed
		if t.hasClosedSince {
			r.ClosedFor = now - t.closedSince
		}
	default:
		r.State = StateOpen
	}
	return r
}

// median resists landmark-jitter outliers better than the mean, which is why
// calibration uses it.
func median(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	return stat.Quantile(0.5, stat.Empirical, sorted, nil)
}

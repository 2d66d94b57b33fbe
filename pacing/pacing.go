// Package pacing predicts frame timing from a rolling history of observed
// timestamps.
//
// The Predictor converts wake-up, submit and display feedback into forward
// predictions for the next frame: when to wake the renderer, when the image
// should be handed to the display, and when photons are expected to reach
// the user. Predictions are pure functions of the internal history and the
// caller's clock reading; no method ever blocks.
package pacing

import (
	"sync"
	"time"

	"github.com/ToasterUwU/monado/frame"
)

// Point identifies a CPU-side timing mark within a frame's lifetime.
type Point int

const (
	// PointWakeUp is when the renderer actually woke for the frame.
	PointWakeUp Point = iota
	// PointBegin is when per-frame work began.
	PointBegin
	// PointSubmitBegin is when GPU submission started.
	PointSubmitBegin
	// PointSubmitEnd is when GPU submission returned.
	PointSubmitEnd
)

// String returns the mark name for logging.
func (p Point) String() string {
	switch p {
	case PointWakeUp:
		return "wake-up"
	case PointBegin:
		return "begin"
	case PointSubmitBegin:
		return "submit-begin"
	case PointSubmitEnd:
		return "submit-end"
	default:
		return "unknown"
	}
}

// Prediction is the forward timing contract for one frame.
type Prediction struct {
	FrameID                int64
	WakeUpTime             time.Time
	DesiredPresentTime     time.Time
	PresentSlop            time.Duration
	PredictedDisplayTime   time.Time
	PredictedDisplayPeriod time.Duration
	MinDisplayPeriod       time.Duration
}

// Sample is the recorded history for one frame id.
type Sample struct {
	FrameID int64

	// Predicted at Predict time.
	PredictedWakeUp  time.Time
	DesiredPresent   time.Time
	PredictedDisplay time.Time
	PresentSlop      time.Duration

	// CPU marks. Zero until reported.
	WokeUp      time.Time
	Begin       time.Time
	SubmitBegin time.Time
	SubmitEnd   time.Time

	// GPU feedback. Zero until reported.
	GPUStart time.Time
	GPUEnd   time.Time

	// Actual display feedback. Zero until reported.
	DisplayTime time.Time
}

const (
	// historySize bounds the per-frame sample ring. Old frames fall out as
	// new ones are predicted.
	historySize = 16

	// periodAlpha is the smoothing factor for the display-period average.
	// High enough to converge within a handful of frames, low enough to
	// ride out one-off jitter.
	periodAlpha = 0.3

	// gpuAlpha smooths the observed GPU execution time.
	gpuAlpha = 0.3

	defaultSlop     = 500 * time.Microsecond
	defaultCompTime = 4 * time.Millisecond

	// presentToDisplay is the assumed latency between handing an image to
	// the display hardware and photons. Refined implicitly through the
	// period average, not modeled separately.
	presentToDisplay = time.Millisecond
)

// Predictor owns the timing history and produces predictions. Safe for
// concurrent use; marks may arrive from backend threads while the
// coordinator predicts.
type Predictor struct {
	mu sync.Mutex

	ids     *frame.IDGen
	nominal time.Duration

	samples [historySize]Sample

	period   time.Duration
	compTime time.Duration
	gpuTime  time.Duration

	lastPredictedDisplay time.Time
	lastDisplayTime      time.Time
	lastDisplayFrameID   int64
}

// New creates a Predictor with the given nominal display interval. Frame
// ids are drawn from ids so that predictions and the lifecycle tracker
// agree on identity.
func New(nominalInterval time.Duration, ids *frame.IDGen) *Predictor {
	if nominalInterval <= 0 {
		nominalInterval = 16667 * time.Microsecond
	}
	return &Predictor{
		ids:      ids,
		nominal:  nominalInterval,
		period:   nominalInterval,
		compTime: defaultCompTime,
	}
}

// Predict issues a new frame id and returns the timing contract for it.
// With no history it falls back to the nominal interval. Never blocks.
func (p *Predictor) Predict(now time.Time) Prediction {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.ids.NextID()
	period := p.period
	comp := p.compTime
	if p.gpuTime > 0 && p.gpuTime+time.Millisecond > comp {
		comp = p.gpuTime + time.Millisecond
	}

	// Earliest display tick we can still hit.
	earliest := now.Add(comp + defaultSlop)
	var display time.Time
	if p.lastPredictedDisplay.IsZero() {
		display = earliest.Add(period)
	} else {
		display = p.lastPredictedDisplay
		for !display.After(earliest) {
			display = display.Add(period)
		}
	}
	p.lastPredictedDisplay = display

	present := display.Add(-presentToDisplay)
	wake := present.Add(-comp - defaultSlop)

	s := p.sampleSlot(id)
	*s = Sample{
		FrameID:          id,
		PredictedWakeUp:  wake,
		DesiredPresent:   present,
		PredictedDisplay: display,
		PresentSlop:      defaultSlop,
	}

	return Prediction{
		FrameID:                id,
		WakeUpTime:             wake,
		DesiredPresentTime:     present,
		PresentSlop:            defaultSlop,
		PredictedDisplayTime:   display,
		PredictedDisplayPeriod: period,
		MinDisplayPeriod:       period,
	}
}

// MarkPoint records a CPU timing mark for frameID. Duplicate or
// out-of-order marks overwrite (last write wins); unknown frame ids are
// ignored, as backends may report after a frame has left the history.
func (p *Predictor) MarkPoint(kind Point, frameID int64, when time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.lookup(frameID)
	if s == nil {
		return
	}
	switch kind {
	case PointWakeUp:
		s.WokeUp = when
	case PointBegin:
		s.Begin = when
	case PointSubmitBegin:
		s.SubmitBegin = when
	case PointSubmitEnd:
		s.SubmitEnd = when
	}
}

// InfoGPU feeds back the actual GPU execution window for frameID. Backends
// without timestamp support simply never call this; prediction then relies
// on CPU marks alone.
func (p *Predictor) InfoGPU(frameID int64, gpuStart, gpuEnd, when time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.lookup(frameID)
	if s == nil {
		return
	}
	s.GPUStart = gpuStart
	s.GPUEnd = gpuEnd

	if d := gpuEnd.Sub(gpuStart); d > 0 {
		if p.gpuTime == 0 {
			p.gpuTime = d
		} else {
			p.gpuTime = ewma(p.gpuTime, d, gpuAlpha)
		}
	}
}

// InfoPresented records the actual display time of frameID, as reported by
// targets that know it. Consecutive reports drive the display-period
// average toward the true refresh cadence.
func (p *Predictor) InfoPresented(frameID int64, displayTime time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s := p.lookup(frameID); s != nil {
		s.DisplayTime = displayTime
	}

	if !p.lastDisplayTime.IsZero() && frameID > p.lastDisplayFrameID {
		frames := frameID - p.lastDisplayFrameID
		delta := displayTime.Sub(p.lastDisplayTime) / time.Duration(frames)
		if delta > 0 {
			p.period = ewma(p.period, delta, periodAlpha)
		}
	}
	p.lastDisplayTime = displayTime
	p.lastDisplayFrameID = frameID
}

// SampleFor returns the recorded history for frameID, if it is still in
// the ring.
func (p *Predictor) SampleFor(frameID int64) (Sample, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.lookup(frameID)
	if s == nil {
		return Sample{}, false
	}
	return *s, true
}

// NominalInterval returns the configured nominal display interval.
func (p *Predictor) NominalInterval() time.Duration {
	return p.nominal
}

func (p *Predictor) sampleSlot(frameID int64) *Sample {
	return &p.samples[frameID%historySize]
}

// lookup returns the live sample for frameID, or nil if the id was never
// predicted or has been evicted from the ring.
func (p *Predictor) lookup(frameID int64) *Sample {
	if frameID <= 0 {
		return nil
	}
	s := p.sampleSlot(frameID)
	if s.FrameID != frameID {
		return nil
	}
	return s
}

func ewma(current, observed time.Duration, alpha float64) time.Duration {
	return time.Duration(float64(current)*(1-alpha) + float64(observed)*alpha)
}

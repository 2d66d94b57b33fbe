// Package frame issues monotonically increasing frame ids and tracks each
// frame's lifecycle through the waited and rendering slots.
//
// The coordinator runs a single frame through wait -> render -> submit per
// iteration. Exactly one frame may occupy the waited slot and one the
// rendering slot at a time; moving a frame into an occupied slot means the
// pipeline issued two render phases without a completing present phase,
// which is a caller bug, not a runtime condition.
package frame

import (
	"fmt"
	"sync/atomic"
	"time"
)

// IDGen issues strictly increasing 64-bit frame ids. The zero value is
// ready to use; the first id is 1. Safe for concurrent use.
type IDGen struct {
	last atomic.Int64
}

// NextID returns a fresh frame id. Ids are never reused.
func (g *IDGen) NextID() int64 {
	return g.last.Add(1)
}

// Frame carries the timing data predicted for one frame id. A Frame with
// ID <= 0 is invalid (the slot is empty).
type Frame struct {
	ID int64

	// PredictedDisplayTime is when photons for this frame are expected to
	// reach the user's eyes.
	PredictedDisplayTime time.Time

	// DesiredPresentTime is when the image should be handed to the display
	// hardware.
	DesiredPresentTime time.Time

	// PresentSlop is the jitter margin around DesiredPresentTime.
	PresentSlop time.Duration

	// WakeUpTime is when the application was told to start rendering.
	WakeUpTime time.Time
}

// Valid reports whether f holds a real frame.
func (f *Frame) Valid() bool { return f.ID > 0 }

// Invalid reports whether the slot is empty.
func (f *Frame) Invalid() bool { return f.ID <= 0 }

// Tracker holds the two lifecycle slots. It is owned and mutated only by
// the coordinator thread.
type Tracker struct {
	// Waited holds the frame whose wake-up has fired but whose rendering
	// has not started.
	Waited Frame

	// Rendering holds the frame currently being rendered and submitted.
	Rendering Frame
}

// MoveAndClear transfers the frame from src into dst and invalidates src.
//
// It panics if dst is already valid or src is invalid: both indicate the
// pipeline violated the single-frame-in-flight contract.
func (t *Tracker) MoveAndClear(dst, src *Frame) {
	if dst.Valid() {
		panic(fmt.Sprintf("frame: moving frame %d into slot occupied by frame %d", src.ID, dst.ID))
	}
	if src.Invalid() {
		panic("frame: moving from an empty slot")
	}
	*dst = *src
	Clear(src)
}

// Clear marks the slot empty. Called once presentation of the slot's frame
// has been fully handed off.
func Clear(f *Frame) {
	*f = Frame{}
}

package compositor

import (
	"fmt"
	"time"

	"github.com/ToasterUwU/monado"
	"github.com/ToasterUwU/monado/driver"
	"github.com/ToasterUwU/monado/frame"
	"github.com/ToasterUwU/monado/pacing"
	"github.com/ToasterUwU/monado/scratch"
	"github.com/ToasterUwU/monado/target"
)

const (
	// presentTimeoutFactor bounds the wait-for-present at a multiple of the
	// nominal frame interval. A timeout here is diagnostic only; it never
	// aborts GPU work.
	presentTimeoutFactor = 2.5

	// lateThreshold is the deadline-miss warning threshold.
	lateThreshold = time.Millisecond

	// fenceTimeout bounds the wait on a previous submission's fence. With
	// the per-frame queue-idle wait this only ever triggers on a hung GPU.
	fenceTimeout = time.Second
)

// Draw runs one frame through the full pipeline: predict, wake, acquire,
// build, dispatch, submit, present, wait. Recoverable per-frame conditions
// (staleness, not-ready, dropped frames) are absorbed here; only fatal
// allocation or device-loss errors are returned.
func (c *Compositor) Draw() error {
	if !c.initialized {
		return ErrNotInitialized
	}

	pred := c.tgt.Timing().CalcFramePacing(time.Now())
	if d := time.Until(pred.WakeUpTime); d > 0 {
		time.Sleep(d)
	}
	now := time.Now()
	c.tgt.Timing().MarkTimingPoint(pacing.PointWakeUp, pred.FrameID, now)

	c.tracker.Waited = frame.Frame{
		ID:                   pred.FrameID,
		PredictedDisplayTime: pred.PredictedDisplayTime,
		DesiredPresentTime:   pred.DesiredPresentTime,
		PresentSlop:          pred.PresentSlop,
		WakeUpTime:           pred.WakeUpTime,
	}
	c.tracker.MoveAndClear(&c.tracker.Rendering, &c.tracker.Waited)
	f := c.tracker.Rendering

	if !c.tgt.CheckReady() {
		// Discarded frame: no GPU work, but the timing marks still land so
		// pacing history stays consistent.
		n := time.Now()
		c.tgt.Timing().MarkTimingPoint(pacing.PointBegin, f.ID, n)
		c.tgt.Timing().MarkTimingPoint(pacing.PointSubmitBegin, f.ID, n)
		c.tgt.Timing().MarkTimingPoint(pacing.PointSubmitEnd, f.ID, n)
		frame.Clear(&c.tracker.Rendering)
		c.framesSkipped.Add(1)
		return nil
	}
	c.tgt.Timing().MarkTimingPoint(pacing.PointBegin, f.ID, now)

	if err := c.ensureImagesAndRenderings(false); err != nil {
		frame.Clear(&c.tracker.Rendering)
		return err
	}

	idx, acquired, err := c.acquireWithRetry()
	if err != nil {
		frame.Clear(&c.tracker.Rendering)
		return err
	}
	if !acquired {
		// Dropped after the single recreate-and-retry. The pipeline
		// continues with the next frame id.
		n := time.Now()
		c.tgt.Timing().MarkTimingPoint(pacing.PointSubmitBegin, f.ID, n)
		c.tgt.Timing().MarkTimingPoint(pacing.PointSubmitEnd, f.ID, n)
		frame.Clear(&c.tracker.Rendering)
		c.framesDropped.Add(1)
		monado.Logger().Debug("compositor: frame dropped after acquire retry", "frame", f.ID)
		return nil
	}

	views := c.buildViews(f.PredictedDisplayTime)

	var fs scratch.FrameState
	fs.InitAndGet(c.scratch)
	c.lastRingIndex.Set(int64(fs.Index(0)))

	comp := driver.CompositionInfo{
		Label:  fmt.Sprintf("composite frame %d", f.ID),
		Target: c.tgt.Images()[idx],
		Mode:   c.dispatchMode,
	}
	for i, v := range views {
		comp.Views = append(comp.Views, driver.CompositionView{
			Source:         c.scratch.Image(i, fs.Index(i)),
			Viewport:       v.Viewport,
			VertexRotation: v.Rotation.V,
		})
		fs.SetUsed(i)
	}

	// Reusing slot resources requires the previous submission's fence, not
	// this frame's own (it has not been submitted yet).
	waitDur, lagFrameID, completion := c.waitForLastFence()

	cl, err := c.drv.RecordComposition(comp)
	if err != nil {
		fs.DiscardOrDone(c.scratch)
		frame.Clear(&c.tracker.Rendering)
		return fmt.Errorf("compositor: recording composition: %w", err)
	}

	c.tgt.Timing().MarkTimingPoint(pacing.PointSubmitBegin, f.ID, time.Now())
	fence := c.fences[idx]
	fence.Reset()
	submit := driver.SubmitInfo{
		Work:  []driver.CommandList{cl},
		Fence: fence,
	}
	if ia, rc := c.tgt.Semaphores(); ia != nil || rc != nil {
		if ia != nil {
			submit.WaitSemaphores = []driver.Semaphore{ia}
		}
		if rc != nil {
			submit.SignalSemaphores = []driver.Semaphore{rc}
		}
	}
	if c.timeline != nil {
		submit.Timeline = c.timeline
		submit.TimelineValue = f.ID
	}
	if err := c.drv.Queue().Submit(submit); err != nil {
		cl.Destroy()
		fs.DiscardOrDone(c.scratch)
		frame.Clear(&c.tracker.Rendering)
		return fmt.Errorf("compositor: submitting frame %d: %w", f.ID, err)
	}
	c.tgt.Timing().MarkTimingPoint(pacing.PointSubmitEnd, f.ID, time.Now())

	if old := c.cmds[idx]; old != nil {
		old.Destroy()
	}
	c.cmds[idx] = cl
	c.cmdFrameIDs[idx] = f.ID
	c.fenceUsed[idx] = true
	c.fencedBuffer = idx

	fs.DiscardOrDone(c.scratch)
	c.blitMirror(f)

	st := c.tgt.Present(c.drv.Queue(), idx, f.ID, f.DesiredPresentTime, f.PresentSlop)
	switch {
	case st.NeedsRecreate():
		// Presentation aborted; the next frame starts fresh on new images.
		monado.Logger().Debug("compositor: present reported staleness", "frame", f.ID, "status", st.String())
		err := c.ensureImagesAndRenderings(true)
		frame.Clear(&c.tracker.Rendering)
		if err != nil {
			return err
		}
		c.framesDropped.Add(1)
		return nil
	case st.Code == target.Fatal:
		frame.Clear(&c.tracker.Rendering)
		return fmt.Errorf("compositor: presenting frame %d: %w", f.ID, st.Err)
	}

	c.waitForPresent(f)

	// Queue-idle once per frame after present. Sacrifices pipelining depth
	// to keep resource lifetimes trivially correct.
	if err := c.drv.Queue().WaitIdle(); err != nil {
		frame.Clear(&c.tracker.Rendering)
		return fmt.Errorf("compositor: queue idle after present: %w", err)
	}

	if waitDur > lateThreshold && lagFrameID != 0 {
		if s, ok := c.pred.SampleFor(lagFrameID); ok && completion.After(s.DesiredPresent.Add(lateThreshold)) {
			c.missedDeadlines.Add(1)
			monado.Logger().Warn("compositor: frame completed late",
				"frame", lagFrameID,
				"fence_wait", waitDur,
				"late_by", completion.Sub(s.DesiredPresent))
		}
	}

	frame.Clear(&c.tracker.Rendering)
	c.framesDrawn.Add(1)
	return nil
}

// acquireWithRetry obtains a target image index, honoring the edge policy:
// staleness forces exactly one recreate-and-retry; a second consecutive
// failure drops the frame (acquired=false) without error. A pre-acquired
// slot from the present-wait heuristic is consumed first.
func (c *Compositor) acquireWithRetry() (idx int, acquired bool, err error) {
	if c.acquiredBuffer >= 0 {
		idx = c.acquiredBuffer
		c.acquiredBuffer = -1
		return idx, true, nil
	}

	idx, st := c.tgt.Acquire()
	if st.IsOk() {
		return idx, true, nil
	}
	if st.Code == target.Fatal {
		return 0, false, fmt.Errorf("compositor: acquire: %w", st.Err)
	}
	if !st.NeedsRecreate() {
		return 0, false, nil
	}

	monado.Logger().Debug("compositor: acquire requested recreate", "status", st.String())
	if err := c.ensureImagesAndRenderings(true); err != nil {
		return 0, false, err
	}
	idx, st = c.tgt.Acquire()
	if st.IsOk() {
		return idx, true, nil
	}
	if st.Code == target.Fatal {
		return 0, false, fmt.Errorf("compositor: acquire after recreate: %w", st.Err)
	}
	return 0, false, nil
}

// waitForLastFence blocks on the fence of the most recent submission and
// harvests its GPU timestamps. Returns the wait duration, the waited
// frame's id (0 if nothing was pending) and the completion time, for the
// deadline-miss diagnostic.
func (c *Compositor) waitForLastFence() (waitDur time.Duration, frameID int64, completion time.Time) {
	if c.fencedBuffer < 0 || !c.fenceUsed[c.fencedBuffer] {
		return 0, 0, time.Time{}
	}
	slot := c.fencedBuffer
	start := time.Now()
	ok, err := c.fences[slot].Wait(fenceTimeout)
	completion = time.Now()
	if err != nil || !ok {
		monado.Logger().Warn("compositor: fence wait failed",
			"slot", slot, "signaled", ok, "err", err)
	}
	frameID = c.cmdFrameIDs[slot]

	if tq, hasTS := c.cmds[slot].(driver.TimestampQuerier); hasTS {
		if gpuStart, gpuEnd, valid := tq.Timestamps(); valid {
			c.tgt.Timing().InfoGPU(frameID, gpuStart, gpuEnd, completion)
		}
	}
	return completion.Sub(start), frameID, completion
}

// waitForPresent blocks until the frame is likely on screen. Backends
// without a real wait substitute an eager acquire of the next image as the
// synchronization point; the slot is kept for the next frame.
func (c *Compositor) waitForPresent(f frame.Frame) {
	timeout := time.Duration(presentTimeoutFactor * float64(c.nominal))
	if c.tgt.SupportsWaitForPresent() {
		if st := c.tgt.WaitForPresent(f.ID, timeout); !st.IsOk() {
			monado.Logger().Debug("compositor: wait-for-present did not complete",
				"frame", f.ID, "status", st.String())
		}
		return
	}
	if idx, st := c.tgt.Acquire(); st.IsOk() {
		c.acquiredBuffer = idx
	}
}

// blitMirror hands the frame's done scratch images to the mirror sink.
// Best effort: an inactive sink or missing content is a silent skip.
func (c *Compositor) blitMirror(f frame.Frame) {
	if c.mirror == nil || !c.mirror.Active() {
		return
	}
	imgs := make([]driver.Image, 0, c.viewCount)
	for i := 0; i < c.viewCount; i++ {
		slot, ok := c.scratch.LastDone(i)
		if !ok {
			return
		}
		imgs = append(imgs, c.scratch.Image(i, slot))
	}
	c.mirror.Blit(f.ID, f.PredictedDisplayTime, imgs)
}

// Package compositor coordinates the per-frame rendering pipeline: predict
// timing, acquire a target image, build per-view data, dispatch GPU work,
// submit with the correct semaphore/fence graph, present, and feed actual
// timestamps back into pacing.
//
// One dedicated goroutine drives Draw to completion per frame. GPU work is
// asynchronous relative to it; the coordinator synchronizes through one
// fence per target image slot and waits on the fence belonging to the
// previous use of a slot before reusing it, never on the current frame's
// own fence.
package compositor

import (
	"errors"
	"fmt"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/ToasterUwU/monado"
	"github.com/ToasterUwU/monado/debugvar"
	"github.com/ToasterUwU/monado/device"
	"github.com/ToasterUwU/monado/driver"
	"github.com/ToasterUwU/monado/frame"
	"github.com/ToasterUwU/monado/internal/xrmath"
	"github.com/ToasterUwU/monado/mirror"
	"github.com/ToasterUwU/monado/pacing"
	"github.com/ToasterUwU/monado/scratch"
	"github.com/ToasterUwU/monado/target"
)

// ErrNotInitialized is returned by Draw after Destroy or a failed New.
var ErrNotInitialized = errors.New("compositor: not initialized")

// FoVSource selects where per-view fields of view come from.
type FoVSource int

const (
	// FoVSourceDistortion takes FoVs from the lens distortion profile.
	FoVSourceDistortion FoVSource = iota
	// FoVSourceDevice takes FoVs from the device's view query.
	FoVSourceDevice
)

// Option configures a Compositor.
type Option func(*Compositor)

// WithDispatchMode selects graphics or compute composition. Fixed for the
// process lifetime.
func WithDispatchMode(m driver.DispatchMode) Option {
	return func(c *Compositor) { c.dispatchMode = m }
}

// WithPreferredExtent sets the preferred target extent (default 1280x720).
func WithPreferredExtent(w, h int) Option {
	return func(c *Compositor) {
		if w > 0 && h > 0 {
			c.preferredW, c.preferredH = w, h
		}
	}
}

// WithViewCount sets the number of logical views (default 2).
func WithViewCount(n int) Option {
	return func(c *Compositor) {
		if n > 0 {
			c.viewCount = n
		}
	}
}

// WithNominalFrameInterval sets the display interval used before pacing
// has feedback (default 1/90 s).
func WithNominalFrameInterval(d time.Duration) Option {
	return func(c *Compositor) { c.nominal = d }
}

// WithMirror attaches a mirror sink.
func WithMirror(m *mirror.Sink) Option {
	return func(c *Compositor) { c.mirror = m }
}

// WithTarget bypasses registry probing and uses the given target. The
// compositor takes ownership and runs both init phases.
func WithTarget(t target.Target) Option {
	return func(c *Compositor) { c.tgt = t }
}

// WithFoVSource selects the FoV source (default distortion profile).
func WithFoVSource(s FoVSource) Option {
	return func(c *Compositor) { c.fovSource = s }
}

// WithDefaultEyeRelation sets the fallback eye offset passed to the device
// view query.
func WithDefaultEyeRelation(v xrmath.Vec3) Option {
	return func(c *Compositor) { c.defaultEyeRelation = v }
}

// Compositor owns the frame lifecycle and the presentation target.
type Compositor struct {
	xdev device.Device
	drv  driver.Device
	tgt  target.Target

	ids     frame.IDGen
	pred    *pacing.Predictor
	tracker frame.Tracker
	scratch *scratch.Manager
	mirror  *mirror.Sink

	dispatchMode       driver.DispatchMode
	viewCount          int
	preferredW         int
	preferredH         int
	nominal            time.Duration
	fovSource          FoVSource
	defaultEyeRelation xrmath.Vec3

	timeline driver.Timeline

	// Per target image slot. A slot's fence guards reuse of its resources;
	// fenceUsed marks slots that have ever been submitted.
	fences      []driver.Fence
	fenceUsed   []bool
	cmds        []driver.CommandList
	cmdFrameIDs []int64

	// acquiredBuffer is a slot acquired ahead of time by the heuristic
	// present-wait; -1 when none. fencedBuffer is the slot of the most
	// recent submission; -1 before the first.
	acquiredBuffer int
	fencedBuffer   int

	initialized bool

	framesDrawn     debugvar.Int64
	framesSkipped   debugvar.Int64
	framesDropped   debugvar.Int64
	missedDeadlines debugvar.Int64
	lastRingIndex   debugvar.Int64
}

// New creates a compositor over the given device and graphics driver.
// Without WithTarget, the target registry is probed in priority order.
func New(xdev device.Device, drv driver.Device, opts ...Option) (*Compositor, error) {
	if xdev == nil || drv == nil {
		return nil, fmt.Errorf("compositor: nil device or driver")
	}
	c := &Compositor{
		xdev:           xdev,
		drv:            drv,
		viewCount:      2,
		preferredW:     1280,
		preferredH:     720,
		nominal:        time.Second / 90,
		acquiredBuffer: -1,
		fencedBuffer:   -1,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.pred = pacing.New(c.nominal, &c.ids)
	c.scratch = scratch.NewManager()

	if c.tgt == nil {
		t, err := target.Probe(c.pred)
		if err != nil {
			return nil, fmt.Errorf("compositor: %w", err)
		}
		c.tgt = t
	} else {
		c.tgt.Timing().Pred = c.pred
		if err := c.tgt.InitPreGraphics(); err != nil {
			c.tgt.Destroy()
			return nil, fmt.Errorf("compositor: target pre-graphics init: %w", err)
		}
	}

	if err := c.tgt.InitPostGraphics(c.drv, c.preferredW, c.preferredH); err != nil {
		c.tgt.Destroy()
		return nil, fmt.Errorf("compositor: target post-graphics init: %w", err)
	}

	if c.tgt.SupportsTimeline() {
		tl, err := c.drv.CreateTimeline()
		if err != nil {
			c.tgt.Destroy()
			return nil, fmt.Errorf("compositor: creating timeline: %w", err)
		}
		c.timeline = tl
	}

	if err := c.ensureImagesAndRenderings(true); err != nil {
		c.destroyResources()
		c.tgt.Destroy()
		return nil, err
	}

	c.initialized = true
	monado.Logger().Info("compositor initialized",
		"target", c.tgt.Name(),
		"views", c.viewCount,
		"dispatch", c.dispatchMode)
	return c, nil
}

// ensureImagesAndRenderings makes the target image set, the scratch rings
// and the per-slot synchronization objects match the current surface.
// force drops everything first; it is the resize/staleness path. A
// queue-idle wait precedes any teardown so no in-flight work references
// freed resources.
func (c *Compositor) ensureImagesAndRenderings(force bool) error {
	// The per-slot arrays are part of the check: a failed recreate tears
	// them down while the target may still hold images, and a retried Draw
	// must rebuild them rather than index into nothing.
	if !force && c.tgt.HasImages() && c.scratch.HasImages() &&
		len(c.fences) == len(c.tgt.Images()) {
		return nil
	}

	if err := c.drv.WaitIdle(); err != nil {
		return fmt.Errorf("compositor: queue idle before recreate: %w", err)
	}
	c.destroyPerSlot()

	err := c.tgt.CreateImages(target.CreateImagesInfo{
		Width:           c.preferredW,
		Height:          c.preferredH,
		Format:          gputypes.TextureFormatRGBA8UnormSrgb,
		FallbackFormats: []gputypes.TextureFormat{gputypes.TextureFormatRGBA8Unorm},
		Usage:           driver.UsageRenderTarget | driver.UsageTransferDst,
		PresentMode:     target.PresentModeFIFO,
	})
	if err != nil {
		return fmt.Errorf("compositor: creating target images: %w", err)
	}

	// The backend may have picked its own extent; split it into per-view
	// scratch extents in the logical (pre-rotation) orientation.
	tw, th := c.tgt.Extent()
	lw, lh := tw, th
	if c.tgt.SurfaceTransform().Swaps() {
		lw, lh = th, tw
	}
	vw := lw / c.viewCount
	if vw <= 0 || lh <= 0 {
		return fmt.Errorf("compositor: degenerate view extent %dx%d for %d views", lw, lh, c.viewCount)
	}
	if err := c.scratch.Ensure(c.drv, c.viewCount, vw, lh, gputypes.TextureFormatRGBA8UnormSrgb); err != nil {
		return err
	}

	n := len(c.tgt.Images())
	c.fences = make([]driver.Fence, n)
	c.fenceUsed = make([]bool, n)
	c.cmds = make([]driver.CommandList, n)
	c.cmdFrameIDs = make([]int64, n)
	for i := 0; i < n; i++ {
		f, err := c.drv.CreateFence()
		if err != nil {
			c.destroyPerSlot()
			return fmt.Errorf("compositor: creating fence %d: %w", i, err)
		}
		c.fences[i] = f
	}
	c.acquiredBuffer = -1
	c.fencedBuffer = -1

	monado.Logger().Info("compositor images created",
		"extent", fmt.Sprintf("%dx%d", tw, th),
		"buffers", n,
		"view_extent", fmt.Sprintf("%dx%d", vw, lh))
	return nil
}

func (c *Compositor) destroyPerSlot() {
	for i := range c.cmds {
		if c.cmds[i] != nil {
			c.cmds[i].Destroy()
			c.cmds[i] = nil
		}
	}
	for i := range c.fences {
		if c.fences[i] != nil {
			c.fences[i].Destroy()
			c.fences[i] = nil
		}
	}
	c.fences = nil
	c.fenceUsed = nil
	c.cmds = nil
	c.cmdFrameIDs = nil
	c.acquiredBuffer = -1
	c.fencedBuffer = -1
}

func (c *Compositor) destroyResources() {
	c.destroyPerSlot()
	if c.timeline != nil {
		c.timeline.Destroy()
		c.timeline = nil
	}
	c.scratch.Fini()
}

// AddDebugVars registers the compositor's counters with the debugvar
// registry. Purely observational.
func (c *Compositor) AddDebugVars() {
	debugvar.Register("compositor.frames.drawn", &c.framesDrawn)
	debugvar.Register("compositor.frames.skipped", &c.framesSkipped)
	debugvar.Register("compositor.frames.dropped", &c.framesDropped)
	debugvar.Register("compositor.frames.missed_deadlines", &c.missedDeadlines)
	debugvar.Register("compositor.ring.last_index", &c.lastRingIndex)
}

// Predictor exposes the pacing predictor, e.g. for the outer frame loop's
// own wait logic.
func (c *Compositor) Predictor() *pacing.Predictor { return c.pred }

// Target returns the active presentation target.
func (c *Compositor) Target() target.Target { return c.tgt }

// Destroy releases everything. The compositor must not be used afterwards.
func (c *Compositor) Destroy() {
	if !c.initialized {
		return
	}
	c.initialized = false
	if err := c.drv.WaitIdle(); err != nil {
		monado.Logger().Warn("compositor: queue idle at shutdown", "err", err)
	}
	c.destroyResources()
	c.tgt.Destroy()
}

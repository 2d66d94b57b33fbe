// Package headless is a CPU implementation of the driver contract, backed
// by image.RGBA. Submissions execute synchronously on the calling
// goroutine: fences signal by the time Submit returns and timestamps are
// simulated. It backs tests, the debug-image target and mirror readback.
package headless

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/ToasterUwU/monado/driver"
)

// Device is a CPU driver device. The zero value is not usable; call New.
type Device struct {
	queue *Queue

	mu        sync.Mutex
	destroyed bool
}

var _ driver.Device = (*Device)(nil)

// New creates a headless device.
func New() *Device {
	d := &Device{}
	d.queue = &Queue{dev: d}
	return d
}

// Name implements driver.Device.
func (d *Device) Name() string { return "headless" }

// CreateImage implements driver.Device.
func (d *Device) CreateImage(info driver.ImageInfo) (driver.Image, error) {
	if info.Width <= 0 || info.Height <= 0 {
		return nil, fmt.Errorf("headless: invalid extent %dx%d", info.Width, info.Height)
	}
	return &Image{
		rgba:   image.NewRGBA(image.Rect(0, 0, info.Width, info.Height)),
		format: info.Format,
	}, nil
}

// CreateFence implements driver.Device.
func (d *Device) CreateFence() (driver.Fence, error) {
	f := &Fence{}
	f.cond = sync.NewCond(&f.mu)
	return f, nil
}

// CreateSemaphore implements driver.Device.
func (d *Device) CreateSemaphore() (driver.Semaphore, error) {
	return semaphore{}, nil
}

// CreateTimeline implements driver.Device.
func (d *Device) CreateTimeline() (driver.Timeline, error) {
	t := &Timeline{}
	t.cond = sync.NewCond(&t.mu)
	return t, nil
}

// RecordComposition implements driver.Device. The returned command list
// blits each view's source into its viewport when executed at submit.
func (d *Device) RecordComposition(info driver.CompositionInfo) (driver.CommandList, error) {
	target, ok := info.Target.(*Image)
	if !ok {
		return nil, fmt.Errorf("headless: foreign target image %T", info.Target)
	}
	views := make([]driver.CompositionView, len(info.Views))
	copy(views, info.Views)

	cl := &commandList{}
	cl.run = func(now time.Time) {
		for _, v := range views {
			src, ok := v.Source.(*Image)
			if !ok {
				continue
			}
			dst := image.Rect(v.Viewport.X, v.Viewport.Y,
				v.Viewport.X+v.Viewport.W, v.Viewport.Y+v.Viewport.H)
			target.mu.Lock()
			src.mu.Lock()
			draw.Draw(target.rgba, dst, src.rgba, src.rgba.Bounds().Min, draw.Src)
			src.mu.Unlock()
			target.mu.Unlock()
		}
		// Simulated GPU execution window, scaled by the composed area.
		area := 0
		for _, v := range views {
			area += v.Viewport.W * v.Viewport.H
		}
		cl.start = now
		cl.end = now.Add(time.Duration(area/10_000+1) * time.Microsecond)
		cl.done.Store(true)
	}
	return cl, nil
}

// Queue implements driver.Device.
func (d *Device) Queue() driver.Queue { return d.queue }

// WaitIdle implements driver.Device. All work completes at submit, so this
// only synchronizes with an in-flight Submit call.
func (d *Device) WaitIdle() error { return d.queue.WaitIdle() }

// Destroy implements driver.Device.
func (d *Device) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyed = true
}

// Queue executes submissions synchronously under the hardware-queue lock.
type Queue struct {
	dev *Device
	mu  sync.Mutex

	submits atomic.Int64
}

var _ driver.Queue = (*Queue)(nil)

// Submit implements driver.Queue. Work runs on the calling goroutine;
// fence and timeline are signaled before Submit returns.
func (q *Queue) Submit(info driver.SubmitInfo) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.dev.mu.Lock()
	destroyed := q.dev.destroyed
	q.dev.mu.Unlock()
	if destroyed {
		return driver.ErrDeviceLost
	}

	now := time.Now()
	for _, w := range info.Work {
		if cl, ok := w.(*commandList); ok && cl.run != nil {
			cl.run(now)
		}
	}
	if info.Fence != nil {
		if f, ok := info.Fence.(*Fence); ok {
			f.signal()
		}
	}
	if info.Timeline != nil && info.TimelineValue > 0 {
		if tl, ok := info.Timeline.(*Timeline); ok {
			tl.signal(info.TimelineValue)
		}
	}
	q.submits.Add(1)
	return nil
}

// WaitIdle implements driver.Queue.
func (q *Queue) WaitIdle() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return nil
}

// Submits returns the number of completed submissions, for tests.
func (q *Queue) Submits() int64 { return q.submits.Load() }

// Image is a CPU image.
type Image struct {
	mu     sync.Mutex
	rgba   *image.RGBA
	format gputypes.TextureFormat

	destroyed bool
}

var _ driver.Image = (*Image)(nil)

// Extent implements driver.Image.
func (i *Image) Extent() (int, int) {
	b := i.rgba.Bounds()
	return b.Dx(), b.Dy()
}

// Format implements driver.Image.
func (i *Image) Format() gputypes.TextureFormat { return i.format }

// Readback implements driver.Image. Headless images are host memory, so
// this is a plain copy.
func (i *Image) Readback() (*image.RGBA, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.destroyed {
		return nil, driver.ErrDeviceLost
	}
	out := image.NewRGBA(i.rgba.Bounds())
	copy(out.Pix, i.rgba.Pix)
	return out, nil
}

// Fill paints the whole image one color. Test helper standing in for
// application rendering.
func (i *Image) Fill(c color.RGBA) {
	i.mu.Lock()
	defer i.mu.Unlock()
	draw.Draw(i.rgba, i.rgba.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
}

// Destroy implements driver.Image.
func (i *Image) Destroy() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.destroyed = true
}

// Fence is a CPU fence.
type Fence struct {
	mu       sync.Mutex
	cond     *sync.Cond
	signaled bool
}

var _ driver.Fence = (*Fence)(nil)

func (f *Fence) signal() {
	f.mu.Lock()
	f.signaled = true
	f.mu.Unlock()
	f.cond.Broadcast()
}

// Wait implements driver.Fence.
func (f *Fence) Wait(timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	f.mu.Lock()
	defer f.mu.Unlock()
	for !f.signaled {
		if !time.Now().Before(deadline) {
			return false, nil
		}
		// Submissions signal synchronously, so a short poll is enough and
		// avoids a waker goroutine per fence.
		f.mu.Unlock()
		time.Sleep(100 * time.Microsecond)
		f.mu.Lock()
	}
	return true, nil
}

// Signaled implements driver.Fence.
func (f *Fence) Signaled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signaled
}

// Reset implements driver.Fence.
func (f *Fence) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signaled = false
}

// Destroy implements driver.Fence.
func (f *Fence) Destroy() {}

type semaphore struct{}

func (semaphore) Destroy() {}

// Timeline is a CPU timeline counter.
type Timeline struct {
	mu    sync.Mutex
	cond  *sync.Cond
	value int64
}

var _ driver.Timeline = (*Timeline)(nil)

func (t *Timeline) signal(v int64) {
	t.mu.Lock()
	if v > t.value {
		t.value = v
	}
	t.mu.Unlock()
	t.cond.Broadcast()
}

// Value implements driver.Timeline.
func (t *Timeline) Value() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value
}

// Wait implements driver.Timeline.
func (t *Timeline) Wait(value int64, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.value < value {
		if !time.Now().Before(deadline) {
			return false, nil
		}
		t.mu.Unlock()
		time.Sleep(100 * time.Microsecond)
		t.mu.Lock()
	}
	return true, nil
}

// Destroy implements driver.Timeline.
func (t *Timeline) Destroy() {}

type commandList struct {
	run   func(now time.Time)
	start time.Time
	end   time.Time
	done  atomic.Bool
}

var (
	_ driver.CommandList      = (*commandList)(nil)
	_ driver.TimestampQuerier = (*commandList)(nil)
)

// Destroy implements driver.CommandList.
func (c *commandList) Destroy() { c.run = nil }

// Timestamps implements driver.TimestampQuerier with the simulated
// execution window.
func (c *commandList) Timestamps() (time.Time, time.Time, bool) {
	if !c.done.Load() {
		return time.Time{}, time.Time{}, false
	}
	return c.start, c.end, true
}

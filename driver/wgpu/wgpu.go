// Package wgpu implements the driver contract on top of gogpu/wgpu's
// hardware abstraction layer. Images are hal textures, fences are hal
// fences driven by a monotonically increasing submission counter, and the
// compositor's timeline maps directly onto a hal fence signaled with
// value = frame id.
package wgpu

import (
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/ToasterUwU/monado/driver"
)

const readbackTimeout = 5 * time.Second

var _ driver.Device = (*Device)(nil)

// Device is a hal-backed graphics device.
type Device struct {
	mu        sync.Mutex
	instance  hal.Instance
	dev       hal.Device
	q         hal.Queue
	queue     *Queue
	comp      *compositePipeline
	name      string
	ownsDev   bool
	destroyed atomic.Bool
}

// New opens a standalone device on the first usable adapter, preferring
// discrete then integrated GPUs.
func New() (*Device, error) {
	backend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, fmt.Errorf("wgpu: vulkan backend not available")
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("wgpu: creating instance: %w", err)
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, fmt.Errorf("wgpu: no adapters found")
	}
	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}

	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("wgpu: opening adapter %q: %w", selected.Info.Name, err)
	}

	d := &Device{
		instance: instance,
		dev:      openDev.Device,
		q:        openDev.Queue,
		name:     selected.Info.Name,
		ownsDev:  true,
	}
	return d.finishInit()
}

// NewWithDevice wraps an externally owned hal device and queue, e.g. one
// shared with an application renderer. The caller keeps ownership; Destroy
// releases only driver-created resources.
func NewWithDevice(dev hal.Device, q hal.Queue, name string) (*Device, error) {
	if dev == nil || q == nil {
		return nil, fmt.Errorf("wgpu: nil device or queue")
	}
	d := &Device{dev: dev, q: q, name: name}
	return d.finishInit()
}

func (d *Device) finishInit() (*Device, error) {
	d.queue = &Queue{dev: d}
	comp, err := newCompositePipeline(d.dev)
	if err != nil {
		d.Destroy()
		return nil, err
	}
	d.comp = comp
	return d, nil
}

// Name returns the adapter name.
func (d *Device) Name() string { return d.name }

// Queue returns the submission queue.
func (d *Device) Queue() driver.Queue { return d.queue }

// WaitIdle blocks until all submitted work has completed.
func (d *Device) WaitIdle() error { return d.queue.WaitIdle() }

// CreateImage allocates a 2D texture. All images carry copy usage in both
// directions so composition and readback can transfer through them.
func (d *Device) CreateImage(info driver.ImageInfo) (driver.Image, error) {
	usage := gputypes.TextureUsageCopySrc | gputypes.TextureUsageCopyDst
	if info.Usage&driver.UsageRenderTarget != 0 {
		usage |= gputypes.TextureUsageRenderAttachment
	}
	tex, err := d.dev.CreateTexture(&hal.TextureDescriptor{
		Label: info.Label,
		Size: hal.Extent3D{
			Width:              uint32(info.Width),
			Height:             uint32(info.Height),
			DepthOrArrayLayers: 1,
		},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        info.Format,
		Usage:         usage,
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: creating texture %q: %w", info.Label, err)
	}
	return &Image{
		dev:    d,
		tex:    tex,
		width:  info.Width,
		height: info.Height,
		format: info.Format,
	}, nil
}

// CreateFence creates a binary fence. Underneath it is a hal timeline
// fence; each attachment to a submission bumps the target value, so Reset
// never touches the GPU object.
func (d *Device) CreateFence() (driver.Fence, error) {
	hf, err := d.dev.CreateFence()
	if err != nil {
		return nil, fmt.Errorf("wgpu: creating fence: %w", err)
	}
	return &Fence{dev: d, hf: hf}, nil
}

// CreateSemaphore returns an inert token. hal submission order on a single
// queue already provides the acquire/present ordering the coordinator
// threads semaphores through for.
func (d *Device) CreateSemaphore() (driver.Semaphore, error) {
	return semaphore{}, nil
}

// CreateTimeline creates a timeline counter over a hal fence.
func (d *Device) CreateTimeline() (driver.Timeline, error) {
	hf, err := d.dev.CreateFence()
	if err != nil {
		return nil, fmt.Errorf("wgpu: creating timeline fence: %w", err)
	}
	return &Timeline{dev: d, hf: hf}, nil
}

// Destroy releases the device and, when standalone, the instance.
func (d *Device) Destroy() {
	if d.destroyed.Swap(true) {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.comp != nil {
		d.comp.destroy(d.dev)
		d.comp = nil
	}
	if d.queue != nil {
		d.queue.releaseIdleFence()
	}
	if d.ownsDev && d.instance != nil {
		d.instance.Destroy()
		d.instance = nil
	}
}

// Image is a hal texture.
type Image struct {
	dev    *Device
	mu     sync.Mutex
	tex    hal.Texture
	width  int
	height int
	format gputypes.TextureFormat
}

var _ driver.Image = (*Image)(nil)

// Extent returns the image dimensions in pixels.
func (im *Image) Extent() (int, int) { return im.width, im.height }

// Format returns the pixel format.
func (im *Image) Format() gputypes.TextureFormat { return im.format }

// Texture exposes the underlying hal texture for targets built directly
// on wgpu surfaces.
func (im *Image) Texture() hal.Texture { return im.tex }

// Readback copies the texture to host memory through a staging buffer.
// It submits its own transfer and blocks until the copy completes, so it
// belongs on best-effort paths only.
func (im *Image) Readback() (*image.RGBA, error) {
	im.mu.Lock()
	tex := im.tex
	im.mu.Unlock()
	if tex == nil {
		return nil, driver.ErrDeviceLost
	}

	w, h := im.width, im.height
	rowBytes := w * 4
	alignedRow := alignedRowBytes(w)
	stagingSize := uint64(alignedRow) * uint64(h)

	dev := im.dev
	staging, err := dev.dev.CreateBuffer(&hal.BufferDescriptor{
		Label: "readback_staging",
		Size:  stagingSize,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: creating readback staging: %w", err)
	}
	defer dev.dev.DestroyBuffer(staging)

	encoder, err := dev.dev.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
		Label: "readback",
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: creating readback encoder: %w", err)
	}
	if err := encoder.BeginEncoding("readback"); err != nil {
		return nil, fmt.Errorf("wgpu: beginning readback encoding: %w", err)
	}
	encoder.CopyTextureToBuffer(tex, staging, []hal.BufferTextureCopy{{
		BufferLayout: hal.ImageDataLayout{
			Offset:       0,
			BytesPerRow:  uint32(alignedRow),
			RowsPerImage: uint32(h),
		},
		TextureBase: hal.ImageCopyTexture{Texture: tex, MipLevel: 0},
		Size: hal.Extent3D{
			Width:              uint32(w),
			Height:             uint32(h),
			DepthOrArrayLayers: 1,
		},
	}})
	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return nil, fmt.Errorf("wgpu: ending readback encoding: %w", err)
	}
	defer dev.dev.FreeCommandBuffer(cmdBuf)

	if err := dev.queue.submitAndWait([]hal.CommandBuffer{cmdBuf}, readbackTimeout); err != nil {
		return nil, err
	}

	raw := make([]byte, stagingSize)
	if err := dev.q.ReadBuffer(staging, 0, raw); err != nil {
		return nil, fmt.Errorf("wgpu: reading staging buffer: %w", err)
	}

	out := image.NewRGBA(image.Rect(0, 0, w, h))
	for row := 0; row < h; row++ {
		copy(out.Pix[row*out.Stride:row*out.Stride+rowBytes], raw[row*alignedRow:])
	}
	if im.format == gputypes.TextureFormatBGRA8Unorm {
		swapBGRA(out.Pix)
	}
	return out, nil
}

func swapBGRA(pix []byte) {
	for i := 0; i+3 < len(pix); i += 4 {
		pix[i], pix[i+2] = pix[i+2], pix[i]
	}
}

// Destroy releases the texture. Idempotent.
func (im *Image) Destroy() {
	im.mu.Lock()
	defer im.mu.Unlock()
	if im.tex == nil {
		return
	}
	im.dev.dev.DestroyTexture(im.tex)
	im.tex = nil
}

// Fence is a binary fence over a hal timeline fence. Attachment to a
// submission assigns the next counter value; Wait targets the value of the
// most recent attachment.
type Fence struct {
	dev *Device
	mu  sync.Mutex
	hf  hal.Fence
	// submitted is the value the most recent submission will signal;
	// zero means the fence was never attached.
	submitted uint64
}

var _ driver.Fence = (*Fence)(nil)

func (f *Fence) nextValue() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted++
	return f.submitted
}

func (f *Fence) target() (hal.Fence, uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hf, f.submitted
}

// Wait blocks until the most recent attached submission completes.
func (f *Fence) Wait(timeout time.Duration) (bool, error) {
	hf, v := f.target()
	if hf == nil {
		return false, driver.ErrDeviceLost
	}
	if v == 0 {
		return true, nil
	}
	ok, err := f.dev.dev.Wait(hf, v, timeout)
	if err != nil {
		return false, fmt.Errorf("wgpu: fence wait: %w", err)
	}
	return ok, nil
}

// Signaled reports the current state without blocking.
func (f *Fence) Signaled() bool {
	hf, v := f.target()
	if hf == nil || v == 0 {
		return true
	}
	ok, err := f.dev.dev.Wait(hf, v, 0)
	return err == nil && ok
}

// Reset is a no-op: the next attachment targets a fresh counter value, so
// the fence is unsignaled with respect to it by construction.
func (f *Fence) Reset() {}

// Destroy releases the fence. Idempotent.
func (f *Fence) Destroy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hf == nil {
		return
	}
	f.dev.dev.DestroyFence(f.hf)
	f.hf = nil
}

// semaphore is inert; see Device.CreateSemaphore.
type semaphore struct{}

func (semaphore) Destroy() {}

// Timeline is a monotonically increasing counter over a hal fence.
type Timeline struct {
	dev *Device
	mu  sync.Mutex
	hf  hal.Fence
	// lastSubmitted is the highest value a submission will signal;
	// lastKnown is the highest value confirmed signaled.
	lastSubmitted int64
	lastKnown     int64
}

var _ driver.Timeline = (*Timeline)(nil)

// Value returns the last signaled value.
func (t *Timeline) Value() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hf != nil && t.lastSubmitted > t.lastKnown {
		if ok, err := t.dev.dev.Wait(t.hf, uint64(t.lastSubmitted), 0); err == nil && ok {
			t.lastKnown = t.lastSubmitted
		}
	}
	return t.lastKnown
}

// Wait blocks until the timeline reaches value or timeout expires.
func (t *Timeline) Wait(value int64, timeout time.Duration) (bool, error) {
	t.mu.Lock()
	hf := t.hf
	t.mu.Unlock()
	if hf == nil {
		return false, driver.ErrDeviceLost
	}
	ok, err := t.dev.dev.Wait(hf, uint64(value), timeout)
	if err != nil {
		return false, fmt.Errorf("wgpu: timeline wait: %w", err)
	}
	if ok {
		t.mu.Lock()
		if value > t.lastKnown {
			t.lastKnown = value
		}
		t.mu.Unlock()
	}
	return ok, nil
}

func (t *Timeline) noteSubmitted(value int64) {
	t.mu.Lock()
	if value > t.lastSubmitted {
		t.lastSubmitted = value
	}
	t.mu.Unlock()
}

// Destroy releases the timeline. Idempotent.
func (t *Timeline) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hf == nil {
		return
	}
	t.dev.dev.DestroyFence(t.hf)
	t.hf = nil
}

// Queue serializes hardware submission. hal queues are not safe for
// concurrent Submit, and image readback may run concurrently with the
// frame loop.
type Queue struct {
	dev *Device
	mu  sync.Mutex

	// idleFence tracks submissions that carried no caller fence, and the
	// most recent submission overall for WaitIdle.
	idleFence hal.Fence
	idleValue uint64
	lastWait  func(timeout time.Duration) (bool, error)
}

var _ driver.Queue = (*Queue)(nil)

// Submit hands the recorded work to the hardware queue. Semaphores are
// accepted for interface parity but carry no hal object; single-queue
// submission order provides the required ordering.
func (q *Queue) Submit(info driver.SubmitInfo) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.dev.destroyed.Load() {
		return driver.ErrDeviceLost
	}

	var bufs []hal.CommandBuffer
	for _, w := range info.Work {
		cl, ok := w.(*commandList)
		if !ok {
			return fmt.Errorf("wgpu: foreign command list %T", w)
		}
		bufs = append(bufs, cl.buf)
	}

	hf, value, err := q.signalTargetLocked(info.Fence)
	if err != nil {
		return err
	}
	if err := q.dev.q.Submit(bufs, hf, value); err != nil {
		return fmt.Errorf("wgpu: submit: %w", err)
	}
	dev := q.dev
	q.lastWait = func(timeout time.Duration) (bool, error) {
		return dev.dev.Wait(hf, value, timeout)
	}

	if info.Timeline != nil {
		tl, ok := info.Timeline.(*Timeline)
		if !ok {
			return fmt.Errorf("wgpu: foreign timeline %T", info.Timeline)
		}
		// An empty submission after the work signals the frame id; queue
		// order guarantees it cannot complete before the work does.
		if err := q.dev.q.Submit(nil, tl.hf, uint64(info.TimelineValue)); err != nil {
			return fmt.Errorf("wgpu: timeline signal submit: %w", err)
		}
		tl.noteSubmitted(info.TimelineValue)
	}
	return nil
}

func (q *Queue) signalTargetLocked(f driver.Fence) (hal.Fence, uint64, error) {
	if f != nil {
		wf, ok := f.(*Fence)
		if !ok {
			return nil, 0, fmt.Errorf("wgpu: foreign fence %T", f)
		}
		return wf.hf, wf.nextValue(), nil
	}
	if q.idleFence == nil {
		hf, err := q.dev.dev.CreateFence()
		if err != nil {
			return nil, 0, fmt.Errorf("wgpu: creating internal fence: %w", err)
		}
		q.idleFence = hf
	}
	q.idleValue++
	return q.idleFence, q.idleValue, nil
}

// submitAndWait runs a transfer synchronously, for readback.
func (q *Queue) submitAndWait(bufs []hal.CommandBuffer, timeout time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	hf, value, err := q.signalTargetLocked(nil)
	if err != nil {
		return err
	}
	if err := q.dev.q.Submit(bufs, hf, value); err != nil {
		return fmt.Errorf("wgpu: submit: %w", err)
	}
	ok, err := q.dev.dev.Wait(hf, value, timeout)
	if err != nil {
		return fmt.Errorf("wgpu: wait: %w", err)
	}
	if !ok {
		return driver.ErrTimeout
	}
	return nil
}

// WaitIdle blocks until the most recent submission completes. Submissions
// execute in order on the single hal queue, so its completion implies an
// idle queue.
func (q *Queue) WaitIdle() error {
	q.mu.Lock()
	wait := q.lastWait
	q.mu.Unlock()
	if wait == nil {
		return nil
	}
	ok, err := wait(readbackTimeout)
	if err != nil {
		return fmt.Errorf("wgpu: queue idle: %w", err)
	}
	if !ok {
		return fmt.Errorf("wgpu: queue idle: %w", driver.ErrTimeout)
	}
	return nil
}

func (q *Queue) releaseIdleFence() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.idleFence != nil {
		q.dev.dev.DestroyFence(q.idleFence)
		q.idleFence = nil
	}
	q.lastWait = nil
}

// Package driver defines the thin graphics-context contract the compositor
// renders through.
//
// The contract deliberately stays small: images, synchronization primitives,
// recorded command lists and a guarded submission queue. Pipeline and shader
// construction are implementation details of each driver. Two
// implementations ship with the module: driver/headless (CPU, for tests and
// debug targets) and driver/wgpu (gogpu/wgpu hal).
package driver

import (
	"errors"
	"image"
	"time"

	"github.com/gogpu/gputypes"
)

var (
	// ErrTimeout is returned by waits that expire before signaling.
	ErrTimeout = errors.New("driver: wait timed out")

	// ErrUnsupported is returned by optional capabilities a driver lacks,
	// such as CPU readback of device-local images.
	ErrUnsupported = errors.New("driver: operation not supported")

	// ErrDeviceLost reports an unrecoverable device condition. It is fatal
	// to the frame loop.
	ErrDeviceLost = errors.New("driver: device lost")
)

// ImageUsage is a bitmask of intended image uses.
type ImageUsage uint32

const (
	UsageRenderTarget ImageUsage = 1 << iota
	UsageSampled
	UsageStorage
	UsageTransferSrc
	UsageTransferDst
)

// ImageInfo describes an image allocation request.
type ImageInfo struct {
	Label  string
	Width  int
	Height int
	Format gputypes.TextureFormat
	Usage  ImageUsage
}

// Image is a GPU (or simulated) image resource.
type Image interface {
	// Extent returns the image dimensions in pixels.
	Extent() (w, h int)

	// Format returns the pixel format.
	Format() gputypes.TextureFormat

	// Readback copies the image contents into CPU memory. Drivers whose
	// images are not host-visible return ErrUnsupported; callers on
	// best-effort paths must treat that as a silent skip.
	Readback() (*image.RGBA, error)

	// Destroy releases the resource. Idempotent.
	Destroy()
}

// Fence is a binary CPU-waitable synchronization primitive, signaled when
// a submission it was attached to completes.
type Fence interface {
	// Wait blocks until the fence signals or timeout expires. Returns true
	// if signaled within the timeout.
	Wait(timeout time.Duration) (bool, error)

	// Signaled reports the current state without blocking.
	Signaled() bool

	// Reset returns the fence to unsignaled so it can be attached to a new
	// submission.
	Reset()

	// Destroy releases the fence. Idempotent.
	Destroy()
}

// Semaphore is an opaque GPU-GPU ordering primitive. The CPU never waits
// on one; it is only threaded through SubmitInfo and target presentation.
type Semaphore interface {
	Destroy()
}

// Timeline is a monotonically increasing synchronization counter. Signaling
// value v makes every wait for values <= v succeed. The compositor signals
// value = frame id so completion can be correlated with a specific frame.
type Timeline interface {
	// Value returns the last signaled value.
	Value() int64

	// Wait blocks until the timeline reaches value or timeout expires.
	Wait(value int64, timeout time.Duration) (bool, error)

	Destroy()
}

// CommandList is recorded GPU work, opaque to the coordinator.
type CommandList interface {
	Destroy()
}

// TimestampQuerier is an optional CommandList capability: drivers with GPU
// timestamp support report the execution window once the work's fence has
// signaled.
type TimestampQuerier interface {
	// Timestamps returns the GPU start and end of the recorded work. ok is
	// false until the work completes or if the driver cannot measure it.
	Timestamps() (start, end time.Time, ok bool)
}

// DispatchMode selects which pipeline flavor a driver records composition
// with. Chosen once per process, not per frame.
type DispatchMode int

const (
	DispatchGraphics DispatchMode = iota
	DispatchCompute
)

// Viewport is a destination rectangle in target pixels.
type Viewport struct {
	X, Y, W, H int
}

// CompositionView is one view's contribution to the composition pass.
type CompositionView struct {
	Source Image
	// Viewport is where the view lands in the target, already adjusted for
	// surface pre-rotation.
	Viewport Viewport
	// VertexRotation is the 2x2 row-major matrix applied to vertex UVs to
	// undo the surface transform.
	VertexRotation [4]float64
}

// CompositionInfo describes one frame's composition work.
type CompositionInfo struct {
	Label  string
	Target Image
	Views  []CompositionView
	Mode   DispatchMode
}

// SubmitInfo is one batch of work plus its synchronization graph.
type SubmitInfo struct {
	Work []CommandList

	// WaitSemaphores must signal before the work executes; the image
	// available semaphore from the target goes here.
	WaitSemaphores []Semaphore

	// SignalSemaphores signal when the work completes; the render complete
	// semaphore goes here.
	SignalSemaphores []Semaphore

	// Fence, if non-nil, signals when the work completes.
	Fence Fence

	// Timeline, if non-nil, is signaled with TimelineValue on completion.
	Timeline      Timeline
	TimelineValue int64
}

// Queue accepts work for the hardware queue. Implementations guard raw
// submission with an internal mutex: hardware queues are not safe for
// concurrent submission, and a debug path may submit concurrently with the
// coordinator.
type Queue interface {
	Submit(SubmitInfo) error
	WaitIdle() error
}

// Device creates resources and records composition work.
type Device interface {
	Name() string

	CreateImage(ImageInfo) (Image, error)
	CreateFence() (Fence, error)
	CreateSemaphore() (Semaphore, error)
	CreateTimeline() (Timeline, error)

	// RecordComposition records the work that composites the per-view
	// scratch images into the target image.
	RecordComposition(CompositionInfo) (CommandList, error)

	Queue() Queue

	// WaitIdle blocks until all submitted work has completed.
	WaitIdle() error

	// Destroy releases the device. Idempotent; safe to call after partial
	// initialization.
	Destroy()
}

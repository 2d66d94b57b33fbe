// Package scratch manages the per-view intermediate render targets.
//
// Each logical view (left eye, right eye, ...) owns a small fixed ring of
// images. The coordinator acquires one slot per view per frame, renders
// into it, then marks it done (content ready for composition and the
// mirror sink) or discards it. The ring is sized for one frame of
// pipelining; growing it would trade latency, not correctness.
//
// The manager assumes a single coordinator goroutine, matching the overall
// one-thread-per-frame design; it does not serialize concurrent callers.
package scratch

import (
	"fmt"
	"sync/atomic"

	"github.com/gogpu/gputypes"

	"github.com/ToasterUwU/monado/driver"
)

// NumImages is the ring size per view.
const NumImages = 3

type view struct {
	images [NumImages]driver.Image

	// next is the ring cursor.
	next int
	// acquired is the currently held slot, -1 when none.
	acquired int
	// lastDone is the most recently completed slot, -1 when none. It is
	// what the mirror sink reads.
	lastDone int
}

// Manager owns the scratch rings for all views.
type Manager struct {
	dev driver.Device

	views  []view
	width  int
	height int
	format gputypes.TextureFormat

	allocs atomic.Int64
	frees  atomic.Int64
}

// NewManager returns an empty manager. Call Ensure before use.
func NewManager() *Manager {
	return &Manager{}
}

// Ensure makes the manager hold viewCount rings of width x height images in
// format. Idempotent: if the current configuration already matches, it
// returns immediately without touching resources. On any other call it
// frees all existing resources first, then allocates fresh ones.
//
// A failure mid-allocation rolls back everything allocated by this call
// before returning, so the manager never holds partial state.
func (m *Manager) Ensure(dev driver.Device, viewCount, width, height int, format gputypes.TextureFormat) error {
	if viewCount <= 0 || width <= 0 || height <= 0 {
		return fmt.Errorf("scratch: invalid configuration %d views %dx%d", viewCount, width, height)
	}
	if m.matches(viewCount, width, height, format) {
		return nil
	}
	m.FreeResources()

	m.dev = dev
	m.width = width
	m.height = height
	m.format = format

	// Grow m.views one fully-allocated view at a time so a failure frees
	// exactly what this call allocated.
	m.views = make([]view, 0, viewCount)
	for vi := 0; vi < viewCount; vi++ {
		var v view
		v.acquired = -1
		v.lastDone = -1
		for ri := 0; ri < NumImages; ri++ {
			img, err := dev.CreateImage(driver.ImageInfo{
				Label:  fmt.Sprintf("scratch view %d slot %d", vi, ri),
				Width:  width,
				Height: height,
				Format: format,
				Usage:  driver.UsageRenderTarget | driver.UsageSampled | driver.UsageTransferSrc,
			})
			if err != nil {
				// Free this view's partial ring, then everything the
				// earlier iterations committed.
				for j := 0; j < ri; j++ {
					v.images[j].Destroy()
					m.frees.Add(1)
				}
				m.FreeResources()
				return fmt.Errorf("scratch: allocating view %d slot %d: %w", vi, ri, err)
			}
			v.images[ri] = img
			m.allocs.Add(1)
		}
		m.views = append(m.views, v)
	}
	return nil
}

func (m *Manager) matches(viewCount, width, height int, format gputypes.TextureFormat) bool {
	return len(m.views) == viewCount &&
		m.width == width && m.height == height &&
		m.format == format && m.HasImages()
}

// HasImages reports whether the manager currently holds allocated rings.
func (m *Manager) HasImages() bool {
	return len(m.views) > 0
}

// ViewCount returns the number of configured views.
func (m *Manager) ViewCount() int { return len(m.views) }

// Extent returns the configured image size.
func (m *Manager) Extent() (int, int) { return m.width, m.height }

// Get advances the ring for viewIndex and returns the slot index to render
// into. The caller must pair every Get with Done or Discard.
//
// Acquiring while a previous acquisition is outstanding is a pipeline bug
// and panics.
func (m *Manager) Get(viewIndex int) int {
	v := m.view(viewIndex)
	if v.acquired != -1 {
		panic(fmt.Sprintf("scratch: view %d slot %d acquired twice without done/discard", viewIndex, v.acquired))
	}
	idx := v.next
	v.next = (v.next + 1) % NumImages
	if v.lastDone == idx {
		// The slot's prior content is being recycled; it is no longer
		// readable by consumers.
		v.lastDone = -1
	}
	v.acquired = idx
	return idx
}

// Done marks the acquired slot of viewIndex consumable by downstream
// readers (composition, mirror) and releases the acquisition.
func (m *Manager) Done(viewIndex int) {
	v := m.view(viewIndex)
	if v.acquired == -1 {
		panic(fmt.Sprintf("scratch: view %d done without acquire", viewIndex))
	}
	v.lastDone = v.acquired
	v.acquired = -1
}

// Discard abandons the acquired slot of viewIndex. The slot recycles but
// its content is never made visible to consumers.
func (m *Manager) Discard(viewIndex int) {
	v := m.view(viewIndex)
	if v.acquired == -1 {
		panic(fmt.Sprintf("scratch: view %d discard without acquire", viewIndex))
	}
	v.acquired = -1
}

// Image returns the image at ring slot of viewIndex.
func (m *Manager) Image(viewIndex, slot int) driver.Image {
	return m.view(viewIndex).images[slot]
}

// LastDone returns the slot of viewIndex most recently marked done, if its
// content is still valid (not yet recycled by a later Get).
func (m *Manager) LastDone(viewIndex int) (int, bool) {
	v := m.view(viewIndex)
	if v.lastDone == -1 {
		return 0, false
	}
	return v.lastDone, true
}

// FreeResources releases all graphics resources while keeping the manager
// reusable: a following Ensure reallocates. Used on transient teardown
// such as device loss or resize.
func (m *Manager) FreeResources() {
	for vi := range m.views {
		v := &m.views[vi]
		for ri := range v.images {
			if v.images[ri] != nil {
				v.images[ri].Destroy()
				v.images[ri] = nil
				m.frees.Add(1)
			}
		}
	}
	m.views = nil
	m.width = 0
	m.height = 0
}

// Fini releases everything permanently. The manager must not be used
// afterwards.
func (m *Manager) Fini() {
	m.FreeResources()
	m.dev = nil
}

// Allocs returns the total number of images ever allocated.
func (m *Manager) Allocs() int64 { return m.allocs.Load() }

// Frees returns the total number of images ever freed.
func (m *Manager) Frees() int64 { return m.frees.Load() }

func (m *Manager) view(i int) *view {
	if i < 0 || i >= len(m.views) {
		panic(fmt.Sprintf("scratch: view index %d out of range (%d views)", i, len(m.views)))
	}
	return &m.views[i]
}

// FrameState tracks one frame's scratch acquisitions across all views, so
// the coordinator can acquire everything up front and release each slot as
// done or discarded depending on whether the view actually rendered.
type FrameState struct {
	indices []int
	used    []bool
}

// InitAndGet acquires one slot per view and records the indices.
func (fs *FrameState) InitAndGet(m *Manager) {
	n := m.ViewCount()
	fs.indices = make([]int, n)
	fs.used = make([]bool, n)
	for i := 0; i < n; i++ {
		fs.indices[i] = m.Get(i)
	}
}

// Index returns the acquired slot for viewIndex.
func (fs *FrameState) Index(viewIndex int) int { return fs.indices[viewIndex] }

// SetUsed marks viewIndex as actually rendered this frame.
func (fs *FrameState) SetUsed(viewIndex int) { fs.used[viewIndex] = true }

// DiscardOrDone releases every acquisition: Done for views marked used,
// Discard for the rest.
func (fs *FrameState) DiscardOrDone(m *Manager) {
	for i := range fs.indices {
		if fs.used[i] {
			m.Done(i)
		} else {
			m.Discard(i)
		}
	}
	fs.indices = nil
	fs.used = nil
}

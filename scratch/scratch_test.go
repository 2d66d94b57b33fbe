package scratch

import (
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/ToasterUwU/monado/driver"
	"github.com/ToasterUwU/monado/driver/headless"
)

const testFormat = gputypes.TextureFormatRGBA8Unorm

func newEnsured(t *testing.T, views, w, h int) (*Manager, *headless.Device) {
	t.Helper()
	dev := headless.New()
	m := NewManager()
	if err := m.Ensure(dev, views, w, h, testFormat); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	return m, dev
}

func TestEnsureIdempotent(t *testing.T) {
	m, dev := newEnsured(t, 2, 100, 100)
	defer dev.Destroy()
	defer m.Fini()

	before := m.Allocs()
	if err := m.Ensure(dev, 2, 100, 100, testFormat); err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if m.Allocs() != before {
		t.Errorf("idempotent Ensure allocated again: %d -> %d", before, m.Allocs())
	}
	if before != int64(2*NumImages) {
		t.Errorf("allocs = %d, want %d", before, 2*NumImages)
	}
}

func TestEnsureReconfigures(t *testing.T) {
	m, dev := newEnsured(t, 2, 100, 100)
	defer dev.Destroy()
	defer m.Fini()

	if err := m.Ensure(dev, 2, 200, 100, testFormat); err != nil {
		t.Fatalf("reconfigure Ensure: %v", err)
	}
	if m.Frees() != int64(2*NumImages) {
		t.Errorf("frees after reconfigure = %d, want %d", m.Frees(), 2*NumImages)
	}
	if w, _ := m.Extent(); w != 200 {
		t.Errorf("width = %d, want 200", w)
	}
}

// failingDevice fails image creation after a set number of successes.
type failingDevice struct {
	*headless.Device
	remaining int
}

func (d *failingDevice) CreateImage(info driver.ImageInfo) (driver.Image, error) {
	if d.remaining <= 0 {
		return nil, driver.ErrDeviceLost
	}
	d.remaining--
	return d.Device.CreateImage(info)
}

func TestEnsureRollsBackPartialAllocation(t *testing.T) {
	dev := &failingDevice{Device: headless.New(), remaining: NumImages + 1}
	defer dev.Destroy()

	m := NewManager()
	if err := m.Ensure(dev, 2, 100, 100, testFormat); err == nil {
		t.Fatal("Ensure should fail when allocation fails mid-way")
	}
	if m.HasImages() {
		t.Error("manager holds images after failed Ensure")
	}
	if m.Allocs() != m.Frees() {
		t.Errorf("leak after rollback: allocs %d != frees %d", m.Allocs(), m.Frees())
	}
}

func TestRingRecycling(t *testing.T) {
	m, dev := newEnsured(t, 1, 64, 64)
	defer dev.Destroy()
	defer m.Fini()

	var got []int
	for i := 0; i < 2*NumImages; i++ {
		idx := m.Get(0)
		got = append(got, idx)
		m.Done(0)
	}
	for i, idx := range got {
		if idx != i%NumImages {
			t.Fatalf("acquire %d returned slot %d, want cycle with period %d: %v", i, idx, NumImages, got)
		}
	}
}

func TestGetRecyclesLastDone(t *testing.T) {
	m, dev := newEnsured(t, 1, 64, 64)
	defer dev.Destroy()
	defer m.Fini()

	idx := m.Get(0)
	m.Done(0)
	if got, ok := m.LastDone(0); !ok || got != idx {
		t.Fatalf("LastDone = (%d, %v), want (%d, true)", got, ok, idx)
	}

	// Cycle the remaining slots without completing them; when the done
	// slot itself is reacquired its old content must stop being advertised.
	for i := 0; i < NumImages-1; i++ {
		m.Get(0)
		m.Discard(0)
	}
	reacquired := m.Get(0)
	if reacquired != idx {
		t.Fatalf("expected slot %d reacquired, got %d", idx, reacquired)
	}
	if _, ok := m.LastDone(0); ok {
		t.Error("recycled slot still advertised as done")
	}
	m.Discard(0)
}

func TestGetKeepsNewerDoneSlot(t *testing.T) {
	m, dev := newEnsured(t, 1, 64, 64)
	defer dev.Destroy()
	defer m.Fini()

	// Complete every slot in turn, then reacquire slot 0. The most recent
	// done slot is intact, so consumers such as the mirror sink keep
	// reading it.
	for i := 0; i < NumImages; i++ {
		m.Get(0)
		m.Done(0)
	}
	m.Get(0)
	if got, ok := m.LastDone(0); !ok || got != NumImages-1 {
		t.Errorf("LastDone = (%d, %v), want (%d, true)", got, ok, NumImages-1)
	}
	m.Discard(0)
}

func TestDoubleAcquirePanics(t *testing.T) {
	m, dev := newEnsured(t, 1, 64, 64)
	defer dev.Destroy()
	defer m.Fini()

	m.Get(0)
	defer func() {
		if recover() == nil {
			t.Error("expected panic on second acquire without done/discard")
		}
	}()
	m.Get(0)
}

func TestDiscardHidesContent(t *testing.T) {
	m, dev := newEnsured(t, 1, 64, 64)
	defer dev.Destroy()
	defer m.Fini()

	m.Get(0)
	m.Discard(0)
	if _, ok := m.LastDone(0); ok {
		t.Error("discarded slot advertised as done")
	}
}

func TestFrameState(t *testing.T) {
	m, dev := newEnsured(t, 2, 64, 64)
	defer dev.Destroy()
	defer m.Fini()

	var fs FrameState
	fs.InitAndGet(m)
	fs.SetUsed(0)
	// view 1 deliberately not used
	fs.DiscardOrDone(m)

	if _, ok := m.LastDone(0); !ok {
		t.Error("used view should be done")
	}
	if _, ok := m.LastDone(1); ok {
		t.Error("unused view should be discarded")
	}
}

func TestEndToEndScenario(t *testing.T) {
	// 1000x1000, 2 views, 5 consecutive get/done cycles per view.
	m, dev := newEnsured(t, 2, 1000, 1000)
	defer dev.Destroy()

	for cycle := 0; cycle < 5; cycle++ {
		seen := map[int]int{}
		for v := 0; v < 2; v++ {
			idx := m.Get(v)
			if prev, dup := seen[v]; dup && prev == idx {
				t.Fatalf("view %d acquired slot %d twice concurrently", v, idx)
			}
			seen[v] = idx
		}
		for v := 0; v < 2; v++ {
			m.Done(v)
		}
	}

	m.Fini()
	if m.Allocs() != m.Frees() {
		t.Errorf("after Fini: allocs %d != frees %d", m.Allocs(), m.Frees())
	}
}

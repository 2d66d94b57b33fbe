package compositor

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ToasterUwU/monado/device"
	"github.com/ToasterUwU/monado/driver"
	"github.com/ToasterUwU/monado/driver/headless"
	"github.com/ToasterUwU/monado/mirror"
	"github.com/ToasterUwU/monado/target"
	"github.com/ToasterUwU/monado/target/debugimg"
)

// scriptTarget is a scripted in-memory target: acquire and present pop
// statuses from queues so tests can model staleness sequences exactly.
type scriptTarget struct {
	timing target.Timing
	dev    driver.Device

	images []driver.Image
	width  int
	height int

	ready            bool
	supportsTimeline bool

	acquireScript []target.Code
	presentScript []target.Code

	createImagesCalls int
	presents          int
	next              int
}

var _ target.Target = (*scriptTarget)(nil)

func newScriptTarget() *scriptTarget {
	return &scriptTarget{ready: true}
}

func (s *scriptTarget) Name() string           { return "script" }
func (s *scriptTarget) InitPreGraphics() error { return nil }
func (s *scriptTarget) InitPostGraphics(dev driver.Device, w, h int) error {
	s.dev = dev
	s.width, s.height = w, h
	return nil
}
func (s *scriptTarget) CheckReady() bool { return s.ready }

func (s *scriptTarget) CreateImages(info target.CreateImagesInfo) error {
	s.createImagesCalls++
	for _, img := range s.images {
		img.Destroy()
	}
	s.images = nil
	s.width, s.height = info.Width, info.Height
	for i := 0; i < 3; i++ {
		img, err := s.dev.CreateImage(driver.ImageInfo{
			Label: fmt.Sprintf("script %d", i),
			Width: info.Width, Height: info.Height,
			Format: info.Format, Usage: info.Usage,
		})
		if err != nil {
			return err
		}
		s.images = append(s.images, img)
	}
	s.next = 0
	return nil
}

func (s *scriptTarget) HasImages() bool { return len(s.images) > 0 }

func (s *scriptTarget) Acquire() (int, target.Status) {
	if len(s.acquireScript) > 0 {
		code := s.acquireScript[0]
		s.acquireScript = s.acquireScript[1:]
		if code != target.Ok {
			return 0, target.Status{Code: code}
		}
	}
	idx := s.next
	s.next = (s.next + 1) % len(s.images)
	return idx, target.StatusOk()
}

func (s *scriptTarget) Present(_ driver.Queue, index int, _ int64, _ time.Time, _ time.Duration) target.Status {
	if len(s.presentScript) > 0 {
		code := s.presentScript[0]
		s.presentScript = s.presentScript[1:]
		if code != target.Ok {
			return target.Status{Code: code}
		}
	}
	s.presents++
	return target.StatusOk()
}

func (s *scriptTarget) WaitForPresent(int64, time.Duration) target.Status {
	return target.Status{Code: target.Unsupported}
}
func (s *scriptTarget) Images() []driver.Image      { return s.images }
func (s *scriptTarget) Extent() (int, int)          { return s.width, s.height }
func (s *scriptTarget) SurfaceTransform() target.Transform {
	return target.TransformIdentity
}
func (s *scriptTarget) Semaphores() (driver.Semaphore, driver.Semaphore) { return nil, nil }
func (s *scriptTarget) SupportsTimeline() bool                           { return s.supportsTimeline }
func (s *scriptTarget) SupportsWaitForPresent() bool                     { return false }
func (s *scriptTarget) Timing() *target.Timing                           { return &s.timing }
func (s *scriptTarget) Destroy() {
	for _, img := range s.images {
		img.Destroy()
	}
	s.images = nil
}

func newTestCompositor(t *testing.T, tgt target.Target, opts ...Option) (*Compositor, *headless.Device) {
	t.Helper()
	drv := headless.New()
	xdev := device.NewSimulated(device.SimulatedConfig{})
	opts = append([]Option{
		WithTarget(tgt),
		WithNominalFrameInterval(time.Millisecond),
		WithPreferredExtent(128, 64),
	}, opts...)
	c, err := New(xdev, drv, opts...)
	if err != nil {
		drv.Destroy()
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		c.Destroy()
		drv.Destroy()
	})
	return c, drv
}

func TestDefaultNominalFrameInterval(t *testing.T) {
	tgt := newScriptTarget()
	drv := headless.New()
	defer drv.Destroy()
	c, err := New(device.NewSimulated(device.SimulatedConfig{}), drv, WithTarget(tgt))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Destroy()
	if c.nominal != time.Second/90 {
		t.Errorf("default nominal interval = %v, want %v", c.nominal, time.Second/90)
	}
}

func TestDrawFrames(t *testing.T) {
	tgt := newScriptTarget()
	c, _ := newTestCompositor(t, tgt)

	for i := 0; i < 5; i++ {
		if err := c.Draw(); err != nil {
			t.Fatalf("Draw %d: %v", i, err)
		}
	}
	if got := c.framesDrawn.Load(); got != 5 {
		t.Errorf("frames drawn = %d, want 5", got)
	}
	if tgt.presents != 5 {
		t.Errorf("presents = %d, want 5", tgt.presents)
	}
}

func TestStaleAcquireRecovery(t *testing.T) {
	tgt := newScriptTarget()
	c, _ := newTestCompositor(t, tgt)

	// New already created images once.
	base := tgt.createImagesCalls
	tgt.acquireScript = []target.Code{target.Stale, target.Ok}

	if err := c.Draw(); err != nil {
		t.Fatalf("Draw: %v", err)
	}
	if got := tgt.createImagesCalls - base; got != 1 {
		t.Errorf("recreates = %d, want exactly 1 forced recreate", got)
	}
	if c.framesDrawn.Load() != 1 {
		t.Error("frame should have succeeded after the single retry")
	}
}

func TestStaleTwiceDropsFrame(t *testing.T) {
	tgt := newScriptTarget()
	c, _ := newTestCompositor(t, tgt)

	tgt.acquireScript = []target.Code{target.Stale, target.Stale}

	if err := c.Draw(); err != nil {
		t.Fatalf("Draw returned error for a droppable frame: %v", err)
	}
	if c.framesDropped.Load() != 1 {
		t.Errorf("frames dropped = %d, want 1", c.framesDropped.Load())
	}

	// The pipeline continues with the next frame id.
	if err := c.Draw(); err != nil {
		t.Fatalf("Draw after drop: %v", err)
	}
	if c.framesDrawn.Load() != 1 {
		t.Error("frame after a drop should succeed")
	}
}

func TestNotReadyKeepsTimingConsistent(t *testing.T) {
	tgt := newScriptTarget()
	c, _ := newTestCompositor(t, tgt)

	tgt.ready = false
	if err := c.Draw(); err != nil {
		t.Fatalf("Draw: %v", err)
	}
	if c.framesSkipped.Load() != 1 {
		t.Errorf("frames skipped = %d, want 1", c.framesSkipped.Load())
	}

	// Marks must exist even though no GPU work happened. The skipped frame
	// is the most recent id.
	var lastID int64
	for id := int64(1); ; id++ {
		if _, ok := c.pred.SampleFor(id); !ok {
			break
		}
		lastID = id
	}
	s, ok := c.pred.SampleFor(lastID)
	if !ok {
		t.Fatal("no sample for skipped frame")
	}
	if s.Begin.IsZero() || s.SubmitBegin.IsZero() || s.SubmitEnd.IsZero() {
		t.Errorf("skipped frame missing timing marks: %+v", s)
	}
}

func TestPresentStaleRecreates(t *testing.T) {
	tgt := newScriptTarget()
	c, _ := newTestCompositor(t, tgt)

	base := tgt.createImagesCalls
	tgt.presentScript = []target.Code{target.Stale}

	if err := c.Draw(); err != nil {
		t.Fatalf("Draw: %v", err)
	}
	if got := tgt.createImagesCalls - base; got != 1 {
		t.Errorf("recreates after stale present = %d, want 1", got)
	}
	if err := c.Draw(); err != nil {
		t.Fatalf("Draw after resize: %v", err)
	}
}

// fenceFailDevice fails the next `failures` fence creations.
type fenceFailDevice struct {
	*headless.Device
	failures int
}

func (d *fenceFailDevice) CreateFence() (driver.Fence, error) {
	if d.failures > 0 {
		d.failures--
		return nil, driver.ErrDeviceLost
	}
	return d.Device.CreateFence()
}

func TestRecreateFenceFailureThenRetry(t *testing.T) {
	tgt := newScriptTarget()
	drv := &fenceFailDevice{Device: headless.New()}
	defer drv.Destroy()
	c, err := New(device.NewSimulated(device.SimulatedConfig{}), drv,
		WithTarget(tgt), WithNominalFrameInterval(time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Destroy()

	// A stale acquire forces a recreate whose fence allocation fails. The
	// target images are already rebuilt at that point, so the per-slot
	// state is the only thing left torn down.
	tgt.acquireScript = []target.Code{target.Stale}
	drv.failures = 1
	if err := c.Draw(); err == nil {
		t.Fatal("Draw should fail when fence creation fails during recreate")
	}

	// The outer frame loop retries after a fatal status; this Draw must
	// rebuild the per-slot state instead of indexing empty arrays.
	if err := c.Draw(); err != nil {
		t.Fatalf("Draw after failed recreate: %v", err)
	}
	if c.framesDrawn.Load() != 1 {
		t.Errorf("frames drawn = %d, want 1", c.framesDrawn.Load())
	}
}

func TestAcquireFatalPropagates(t *testing.T) {
	tgt := newScriptTarget()
	c, _ := newTestCompositor(t, tgt)

	tgt.acquireScript = []target.Code{target.Fatal}
	if err := c.Draw(); err == nil {
		t.Fatal("fatal acquire must surface from Draw")
	}
}

func TestTimelineSignaledWithFrameID(t *testing.T) {
	tgt := newScriptTarget()
	tgt.supportsTimeline = true
	c, _ := newTestCompositor(t, tgt)

	if err := c.Draw(); err != nil {
		t.Fatalf("Draw: %v", err)
	}
	if c.timeline == nil {
		t.Fatal("no timeline despite target support")
	}
	// Exactly one frame drawn; the timeline must have reached its id.
	if got := c.timeline.Value(); got != 1 {
		t.Errorf("timeline value = %d, want frame id 1", got)
	}
}

func TestMirrorReceivesFrames(t *testing.T) {
	tgt := newScriptTarget()
	sink := mirror.New(mirror.WithExtent(32, 16), mirror.WithMinInterval(0))
	sink.SetActive(true)
	c, _ := newTestCompositor(t, tgt, WithMirror(sink))

	for i := 0; i < 3; i++ {
		if err := c.Draw(); err != nil {
			t.Fatalf("Draw: %v", err)
		}
	}
	img, id := sink.Latest()
	if img == nil || id == 0 {
		t.Error("mirror sink never received a frame")
	}
}

func TestDrawAfterDestroy(t *testing.T) {
	tgt := newScriptTarget()
	drv := headless.New()
	defer drv.Destroy()
	c, err := New(device.NewSimulated(device.SimulatedConfig{}), drv,
		WithTarget(tgt), WithNominalFrameInterval(time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Destroy()
	if err := c.Draw(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Draw after Destroy = %v, want ErrNotInitialized", err)
	}
}

func TestEndToEndWithDebugImageTarget(t *testing.T) {
	drv := headless.New()
	defer drv.Destroy()

	tgt := debugimg.New(nil)
	c, err := New(device.NewSimulated(device.SimulatedConfig{}), drv,
		WithTarget(tgt),
		WithNominalFrameInterval(time.Millisecond),
		WithPreferredExtent(200, 100))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Destroy()

	for i := 0; i < 10; i++ {
		if err := c.Draw(); err != nil {
			t.Fatalf("Draw %d: %v", i, err)
		}
	}
	if c.framesDrawn.Load() != 10 {
		t.Errorf("frames drawn = %d, want 10", c.framesDrawn.Load())
	}

	// The target image should contain the composed output.
	if _, err := tgt.Images()[0].Readback(); err != nil {
		t.Errorf("readback of presented image: %v", err)
	}
}

func TestScratchBalancedAfterDestroy(t *testing.T) {
	tgt := newScriptTarget()
	drv := headless.New()
	defer drv.Destroy()
	c, err := New(device.NewSimulated(device.SimulatedConfig{}), drv,
		WithTarget(tgt), WithNominalFrameInterval(time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := c.Draw(); err != nil {
			t.Fatal(err)
		}
	}
	sm := c.scratch
	c.Destroy()
	if sm.Allocs() != sm.Frees() {
		t.Errorf("scratch leak: allocs %d != frees %d", sm.Allocs(), sm.Frees())
	}
}

package headless

import (
	"image/color"
	"testing"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/ToasterUwU/monado/driver"
)

func TestCreateImage(t *testing.T) {
	d := New()
	defer d.Destroy()

	img, err := d.CreateImage(driver.ImageInfo{
		Width: 64, Height: 32,
		Format: gputypes.TextureFormatRGBA8Unorm,
		Usage:  driver.UsageRenderTarget,
	})
	if err != nil {
		t.Fatalf("CreateImage: %v", err)
	}
	w, h := img.Extent()
	if w != 64 || h != 32 {
		t.Errorf("extent = %dx%d, want 64x32", w, h)
	}
	if img.Format() != gputypes.TextureFormatRGBA8Unorm {
		t.Errorf("format = %v", img.Format())
	}
}

func TestCreateImageInvalidExtent(t *testing.T) {
	d := New()
	defer d.Destroy()
	if _, err := d.CreateImage(driver.ImageInfo{Width: 0, Height: 10}); err == nil {
		t.Error("expected error for zero-width image")
	}
}

func TestSubmitSignalsFenceAndTimeline(t *testing.T) {
	d := New()
	defer d.Destroy()

	fence, _ := d.CreateFence()
	tl, _ := d.CreateTimeline()

	err := d.Queue().Submit(driver.SubmitInfo{
		Fence:         fence,
		Timeline:      tl,
		TimelineValue: 42,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !fence.Signaled() {
		t.Error("fence not signaled after synchronous submit")
	}
	if ok, _ := tl.Wait(42, time.Millisecond); !ok {
		t.Error("timeline did not reach 42")
	}
	if tl.Value() != 42 {
		t.Errorf("timeline value = %d, want 42", tl.Value())
	}
}

func TestFenceResetAndWaitTimeout(t *testing.T) {
	d := New()
	defer d.Destroy()

	fence, _ := d.CreateFence()
	d.Queue().Submit(driver.SubmitInfo{Fence: fence})
	fence.Reset()
	if fence.Signaled() {
		t.Error("fence still signaled after reset")
	}
	if ok, err := fence.Wait(2 * time.Millisecond); ok || err != nil {
		t.Errorf("Wait on unsignaled fence = (%v, %v), want timeout", ok, err)
	}
}

func TestCompositionBlitsViews(t *testing.T) {
	d := New()
	defer d.Destroy()

	mk := func() *Image {
		img, err := d.CreateImage(driver.ImageInfo{
			Width: 16, Height: 16, Format: gputypes.TextureFormatRGBA8Unorm,
		})
		if err != nil {
			t.Fatal(err)
		}
		return img.(*Image)
	}
	left := mk()
	right := mk()
	left.Fill(color.RGBA{R: 255, A: 255})
	right.Fill(color.RGBA{G: 255, A: 255})

	target, err := d.CreateImage(driver.ImageInfo{
		Width: 32, Height: 16, Format: gputypes.TextureFormatRGBA8Unorm,
	})
	if err != nil {
		t.Fatal(err)
	}

	cl, err := d.RecordComposition(driver.CompositionInfo{
		Target: target,
		Views: []driver.CompositionView{
			{Source: left, Viewport: driver.Viewport{X: 0, Y: 0, W: 16, H: 16}},
			{Source: right, Viewport: driver.Viewport{X: 16, Y: 0, W: 16, H: 16}},
		},
	})
	if err != nil {
		t.Fatalf("RecordComposition: %v", err)
	}
	if err := d.Queue().Submit(driver.SubmitInfo{Work: []driver.CommandList{cl}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	out, err := target.Readback()
	if err != nil {
		t.Fatalf("Readback: %v", err)
	}
	if got := out.RGBAAt(4, 4); got.R != 255 || got.G != 0 {
		t.Errorf("left half = %v, want red", got)
	}
	if got := out.RGBAAt(20, 4); got.G != 255 || got.R != 0 {
		t.Errorf("right half = %v, want green", got)
	}

	if tq, ok := cl.(driver.TimestampQuerier); ok {
		if _, _, ok := tq.Timestamps(); !ok {
			t.Error("timestamps unavailable after completed submit")
		}
	} else {
		t.Error("headless command list should support timestamps")
	}
}

func TestSubmitAfterDestroy(t *testing.T) {
	d := New()
	d.Destroy()
	if err := d.Queue().Submit(driver.SubmitInfo{}); err != driver.ErrDeviceLost {
		t.Errorf("Submit after destroy = %v, want ErrDeviceLost", err)
	}
}

// Package mirror is the best-effort debug view of what the compositor just
// rendered. The coordinator hands it the done scratch images each frame;
// the sink reads one back, downscales it and keeps the latest result for
// consumers (a debug UI, a PNG dump). Everything here may silently skip:
// the sink must never block or fail the main frame path.
package mirror

import (
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/image/draw"

	"github.com/ToasterUwU/monado"
	"github.com/ToasterUwU/monado/driver"
)

// Eye selects which view the sink shows.
type Eye int

const (
	EyeLeft Eye = iota
	EyeRight
	EyeBoth
)

// Option configures a Sink.
type Option func(*Sink)

// WithEye selects the mirrored view (default EyeLeft).
func WithEye(e Eye) Option {
	return func(s *Sink) { s.eye = e }
}

// WithExtent sets the output size (default 640x360).
func WithExtent(w, h int) Option {
	return func(s *Sink) {
		if w > 0 && h > 0 {
			s.wantW, s.wantH = w, h
		}
	}
}

// WithMinInterval sets the rate limit between accepted blits
// (default 33ms, roughly 30 FPS).
func WithMinInterval(d time.Duration) Option {
	return func(s *Sink) { s.minInterval = d }
}

// WithDump writes every accepted blit as a PNG into dir.
func WithDump(dir string) Option {
	return func(s *Sink) { s.dumpDir = dir }
}

// Sink is the mirror sink. Inactive until SetActive(true).
type Sink struct {
	eye         Eye
	minInterval time.Duration
	dumpDir     string

	active atomic.Bool

	// wantW/wantH may be changed by a consumer thread; the blit path
	// resizes its buffer before writing, skipping the frame on mismatch
	// rather than writing through a stale buffer.
	mu       sync.Mutex
	wantW    int
	wantH    int
	out      *image.RGBA
	latestID int64
	lastBlit time.Time
	accepted int64
	skipped  int64
}

// New creates a mirror sink.
func New(opts ...Option) *Sink {
	s := &Sink{
		minInterval: 33 * time.Millisecond,
		wantW:       640,
		wantH:       360,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetActive enables or disables the sink. Safe from any goroutine.
func (s *Sink) SetActive(active bool) { s.active.Store(active) }

// Active reports whether the sink consumes blits.
func (s *Sink) Active() bool { return s.active.Load() }

// Resize requests a new output size. Applied before the next blit.
func (s *Sink) Resize(w, h int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w > 0 && h > 0 {
		s.wantW, s.wantH = w, h
		s.out = nil
	}
}

// Eye returns the selected view.
func (s *Sink) Eye() Eye { return s.eye }

// Blit consumes the frame's done scratch images, one per view. It never
// blocks the caller beyond a CPU readback and downscale, and every failure
// path is a silent skip. Rate limited to the configured interval.
func (s *Sink) Blit(frameID int64, predictedDisplay time.Time, views []driver.Image) {
	if !s.active.Load() || len(views) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if !s.lastBlit.IsZero() && now.Sub(s.lastBlit) < s.minInterval {
		s.skipped++
		return
	}

	var sources []*image.RGBA
	for _, idx := range s.viewIndices(len(views)) {
		rgba, err := views[idx].Readback()
		if err != nil {
			// Device-local images without readback support land here.
			monado.Logger().Debug("mirror: readback skipped", slog.Any("err", err))
			s.skipped++
			return
		}
		sources = append(sources, rgba)
	}

	if s.out == nil {
		s.out = image.NewRGBA(image.Rect(0, 0, s.wantW, s.wantH))
	}

	cols := len(sources)
	colW := s.wantW / cols
	for i, src := range sources {
		dst := image.Rect(i*colW, 0, (i+1)*colW, s.wantH)
		draw.ApproxBiLinear.Scale(s.out, dst, src, src.Bounds(), draw.Src, nil)
	}

	s.latestID = frameID
	s.lastBlit = now
	s.accepted++

	if s.dumpDir != "" {
		s.dump(frameID)
	}
}

// viewIndices maps the eye selection onto available view indices.
func (s *Sink) viewIndices(available int) []int {
	switch s.eye {
	case EyeRight:
		if available > 1 {
			return []int{1}
		}
		return []int{0}
	case EyeBoth:
		if available > 1 {
			return []int{0, 1}
		}
		return []int{0}
	default:
		return []int{0}
	}
}

// dump writes the current output as a PNG. Caller holds s.mu.
func (s *Sink) dump(frameID int64) {
	path := filepath.Join(s.dumpDir, fmt.Sprintf("mirror-%06d.png", frameID))
	f, err := os.Create(path)
	if err != nil {
		monado.Logger().Warn("mirror: creating dump file", slog.String("path", path), slog.Any("err", err))
		return
	}
	defer f.Close()
	if err := png.Encode(f, s.out); err != nil {
		monado.Logger().Warn("mirror: encoding dump", slog.String("path", path), slog.Any("err", err))
	}
}

// Latest returns a copy of the most recent mirrored image and the frame id
// it came from. Returns nil if nothing has been accepted yet.
func (s *Sink) Latest() (*image.RGBA, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil || s.latestID == 0 {
		return nil, 0
	}
	out := image.NewRGBA(s.out.Bounds())
	copy(out.Pix, s.out.Pix)
	return out, s.latestID
}

// Stats returns accepted and skipped blit counts, for tests and debugvar.
func (s *Sink) Stats() (accepted, skipped int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted, s.skipped
}

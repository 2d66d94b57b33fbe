package compositor

import (
	"time"

	"github.com/ToasterUwU/monado"
	"github.com/ToasterUwU/monado/driver"
	"github.com/ToasterUwU/monado/internal/xrmath"
	"github.com/ToasterUwU/monado/target"
)

// viewData is one view's per-frame render parameters.
type viewData struct {
	Pose      xrmath.Pose
	PoseValid bool
	FoV       xrmath.FoV

	// Viewport is in physical target pixels, pre-rotation applied.
	Viewport driver.Viewport

	// Rotation is the 2x2 vertex UV matrix undoing the surface transform.
	Rotation xrmath.Matrix2x2
}

// buildViews resolves poses, FoVs and viewports for every view at the
// frame's predicted display time. A failed pose query skips composition
// for the frame (identity poses, flagged invalid) but never fails it.
func (c *Compositor) buildViews(at time.Time) []viewData {
	views := make([]viewData, c.viewCount)

	head, devFoVs, eyePoses, err := c.xdev.GetViewPoses(c.defaultEyeRelation, at, c.viewCount)
	if err != nil {
		monado.Logger().Warn("compositor: view pose query failed", "err", err)
		for i := range views {
			views[i].Pose = xrmath.PoseIdentity()
		}
	} else {
		for i := range views {
			views[i].Pose = head.Pose.Compose(eyePoses[i])
			views[i].PoseValid = head.OrientationValid
		}
	}

	switch {
	case c.fovSource == FoVSourceDevice && err == nil && len(devFoVs) == c.viewCount:
		for i := range views {
			views[i].FoV = devFoVs[i]
		}
	default:
		profFoVs := c.xdev.DistortionProfile().FoVs(c.viewCount)
		for i := range views {
			views[i].FoV = profFoVs[i]
		}
	}

	tw, th := c.tgt.Extent()
	tr := c.tgt.SurfaceTransform()
	rot := xrmath.Matrix2x2Rotation(tr.Angle())
	for i := range views {
		views[i].Viewport = viewViewport(i, c.viewCount, tw, th, tr)
		views[i].Rotation = rot
	}
	return views
}

// viewViewport computes view i's rectangle in physical target pixels.
// Views are laid out side by side in the logical (display) orientation;
// for 90/270 degree surface transforms the logical axes are the physical
// axes swapped, so the rectangle is rotated into physical coordinates.
func viewViewport(i, viewCount, physW, physH int, tr target.Transform) driver.Viewport {
	lw, lh := physW, physH
	if tr.Swaps() {
		lw, lh = physH, physW
	}

	// Logical rect: an even horizontal split.
	lx := i * lw / viewCount
	lvw := (i+1)*lw/viewCount - lx
	ly, lvh := 0, lh

	switch tr {
	case target.TransformRotate90:
		return driver.Viewport{
			X: physW - (ly + lvh),
			Y: lx,
			W: lvh,
			H: lvw,
		}
	case target.TransformRotate180:
		return driver.Viewport{
			X: physW - (lx + lvw),
			Y: physH - (ly + lvh),
			W: lvw,
			H: lvh,
		}
	case target.TransformRotate270:
		return driver.Viewport{
			X: ly,
			Y: physH - (lx + lvw),
			W: lvh,
			H: lvw,
		}
	default:
		return driver.Viewport{X: lx, Y: ly, W: lvw, H: lvh}
	}
}

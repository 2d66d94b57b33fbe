// Package device holds the contracts the compositor consumes from the
// device layer: tracked view poses and the lens distortion profile. The
// compositor never interprets either beyond composing poses and sampling
// the distortion function; vendor drivers live behind these interfaces.
package device

import (
	"time"

	"github.com/ToasterUwU/monado/internal/xrmath"
)

// UV is a normalized texture coordinate.
type UV struct {
	U, V float64
}

// DistortionProfile is a versioned lens model. Distort must be pure: it is
// invoked per vertex during render setup and may be called concurrently.
type DistortionProfile interface {
	// Version distinguishes incompatible revisions of the model so cached
	// distortion meshes can be invalidated.
	Version() int

	// Distort maps a normalized view coordinate to per-channel (chromatic)
	// sample coordinates.
	Distort(u, v float64) (r, g, b UV)

	// FoVs returns the per-view fields of view baked into the profile.
	FoVs(viewCount int) []xrmath.FoV
}

// Device is the tracked-device contract.
type Device interface {
	// GetViewPoses resolves the head relation and per-view eye poses at
	// the given time. defaultEyeRelation is the fallback eye offset for
	// devices that do not report their own. A returned error means the
	// caller must skip pose composition for the frame.
	GetViewPoses(defaultEyeRelation xrmath.Vec3, at time.Time, viewCount int) (head xrmath.Relation, fovs []xrmath.FoV, poses []xrmath.Pose, err error)

	// DistortionProfile returns the lens model. Never nil.
	DistortionProfile() DistortionProfile
}

package device

import (
	"math"
	"time"

	"github.com/ToasterUwU/monado/internal/xrmath"
)

// SimulatedConfig tunes the simulated device.
type SimulatedConfig struct {
	// IPD is the interpupillary distance in meters (default 0.063).
	IPD float64

	// RotationPeriod is how long one full head yaw takes (default 30s).
	// Zero keeps the period default; a negative value freezes the head.
	RotationPeriod time.Duration

	// FoVHalfAngle is the symmetric per-view half angle in radians
	// (default 45 degrees).
	FoVHalfAngle float64
}

// Simulated is a deterministic headset: fixed IPD, a slow head yaw that is
// a pure function of the query time, and a polynomial chromatic distortion
// profile. Tests rely on identical inputs producing identical poses.
type Simulated struct {
	cfg     SimulatedConfig
	epoch   time.Time
	profile *polynomialProfile
}

var _ Device = (*Simulated)(nil)

// NewSimulated creates a simulated device.
func NewSimulated(cfg SimulatedConfig) *Simulated {
	if cfg.IPD == 0 {
		cfg.IPD = 0.063
	}
	if cfg.RotationPeriod == 0 {
		cfg.RotationPeriod = 30 * time.Second
	}
	if cfg.FoVHalfAngle == 0 {
		cfg.FoVHalfAngle = math.Pi / 4
	}
	return &Simulated{
		cfg:   cfg,
		epoch: time.Unix(0, 0),
		profile: &polynomialProfile{
			halfAngle: cfg.FoVHalfAngle,
		},
	}
}

// GetViewPoses implements Device.
func (s *Simulated) GetViewPoses(defaultEyeRelation xrmath.Vec3, at time.Time, viewCount int) (xrmath.Relation, []xrmath.FoV, []xrmath.Pose, error) {
	head := xrmath.RelationIdentity()
	if s.cfg.RotationPeriod > 0 {
		frac := float64(at.Sub(s.epoch)%s.cfg.RotationPeriod) / float64(s.cfg.RotationPeriod)
		head.Pose.Orientation = xrmath.QuaternionFromAxisAngle(xrmath.Vec3{Y: 1}, 2*math.Pi*frac)
	}
	head.Pose.Position = xrmath.Vec3{Y: 1.6} // standing eye height

	ipd := s.cfg.IPD
	if defaultEyeRelation.X != 0 {
		ipd = defaultEyeRelation.X
	}

	fovs := s.profile.FoVs(viewCount)
	poses := make([]xrmath.Pose, viewCount)
	for i := range poses {
		poses[i] = xrmath.PoseIdentity()
		switch viewCount {
		case 1:
			// Single view sits centered.
		default:
			offset := ipd / 2
			if i == 0 {
				offset = -offset
			}
			poses[i].Position = xrmath.Vec3{X: offset}
		}
	}
	return head, fovs, poses, nil
}

// DistortionProfile implements Device.
func (s *Simulated) DistortionProfile() DistortionProfile {
	return s.profile
}

// polynomialProfile is a radial polynomial distortion with a small
// per-channel scale spread for chromatic aberration.
type polynomialProfile struct {
	halfAngle float64
}

var _ DistortionProfile = (*polynomialProfile)(nil)

// k1 per channel; green is the reference channel.
const (
	k1Red   = 0.22
	k1Green = 0.20
	k1Blue  = 0.18
)

// Version implements DistortionProfile.
func (p *polynomialProfile) Version() int { return 1 }

// Distort implements DistortionProfile.
func (p *polynomialProfile) Distort(u, v float64) (UV, UV, UV) {
	// Center-relative radius.
	cx, cy := u-0.5, v-0.5
	r2 := cx*cx + cy*cy

	apply := func(k1 float64) UV {
		scale := 1 + k1*r2
		return UV{U: 0.5 + cx*scale, V: 0.5 + cy*scale}
	}
	return apply(k1Red), apply(k1Green), apply(k1Blue)
}

// FoVs implements DistortionProfile.
func (p *polynomialProfile) FoVs(viewCount int) []xrmath.FoV {
	out := make([]xrmath.FoV, viewCount)
	for i := range out {
		out[i] = xrmath.FoV{
			AngleLeft:  -p.halfAngle,
			AngleRight: p.halfAngle,
			AngleUp:    p.halfAngle,
			AngleDown:  -p.halfAngle,
		}
	}
	return out
}

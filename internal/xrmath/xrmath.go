// Package xrmath provides the small set of spatial math primitives the
// compositor needs: quaternions, 3-vectors, poses, relation chains, 2x2
// matrices for vertex rotation, and field-of-view angles.
package xrmath

import "math"

// Vec3 is a 3-component vector.
type Vec3 struct {
	X, Y, Z float64
}

// Add returns v + o.
func (v Vec3) Add(o Vec3) Vec3 {
	return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z}
}

// Scale returns v scaled by s.
func (v Vec3) Scale(s float64) Vec3 {
	return Vec3{v.X * s, v.Y * s, v.Z * s}
}

// Quaternion is a rotation quaternion (X, Y, Z imaginary, W real).
type Quaternion struct {
	X, Y, Z, W float64
}

// QuaternionIdentity returns the identity rotation.
func QuaternionIdentity() Quaternion {
	return Quaternion{W: 1}
}

// Mul returns the composition q*o (apply o first, then q).
func (q Quaternion) Mul(o Quaternion) Quaternion {
	return Quaternion{
		X: q.W*o.X + q.X*o.W + q.Y*o.Z - q.Z*o.Y,
		Y: q.W*o.Y - q.X*o.Z + q.Y*o.W + q.Z*o.X,
		Z: q.W*o.Z + q.X*o.Y - q.Y*o.X + q.Z*o.W,
		W: q.W*o.W - q.X*o.X - q.Y*o.Y - q.Z*o.Z,
	}
}

// Rotate applies the rotation q to v.
func (q Quaternion) Rotate(v Vec3) Vec3 {
	// v' = q * (v, 0) * q^-1, expanded.
	u := Vec3{q.X, q.Y, q.Z}
	s := q.W
	uv := u.Cross(v)
	uuv := u.Cross(uv)
	return v.Add(uv.Scale(2 * s)).Add(uuv.Scale(2))
}

// Cross returns the cross product v x o.
func (v Vec3) Cross(o Vec3) Vec3 {
	return Vec3{
		X: v.Y*o.Z - v.Z*o.Y,
		Y: v.Z*o.X - v.X*o.Z,
		Z: v.X*o.Y - v.Y*o.X,
	}
}

// Normalize returns q scaled to unit length. The zero quaternion
// normalizes to identity.
func (q Quaternion) Normalize() Quaternion {
	n := math.Sqrt(q.X*q.X + q.Y*q.Y + q.Z*q.Z + q.W*q.W)
	if n == 0 {
		return QuaternionIdentity()
	}
	return Quaternion{q.X / n, q.Y / n, q.Z / n, q.W / n}
}

// QuaternionFromAxisAngle builds a rotation of angle radians around axis.
// The axis need not be normalized.
func QuaternionFromAxisAngle(axis Vec3, angle float64) Quaternion {
	n := math.Sqrt(axis.X*axis.X + axis.Y*axis.Y + axis.Z*axis.Z)
	if n == 0 {
		return QuaternionIdentity()
	}
	s := math.Sin(angle/2) / n
	return Quaternion{
		X: axis.X * s,
		Y: axis.Y * s,
		Z: axis.Z * s,
		W: math.Cos(angle / 2),
	}
}

// Pose is a rigid transform: rotation then translation.
type Pose struct {
	Orientation Quaternion
	Position    Vec3
}

// PoseIdentity returns the identity pose.
func PoseIdentity() Pose {
	return Pose{Orientation: QuaternionIdentity()}
}

// Compose returns the pose equivalent to applying child in the space of p.
func (p Pose) Compose(child Pose) Pose {
	return Pose{
		Orientation: p.Orientation.Mul(child.Orientation).Normalize(),
		Position:    p.Position.Add(p.Orientation.Rotate(child.Position)),
	}
}

// Relation is a tracked spatial relation: a pose plus validity flags for
// its components. Devices report relations; the compositor composes them.
type Relation struct {
	Pose             Pose
	OrientationValid bool
	PositionValid    bool
}

// RelationIdentity returns a fully valid identity relation.
func RelationIdentity() Relation {
	return Relation{Pose: PoseIdentity(), OrientationValid: true, PositionValid: true}
}

// Compose chains child onto r. Validity flags AND together, so an
// invalid link anywhere in the chain invalidates the result component.
func (r Relation) Compose(child Relation) Relation {
	return Relation{
		Pose:             r.Pose.Compose(child.Pose),
		OrientationValid: r.OrientationValid && child.OrientationValid,
		PositionValid:    r.PositionValid && child.PositionValid,
	}
}

// Matrix2x2 is a row-major 2x2 matrix, used for rotating vertex UVs when
// a target surface is pre-rotated.
type Matrix2x2 struct {
	V [4]float64
}

// Matrix2x2Identity returns the identity matrix.
func Matrix2x2Identity() Matrix2x2 {
	return Matrix2x2{V: [4]float64{1, 0, 0, 1}}
}

// Matrix2x2Rotation returns the rotation matrix for angle radians.
func Matrix2x2Rotation(angle float64) Matrix2x2 {
	c, s := math.Cos(angle), math.Sin(angle)
	return Matrix2x2{V: [4]float64{c, -s, s, c}}
}

// Mul returns m * o.
func (m Matrix2x2) Mul(o Matrix2x2) Matrix2x2 {
	return Matrix2x2{V: [4]float64{
		m.V[0]*o.V[0] + m.V[1]*o.V[2],
		m.V[0]*o.V[1] + m.V[1]*o.V[3],
		m.V[2]*o.V[0] + m.V[3]*o.V[2],
		m.V[2]*o.V[1] + m.V[3]*o.V[3],
	}}
}

// Transform applies m to the vector (x, y).
func (m Matrix2x2) Transform(x, y float64) (float64, float64) {
	return m.V[0]*x + m.V[1]*y, m.V[2]*x + m.V[3]*y
}

// FoV holds half-angles of a view frustum in radians. Left and Down are
// typically negative.
type FoV struct {
	AngleLeft  float64
	AngleRight float64
	AngleUp    float64
	AngleDown  float64
}

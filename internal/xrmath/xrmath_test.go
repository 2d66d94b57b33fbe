package xrmath

import (
	"math"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestQuaternionRotate(t *testing.T) {
	// 90 degrees around Z maps +X to +Y.
	q := QuaternionFromAxisAngle(Vec3{Z: 1}, math.Pi/2)
	v := q.Rotate(Vec3{X: 1})
	if !almostEqual(v.X, 0) || !almostEqual(v.Y, 1) || !almostEqual(v.Z, 0) {
		t.Fatalf("rotate +X by 90deg around Z = %+v, want (0,1,0)", v)
	}
}

func TestPoseCompose(t *testing.T) {
	parent := Pose{
		Orientation: QuaternionFromAxisAngle(Vec3{Z: 1}, math.Pi/2),
		Position:    Vec3{X: 1},
	}
	child := Pose{Orientation: QuaternionIdentity(), Position: Vec3{X: 1}}
	got := parent.Compose(child)
	// Child offset (1,0,0) rotated 90deg becomes (0,1,0), plus parent (1,0,0).
	if !almostEqual(got.Position.X, 1) || !almostEqual(got.Position.Y, 1) {
		t.Fatalf("composed position = %+v, want (1,1,0)", got.Position)
	}
}

func TestRelationComposeValidity(t *testing.T) {
	a := RelationIdentity()
	b := RelationIdentity()
	b.PositionValid = false
	got := a.Compose(b)
	if got.PositionValid {
		t.Error("composed relation should inherit invalid position")
	}
	if !got.OrientationValid {
		t.Error("composed relation should keep valid orientation")
	}
}

func TestMatrix2x2Rotation(t *testing.T) {
	tests := []struct {
		name   string
		angle  float64
		inX    float64
		inY    float64
		wantX  float64
		wantY  float64
	}{
		{"identity", 0, 1, 0, 1, 0},
		{"quarter", math.Pi / 2, 1, 0, 0, 1},
		{"three-quarter", 3 * math.Pi / 2, 1, 0, 0, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Matrix2x2Rotation(tt.angle)
			x, y := m.Transform(tt.inX, tt.inY)
			if !almostEqual(x, tt.wantX) || !almostEqual(y, tt.wantY) {
				t.Errorf("got (%v,%v), want (%v,%v)", x, y, tt.wantX, tt.wantY)
			}
		})
	}
}

func TestMatrix2x2Mul(t *testing.T) {
	a := Matrix2x2Rotation(math.Pi / 4)
	got := a.Mul(a)
	want := Matrix2x2Rotation(math.Pi / 2)
	for i := range got.V {
		if !almostEqual(got.V[i], want.V[i]) {
			t.Fatalf("two 45deg rotations != 90deg rotation: %v vs %v", got.V, want.V)
		}
	}
}

func TestNormalizeZero(t *testing.T) {
	q := Quaternion{}.Normalize()
	if q != QuaternionIdentity() {
		t.Errorf("zero quaternion normalized to %+v, want identity", q)
	}
}

// Package spatialmath defines the similarity transformations produced by point cloud registration.
package spatialmath

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"
)

const radToDeg = 180 / math.Pi

// Transformation is a 4x4 homogeneous similarity transform: a uniform scale, a proper rotation,
// and a translation. Points are mapped as p' = s*R*p + t.
type Transformation struct {
	m mgl64.Mat4
}

// NewIdentity returns the transformation that leaves every point unchanged.
func NewIdentity() Transformation {
	return Transformation{m: mgl64.Ident4()}
}

// NewTranslation returns a pure translation.
func NewTranslation(t r3.Vector) Transformation {
	return Transformation{m: mgl64.Translate3D(t.X, t.Y, t.Z)}
}

// NewFromRotationTranslation builds s*R with translation t. R must be a proper rotation.
func NewFromRotationTranslation(rot mgl64.Mat3, t r3.Vector, scale float64) Transformation {
	m := mgl64.Ident4()
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			m.Set(row, col, scale*rot.At(row, col))
		}
	}
	m.Set(0, 3, t.X)
	m.Set(1, 3, t.Y)
	m.Set(2, 3, t.Z)
	return Transformation{m: m}
}

// NewFromAxisAngle returns a rotation of angle radians about axis followed by a translation.
// A zero angle or zero axis yields a pure translation.
func NewFromAxisAngle(axis r3.Vector, angle float64, t r3.Vector) Transformation {
	if angle == 0 || axis.Norm() == 0 {
		return NewTranslation(t)
	}
	a := axis.Normalize()
	m := mgl64.HomogRotate3D(angle, mgl64.Vec3{a.X, a.Y, a.Z})
	m.Set(0, 3, t.X)
	m.Set(1, 3, t.Y)
	m.Set(2, 3, t.Z)
	return Transformation{m: m}
}

// NewFromTwist maps a small motion (rotation vector omega, translation v) to a transformation.
// The rotation is the exponential of omega; the translation is applied as given.
func NewFromTwist(omega, v r3.Vector) Transformation {
	return NewFromAxisAngle(omega, omega.Norm(), v)
}

// NewFromMatrix builds a transformation from 16 row-major values, checking the similarity invariant.
func NewFromMatrix(rowMajor [16]float64) (Transformation, error) {
	var m mgl64.Mat4
	for row := 0; row < 4; row++ {
		for col := 0; col < 4; col++ {
			m.Set(row, col, rowMajor[row*4+col])
		}
	}
	t := Transformation{m: m}
	if !t.IsValid(1e-6) {
		return NewIdentity(), errors.Errorf("matrix is not a similarity transformation: %v", rowMajor)
	}
	return t, nil
}

// Mat4 returns the underlying homogeneous matrix.
func (t Transformation) Mat4() mgl64.Mat4 {
	return t.m
}

// Matrix returns the 16 entries in row-major order.
func (t Transformation) Matrix() [16]float64 {
	var out [16]float64
	for row := 0; row < 4; row++ {
		for col := 0; col < 4; col++ {
			out[row*4+col] = t.m.At(row, col)
		}
	}
	return out
}

// Compose returns t∘other: other is applied first, then t.
func (t Transformation) Compose(other Transformation) Transformation {
	return Transformation{m: t.m.Mul4(other.m)}
}

// Inverse returns the transformation undoing t.
func (t Transformation) Inverse() Transformation {
	s, rot, trans := t.Decompose()
	if s == 0 {
		return Transformation{m: t.m.Inv()}
	}
	rotT := rot.Transpose()
	inv := rotT.Mul(1 / s)
	tv := inv.Mul3x1(mgl64.Vec3{trans.X, trans.Y, trans.Z})
	m := mgl64.Ident4()
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			m.Set(row, col, inv.At(row, col))
		}
	}
	m.Set(0, 3, -tv[0])
	m.Set(1, 3, -tv[1])
	m.Set(2, 3, -tv[2])
	return Transformation{m: m}
}

// Apply maps a point.
func (t Transformation) Apply(p r3.Vector) r3.Vector {
	m := &t.m
	return r3.Vector{
		X: m[0]*p.X + m[4]*p.Y + m[8]*p.Z + m[12],
		Y: m[1]*p.X + m[5]*p.Y + m[9]*p.Z + m[13],
		Z: m[2]*p.X + m[6]*p.Y + m[10]*p.Z + m[14],
	}
}

// ApplyNormal rotates a direction, dropping scale and translation. The result has unit length
// unless n is zero.
func (t Transformation) ApplyNormal(n r3.Vector) r3.Vector {
	m := &t.m
	out := r3.Vector{
		X: m[0]*n.X + m[4]*n.Y + m[8]*n.Z,
		Y: m[1]*n.X + m[5]*n.Y + m[9]*n.Z,
		Z: m[2]*n.X + m[6]*n.Y + m[10]*n.Z,
	}
	norm := out.Norm()
	if norm == 0 {
		return out
	}
	return out.Mul(1 / norm)
}

// Translation returns the translation component.
func (t Transformation) Translation() r3.Vector {
	return r3.Vector{X: t.m.At(0, 3), Y: t.m.At(1, 3), Z: t.m.At(2, 3)}
}

// Scale returns the uniform scale factor, the cube root of the linear block's determinant.
func (t Transformation) Scale() float64 {
	return math.Cbrt(t.m.Mat3().Det())
}

// Rotation returns the proper rotation with scale removed.
func (t Transformation) Rotation() mgl64.Mat3 {
	s := t.Scale()
	if s == 0 {
		return mgl64.Ident3()
	}
	return t.m.Mat3().Mul(1 / s)
}

// Decompose splits t into scale, rotation and translation.
func (t Transformation) Decompose() (float64, mgl64.Mat3, r3.Vector) {
	return t.Scale(), t.Rotation(), t.Translation()
}

// Quaternion returns the rotation as a unit quaternion.
func (t Transformation) Quaternion() quat.Number {
	rot := t.Rotation().Mat4()
	q := mgl64.Mat4ToQuat(rot)
	return quat.Number{Real: q.W, Imag: q.X(), Jmag: q.Y(), Kmag: q.Z()}
}

// RotationAngle returns the magnitude of the rotation in radians.
func (t Transformation) RotationAngle() float64 {
	q := t.Quaternion()
	imag := math.Sqrt(q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	return 2 * math.Atan2(imag, math.Abs(q.Real))
}

// EulerZYX returns the rotation as intrinsic z-y'-x'' angles in degrees:
// X holds the roll, Y the pitch and Z the yaw.
// See https://en.wikipedia.org/wiki/Conversion_between_quaternions_and_Euler_angles
func (t Transformation) EulerZYX() r3.Vector {
	q := t.Quaternion()
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag

	sinPitch := 2 * (w*y - x*z)
	if sinPitch > 1 {
		sinPitch = 1
	} else if sinPitch < -1 {
		sinPitch = -1
	}
	return r3.Vector{
		X: math.Atan2(2*(w*x+y*z), 1-2*(x*x+y*y)) * radToDeg,
		Y: math.Asin(sinPitch) * radToDeg,
		Z: math.Atan2(2*(w*z+y*x), 1-2*(y*y+z*z)) * radToDeg,
	}
}

// ApproxEqual reports whether every matrix entry of t and other differs by at most tol.
func (t Transformation) ApproxEqual(other Transformation, tol float64) bool {
	return entriesWithin(t.m[:], other.m[:], tol)
}

func entriesWithin(a, b []float64, tol float64) bool {
	for i := range a {
		if math.Abs(a[i]-b[i]) > tol {
			return false
		}
	}
	return true
}

// IsValid checks the similarity invariant: positive scale, orthonormal rotation with determinant +1,
// and a homogeneous bottom row.
func (t Transformation) IsValid(tol float64) bool {
	for col := 0; col < 3; col++ {
		if math.Abs(t.m.At(3, col)) > tol {
			return false
		}
	}
	if math.Abs(t.m.At(3, 3)-1) > tol {
		return false
	}
	for _, v := range t.m {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	s := t.Scale()
	if s <= tol {
		return false
	}
	rot := t.Rotation()
	gram, ident := rot.Transpose().Mul3(rot), mgl64.Ident3()
	if !entriesWithin(gram[:], ident[:], tol) {
		return false
	}
	return math.Abs(rot.Det()-1) <= tol
}

func (t Transformation) String() string {
	rpy := t.EulerZYX()
	tr := t.Translation()
	return fmt.Sprintf("scale: %.6f translation: (%.6f, %.6f, %.6f) rotation zyx: (%.4f, %.4f, %.4f)",
		t.Scale(), tr.X, tr.Y, tr.Z, rpy.Z, rpy.Y, rpy.X)
}

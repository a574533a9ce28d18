// Package volume implements the dense 3D voxel array and the elementwise
// kernels (shift, subtract, square, box-mean, gradient) that the MIND
// descriptor pipeline is built from.
package volume

import (
	"fmt"
	"math"
)

// Vec3 is a physical-space or offset 3-vector.
type Vec3 struct {
	X, Y, Z float64
}

// Add returns v+w.
func (v Vec3) Add(w Vec3) Vec3 { return Vec3{v.X + w.X, v.Y + w.Y, v.Z + w.Z} }

// Sub returns v-w.
func (v Vec3) Sub(w Vec3) Vec3 { return Vec3{v.X - w.X, v.Y - w.Y, v.Z - w.Z} }

// Dot returns the dot product of v and w.
func (v Vec3) Dot(w Vec3) float64 { return v.X*w.X + v.Y*w.Y + v.Z*w.Z }

// Norm returns the Euclidean length of v.
func (v Vec3) Norm() float64 { return math.Sqrt(v.Dot(v)) }

// Size is the voxel-count triple (Sx, Sy, Sz).
type Size struct{ X, Y, Z int }

// Total returns Sx*Sy*Sz.
func (s Size) Total() int { return s.X * s.Y * s.Z }

// Volume is a dense row-major 3D array of voxel intensities together with the
// geometry that maps voxel index to a physical point:
//
//	p = origin + direction * diag(spacing) * index
type Volume struct {
	Data      []float32
	Size      Size
	Spacing   Vec3
	Origin    Vec3
	Direction [3][3]float64
}

// IdentityDirection is the direction matrix used by volumes with no
// orientation information (the common case for synthetic and test data).
var IdentityDirection = [3][3]float64{
	{1, 0, 0},
	{0, 1, 0},
	{0, 0, 1},
}

// New allocates a zero-filled volume of the given size with axis-aligned
// spacing and origin at zero.
func New(size Size, spacing Vec3) *Volume {
	return &Volume{
		Data:      make([]float32, size.Total()),
		Size:      size,
		Spacing:   spacing,
		Origin:    Vec3{},
		Direction: IdentityDirection,
	}
}

// Like allocates a zero-filled volume with the same geometry as v.
func Like(v *Volume) *Volume {
	out := New(v.Size, v.Spacing)
	out.Origin = v.Origin
	out.Direction = v.Direction
	return out
}

// Index returns the flat offset of voxel (x, y, z) into Data.
func (v *Volume) Index(x, y, z int) int {
	return z*v.Size.Y*v.Size.X + y*v.Size.X + x
}

// InBounds reports whether (x, y, z) is a valid voxel index.
func (v *Volume) InBounds(x, y, z int) bool {
	return x >= 0 && x < v.Size.X && y >= 0 && y < v.Size.Y && z >= 0 && z < v.Size.Z
}

// At returns the voxel value at (x, y, z). Out-of-bounds indices return 0.
func (v *Volume) At(x, y, z int) float32 {
	if !v.InBounds(x, y, z) {
		return 0
	}
	return v.Data[v.Index(x, y, z)]
}

// Set writes the voxel value at (x, y, z).
func (v *Volume) Set(x, y, z int, val float32) {
	v.Data[v.Index(x, y, z)] = val
}

// SameGeometry reports whether a and b share size, spacing, origin and
// direction, which is required for the elementwise kernels.
func SameGeometry(a, b *Volume) bool {
	return a.Size == b.Size && a.Spacing == b.Spacing && a.Origin == b.Origin && a.Direction == b.Direction
}

// PhysicalPoint maps the (possibly fractional) index to a physical point.
func (v *Volume) PhysicalPoint(idx Vec3) Vec3 {
	scaled := Vec3{idx.X * v.Spacing.X, idx.Y * v.Spacing.Y, idx.Z * v.Spacing.Z}
	d := v.Direction
	return Vec3{
		v.Origin.X + d[0][0]*scaled.X + d[0][1]*scaled.Y + d[0][2]*scaled.Z,
		v.Origin.Y + d[1][0]*scaled.X + d[1][1]*scaled.Y + d[1][2]*scaled.Z,
		v.Origin.Z + d[2][0]*scaled.X + d[2][1]*scaled.Y + d[2][2]*scaled.Z,
	}
}

// continuousIndex maps p to a continuous voxel index by applying the inverse
// of direction*diag(spacing), computed by transposing the (assumed
// orthonormal) direction matrix and dividing by spacing, matching the way orientation matrices are handled by
// the registration collaborators this package is embedded in.
func (v *Volume) continuousIndex(p Vec3) Vec3 {
	rel := p.Sub(v.Origin)
	d := v.Direction
	// direction is orthonormal, so its inverse is its transpose.
	unscaled := Vec3{
		d[0][0]*rel.X + d[1][0]*rel.Y + d[2][0]*rel.Z,
		d[0][1]*rel.X + d[1][1]*rel.Y + d[2][1]*rel.Z,
		d[0][2]*rel.X + d[1][2]*rel.Y + d[2][2]*rel.Z,
	}
	return Vec3{unscaled.X / v.Spacing.X, unscaled.Y / v.Spacing.Y, unscaled.Z / v.Spacing.Z}
}

// ContinuousIndex maps the physical point p to v's (possibly fractional,
// possibly out-of-buffer) continuous voxel index, exported so that callers
// sampling several co-located volumes (e.g. the per-channel descriptor and
// gradient stacks, which all share the moving image's geometry) can compute
// it once and reuse it across every channel.
func (v *Volume) ContinuousIndex(p Vec3) Vec3 {
	return v.continuousIndex(p)
}

// TrilinearAtIndex samples v at an already-computed continuous index. ok is
// false when ci falls outside the voxel buffer.
func (v *Volume) TrilinearAtIndex(ci Vec3) (val float64, ok bool) {
	return v.trilinearAtIndex(ci, false)
}

// TrilinearAt samples v at physical point p using trilinear interpolation.
// ok is false when p maps outside the voxel buffer.
func (v *Volume) TrilinearAt(p Vec3) (val float64, ok bool) {
	ci := v.continuousIndex(p)
	return v.trilinearAtIndex(ci, false)
}

// TrilinearAtOrZero is like TrilinearAt but returns 0 instead of ok=false
// for out-of-buffer points.
func (v *Volume) TrilinearAtOrZero(p Vec3) float64 {
	ci := v.continuousIndex(p)
	val, _ := v.trilinearAtIndex(ci, true)
	return val
}

func (v *Volume) trilinearAtIndex(ci Vec3, zeroPad bool) (float64, bool) {
	if ci.X < 0 || ci.Y < 0 || ci.Z < 0 ||
		ci.X > float64(v.Size.X-1) || ci.Y > float64(v.Size.Y-1) || ci.Z > float64(v.Size.Z-1) {
		if zeroPad {
			return 0, false
		}
		return 0, false
	}
	x0 := int(math.Floor(ci.X))
	y0 := int(math.Floor(ci.Y))
	z0 := int(math.Floor(ci.Z))
	x1, y1, z1 := x0+1, y0+1, z0+1
	if x1 >= v.Size.X {
		x1 = x0
	}
	if y1 >= v.Size.Y {
		y1 = y0
	}
	if z1 >= v.Size.Z {
		z1 = z0
	}
	fx, fy, fz := ci.X-float64(x0), ci.Y-float64(y0), ci.Z-float64(z0)

	c000 := float64(v.At(x0, y0, z0))
	c100 := float64(v.At(x1, y0, z0))
	c010 := float64(v.At(x0, y1, z0))
	c110 := float64(v.At(x1, y1, z0))
	c001 := float64(v.At(x0, y0, z1))
	c101 := float64(v.At(x1, y0, z1))
	c011 := float64(v.At(x0, y1, z1))
	c111 := float64(v.At(x1, y1, z1))

	c00 := c000*(1-fx) + c100*fx
	c10 := c010*(1-fx) + c110*fx
	c01 := c001*(1-fx) + c101*fx
	c11 := c011*(1-fx) + c111*fx

	c0 := c00*(1-fy) + c10*fy
	c1 := c01*(1-fy) + c11*fy

	return c0*(1-fz) + c1*fz, true
}

// Shift produces a volume whose voxel at index i equals v sampled at the
// physical point p(i) - spacing∘offset, using trilinear interpolation with a
// default of 0 outside the buffer. offset is given in whole voxels.
//
// Because offset is an integer voxel count within v's own grid, the physical
// translation collapses to an exact index shift: p(i) - D*diag(s)*offset =
// p(i-offset). Trilinear interpolation therefore degenerates to picking a
// single lattice sample (or 0 outside the buffer), so Shift reads voxel
// i-offset directly instead of going through the interpolator.
func Shift(v *Volume, offset [3]int) *Volume {
	out := Like(v)
	for z := 0; z < v.Size.Z; z++ {
		sz := z - offset[2]
		for y := 0; y < v.Size.Y; y++ {
			sy := y - offset[1]
			for x := 0; x < v.Size.X; x++ {
				sx := x - offset[0]
				var val float32
				if v.InBounds(sx, sy, sz) {
					val = v.At(sx, sy, sz)
				}
				out.Set(x, y, z, val)
			}
		}
	}
	return out
}

// Sub computes a-b elementwise. a and b must share geometry.
func Sub(a, b *Volume) (*Volume, error) {
	if !SameGeometry(a, b) {
		return nil, fmt.Errorf("volume: Sub geometry mismatch")
	}
	out := Like(a)
	for i := range a.Data {
		out.Data[i] = a.Data[i] - b.Data[i]
	}
	return out, nil
}

// Add computes a+b elementwise. a and b must share geometry.
func Add(a, b *Volume) (*Volume, error) {
	if !SameGeometry(a, b) {
		return nil, fmt.Errorf("volume: Add geometry mismatch")
	}
	out := Like(a)
	for i := range a.Data {
		out.Data[i] = a.Data[i] + b.Data[i]
	}
	return out, nil
}

// Square computes a*a elementwise.
func Square(a *Volume) *Volume {
	out := Like(a)
	for i := range a.Data {
		out.Data[i] = a.Data[i] * a.Data[i]
	}
	return out
}

// Scale multiplies every voxel by s.
func Scale(a *Volume, s float64) *Volume {
	out := Like(a)
	sf := float32(s)
	for i := range a.Data {
		out.Data[i] = a.Data[i] * sf
	}
	return out
}

// BoxMean replaces each voxel with the mean of voxels in the axis-aligned
// cube of side 2r+1 centered on it. Out-of-buffer voxels are excluded from
// both the sum and the count.
func BoxMean(a *Volume, r int) *Volume {
	out := Like(a)
	for z := 0; z < a.Size.Z; z++ {
		for y := 0; y < a.Size.Y; y++ {
			for x := 0; x < a.Size.X; x++ {
				var sum float64
				var count int
				for dz := -r; dz <= r; dz++ {
					zz := z + dz
					if zz < 0 || zz >= a.Size.Z {
						continue
					}
					for dy := -r; dy <= r; dy++ {
						yy := y + dy
						if yy < 0 || yy >= a.Size.Y {
							continue
						}
						for dx := -r; dx <= r; dx++ {
							xx := x + dx
							if xx < 0 || xx >= a.Size.X {
								continue
							}
							sum += float64(a.At(xx, yy, zz))
							count++
						}
					}
				}
				var mean float32
				if count > 0 {
					mean = float32(sum / float64(count))
				}
				out.Set(x, y, z, mean)
			}
		}
	}
	return out
}

// Gradient returns three volumes holding the partial derivatives of a along
// x, y, z in physical units: central differences in the interior,
// forward/backward differences at the border, each divided by the axis
// spacing.
func Gradient(a *Volume) (gx, gy, gz *Volume) {
	gx, gy, gz = Like(a), Like(a), Like(a)
	sx, sy, sz := a.Spacing.X, a.Spacing.Y, a.Spacing.Z
	for z := 0; z < a.Size.Z; z++ {
		for y := 0; y < a.Size.Y; y++ {
			for x := 0; x < a.Size.X; x++ {
				gx.Set(x, y, z, float32(axisDerivative(a, x, y, z, 0, sx)))
				gy.Set(x, y, z, float32(axisDerivative(a, x, y, z, 1, sy)))
				gz.Set(x, y, z, float32(axisDerivative(a, x, y, z, 2, sz)))
			}
		}
	}
	return gx, gy, gz
}

func axisDerivative(a *Volume, x, y, z, axis int, spacing float64) float64 {
	step := [3]int{0, 0, 0}
	step[axis] = 1
	lo := [3]int{x - step[0], y - step[1], z - step[2]}
	hi := [3]int{x + step[0], y + step[1], z + step[2]}

	haveLo := a.InBounds(lo[0], lo[1], lo[2])
	haveHi := a.InBounds(hi[0], hi[1], hi[2])
	center := float64(a.At(x, y, z))

	switch {
	case haveLo && haveHi:
		return (float64(a.At(hi[0], hi[1], hi[2])) - float64(a.At(lo[0], lo[1], lo[2]))) / (2 * spacing)
	case haveHi:
		return (float64(a.At(hi[0], hi[1], hi[2])) - center) / spacing
	case haveLo:
		return (center - float64(a.At(lo[0], lo[1], lo[2]))) / spacing
	default:
		return 0
	}
}

// Package sampler selects fixed-image points used by the metric core as its
// working sample set, either on a deterministic stratified grid or by
// rejection-sampled random draws, respecting an optional spatial mask and a
// boundary padding margin.
package sampler

import (
	"math"
	"math/rand"

	"mindreg/internal/descriptor"
	"mindreg/internal/volume"
)

// Mask reports whether the physical point p lies inside the region of
// interest. A nil Mask accepts every point.
type Mask func(p volume.Vec3) bool

// Point is one fixed-space point with its descriptor vector, immutable once
// created for a pyramid level.
type Point struct {
	Point       volume.Vec3
	Index       [3]int
	FixedDesc   []float64
}

// Params configures a sampling pass.
type Params struct {
	// Percentage is rho in (0, 1], the fraction of the fixed-image volume
	// targeted for sampling.
	Percentage float64
	// Stratified selects deterministic uniform-stride sampling over
	// random rejection sampling.
	Stratified bool
	// Seed deterministically seeds the random draw. Unused in stratified
	// mode.
	Seed int64
	// Mask optionally restricts samples to a region of interest.
	Mask Mask
}

// patchPadding is r+1, the boundary margin kept clear of the sampling grid so
// that every sample's patch neighbourhood stays inside the buffer.
func patchPadding(patchRadius int) int { return patchRadius + 1 }

// Sample draws the working sample set from the fixed descriptor stack using
// the geometry of v.
func Sample(v *volume.Volume, fixed *descriptor.Stack, patchRadius int, p Params) []Point {
	pad := patchPadding(patchRadius)
	total := v.Size.Total()
	target := int(p.Percentage * float64(total))
	if target <= 0 {
		return nil
	}

	if p.Stratified {
		return sampleStratified(v, fixed, pad, target, p.Mask)
	}
	return sampleRandom(v, fixed, pad, target, p)
}

func descriptorAt(fixed *descriptor.Stack, x, y, z int) []float64 {
	out := make([]float64, len(fixed.Channels))
	for k, ch := range fixed.Channels {
		out[k] = float64(ch.At(x, y, z))
	}
	return out
}

func interiorBounds(v *volume.Volume, pad int) (lo, hi [3]int) {
	lo = [3]int{pad, pad, pad}
	hi = [3]int{v.Size.X - 1 - pad, v.Size.Y - 1 - pad, v.Size.Z - 1 - pad}
	return lo, hi
}

// sampleStratified scans the padded interior on a uniform-stride lattice,
// stopping once target samples have been accepted.
func sampleStratified(v *volume.Volume, fixed *descriptor.Stack, pad, target int, mask Mask) []Point {
	lo, hi := interiorBounds(v, pad)
	if hi[0] < lo[0] || hi[1] < lo[1] || hi[2] < lo[2] {
		return nil
	}
	interiorVoxels := (hi[0] - lo[0] + 1) * (hi[1] - lo[1] + 1) * (hi[2] - lo[2] + 1)
	stride := int(math.Cbrt(float64(interiorVoxels) / float64(target)))
	if stride < 1 {
		stride = 1
	}

	var samples []Point
	for z := lo[2]; z <= hi[2] && len(samples) < target; z += stride {
		for y := lo[1]; y <= hi[1] && len(samples) < target; y += stride {
			for x := lo[0]; x <= hi[0] && len(samples) < target; x += stride {
				p := v.PhysicalPoint(volume.Vec3{X: float64(x), Y: float64(y), Z: float64(z)})
				if mask != nil && !mask(p) {
					continue
				}
				samples = append(samples, Point{
					Point:     p,
					Index:     [3]int{x, y, z},
					FixedDesc: descriptorAt(fixed, x, y, z),
				})
			}
		}
	}
	return samples
}

// sampleRandom draws uniform indices in the padded interior from a
// seed-deterministic RNG, accepting against the mask and giving up after 3x
// the target number of attempts.
func sampleRandom(v *volume.Volume, fixed *descriptor.Stack, pad, target int, p Params) []Point {
	lo, hi := interiorBounds(v, pad)
	if hi[0] < lo[0] || hi[1] < lo[1] || hi[2] < lo[2] {
		return nil
	}
	rng := rand.New(rand.NewSource(p.Seed))
	maxAttempts := 3 * target

	var samples []Point
	for attempt := 0; attempt < maxAttempts && len(samples) < target; attempt++ {
		x := lo[0] + rng.Intn(hi[0]-lo[0]+1)
		y := lo[1] + rng.Intn(hi[1]-lo[1]+1)
		z := lo[2] + rng.Intn(hi[2]-lo[2]+1)
		point := v.PhysicalPoint(volume.Vec3{X: float64(x), Y: float64(y), Z: float64(z)})
		if p.Mask != nil && !p.Mask(point) {
			continue
		}
		samples = append(samples, Point{
			Point:     point,
			Index:     [3]int{x, y, z},
			FixedDesc: descriptorAt(fixed, x, y, z),
		})
	}
	return samples
}

// Package descriptor builds the MIND (Modality Independent Neighbourhood
// Descriptor) feature stack from a volume, following Heinrich et al., "MIND:
// Modality independent neighbourhood descriptor for multi-modal deformable
// registration" (Medical Image Analysis, 2012).
package descriptor

import (
	"math"

	"mindreg/internal/volume"
)

// NeighborhoodType selects the offset set N used to build the descriptor.
type NeighborhoodType int

const (
	// SixConnected uses the six axis unit vectors (±x, ±y, ±z).
	SixConnected NeighborhoodType = iota
	// TwentySixConnected uses all 26 non-zero offsets in {-1,0,1}^3.
	TwentySixConnected
)

// epsilon guards the variance and max-normalization denominators against
// division by zero without discarding differentiability.
const epsilon = 1e-10

// Offsets returns the ordered neighbourhood offset set for t. The ordering is
// the channel ordering used by Stack.
func Offsets(t NeighborhoodType) [][3]int {
	switch t {
	case TwentySixConnected:
		var offs [][3]int
		for dz := -1; dz <= 1; dz++ {
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					if dx == 0 && dy == 0 && dz == 0 {
						continue
					}
					offs = append(offs, [3]int{dx, dy, dz})
				}
			}
		}
		return offs
	default:
		return [][3]int{
			{1, 0, 0}, {-1, 0, 0},
			{0, 1, 0}, {0, -1, 0},
			{0, 0, 1}, {0, 0, -1},
		}
	}
}

// Stack is the MIND descriptor: an ordered tuple of channel volumes sharing
// the input's geometry, each in [0, 1] after per-voxel max normalization.
type Stack struct {
	Channels []*volume.Volume
	// PatchDistances holds the intermediate D_o volumes, exposed for the
	// diagnostic output path described by the descriptor builder.
	PatchDistances []*volume.Volume
}

// Params configures the descriptor pipeline.
type Params struct {
	// Radius is the patch radius r used by BoxMean (default 1).
	Radius int
	// Sigma is the legacy MIND sigma. The pipeline derives its
	// normalization from the local variance estimate V(x) rather than a
	// constant sigma^2, so this field is informational only and otherwise
	// unused — carried through configuration for compatibility.
	Sigma float64
	// Neighborhood selects the offset set N.
	Neighborhood NeighborhoodType
}

// DefaultParams returns the pipeline's default radius-1, 6-connected
// configuration.
func DefaultParams() Params {
	return Params{Radius: 1, Sigma: 2.0, Neighborhood: SixConnected}
}

// Build computes the MIND descriptor stack for v.
//
// For each offset o in N:
//  1. V_o = Shift(v, o)
//  2. S_o = Square(v - V_o)
//  3. D_o = BoxMean(S_o, r)
//
// then W(x) = mean_o D_o(x) + epsilon, R_o(x) = exp(-D_o(x)/W(x)), and the
// normalized channel M_o(x) = R_o(x) / (max_o R_o(x) + epsilon).
func Build(v *volume.Volume, p Params) *Stack {
	offsets := Offsets(p.Neighborhood)
	n := len(offsets)

	dists := make([]*volume.Volume, n)
	for i, o := range offsets {
		shifted := volume.Shift(v, o)
		diff, _ := volume.Sub(v, shifted) // same geometry by construction
		sq := volume.Square(diff)
		dists[i] = volume.BoxMean(sq, p.Radius)
	}

	variance := volume.Like(v)
	for i := range variance.Data {
		var sum float64
		for _, d := range dists {
			sum += float64(d.Data[i])
		}
		variance.Data[i] = float32(sum/float64(n) + epsilon)
	}

	raw := make([]*volume.Volume, n)
	for i, d := range dists {
		r := volume.Like(v)
		for j := range r.Data {
			r.Data[j] = float32(expNeg(float64(d.Data[j]), float64(variance.Data[j])))
		}
		raw[i] = r
	}

	channels := make([]*volume.Volume, n)
	for i := range channels {
		channels[i] = volume.Like(v)
	}
	for j := range variance.Data {
		maxR := 0.0
		for _, r := range raw {
			if val := float64(r.Data[j]); val > maxR {
				maxR = val
			}
		}
		maxR += epsilon
		for i, r := range raw {
			channels[i].Data[j] = float32(float64(r.Data[j]) / maxR)
		}
	}

	return &Stack{Channels: channels, PatchDistances: dists}
}

// GradientStack holds, for each channel of a descriptor Stack, the partial
// derivatives of that channel's volume along x, y and z in physical
// coordinates.
type GradientStack struct {
	Gx, Gy, Gz []*volume.Volume
}

// BuildGradients computes the moving gradient stack G(V_m) for every channel
// of s via the conventional central-difference image-gradient operator.
func BuildGradients(s *Stack) *GradientStack {
	g := &GradientStack{
		Gx: make([]*volume.Volume, len(s.Channels)),
		Gy: make([]*volume.Volume, len(s.Channels)),
		Gz: make([]*volume.Volume, len(s.Channels)),
	}
	for i, ch := range s.Channels {
		gx, gy, gz := volume.Gradient(ch)
		g.Gx[i], g.Gy[i], g.Gz[i] = gx, gy, gz
	}
	return g
}

func expNeg(d, w float64) float64 {
	if w == 0 {
		return 0
	}
	return math.Exp(-d / w)
}

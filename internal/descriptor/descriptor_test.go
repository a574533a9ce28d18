package descriptor

import (
	"math/rand"
	"testing"

	"mindreg/internal/volume"
)

func noiseVolume(size volume.Size, seed int64) *volume.Volume {
	v := volume.New(size, volume.Vec3{X: 1, Y: 1, Z: 1})
	rng := rand.New(rand.NewSource(seed))
	for i := range v.Data {
		v.Data[i] = float32(rng.NormFloat64())
	}
	return v
}

func TestChannelCountMatchesNeighborhood(t *testing.T) {
	v := noiseVolume(volume.Size{X: 8, Y: 8, Z: 8}, 1)
	for _, tc := range []struct {
		nt   NeighborhoodType
		want int
	}{
		{SixConnected, 6},
		{TwentySixConnected, 26},
	} {
		stack := Build(v, Params{Radius: 1, Neighborhood: tc.nt})
		if len(stack.Channels) != tc.want {
			t.Errorf("neighborhood %v: got %d channels, want %d", tc.nt, len(stack.Channels), tc.want)
		}
	}
}

func TestNormalizationBounds(t *testing.T) {
	v := noiseVolume(volume.Size{X: 10, Y: 10, Z: 10}, 2)
	stack := Build(v, DefaultParams())

	for z := 2; z < 8; z++ {
		for y := 2; y < 8; y++ {
			for x := 2; x < 8; x++ {
				maxVal := 0.0
				for _, ch := range stack.Channels {
					val := float64(ch.At(x, y, z))
					if val < -1e-9 {
						t.Fatalf("channel value %v at (%d,%d,%d) below 0", val, x, y, z)
					}
					if val > maxVal {
						maxVal = val
					}
				}
				if maxVal <= 1-1e-6 || maxVal > 1+1e-9 {
					t.Errorf("max channel value at (%d,%d,%d) = %v, want in (1-1e-6, 1]", x, y, z, maxVal)
				}
			}
		}
	}
}

func TestPatchDistancesExposed(t *testing.T) {
	v := noiseVolume(volume.Size{X: 6, Y: 6, Z: 6}, 3)
	stack := Build(v, DefaultParams())
	if len(stack.PatchDistances) != len(stack.Channels) {
		t.Errorf("expected one patch-distance volume per channel, got %d for %d channels",
			len(stack.PatchDistances), len(stack.Channels))
	}
}

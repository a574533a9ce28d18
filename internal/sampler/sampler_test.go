package sampler

import (
	"testing"

	"mindreg/internal/descriptor"
	"mindreg/internal/volume"
)

func buildFixed(size volume.Size) (*volume.Volume, *descriptor.Stack) {
	v := volume.New(size, volume.Vec3{X: 1, Y: 1, Z: 1})
	for i := range v.Data {
		v.Data[i] = float32(i % 7)
	}
	return v, descriptor.Build(v, descriptor.DefaultParams())
}

func TestStratifiedRespectsMask(t *testing.T) {
	v, fixed := buildFixed(volume.Size{X: 64, Y: 64, Z: 64})
	center := volume.Vec3{X: 32, Y: 32, Z: 32}
	half := 8.0
	mask := func(p volume.Vec3) bool {
		return p.X >= center.X-half && p.X <= center.X+half &&
			p.Y >= center.Y-half && p.Y <= center.Y+half &&
			p.Z >= center.Z-half && p.Z <= center.Z+half
	}
	samples := Sample(v, fixed, 1, Params{Percentage: 0.2, Stratified: true, Mask: mask})
	if len(samples) == 0 {
		t.Fatalf("expected some samples inside the mask")
	}
	for _, s := range samples {
		if !mask(s.Point) {
			t.Errorf("sample at %+v lies outside the mask", s.Point)
		}
	}
}

func TestRandomSamplingGivesUpUnderRestrictiveMask(t *testing.T) {
	v, fixed := buildFixed(volume.Size{X: 16, Y: 16, Z: 16})
	mask := func(volume.Vec3) bool { return false }
	samples := Sample(v, fixed, 1, Params{Percentage: 0.5, Stratified: false, Seed: 42, Mask: mask})
	if len(samples) != 0 {
		t.Errorf("expected 0 samples under an all-reject mask, got %d", len(samples))
	}
}

func TestRandomSamplingIsDeterministic(t *testing.T) {
	v, fixed := buildFixed(volume.Size{X: 16, Y: 16, Z: 16})
	p := Params{Percentage: 0.3, Stratified: false, Seed: 7}
	a := Sample(v, fixed, 1, p)
	b := Sample(v, fixed, 1, p)
	if len(a) != len(b) {
		t.Fatalf("sample counts differ across identical seeded runs: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Index != b[i].Index {
			t.Errorf("sample %d index differs: %v vs %v", i, a[i].Index, b[i].Index)
		}
	}
}

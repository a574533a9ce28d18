package metric

import (
	"math"
	"math/rand"
	"testing"

	"mindreg/internal/descriptor"
	"mindreg/internal/sampler"
	"mindreg/internal/transform"
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

func newTestMetric(fixed, moving *volume.Volume) *Metric {
	m := New()
	m.Fixed = fixed
	m.Moving = moving
	m.Transform = transform.NewRigid()
	m.DescriptorParams = descriptor.DefaultParams()
	m.SamplerParams = sampler.Params{Percentage: 0.3, Stratified: true}
	return m
}

func TestSelfSimilarityIdentity(t *testing.T) {
	v := noiseVolume(volume.Size{X: 16, Y: 16, Z: 16}, 11)
	m := newTestMetric(v, v)
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	val := m.GetValue()
	if val > 1e-6 {
		t.Errorf("identity MSE = %v, want ~0", val)
	}

	grad := m.GetDerivative()
	for i, g := range grad {
		if math.Abs(g) > 1e-3 {
			t.Errorf("gradient[%d] = %v, want ~0 at identity self-match", i, g)
		}
	}
}

func TestFiniteDifferenceGradientFallbackAtSelfSimilarityIdentity(t *testing.T) {
	v := noiseVolume(volume.Size{X: 12, Y: 12, Z: 12}, 21)
	m := newTestMetric(v, v)
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	m.Jacobian = nil // force the forward finite-difference fallback

	grad := m.GetDerivative()
	for i, g := range grad {
		if math.Abs(g) > 1e-2 {
			t.Errorf("finite-difference gradient[%d] = %v, want ~0 at identity self-match", i, g)
		}
	}
}

func TestResidualsAndJacobianRowAlignment(t *testing.T) {
	fixed := noiseVolume(volume.Size{X: 16, Y: 16, Z: 16}, 5)
	moving := noiseVolume(volume.Size{X: 16, Y: 16, Z: 16}, 6)
	m := newTestMetric(fixed, moving)
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	f, J, err := m.GetResidualsAndJacobian()
	if err != nil {
		t.Fatalf("GetResidualsAndJacobian: %v", err)
	}
	rows, cols := J.Dims()
	if rows != len(f) {
		t.Errorf("J has %d rows, want %d (len(f))", rows, len(f))
	}
	if cols != m.Transform.NumParameters() {
		t.Errorf("J has %d columns, want %d", cols, m.Transform.NumParameters())
	}
	if len(f) != m.NumberOfValidSamples()*m.numChannels {
		t.Errorf("len(f) = %d, want numValidSamples(%d) * numChannels(%d)",
			len(f), m.NumberOfValidSamples(), m.numChannels)
	}
}

func TestResetCacheForcesRebuild(t *testing.T) {
	v := noiseVolume(volume.Size{X: 8, Y: 8, Z: 8}, 9)
	m := newTestMetric(v, v)
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	stackBefore := m.fixedStack
	m.ResetCache()
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize after ResetCache: %v", err)
	}
	if m.fixedStack == stackBefore {
		t.Errorf("ResetCache should force a new descriptor stack to be built")
	}
}

func TestInitializeRequiresFixedMovingTransform(t *testing.T) {
	m := New()
	if err := m.Initialize(); err == nil {
		t.Errorf("expected a configuration error with no fixed/moving/transform set")
	}
}

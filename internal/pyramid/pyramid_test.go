package pyramid

import (
	"math/rand"
	"testing"

	"mindreg/internal/volume"
	"mindreg/pkg/regconfig"
)

func noiseVolume(size volume.Size, seed int64) *volume.Volume {
	v := volume.New(size, volume.Vec3{X: 1, Y: 1, Z: 1})
	rng := rand.New(rand.NewSource(seed))
	for i := range v.Data {
		v.Data[i] = float32(rng.NormFloat64())
	}
	return v
}

func TestShrinkDecimatesAndScalesSpacing(t *testing.T) {
	v := noiseVolume(volume.Size{X: 16, Y: 16, Z: 16}, 1)
	out := Shrink(v, 1, 2)
	if out.Size.X != 8 || out.Size.Y != 8 || out.Size.Z != 8 {
		t.Errorf("decimated size = %+v, want 8x8x8", out.Size)
	}
	if out.Spacing.X != 2 {
		t.Errorf("decimated spacing.X = %v, want 2", out.Spacing.X)
	}
}

func TestShrinkFactorOneOnlySmooths(t *testing.T) {
	v := noiseVolume(volume.Size{X: 8, Y: 8, Z: 8}, 2)
	out := Shrink(v, 0, 1)
	if out.Size != v.Size {
		t.Errorf("factor-1 shrink changed size: got %+v, want %+v", out.Size, v.Size)
	}
}

func TestRunIdentityConverges(t *testing.T) {
	v := noiseVolume(volume.Size{X: 16, Y: 16, Z: 16}, 7)
	cfg := regconfig.DefaultConfig()
	cfg.TransformType = regconfig.Rigid
	cfg.MetricType = regconfig.MIND
	cfg.NumberOfIterations = []int{20}
	cfg.ShrinkFactors = []int{1}
	cfg.SmoothingSigmas = []float64{0}
	cfg.LearningRate = []float64{1}
	cfg.SamplingPercentage = 0.3

	result, err := Run(v, v, cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Levels) != 1 {
		t.Fatalf("len(Levels) = %d, want 1", len(result.Levels))
	}
	if result.Levels[0].FinalValue > 1e-3 {
		t.Errorf("identity self-match final value = %v, want ~0", result.Levels[0].FinalValue)
	}
}

func TestRunRigidThenAffineRunsTwoStages(t *testing.T) {
	v := noiseVolume(volume.Size{X: 12, Y: 12, Z: 12}, 3)
	cfg := regconfig.DefaultConfig()
	cfg.TransformType = regconfig.RigidThenAffine
	cfg.NumberOfIterations = []int{5}
	cfg.ShrinkFactors = []int{1}
	cfg.SmoothingSigmas = []float64{0}
	cfg.LearningRate = []float64{1}
	cfg.SamplingPercentage = 0.3

	result, err := Run(v, v, cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Levels) != 2 {
		t.Errorf("len(Levels) = %d, want 2 (one per stage)", len(result.Levels))
	}
	if len(result.Parameters) != 12 {
		t.Errorf("len(Parameters) = %d, want 12 (affine is the final stage)", len(result.Parameters))
	}
}

// Package pyramid drives the metric and optimizer across a multi-resolution
// schedule: each level smooths and decimates the fixed and moving volumes,
// then runs the optimizer to convergence before handing the recovered
// parameters to the next (finer) level.
package pyramid

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"mindreg/internal/descriptor"
	"mindreg/internal/metric"
	"mindreg/internal/optimizer"
	"mindreg/internal/transform"
	"mindreg/internal/volume"
	"mindreg/pkg/regconfig"
)

// Level holds the per-level schedule entries consumed by Run.
type Level struct {
	ShrinkFactor       int
	SmoothingSigma     float64
	LearningRate       float64
	NumberOfIterations int
}

// LevelResult reports the outcome of running one pyramid level.
type LevelResult struct {
	Level         int
	FinalValue    float64
	StopCondition optimizer.StopCondition
	Parameters    []float64
}

// Result is the full multi-stage, multi-level run outcome.
type Result struct {
	Levels     []LevelResult
	Parameters []float64
}

// Shrink smooths v with a box-mean approximation of Gaussian blur (radius
// rounded from sigma) and decimates it by factor by nearest-neighbor
// subsampling. factor <= 1 returns the smoothed volume at the original
// resolution; when sigma rounds to a radius of 0 no smoothing is applied and
// that is v itself.
func Shrink(v *volume.Volume, sigma float64, factor int) *volume.Volume {
	radius := int(math.Round(sigma))
	smoothed := v
	if radius > 0 {
		smoothed = volume.BoxMean(v, radius)
	}
	if factor <= 1 {
		return smoothed
	}

	outSize := volume.Size{
		X: decimatedExtent(v.Size.X, factor),
		Y: decimatedExtent(v.Size.Y, factor),
		Z: decimatedExtent(v.Size.Z, factor),
	}
	out := volume.New(outSize, volume.Vec3{
		X: v.Spacing.X * float64(factor),
		Y: v.Spacing.Y * float64(factor),
		Z: v.Spacing.Z * float64(factor),
	})
	out.Origin = v.Origin
	out.Direction = v.Direction

	for z := 0; z < outSize.Z; z++ {
		for y := 0; y < outSize.Y; y++ {
			for x := 0; x < outSize.X; x++ {
				out.Set(x, y, z, smoothed.At(x*factor, y*factor, z*factor))
			}
		}
	}
	return out
}

func decimatedExtent(n, factor int) int {
	out := (n + factor - 1) / factor
	if out < 1 {
		return 1
	}
	return out
}

// stage is one pass of the pyramid (a single transform family) built from a
// contiguous run of per-level schedule entries.
type stage struct {
	transform transform.Transform
	levels    []Level
}

// Run drives the metric+optimizer core across cfg's per-level schedule.
// RigidThenAffine runs two stages back to back, resetting the metric cache
// at the stage boundary (not at ordinary per-level transitions within a
// stage, where Initialize's own pointer-identity check already forces a
// rebuild whenever the shrunk volumes are distinct per-level objects).
func Run(fixed, moving *volume.Volume, cfg *regconfig.Config) (*Result, error) {
	levels := schedule(cfg)
	if len(levels) == 0 {
		return nil, fmt.Errorf("pyramid: empty per-level schedule")
	}

	stages, err := buildStages(cfg, levels)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	m := metric.New()
	m.DescriptorParams = descriptor.Params{
		Radius:       cfg.MINDRadius,
		Sigma:        cfg.MINDSigma,
		Neighborhood: cfg.MINDNeighborhoodType,
	}
	m.SamplerParams.Percentage = cfg.SamplingPercentage
	m.SamplerParams.Stratified = cfg.UseStratifiedSampling
	m.SamplerParams.Seed = cfg.RandomSeed

	for stageIdx, st := range stages {
		m.Transform = st.transform
		m.Jacobian = st.transform.Jacobian
		if stageIdx > 0 {
			m.ResetCache()
		}

		for _, lvl := range st.levels {
			m.Fixed = Shrink(fixed, lvl.SmoothingSigma, lvl.ShrinkFactor)
			m.Moving = Shrink(moving, lvl.SmoothingSigma, lvl.ShrinkFactor)
			if err := m.Initialize(); err != nil {
				return nil, fmt.Errorf("pyramid: level init: %w", err)
			}

			opt := buildOptimizer(cfg, m, st.transform, lvl)
			if err := opt.StartOptimization(); err != nil {
				return nil, fmt.Errorf("pyramid: optimization: %w", err)
			}

			result.Levels = append(result.Levels, LevelResult{
				Level:         len(result.Levels),
				FinalValue:    opt.GetBestValue(),
				StopCondition: opt.GetStopCondition(),
				Parameters:    append([]float64(nil), st.transform.GetParameters()...),
			})
		}
	}

	if n := len(stages); n > 0 {
		result.Parameters = append([]float64(nil), stages[n-1].transform.GetParameters()...)
	}
	return result, nil
}

func buildStages(cfg *regconfig.Config, levels []Level) ([]stage, error) {
	switch cfg.TransformType {
	case regconfig.Rigid:
		return []stage{{transform: transform.NewRigid(), levels: levels}}, nil
	case regconfig.Affine:
		return []stage{{transform: transform.NewAffine(), levels: levels}}, nil
	case regconfig.RigidThenAffine:
		return []stage{
			{transform: transform.NewRigid(), levels: levels},
			{transform: transform.NewAffine(), levels: levels},
		}, nil
	default:
		return nil, fmt.Errorf("pyramid: unrecognized transform type %v", cfg.TransformType)
	}
}

func buildOptimizer(cfg *regconfig.Config, m *metric.Metric, tr transform.Transform, lvl Level) *optimizer.Optimizer {
	useGN := cfg.ResolvedOptimizer() == regconfig.GaussNewton
	problem := optimizer.Problem{
		CostFunc:     m.GetValue,
		GradientFunc: m.GetDerivative,
		GetParams:    tr.GetParameters,
		SetParams:    tr.SetParameters,
	}
	if useGN {
		problem.ResidualFunc = func() []float64 {
			f, _, err := m.GetResidualsAndJacobian()
			if err != nil {
				return nil
			}
			return f
		}
		problem.JacobianFunc = func() *mat.Dense {
			_, J, err := m.GetResidualsAndJacobian()
			if err != nil {
				return nil
			}
			return J
		}
	}

	return optimizer.New(problem, optimizer.Options{
		LearningRate:                lvl.LearningRate,
		NumberOfIterations:          lvl.NumberOfIterations,
		MinimumStepLength:           1e-6,
		GradientMagnitudeTolerance:  1e-8,
		RelaxationFactor:            0.5,
		ReturnBestParameters:        true,
		UseLevenbergMarquardt:       cfg.UseLevenbergMarquardt,
		DampingFactor:               cfg.DampingFactor,
		UseLineSearch:               cfg.UseLineSearch,
		LineSearchMaxIterations:     10,
		LineSearchShrinkFactor:      0.5,
	})
}

// schedule zips cfg's per-level arrays into Level entries, extending the
// last entry of any shorter array to match the longest one (mirroring the
// "scalar treated as length-1 array" tolerance at the config layer: a
// single value applies to every level unless more are given).
func schedule(cfg *regconfig.Config) []Level {
	n := max(len(cfg.LearningRate), len(cfg.NumberOfIterations), len(cfg.ShrinkFactors), len(cfg.SmoothingSigmas))
	if n == 0 {
		return nil
	}
	levels := make([]Level, n)
	for i := range levels {
		levels[i] = Level{
			LearningRate:       pickFloat(cfg.LearningRate, i, 1.0),
			NumberOfIterations: pickInt(cfg.NumberOfIterations, i, 100),
			ShrinkFactor:       pickInt(cfg.ShrinkFactors, i, 1),
			SmoothingSigma:     pickFloat(cfg.SmoothingSigmas, i, 0),
		}
	}
	return levels
}

func pickFloat(a []float64, i int, def float64) float64 {
	if len(a) == 0 {
		return def
	}
	if i < len(a) {
		return a[i]
	}
	return a[len(a)-1]
}

func pickInt(a []int, i int, def int) int {
	if len(a) == 0 {
		return def
	}
	if i < len(a) {
		return a[i]
	}
	return a[len(a)-1]
}

// Package metric implements the MIND-SSD metric core: it owns the fixed and
// moving descriptor stacks, the moving gradient stack and their
// interpolators, and the working sample set, and exposes the value,
// gradient, and residuals+Jacobian views the optimizer drives against.
package metric

import (
	"fmt"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/mat"

	"mindreg/internal/descriptor"
	"mindreg/internal/sampler"
	"mindreg/internal/transform"
	"mindreg/internal/volume"
)

// parallelThreshold is the sample count above which the value/gradient
// reduction loop is split across goroutines; below it the overhead of
// spawning workers outweighs the benefit.
const parallelThreshold = 1000

// JacobianFunc computes, for the fixed-space point p, the 3-vector partial
// derivative of the transformed point with respect to each transform
// parameter. Initialize fills an unset Jacobian from the transform's own
// Jacobian; when it is nil at GetDerivative time, the metric falls back to
// forward finite differences on the cost function.
type JacobianFunc func(p volume.Vec3, out []volume.Vec3)

// Metric is the MIND-SSD metric core (component C4).
type Metric struct {
	Fixed     *volume.Volume
	Moving    *volume.Volume
	Transform transform.Transform
	Jacobian  JacobianFunc

	DescriptorParams descriptor.Params
	SamplerParams    sampler.Params
	FiniteDiffStep   float64

	fixedStack  *descriptor.Stack
	movingStack *descriptor.Stack
	movingGrad  *descriptor.GradientStack

	cachedFixed  *volume.Volume
	cachedMoving *volume.Volume
	fixedValid   bool
	movingValid  bool

	samples []sampler.Point

	numChannels     int
	currentValue    float64
	numValidSamples int
}

// New constructs a metric with the finite-difference step defaulted per
// spec (1e-4).
func New() *Metric {
	return &Metric{FiniteDiffStep: 1e-4}
}

// Initialize validates configuration error and rebuilds any stale state:
// descriptor stacks when the corresponding image identity changed or the
// cache flag is clear, and the sample set unconditionally.
func (m *Metric) Initialize() error {
	if m.Fixed == nil || m.Moving == nil || m.Transform == nil {
		return fmt.Errorf("metric: Initialize requires fixed image, moving image and transform to be set")
	}
	if m.Jacobian == nil {
		m.Jacobian = m.Transform.Jacobian
	}

	if m.Fixed != m.cachedFixed || !m.fixedValid {
		m.fixedStack = descriptor.Build(m.Fixed, m.DescriptorParams)
		m.cachedFixed = m.Fixed
		m.fixedValid = true
		m.numChannels = len(m.fixedStack.Channels)
	}
	if m.Moving != m.cachedMoving || !m.movingValid {
		m.movingStack = descriptor.Build(m.Moving, m.DescriptorParams)
		m.movingGrad = descriptor.BuildGradients(m.movingStack)
		m.cachedMoving = m.Moving
		m.movingValid = true
	}

	m.ReinitializeSampling()
	return nil
}

// ReinitializeSampling redraws the working sample set from the fixed
// descriptor stack. Called once per pyramid level.
func (m *Metric) ReinitializeSampling() {
	m.samples = sampler.Sample(m.Fixed, m.fixedStack, m.DescriptorParams.Radius, m.SamplerParams)
}

// ResetCache forces the next Initialize to rebuild both descriptor stacks,
// regardless of image-pointer identity. Used at the rigid/affine cascade
// boundary.
func (m *Metric) ResetCache() {
	m.fixedValid = false
	m.movingValid = false
}

// NumberOfValidSamples returns the number of samples that landed inside the
// moving buffer in the most recent GetValue, GetDerivative or
// GetResidualsAndJacobian call.
func (m *Metric) NumberOfValidSamples() int { return m.numValidSamples }

// CurrentValue returns the value computed by the most recent GetValue call.
func (m *Metric) CurrentValue() float64 { return m.currentValue }

// movingSample evaluates every moving descriptor channel and channel
// gradient at the fixed-space point p under the current transform. ok is
// false if the transformed point falls outside the moving buffer for any
// channel or gradient component — the validity test is "fully valid or
// fully dropped" per spec, so a single continuous-index bounds check (all
// per-channel volumes share the moving image's geometry) decides every
// channel at once.
func (m *Metric) movingSample(p volume.Vec3) (desc []float64, grad []volume.Vec3, ok bool) {
	transformed := m.Transform.TransformPoint(p)
	ci := m.Moving.ContinuousIndex(transformed)
	if _, ok := m.Moving.TrilinearAtIndex(ci); !ok {
		return nil, nil, false
	}

	desc = make([]float64, m.numChannels)
	grad = make([]volume.Vec3, m.numChannels)
	for k := 0; k < m.numChannels; k++ {
		val, ok := m.movingStack.Channels[k].TrilinearAtIndex(ci)
		if !ok {
			return nil, nil, false
		}
		desc[k] = val
		gx, okx := m.movingGrad.Gx[k].TrilinearAtIndex(ci)
		gy, oky := m.movingGrad.Gy[k].TrilinearAtIndex(ci)
		gz, okz := m.movingGrad.Gz[k].TrilinearAtIndex(ci)
		if !okx || !oky || !okz {
			return nil, nil, false
		}
		grad[k] = volume.Vec3{X: gx, Y: gy, Z: gz}
	}
	return desc, grad, true
}

// GetValue returns MSE(q) over the current sample set at the transform's
// current parameters. Returns 0 when no sample lands inside the moving
// buffer.
func (m *Metric) GetValue() float64 {
	if len(m.samples) == 0 {
		m.currentValue = 0
		m.numValidSamples = 0
		return 0
	}

	sumSq, validCount := reduceSamples(m.samples, func(s sampler.Point) (float64, bool) {
		movingDesc, _, ok := m.movingSample(s.Point)
		if !ok {
			return 0, false
		}
		var sum float64
		for k, fv := range s.FixedDesc {
			d := fv - movingDesc[k]
			sum += d * d
		}
		return sum, true
	})

	m.numValidSamples = validCount
	if validCount == 0 {
		m.currentValue = 0
		return 0
	}
	m.currentValue = sumSq / float64(validCount*m.numChannels)
	return m.currentValue
}

// GetDerivative returns the gradient of MSE with respect to the transform
// parameters, via the analytical chain rule when a Jacobian callback is
// available, or forward finite differences otherwise.
func (m *Metric) GetDerivative() []float64 {
	if m.Jacobian != nil {
		return m.computeAnalyticalGradient()
	}
	return m.computeFiniteDifferenceGradient()
}

func (m *Metric) computeAnalyticalGradient() []float64 {
	n := m.Transform.NumParameters()
	if len(m.samples) == 0 {
		return make([]float64, n)
	}

	type accum struct {
		grad  []float64
		count int
	}
	partial, validCount := reduceSamplesGeneric(m.samples, func(s sampler.Point) (accum, bool) {
		movingDesc, movingGrad, ok := m.movingSample(s.Point)
		if !ok {
			return accum{}, false
		}
		jac := make([]volume.Vec3, n)
		m.Jacobian(s.Point, jac)

		g := make([]float64, n)
		for k, fv := range s.FixedDesc {
			residual := fv - movingDesc[k]
			for p := 0; p < n; p++ {
				g[p] += -2 * residual * movingGrad[k].Dot(jac[p])
			}
		}
		return accum{grad: g, count: 1}, true
	}, func(a, b accum) accum {
		if a.grad == nil {
			return b
		}
		if b.grad == nil {
			return a
		}
		out := make([]float64, n)
		for i := range out {
			out[i] = a.grad[i] + b.grad[i]
		}
		return accum{grad: out, count: a.count + b.count}
	})

	m.numValidSamples = validCount
	deriv := make([]float64, n)
	if validCount == 0 || partial.grad == nil {
		return deriv
	}
	denom := float64(validCount * m.numChannels)
	for i := range deriv {
		deriv[i] = partial.grad[i] / denom
	}
	return deriv
}

func (m *Metric) computeFiniteDifferenceGradient() []float64 {
	n := m.Transform.NumParameters()
	base := append([]float64(nil), m.Transform.GetParameters()...)
	deriv := make([]float64, n)
	h := m.FiniteDiffStep

	m.Transform.SetParameters(base)
	v0 := m.GetValue()

	for i := 0; i < n; i++ {
		plus := append([]float64(nil), base...)
		plus[i] += h

		m.Transform.SetParameters(plus)
		vPlus := m.GetValue()
		m.Transform.SetParameters(base)

		deriv[i] = (vPlus - v0) / h
	}
	return deriv
}

// GetResidualsAndJacobian returns the least-squares view the Gauss-Newton
// optimizer drives against: f[(s,k)] = fixedDesc_s[k] - M_k(T(p_s)), and
// J[(s,k),p] = -<grad M_k(T(p_s)), dT/dq_p(p_s)>. Residual rows and
// Jacobian rows share the same ordering and the same validity test.
func (m *Metric) GetResidualsAndJacobian() (f []float64, J *mat.Dense, err error) {
	n := m.Transform.NumParameters()
	valid := make([]bool, len(m.samples))
	residualRows := make([][]float64, len(m.samples))
	jacobianRows := make([][][]float64, len(m.samples))

	var wg sync.WaitGroup
	numWorkers := workerCount(len(m.samples))
	chunk := (len(m.samples) + numWorkers - 1) / numWorkers
	for w := 0; w < numWorkers; w++ {
		start := w * chunk
		end := start + chunk
		if end > len(m.samples) {
			end = len(m.samples)
		}
		if start >= end {
			continue
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			jac := make([]volume.Vec3, n)
			for i := start; i < end; i++ {
				s := m.samples[i]
				movingDesc, movingGrad, ok := m.movingSample(s.Point)
				if !ok {
					continue
				}
				m.Jacobian(s.Point, jac)

				res := make([]float64, m.numChannels)
				rows := make([][]float64, m.numChannels)
				for k, fv := range s.FixedDesc {
					res[k] = fv - movingDesc[k]
					row := make([]float64, n)
					for p := 0; p < n; p++ {
						row[p] = -movingGrad[k].Dot(jac[p])
					}
					rows[k] = row
				}
				valid[i] = true
				residualRows[i] = res
				jacobianRows[i] = rows
			}
		}(start, end)
	}
	wg.Wait()

	totalRows := 0
	for i := range m.samples {
		if valid[i] {
			totalRows += m.numChannels
		}
	}
	m.numValidSamples = totalRows / max(m.numChannels, 1)

	f = make([]float64, 0, totalRows)
	Jdata := make([]float64, 0, totalRows*n)
	for i := range m.samples {
		if !valid[i] {
			continue
		}
		f = append(f, residualRows[i]...)
		for _, row := range jacobianRows[i] {
			Jdata = append(Jdata, row...)
		}
	}
	if totalRows == 0 {
		// gonum cannot allocate a zero-row Dense; its zero value is the
		// empty matrix, which the optimizer reports as singular.
		return f, &mat.Dense{}, nil
	}
	return f, mat.NewDense(totalRows, n, Jdata), nil
}

func workerCount(numSamples int) int {
	if numSamples < parallelThreshold {
		return 1
	}
	w := runtime.NumCPU()
	if w < 1 {
		w = 1
	}
	return w
}

// reduceSamples applies fn to every sample, summing the results that report
// ok, splitting the work across workerCount(len(samples)) goroutines over
// fixed, disjoint index ranges merged back in worker order — so the result
// is reproducible run to run for a given worker count. The parallel path
// sums per-worker partials, so it can differ from the serial sum by
// floating-point rounding.
func reduceSamples(samples []sampler.Point, fn func(sampler.Point) (float64, bool)) (sum float64, count int) {
	numWorkers := workerCount(len(samples))
	if numWorkers == 1 {
		for _, s := range samples {
			if v, ok := fn(s); ok {
				sum += v
				count++
			}
		}
		return sum, count
	}

	chunk := (len(samples) + numWorkers - 1) / numWorkers
	partialSums := make([]float64, numWorkers)
	partialCounts := make([]int, numWorkers)
	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		start := w * chunk
		end := start + chunk
		if end > len(samples) {
			end = len(samples)
		}
		if start >= end {
			continue
		}
		wg.Add(1)
		go func(w, start, end int) {
			defer wg.Done()
			var localSum float64
			var localCount int
			for i := start; i < end; i++ {
				if v, ok := fn(samples[i]); ok {
					localSum += v
					localCount++
				}
			}
			partialSums[w] = localSum
			partialCounts[w] = localCount
		}(w, start, end)
	}
	wg.Wait()
	for w := 0; w < numWorkers; w++ {
		sum += partialSums[w]
		count += partialCounts[w]
	}
	return sum, count
}

// reduceSamplesGeneric is reduceSamples generalized to an arbitrary
// associative accumulator type, used by the analytical-gradient reduction.
func reduceSamplesGeneric[T any](
	samples []sampler.Point,
	fn func(sampler.Point) (T, bool),
	combine func(a, b T) T,
) (result T, count int) {
	numWorkers := workerCount(len(samples))
	if numWorkers == 1 {
		var acc T
		first := true
		for _, s := range samples {
			if v, ok := fn(s); ok {
				if first {
					acc = v
					first = false
				} else {
					acc = combine(acc, v)
				}
				count++
			}
		}
		return acc, count
	}

	chunk := (len(samples) + numWorkers - 1) / numWorkers
	partials := make([]T, numWorkers)
	haves := make([]bool, numWorkers)
	counts := make([]int, numWorkers)
	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		start := w * chunk
		end := start + chunk
		if end > len(samples) {
			end = len(samples)
		}
		if start >= end {
			continue
		}
		wg.Add(1)
		go func(w, start, end int) {
			defer wg.Done()
			var acc T
			have := false
			localCount := 0
			for i := start; i < end; i++ {
				if v, ok := fn(samples[i]); ok {
					if !have {
						acc = v
						have = true
					} else {
						acc = combine(acc, v)
					}
					localCount++
				}
			}
			partials[w] = acc
			haves[w] = have
			counts[w] = localCount
		}(w, start, end)
	}
	wg.Wait()

	var acc T
	have := false
	for w := 0; w < numWorkers; w++ {
		if !haves[w] {
			continue
		}
		if !have {
			acc = partials[w]
			have = true
		} else {
			acc = combine(acc, partials[w])
		}
		count += counts[w]
	}
	return acc, count
}

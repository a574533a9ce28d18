// Package optimizer implements the Gauss-Newton / Levenberg-Marquardt
// nonlinear least-squares solver that drives the metric core's residuals
// and Jacobian (or, absent those, its gradient) toward a minimum, with
// adaptive damping, Armijo backtracking line search, best-parameters
// tracking, and a scaled-gradient-descent fallback.
package optimizer

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// StopCondition names the reason StartOptimization returned.
type StopCondition int

const (
	MaximumIterations StopCondition = iota
	StepTooSmall
	GradientTooSmall
	Converged
	SingularMatrix
)

func (s StopCondition) String() string {
	switch s {
	case MaximumIterations:
		return "MAXIMUM_ITERATIONS"
	case StepTooSmall:
		return "STEP_TOO_SMALL"
	case GradientTooSmall:
		return "GRADIENT_TOO_SMALL"
	case Converged:
		return "CONVERGED"
	case SingularMatrix:
		return "SINGULAR_MATRIX"
	default:
		return "UNKNOWN"
	}
}

// Problem bundles the callbacks the optimizer drives. ResidualFunc and
// JacobianFunc together select the Gauss-Newton path; otherwise
// GradientFunc is required and gradient descent is used.
type Problem struct {
	CostFunc     func() float64
	GradientFunc func() []float64
	ResidualFunc func() []float64
	JacobianFunc func() *mat.Dense
	GetParams    func() []float64
	SetParams    func([]float64)
	// Observer is polled at most once per iteration plus once on entry
	// and once on exit; a nil Observer is a no-op.
	Observer func(iteration int, currentValue, stepLength float64)
}

// Options configures the optimizer run. Zero-valued Scales/MaxUpdate are
// replaced with the spec defaults (1 and +Inf respectively) at
// StartOptimization time.
type Options struct {
	Scales                     []float64
	MaxUpdate                  []float64
	LearningRate               float64
	MinimumStepLength          float64
	NumberOfIterations         int
	RelaxationFactor           float64
	GradientMagnitudeTolerance float64
	ReturnBestParameters       bool

	UseLevenbergMarquardt   bool
	DampingFactor           float64
	UseLineSearch           bool
	LineSearchMaxIterations int
	LineSearchShrinkFactor  float64
}

// Optimizer runs Gauss-Newton/LM (or its gradient-descent fallback) against
// a Problem.
type Optimizer struct {
	problem Problem
	opts    Options

	numParams       int
	scales          []float64
	maxUpdate       []float64
	dampingFactor   float64
	currentStep     float64
	currentValue    float64
	bestValue       float64
	bestParams      []float64
	currentIter     int
	stopCondition   StopCondition
}

// New constructs an Optimizer for problem with the given options.
func New(problem Problem, opts Options) *Optimizer {
	return &Optimizer{problem: problem, opts: opts}
}

// GetBestValue returns the best cost observed across the run.
func (o *Optimizer) GetBestValue() float64 { return o.bestValue }

// GetBestParameters returns the parameter vector recorded when bestValue
// was observed.
func (o *Optimizer) GetBestParameters() []float64 {
	return append([]float64(nil), o.bestParams...)
}

// GetCurrentIteration returns the last iteration index executed.
func (o *Optimizer) GetCurrentIteration() int { return o.currentIter }

// GetStopCondition returns why the run terminated.
func (o *Optimizer) GetStopCondition() StopCondition { return o.stopCondition }

func (o *Optimizer) observe() {
	if o.problem.Observer != nil {
		o.problem.Observer(o.currentIter, o.currentValue, o.currentStep)
	}
}

// StartOptimization runs the optimizer to one of its stop conditions or the
// iteration cap.
func (o *Optimizer) StartOptimization() error {
	if o.problem.GetParams == nil || o.problem.SetParams == nil || o.problem.CostFunc == nil {
		return fmt.Errorf("optimizer: GetParams, SetParams and CostFunc are required")
	}
	gaussNewton := o.problem.ResidualFunc != nil && o.problem.JacobianFunc != nil
	if !gaussNewton && o.problem.GradientFunc == nil {
		return fmt.Errorf("optimizer: either (ResidualFunc and JacobianFunc) or GradientFunc must be set")
	}

	o.numParams = len(o.problem.GetParams())
	o.scales = defaultedScales(o.opts.Scales, o.numParams)
	o.maxUpdate = defaultedMaxUpdate(o.opts.MaxUpdate, o.numParams)
	o.dampingFactor = o.opts.DampingFactor

	o.currentValue = o.problem.CostFunc()
	o.bestValue = o.currentValue
	o.bestParams = append([]float64(nil), o.problem.GetParams()...)
	o.currentStep = o.opts.LearningRate
	o.currentIter = 0
	o.observe()

	terminated := false
	for iter := 1; iter <= o.opts.NumberOfIterations; iter++ {
		o.currentIter = iter

		var done bool
		if gaussNewton {
			done = o.advanceGaussNewton()
		} else {
			done = o.advanceGradientDescent()
		}
		o.observe()
		if done {
			terminated = true
			break
		}
	}
	if !terminated {
		o.stopCondition = MaximumIterations
	}

	if o.opts.ReturnBestParameters {
		o.problem.SetParams(o.bestParams)
		o.currentValue = o.bestValue
	}
	o.observe()
	return nil
}

func defaultedScales(s []float64, n int) []float64 {
	if len(s) == n {
		return append([]float64(nil), s...)
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

func defaultedMaxUpdate(m []float64, n int) []float64 {
	if len(m) == n {
		return append([]float64(nil), m...)
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Inf(1)
	}
	return out
}

func (o *Optimizer) recordBest(params []float64, value float64) {
	if value <= o.bestValue {
		o.bestValue = value
		o.bestParams = append([]float64(nil), params...)
	}
}

func clampUpdate(update, maxUpdate []float64) {
	for i := range update {
		if update[i] > maxUpdate[i] {
			update[i] = maxUpdate[i]
		} else if update[i] < -maxUpdate[i] {
			update[i] = -maxUpdate[i]
		}
	}
}

func scaledMagnitude(v, scales []float64) float64 {
	var sumSq float64
	for i, x := range v {
		s := x / scales[i]
		sumSq += s * s
	}
	return math.Sqrt(sumSq)
}

func allFinite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// advanceGaussNewton implements spec steps 1-12 of the Gauss-Newton
// iteration: build the damped normal equations, solve via a Cholesky-like
// factorization with one retry at boosted damping, backtrack with an Armijo
// line search, and accept or reject the step.
func (o *Optimizer) advanceGaussNewton() (done bool) {
	qPrev := append([]float64(nil), o.problem.GetParams()...)
	vPrev := o.currentValue

	f := o.problem.ResidualFunc()
	J := o.problem.JacobianFunc()
	if J == nil || len(f) == 0 {
		o.stopCondition = SingularMatrix
		return true
	}
	rows, cols := J.Dims()
	if rows != len(f) || cols != o.numParams {
		o.stopCondition = SingularMatrix
		return true
	}

	n := o.numParams
	scaledJ := mat.NewDense(rows, n, nil)
	for j := 0; j < n; j++ {
		for i := 0; i < rows; i++ {
			scaledJ.Set(i, j, J.At(i, j)/o.scales[j])
		}
	}

	var A mat.Dense
	A.Mul(scaledJ.T(), scaledJ)
	fVec := mat.NewVecDense(len(f), f)
	var b mat.VecDense
	b.MulVec(scaledJ.T(), fVec)

	u, ok := o.solveDampedNormalEquations(&A, &b)
	if !ok {
		o.stopCondition = SingularMatrix
		return true
	}
	if !allFinite(u) {
		o.stopCondition = SingularMatrix
		return true
	}

	update := make([]float64, n)
	for i := range update {
		update[i] = u[i] / o.scales[i]
	}
	clampUpdate(update, o.maxUpdate)

	if scaledMagnitude(update, o.scales) < o.opts.MinimumStepLength {
		o.stopCondition = StepTooSmall
		return true
	}

	alpha := o.lineSearch(qPrev, update, vPrev)

	qNew := make([]float64, n)
	for i := range qNew {
		qNew[i] = qPrev[i] + alpha*update[i]
	}
	o.problem.SetParams(qNew)
	vNew := o.problem.CostFunc()

	if vNew < vPrev {
		o.currentValue = vNew
		o.recordBest(qNew, vNew)
		o.dampingFactor = math.Max(o.dampingFactor/2, 1e-10)

		if math.Abs(vPrev-vNew)/(math.Abs(vPrev)+1e-10) < o.opts.GradientMagnitudeTolerance {
			o.stopCondition = Converged
			return true
		}
		return false
	}

	o.problem.SetParams(qPrev)
	o.currentValue = vPrev
	o.currentStep *= o.opts.RelaxationFactor
	o.dampingFactor = math.Min(o.dampingFactor*2, 1e6)
	if o.currentStep < o.opts.MinimumStepLength {
		o.stopCondition = StepTooSmall
		return true
	}
	return false
}

// solveDampedNormalEquations solves (A + damping) u = -b via a Cholesky
// factorization, retrying once with boosted diagonal damping if the matrix
// is not positive definite.
func (o *Optimizer) solveDampedNormalEquations(A *mat.Dense, b *mat.VecDense) (u []float64, ok bool) {
	n := o.numParams
	damped := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			damped.SetSym(i, j, A.At(i, j))
		}
	}
	if o.opts.UseLevenbergMarquardt {
		lambda := o.dampingFactor
		for i := 0; i < n; i++ {
			damped.SetSym(i, i, damped.At(i, i)+lambda*(damped.At(i, i)+1e-6))
		}
	}

	negB := mat.NewVecDense(n, nil)
	negB.ScaleVec(-1, b)

	var chol mat.Cholesky
	if chol.Factorize(damped) {
		var x mat.VecDense
		if err := chol.SolveVecTo(&x, negB); err == nil {
			return vecToSlice(&x, n), true
		}
	}

	if o.opts.UseLevenbergMarquardt {
		lambdaBoost := math.Max(10*o.dampingFactor, 1e-3)
		for i := 0; i < n; i++ {
			damped.SetSym(i, i, A.At(i, i)+lambdaBoost)
		}
		if chol.Factorize(damped) {
			var x mat.VecDense
			if err := chol.SolveVecTo(&x, negB); err == nil {
				return vecToSlice(&x, n), true
			}
		}
		return nil, false
	}

	// No LM damping requested: one retry with a flat regularizer before
	// reporting singular, mirroring the boosted-damping retry above.
	for i := 0; i < n; i++ {
		damped.SetSym(i, i, A.At(i, i)+1e-3)
	}
	if chol.Factorize(damped) {
		var x mat.VecDense
		if err := chol.SolveVecTo(&x, negB); err == nil {
			return vecToSlice(&x, n), true
		}
	}
	return nil, false
}

func vecToSlice(v *mat.VecDense, n int) []float64 {
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = v.AtVec(i)
	}
	return out
}

// lineSearch performs backtracking Armijo search for a step factor alpha
// along +update. Falls back to alpha=0.1 when no gradient is available or
// the direction is not a descent direction.
func (o *Optimizer) lineSearch(qPrev, update []float64, v0 float64) float64 {
	if !o.opts.UseLineSearch {
		return 1.0
	}
	if o.problem.GradientFunc == nil {
		return 0.1
	}

	g := o.problem.GradientFunc()
	var directional float64
	for i := range update {
		directional += g[i] * update[i]
	}
	if directional >= 0 {
		// update is not a descent direction.
		return 0.1
	}

	const c = 1e-4
	alpha := 1.0
	beta := o.opts.LineSearchShrinkFactor
	n := len(qPrev)
	trial := make([]float64, n)
	for k := 0; k < o.opts.LineSearchMaxIterations; k++ {
		for i := range trial {
			trial[i] = qPrev[i] + alpha*update[i]
		}
		o.problem.SetParams(trial)
		v := o.problem.CostFunc()
		o.problem.SetParams(qPrev)
		if v <= v0+c*alpha*directional {
			return alpha
		}
		alpha *= beta
	}
	return alpha
}

// advanceGradientDescent implements the scaled-gradient-descent fallback
// used when the problem exposes no residual/Jacobian pair.
func (o *Optimizer) advanceGradientDescent() (done bool) {
	qPrev := append([]float64(nil), o.problem.GetParams()...)
	vPrev := o.currentValue

	g := o.problem.GradientFunc()
	mag := scaledMagnitude(g, o.scales)
	if mag < o.opts.GradientMagnitudeTolerance {
		o.stopCondition = GradientTooSmall
		return true
	}

	n := o.numParams
	update := make([]float64, n)
	for i := range update {
		update[i] = o.currentStep * g[i] / (o.scales[i] * o.scales[i] * mag)
	}
	clampUpdate(update, o.maxUpdate)

	qNew := make([]float64, n)
	for i := range qNew {
		qNew[i] = qPrev[i] - update[i]
	}
	o.problem.SetParams(qNew)
	vNew := o.problem.CostFunc()

	if vNew < vPrev {
		o.currentValue = vNew
		o.recordBest(qNew, vNew)
		if math.Abs(vPrev-vNew)/(math.Abs(vPrev)+1e-10) < o.opts.GradientMagnitudeTolerance {
			o.stopCondition = Converged
			return true
		}
		return false
	}

	o.problem.SetParams(qPrev)
	o.currentValue = vPrev
	o.currentStep *= o.opts.RelaxationFactor
	if o.currentStep < o.opts.MinimumStepLength {
		o.stopCondition = StepTooSmall
		return true
	}
	return false
}

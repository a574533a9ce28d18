// Package transform provides the minimal rigid and affine spatial transforms
// the registration core drives through its TransformPoint and
// parameter-Jacobian collaborator interface. Image I/O, resampling and the
// pyramid-level driver are out of the registration core's scope, but a
// runnable module needs a concrete transform to exercise it end to end.
package transform

import "mindreg/internal/volume"

// Transform is the collaborator interface the metric core and optimizer
// consume: point mapping, an analytical parameter-Jacobian callback, and a
// parameter getter/setter for the optimizer's get/set loop.
type Transform interface {
	NumParameters() int
	TransformPoint(p volume.Vec3) volume.Vec3
	// Jacobian fills out[i] with the partial derivatives of the transformed
	// point with respect to parameter i, evaluated at the point p.
	Jacobian(p volume.Vec3, out []volume.Vec3)
	GetParameters() []float64
	SetParameters(q []float64)
}

// Rigid is a 6-parameter rigid transform: Euler angles (rx, ry, rz) in
// radians followed by a translation (tx, ty, tz) in millimetres. The
// rotation matrix is assembled as R = Rz(rz) * Ry(ry) * Rx(rx).
type Rigid struct {
	params [6]float64
}

// NewRigid returns a rigid transform initialized to the identity.
func NewRigid() *Rigid { return &Rigid{} }

func (r *Rigid) NumParameters() int { return 6 }

func (r *Rigid) GetParameters() []float64 {
	out := make([]float64, 6)
	copy(out, r.params[:])
	return out
}

func (r *Rigid) SetParameters(q []float64) {
	copy(r.params[:], q)
}

func (r *Rigid) rotation() mat3 {
	rx, ry, rz := r.params[0], r.params[1], r.params[2]
	return mulMat3(mulMat3(rotZ(rz), rotY(ry)), rotX(rx))
}

func (r *Rigid) TransformPoint(p volume.Vec3) volume.Vec3 {
	rotated := r.rotation().apply(p)
	return volume.Vec3{
		X: rotated.X + r.params[3],
		Y: rotated.Y + r.params[4],
		Z: rotated.Z + r.params[5],
	}
}

func (r *Rigid) Jacobian(p volume.Vec3, out []volume.Vec3) {
	rx, ry, rz := r.params[0], r.params[1], r.params[2]
	Rx, Ry, Rz := rotX(rx), rotY(ry), rotZ(rz)
	dRx, dRy, dRz := dRotX(rx), dRotY(ry), dRotZ(rz)

	// R = Rz * Ry * Rx; chain rule on each angle.
	out[0] = mulMat3(mulMat3(Rz, Ry), dRx).apply(p)
	out[1] = mulMat3(mulMat3(Rz, dRy), Rx).apply(p)
	out[2] = mulMat3(mulMat3(dRz, Ry), Rx).apply(p)
	out[3] = volume.Vec3{X: 1}
	out[4] = volume.Vec3{Y: 1}
	out[5] = volume.Vec3{Z: 1}
}

// Affine is a 12-parameter affine transform: a row-major 3x3 matrix
// (params[0..8]) followed by a translation (params[9..11]).
type Affine struct {
	params [12]float64
}

// NewAffine returns an affine transform initialized to the identity.
func NewAffine() *Affine {
	a := &Affine{}
	a.params[0], a.params[4], a.params[8] = 1, 1, 1
	return a
}

func (a *Affine) NumParameters() int { return 12 }

func (a *Affine) GetParameters() []float64 {
	out := make([]float64, 12)
	copy(out, a.params[:])
	return out
}

func (a *Affine) SetParameters(q []float64) {
	copy(a.params[:], q)
}

func (a *Affine) matrix() mat3 {
	return mat3{
		{a.params[0], a.params[1], a.params[2]},
		{a.params[3], a.params[4], a.params[5]},
		{a.params[6], a.params[7], a.params[8]},
	}
}

func (a *Affine) TransformPoint(p volume.Vec3) volume.Vec3 {
	t := a.matrix().apply(p)
	return volume.Vec3{X: t.X + a.params[9], Y: t.Y + a.params[10], Z: t.Z + a.params[11]}
}

func (a *Affine) Jacobian(p volume.Vec3, out []volume.Vec3) {
	comps := [3]float64{p.X, p.Y, p.Z}
	// d(p')_i / d(a_ij) = e_i * p_j
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			v := volume.Vec3{}
			setComponent(&v, row, comps[col])
			out[row*3+col] = v
		}
	}
	out[9] = volume.Vec3{X: 1}
	out[10] = volume.Vec3{Y: 1}
	out[11] = volume.Vec3{Z: 1}
}

func setComponent(v *volume.Vec3, axis int, val float64) {
	switch axis {
	case 0:
		v.X = val
	case 1:
		v.Y = val
	case 2:
		v.Z = val
	}
}

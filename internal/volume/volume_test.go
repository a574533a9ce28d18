package volume

import (
	"math"
	"testing"
)

func TestIndexRowMajor(t *testing.T) {
	v := New(Size{4, 5, 6}, Vec3{1, 1, 1})
	if got := v.Index(1, 2, 3); got != 3*5*4+2*4+1 {
		t.Errorf("Index(1,2,3) = %d, want %d", got, 3*5*4+2*4+1)
	}
}

func TestShiftZeroPadsOutOfBuffer(t *testing.T) {
	v := New(Size{3, 3, 3}, Vec3{1, 1, 1})
	v.Set(0, 0, 0, 7)
	shifted := Shift(v, [3]int{1, 0, 0})
	if shifted.At(1, 0, 0) != 7 {
		t.Errorf("Shift did not move voxel into expected position")
	}
	if shifted.At(0, 0, 0) != 0 {
		t.Errorf("Shift should zero-pad the vacated border voxel, got %v", shifted.At(0, 0, 0))
	}
}

func TestBoxMeanExcludesOutOfBuffer(t *testing.T) {
	v := New(Size{3, 1, 1}, Vec3{1, 1, 1})
	v.Set(0, 0, 0, 1)
	v.Set(1, 0, 0, 2)
	v.Set(2, 0, 0, 3)
	mean := BoxMean(v, 1)
	// corner voxel averages over itself and its single interior neighbor.
	if got, want := mean.At(0, 0, 0), float32(1.5); got != want {
		t.Errorf("BoxMean corner = %v, want %v", got, want)
	}
	if got, want := mean.At(1, 0, 0), float32(2.0); got != want {
		t.Errorf("BoxMean center = %v, want %v", got, want)
	}
}

func TestGradientCentralDifference(t *testing.T) {
	v := New(Size{5, 1, 1}, Vec3{1, 1, 1})
	for x := 0; x < 5; x++ {
		v.Set(x, 0, 0, float32(x*x))
	}
	gx, _, _ := Gradient(v)
	// central difference at x=2: (9-1)/2 = 4, true derivative of x^2 at x=2 is 4.
	if got, want := gx.At(2, 0, 0), float32(4); math.Abs(float64(got-want)) > 1e-6 {
		t.Errorf("Gradient interior = %v, want %v", got, want)
	}
	// forward difference at x=0: 1-0 = 1.
	if got, want := gx.At(0, 0, 0), float32(1); got != want {
		t.Errorf("Gradient left border = %v, want %v", got, want)
	}
}

func TestTrilinearAtOutOfBufferIsInvalid(t *testing.T) {
	v := New(Size{2, 2, 2}, Vec3{1, 1, 1})
	_, ok := v.TrilinearAt(Vec3{10, 10, 10})
	if ok {
		t.Errorf("TrilinearAt should report out-of-buffer points as invalid")
	}
}

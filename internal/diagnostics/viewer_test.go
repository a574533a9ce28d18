package diagnostics

import (
	"os"
	"path/filepath"
	"testing"

	"mindreg/internal/volume"
)

func rampVolume() *volume.Volume {
	v := volume.New(volume.Size{X: 4, Y: 4, Z: 4}, volume.Vec3{X: 1, Y: 1, Z: 1})
	for i := range v.Data {
		v.Data[i] = float32(i)
	}
	return v
}

func TestExtractSliceRejectsOutOfRangePosition(t *testing.T) {
	w := NewSliceWriter(rampVolume())
	if _, err := w.ExtractSlice("z", 10); err == nil {
		t.Errorf("expected an error for an out-of-range z position")
	}
	if _, err := w.ExtractSlice("q", 0); err == nil {
		t.Errorf("expected an error for an invalid axis")
	}
}

func TestExtractSliceDimensions(t *testing.T) {
	w := NewSliceWriter(rampVolume())
	img, err := w.ExtractSlice("z", 1)
	if err != nil {
		t.Fatalf("ExtractSlice: %v", err)
	}
	b := img.Bounds()
	if b.Dx() != 4 || b.Dy() != 4 {
		t.Errorf("slice bounds = %v, want 4x4", b)
	}
}

func TestSaveSliceSequenceWritesOneFilePerPosition(t *testing.T) {
	w := NewSliceWriter(rampVolume())
	dir := t.TempDir()
	if err := w.SaveSliceSequence("z", dir); err != nil {
		t.Fatalf("SaveSliceSequence: %v", err)
	}
	for pos := 0; pos < 4; pos++ {
		path := filepath.Join(dir, "slice_z_00"+string(rune('0'+pos))+".jpg")
		if _, err := os.Stat(path); err != nil {
			t.Errorf("expected slice file at %s: %v", path, err)
		}
	}
}

func TestDumpPatchDistancesWritesPerChannelDirectories(t *testing.T) {
	stack := []*volume.Volume{rampVolume(), rampVolume()}
	dir := t.TempDir()
	if err := DumpPatchDistances(stack, dir); err != nil {
		t.Fatalf("DumpPatchDistances: %v", err)
	}
	for ch := 0; ch < 2; ch++ {
		chDir := filepath.Join(dir, "channel_0"+string(rune('0'+ch)))
		if _, err := os.Stat(chDir); err != nil {
			t.Errorf("expected channel directory %s: %v", chDir, err)
		}
	}
}

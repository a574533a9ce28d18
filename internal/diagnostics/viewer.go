// Package diagnostics writes descriptor patch-distance volumes to disk as
// JPEG slice sequences, for visual inspection against reference MIND papers.
// This is the "diagnostic volume output" collaborator: not a stable
// protocol, just a caller-side convenience over the descriptor builder's
// exposed D_o stack.
package diagnostics

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"mindreg/internal/volume"
)

// SliceWriter extracts and saves 2D slices through a 3D volume along any
// axis, min/max-normalizing intensities into the 16-bit grayscale range.
type SliceWriter struct {
	v *volume.Volume
}

// NewSliceWriter wraps v for slice extraction.
func NewSliceWriter(v *volume.Volume) *SliceWriter {
	return &SliceWriter{v: v}
}

// ExtractSlice extracts a 2D slice at position along axis ("x", "y", or "z"),
// normalizing voxel values across the whole volume to the 16-bit range.
func (w *SliceWriter) ExtractSlice(axis string, position int) (image.Image, error) {
	lo, hi := w.dataRange()
	span := hi - lo
	if span == 0 {
		span = 1
	}
	normalize := func(val float32) uint16 {
		frac := (float64(val) - lo) / span
		return uint16(math.Max(0, math.Min(65535, frac*65535)))
	}

	sz := w.v.Size
	switch axis {
	case "x", "X":
		if position < 0 || position >= sz.X {
			return nil, fmt.Errorf("position %d exceeds width %d", position, sz.X)
		}
		img := image.NewGray16(image.Rect(0, 0, sz.Z, sz.Y))
		for y := 0; y < sz.Y; y++ {
			for z := 0; z < sz.Z; z++ {
				img.SetGray16(z, y, color.Gray16{Y: normalize(w.v.At(position, y, z))})
			}
		}
		return img, nil

	case "y", "Y":
		if position < 0 || position >= sz.Y {
			return nil, fmt.Errorf("position %d exceeds height %d", position, sz.Y)
		}
		img := image.NewGray16(image.Rect(0, 0, sz.X, sz.Z))
		for z := 0; z < sz.Z; z++ {
			for x := 0; x < sz.X; x++ {
				img.SetGray16(x, z, color.Gray16{Y: normalize(w.v.At(x, position, z))})
			}
		}
		return img, nil

	case "z", "Z":
		if position < 0 || position >= sz.Z {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, sz.Z)
		}
		img := image.NewGray16(image.Rect(0, 0, sz.X, sz.Y))
		for y := 0; y < sz.Y; y++ {
			for x := 0; x < sz.X; x++ {
				img.SetGray16(x, y, color.Gray16{Y: normalize(w.v.At(x, y, position))})
			}
		}
		return img, nil

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
}

func (w *SliceWriter) dataRange() (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, val := range w.v.Data {
		v := float64(val)
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// SaveSlice saves an extracted slice as a JPEG image.
func (w *SliceWriter) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()
	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveSliceSequence extracts and saves every slice along axis into outputDir.
func (w *SliceWriter) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}
	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = w.v.Size.X
	case "y", "Y":
		maxPos = w.v.Size.Y
	case "z", "Z":
		maxPos = w.v.Size.Z
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := w.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", axis, pos))
		if err := w.SaveSlice(img, filename); err != nil {
			return err
		}
	}
	return nil
}

// DumpPatchDistances writes every channel of a patch-distance stack (the
// descriptor builder's D_o output) to its own subdirectory of outDir as a
// z-axis slice sequence, for visual comparison against reference papers.
func DumpPatchDistances(stack []*volume.Volume, outDir string) error {
	for ch, d := range stack {
		dir := filepath.Join(outDir, fmt.Sprintf("channel_%02d", ch))
		if err := NewSliceWriter(d).SaveSliceSequence("z", dir); err != nil {
			return fmt.Errorf("diagnostics: channel %d: %w", ch, err)
		}
	}
	return nil
}

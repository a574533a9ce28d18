// Package rawio reads and writes the minimal raw volume format the CLI
// driver uses in place of a medical-image decoder (no such decoder exists
// in the corpus this module draws on, and decoding DICOM/NIfTI is out of
// scope for the registration core). The format is a small fixed header
// followed by a row-major float32 buffer matching volume.Volume.Data.
package rawio

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"mindreg/internal/volume"
)

var magic = [4]byte{'M', 'V', 'O', 'L'}

const headerVersion = 1

// WriteVolume writes v to path in the raw volume format.
func WriteVolume(path string, v *volume.Volume) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("rawio: create %s: %w", path, err)
	}
	defer f.Close()

	if err := binary.Write(f, binary.LittleEndian, magic); err != nil {
		return fmt.Errorf("rawio: write magic: %w", err)
	}
	header := struct {
		Version                      int32
		SizeX, SizeY, SizeZ          int32
		SpacingX, SpacingY, SpacingZ float64
		OriginX, OriginY, OriginZ    float64
		Direction                    [9]float64
	}{
		Version: headerVersion,
		SizeX:   int32(v.Size.X), SizeY: int32(v.Size.Y), SizeZ: int32(v.Size.Z),
		SpacingX: v.Spacing.X, SpacingY: v.Spacing.Y, SpacingZ: v.Spacing.Z,
		OriginX: v.Origin.X, OriginY: v.Origin.Y, OriginZ: v.Origin.Z,
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			header.Direction[i*3+j] = v.Direction[i][j]
		}
	}
	if err := binary.Write(f, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("rawio: write header: %w", err)
	}
	if err := binary.Write(f, binary.LittleEndian, v.Data); err != nil {
		return fmt.Errorf("rawio: write data: %w", err)
	}
	return nil
}

// ReadVolume reads a volume previously written by WriteVolume.
func ReadVolume(path string) (*volume.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("rawio: open %s: %w", path, err)
	}
	defer f.Close()

	var got [4]byte
	if err := binary.Read(f, binary.LittleEndian, &got); err != nil {
		return nil, fmt.Errorf("rawio: read magic: %w", err)
	}
	if got != magic {
		return nil, fmt.Errorf("rawio: %s is not a raw volume file (bad magic)", path)
	}

	var header struct {
		Version                      int32
		SizeX, SizeY, SizeZ          int32
		SpacingX, SpacingY, SpacingZ float64
		OriginX, OriginY, OriginZ    float64
		Direction                    [9]float64
	}
	if err := binary.Read(f, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("rawio: read header: %w", err)
	}
	if header.Version != headerVersion {
		return nil, fmt.Errorf("rawio: unsupported version %d", header.Version)
	}

	size := volume.Size{X: int(header.SizeX), Y: int(header.SizeY), Z: int(header.SizeZ)}
	v := volume.New(size, volume.Vec3{X: header.SpacingX, Y: header.SpacingY, Z: header.SpacingZ})
	v.Origin = volume.Vec3{X: header.OriginX, Y: header.OriginY, Z: header.OriginZ}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			v.Direction[i][j] = header.Direction[i*3+j]
		}
	}

	if err := binary.Read(f, binary.LittleEndian, v.Data); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, fmt.Errorf("rawio: truncated data section in %s", path)
		}
		return nil, fmt.Errorf("rawio: read data: %w", err)
	}
	return v, nil
}

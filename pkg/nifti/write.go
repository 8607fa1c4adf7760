package nifti

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"cordmetrics/internal/models"
)

// Save writes vol as a single-file NIfTI-1 image. A ".gz" suffix selects gzip
// compression. datatype must be DTUint8, DTInt16 or DTFloat32.
func Save(vol *models.Volume, path string, datatype int16) error {
	h, err := headerFor(vol, datatype)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	buf := bufio.NewWriter(f)
	var w io.Writer = buf
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(buf)
		w = gz
	}

	if err := Encode(w, vol, h); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
	}
	if err := buf.Flush(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

// Encode writes the header, the empty extension block and the voxel data
func Encode(w io.Writer, vol *models.Volume, h *Header) error {
	order := binary.LittleEndian
	if err := binary.Write(w, order, h); err != nil {
		return err
	}
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}
	return encodeData(w, vol, h)
}

// SavePair writes vol as an uncompressed .hdr/.img pair, the layout
// produced with FSLOUTPUTTYPE=NIFTI_PAIR. path names the .hdr file.
func SavePair(vol *models.Volume, path string, datatype int16) error {
	h, err := headerFor(vol, datatype)
	if err != nil {
		return err
	}
	h.Magic = magicPair
	h.VoxOffset = 0

	var hdr bytes.Buffer
	if err := binary.Write(&hdr, binary.LittleEndian, h); err != nil {
		return fmt.Errorf("failed to encode header: %w", err)
	}
	var img bytes.Buffer
	if err := encodeData(&img, vol, h); err != nil {
		return fmt.Errorf("failed to encode image: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := os.WriteFile(path, hdr.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	imgPath := pairedImagePath(path)
	if err := os.WriteFile(imgPath, img.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", imgPath, err)
	}
	return nil
}

func encodeData(w io.Writer, vol *models.Volume, h *Header) error {
	order := binary.LittleEndian
	bpv, err := bytesPerVoxel(h.DataType)
	if err != nil {
		return err
	}
	out := make([]byte, len(vol.Data)*bpv)
	for i, v := range vol.Data {
		b := out[i*bpv : (i+1)*bpv]
		switch h.DataType {
		case DTUint8:
			b[0] = uint8(clampRound(v, 0, math.MaxUint8))
		case DTInt16:
			order.PutUint16(b, uint16(int16(clampRound(v, math.MinInt16, math.MaxInt16))))
		case DTFloat32:
			order.PutUint32(b, math.Float32bits(float32(v)))
		}
	}
	_, err = w.Write(out)
	return err
}

func headerFor(vol *models.Volume, datatype int16) (*Header, error) {
	switch datatype {
	case DTUint8, DTInt16, DTFloat32:
	default:
		return nil, fmt.Errorf("cannot write datatype %d: %w", datatype, ErrUnsupportedDatatype)
	}
	bpv, _ := bytesPerVoxel(datatype)

	h := &Header{
		SizeOfHdr: headerSize,
		Regular:   'r',
		DataType:  datatype,
		BitPix:    int16(bpv * 8),
		VoxOffset: singleFileOff,
		XYZTUnits: 2 | 8, // mm, s
		SFormCode: 1,
		Magic:     magicSingle,
	}
	h.Dim = [8]int16{3, int16(vol.Nx), int16(vol.Ny), int16(vol.Nz), 1, 1, 1, 1}
	h.PixDim = [8]float32{1, float32(vol.VoxelSize.X), float32(vol.VoxelSize.Y), float32(vol.VoxelSize.Z), 1, 1, 1, 1}
	for j := 0; j < 4; j++ {
		h.SRowX[j] = float32(vol.Affine[0][j])
		h.SRowY[j] = float32(vol.Affine[1][j])
		h.SRowZ[j] = float32(vol.Affine[2][j])
	}
	return h, nil
}

func clampRound(v, lo, hi float64) float64 {
	v = math.Round(v)
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

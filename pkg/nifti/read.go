package nifti

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"cordmetrics/internal/models"
)

// Load reads a NIfTI-1 volume. Only the first three dimensions are kept;
// for 4D inputs the first volume is returned.
func Load(path string) (*models.Volume, error) {
	raw, err := readMaybeGzip(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	h, order, err := ReadHeader(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	var data []byte
	switch h.Magic {
	case magicSingle:
		offset := int(h.VoxOffset)
		if offset < singleFileOff {
			offset = singleFileOff
		}
		if offset > len(raw) {
			return nil, fmt.Errorf("%s: vox_offset %d beyond end of file: %w", path, offset, ErrInvalidHeader)
		}
		data = raw[offset:]

	case magicPair:
		imgPath := pairedImagePath(path)
		img, err := readMaybeGzip(imgPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read image file %s: %w", imgPath, err)
		}
		offset := int(h.VoxOffset)
		if offset > len(img) {
			return nil, fmt.Errorf("%s: vox_offset %d beyond end of file: %w", imgPath, offset, ErrInvalidHeader)
		}
		data = img[offset:]
	}

	vol, err := decode(h, order, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	vol.Filename = path
	return vol, nil
}

// ReadHeader decodes the header at the start of b and returns the byte order
// of the file, inferred from sizeof_hdr.
func ReadHeader(b []byte) (*Header, binary.ByteOrder, error) {
	if len(b) < headerSize {
		return nil, nil, fmt.Errorf("file shorter than header: %w", ErrInvalidHeader)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if int32(binary.LittleEndian.Uint32(b[:4])) != headerSize {
		if int32(binary.BigEndian.Uint32(b[:4])) != headerSize {
			return nil, nil, fmt.Errorf("sizeof_hdr is not %d: %w", headerSize, ErrInvalidHeader)
		}
		order = binary.BigEndian
	}

	h := &Header{}
	if err := binary.Read(bytes.NewReader(b[:headerSize]), order, h); err != nil {
		return nil, nil, fmt.Errorf("failed to decode header: %w", err)
	}

	if err := validateHeader(h); err != nil {
		return nil, nil, err
	}
	return h, order, nil
}

func validateHeader(h *Header) error {
	switch {
	case h.Magic != magicSingle && h.Magic != magicPair:
		return fmt.Errorf("bad magic %q: %w", h.Magic[:3], ErrInvalidHeader)
	case h.Dim[0] < 1 || h.Dim[0] > 7:
		return fmt.Errorf("dim[0]=%d not in [1, 7]: %w", h.Dim[0], ErrInvalidHeader)
	}
	for i := 1; i <= int(h.Dim[0]); i++ {
		if h.Dim[i] < 1 {
			return fmt.Errorf("dim[%d]=%d: %w", i, h.Dim[i], ErrInvalidHeader)
		}
	}
	if _, err := bytesPerVoxel(h.DataType); err != nil {
		return fmt.Errorf("datatype %d: %w", h.DataType, err)
	}
	return nil
}

func decode(h *Header, order binary.ByteOrder, data []byte) (*models.Volume, error) {
	dims := [3]int{1, 1, 1}
	for i := 0; i < 3 && i < int(h.Dim[0]); i++ {
		dims[i] = int(h.Dim[i+1])
	}

	bpv, _ := bytesPerVoxel(h.DataType)
	n := dims[0] * dims[1] * dims[2]
	if len(data) < n*bpv {
		return nil, fmt.Errorf("expected %d bytes of voxel data, found %d: %w", n*bpv, len(data), ErrInvalidHeader)
	}

	vol := &models.Volume{
		Data: make([]float64, n),
		Nx:   dims[0],
		Ny:   dims[1],
		Nz:   dims[2],
		VoxelSize: models.VoxelSize{
			X: positiveOrOne(float64(h.PixDim[1])),
			Y: positiveOrOne(float64(h.PixDim[2])),
			Z: positiveOrOne(float64(h.PixDim[3])),
		},
		Affine: h.Affine(),
	}

	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	scale := slope != 0 && !math.IsNaN(slope) && !(slope == 1 && inter == 0)

	for i := 0; i < n; i++ {
		b := data[i*bpv : (i+1)*bpv]
		var v float64
		switch h.DataType {
		case DTUint8:
			v = float64(b[0])
		case DTInt8:
			v = float64(int8(b[0]))
		case DTInt16:
			v = float64(int16(order.Uint16(b)))
		case DTUint16:
			v = float64(order.Uint16(b))
		case DTInt32:
			v = float64(int32(order.Uint32(b)))
		case DTUint32:
			v = float64(order.Uint32(b))
		case DTFloat32:
			v = float64(math.Float32frombits(order.Uint32(b)))
		case DTFloat64:
			v = math.Float64frombits(order.Uint64(b))
		}
		if scale {
			v = v*slope + inter
		}
		vol.Data[i] = v
	}
	return vol, nil
}

func readMaybeGzip(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	}
	return io.ReadAll(r)
}

// pairedImagePath maps foo.hdr to foo.img (keeping a .gz suffix)
func pairedImagePath(hdrPath string) string {
	p := strings.TrimSuffix(hdrPath, ".gz")
	gz := p != hdrPath
	p = strings.TrimSuffix(p, ".hdr") + ".img"
	if gz {
		if _, err := os.Stat(p + ".gz"); err == nil {
			return p + ".gz"
		}
	}
	return p
}

// TrimExt strips a .nii, .nii.gz, .hdr, .hdr.gz or .img extension
func TrimExt(path string) string {
	for _, ext := range []string{".nii.gz", ".hdr.gz", ".img.gz", ".nii", ".hdr", ".img"} {
		if strings.HasSuffix(path, ext) {
			return strings.TrimSuffix(path, ext)
		}
	}
	return path
}

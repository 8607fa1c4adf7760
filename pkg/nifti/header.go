// Package nifti reads and writes NIfTI-1 volumes (.nii, .nii.gz and .hdr/.img
// pairs) into models.Volume.
//
// Based on the nifti1 header definition,
// https://nifti.nimh.nih.gov/pub/dist/src/niftilib/nifti1.h
package nifti

import (
	"errors"
	"math"
)

// Header is the 348 byte NIfTI-1 header.
//
// C     Go
// -------------
// int   int32
// float float32
// short int16
// char  byte
type Header struct {
	SizeOfHdr      int32    // Must be 348
	DataTypeUnused [10]byte // Unused
	DbName         [18]byte // Unused
	Extents        int32    // Unused
	SessionError   int16    // Unused
	Regular        byte     // Unused
	DimInfo        byte     // MRI slice ordering

	Dim           [8]int16   // Data array dimensions
	IntentP1      float32    // 1st intent parameter
	IntentP2      float32    // 2nd intent parameter
	IntentP3      float32    // 3rd intent parameter
	IntentCode    int16      // NIFTI_INTENT_* code
	DataType      int16      // Defines data type
	BitPix        int16      // Number bits/voxel
	SliceStart    int16      // First slice index
	PixDim        [8]float32 // Grid spacing
	VoxOffset     float32    // Offset into .nii file
	SclSlope      float32    // Data scaling: slope
	SclInter      float32    // Data scaling: offset
	SliceEnd      int16      // Last slice index
	SliceCode     byte       // Slice timing order
	XYZTUnits     byte       // Units of pixdim[1..4]
	CalMax        float32    // Max display intensity
	CalMin        float32    // Min display intensity
	SliceDuration float32    // Time for 1 slice
	TOffset       float32    // Time axis shift
	Glmax         int32      // Unused
	Glmin         int32      // Unused

	Descrip [80]byte // Any text you like
	AuxFile [24]byte // Auxiliary filename

	QFormCode int16 // NIFTI_XFORM_* code
	SFormCode int16 // NIFTI_XFORM_* code

	QuaternB float32 // Quaternion b param
	QuaternC float32 // Quaternion c param
	QuaternD float32 // Quaternion d param
	QOffsetX float32 // Quaternion x shift
	QOffsetY float32 // Quaternion y shift
	QOffsetZ float32 // Quaternion z shift

	SRowX [4]float32 // 1st row affine transform
	SRowY [4]float32 // 2nd row affine transform
	SRowZ [4]float32 // 3rd row affine transform

	IntentName [16]byte // 'name' or meaning of data

	Magic [4]byte // "ni1\0" or "n+1\0"
}

const (
	headerSize    = 348
	singleFileOff = 352
)

// Datatype codes supported by this package
const (
	DTUint8   = 2
	DTInt16   = 4
	DTInt32   = 8
	DTFloat32 = 16
	DTFloat64 = 64
	DTInt8    = 256
	DTUint16  = 512
	DTUint32  = 768
)

var (
	// ErrInvalidHeader is returned when the header cannot be a NIfTI-1 header
	ErrInvalidHeader = errors.New("invalid nifti1 header")

	// ErrUnsupportedDatatype is returned for datatypes this package cannot decode
	ErrUnsupportedDatatype = errors.New("unsupported nifti1 datatype")
)

var (
	magicSingle = [4]byte{'n', '+', '1', 0}
	magicPair   = [4]byte{'n', 'i', '1', 0}
)

func bytesPerVoxel(datatype int16) (int, error) {
	switch datatype {
	case DTUint8, DTInt8:
		return 1, nil
	case DTInt16, DTUint16:
		return 2, nil
	case DTInt32, DTUint32, DTFloat32:
		return 4, nil
	case DTFloat64:
		return 8, nil
	}
	return 0, ErrUnsupportedDatatype
}

// Affine returns the voxel to world transform described by the header.
// The sform is preferred, then the qform, then plain pixdim scaling.
func (h *Header) Affine() [4][4]float64 {
	var m [4][4]float64
	m[3][3] = 1

	switch {
	case h.SFormCode > 0:
		for j := 0; j < 4; j++ {
			m[0][j] = float64(h.SRowX[j])
			m[1][j] = float64(h.SRowY[j])
			m[2][j] = float64(h.SRowZ[j])
		}

	case h.QFormCode > 0:
		m = h.quaternToMat()

	default:
		for i := 0; i < 3; i++ {
			m[i][i] = positiveOrOne(float64(h.PixDim[i+1]))
		}
	}
	return m
}

// quaternToMat follows nifti_quatern_to_mat44 of the reference library
func (h *Header) quaternToMat() [4][4]float64 {
	var m [4][4]float64
	m[3][3] = 1

	b := float64(h.QuaternB)
	c := float64(h.QuaternC)
	d := float64(h.QuaternD)
	a := 1.0 - (b*b + c*c + d*d)
	if a < 1.e-7 {
		a = 1.0 / math.Sqrt(b*b+c*c+d*d)
		b *= a
		c *= a
		d *= a
		a = 0
	} else {
		a = math.Sqrt(a)
	}

	xd := positiveOrOne(float64(h.PixDim[1]))
	yd := positiveOrOne(float64(h.PixDim[2]))
	zd := positiveOrOne(float64(h.PixDim[3]))
	if h.PixDim[0] < 0 {
		zd = -zd
	}

	m[0][0] = (a*a + b*b - c*c - d*d) * xd
	m[0][1] = 2 * (b*c - a*d) * yd
	m[0][2] = 2 * (b*d + a*c) * zd
	m[1][0] = 2 * (b*c + a*d) * xd
	m[1][1] = (a*a + c*c - b*b - d*d) * yd
	m[1][2] = 2 * (c*d - a*b) * zd
	m[2][0] = 2 * (b*d - a*c) * xd
	m[2][1] = 2 * (c*d + a*b) * yd
	m[2][2] = (a*a + d*d - c*c - b*b) * zd

	m[0][3] = float64(h.QOffsetX)
	m[1][3] = float64(h.QOffsetY)
	m[2][3] = float64(h.QOffsetZ)
	return m
}

func positiveOrOne(v float64) float64 {
	if v <= 0 {
		return 1
	}
	return v
}

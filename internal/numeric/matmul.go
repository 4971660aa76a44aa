package numeric

import (
	"encoding/binary"
	"math"
)

// matmul computes res[i] = sum_j vec[j] * mat[i][j] over j in
// [0,lenVec) for each of yMat rows (spec §4.A matmul contract).
// Implementations below differ only in how a row's raw bytes are
// decoded to float32; the reduction itself is always left-to-right
// to keep summation order deterministic across dtypes, per spec.

func matmulF32(res, vec []float32, mat []byte, lenVec, yMat int) {
	row := make([]float32, lenVec)
	stride := lenVec * 4
	for i := 0; i < yMat; i++ {
		r := mat[i*stride : i*stride+stride]
		for j := 0; j < lenVec; j++ {
			row[j] = math.Float32frombits(binary.LittleEndian.Uint32(r[j*4:]))
		}
		res[i] = dotF32(vec, row)
	}
}

func matmulF16(res, vec []float32, mat []byte, lenVec, yMat int) {
	row := make([]float32, lenVec)
	stride := lenVec * 2
	for i := 0; i < yMat; i++ {
		r := mat[i*stride : i*stride+stride]
		for j := 0; j < lenVec; j++ {
			row[j] = F16ToF32(binary.LittleEndian.Uint16(r[j*2:]))
		}
		res[i] = dotF32(vec, row)
	}
}

func matmulBF16(res, vec []float32, mat []byte, lenVec, yMat int) {
	row := make([]float32, lenVec)
	stride := lenVec * 2
	for i := 0; i < yMat; i++ {
		r := mat[i*stride : i*stride+stride]
		for j := 0; j < lenVec; j++ {
			row[j] = BF16ToF32(binary.LittleEndian.Uint16(r[j*2:]))
		}
		res[i] = dotF32(vec, row)
	}
}

func matmulSF16(res, vec []float32, mat []byte, lenVec, yMat int) {
	row := make([]float32, lenVec)
	stride := lenVec * 2
	for i := 0; i < yMat; i++ {
		r := mat[i*stride : i*stride+stride]
		for j := 0; j < lenVec; j++ {
			row[j] = SF16ToF32(binary.LittleEndian.Uint16(r[j*2:]))
		}
		res[i] = dotF32(vec, row)
	}
}

func matmulF8(res, vec []float32, mat []byte, lenVec, yMat int) {
	row := make([]float32, lenVec)
	for i := 0; i < yMat; i++ {
		r := mat[i*lenVec : i*lenVec+lenVec]
		for j := 0; j < lenVec; j++ {
			row[j] = F8ToF32(r[j])
		}
		res[i] = dotF32(vec, row)
	}
}

// matmulF12 decodes the 16-per-24-byte packed rows (spec §3) before
// reducing, 16 lanes at a time to mirror the original's unpack loop.
func matmulF12(res, vec []float32, mat []byte, lenVec, yMat int) {
	row := make([]float32, lenVec)
	rowBytes := (lenVec / 16) * 24
	var codes [16]uint16
	for i := 0; i < yMat; i++ {
		r := mat[i*rowBytes : i*rowBytes+rowBytes]
		for g := 0; g*16 < lenVec; g++ {
			UnpackF12Row(&codes, r[g*24:g*24+24])
			for k := 0; k < 16; k++ {
				row[g*16+k] = F12ToF32(codes[k])
			}
		}
		res[i] = dotF32(vec, row)
	}
}

// dotF32 is the deterministic left-to-right reduction shared by all
// matmul kernels.
func dotF32(a, b []float32) float32 {
	var acc float32
	for i := range a {
		acc += a[i] * b[i]
	}
	return acc
}

// --------------------------------------------------------------
// bulk conversions (cvt_X_to_f32)

func convertF32(dst []float32, raw []byte, ne int) {
	for i := 0; i < ne; i++ {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
}

func convertF16(dst []float32, raw []byte, ne int) {
	for i := 0; i < ne; i++ {
		dst[i] = F16ToF32(binary.LittleEndian.Uint16(raw[i*2:]))
	}
}

func convertBF16(dst []float32, raw []byte, ne int) {
	for i := 0; i < ne; i++ {
		dst[i] = BF16ToF32(binary.LittleEndian.Uint16(raw[i*2:]))
	}
}

func convertSF16(dst []float32, raw []byte, ne int) {
	for i := 0; i < ne; i++ {
		dst[i] = SF16ToF32(binary.LittleEndian.Uint16(raw[i*2:]))
	}
}

func convertF8(dst []float32, raw []byte, ne int) {
	for i := 0; i < ne; i++ {
		dst[i] = F8ToF32(raw[i])
	}
}

func convertF12(dst []float32, raw []byte, ne int) {
	var codes [16]uint16
	for g := 0; g*16 < ne; g++ {
		UnpackF12Row(&codes, raw[g*24:g*24+24])
		for k := 0; k < 16 && g*16+k < ne; k++ {
			dst[g*16+k] = F12ToF32(codes[k])
		}
	}
}

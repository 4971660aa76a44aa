// Package numeric implements the inference core's SIMD-dispatched
// matmul and dtype-conversion kernels (spec §4.A).
package numeric

import "fmt"

// DType identifies one of the six weight storage formats the core
// understands. The zero value is F32.
type DType int

const (
	F32 DType = iota
	F16
	BF16
	SF16
	F12
	F8
	dtypeCount
)

// sizeofBits gives the packed width of one element of the type, in
// bits. F12 is not byte-aligned: 16 consecutive values occupy 24
// bytes (12 bits each), so per-element size is only meaningful in
// aggregate — see PackedBytes.
var sizeofBits = [dtypeCount]int{
	F32:  32,
	F16:  16,
	BF16: 16,
	SF16: 16,
	F12:  12,
	F8:   8,
}

var dtypeNames = [dtypeCount]string{
	F32:  "f32",
	F16:  "f16",
	BF16: "bf16",
	SF16: "sf16",
	F12:  "f12",
	F8:   "f8",
}

func (d DType) String() string {
	if d < 0 || d >= dtypeCount {
		return fmt.Sprintf("dtype(%d)", int(d))
	}
	return dtypeNames[d]
}

// Valid reports whether d is one of the six recognized formats.
func (d DType) Valid() bool {
	return d >= F32 && d < dtypeCount
}

// PackedBytes returns the number of bytes required to store ne
// contiguous elements of the type, honoring F12's 16-per-24-byte
// packing (spec §3, "Weight tensor (WDat)").
func (d DType) PackedBytes(ne int64) int64 {
	if d == F12 {
		// 16 values -> 24 bytes == 1.5 bytes/value
		return ne + ne/2
	}
	return ne * int64(sizeofBits[d]) / 8
}

// SIMDLane is the lane-count contract every SIMD-vectorized kernel
// assumes a row's input width is a multiple of (spec §4.A, "wx is a
// multiple of 16 (the 32-lane constant SIMD_LV bounds reads)").
const SIMDLane = 32

// SaturationBound returns the maximum representable magnitude for d,
// used to detect NumericError during on-load conversion (spec §4.A
// dtype semantics table).
func (d DType) SaturationBound() float32 {
	switch d {
	case SF16:
		return 7.996094
	case F12:
		return 3.984375
	case F8:
		return 1.875
	default:
		return 0 // unbounded (F32/F16/BF16 saturation is not a conversion target here)
	}
}

package numeric

import (
	"fmt"
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// NumericError reports a value that could not be represented in a
// target dtype during an on-load conversion (spec §7, NumericError).
type NumericError struct {
	Op     string
	Value  float32
	Target DType
}

func (e *NumericError) Error() string {
	return fmt.Sprintf("numeric: %s: value %g out of range for %s (max ±%g)", e.Op, e.Value, e.Target, e.Target.SaturationBound())
}

// ---------------------------------------------------------------
// F16 <-> F32 (spec §4.A, "F16: IEEE-754 half")

// F16ToF32 decodes one half-precision value. Hardware F16C is
// modeled by delegating to x448/float16, whose Float32 method is
// itself a lookup-table fallback on platforms without native
// support — matching the C original's "hardware F16C when present,
// otherwise a 64K-entry lookup table" behavior under one call.
func F16ToF32(bits uint16) float32 {
	return float16.Frombits(bits).Float32()
}

// F32ToF16 encodes f as half precision, round-to-nearest-even.
func F32ToF16(f float32) uint16 {
	return uint16(float16.Fromfloat32(f))
}

// F16ToF32Bulk converts ne contiguous F16 values.
func F16ToF32Bulk(dst []float32, src []uint16) {
	for i, v := range src {
		dst[i] = F16ToF32(v)
	}
}

// ---------------------------------------------------------------
// BF16 <-> F32 (spec §4.A, "top 16 bits of F32; conversion is a
// zero-extend and left-shift by 16")

// BF16ToF32 decodes one bfloat16 value.
func BF16ToF32(bits uint16) float32 {
	return math.Float32frombits(uint32(bits) << 16)
}

// F32ToBF16 truncates (no rounding) the top 16 bits of f, matching
// the original's simple truncation rather than round-to-nearest.
func F32ToBF16(f float32) uint16 {
	return uint16(math.Float32bits(f) >> 16)
}

// BF16ToF32Bulk converts a raw little-endian BF16 byte buffer to
// float32, delegating the bulk path to the teacher's bfloat16
// library.
func BF16ToF32Bulk(raw []byte) []float32 {
	return bfloat16.DecodeFloat32(raw)
}

// ---------------------------------------------------------------
// SF16 (shifted-F16): spec §4.A
//
//	((se16 & 0xFFFC7FFF) + 0x18800) << 13
//
// range ±1.86e-9 .. ±7.996; exactly invertible from F16 except that
// F16 zero maps to the smallest representable magnitude.
const (
	sf16CvtMask = 0xFFFC7FFF
	sf16CvtAdd  = 0x18800
	sf16CvtLsl  = 13

	f16To8_00 = 18432 // 8.00 in F16 bit pattern; max F16 convertible to SF16
)

// SF16ToF32 decodes one SF16 value. The bit arithmetic runs in
// uint32 so the mask-and-add wraps the same way the original's int
// arithmetic does.
func SF16ToF32(bits uint16) float32 {
	v := (uint32(int32(int16(bits)))&sf16CvtMask + sf16CvtAdd) << sf16CvtLsl
	return math.Float32frombits(v)
}

// F16ToSF16 converts a half-precision bit pattern to SF16, failing
// with NumericError if the magnitude exceeds the convertible range.
func F16ToSF16(bits uint16) (uint16, error) {
	if bits&0x7FFF > f16To8_00 {
		return 0, &NumericError{Op: "f16_to_sf16", Value: F16ToF32(bits), Target: SF16}
	}
	return sf16LUT[bits], nil
}

// sf16LUT mirrors init_conv_sf16's precomputed lookup table: for
// every 16-bit pattern (treated as an F16 bit pattern), the SF16
// code it maps to.
var sf16LUT [1 << 16]uint16

func init() {
	for i := 0; i < 1<<15; i++ {
		f32 := F16ToF32(uint16(i))
		k := f32ToSF16Code(f32)
		sf16LUT[i] = uint16(k)
		sf16LUT[i+(1<<15)] = 0x8000 | uint16(k)
	}
}

// f32ToSF16Code implements f32_to_sf16 (e_ofs = 98): no rounding
// needed except F16 0.0, which lands on the smallest magnitude
// instead of true zero (SF16 cannot represent zero).
func f32ToSF16Code(f32 float32) int {
	a := int32(math.Float32bits(f32))
	e := (a >> 23) & 0xff
	m := (a >> (23 - 10)) & ((1 << 10) - 1)
	k := int(m) + int((e-98)<<10)
	if k < 0 {
		k = 0
	} else if k >= 1<<15 {
		k = 1<<15 - 1
	}
	return k
}

// ---------------------------------------------------------------
// F12 (E4M7): spec §4.A
//
//	((se12 & 0xFFFF87FF) + 0x3880) << 16
//
// range ±6.1e-5 .. ±3.984, packed 16-per-24-bytes.
const (
	f12CvtMask = 0xFFFF87FF
	f12CvtAdd  = 0x3880
	f12CvtLsl  = 16

	f16To4_00  = 17408 // 4.00 in F16
	bf16To4_00 = 16512 // 4.00 in BF16
)

func se12(x uint16) uint32 {
	return uint32(int32(int16(x<<4)) >> 4)
}

// F12ToF32 decodes one packed 12-bit F12 code (already unpacked into
// the low 12 bits of a uint16).
func F12ToF32(code uint16) float32 {
	v := (se12(code)&f12CvtMask + f12CvtAdd) << f12CvtLsl
	return math.Float32frombits(v)
}

// f32ToF12Code implements f32_to_f12 (e_ofs = 113): picks the best of
// the computed code and its two neighbors by rounding error, since
// the 12-bit mantissa truncation is not always nearest.
func f32ToF12Code(f32 float32) uint16 {
	a := int32(math.Float32bits(f32))
	e := (a >> 23) & 0xff
	m := (a >> (23 - 7)) & ((1 << 7) - 1)
	k := int(m) + int((e-113)<<7)
	if k < 0 {
		k = 0
	} else if k >= 1<<11 {
		k = 1<<11 - 1
	}
	ki, ks := k, k
	if k > 0 {
		ki = k - 1
	}
	if k < (1<<11)-1 {
		ks = k + 1
	}
	fc := F12ToF32(uint16(k))
	fi := F12ToF32(uint16(ki))
	fs := F12ToF32(uint16(ks))
	ec, ei, es := absF32(fc-f32), absF32(fi-f32), absF32(fs-f32)
	if ei < ec {
		k = ki
	} else if es < ec {
		k = ks
	}
	return uint16(k)
}

// F16ToF12 converts a half-precision bit pattern to an F12 code,
// failing with NumericError if the magnitude is out of range.
func F16ToF12(bits uint16) (uint16, error) {
	if bits&0x7FFF > f16To4_00 {
		return 0, &NumericError{Op: "f16_to_f12", Value: F16ToF32(bits), Target: F12}
	}
	return f16ToF12LUT[bits], nil
}

// BF16ToF12 converts a bfloat16 bit pattern to an F12 code.
func BF16ToF12(bits uint16) (uint16, error) {
	if bits&0x7FFF > bf16To4_00 {
		return 0, &NumericError{Op: "bf16_to_f12", Value: BF16ToF32(bits), Target: F12}
	}
	return bf16ToF12LUT[bits], nil
}

var (
	f16ToF12LUT  [1 << 16]uint16
	bf16ToF12LUT [1 << 16]uint16
)

func init() {
	for i := 0; i < 1<<15; i++ {
		k16 := f32ToF12Code(F16ToF32(uint16(i)))
		f16ToF12LUT[i] = k16
		f16ToF12LUT[i+(1<<15)] = 1<<11 | k16

		kb := f32ToF12Code(BF16ToF32(uint16(i)))
		bf16ToF12LUT[i] = kb
		bf16ToF12LUT[i+(1<<15)] = 1<<11 | kb
	}
}

// PackF12Row packs 16 F12 codes (low 12 bits significant) into the
// 24-byte layout described in spec §3: lower 8 bits of each value in
// bytes 0-15, two nibble groups packed into bytes 16-23.
func PackF12Row(dst []byte, codes [16]uint16) {
	for i := 0; i < 8; i++ {
		dst[i] = byte(codes[i])
		dst[i+8] = byte(codes[i+8])
		dst[i+16] = byte((codes[i]>>8)&0xf | ((codes[i+8]>>8)&0xf)<<4)
	}
}

// UnpackF12Row reverses PackF12Row.
func UnpackF12Row(codes *[16]uint16, src []byte) {
	for i := 0; i < 8; i++ {
		codes[i] = uint16(src[i]) | uint16(src[i+16]&0xf)<<8
		codes[i+8] = uint16(src[i+8]) | uint16(src[i+16]>>4)<<8
	}
}

// ---------------------------------------------------------------
// F8 (E4M3-like): spec §4.A
//
//	(((s8 & 0xFFFFF87F) + 0x380) << 20)
//
// range ±3.05e-5 .. ±1.875.
const (
	f8CvtMask = 0xFFFFF87F
	f8CvtAdd  = 0x380
	f8CvtLsl  = 20

	f16To2_00  = 16384 // 2.00 in F16
	bf16To2_00 = 16384 // 2.00 in BF16
)

// F8ToF32 decodes one F8 byte.
func F8ToF32(v uint8) float32 {
	bits := (uint32(int32(int8(v)))&f8CvtMask + f8CvtAdd) << f8CvtLsl
	return math.Float32frombits(bits)
}

// f8PositiveLUT holds the 128 positive F8 representables, built once
// at init and searched exhaustively by f32ToF8Code — matching the
// original's "exhaustive search over 128 positive representables".
var f8PositiveLUT [128]float32

func init() {
	for i := 0; i < 128; i++ {
		f8PositiveLUT[i] = F8ToF32(uint8(i))
	}
}

func f32ToF8Code(f32 float32) uint8 {
	neg := f32 < 0
	mag := absF32(f32)
	best, bestErr := 0, absF32(f8PositiveLUT[0]-mag)
	for i := 1; i < 128; i++ {
		if e := absF32(f8PositiveLUT[i] - mag); e < bestErr {
			best, bestErr = i, e
		}
	}
	if neg {
		return uint8(0x80 | best)
	}
	return uint8(best)
}

// F16ToF8 converts a half-precision bit pattern to an F8 code.
func F16ToF8(bits uint16) (uint8, error) {
	if bits&0x7FFF > f16To2_00 {
		return 0, &NumericError{Op: "f16_to_f8", Value: F16ToF32(bits), Target: F8}
	}
	return f32ToF8Code(F16ToF32(bits)), nil
}

// BF16ToF8 converts a bfloat16 bit pattern to an F8 code.
func BF16ToF8(bits uint16) (uint8, error) {
	if bits&0x7FFF > bf16To2_00 {
		return 0, &NumericError{Op: "bf16_to_f8", Value: BF16ToF32(bits), Target: F8}
	}
	return f32ToF8Code(BF16ToF32(bits)), nil
}

func absF32(f float32) float32 {
	if f < 0 {
		return -f
	}
	return f
}

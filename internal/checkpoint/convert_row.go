package checkpoint

import (
	"encoding/binary"
	"math"

	"github.com/llamast/llamast/internal/numeric"
)

// convertRow converts ne contiguous elements of a loaded tensor row
// from the on-disk dtype src to the in-memory storage dtype dst,
// replacing the original's cvt_w_data dispatch. The wired pairs are
// F16/BF16->F32 (norm, bias and rope_if tensors, which are always
// stored as F32), F16->SF16 (the small-float16 conversion),
// F16/BF16->F12 and F16/BF16->F8. The caller copies src == dst
// tensors directly; every other pair is rejected with an Error.
func convertRow(dst, src numeric.DType, raw []byte, ne int) ([]byte, error) {
	switch {
	case (src == numeric.F16 || src == numeric.BF16) && dst == numeric.F32:
		decode := numeric.F16ToF32
		if src == numeric.BF16 {
			decode = numeric.BF16ToF32
		}
		out := make([]byte, ne*4)
		for i := 0; i < ne; i++ {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(decode(readU16LE(raw, i))))
		}
		return out, nil
	case src == numeric.F16 && dst == numeric.SF16:
		return convertU16(raw, ne, func(b uint16) (uint16, error) { return numeric.F16ToSF16(b) })
	case src == numeric.F16 && dst == numeric.F12:
		return convertF12Row(raw, ne, numeric.F16ToF12)
	case src == numeric.BF16 && dst == numeric.F12:
		return convertF12Row(raw, ne, numeric.BF16ToF12)
	case src == numeric.F16 && dst == numeric.F8:
		return convertU8(raw, ne, numeric.F16ToF8)
	case src == numeric.BF16 && dst == numeric.F8:
		return convertU8(raw, ne, numeric.BF16ToF8)
	default:
		return nil, errCk("no load-time conversion path from %s to %s", src, dst)
	}
}

func readU16LE(raw []byte, i int) uint16 {
	return uint16(raw[i*2]) | uint16(raw[i*2+1])<<8
}

func writeU16LE(dst []byte, i int, v uint16) {
	dst[i*2] = byte(v)
	dst[i*2+1] = byte(v >> 8)
}

func convertU16(raw []byte, ne int, conv func(uint16) (uint16, error)) ([]byte, error) {
	out := make([]byte, ne*2)
	for i := 0; i < ne; i++ {
		v, err := conv(readU16LE(raw, i))
		if err != nil {
			return nil, err
		}
		writeU16LE(out, i, v)
	}
	return out, nil
}

func convertU8(raw []byte, ne int, conv func(uint16) (uint8, error)) ([]byte, error) {
	out := make([]byte, ne)
	for i := 0; i < ne; i++ {
		v, err := conv(readU16LE(raw, i))
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// convertF12Row converts ne F16/BF16 elements into F12's packed
// 16-per-24-byte layout, one 16-wide group at a time via PackF12Row.
func convertF12Row(raw []byte, ne int, conv func(uint16) (uint16, error)) ([]byte, error) {
	if ne%16 != 0 {
		return nil, errCk("f12 packing requires a row width multiple of 16, got %d", ne)
	}
	out := make([]byte, numeric.F12.PackedBytes(int64(ne)))
	var codes [16]uint16
	for base := 0; base < ne; base += 16 {
		for i := 0; i < 16; i++ {
			v, err := conv(readU16LE(raw, base+i))
			if err != nil {
				return nil, err
			}
			codes[i] = v
		}
		ofs := base + base/2
		numeric.PackF12Row(out[ofs:ofs+24], codes)
	}
	return out, nil
}

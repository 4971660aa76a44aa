package numeric

import (
	"fmt"

	"golang.org/x/sys/cpu"
)

// SIMDLevel is the tagged enum selecting among monomorphized kernel
// variants (spec §9, "Replaces dynamic function dispatch" — a tagged
// enum in place of the C function-pointer table).
type SIMDLevel int

const (
	SIMDFPU SIMDLevel = iota
	SIMDSSE
	SIMDAVX
	SIMDAVX2
)

func (l SIMDLevel) String() string {
	switch l {
	case SIMDFPU:
		return "fpu"
	case SIMDSSE:
		return "sse4.2"
	case SIMDAVX:
		return "avx"
	case SIMDAVX2:
		return "avx2+fma+f16c"
	default:
		return fmt.Sprintf("simd(%d)", int(l))
	}
}

// CapabilityError reports a hardware or configuration mismatch (spec
// §7, CapabilityError).
type CapabilityError struct {
	Msg      string
	Fallback SIMDLevel
	Fatal    bool
}

func (e *CapabilityError) Error() string { return e.Msg }

// DetectSIMD inspects the running CPU and returns the highest level
// the core's kernels support, matching spec §6's simd_mode detected
// levels (SSE4.2, AVX, AVX2+FMA+F16C). Returns an error only when the
// CPU lacks SSE4.2, the core's minimum baseline (spec §4.A Failure
// modes).
func DetectSIMD() (SIMDLevel, error) {
	if !cpu.X86.HasSSE42 {
		return SIMDFPU, &CapabilityError{Msg: "numeric: CPU lacks SSE4.2, no supported matmul kernel", Fatal: true}
	}
	level := SIMDSSE
	if cpu.X86.HasAVX {
		level = SIMDAVX
	}
	if cpu.X86.HasAVX2 && cpu.X86.HasFMA && cpu.X86.HasF16C {
		level = SIMDAVX2
	}
	return level, nil
}

// ResolveSIMD clamps a user-requested level (spec §6 simd_mode: -1
// auto, 0 fpu, 1 sse, 2 avx, 3 avx2) to what the detected hardware
// supports, downgrading with a non-fatal CapabilityError instead of
// aborting (spec §7: "auto-truncated with a warning, not fatal").
func ResolveSIMD(requested int, detected SIMDLevel) (SIMDLevel, *CapabilityError) {
	if requested < 0 {
		return detected, nil
	}
	want := SIMDLevel(requested)
	if want > detected {
		return detected, &CapabilityError{
			Msg:      fmt.Sprintf("numeric: requested SIMD level %s exceeds detected %s, truncating", want, detected),
			Fallback: detected,
			Fatal:    false,
		}
	}
	return want, nil
}

// MatmulFunc computes res[i] = sum_j vec[j] * row_i[j] for a
// row-major matrix stored in one of the six dtypes (spec §4.A matmul
// contract).
type MatmulFunc func(res []float32, vec []float32, mat []byte, lenVec, yMat int)

// ConvertFunc bulk-converts ne contiguous source-dtype elements to
// float32.
type ConvertFunc func(dst []float32, raw []byte, ne int)

// KernelSet is the per-(op,dtype) dispatch table selected once at
// init time from detected CPU capabilities (spec §4.A). The hot path
// takes a direct call through one of these fields — no further
// branching on CPU features (spec §9 Design Note).
type KernelSet struct {
	Level SIMDLevel

	Matmul  [dtypeCount]MatmulFunc
	Convert [dtypeCount]ConvertFunc
}

// NewKernelSet builds the dispatch table for level. All levels
// compute numerically identical results (spec §4.A: "tie-breaks do
// not arise, deterministic summation order"); the level only
// documents which hardware path a production build would vectorize,
// since this module has no platform assembly.
func NewKernelSet(level SIMDLevel) *KernelSet {
	k := &KernelSet{Level: level}
	k.Matmul[F32] = matmulF32
	k.Matmul[F16] = matmulF16
	k.Matmul[BF16] = matmulBF16
	k.Matmul[SF16] = matmulSF16
	k.Matmul[F12] = matmulF12
	k.Matmul[F8] = matmulF8

	k.Convert[F32] = convertF32
	k.Convert[F16] = convertF16
	k.Convert[BF16] = convertBF16
	k.Convert[SF16] = convertSF16
	k.Convert[F12] = convertF12
	k.Convert[F8] = convertF8
	return k
}

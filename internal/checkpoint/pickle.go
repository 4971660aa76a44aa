package checkpoint

import (
	"encoding/binary"
	"math"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"

	"github.com/llamast/llamast/internal/numeric"
	"github.com/llamast/llamast/internal/transformer"
)

// LoadPickleFile reads a legacy PyTorch pickle (.bin) state dict and
// loads it into w the same way Load's safetensors path does: the
// unpickled tensors are re-packed into a Container so loadFile's
// name-dispatch tree and loadWeightsCvt's shape/conversion checks are
// shared verbatim with the primary format. A fallback path for older
// checkpoints that predate safetensors, not the primary format
// (SPEC_FULL.md domain stack) — only float32 and float16 state dicts
// are supported; anything else (quantized legacy formats, nested
// containers) fails with a clear Error rather than guessing.
func LoadPickleFile(path string, w *transformer.Weights, cfg *transformer.Config) error {
	result, err := pytorch.Load(path)
	if err != nil {
		return wrapCk(err, "loading legacy pickle checkpoint %s", path)
	}

	dict, ok := result.(*types.OrderedDict)
	if !ok {
		return errCk("legacy pickle checkpoint %s: expected a state dict, got %T", path, result)
	}

	c := &Container{Tensors: make(map[string]TensorInfo, dict.Len())}
	for e := dict.List.Front(); e != nil; e = e.Next() {
		entry := e.Value.(*types.OrderedDictEntry)
		name, ok := entry.Key.(string)
		if !ok {
			continue
		}
		tensor, ok := entry.Value.(*pytorch.Tensor)
		if !ok {
			continue
		}
		ti, payload, err := encodePickleTensor(tensor)
		if err != nil {
			return wrapCk(err, "%s", name)
		}
		ofs := int64(len(c.Payload))
		ti.DataOffsets = [2]int64{ofs, ofs + int64(len(payload))}
		c.Payload = append(c.Payload, payload...)
		c.Tensors[name] = ti
	}

	return loadFile(c, w, cfg)
}

// encodePickleTensor flattens one unpickled tensor's storage into the
// same (dtype, shape, raw little-endian bytes) shape ParseContainer
// produces for a safetensors entry, so it can flow through the
// shared loadWeightsCvt path unmodified.
func encodePickleTensor(t *pytorch.Tensor) (TensorInfo, []byte, error) {
	var wx, wy int
	switch len(t.Size) {
	case 1:
		wx, wy = t.Size[0], 1
	case 2:
		wx, wy = t.Size[1], t.Size[0]
	default:
		return TensorInfo{}, nil, errCk("pickle tensor rank %d > 2 unsupported", len(t.Size))
	}

	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		payload := make([]byte, len(s.Data)*4)
		for i, v := range s.Data {
			binary.LittleEndian.PutUint32(payload[i*4:], math.Float32bits(v))
		}
		return TensorInfo{DType: numeric.F32, Wx: wx, Wy: wy}, payload, nil
	case *pytorch.HalfStorage:
		// gopickle decodes half storage to float32; re-encode the f16
		// bit patterns the shared load path expects.
		payload := make([]byte, len(s.Data)*2)
		for i, v := range s.Data {
			binary.LittleEndian.PutUint16(payload[i*2:], numeric.F32ToF16(v))
		}
		return TensorInfo{DType: numeric.F16, Wx: wx, Wy: wy}, payload, nil
	default:
		return TensorInfo{}, nil, errCk("unsupported legacy storage type %T", t.Source)
	}
}

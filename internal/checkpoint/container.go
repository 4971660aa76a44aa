package checkpoint

import (
	"encoding/binary"
	"encoding/json"

	"github.com/bytedance/sonic"

	"github.com/llamast/llamast/internal/numeric"
)

// TensorInfo is the Go analogue of tens_inf_t: one tensor's dtype,
// internal (Wx, Wy) shape and its byte range within the payload
// region.
type TensorInfo struct {
	DType       numeric.DType
	Wx, Wy      int // row width, row count
	DataOffsets [2]int64
}

// rawTensorEntry is one safetensors JSON header entry before the
// shape swap load_weights_info performs ("need to swap [y][x] json
// format to [x][y]").
type rawTensorEntry struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// Container is a parsed safetensors-style file: its tensor index plus
// the payload bytes each entry's DataOffsets indexes into.
type Container struct {
	Tensors map[string]TensorInfo
	Payload []byte
}

const maxHeaderSize = 1 << 20 // "json invalid header size" realism check

// ParseContainer reads the 8-byte little-endian header length, the
// JSON tensor index that follows, and slices out the remaining
// payload bytes, grounded on load_file_st's header read and
// load_weights_info's per-entry field parsing.
func ParseContainer(data []byte) (*Container, error) {
	if len(data) < 8 {
		return nil, errCk("file too small for a safetensors header")
	}
	headerLen := int64(binary.LittleEndian.Uint64(data[:8]))
	if headerLen <= 0 || headerLen > maxHeaderSize || 8+headerLen > int64(len(data)) {
		return nil, errCk("json invalid header size")
	}

	var raw map[string]json.RawMessage
	if err := sonic.Unmarshal(data[8:8+headerLen], &raw); err != nil {
		return nil, wrapCk(err, "invalid safetensors json header")
	}

	c := &Container{
		Tensors: make(map[string]TensorInfo, len(raw)),
		Payload: data[8+headerLen:],
	}

	for name, msg := range raw {
		if name == "__metadata__" {
			continue // ignored, same as load_file_st
		}
		var e rawTensorEntry
		if err := sonic.Unmarshal(msg, &e); err != nil {
			return nil, wrapCk(err, "tensor %q: invalid header entry", name)
		}

		dt, err := parseDType(e.DType)
		if err != nil {
			return nil, wrapCk(err, "tensor %q", name)
		}

		ti := TensorInfo{DType: dt, DataOffsets: e.DataOffsets}
		switch len(e.Shape) {
		case 1:
			ti.Wx, ti.Wy = e.Shape[0], 1
		case 2:
			ti.Wx, ti.Wy = e.Shape[1], e.Shape[0]
		default:
			return nil, errCk("tensor %q: shape rank %d > 2 unsupported", name, len(e.Shape))
		}
		c.Tensors[name] = ti
	}
	return c, nil
}

// parseDType maps safetensors' dtype strings to numeric.DType,
// grounded on load_weights_info's dtype switch (the three formats the
// original accepts for loading: F16, BF16, F32).
func parseDType(s string) (numeric.DType, error) {
	switch s {
	case "F16":
		return numeric.F16, nil
	case "BF16":
		return numeric.BF16, nil
	case "F32":
		return numeric.F32, nil
	default:
		return 0, errCk("unsupported torch load format %s", s)
	}
}

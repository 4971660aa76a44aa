package numa

import (
	"fmt"

	"github.com/llamast/llamast/internal/numeric"
)

// NodeShard is one memory node's slice of a row-sharded weight
// tensor: the bytes for every z-layer's rows owned by threads pinned
// to that node, plus the per-layer stride needed to step between
// z-layers (spec §4.B "WDat... replaces pointer-heavy weight tables").
type NodeShard struct {
	Base        []byte
	StrideBytes int64 // byte distance between consecutive z-layers in this shard
}

// threadPart records where thread tid's row block lives: which node
// shard, and that shard's offset for z-layer 0.
type threadPart struct {
	node   int
	offset int64 // offset of this thread's rows within its node's z=0 layer
}

// WDat is the Go analogue of w_dat_t: a 3-D (nz, wy, wx) tensor whose
// wy rows are split evenly across a ThreadMap's threads, and whose
// per-thread blocks are grouped into one allocation per memory node
// (each node's threads share contiguous storage for their rows).
type WDat struct {
	DType numeric.DType
	Wx    int // row width (elements)
	Wy    int // row count
	Nz    int // z-layer count (e.g. n_layers, or n_layers*n_experts for MoE)
	Dy    int // rows per thread (ceil(Wy/NThreads))

	Shards  []NodeShard // one entry per memory node actually used
	parts   []threadPart
	rowSize int64 // wd_ne_sizeof(wx) in bytes
	loaded  int64 // total elements copied in so far, for load-time checks
}

// rowDY returns how many rows thread tid actually owns: wd.Dy, except
// the last thread whose block is clipped to Wy (WD_GET_DY in the
// original).
func rowDY(y, dy, wy int) int {
	if y+dy <= wy {
		return dy
	}
	if wy-y < 0 {
		return 0
	}
	return wy - y
}

// AllocWDat row-shards a (nz, wy, wx) tensor of dtype across tm's
// threads and groups each thread's allocation by memory node,
// grounded on numa_alloc_wd. mmSplit mirrors the original's flag:
// false collapses everything onto a single thread's node (used for
// tensors matmul never splits, e.g. norm weights), true splits rows
// across every thread in tm.
func AllocWDat(tm *ThreadMap, nNodes int, mainNode int, nz, wy, wx int, dtype numeric.DType, mmSplit bool) (*WDat, error) {
	if wx%numeric.SIMDLane != 0 {
		return nil, fmt.Errorf("numa: tensor row width %d not a multiple of SIMD lane %d", wx, numeric.SIMDLane)
	}

	nThrd := 1
	if mmSplit {
		nThrd = tm.NThreads
	}

	wd := &WDat{DType: dtype, Wx: wx, Wy: wy, Nz: nz}
	wd.Dy = (wy + nThrd - 1) / nThrd
	wd.rowSize = dtype.PackedBytes(int64(wx))

	dyPerNode := make([]int64, nNodes)
	nodeForThread := make([]int, nThrd)
	for i := 0; i < nThrd; i++ {
		y := i * wd.Dy
		dy := rowDY(y, wd.Dy, wy)
		if dy <= 0 {
			nodeForThread[i] = -1
			continue
		}
		nd := mainNode
		if mmSplit {
			nd = tm.NodeOf(i)
		}
		if nd < 0 || nd >= nNodes {
			nd = 0
		}
		dyPerNode[nd] += int64(dy)
		nodeForThread[i] = nd
	}

	shardIndex := make([]int, nNodes)
	for i := range shardIndex {
		shardIndex[i] = -1
	}
	for nd := 0; nd < nNodes; nd++ {
		if dyPerNode[nd] == 0 {
			continue
		}
		size := int64(nz) * dyPerNode[nd] * wd.rowSize
		shardIndex[nd] = len(wd.Shards)
		wd.Shards = append(wd.Shards, NodeShard{
			Base:        make([]byte, size),
			StrideBytes: dyPerNode[nd] * wd.rowSize,
		})
	}

	cursor := make([]int64, nNodes)
	wd.parts = make([]threadPart, nThrd)
	for i := 0; i < nThrd; i++ {
		nd := nodeForThread[i]
		if nd < 0 {
			wd.parts[i] = threadPart{node: -1}
			continue
		}
		wd.parts[i] = threadPart{node: shardIndex[nd], offset: cursor[nd]}
		cursor[nd] += int64(wd.Dy) * wd.rowSize
	}
	return wd, nil
}

// ThreadRow returns the byte slice for thread tid's rows of z-layer
// zID, and how many rows it holds — the Go equivalent of indexing
// wd->lp[tid].p + z_id*wd->lp[tid].sz_l.
func (wd *WDat) ThreadRow(tid, zID int) ([]byte, int) {
	if tid < 0 || tid >= len(wd.parts) {
		return nil, 0
	}
	part := wd.parts[tid]
	if part.node < 0 {
		return nil, 0
	}
	shard := wd.Shards[part.node]
	layerOffset := int64(zID) * shard.StrideBytes
	start := layerOffset + part.offset
	y := tid * wd.Dy
	dy := rowDY(y, wd.Dy, wd.Wy)
	if dy <= 0 {
		return nil, 0
	}
	end := start + int64(dy)*wd.rowSize
	return shard.Base[start:end], dy
}

// LoadZ copies one z-layer's worth of row-major source bytes into the
// sharded storage, splitting across threads the same way AllocWDat
// did (numa_cpy_wd_z).
func (wd *WDat) LoadZ(zID int, src []byte) error {
	want := int64(wd.Wy) * wd.rowSize
	if int64(len(src)) != want {
		return fmt.Errorf("numa: LoadZ expected %d bytes, got %d", want, len(src))
	}
	var off int64
	for tid := range wd.parts {
		y := tid * wd.Dy
		dy := rowDY(y, wd.Dy, wd.Wy)
		if dy <= 0 {
			continue
		}
		dst, gotDy := wd.ThreadRow(tid, zID)
		if gotDy != dy {
			return fmt.Errorf("numa: row count mismatch for thread %d: want %d got %d", tid, dy, gotDy)
		}
		n := int64(dy) * wd.rowSize
		copy(dst, src[off:off+n])
		off += n
		wd.loaded += int64(dy) * int64(wd.Wx)
	}
	return nil
}

// Loaded reports how many elements have been copied in via LoadZ, for
// the caller to cross-check against Nz*Wy*Wx once loading completes.
func (wd *WDat) Loaded() int64 { return wd.loaded }

// NThreads reports how many thread-row partitions this tensor was
// split across at allocation time (1 for a non-split tensor).
func (wd *WDat) NThreads() int { return len(wd.parts) }

// Row returns the bytes for a single row index within z-layer zID,
// locating the owning thread's block the same way the original's
// WDL_Y macro (single-node tensors: rms_att/rms_ffn/rope_if, indexed
// by layer) and the forward pass's split-embeddings lookup (token_emb
// sharded across nodes, indexed by token id) both do: thread
// index/row-within-thread from index/Dy and index%Dy.
func (wd *WDat) Row(zID, index int) ([]byte, error) {
	if index < 0 || index >= wd.Wy {
		return nil, fmt.Errorf("numa: row index %d out of range [0,%d)", index, wd.Wy)
	}
	tid := index / wd.Dy
	offset := index % wd.Dy
	block, dy := wd.ThreadRow(tid, zID)
	if offset >= dy {
		return nil, fmt.Errorf("numa: row index %d not present in its thread's block", index)
	}
	return block[int64(offset)*wd.rowSize : int64(offset+1)*wd.rowSize], nil
}

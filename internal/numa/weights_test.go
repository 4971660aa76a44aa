package numa

import (
	"testing"

	"github.com/llamast/llamast/internal/numeric"
	"github.com/stretchr/testify/require"
)

func syntheticTopology(nNodes, procsPerNode int) *Topology {
	t := &Topology{NumNodes: nNodes, NodeProcs: make([]int, nNodes)}
	for n := 0; n < nNodes; n++ {
		for i := 0; i < procsPerNode; i++ {
			t.ProcList = append(t.ProcList, n*procsPerNode+i)
			t.ProcNode = append(t.ProcNode, n)
		}
		t.NodeProcs[n] = procsPerNode
	}
	t.NumProcs = len(t.ProcList)
	return t
}

func TestBuildThreadMapSpreadsAcrossNodes(t *testing.T) {
	topo := syntheticTopology(2, 4)
	tm, err := BuildThreadMap(topo, -1, -1)
	require.NoError(t, err)
	require.Equal(t, 8, tm.NThreads)
	require.Equal(t, 4, tm.NtMain)
	require.Equal(t, 0, tm.NodeOf(0))
	require.Equal(t, 1, tm.NodeOf(4))
}

func TestBuildThreadMapClampsRequestedNodes(t *testing.T) {
	topo := syntheticTopology(4, 2)
	tm, err := BuildThreadMap(topo, 4, 2)
	require.NoError(t, err)
	require.Equal(t, 4, tm.NThreads)
}

// TestAllocWDatShardsRowsAcrossNodes grounds spec §4.B: a tensor's
// rows must be split evenly across the thread map and grouped by
// memory node, with the last thread's block clipped to the matrix
// height.
func TestAllocWDatShardsRowsAcrossNodes(t *testing.T) {
	topo := syntheticTopology(2, 2)
	tm, err := BuildThreadMap(topo, -1, -1)
	require.NoError(t, err)

	const wx, wy, nz = 64, 10, 1 // wy=10 over 4 threads -> dy=3, last thread gets 1
	wd, err := AllocWDat(tm, topo.NumNodes, 0, nz, wy, wx, numeric.F32, true)
	require.NoError(t, err)
	require.Equal(t, 3, wd.Dy)
	require.Len(t, wd.Shards, 2)

	rows, dy := wd.ThreadRow(3, 0)
	require.Equal(t, 1, dy)
	require.Len(t, rows, int(wd.DType.PackedBytes(wx)))

	rows0, dy0 := wd.ThreadRow(0, 0)
	require.Equal(t, 3, dy0)
	require.Len(t, rows0, 3*int(wd.DType.PackedBytes(wx)))
}

func TestAllocWDatRejectsNonSIMDAlignedWidth(t *testing.T) {
	topo := syntheticTopology(1, 1)
	tm, err := BuildThreadMap(topo, -1, -1)
	require.NoError(t, err)
	_, err = AllocWDat(tm, 1, 0, 1, 4, 17, numeric.F32, true)
	require.Error(t, err)
}

// TestAllocWDatLoadZRoundTrips checks that LoadZ's per-thread split
// reconstructs the same bytes AllocWDat laid out, i.e. numa_cpy_wd_z's
// contract that source bytes appear contiguous row-major regardless
// of how they're later sharded.
func TestAllocWDatLoadZRoundTrips(t *testing.T) {
	topo := syntheticTopology(1, 2)
	tm, err := BuildThreadMap(topo, -1, -1)
	require.NoError(t, err)

	const wx, wy, nz = 32, 5, 2
	wd, err := AllocWDat(tm, 1, 0, nz, wy, wx, numeric.F8, true)
	require.NoError(t, err)

	rowBytes := int(wd.DType.PackedBytes(wx))
	src := make([]byte, wy*rowBytes)
	for i := range src {
		src[i] = byte(i)
	}
	require.NoError(t, wd.LoadZ(0, src))
	require.EqualValues(t, wy*wx, wd.Loaded())

	row0, _ := wd.ThreadRow(0, 0)
	require.Equal(t, src[:len(row0)], row0)
}

// TestWDatRowLocatesAcrossThreads checks Row's index/Dy split against
// both a non-split (single-thread) tensor, the layout norm weights
// use, and a multi-thread split tensor, the layout token embeddings
// use when sharded across nodes.
func TestWDatRowLocatesAcrossThreads(t *testing.T) {
	topo := syntheticTopology(1, 1)
	tm, err := BuildThreadMap(topo, -1, -1)
	require.NoError(t, err)

	const wx, wy, nz = 32, 4, 1
	wd, err := AllocWDat(tm, 1, 0, nz, wy, wx, numeric.F32, false)
	require.NoError(t, err)

	rowBytes := int(wd.DType.PackedBytes(wx))
	src := make([]byte, wy*rowBytes)
	for i := range src {
		src[i] = byte(i)
	}
	require.NoError(t, wd.LoadZ(0, src))

	row2, err := wd.Row(0, 2)
	require.NoError(t, err)
	require.Equal(t, src[2*rowBytes:3*rowBytes], row2)

	_, err = wd.Row(0, wy)
	require.Error(t, err, "out-of-range row index must error")

	// split across two threads: Dy=2, so row 3 is row 1 of thread 1's block
	tm2, err := BuildThreadMap(syntheticTopology(1, 2), -1, -1)
	require.NoError(t, err)
	ws, err := AllocWDat(tm2, 1, 0, nz, wy, wx, numeric.F32, true)
	require.NoError(t, err)
	require.NoError(t, ws.LoadZ(0, src))

	row3, err := ws.Row(0, 3)
	require.NoError(t, err)
	require.Equal(t, src[3*rowBytes:4*rowBytes], row3)
}

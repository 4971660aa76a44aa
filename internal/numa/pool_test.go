package numa

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPoolParallelForRunsEveryThread(t *testing.T) {
	topo := syntheticTopology(1, 4)
	tm, err := BuildThreadMap(topo, -1, -1)
	require.NoError(t, err)

	pool := NewPool(tm)
	defer pool.Close()

	var calls int32
	seen := make([]int32, tm.NThreads)
	err = pool.ParallelFor(context.Background(), func(tid int) error {
		atomic.AddInt32(&calls, 1)
		atomic.StoreInt32(&seen[tid], 1)
		return nil
	})
	require.NoError(t, err)
	require.EqualValues(t, tm.NThreads, calls)
	for _, s := range seen {
		require.EqualValues(t, 1, s)
	}
}

func TestPoolParallelForPropagatesError(t *testing.T) {
	topo := syntheticTopology(1, 2)
	tm, err := BuildThreadMap(topo, -1, -1)
	require.NoError(t, err)

	pool := NewPool(tm)
	defer pool.Close()

	boom := errBoom{}
	err = pool.ParallelFor(context.Background(), func(tid int) error {
		if tid == 0 {
			return boom
		}
		return nil
	})
	require.ErrorIs(t, err, boom)
}

type errBoom struct{}

func (errBoom) Error() string { return "boom" }

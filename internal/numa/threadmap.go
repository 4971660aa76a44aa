package numa

import "fmt"

// ThreadMap spreads n_threads worker threads evenly across memory
// nodes, grounded on omp_numa.c's numa_def_thread_map: each node gets
// n_procs/n_nodes threads (fewer if it has fewer cores), and the
// n_procs%n_nodes leftover procs are not placed.
type ThreadMap struct {
	TidToProc []int // TidToProc[tid] = physical core id
	TidToNode []int // TidToNode[tid] = memory node id
	NThreads  int   // total threads actually placed
	NtMain    int   // threads placed in the main/first node (nt_mp)
}

// BuildThreadMap derives a ThreadMap from topo, clamping the
// requested proc/node counts to what topo actually offers. cfgProcs
// or cfgNodes <= 0 means "use everything available", matching the
// original's "n_procs <= 0 || n_procs > numa.n_procs" fallback.
func BuildThreadMap(topo *Topology, cfgProcs, cfgNodes int) (*ThreadMap, error) {
	if topo == nil || topo.NumProcs == 0 {
		return nil, fmt.Errorf("numa: empty topology")
	}

	nNodes := cfgNodes
	if nNodes <= 0 || nNodes > topo.NumNodes {
		nNodes = topo.NumNodes
	}
	nProcs := cfgProcs
	if nProcs <= 0 || nProcs > topo.NumProcs {
		nProcs = topo.NumProcs
	}
	if nNodes > nProcs {
		nNodes = nProcs // cannot use more nodes than procs
	}
	if nNodes == 0 {
		return nil, fmt.Errorf("numa: no usable nodes")
	}

	tpn := nProcs / nNodes // threads per node
	tm := &ThreadMap{}

	k := 0 // index into topo.ProcList, grouped by node
	for node := 0; node < nNodes; node++ {
		avail := countInNode(topo, node)
		nt := tpn
		if avail < tpn {
			nt = avail
		}
		for i := 0; i < nt; i++ {
			tm.TidToProc = append(tm.TidToProc, topo.ProcList[k+i])
			tm.TidToNode = append(tm.TidToNode, topo.ProcNode[k+i])
		}
		k += avail
		if node == 0 {
			tm.NtMain = nt
		}
	}
	tm.NThreads = len(tm.TidToProc)
	if tm.NThreads == 0 {
		return nil, fmt.Errorf("numa: thread map resolved to zero threads")
	}
	if tm.NThreads > MaxProcs {
		return nil, fmt.Errorf("numa: %d threads exceeds MaxProcs=%d", tm.NThreads, MaxProcs)
	}
	return tm, nil
}

func countInNode(topo *Topology, node int) int {
	if node < len(topo.NodeProcs) {
		return topo.NodeProcs[node]
	}
	n := 0
	for _, nd := range topo.ProcNode {
		if nd == node {
			n++
		}
	}
	return n
}

// NodeOf returns the memory node owning thread tid, or -1 if tid is
// out of range.
func (tm *ThreadMap) NodeOf(tid int) int {
	if tid < 0 || tid >= len(tm.TidToNode) {
		return -1
	}
	return tm.TidToNode[tid]
}

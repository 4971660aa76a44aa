// Package numa implements the NUMA/thread map and row-sharded weight
// storage described in spec §4.B/§4.C: physical core and memory node
// enumeration, a thread-to-core map that spreads threads evenly
// across nodes, and WDat — the weight tensor layout that shards each
// matrix's rows across the node/thread map.
package numa

import (
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
)

const (
	// MaxNodes bounds the number of memory nodes the thread map can
	// address, mirroring MAX_NUMA_NODES in the original.
	MaxNodes = 8
	// MaxProcs bounds the number of worker threads, mirroring
	// MAX_NUMA_PROCS (can be raised, but processor groups would need
	// extra handling above this on Windows-class hosts).
	MaxProcs = 64
)

// Topology describes the physical cores and memory nodes visible to
// the process (spec §4.C: "enumerate physical cores... and memory
// nodes").
type Topology struct {
	NumProcs   int   // physical cores (SMT siblings excluded)
	NumNodes   int   // memory nodes
	ProcNode   []int // ProcNode[i] = memory node owning physical core i
	ProcList   []int // physical core ids, grouped by node
	NodeProcs  []int // count of cores per node
	MainThread int    // node hosting the main/calling thread (mt_node)
}

// DetectTopology enumerates cores/nodes on Linux via /sys; on any
// other platform (or on read failure) it reports a single node
// holding all of runtime.NumCPU()'s logical processors — SMT sibling
// detection is a Linux-only affordance in the original too.
func DetectTopology() *Topology {
	if t := detectLinuxTopology(); t != nil {
		return t
	}
	n := runtime.NumCPU()
	procNode := make([]int, n)
	procList := make([]int, n)
	for i := range procList {
		procList[i] = i
	}
	return &Topology{
		NumProcs:   n,
		NumNodes:   1,
		ProcNode:   procNode,
		ProcList:   procList,
		NodeProcs:  []int{n},
		MainThread: 0,
	}
}

// detectLinuxTopology reads /sys/devices/system/node/node*/cpulist to
// build the core->node mapping, and dedupes SMT siblings using
// /sys/devices/system/cpu/cpuN/topology/thread_siblings_list (keeping
// only the lowest-numbered sibling per physical core), matching the
// original's "ignoring SMT siblings" rule.
func detectLinuxTopology() *Topology {
	const nodeRoot = "/sys/devices/system/node"
	entries, err := os.ReadDir(nodeRoot)
	if err != nil {
		return nil
	}

	type nodeCPUs struct {
		node int
		cpus []int
	}
	var nodes []nodeCPUs
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "node") {
			continue
		}
		id, err := strconv.Atoi(strings.TrimPrefix(name, "node"))
		if err != nil {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(nodeRoot, name, "cpulist"))
		if err != nil {
			continue
		}
		cpus := parseCPUList(strings.TrimSpace(string(raw)))
		if len(cpus) == 0 {
			continue
		}
		nodes = append(nodes, nodeCPUs{node: id, cpus: cpus})
	}
	if len(nodes) == 0 {
		return nil
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].node < nodes[j].node })

	// Lay the main thread's node out first so thread-map index 0 (and
	// the nt_mp batch that reads K/V) lands on the node the caller is
	// already running on, mirroring numa_w.c's proc_list reorder after
	// its numa_get_thread_proc lookup.
	if _, mtNode, ok := currentCPU(); ok {
		for i, n := range nodes {
			if n.node == mtNode && i > 0 {
				reordered := append([]nodeCPUs{nodes[i]}, append(nodes[:i:i], nodes[i+1:]...)...)
				nodes = reordered
				break
			}
		}
	}

	seenPhysical := map[int]bool{}
	t := &Topology{NumNodes: len(nodes), NodeProcs: make([]int, len(nodes))}
	for ni, n := range nodes {
		count := 0
		for _, cpu := range n.cpus {
			physical := physicalCoreID(cpu)
			if seenPhysical[physical] {
				continue
			}
			seenPhysical[physical] = true
			t.ProcList = append(t.ProcList, cpu)
			t.ProcNode = append(t.ProcNode, ni)
			count++
		}
		t.NodeProcs[ni] = count
	}
	t.NumProcs = len(t.ProcList)
	t.MainThread = 0 // the reorder above placed the calling thread's node at index 0
	return t
}

// physicalCoreID returns the lowest CPU id among cpu's SMT siblings,
// used as a stable "physical core" identity.
func physicalCoreID(cpu int) int {
	raw, err := os.ReadFile(filepath.Join("/sys/devices/system/cpu", "cpu"+strconv.Itoa(cpu), "topology/thread_siblings_list"))
	if err != nil {
		return cpu
	}
	sibs := parseCPUList(strings.TrimSpace(string(raw)))
	if len(sibs) == 0 {
		return cpu
	}
	min := sibs[0]
	for _, s := range sibs[1:] {
		if s < min {
			min = s
		}
	}
	return min
}

// parseCPUList parses the kernel's "0-3,8,10-11" cpulist format.
func parseCPUList(s string) []int {
	var out []int
	if s == "" {
		return out
	}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if dash := strings.IndexByte(part, '-'); dash >= 0 {
			lo, err1 := strconv.Atoi(part[:dash])
			hi, err2 := strconv.Atoi(part[dash+1:])
			if err1 != nil || err2 != nil {
				continue
			}
			for i := lo; i <= hi; i++ {
				out = append(out, i)
			}
		} else if v, err := strconv.Atoi(part); err == nil {
			out = append(out, v)
		}
	}
	return out
}

//go:build !linux

package numa

// pinToProc is a no-op outside Linux; the original's affinity binding
// is a performance aid, not a correctness requirement, so cross-platform
// builds simply skip it.
func pinToProc(proc int) error {
	return nil
}

// currentCPU has no portable equivalent outside Linux; callers fall
// back to treating the first enumerated node as the main-thread node.
func currentCPU() (proc, node int, ok bool) {
	return 0, 0, false
}

package numa

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Pool runs structured parallel-for regions over a fixed set of
// OS-level worker threads pinned to the cores named by a ThreadMap,
// replacing the original's "#pragma omp parallel for" plus
// numa_set_thread_proc affinity binding (spec §9 design note "Replaces
// OpenMP").
type Pool struct {
	tm      *ThreadMap
	workers []*worker
}

type worker struct {
	tid  int
	proc int
	jobs chan func()
	done chan struct{}
}

// NewPool locks one goroutine per thread-map entry to its own OS
// thread and pins it to the mapped physical core. Binding failures
// are non-fatal: the goroutine keeps running, just without affinity,
// matching the original's "seems to cause no problems" tolerance for
// platforms where binding isn't available.
func NewPool(tm *ThreadMap) *Pool {
	p := &Pool{tm: tm}
	for tid, proc := range tm.TidToProc {
		w := &worker{tid: tid, proc: proc, jobs: make(chan func()), done: make(chan struct{})}
		p.workers = append(p.workers, w)
		go w.run()
	}
	return p
}

func (w *worker) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	_ = pinToProc(w.proc)
	for fn := range w.jobs {
		fn()
		w.done <- struct{}{}
	}
}

// NThreads reports how many worker threads the pool was built with.
func (p *Pool) NThreads() int {
	return len(p.workers)
}

// ParallelFor runs fn(tid) once per worker thread and waits for all
// calls to return, mirroring the original's per-thread matmul/forward
// split where tid selects each thread's row range of a w_dat_t.
func (p *Pool) ParallelFor(ctx context.Context, fn func(tid int) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		w := w
		g.Go(func() error {
			errCh := make(chan error, 1)
			w.jobs <- func() { errCh <- fn(w.tid) }
			select {
			case <-ctx.Done():
				return ctx.Err()
			case err := <-errCh:
				<-w.done
				return err
			}
		})
	}
	return g.Wait()
}

// Close shuts down all worker goroutines. The pool is unusable after
// Close.
func (p *Pool) Close() {
	for _, w := range p.workers {
		close(w.jobs)
	}
	p.workers = nil
}

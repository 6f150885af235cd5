package tensor

import (
	"runtime"
	"sync"
)

type rowTask struct {
	fn     func(rs, re int)
	rs, re int
	done   chan struct{}
}

type rowPool struct {
	size      int
	tasks     chan rowTask
	doneSlots chan chan struct{}
}

func newRowPool(size int) *rowPool {
	if size < 1 {
		size = 1
	}
	p := &rowPool{
		size:      size,
		tasks:     make(chan rowTask, size*2),
		doneSlots: make(chan chan struct{}, size),
	}
	for i := 0; i < size; i++ {
		p.doneSlots <- make(chan struct{}, 1)
		go func() {
			for task := range p.tasks {
				task.fn(task.rs, task.re)
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

// run splits [0, n) into contiguous chunks and executes fn over them on the
// pool, blocking until every chunk has finished. fn must be safe to call
// concurrently on disjoint ranges.
func (p *rowPool) run(n int, fn func(rs, re int)) {
	if n <= 0 {
		return
	}
	workers := p.size
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		fn(0, n)
		return
	}

	chunk := (n + workers - 1) / workers
	done := <-p.doneSlots

	active := 0
	for i := 0; i < workers; i++ {
		rs := i * chunk
		re := rs + chunk
		if re > n {
			re = n
		}
		if rs >= re {
			break
		}
		p.tasks <- rowTask{fn: fn, rs: rs, re: re, done: done}
		active++
	}
	for i := 0; i < active; i++ {
		<-done
	}
	p.doneSlots <- done
}

// Ctx carries the execution state the kernels need: the worker pool that
// parallelizes row ranges and reusable scratch for the 2x8 lookup tables.
// Kernels take it as an explicit first argument; there is no process-global
// device state. A Ctx is safe for concurrent use.
type Ctx struct {
	pool *rowPool

	luts sync.Pool // *[]float32
	rows sync.Pool // *[]float32, reconstruction scratch
}

// NewCtx builds a context with the given worker count. workers <= 0 selects
// GOMAXPROCS.
func NewCtx(workers int) *Ctx {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Ctx{pool: newRowPool(workers)}
}

// Workers reports the parallelism of the context's pool.
func (c *Ctx) Workers() int { return c.pool.size }

var (
	defaultCtx     *Ctx
	defaultCtxOnce sync.Once
)

// Default returns a lazily constructed process-wide context sized to
// GOMAXPROCS. Callers that want bounded parallelism build their own with
// NewCtx.
func Default() *Ctx {
	defaultCtxOnce.Do(func() {
		defaultCtx = NewCtx(0)
	})
	return defaultCtx
}

func (c *Ctx) getScratch(p *sync.Pool, n int) []float32 {
	if v, ok := p.Get().(*[]float32); ok && cap(*v) >= n {
		return (*v)[:n]
	}
	return make([]float32, n)
}

func (c *Ctx) putScratch(p *sync.Pool, buf []float32) {
	p.Put(&buf)
}

func (c *Ctx) getLUT(n int) []float32 { return c.getScratch(&c.luts, n) }

func (c *Ctx) putLUT(buf []float32) { c.putScratch(&c.luts, buf) }

func (c *Ctx) getRowBuf(n int) []float32 { return c.getScratch(&c.rows, n) }

func (c *Ctx) putRowBuf(buf []float32) { c.putScratch(&c.rows, buf) }

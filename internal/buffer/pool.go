package buffer

import (
	"context"
	"fmt"

	"github.com/pbnjay/memory"

	"github.com/withObsrvr/obsrvr-poc-miner/internal/metrics"
)

// Pool is a fixed set of buffers circulated through a bounded channel.
// Get blocks while every buffer is in flight.
type Pool struct {
	free chan Buffer
	size int
}

// NewPool creates a pool holding bufs.
func NewPool(bufs ...Buffer) *Pool {
	p := &Pool{
		free: make(chan Buffer, len(bufs)),
		size: len(bufs),
	}
	for _, b := range bufs {
		p.free <- b
	}
	return p
}

// Get takes a free buffer, waiting until one is returned or ctx is done.
func (p *Pool) Get(ctx context.Context) (Buffer, error) {
	select {
	case b := <-p.free:
		p.report()
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Put marks b done and returns it to the pool.
func (p *Pool) Put(b Buffer) {
	b.Done()
	select {
	case p.free <- b:
	default:
		panic("buffer: pool overflow, buffer returned twice")
	}
	p.report()
}

// Free returns the number of idle buffers.
func (p *Pool) Free() int { return len(p.free) }

// Size returns the number of buffers owned by the pool.
func (p *Pool) Size() int { return p.size }

func (p *Pool) report() {
	if m := metrics.Get(); m != nil {
		m.SetBufferPoolFree(len(p.free))
	}
}

// Count returns the number of buffers needed to keep every worker busy.
func Count(cpuWorkers, accelWorkers int) int {
	return cpuWorkers*2 + accelWorkers*2
}

// CheckBudget returns an error when total bytes of buffers would exceed half
// of the physical memory.
func CheckBudget(total uint64) error {
	phys := memory.TotalMemory()
	if phys == 0 {
		return nil
	}
	if total > phys/2 {
		return fmt.Errorf("buffers need %d MiB but the system has %d MiB of memory", total>>20, phys>>20)
	}
	return nil
}

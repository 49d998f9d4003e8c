package worker

import (
	"fmt"
	"sync"

	"github.com/withObsrvr/obsrvr-poc-miner/internal/buffer"
	"github.com/withObsrvr/obsrvr-poc-miner/internal/hasher"
)

// Device is an accelerator that computes deadlines on its own memory.
type Device interface {
	Name() string
	// Alloc returns device memory with a host mapping of size bytes.
	Alloc(size int) buffer.DeviceMemory
	// FindBestDeadline computes on mem and waits for the result.
	FindBestDeadline(mem buffer.DeviceMemory, count uint64, gensig *[32]byte) (deadline, offset uint64)
	// Enqueue copies mem to the device and starts the computation. mem may be
	// reused once Enqueue returns.
	Enqueue(mem buffer.DeviceMemory, count uint64, gensig *[32]byte) Pending
}

// Pending is an enqueued device computation.
type Pending interface {
	Wait() (deadline, offset uint64)
}

// Backends lists the accelerator backends compiled into the binary.
func Backends() []string {
	return []string{"host"}
}

// NewDevice returns the accelerator backend with the given name.
func NewDevice(backend string, searcher hasher.Searcher) (Device, error) {
	switch backend {
	case "", "host":
		return NewHostDevice(searcher), nil
	default:
		return nil, fmt.Errorf("unknown accelerator backend %q", backend)
	}
}

// HostDevice emulates an accelerator on the CPU. Each allocation carries a
// staging region the readers fill and a device region computations run on.
type HostDevice struct {
	searcher hasher.Searcher
	// slots recycles the regions enqueued computations run on.
	slots chan []byte
}

// NewHostDevice returns a device computing with searcher.
func NewHostDevice(searcher hasher.Searcher) *HostDevice {
	return &HostDevice{searcher: searcher, slots: make(chan []byte, 2)}
}

func (d *HostDevice) Name() string { return "host/" + d.searcher.Name() }

func (d *HostDevice) Alloc(size int) buffer.DeviceMemory {
	return &hostMemory{
		staging: buffer.AlignedBlock(size, buffer.Alignment),
		device:  buffer.AlignedBlock(size, buffer.Alignment),
	}
}

func (d *HostDevice) FindBestDeadline(mem buffer.DeviceMemory, count uint64, gensig *[32]byte) (uint64, uint64) {
	data := deviceBytes(mem)
	return d.searcher.FindBestDeadline(data, count, gensig)
}

func (d *HostDevice) Enqueue(mem buffer.DeviceMemory, count uint64, gensig *[32]byte) Pending {
	n := int(count) * hasher.ScoopSize
	var slot []byte
	select {
	case slot = <-d.slots:
	default:
	}
	if cap(slot) < n {
		slot = buffer.AlignedBlock(n, buffer.Alignment)
	}
	slot = slot[:n]
	copy(slot, deviceBytes(mem)[:n])
	g := *gensig

	p := &hostPending{}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.deadline, p.offset = d.searcher.FindBestDeadline(slot, count, &g)
		select {
		case d.slots <- slot:
		default:
		}
	}()
	return p
}

type hostPending struct {
	wg       sync.WaitGroup
	deadline uint64
	offset   uint64
}

func (p *hostPending) Wait() (uint64, uint64) {
	p.wg.Wait()
	return p.deadline, p.offset
}

// hostMemory copies the staging region to the device region on Unmap, the
// way a mapped accelerator buffer is flushed.
type hostMemory struct {
	staging []byte
	device  []byte
}

func (m *hostMemory) Map() []byte { return m.staging }
func (m *hostMemory) Unmap()      { copy(m.device, m.staging) }
func (m *hostMemory) Release()    {}

// plainMemory adapts a host buffer that reached an accelerator worker.
type plainMemory struct{ data []byte }

func (m plainMemory) Map() []byte { return m.data }
func (m plainMemory) Unmap()      {}
func (m plainMemory) Release()    {}

func deviceBytes(mem buffer.DeviceMemory) []byte {
	if hm, ok := mem.(*hostMemory); ok {
		return hm.device
	}
	return mem.Map()
}

func memoryOf(b buffer.Buffer) buffer.DeviceMemory {
	if db, ok := b.(*buffer.DeviceBuffer); ok {
		return db.Memory()
	}
	return plainMemory{data: b.Bytes()}
}

// Package buffer provides the reusable scoop buffers that circulate between
// plot readers and deadline workers.
package buffer

import (
	"unsafe"
)

// Kind tells readers which work queue a filled buffer belongs to.
type Kind int

const (
	KindHost Kind = iota
	KindDevice
)

func (k Kind) String() string {
	if k == KindDevice {
		return "device"
	}
	return "host"
}

// Alignment is the memory alignment of every buffer. It covers the sector
// size of the drives direct I/O is used with.
const Alignment = 4096

// Buffer is a fixed-size byte region owned by exactly one pipeline stage at a time.
type Buffer interface {
	// Bytes returns the writable region. Its length is the buffer capacity.
	Bytes() []byte
	// Kind reports the backend holding the buffer.
	Kind() Kind
	// Unmap releases the host mapping so the device can consume the data.
	Unmap()
	// Done marks the buffer as processed before it is recycled.
	Done()
}

// DeviceMemory is accelerator memory with a host visible mapping.
type DeviceMemory interface {
	// Map returns the host view of the device memory.
	Map() []byte
	// Unmap hands the memory back to the device.
	Unmap()
	// Release frees the device memory.
	Release()
}

// HostBuffer is an aligned region of host memory.
type HostBuffer struct {
	data []byte
}

// NewHostBuffer allocates an aligned host buffer of size bytes.
func NewHostBuffer(size int) *HostBuffer {
	return &HostBuffer{data: AlignedBlock(size, Alignment)}
}

func (b *HostBuffer) Bytes() []byte { return b.data }
func (b *HostBuffer) Kind() Kind    { return KindHost }
func (b *HostBuffer) Unmap()        {}
func (b *HostBuffer) Done()         {}

// DeviceBuffer wraps accelerator memory. Readers write into the mapped host
// view, workers unmap it before the device computes on it.
type DeviceBuffer struct {
	mem    DeviceMemory
	mapped []byte
}

// NewDeviceBuffer wraps mem as a pipeline buffer.
func NewDeviceBuffer(mem DeviceMemory) *DeviceBuffer {
	return &DeviceBuffer{mem: mem}
}

// Bytes maps the device memory on first use after a recycle.
func (b *DeviceBuffer) Bytes() []byte {
	if b.mapped == nil {
		b.mapped = b.mem.Map()
	}
	return b.mapped
}

func (b *DeviceBuffer) Kind() Kind { return KindDevice }

func (b *DeviceBuffer) Unmap() {
	if b.mapped != nil {
		b.mem.Unmap()
		b.mapped = nil
	}
}

// Done drops any mapping left by a buffer that never reached the device.
func (b *DeviceBuffer) Done() {
	b.Unmap()
}

// Memory returns the device memory behind the buffer.
func (b *DeviceBuffer) Memory() DeviceMemory { return b.mem }

// AlignedBlock returns a byte slice of size bytes whose first element is
// aligned to align, which must be a power of two.
func AlignedBlock(size, align int) []byte {
	if size == 0 {
		return []byte{}
	}
	raw := make([]byte, size+align)
	off := 0
	if rem := int(uintptr(unsafe.Pointer(&raw[0])) & uintptr(align-1)); rem != 0 {
		off = align - rem
	}
	return raw[off : off+size : off+size]
}

// IsAligned reports whether the start of b is aligned to align.
func IsAligned(b []byte, align int) bool {
	if len(b) == 0 {
		return true
	}
	return uintptr(unsafe.Pointer(&b[0]))&uintptr(align-1) == 0
}

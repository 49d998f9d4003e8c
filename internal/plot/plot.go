// Package plot reads scoop columns from PoC plot files.
package plot

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/withObsrvr/obsrvr-poc-miner/internal/buffer"
	"github.com/withObsrvr/obsrvr-poc-miner/internal/hasher"
)

var (
	// ErrFormat is returned for files that are not valid plots.
	ErrFormat = errors.New("invalid plot file")
	// ErrUnaligned is returned when a direct I/O read targets a buffer that
	// does not start on a sector boundary.
	ErrUnaligned = errors.New("buffer not aligned for direct io")
)

// Meta identifies a plot.
type Meta struct {
	AccountID  uint64
	StartNonce uint64
	Nonces     uint64
	Name       string
}

// EndNonce returns the first nonce after the plot.
func (m Meta) EndNonce() uint64 {
	return m.StartNonce + m.Nonces
}

// Size returns the expected file size in bytes.
func (m Meta) Size() uint64 {
	return m.Nonces * hasher.NonceSize
}

// Overlap returns the number of nonces m shares with o. Plots of different
// accounts never overlap.
func (m Meta) Overlap(o Meta) uint64 {
	if m.AccountID != o.AccountID {
		return 0
	}
	start := max(m.StartNonce, o.StartNonce)
	end := min(m.EndNonce(), o.EndNonce())
	if end <= start {
		return 0
	}
	return end - start
}

// openPlotFile opens plot files and is replaced in tests.
var openPlotFile = openFile

// Plot is an open plot file with a read cursor over one scoop column.
type Plot struct {
	Meta
	Path    string
	Drive   string
	ModTime time.Time

	mu         sync.Mutex
	fh         *os.File
	readOffset uint64
	directIO   bool
	blockSize uint64
	dummy      bool
}

// Open validates the plot at path and opens it. Dummy plots are validated
// but never read from.
func Open(path string, useDirectIO, dummy bool) (*Plot, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat plot %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a file", ErrFormat, path)
	}

	meta, err := ParseName(filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if uint64(info.Size()) != meta.Size() {
		return nil, fmt.Errorf("%w: %s: expected plot size %d but got %d", ErrFormat, meta.Name, meta.Size(), info.Size())
	}

	dev, err := DeviceInfo(path)
	if err != nil {
		return nil, err
	}
	if useDirectIO && dev.BlockSize/hasher.ScoopSize > meta.Nonces {
		slog.Warn("not enough nonces for using direct io", "component", "plot", "plot", meta.Name)
		useDirectIO = false
	}

	fh, err := openPlotFile(path, useDirectIO)
	if err != nil {
		return nil, fmt.Errorf("open plot %s: %w", path, err)
	}

	return &Plot{
		Meta:       meta,
		Path:       path,
		Drive:      dev.ID,
		ModTime:    info.ModTime(),
		fh:         fh,
		directIO:   useDirectIO,
		blockSize: dev.BlockSize,
		dummy:      dummy,
	}, nil
}

// DirectIO reports whether the plot is read with unbuffered I/O.
func (p *Plot) DirectIO() bool { return p.directIO }

// Prepare reopens the file and positions the cursor at the start of the
// scoop column. Under direct I/O the start is rounded up to the next sector
// boundary and the skipped bytes are remembered as the read offset.
func (p *Plot) Prepare(scoop uint32) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.readOffset = 0
	seek := uint64(scoop) * p.Nonces * hasher.ScoopSize

	if p.fh != nil {
		p.fh.Close()
	}
	fh, err := openPlotFile(p.Path, p.directIO)
	if err != nil {
		p.fh = nil
		return 0, fmt.Errorf("reopen plot %s: %w", p.Name, err)
	}
	p.fh = fh

	if p.directIO {
		p.readOffset = p.roundUp(&seek)
	}
	return int64(seek), nil
}

// Read fills buf with the next chunk of the scoop column and returns the
// number of bytes read, the nonce of the first record and whether the
// column is exhausted.
func (p *Plot) Read(buf []byte, scoop uint32) (int, uint64, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	column := p.Nonces * hasher.ScoopSize
	startNonce := p.StartNonce + p.readOffset/hasher.ScoopSize

	n := uint64(len(buf))
	exhausted := false
	if p.readOffset+n >= column {
		n = column - p.readOffset
		if p.directIO {
			n -= n % p.blockSize
		}
		exhausted = true
	}

	if !p.dummy && n > 0 {
		if p.fh == nil {
			return 0, 0, true, fmt.Errorf("plot %s is not prepared", p.Name)
		}
		if p.directIO && !buffer.IsAligned(buf, int(min(p.blockSize, buffer.Alignment))) {
			return 0, 0, true, fmt.Errorf("%w: plot %s, block size %d", ErrUnaligned, p.Name, p.blockSize)
		}
		off := int64(p.readOffset + uint64(scoop)*column)
		if _, err := p.fh.ReadAt(buf[:n], off); err != nil {
			return 0, 0, true, fmt.Errorf("read plot %s at %d: %w", p.Name, off, err)
		}
	}
	p.readOffset += n

	return int(n), startNonce, exhausted, nil
}

// SeekRandom reads one sector from a random scoop column to keep the drive
// spinning.
func (p *Plot) SeekRandom() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	scoop := rand.Uint64N(hasher.ScoopCount)
	seek := scoop * p.Nonces * hasher.ScoopSize
	if p.directIO {
		p.roundUp(&seek)
	}
	if p.dummy || p.fh == nil {
		return nil
	}

	size := max(p.blockSize, hasher.ScoopSize)
	if column := p.Nonces * hasher.ScoopSize; size > column {
		size = column
	}
	if seek+size > p.Size() {
		return nil
	}
	block := buffer.AlignedBlock(int(size), buffer.Alignment)
	if _, err := p.fh.ReadAt(block, int64(seek)); err != nil {
		return fmt.Errorf("wakeup read %s: %w", p.Name, err)
	}
	return nil
}

// Close releases the file handle.
func (p *Plot) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fh == nil {
		return nil
	}
	err := p.fh.Close()
	p.fh = nil
	return err
}

// roundUp moves addr to the next sector boundary and returns the distance moved.
func (p *Plot) roundUp(addr *uint64) uint64 {
	r := *addr % p.blockSize
	if r == 0 {
		return 0
	}
	skew := p.blockSize - r
	*addr += skew
	return skew
}

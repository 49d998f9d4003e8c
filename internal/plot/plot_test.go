package plot

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-poc-miner/internal/buffer"
	"github.com/withObsrvr/obsrvr-poc-miner/internal/hasher"
)

// writePlot creates a plot whose records carry their scoop and nonce index
// in the first eight bytes.
func writePlot(t *testing.T, dir string, account, start, nonces uint64) string {
	t.Helper()
	data := make([]byte, nonces*hasher.NonceSize)
	for s := uint64(0); s < hasher.ScoopCount; s++ {
		for n := uint64(0); n < nonces; n++ {
			off := (s*nonces + n) * hasher.ScoopSize
			binary.LittleEndian.PutUint32(data[off:], uint32(s))
			binary.LittleEndian.PutUint32(data[off+4:], uint32(n))
		}
	}
	path := filepath.Join(dir, FormatName(account, start, nonces))
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func record(buf []byte, i int) (scoop, nonce uint32) {
	off := i * hasher.ScoopSize
	return binary.LittleEndian.Uint32(buf[off:]), binary.LittleEndian.Uint32(buf[off+4:])
}

func TestParseName(t *testing.T) {
	meta, err := ParseName("10282355196851764065_100_8192")
	require.NoError(t, err)
	assert.Equal(t, uint64(10282355196851764065), meta.AccountID)
	assert.Equal(t, uint64(100), meta.StartNonce)
	assert.Equal(t, uint64(8192), meta.Nonces)
	assert.Equal(t, uint64(8292), meta.EndNonce())

	for _, name := range []string{
		"1_0", "1_0_8.tmp", "a_0_8", "1_0_0", "1_0_8_4", "99999999999999999999_0_8", "",
	} {
		_, err := ParseName(name)
		assert.ErrorIs(t, err, ErrFormat, name)
	}
}

func TestOpenValidates(t *testing.T) {
	dir := t.TempDir()
	path := writePlot(t, dir, 1, 0, 8)

	p, err := Open(path, false, false)
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, uint64(8), p.Nonces)
	assert.NotEmpty(t, p.Drive)
	assert.False(t, p.DirectIO())

	// Size must match the nonce count in the name.
	short := filepath.Join(dir, "1_8_16")
	require.NoError(t, os.WriteFile(short, make([]byte, 100), 0o644))
	_, err = Open(short, false, false)
	assert.ErrorIs(t, err, ErrFormat)

	_, err = Open(filepath.Join(dir, "1_0_9"), false, false)
	assert.Error(t, err)

	sub := filepath.Join(dir, "2_0_8")
	require.NoError(t, os.Mkdir(sub, 0o755))
	_, err = Open(sub, false, false)
	assert.ErrorIs(t, err, ErrFormat)
}

func TestReadChunks(t *testing.T) {
	path := writePlot(t, t.TempDir(), 7, 1000, 8)
	p, err := Open(path, false, false)
	require.NoError(t, err)
	defer p.Close()

	const scoop = 5
	seek, err := p.Prepare(scoop)
	require.NoError(t, err)
	assert.Equal(t, int64(scoop*8*hasher.ScoopSize), seek)

	buf := make([]byte, 3*hasher.ScoopSize)
	var starts []uint64
	var sizes []int
	var exhausted bool
	for !exhausted {
		var n int
		var start uint64
		n, start, exhausted, err = p.Read(buf, scoop)
		require.NoError(t, err)
		for i := 0; i < n/hasher.ScoopSize; i++ {
			s, nonce := record(buf, i)
			assert.Equal(t, uint32(scoop), s)
			assert.Equal(t, uint32(start-1000)+uint32(i), nonce)
		}
		starts = append(starts, start)
		sizes = append(sizes, n)
	}
	assert.Equal(t, []uint64{1000, 1003, 1006}, starts)
	assert.Equal(t, []int{192, 192, 128}, sizes)

	// Prepare resets the cursor.
	_, err = p.Prepare(0)
	require.NoError(t, err)
	n, start, exhausted, err := p.Read(make([]byte, 8*hasher.ScoopSize), 0)
	require.NoError(t, err)
	assert.Equal(t, 8*hasher.ScoopSize, n)
	assert.Equal(t, uint64(1000), start)
	assert.True(t, exhausted)
}

func TestReadExactFit(t *testing.T) {
	path := writePlot(t, t.TempDir(), 1, 0, 8)
	p, err := Open(path, false, false)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Prepare(4095)
	require.NoError(t, err)
	buf := make([]byte, 4*hasher.ScoopSize)
	_, _, exhausted, err := p.Read(buf, 4095)
	require.NoError(t, err)
	assert.False(t, exhausted)
	n, start, exhausted, err := p.Read(buf, 4095)
	require.NoError(t, err)
	assert.True(t, exhausted)
	assert.Equal(t, uint64(4), start)
	assert.Equal(t, 4*hasher.ScoopSize, n)
	s, nonce := record(buf, 3)
	assert.Equal(t, uint32(4095), s)
	assert.Equal(t, uint32(7), nonce)
}

func TestDirectIOAlignment(t *testing.T) {
	orig := openPlotFile
	openPlotFile = func(path string, _ bool) (*os.File, error) { return os.Open(path) }
	defer func() { openPlotFile = orig }()

	path := writePlot(t, t.TempDir(), 1, 0, 12)
	meta, err := ParseName(filepath.Base(path))
	require.NoError(t, err)
	p := &Plot{Meta: meta, Path: path, directIO: true, blockSize: 512}
	defer p.Close()

	// Column 1 starts at 768, the next sector boundary is 1024.
	seek, err := p.Prepare(1)
	require.NoError(t, err)
	assert.Equal(t, int64(1024), seek)

	buf := buffer.AlignedBlock(8*hasher.ScoopSize, buffer.Alignment)
	n, start, exhausted, err := p.Read(buf, 1)
	require.NoError(t, err)
	assert.True(t, exhausted)
	assert.Equal(t, 512, n)
	assert.Equal(t, uint64(4), start)
	s, nonce := record(buf, 0)
	assert.Equal(t, uint32(1), s)
	assert.Equal(t, uint32(4), nonce)

	// A remainder smaller than a sector is dropped.
	_, err = p.Prepare(2)
	require.NoError(t, err)
	n, start, exhausted, err = p.Read(buffer.AlignedBlock(16*hasher.ScoopSize, buffer.Alignment), 2)
	require.NoError(t, err)
	assert.True(t, exhausted)
	assert.Equal(t, 512, n)
	assert.Equal(t, uint64(0), start)
}

func TestDirectIORejectsUnalignedBuffer(t *testing.T) {
	orig := openPlotFile
	openPlotFile = func(path string, _ bool) (*os.File, error) { return os.Open(path) }
	defer func() { openPlotFile = orig }()

	path := writePlot(t, t.TempDir(), 1, 0, 16)
	meta, err := ParseName(filepath.Base(path))
	require.NoError(t, err)
	p := &Plot{Meta: meta, Path: path, directIO: true, blockSize: 512}
	defer p.Close()

	_, err = p.Prepare(0)
	require.NoError(t, err)

	block := buffer.AlignedBlock(8*hasher.ScoopSize+hasher.ScoopSize, buffer.Alignment)
	_, _, exhausted, err := p.Read(block[hasher.ScoopSize:], 0)
	assert.ErrorIs(t, err, ErrUnaligned)
	assert.True(t, exhausted)

	// The same plot without direct I/O accepts any buffer.
	p.directIO = false
	_, err = p.Prepare(0)
	require.NoError(t, err)
	n, _, _, err := p.Read(block[hasher.ScoopSize:], 0)
	require.NoError(t, err)
	assert.Equal(t, 8*hasher.ScoopSize, n)
}

func TestDummyPlotSkipsIO(t *testing.T) {
	path := writePlot(t, t.TempDir(), 1, 0, 8)
	p, err := Open(path, false, true)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Prepare(3)
	require.NoError(t, err)
	buf := make([]byte, 8*hasher.ScoopSize)
	n, _, exhausted, err := p.Read(buf, 3)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.True(t, exhausted)
	s, nonce := record(buf, 1)
	assert.Zero(t, s)
	assert.Zero(t, nonce)
	assert.NoError(t, p.SeekRandom())
}

func TestReadAfterCloseFails(t *testing.T) {
	path := writePlot(t, t.TempDir(), 1, 0, 8)
	p, err := Open(path, false, false)
	require.NoError(t, err)
	require.NoError(t, p.SeekRandom())
	require.NoError(t, p.Close())

	_, _, exhausted, err := p.Read(make([]byte, hasher.ScoopSize), 0)
	assert.Error(t, err)
	assert.True(t, exhausted)
	assert.False(t, errors.Is(err, ErrFormat))
}

func TestFindOverlaps(t *testing.T) {
	metas := []Meta{
		{AccountID: 1, StartNonce: 100, Nonces: 50, Name: "c"},
		{AccountID: 1, StartNonce: 0, Nonces: 120, Name: "a"},
		{AccountID: 1, StartNonce: 110, Nonces: 10, Name: "b"},
		{AccountID: 2, StartNonce: 0, Nonces: 1000, Name: "d"},
		{AccountID: 1, StartNonce: 150, Nonces: 10, Name: "e"},
	}
	got := FindOverlaps(metas)
	require.Len(t, got, 3)

	assert.Equal(t, "a", got[0].A.Name)
	assert.Equal(t, "c", got[0].B.Name)
	assert.Equal(t, uint64(20), got[0].Shared)

	assert.Equal(t, "a", got[1].A.Name)
	assert.Equal(t, "b", got[1].B.Name)
	assert.Equal(t, uint64(10), got[1].Shared)

	assert.Equal(t, "c", got[2].A.Name)
	assert.Equal(t, "b", got[2].B.Name)
	assert.Equal(t, uint64(10), got[2].Shared)

	assert.Zero(t, metas[0].Overlap(metas[3]))
}

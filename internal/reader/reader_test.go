package reader

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-poc-miner/internal/buffer"
	"github.com/withObsrvr/obsrvr-poc-miner/internal/hasher"
	"github.com/withObsrvr/obsrvr-poc-miner/internal/plot"
)

func createPlot(t *testing.T, dir string, account, start, nonces uint64) string {
	t.Helper()
	path := filepath.Join(dir, plot.FormatName(account, start, nonces))
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(int64(nonces*hasher.NonceSize)))
	require.NoError(t, f.Close())
	return path
}

func openDrive(t *testing.T, id string, paths ...string) *Drive {
	t.Helper()
	d := &Drive{ID: id}
	for _, path := range paths {
		p, err := plot.Open(path, false, false)
		require.NoError(t, err)
		t.Cleanup(func() { p.Close() })
		d.Plots = append(d.Plots, p)
		d.Nonces += p.Nonces
	}
	return d
}

func hostPool(n, nonces int) *buffer.Pool {
	bufs := make([]buffer.Buffer, n)
	for i := range bufs {
		bufs[i] = buffer.NewHostBuffer(nonces * hasher.ScoopSize)
	}
	return buffer.NewPool(bufs...)
}

// drain collects replies for block until every drive reported a finished buffer.
func drain(t *testing.T, pool *buffer.Pool, queue <-chan ReadReply, block uint64, drives int) []ReadReply {
	t.Helper()
	var got []ReadReply
	finished := 0
	timeout := time.After(5 * time.Second)
	for finished < drives {
		select {
		case r := <-queue:
			if r.Buffer != nil {
				pool.Put(r.Buffer)
			}
			if r.Block != block {
				continue
			}
			got = append(got, r)
			if r.Finished {
				finished++
			}
		case <-timeout:
			t.Fatalf("timed out after %d replies", len(got))
		}
	}
	return got
}

func TestReadRoundSingleDrive(t *testing.T) {
	dir := t.TempDir()
	d := openDrive(t, "d0",
		createPlot(t, dir, 1, 0, 8),
		createPlot(t, dir, 2, 100, 4),
	)
	pool := hostPool(2, 3)
	host := make(chan ReadReply, 4)
	r := New([]*Drive{d}, pool, host, nil, Options{})
	defer r.Stop()

	r.StartReading(context.Background(), Round{Height: 10, Block: 1, BaseTarget: 7, Scoop: 42})
	got := drain(t, pool, host, 1, 1)

	var bytes int
	var starts []uint64
	for i, reply := range got {
		bytes += reply.Len
		starts = append(starts, reply.StartNonce)
		assert.Equal(t, uint64(10), reply.Height)
		assert.Equal(t, uint64(7), reply.BaseTarget)
		assert.Equal(t, i == len(got)-1, reply.Finished)
	}
	assert.Equal(t, 12*hasher.ScoopSize, bytes)
	assert.Equal(t, []uint64{0, 3, 6, 100, 103}, starts)
	assert.Equal(t, uint64(2), got[len(got)-1].AccountID)

	read, total := r.Progress()
	assert.Equal(t, uint64(12*hasher.ScoopSize), total)
	assert.Eventually(t, func() bool {
		read, _ = r.Progress()
		return read == total
	}, time.Second, 10*time.Millisecond)
}

func TestReadRoundManyDrives(t *testing.T) {
	var drives []*Drive
	for i := 0; i < 3; i++ {
		dir := t.TempDir()
		drives = append(drives, openDrive(t, filepath.Base(dir), createPlot(t, dir, 1, uint64(i)*8, 8)))
	}
	pool := hostPool(4, 8)
	host := make(chan ReadReply, 8)
	r := New(drives, pool, host, nil, Options{Concurrency: 1})
	defer r.Stop()

	r.StartReading(context.Background(), Round{Block: 1})
	got := drain(t, pool, host, 1, 3)
	assert.Len(t, got, 3)
}

func TestStartReadingCancelsPreviousRound(t *testing.T) {
	dir := t.TempDir()
	d := openDrive(t, "d0", createPlot(t, dir, 1, 0, 64))
	pool := hostPool(1, 1)
	host := make(chan ReadReply)
	r := New([]*Drive{d}, pool, host, nil, Options{})
	defer r.Stop()

	ctx := context.Background()
	r.StartReading(ctx, Round{Block: 1, Scoop: 1})
	first := <-host
	assert.Equal(t, uint64(1), first.Block)

	// The old task is blocked on an empty pool; returning the buffer after
	// the restart must not leak replies of block 1 once block 2 is running.
	done := make(chan struct{})
	go func() {
		r.StartReading(ctx, Round{Block: 2, Scoop: 2})
		close(done)
	}()
	pool.Put(first.Buffer)
	<-done

	got := drain(t, pool, host, 2, 1)
	assert.Len(t, got, 64)
	for _, reply := range got {
		assert.Equal(t, uint64(2), reply.Block)
	}
}

func TestPrepareFailureStillFinishesDrive(t *testing.T) {
	dir := t.TempDir()
	keep := createPlot(t, dir, 1, 0, 8)
	lost := createPlot(t, dir, 1, 8, 8)
	d := openDrive(t, "d0", keep, lost)
	require.NoError(t, os.Remove(lost))

	pool := hostPool(2, 8)
	host := make(chan ReadReply, 4)
	r := New([]*Drive{d}, pool, host, nil, Options{})
	defer r.Stop()

	r.StartReading(context.Background(), Round{Block: 1})
	got := drain(t, pool, host, 1, 1)
	require.Len(t, got, 2)
	assert.Equal(t, 8*hasher.ScoopSize, got[0].Len)
	assert.False(t, got[0].Finished)
	assert.Zero(t, got[1].Len)
	assert.True(t, got[1].Finished)
}

type fakeMemory struct{ data []byte }

func (m *fakeMemory) Map() []byte { return m.data }
func (m *fakeMemory) Unmap()      {}
func (m *fakeMemory) Release()    {}

func TestDeviceQueueSignals(t *testing.T) {
	dir := t.TempDir()
	d := openDrive(t, "d0", createPlot(t, dir, 1, 0, 8))
	pool := buffer.NewPool(
		buffer.NewDeviceBuffer(&fakeMemory{data: make([]byte, 4*hasher.ScoopSize)}),
		buffer.NewDeviceBuffer(&fakeMemory{data: make([]byte, 4*hasher.ScoopSize)}),
	)
	host := make(chan ReadReply, 4)
	device := make(chan ReadReply, 8)
	r := New([]*Drive{d}, pool, host, device, Options{ShowDriveStats: true})
	defer r.Stop()

	r.StartReading(context.Background(), Round{Height: 5, Block: 3})

	var signals []Signal
	timeout := time.After(5 * time.Second)
	for len(signals) < 4 {
		select {
		case reply := <-device:
			signals = append(signals, reply.Signal)
			assert.Equal(t, uint64(3), reply.Block)
			if reply.Buffer != nil {
				pool.Put(reply.Buffer)
			}
		case <-timeout:
			t.Fatalf("timed out with signals %v", signals)
		}
	}
	assert.Equal(t, []Signal{SignalRoundStart, SignalNone, SignalNone, SignalDriveEnd}, signals)
	assert.Empty(t, host)
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	older := createPlot(t, dir, 1, 0, 8)
	newer := createPlot(t, dir, 1, 4, 8)
	other := createPlot(t, dir, 2, 0, 4)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	now := time.Now()
	require.NoError(t, os.Chtimes(older, now.Add(-time.Hour), now.Add(-time.Hour)))
	require.NoError(t, os.Chtimes(other, now.Add(-time.Minute), now.Add(-time.Minute)))
	require.NoError(t, os.Chtimes(newer, now, now))

	drives, err := Discover([]string{dir, filepath.Join(dir, "missing"), older}, false, false)
	require.NoError(t, err)
	require.Len(t, drives, 1)
	assert.Len(t, drives[0].Plots, 3)
	assert.Equal(t, uint64(20), TotalNonces(drives))
	assert.Equal(t, filepath.Base(newer), drives[0].Plots[0].Name)
	for _, p := range drives[0].Plots {
		p.Close()
	}

	_, err = Discover([]string{t.TempDir()}, false, false)
	assert.ErrorIs(t, err, ErrNoPlots)
}

func TestTiB(t *testing.T) {
	assert.Equal(t, 1.0, TiB(4*1024*1024))
}

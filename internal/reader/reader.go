// Package reader streams scoop columns from plot drives into buffers for
// the deadline workers.
package reader

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/withObsrvr/obsrvr-poc-miner/internal/buffer"
	"github.com/withObsrvr/obsrvr-poc-miner/internal/logging"
	"github.com/withObsrvr/obsrvr-poc-miner/internal/metrics"
)

// Signal marks control replies that carry no buffer.
type Signal int

const (
	SignalNone Signal = iota
	// SignalRoundStart opens a new round on the device queue.
	SignalRoundStart
	// SignalDriveEnd reports that one drive sent its last buffer.
	SignalDriveEnd
)

// ReadReply is one filled buffer, or a control signal, sent to the workers.
type ReadReply struct {
	Buffer     buffer.Buffer
	Len        int
	Height     uint64
	Block      uint64
	BaseTarget uint64
	Gensig     [32]byte
	StartNonce uint64
	Finished   bool
	AccountID  uint64
	Signal     Signal
}

// Round is the work description handed to StartReading.
type Round struct {
	Height     uint64
	Block      uint64
	BaseTarget uint64
	Scoop      uint32
	Gensig     [32]byte
}

// Options tune the reader.
type Options struct {
	// Concurrency limits the drives read at once. Zero reads all drives in parallel.
	Concurrency      int
	ShowProgress     bool
	ShowDriveStats   bool
	ProgressInterval time.Duration
}

type roundTasks struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Reader runs one task per drive for every round.
type Reader struct {
	drives []*Drive
	pool   *buffer.Pool
	host   chan<- ReadReply
	device chan<- ReadReply
	sem    chan struct{}
	opts   Options
	total  uint64
	logger *slog.Logger

	mu       sync.Mutex
	current  *roundTasks
	progress atomic.Uint64
}

// New creates a reader. device may be nil when no accelerator runs.
func New(drives []*Drive, pool *buffer.Pool, host, device chan<- ReadReply, opts Options) *Reader {
	r := &Reader{
		drives: drives,
		pool:   pool,
		host:   host,
		device: device,
		opts:   opts,
		logger: logging.Component("reader"),
	}
	if opts.Concurrency > 0 && opts.Concurrency < len(drives) {
		r.sem = make(chan struct{}, opts.Concurrency)
	}
	if r.opts.ProgressInterval <= 0 {
		r.opts.ProgressInterval = 5 * time.Second
	}
	for _, d := range drives {
		r.total += d.ScoopBytes()
	}
	return r
}

// DriveCount returns the number of drive tasks per round.
func (r *Reader) DriveCount() int { return len(r.drives) }

// Progress returns the bytes read in the current round and the bytes a full
// round reads.
func (r *Reader) Progress() (read, total uint64) {
	return r.progress.Load(), r.total
}

// StartReading stops the drive tasks of the previous round and starts new
// ones for rd.
func (r *Reader) StartReading(ctx context.Context, rd Round) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopLocked()

	roundCtx, cancel := context.WithCancel(ctx)
	tasks := &roundTasks{cancel: cancel}
	r.current = tasks
	r.progress.Store(0)

	if r.device != nil {
		signal := ReadReply{Height: rd.Height, Block: rd.Block, Signal: SignalRoundStart}
		select {
		case r.device <- signal:
		case <-roundCtx.Done():
			return
		}
	}

	for _, d := range r.drives {
		tasks.wg.Add(1)
		go r.readDrive(roundCtx, &tasks.wg, d, rd)
	}
	if r.opts.ShowProgress {
		go r.reportProgress(roundCtx, &tasks.wg)
	}
}

// Stop cancels the running drive tasks and waits for them to exit.
func (r *Reader) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
}

func (r *Reader) stopLocked() {
	if r.current == nil {
		return
	}
	r.current.cancel()
	r.current.wg.Wait()
	r.current = nil
}

// Wakeup reads a random sector of every drive so idle disks keep spinning.
func (r *Reader) Wakeup() {
	for _, d := range r.drives {
		if len(d.Plots) == 0 {
			continue
		}
		go func(d *Drive) {
			p := d.Plots[0]
			if err := p.SeekRandom(); err != nil {
				logging.DriveLogger(d.ID).Error("wakeup failed", "plot", p.Name, "error", err)
			}
		}(d)
	}
}

func (r *Reader) readDrive(ctx context.Context, wg *sync.WaitGroup, d *Drive, rd Round) {
	defer wg.Done()

	if r.sem != nil {
		select {
		case r.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-r.sem }()
	}

	logger := logging.DriveLogger(d.ID)
	started := time.Now()
	var read uint64

	for i, p := range d.Plots {
		lastPlot := i == len(d.Plots)-1

		if _, err := p.Prepare(rd.Scoop); err != nil {
			logger.Error("error preparing plot for reading", "plot", p.Name, "error", err)
			if m := metrics.Get(); m != nil {
				m.IncReadErrors(d.ID)
			}
			if lastPlot {
				buf, err := r.pool.Get(ctx)
				if err != nil {
					return
				}
				reply := r.reply(rd, buf, 0, 0, true, p.AccountID)
				if !r.send(ctx, reply) {
					return
				}
			}
			continue
		}

		for {
			buf, err := r.pool.Get(ctx)
			if err != nil {
				return
			}

			n, startNonce, exhausted, err := p.Read(buf.Bytes(), rd.Scoop)
			if err != nil {
				logger.Error("error reading chunk", "plot", p.Name, "error", err)
				if m := metrics.Get(); m != nil {
					m.IncReadErrors(d.ID)
				}
				n, startNonce, exhausted = 0, 0, true
			}

			if !r.send(ctx, r.reply(rd, buf, n, startNonce, lastPlot && exhausted, p.AccountID)) {
				return
			}

			read += uint64(n)
			r.progress.Add(uint64(n))
			if m := metrics.Get(); m != nil {
				m.AddBytesRead(d.ID, n)
			}

			if exhausted {
				break
			}
			if ctx.Err() != nil {
				return
			}
		}
	}

	if r.device != nil {
		signal := ReadReply{Height: rd.Height, Block: rd.Block, Signal: SignalDriveEnd}
		select {
		case r.device <- signal:
		case <-ctx.Done():
			return
		}
	}

	if r.opts.ShowDriveStats {
		elapsed := time.Since(started)
		speed := float64(read) / 1024 / 1024 / max(elapsed.Seconds(), 0.001)
		logger.Info("drive finished", "speed_mib_s", round2(speed), "elapsed_ms", elapsed.Milliseconds())
	}
}

func (r *Reader) reply(rd Round, buf buffer.Buffer, n int, startNonce uint64, finished bool, account uint64) ReadReply {
	return ReadReply{
		Buffer:     buf,
		Len:        n,
		Height:     rd.Height,
		Block:      rd.Block,
		BaseTarget: rd.BaseTarget,
		Gensig:     rd.Gensig,
		StartNonce: startNonce,
		Finished:   finished,
		AccountID:  account,
	}
}

// send routes the reply to the queue of its buffer kind. When the round is
// cancelled first the buffer goes back to the pool.
func (r *Reader) send(ctx context.Context, reply ReadReply) bool {
	queue := r.host
	if reply.Buffer.Kind() == buffer.KindDevice && r.device != nil {
		queue = r.device
	}
	select {
	case queue <- reply:
		return true
	case <-ctx.Done():
		r.pool.Put(reply.Buffer)
		return false
	}
}

func (r *Reader) reportProgress(ctx context.Context, wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	ticker := time.NewTicker(r.opts.ProgressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			read, total := r.Progress()
			if total == 0 {
				continue
			}
			r.logger.Info("reading", "progress_pct", round2(float64(read)*100/float64(total)))
		}
	}
}

func round2(v float64) float64 {
	return float64(int64(v*100)) / 100
}

package worker

import (
	"context"
	"log/slog"

	"github.com/withObsrvr/obsrvr-poc-miner/internal/logging"
	"github.com/withObsrvr/obsrvr-poc-miner/internal/reader"
)

// Accel computes deadlines for device buffers one at a time.
type Accel struct {
	ID          int
	Device      Device
	SkipHashing bool
	Queues

	logger *slog.Logger
}

// Run drains the device queue until it closes or ctx ends.
func (w *Accel) Run(ctx context.Context) error {
	w.logger = logging.WorkerLogger("accel", w.ID).With("device", w.Device.Name())
	w.logger.Debug("worker started", "mode", "sync")
	for {
		select {
		case <-ctx.Done():
			return nil
		case reply, ok := <-w.In:
			if !ok {
				return nil
			}
			if !w.process(ctx, reply) {
				return nil
			}
		}
	}
}

func (w *Accel) process(ctx context.Context, reply reader.ReadReply) bool {
	if reply.Signal != reader.SignalNone || reply.Buffer == nil {
		return true
	}

	if reply.Len == 0 || w.SkipHashing {
		w.Pool.Put(reply.Buffer)
		if reply.Finished {
			return emit(ctx, w.Out, finishedMarker(reply))
		}
		return true
	}

	reply.Buffer.Unmap()
	deadline, offset := w.Device.FindBestDeadline(memoryOf(reply.Buffer), recordCount(reply), &reply.Gensig)
	w.Pool.Put(reply.Buffer)
	return emit(ctx, w.Out, resultFor(reply, deadline, offset))
}

// AsyncAccel overlaps the device computation of one buffer with the read of
// the next. The result of a buffer is emitted when its successor is
// enqueued, or when every drive of the round has ended.
type AsyncAccel struct {
	ID          int
	Device      Device
	SkipHashing bool
	// Drives is the number of drive-end signals that close a round.
	Drives int
	Queues

	logger      *slog.Logger
	block       uint64
	driveEnds   int
	pending     Pending
	pendingInfo reader.ReadReply
}

// Run drains the device queue until it closes or ctx ends.
func (w *AsyncAccel) Run(ctx context.Context) error {
	w.logger = logging.WorkerLogger("accel", w.ID).With("device", w.Device.Name())
	w.logger.Debug("worker started", "mode", "async", "drives", w.Drives)
	for {
		select {
		case <-ctx.Done():
			return nil
		case reply, ok := <-w.In:
			if !ok {
				return nil
			}
			if !w.process(ctx, reply) {
				return nil
			}
		}
	}
}

func (w *AsyncAccel) process(ctx context.Context, reply reader.ReadReply) bool {
	switch reply.Signal {
	case reader.SignalRoundStart:
		w.drop()
		w.block = reply.Block
		w.driveEnds = 0
		return true
	case reader.SignalDriveEnd:
		if reply.Block != w.block {
			return true
		}
		w.driveEnds++
		if w.driveEnds == w.Drives {
			return w.flush(ctx)
		}
		return true
	}

	if reply.Len == 0 || w.SkipHashing {
		w.Pool.Put(reply.Buffer)
		if !reply.Finished {
			return true
		}
		// Results enqueued before the marker must reach the coordinator first.
		if !w.flush(ctx) {
			return false
		}
		return emit(ctx, w.Out, finishedMarker(reply))
	}

	reply.Buffer.Unmap()
	next := w.Device.Enqueue(memoryOf(reply.Buffer), recordCount(reply), &reply.Gensig)
	w.Pool.Put(reply.Buffer)

	ok := w.flush(ctx)
	w.pending = next
	w.pendingInfo = reply
	w.pendingInfo.Buffer = nil
	return ok
}

// flush waits for the pending computation and emits its result.
func (w *AsyncAccel) flush(ctx context.Context) bool {
	if w.pending == nil {
		return true
	}
	deadline, offset := w.pending.Wait()
	w.pending = nil
	return emit(ctx, w.Out, resultFor(w.pendingInfo, deadline, offset))
}

// drop discards the pending computation of an abandoned round.
func (w *AsyncAccel) drop() {
	if w.pending == nil {
		return
	}
	w.pending.Wait()
	w.pending = nil
}

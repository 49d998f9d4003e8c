package worker

import (
	"context"
	"log/slog"

	"github.com/withObsrvr/obsrvr-poc-miner/internal/hasher"
	"github.com/withObsrvr/obsrvr-poc-miner/internal/logging"
	"github.com/withObsrvr/obsrvr-poc-miner/internal/reader"
)

// CPU hashes host buffers with a Searcher.
type CPU struct {
	ID       int
	Searcher hasher.Searcher
	// SkipHashing recycles buffers without computing deadlines.
	SkipHashing bool
	// Pin binds the worker to one CPU core, picked by ID.
	Pin bool
	Queues

	logger *slog.Logger
}

// Run drains the host queue until it closes or ctx ends.
func (w *CPU) Run(ctx context.Context) error {
	if w.logger == nil {
		w.logger = logging.WorkerLogger("cpu", w.ID).With("tier", w.Searcher.Name())
	}
	if w.Pin {
		if core, err := pinThread(w.ID); err != nil {
			w.logger.Warn("failed to pin worker thread", "error", err)
		} else {
			w.logger = w.logger.With("core", core)
		}
	}
	w.logger.Debug("worker started")
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

func (w *CPU) process(ctx context.Context, reply reader.ReadReply) bool {
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

	deadline, offset := w.Searcher.FindBestDeadline(reply.Buffer.Bytes()[:reply.Len], recordCount(reply), &reply.Gensig)
	w.Pool.Put(reply.Buffer)
	return emit(ctx, w.Out, resultFor(reply, deadline, offset))
}

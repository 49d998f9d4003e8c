// Package worker turns filled scoop buffers into best deadline results.
package worker

import (
	"context"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/obsrvr-poc-miner/internal/buffer"
	"github.com/withObsrvr/obsrvr-poc-miner/internal/hasher"
	"github.com/withObsrvr/obsrvr-poc-miner/internal/reader"
)

// NonceData is the best result of one buffer.
type NonceData struct {
	Height     uint64
	Block      uint64
	BaseTarget uint64
	Deadline   uint64
	Nonce      uint64
	// ReaderTaskProcessed is set on the result of a drive's last buffer.
	ReaderTaskProcessed bool
	AccountID           uint64
}

func resultFor(r reader.ReadReply, deadline, offset uint64) NonceData {
	return NonceData{
		Height:              r.Height,
		Block:               r.Block,
		BaseTarget:          r.BaseTarget,
		Deadline:            deadline,
		Nonce:               offset + r.StartNonce,
		ReaderTaskProcessed: r.Finished,
		AccountID:           r.AccountID,
	}
}

// finishedMarker reports a drive end without a deadline.
func finishedMarker(r reader.ReadReply) NonceData {
	return NonceData{
		Height:              r.Height,
		Block:               r.Block,
		BaseTarget:          r.BaseTarget,
		Deadline:            math.MaxUint64,
		ReaderTaskProcessed: true,
		AccountID:           r.AccountID,
	}
}

func emit(ctx context.Context, out chan<- NonceData, nd NonceData) bool {
	select {
	case out <- nd:
		return true
	case <-ctx.Done():
		return false
	}
}

func recordCount(r reader.ReadReply) uint64 {
	return uint64(r.Len / hasher.ScoopSize)
}

// Queues are the channels shared by readers and workers.
type Queues struct {
	In   <-chan reader.ReadReply
	Pool *buffer.Pool
	Out  chan<- NonceData
}

// Runner is a worker loop.
type Runner interface {
	Run(ctx context.Context) error
}

// Spawn runs every worker in its own goroutine. The group finishes when all
// workers have returned.
func Spawn(ctx context.Context, runners ...Runner) *errgroup.Group {
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range runners {
		g.Go(func() error { return r.Run(gctx) })
	}
	return g
}

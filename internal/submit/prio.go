package submit

import (
	"context"
	"time"
)

// maxBackoffShift caps the exponent of the retry delay.
const maxBackoffShift = 16

// PrioRetry forwards the best item seen so far. A better item is forwarded
// at once and replaces the held one, a repeat of the held item is forwarded
// after base×2^attempt and anything worse is dropped.
type PrioRetry[T any] struct {
	base time.Duration
	// rank returns >0 when next replaces held, 0 when next repeats held.
	rank func(held, next T) int
}

// NewPrioRetry creates a PrioRetry with the given base delay.
func NewPrioRetry[T any](base time.Duration, rank func(held, next T) int) *PrioRetry[T] {
	return &PrioRetry[T]{base: base, rank: rank}
}

// Run consumes in until it closes or ctx ends, then closes out.
func (p *PrioRetry[T]) Run(ctx context.Context, in <-chan T, out chan<- T) {
	defer close(out)

	var (
		held    T
		holding bool
		attempt uint
		timer   *time.Timer
		retry   <-chan time.Time
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
		retry = nil
	}
	defer stopTimer()

	send := func(item T) bool {
		select {
		case out <- item:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case item, ok := <-in:
			if !ok {
				return
			}
			if !holding || p.rank(held, item) > 0 {
				held, holding, attempt = item, true, 0
				stopTimer()
				if !send(item) {
					return
				}
				continue
			}
			if p.rank(held, item) == 0 {
				delay := p.base << min(attempt, maxBackoffShift)
				attempt++
				stopTimer()
				timer = time.NewTimer(delay)
				retry = timer.C
			}

		case <-retry:
			retry = nil
			if !send(held) {
				return
			}
		}
	}
}

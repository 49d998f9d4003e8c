package submit

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/withObsrvr/obsrvr-poc-miner/internal/client"
	"github.com/withObsrvr/obsrvr-poc-miner/internal/logging"
	"github.com/withObsrvr/obsrvr-poc-miner/internal/metrics"
)

// Poster submits a nonce and returns the deadline the pool computed.
type Poster interface {
	SubmitNonce(ctx context.Context, s client.Submission) (uint64, error)
}

// Options configure a Submitter.
type Options struct {
	RetryDelay        time.Duration
	MaxRetries        int
	RequestsPerSecond float64
}

// Submitter feeds candidates through a PrioRetry and posts what comes out.
type Submitter struct {
	poster     Poster
	prio       *PrioRetry[Params]
	limiter    *rate.Limiter
	maxRetries int
	logger     *slog.Logger

	in chan Params
	wg sync.WaitGroup

	mu       sync.Mutex
	failures map[Params]int
	block    uint64
}

// New creates a submitter posting through poster.
func New(poster Poster, opts Options) *Submitter {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 3 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	limit := rate.Inf
	burst := 1
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
		burst = max(1, int(opts.RequestsPerSecond))
	}

	return &Submitter{
		poster:     poster,
		prio:       NewPrioRetry(opts.RetryDelay, Rank),
		limiter:    rate.NewLimiter(limit, burst),
		maxRetries: opts.MaxRetries,
		logger:     logging.Component("submit"),
		in:         make(chan Params, 64),
		failures:   make(map[Params]int),
	}
}

// Submit queues a candidate. It does not wait for the request.
func (s *Submitter) Submit(ctx context.Context, p Params) {
	select {
	case s.in <- p:
	case <-ctx.Done():
	}
}

// Run posts candidates until ctx ends and waits for requests in flight.
func (s *Submitter) Run(ctx context.Context) error {
	out := make(chan Params)
	go s.prio.Run(ctx, s.in, out)

	for p := range out {
		if err := s.limiter.Wait(ctx); err != nil {
			break
		}
		s.wg.Add(1)
		go func(p Params) {
			defer s.wg.Done()
			s.post(ctx, p)
		}(p)
	}
	s.wg.Wait()
	return nil
}

func (s *Submitter) post(ctx context.Context, p Params) {
	logger := s.logger.With(
		"height", p.Height,
		"account", p.AccountID,
		"nonce", p.Nonce,
		"deadline", p.Deadline,
	)

	poolDeadline, err := s.poster.SubmitNonce(ctx, client.Submission{
		AccountID:          p.AccountID,
		Nonce:              p.Nonce,
		Height:             p.Height,
		DeadlineUnadjusted: p.DeadlineUnadjusted,
		Deadline:           p.Deadline,
	})

	var poolErr *client.PoolError
	switch {
	case err == nil:
		s.forget(p)
		if poolDeadline != p.Deadline {
			logger.Error("deadlines mismatch", "deadline_pool", poolDeadline)
			observe(metrics.OutcomeMismatch)
			return
		}
		logger.Info("deadline accepted")
		observe(metrics.OutcomeAccepted)

	case errors.As(err, &poolErr):
		if poolErr.Message == "" || strings.Contains(strings.ToLower(poolErr.Message), "limit exceeded") {
			logger.Warn("submission delayed by pool", "code", poolErr.Code, "message", poolErr.Message)
			observe(metrics.OutcomeRetried)
			s.resubmit(ctx, p)
			return
		}
		s.forget(p)
		logger.Error("submission not accepted", "code", poolErr.Code, "message", poolErr.Message)
		observe(metrics.OutcomeRejected)

	case ctx.Err() != nil:
		return

	case client.IsRetryable(err):
		attempt := s.fail(p)
		logger.Warn("submission failed", "attempt", attempt, "error", err)
		if attempt <= s.maxRetries {
			observe(metrics.OutcomeRetried)
			s.resubmit(ctx, p)
			return
		}
		s.forget(p)
		logger.Error("submission retries exhausted")
		observe(metrics.OutcomeExhausted)

	default:
		s.forget(p)
		logger.Error("submission failed", "error", err)
		observe(metrics.OutcomeRejected)
	}
}

func (s *Submitter) resubmit(ctx context.Context, p Params) {
	if m := metrics.Get(); m != nil {
		m.IncRetryAttempts("submit_nonce")
	}
	s.Submit(ctx, p)
}

// fail records a transport failure of p and returns the failure count.
func (s *Submitter) fail(p Params) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Block > s.block {
		s.block = p.Block
		clear(s.failures)
	}
	s.failures[p]++
	return s.failures[p]
}

func (s *Submitter) forget(p Params) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, p)
}

func observe(outcome string) {
	if m := metrics.Get(); m != nil {
		m.IncSubmissions(outcome)
	}
}

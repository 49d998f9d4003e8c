// Package miner coordinates mining rounds: it polls mining info, starts
// the readers on every new block and turns worker results into
// submissions.
package miner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/withObsrvr/obsrvr-poc-miner/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-poc-miner/internal/client"
	"github.com/withObsrvr/obsrvr-poc-miner/internal/config"
	"github.com/withObsrvr/obsrvr-poc-miner/internal/hasher"
	"github.com/withObsrvr/obsrvr-poc-miner/internal/history"
	"github.com/withObsrvr/obsrvr-poc-miner/internal/logging"
	"github.com/withObsrvr/obsrvr-poc-miner/internal/metrics"
	"github.com/withObsrvr/obsrvr-poc-miner/internal/reader"
	"github.com/withObsrvr/obsrvr-poc-miner/internal/submit"
	"github.com/withObsrvr/obsrvr-poc-miner/internal/worker"
)

// InfoSource returns the current mining info.
type InfoSource interface {
	GetMiningInfo(ctx context.Context) (*client.MiningInfo, error)
}

// Reader is the part of the reader engine the coordinator drives.
type Reader interface {
	StartReading(ctx context.Context, rd reader.Round)
	Wakeup()
	DriveCount() int
	Progress() (read, total uint64)
}

// Submitter queues candidates for submission.
type Submitter interface {
	Submit(ctx context.Context, p submit.Params)
}

// Options configure the coordinator.
type Options struct {
	PollInterval   time.Duration
	WakeupAfter    time.Duration
	TargetDeadline uint64
	AccountTargets map[uint64]uint64
	Nonces         uint64
}

// OptionsFrom derives coordinator options from the configuration.
func OptionsFrom(cfg config.Config, nonces uint64) Options {
	return Options{
		PollInterval:   time.Duration(cfg.PollInterval()) * time.Millisecond,
		WakeupAfter:    time.Duration(cfg.HDDWakeupAfter) * time.Second,
		TargetDeadline: cfg.TargetDeadline,
		AccountTargets: cfg.AccountIDToTargetDeadline,
		Nonces:         nonces,
	}
}

// Deps are the collaborators of a Miner. Checkpoints and History are optional.
type Deps struct {
	Info        InfoSource
	Reader      Reader
	Submitter   Submitter
	Results     <-chan worker.NonceData
	Checkpoints checkpoint.Manager
	History     history.Sink
}

// State is the round state shared by the poll loop and the result handler.
type State struct {
	Height         uint64
	Block          uint64
	BaseTarget     uint64
	TargetDeadline uint64
	Gensig         [32]byte
	GensigHex      string
	Scoop          uint32
	Bests          map[uint64]checkpoint.Best
	Processed      int
	Scanning       bool
	Outage         bool
	Submitted      int

	roundStart    time.Time
	stopwatch     time.Time
	correlationID string
}

const (
	historyQueueSize    = 16
	historyDrainTimeout = 5 * time.Second
)

// Miner is the round coordinator.
type Miner struct {
	deps    Deps
	opts    Options
	logger  *slog.Logger
	records chan history.RoundRecord

	mu     sync.Mutex
	state  State
	resume *checkpoint.Checkpoint
}

// New creates a coordinator.
func New(deps Deps, opts Options) *Miner {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Duration(config.MinMiningInfoInterval) * time.Millisecond
	}
	if opts.TargetDeadline == 0 {
		opts.TargetDeadline = math.MaxUint64
	}
	if deps.History == nil {
		deps.History = history.Noop{}
	}
	return &Miner{
		deps:    deps,
		opts:    opts,
		logger:  logging.Component("miner"),
		records: make(chan history.RoundRecord, historyQueueSize),
		state:   State{Bests: make(map[uint64]checkpoint.Best)},
	}
}

// Snapshot returns a copy of the round state.
func (m *Miner) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state
	s.Bests = make(map[uint64]checkpoint.Best, len(m.state.Bests))
	for k, v := range m.state.Bests {
		s.Bests[k] = v
	}
	return s
}

// Run polls mining info and handles results until ctx is done.
func (m *Miner) Run(ctx context.Context) error {
	m.loadCheckpoint(ctx)

	quit := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.pollLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		m.recordLoop(ctx, quit)
	}()
	defer func() {
		close(quit)
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case nd, ok := <-m.deps.Results:
			if !ok {
				return nil
			}
			m.handleResult(ctx, nd)
		}
	}
}

// recordLoop writes finished rounds to the history sink so a slow sink
// never holds up the result loop.
func (m *Miner) recordLoop(ctx context.Context, quit <-chan struct{}) {
	for {
		select {
		case rec := <-m.records:
			m.record(ctx, rec)
		case <-ctx.Done():
			m.drainRecords()
			return
		case <-quit:
			m.drainRecords()
			return
		}
	}
}

// drainRecords flushes the queued records on shutdown.
func (m *Miner) drainRecords() {
	ctx, cancel := context.WithTimeout(context.Background(), historyDrainTimeout)
	defer cancel()
	for {
		select {
		case rec := <-m.records:
			m.record(ctx, rec)
		default:
			return
		}
	}
}

func (m *Miner) record(ctx context.Context, rec history.RoundRecord) {
	if err := m.deps.History.Record(ctx, rec); err != nil {
		m.logger.Warn("failed to record round history", "error", err, "height", rec.Height, "block", rec.Block)
	}
}

// loadCheckpoint keeps the stored best deadlines until the first block is
// known.
func (m *Miner) loadCheckpoint(ctx context.Context) {
	if m.deps.Checkpoints == nil {
		return
	}
	cp, err := m.deps.Checkpoints.Load(ctx)
	switch {
	case err == nil:
		m.mu.Lock()
		m.resume = cp
		m.mu.Unlock()
		m.logger.Info("resuming from checkpoint", "height", cp.Height, "accounts", len(cp.Bests))
	case !errors.Is(err, checkpoint.ErrNoCheckpoint):
		m.logger.Warn("failed to load checkpoint", "error", err)
	}
}

func (m *Miner) pollLoop(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		m.poll(ctx)
		timer.Reset(m.opts.PollInterval)
	}
}

// poll fetches mining info once and applies it.
func (m *Miner) poll(ctx context.Context) {
	info, err := m.deps.Info.GetMiningInfo(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if mt := metrics.Get(); mt != nil {
			mt.IncMiningInfoErrors()
		}
		m.mu.Lock()
		entered := !m.state.Outage
		m.state.Outage = true
		m.mu.Unlock()
		if entered {
			m.logger.Error("outage: error getting mining info", "error", err)
		} else {
			m.logger.Debug("error getting mining info", "error", err)
		}
		return
	}

	m.mu.Lock()
	if m.state.Outage {
		m.state.Outage = false
		m.logger.Info("outage resolved")
	}
	m.mu.Unlock()

	m.update(ctx, info)
}

// update starts a round when the generation signature changed, or wakes
// idle drives.
func (m *Miner) update(ctx context.Context, info *client.MiningInfo) {
	m.mu.Lock()

	if info.GenerationSignature == m.state.GensigHex {
		wake := !m.state.Scanning && m.opts.WakeupAfter > 0 &&
			time.Since(m.state.stopwatch) > m.opts.WakeupAfter
		if wake {
			m.state.stopwatch = time.Now()
		}
		m.mu.Unlock()
		if wake {
			m.logger.Info("HDD, wakeup!")
			m.deps.Reader.Wakeup()
		}
		return
	}

	gensig, err := hasher.DecodeGensig(info.GenerationSignature)
	if err != nil {
		m.mu.Unlock()
		m.logger.Error("invalid generation signature", "height", info.Height, "error", err)
		return
	}

	s := &m.state
	s.Block++
	s.Height = info.Height
	s.BaseTarget = info.BaseTarget
	s.TargetDeadline = info.TargetDeadline
	s.Gensig = gensig
	s.GensigHex = info.GenerationSignature
	s.Scoop = hasher.CalculateScoop(info.Height, &gensig)
	s.Bests = make(map[uint64]checkpoint.Best)
	s.Processed = 0
	s.Submitted = 0
	s.Scanning = true
	s.roundStart = time.Now()
	s.stopwatch = s.roundStart
	s.correlationID = logging.GenerateCorrelationID()

	if cp := m.resume; cp != nil && cp.Gensig == s.GensigHex && cp.Height == s.Height {
		for account, best := range cp.Bests {
			s.Bests[account] = best
		}
	}
	m.resume = nil

	round := reader.Round{
		Height:     s.Height,
		Block:      s.Block,
		BaseTarget: s.BaseTarget,
		Scoop:      s.Scoop,
		Gensig:     s.Gensig,
	}
	logger := logging.RoundLogger(s.correlationID, s.Height, s.Block)
	seeded := len(s.Bests)
	m.mu.Unlock()

	if mt := metrics.Get(); mt != nil {
		mt.ObserveRoundStart(round.Height)
	}
	m.deps.Reader.StartReading(ctx, round)
	logger.Info("new block", "scoop", round.Scoop, "base_target", round.BaseTarget, "seeded_bests", seeded)
}

// target returns the deadline limit for account.
func (m *Miner) target(account uint64) uint64 {
	t := m.opts.TargetDeadline
	if at, ok := m.opts.AccountTargets[account]; ok && at < t {
		t = at
	}
	if st := m.state.TargetDeadline; st > 0 && st < t {
		t = st
	}
	return t
}

func (m *Miner) handleResult(ctx context.Context, nd worker.NonceData) {
	m.mu.Lock()
	s := &m.state
	if nd.Block != s.Block {
		m.mu.Unlock()
		return
	}

	var (
		params  *submit.Params
		cp      *checkpoint.Checkpoint
		rec     *history.RoundRecord
		logger  = logging.RoundLogger(s.correlationID, s.Height, s.Block)
		elapsed time.Duration
		speed   float64
	)

	baseTarget := max(nd.BaseTarget, 1)
	deadline := nd.Deadline / baseTarget
	best, seen := s.Bests[nd.AccountID]
	if nd.Deadline != math.MaxUint64 && (!seen || deadline < best.Deadline) && deadline < m.target(nd.AccountID) {
		s.Bests[nd.AccountID] = checkpoint.Best{Deadline: deadline, Nonce: nd.Nonce}
		s.Submitted++
		params = &submit.Params{
			AccountID:          nd.AccountID,
			Nonce:              nd.Nonce,
			Height:             nd.Height,
			Block:              nd.Block,
			Gensig:             s.Gensig,
			DeadlineUnadjusted: nd.Deadline,
			Deadline:           deadline,
		}
		cp = m.checkpointLocked()
	}

	if nd.ReaderTaskProcessed {
		s.Processed++
		if s.Processed == m.deps.Reader.DriveCount() {
			s.Scanning = false
			s.stopwatch = time.Now()
			elapsed = time.Since(s.roundStart)
			_, total := m.deps.Reader.Progress()
			ms := max(elapsed.Milliseconds(), 1)
			speed = float64(total) * 1000 / 1024 / 1024 / float64(ms)
			rec = m.recordLocked(elapsed, speed)
		}
	}
	m.mu.Unlock()

	if params != nil {
		logger.Debug("deadline found", "account", params.AccountID, "nonce", params.Nonce, "deadline", params.Deadline)
		if mt := metrics.Get(); mt != nil {
			mt.SetBestDeadline(strconv.FormatUint(params.AccountID, 10), params.Deadline)
		}
		m.deps.Submitter.Submit(ctx, *params)
		m.saveCheckpoint(ctx, cp)
	}

	if rec != nil {
		logger.Info("round finished",
			"roundtime_ms", elapsed.Milliseconds(),
			"speed_mib_s", fmt.Sprintf("%.2f", speed),
		)
		if mt := metrics.Get(); mt != nil {
			mt.ObserveRoundFinished(elapsed.Seconds(), speed)
		}
		select {
		case m.records <- *rec:
		default:
			logger.Warn("round history queue full, dropping record")
		}
	}
}

func (m *Miner) checkpointLocked() *checkpoint.Checkpoint {
	if m.deps.Checkpoints == nil {
		return nil
	}
	cp := &checkpoint.Checkpoint{
		Height:    m.state.Height,
		Gensig:    m.state.GensigHex,
		Bests:     make(map[uint64]checkpoint.Best, len(m.state.Bests)),
		UpdatedAt: time.Now().UTC(),
	}
	for k, v := range m.state.Bests {
		cp.Bests[k] = v
	}
	return cp
}

func (m *Miner) saveCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) {
	if cp == nil {
		return
	}
	if err := m.deps.Checkpoints.Save(ctx, cp); err != nil {
		m.logger.Warn("failed to save checkpoint", "error", err, "height", cp.Height)
	}
}

func (m *Miner) recordLocked(elapsed time.Duration, speed float64) *history.RoundRecord {
	s := &m.state
	rec := &history.RoundRecord{
		Height:       s.Height,
		Block:        s.Block,
		Gensig:       s.GensigHex,
		BaseTarget:   s.BaseTarget,
		Scoop:        s.Scoop,
		StartedAt:    s.roundStart.UTC(),
		DurationMs:   elapsed.Milliseconds(),
		Nonces:       m.opts.Nonces,
		SpeedMiBs:    speed,
		BestDeadline: math.MaxUint64,
		Submitted:    s.Submitted,
	}
	for account, best := range s.Bests {
		if best.Deadline < rec.BestDeadline {
			rec.BestAccount = account
			rec.BestNonce = best.Nonce
			rec.BestDeadline = best.Deadline
		}
	}
	return rec
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/obsrvr-poc-miner/internal/buffer"
	"github.com/withObsrvr/obsrvr-poc-miner/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-poc-miner/internal/client"
	"github.com/withObsrvr/obsrvr-poc-miner/internal/config"
	"github.com/withObsrvr/obsrvr-poc-miner/internal/hasher"
	"github.com/withObsrvr/obsrvr-poc-miner/internal/history"
	"github.com/withObsrvr/obsrvr-poc-miner/internal/metrics"
	"github.com/withObsrvr/obsrvr-poc-miner/internal/miner"
	"github.com/withObsrvr/obsrvr-poc-miner/internal/reader"
	"github.com/withObsrvr/obsrvr-poc-miner/internal/submit"
	"github.com/withObsrvr/obsrvr-poc-miner/internal/worker"
)

func millis(v uint64) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// run wires the pipeline: drives feed buffers to the workers, results go
// to the coordinator and accepted deadlines to the submitter.
func run(ctx context.Context, cfg config.Config) error {
	log := slog.With("component", "main")
	log.Info("poc miner starting", "version", Version, "git_sha", GitSHA, "cpu", hasher.CPUDescription())
	client.Version = Version

	m := metrics.Init("poc_miner")
	if cfg.MetricsAddress != "" {
		go func() {
			log.Info("metrics server listening", "address", cfg.MetricsAddress)
			if err := metrics.StartServer(cfg.MetricsAddress, m); err != nil {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	bench := cfg.Benchmark()
	if bench != config.BenchmarkDisabled {
		log.Warn("benchmark mode enabled", "mode", bench)
	}

	drives, err := reader.Discover(cfg.PlotDirs, cfg.HDDUseDirectIO, bench == config.BenchmarkXPU)
	if err != nil {
		return err
	}
	totalNonces := reader.TotalNonces(drives)

	searcher, err := hasher.ByName(cfg.CPUHasher)
	if err != nil {
		return err
	}

	var device worker.Device
	if cfg.AccelWorkerThreadCount > 0 {
		if device, err = worker.NewDevice(cfg.AccelBackend, searcher); err != nil {
			return err
		}
	}

	bufs, err := allocBuffers(cfg, device)
	if err != nil {
		return err
	}
	defer releaseBuffers(bufs)
	pool := buffer.NewPool(bufs...)

	host := make(chan reader.ReadReply, len(bufs))
	var deviceQueue chan reader.ReadReply
	if device != nil {
		// Room for every buffer plus the round start and drive end signals.
		deviceQueue = make(chan reader.ReadReply, len(bufs)+2*len(drives)+2)
	}
	results := make(chan worker.NonceData, len(bufs)+len(drives))

	rd := reader.New(drives, pool, host, deviceQueue, reader.Options{
		Concurrency:    cfg.HDDReaderThreadCount,
		ShowProgress:   cfg.ShowProgress,
		ShowDriveStats: cfg.ShowDriveStats,
	})
	defer rd.Stop()

	queues := func(in <-chan reader.ReadReply) worker.Queues {
		return worker.Queues{In: in, Pool: pool, Out: results}
	}
	skip := bench == config.BenchmarkIO
	var runners []worker.Runner
	for i := 0; i < cfg.CPUWorkerThreadCount; i++ {
		runners = append(runners, &worker.CPU{ID: i, Searcher: searcher, SkipHashing: skip, Pin: cfg.CPUThreadPinning, Queues: queues(host)})
	}
	for i := 0; i < cfg.AccelWorkerThreadCount; i++ {
		if cfg.AccelAsync {
			runners = append(runners, &worker.AsyncAccel{ID: i, Device: device, SkipHashing: skip, Drives: len(drives), Queues: queues(deviceQueue)})
		} else {
			runners = append(runners, &worker.Accel{ID: i, Device: device, SkipHashing: skip, Queues: queues(deviceQueue)})
		}
	}

	cl, err := client.New(cfg.URL, client.Options{
		SecretPhrases:     cfg.AccountIDToSecretPhrase,
		Timeout:           millis(cfg.Timeout),
		TotalSizeGiB:      totalNonces * hasher.NonceSize >> 30,
		SendProxyDetails:  cfg.SendProxyDetails,
		AdditionalHeaders: cfg.AdditionalHeaders,
	})
	if err != nil {
		return err
	}

	sub := submit.New(cl, submit.Options{
		RetryDelay:        millis(cfg.SubmissionRetryDelay),
		MaxRetries:        cfg.SubmissionMaxRetries,
		RequestsPerSecond: cfg.SubmissionRequestsPerSecond,
	})

	cpMgr, err := checkpoint.NewManager(checkpoint.Config{
		Enabled: cfg.CheckpointDir != "",
		Dir:     cfg.CheckpointDir,
	})
	if err != nil {
		log.Warn("failed to create checkpoint manager", "error", err)
		cpMgr = nil
	}

	hist, err := history.New(ctx, history.Config{
		URL:         cfg.HistoryURL,
		Format:      cfg.HistoryFormat,
		Batch:       cfg.HistoryBatch,
		JournalPath: cfg.HistoryJournalPath,
		PostgresDSN: cfg.HistoryPostgresDSN,
	})
	if err != nil {
		return fmt.Errorf("open round history: %w", err)
	}
	defer func() {
		if err := hist.Close(context.Background()); err != nil {
			log.Warn("failed to close round history", "error", err)
		}
	}()

	coordinator := miner.New(miner.Deps{
		Info:        cl,
		Reader:      rd,
		Submitter:   sub,
		Results:     results,
		Checkpoints: cpMgr,
		History:     hist,
	}, miner.OptionsFrom(cfg, totalNonces))

	log.Info("miner ready",
		"drives", len(drives),
		"size", fmt.Sprintf("%.4f TiB", reader.TiB(totalNonces)),
		"buffers", len(bufs),
		"cpu_workers", cfg.CPUWorkerThreadCount,
		"cpu_tier", searcher.Name(),
		"accel_workers", cfg.AccelWorkerThreadCount,
	)

	g, gctx := errgroup.WithContext(ctx)
	workers := worker.Spawn(gctx, runners...)
	g.Go(workers.Wait)
	g.Go(func() error { return sub.Run(gctx) })
	g.Go(func() error { return coordinator.Run(gctx) })

	err = g.Wait()
	if ctx.Err() != nil {
		log.Info("shutdown complete")
		return nil
	}
	return err
}

// allocBuffers creates the host buffers of the CPU workers and the device
// buffers of the accelerator workers.
func allocBuffers(cfg config.Config, device worker.Device) ([]buffer.Buffer, error) {
	cpuCount := buffer.Count(cfg.CPUWorkerThreadCount, 0)
	cpuSize := cfg.CPUNoncesPerCache * hasher.ScoopSize
	var accelCount, accelSize int
	if device != nil {
		accelCount = buffer.Count(0, cfg.AccelWorkerThreadCount)
		accelSize = cfg.AccelNoncesPerCache * hasher.ScoopSize
	}

	if err := buffer.CheckBudget(uint64(cpuCount*cpuSize + accelCount*accelSize)); err != nil {
		return nil, err
	}

	bufs := make([]buffer.Buffer, 0, cpuCount+accelCount)
	for i := 0; i < cpuCount; i++ {
		bufs = append(bufs, buffer.NewHostBuffer(cpuSize))
	}
	for i := 0; i < accelCount; i++ {
		bufs = append(bufs, buffer.NewDeviceBuffer(device.Alloc(accelSize)))
	}
	return bufs, nil
}

func releaseBuffers(bufs []buffer.Buffer) {
	for _, b := range bufs {
		if db, ok := b.(*buffer.DeviceBuffer); ok {
			db.Memory().Release()
		}
	}
}

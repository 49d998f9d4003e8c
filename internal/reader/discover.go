package reader

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/withObsrvr/obsrvr-poc-miner/internal/hasher"
	"github.com/withObsrvr/obsrvr-poc-miner/internal/plot"
)

// ErrNoPlots is returned when no directory holds a valid plot.
var ErrNoPlots = errors.New("no plot files found")

// Drive is the set of plots sharing one physical device. Plots on one drive
// are read sequentially.
type Drive struct {
	ID     string
	Plots  []*plot.Plot
	Nonces uint64
}

// ScoopBytes returns the bytes read from the drive in one round.
func (d *Drive) ScoopBytes() uint64 {
	return d.Nonces * hasher.ScoopSize
}

// TiB converts a nonce count to tebibytes.
func TiB(nonces uint64) float64 {
	return float64(nonces) / 4 / 1024 / 1024
}

// Discover opens every plot below dirs and groups them by drive, newest
// plots first.
func Discover(dirs []string, directIO, dummy bool) ([]*Drive, error) {
	logger := slog.With("component", "reader")
	byID := make(map[string]*Drive)
	var metas []plot.Meta
	var totalNonces uint64
	var totalFiles int

	for _, dir := range dirs {
		info, err := os.Stat(dir)
		if err != nil {
			logger.Warn("plot path does not exist", "path", dir, "error", err)
			continue
		}
		if !info.IsDir() {
			logger.Warn("plot path is not a directory", "path", dir)
			continue
		}

		entries, err := os.ReadDir(dir)
		if err != nil {
			logger.Warn("cannot list plot directory", "path", dir, "error", err)
			continue
		}

		var files int
		var nonces uint64
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			p, err := plot.Open(filepath.Join(dir, entry.Name()), directIO, dummy)
			if err != nil {
				logger.Warn("skipping plot", "path", filepath.Join(dir, entry.Name()), "error", err)
				continue
			}
			d, ok := byID[p.Drive]
			if !ok {
				d = &Drive{ID: p.Drive}
				byID[p.Drive] = d
			}
			d.Plots = append(d.Plots, p)
			d.Nonces += p.Nonces
			metas = append(metas, p.Meta)
			files++
			nonces += p.Nonces
		}

		if files == 0 {
			logger.Warn("no plots in directory", "path", dir)
			continue
		}
		logger.Info("plots loaded",
			"path", dir,
			"files", files,
			"size", fmt.Sprintf("%.4f TiB", TiB(nonces)),
		)
		totalFiles += files
		totalNonces += nonces
	}

	for _, o := range plot.FindOverlaps(metas) {
		logger.Warn("plots overlap",
			"plot", o.A.Name,
			"other", o.B.Name,
			"shared_nonces", o.Shared,
		)
	}

	if len(byID) == 0 {
		return nil, fmt.Errorf("%w in %v", ErrNoPlots, dirs)
	}

	drives := make([]*Drive, 0, len(byID))
	for _, d := range byID {
		sort.SliceStable(d.Plots, func(i, j int) bool {
			return d.Plots[i].ModTime.After(d.Plots[j].ModTime)
		})
		drives = append(drives, d)
	}
	sort.Slice(drives, func(i, j int) bool { return drives[i].ID < drives[j].ID })

	logger.Info("plot files loaded",
		"drives", len(drives),
		"files", totalFiles,
		"size", fmt.Sprintf("%.4f TiB", TiB(totalNonces)),
	)
	return drives, nil
}

// TotalNonces sums the nonces of all drives.
func TotalNonces(drives []*Drive) uint64 {
	var n uint64
	for _, d := range drives {
		n += d.Nonces
	}
	return n
}

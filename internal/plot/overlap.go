package plot

import (
	"sort"
)

// minBlockSize is the smallest block size direct I/O is aligned to.
const minBlockSize = 512

// Device identifies the drive holding a plot.
type Device struct {
	ID string
	// BlockSize is the preferred I/O size of the filesystem (st_blksize).
	// Direct I/O offsets and lengths are rounded to it, which is valid as
	// long as it is a multiple of the logical sector size of the disk.
	BlockSize uint64
}

// Overlap describes two plots of one account covering the same nonces.
type Overlap struct {
	A, B   Meta
	Shared uint64
}

// FindOverlaps returns every pair of plots sharing nonces.
func FindOverlaps(metas []Meta) []Overlap {
	sorted := make([]Meta, len(metas))
	copy(sorted, metas)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].AccountID != sorted[j].AccountID {
			return sorted[i].AccountID < sorted[j].AccountID
		}
		return sorted[i].StartNonce < sorted[j].StartNonce
	})

	var out []Overlap
	for i := 0; i < len(sorted); i++ {
		current := sorted[i]
		for j := i + 1; j < len(sorted); j++ {
			next := sorted[j]
			// Sorted by start, so nothing after next can overlap current either.
			if next.AccountID != current.AccountID || next.StartNonce >= current.EndNonce() {
				break
			}
			out = append(out, Overlap{A: current, B: next, Shared: current.Overlap(next)})
		}
	}
	return out
}

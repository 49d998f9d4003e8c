package hasher

import (
	"fmt"
	"math"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// Searcher finds the best deadline among consecutive 64 byte scoop records.
// Every implementation must return identical results for identical input.
type Searcher interface {
	// Name identifies the implementation tier.
	Name() string
	// FindBestDeadline hashes count records from records against gensig and
	// returns the smallest deadline with its record offset. The first
	// minimum wins on ties. With count == 0 it returns (math.MaxUint64, 0).
	FindBestDeadline(records []byte, count uint64, gensig *[32]byte) (deadline, offset uint64)
}

const (
	TierScalar = "scalar"
	TierWide   = "wide"
)

// Scalar hashes one record at a time.
type Scalar struct{}

// Name implements Searcher.
func (Scalar) Name() string { return TierScalar }

// FindBestDeadline implements Searcher.
func (Scalar) FindBestDeadline(records []byte, count uint64, gensig *[32]byte) (uint64, uint64) {
	count = clampCount(records, count)
	best, bestOffset := uint64(math.MaxUint64), uint64(0)

	var m1, m2 [16]uint32
	loadGensig(&m1, gensig)
	m2[8] = 0x80

	var st state
	for i := uint64(0); i < count; i++ {
		rec := records[i*ScoopSize : (i+1)*ScoopSize]
		for w := 0; w < 8; w++ {
			m1[8+w] = leWord(rec, w)
			m2[w] = leWord(rec, 8+w)
		}
		st.reset()
		st.block(&m1)
		st.final(&m2)
		d := uint64(st.b[8]) | uint64(st.b[9])<<32
		if d < best {
			best, bestOffset = d, i
		}
	}
	return best, bestOffset
}

// FindBestDeadline runs the scalar search.
func FindBestDeadline(records []byte, count uint64, gensig *[32]byte) (uint64, uint64) {
	return Scalar{}.FindBestDeadline(records, count, gensig)
}

// Tiers lists every searcher tier compiled into the binary.
func Tiers() []string {
	return []string{TierScalar, TierWide}
}

// ByName returns the searcher for a tier name. "auto" and "" select by CPU features.
func ByName(name string) (Searcher, error) {
	switch strings.ToLower(name) {
	case "", "auto":
		return Select(), nil
	case TierScalar:
		return Scalar{}, nil
	case TierWide:
		return Wide{}, nil
	default:
		return nil, fmt.Errorf("unknown hasher tier %q", name)
	}
}

// Select picks the fastest tier for the running CPU. It is meant to be called
// once at startup and the result injected into workers.
func Select() Searcher {
	if cpuid.CPU.Supports(cpuid.AVX2) || cpuid.CPU.Supports(cpuid.SSE2) || cpuid.CPU.Supports(cpuid.ASIMD) {
		return Wide{}
	}
	return Scalar{}
}

// CPUDescription reports the detected CPU for startup logs.
func CPUDescription() string {
	return fmt.Sprintf("%s (%d cores, %d threads)", cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores)
}

func clampCount(records []byte, count uint64) uint64 {
	if n := uint64(len(records) / ScoopSize); count > n {
		return n
	}
	return count
}

func loadGensig(m *[16]uint32, gensig *[32]byte) {
	for w := 0; w < 8; w++ {
		m[w] = leWord(gensig[:], w)
	}
}

func leWord(p []byte, w int) uint32 {
	i := w * 4
	return uint32(p[i]) | uint32(p[i+1])<<8 | uint32(p[i+2])<<16 | uint32(p[i+3])<<24
}

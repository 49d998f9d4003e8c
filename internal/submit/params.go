// Package submit sends the best deadlines to the pool with prioritized
// retries.
package submit

// Params is one candidate submission.
type Params struct {
	AccountID          uint64
	Nonce              uint64
	Height             uint64
	Block              uint64
	Gensig             [32]byte
	DeadlineUnadjusted uint64
	Deadline           uint64
}

// Rank orders candidates for PrioRetry. A higher block always wins. Within
// a block on the same chain the lower deadline wins. A candidate for another
// chain at the same block never replaces the held one, and ties keep the
// held candidate. Identical candidates rank 0.
func Rank(held, next Params) int {
	switch {
	case next == held:
		return 0
	case next.Block != held.Block:
		if next.Block > held.Block {
			return 1
		}
		return -1
	case next.Gensig != held.Gensig:
		return -1
	case next.Deadline < held.Deadline:
		return 1
	default:
		return -1
	}
}

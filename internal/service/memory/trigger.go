package memory

import (
	"github.com/engramlabs/engram/internal/config"
	"github.com/engramlabs/engram/internal/core"
)

// Policy decides when the active window has grown too large and which
// prefix of it to fold away. Both checks are pure functions of the
// turn slice they are given.
type Policy struct {
	WordHighWater   int
	WordConsolidate int
}

func NewPolicy(cfg *config.MemoryConfig) Policy {
	return Policy{
		WordHighWater:   cfg.WordHighWater,
		WordConsolidate: cfg.WordConsolidate,
	}
}

func countable(t core.Turn) bool {
	return !t.Hidden && !t.Ephemeral
}

// ShouldConsolidate reports whether the visible conversation exceeds
// the high-water mark.
func (p Policy) ShouldConsolidate(active []core.Turn) bool {
	total := 0
	for _, t := range active {
		if countable(t) {
			total += t.WordCount
		}
	}
	return total > p.WordHighWater
}

// SelectWindow walks the active turns oldest first, accumulating word
// counts a request/response pair at a time, and cuts the window at the
// first pair boundary where the running total reaches the
// consolidation threshold. If the log runs out before the threshold is
// met, the window is everything available; the walk never reads past
// the end of the slice.
func (p Policy) SelectWindow(active []core.Turn) ([]core.Turn, int64) {
	eligible := make([]core.Turn, 0, len(active))
	for _, t := range active {
		if countable(t) {
			eligible = append(eligible, t)
		}
	}
	if len(eligible) == 0 {
		return nil, 0
	}

	total := 0
	end := 0
	for end < len(eligible) {
		total += eligible[end].WordCount
		end++
		// Take the paired response along when there is one.
		if end < len(eligible) {
			total += eligible[end].WordCount
			end++
		}
		if total >= p.WordConsolidate {
			break
		}
	}

	window := eligible[:end]
	return window, window[0].ID
}

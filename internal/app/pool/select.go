package pool

import (
	"strings"
	"unicode"

	"github.com/osa030/voxlink/internal/infra/backend"
)

type candidate interface {
	Region() string
	State() backend.State
}

// selectBest picks the connected item with the lowest score. Ties keep the earlier item.
func selectBest[T candidate](items []T, region string, score func(T) float64) (T, bool) {
	var zero T

	connected := make([]T, 0, len(items))
	for _, it := range items {
		if it.State() == backend.StateConnected {
			connected = append(connected, it)
		}
	}
	if len(connected) == 0 {
		return zero, false
	}

	candidates := connected
	if region != "" {
		regional := make([]T, 0, len(connected))
		for _, it := range connected {
			if regionMatches(it.Region(), region) {
				regional = append(regional, it)
			}
		}
		if len(regional) > 0 {
			candidates = regional
		}
	}

	best := candidates[0]
	bestScore := score(best)
	for _, it := range candidates[1:] {
		if s := score(it); s < bestScore {
			best, bestScore = it, s
		}
	}
	return best, true
}

// regionMatches compares regions ignoring case and separators; either may contain the other.
func regionMatches(nodeRegion, hint string) bool {
	a, b := normalizeRegion(nodeRegion), normalizeRegion(hint)
	if a == "" || b == "" {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}

func normalizeRegion(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

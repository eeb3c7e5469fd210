package discovery

import "time"

// maxPendingProgress keeps the bar short of full until a probe actually succeeds.
const maxPendingProgress = 0.99

// progressAt maps elapsed time onto [0, maxPendingProgress].
func progressAt(elapsed, budget time.Duration) float64 {
	if budget <= 0 || elapsed <= 0 {
		return 0
	}
	fraction := float64(elapsed) / float64(budget)
	if fraction > maxPendingProgress {
		return maxPendingProgress
	}
	return fraction
}

// stageMessage returns the human-readable line shown while discovering.
func stageMessage(fraction float64) string {
	switch {
	case fraction < 0.1:
		return "Starting backend..."
	case fraction < 0.25:
		return "Connecting to backend..."
	case fraction < 0.5:
		return "Backend is still starting, the first launch can take a while..."
	default:
		return "Backend is taking longer than usual..."
	}
}

const readyMessage = "Backend ready"

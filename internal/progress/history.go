package progress

import "time"

// maxHistorySamples bounds the per-(repository, stage) duration ring buffer.
const maxHistorySamples = 10

type historyKey struct {
	repository string
	stage      Stage
}

// history holds recent wall-clock stage durations used for ETA estimation.
// Oldest samples are evicted first once a key reaches maxHistorySamples.
type history map[historyKey][]time.Duration

func (h history) record(repository string, stage Stage, d time.Duration) {
	key := historyKey{repository: repository, stage: stage}
	samples := append(h[key], d)
	if len(samples) > maxHistorySamples {
		samples = samples[len(samples)-maxHistorySamples:]
	}
	h[key] = samples
}

// average returns the mean recorded duration for (repository, stage) and
// whether any samples exist.
func (h history) average(repository string, stage Stage) (time.Duration, bool) {
	samples := h[historyKey{repository: repository, stage: stage}]
	if len(samples) == 0 {
		return 0, false
	}
	var total time.Duration
	for _, d := range samples {
		total += d
	}
	return total / time.Duration(len(samples)), true
}

// estimateRemaining sums the historical averages of every stage strictly
// after current, plus half the average of the current stage. The second
// return is false when no sample informs the estimate at all.
func (h history) estimateRemaining(repository string, current Stage) (time.Duration, bool) {
	if current.IsTerminal() {
		return 0, true
	}
	idx := stageIndex(current)
	if idx < 0 {
		return 0, false
	}
	var total time.Duration
	known := false
	if avg, ok := h.average(repository, current); ok {
		total += avg / 2
		known = true
	}
	for _, stage := range stageOrder[idx+1:] {
		if avg, ok := h.average(repository, stage); ok {
			total += avg
			known = true
		}
	}
	return total, known
}

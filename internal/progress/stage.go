package progress

// Stage is one step in the fixed run lifecycle. The terminal trio is
// reachable from any non-terminal stage.
type Stage string

const (
	StageQueued          Stage = "QUEUED"
	StageInitializing    Stage = "INITIALIZING"
	StageLoadingContext  Stage = "LOADING_CONTEXT"
	StageProcessing      Stage = "PROCESSING"
	StageParsingResponse Stage = "PARSING_RESPONSE"
	StageSavingResults   Stage = "SAVING_RESULTS"
	StageCompleted       Stage = "COMPLETED"
	StageFailed          Stage = "FAILED"
	StageCancelled       Stage = "CANCELLED"
)

// stageOrder lists the non-terminal stages in lifecycle order.
var stageOrder = []Stage{
	StageQueued,
	StageInitializing,
	StageLoadingContext,
	StageProcessing,
	StageParsingResponse,
	StageSavingResults,
}

// stageWeights sums to 100 across non-terminal stages. PROCESSING dominates
// because nearly all wall-clock time is spent waiting on the external agent.
var stageWeights = map[Stage]int{
	StageQueued:          2,
	StageInitializing:    5,
	StageLoadingContext:  8,
	StageProcessing:      70,
	StageParsingResponse: 10,
	StageSavingResults:   5,
}

func (s Stage) IsTerminal() bool {
	switch s {
	case StageCompleted, StageFailed, StageCancelled:
		return true
	}
	return false
}

func (s Stage) Valid() bool {
	if s.IsTerminal() {
		return true
	}
	_, ok := stageWeights[s]
	return ok
}

// stageIndex returns the position of a non-terminal stage in the lifecycle
// order, or -1.
func stageIndex(s Stage) int {
	for i, stage := range stageOrder {
		if stage == s {
			return i
		}
	}
	return -1
}

// percentageFor maps a stage to a percentage: the summed weights of every
// stage already passed, plus half of PROCESSING's own weight while inside it.
// The half-weight is a fixed approximation, deliberately not interpolated
// against elapsed time. Terminal stages are always 100.
func percentageFor(s Stage) int {
	if s.IsTerminal() {
		return 100
	}
	idx := stageIndex(s)
	if idx < 0 {
		return 0
	}
	pct := 0
	for _, stage := range stageOrder[:idx] {
		pct += stageWeights[stage]
	}
	if s == StageProcessing {
		pct += stageWeights[StageProcessing] / 2
	}
	return pct
}

package progress

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/flitsinc/agent-broker/internal/eventbus"
	"github.com/flitsinc/agent-broker/internal/idgen"
	"github.com/flitsinc/agent-broker/internal/state"
)

// batchRetention is how long a fully terminal batch lingers before the
// cleanup sweep deletes it.
const batchRetention = time.Hour

type BatchNotFoundError struct {
	BatchID string
}

func (e *BatchNotFoundError) Error() string {
	return fmt.Sprintf("batch %s not found", e.BatchID)
}

// Run is one tracked unit of work moving through the stage lifecycle.
type Run struct {
	RunID            string    `json:"runId"`
	Repository       string    `json:"repository"`
	Stage            Stage     `json:"stage"`
	Percentage       int       `json:"percentage"`
	StartTime        time.Time `json:"startTime"`
	StageStartTime   time.Time `json:"stageStartTime"`
	CurrentOperation string    `json:"currentOperation,omitempty"`
	Error            string    `json:"error,omitempty"`
}

// Batch groups runs for aggregate progress reporting.
type Batch struct {
	BatchID         string          `json:"batchId"`
	TotalOperations int             `json:"totalOperations"`
	Runs            map[string]*Run `json:"runs"`
	StartTime       time.Time       `json:"startTime"`
}

// Tracker drives runs and batches through the stage state machine, records
// per-stage wall-clock durations for ETA estimation, and emits progress
// events. Update paths never fail: an unregistered run degrades to
// individual-only tracking.
type Tracker struct {
	bus   *eventbus.Bus
	store *state.Store
	log   *logrus.Entry

	mu         sync.Mutex
	batches    map[string]*Batch
	standalone map[string]*Run
	runToBatch map[string]string
	durations  history

	nowFn func() time.Time
}

type Option func(*Tracker)

func WithClock(nowFn func() time.Time) Option {
	return func(t *Tracker) {
		if nowFn != nil {
			t.nowFn = nowFn
		}
	}
}

func WithLogger(logger *logrus.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.log = logger.WithField("component", "progress")
		}
	}
}

// WithStore persists stage duration samples and reloads them on
// construction, so ETA estimates survive restarts.
func WithStore(store *state.Store) Option {
	return func(t *Tracker) {
		t.store = store
	}
}

func NewTracker(bus *eventbus.Bus, opts ...Option) *Tracker {
	t := &Tracker{
		bus:        bus,
		log:        logrus.StandardLogger().WithField("component", "progress"),
		batches:    map[string]*Batch{},
		standalone: map[string]*Run{},
		runToBatch: map[string]string{},
		durations:  history{},
		nowFn:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	if t.store != nil {
		t.loadHistory()
	}
	return t
}

func (t *Tracker) now() time.Time {
	return t.nowFn().UTC()
}

func (t *Tracker) loadHistory() {
	samples, err := t.store.RecentStageSamples(context.Background(), maxHistorySamples)
	if err != nil {
		t.log.WithError(err).Warn("load stage duration history failed")
		return
	}
	for _, sample := range samples {
		t.durations.record(sample.Repository, Stage(sample.Stage), sample.Duration)
	}
}

// CreateBatch registers a new batch expecting totalOperations runs and
// returns its id.
func (t *Tracker) CreateBatch(totalOperations int) string {
	batch := &Batch{
		BatchID:         idgen.BatchID(),
		TotalOperations: totalOperations,
		Runs:            map[string]*Run{},
		StartTime:       t.now(),
	}
	t.mu.Lock()
	t.batches[batch.BatchID] = batch
	t.mu.Unlock()
	return batch.BatchID
}

// AddRunToBatch registers a run under an existing batch. An unknown batch id
// is a caller error.
func (t *Tracker) AddRunToBatch(batchID, runID, repository string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	batch, ok := t.batches[batchID]
	if !ok {
		return &BatchNotFoundError{BatchID: batchID}
	}
	now := t.now()
	batch.Runs[runID] = &Run{
		RunID:          runID,
		Repository:     repository,
		Stage:          StageQueued,
		Percentage:     percentageFor(StageQueued),
		StartTime:      now,
		StageStartTime: now,
	}
	t.runToBatch[runID] = batchID
	return nil
}

// UpdateRunProgress moves a run to stage, recording the exited stage's
// duration into history on transitions. Runs unknown to any batch are
// tracked standalone and emit only individual events. Never returns an
// error: update paths degrade rather than fail.
func (t *Tracker) UpdateRunProgress(ctx context.Context, runID string, stage Stage, currentOperation string) {
	if !stage.Valid() {
		t.log.WithFields(logrus.Fields{"run_id": runID, "stage": stage}).Warn("ignoring unknown stage")
		return
	}

	t.mu.Lock()
	run, batchID := t.findRunLocked(runID)
	if run == nil {
		now := t.now()
		run = &Run{
			RunID:          runID,
			Stage:          stage,
			Percentage:     percentageFor(stage),
			StartTime:      now,
			StageStartTime: now,
		}
		t.standalone[runID] = run
	}
	t.applyStageLocked(ctx, run, stage, currentOperation, "")
	runCopy := *run
	eta, etaKnown := t.durations.estimateRemaining(run.Repository, run.Stage)
	var batchEvent map[string]any
	if batchID != "" {
		if batch, ok := t.batches[batchID]; ok {
			batchEvent = t.batchPayloadLocked(batch)
		}
	}
	t.mu.Unlock()

	t.emitRun(ctx, runCopy, eta, etaKnown)
	if batchEvent != nil {
		t.emitBatch(ctx, batchEvent)
	}
}

// MarkRunFailed forces a run to FAILED with the given error text.
func (t *Tracker) MarkRunFailed(ctx context.Context, runID string, errText string) {
	t.mu.Lock()
	run, batchID := t.findRunLocked(runID)
	if run == nil {
		now := t.now()
		run = &Run{RunID: runID, StartTime: now, StageStartTime: now}
		t.standalone[runID] = run
	}
	t.applyStageLocked(ctx, run, StageFailed, "", errText)
	runCopy := *run
	var batchEvent map[string]any
	if batchID != "" {
		if batch, ok := t.batches[batchID]; ok {
			batchEvent = t.batchPayloadLocked(batch)
		}
	}
	t.mu.Unlock()

	t.emitRun(ctx, runCopy, 0, true)
	if batchEvent != nil {
		t.emitBatch(ctx, batchEvent)
	}
}

// EstimateTimeRemaining reports the run's historical ETA. The second return
// is false when the estimate is unknown: an unregistered run, or no
// historical samples for the repository yet.
func (t *Tracker) EstimateTimeRemaining(runID string) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	run, _ := t.findRunLocked(runID)
	if run == nil {
		return 0, false
	}
	return t.durations.estimateRemaining(run.Repository, run.Stage)
}

// Snapshot returns a copy of the named batch, or nil.
func (t *Tracker) Snapshot(batchID string) *Batch {
	t.mu.Lock()
	defer t.mu.Unlock()

	batch, ok := t.batches[batchID]
	if !ok {
		return nil
	}
	out := &Batch{
		BatchID:         batch.BatchID,
		TotalOperations: batch.TotalOperations,
		Runs:            make(map[string]*Run, len(batch.Runs)),
		StartTime:       batch.StartTime,
	}
	for id, run := range batch.Runs {
		runCopy := *run
		out.Runs[id] = &runCopy
	}
	return out
}

// CleanupCompletedBatches deletes batches whose every run is terminal and
// whose start time is at least an hour old, plus standalone runs matching
// the same criteria.
func (t *Tracker) CleanupCompletedBatches() int {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, batch := range t.batches {
		if now.Sub(batch.StartTime) < batchRetention {
			continue
		}
		allTerminal := true
		for _, run := range batch.Runs {
			if !run.Stage.IsTerminal() {
				allTerminal = false
				break
			}
		}
		if !allTerminal {
			continue
		}
		for runID := range batch.Runs {
			delete(t.runToBatch, runID)
		}
		delete(t.batches, id)
		removed++
	}
	for id, run := range t.standalone {
		if run.Stage.IsTerminal() && now.Sub(run.StartTime) >= batchRetention {
			delete(t.standalone, id)
		}
	}
	return removed
}

// Run owns the periodic batch cleanup timer. Returns when ctx is cancelled.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.CleanupCompletedBatches()
		}
	}
}

func (t *Tracker) findRunLocked(runID string) (*Run, string) {
	if batchID, ok := t.runToBatch[runID]; ok {
		if batch, ok := t.batches[batchID]; ok {
			if run, ok := batch.Runs[runID]; ok {
				return run, batchID
			}
		}
	}
	if run, ok := t.standalone[runID]; ok {
		return run, ""
	}
	return nil, ""
}

// applyStageLocked transitions a run and records the exited stage's
// wall-clock duration. Percentage never decreases, and terminal stages force
// it to 100. Callers hold mu.
func (t *Tracker) applyStageLocked(ctx context.Context, run *Run, stage Stage, currentOperation, errText string) {
	now := t.now()
	if stage != run.Stage && run.Stage != "" && !run.Stage.IsTerminal() {
		elapsed := now.Sub(run.StageStartTime)
		t.durations.record(run.Repository, run.Stage, elapsed)
		t.persistSample(ctx, run.Repository, run.Stage, elapsed)
		run.StageStartTime = now
	}
	run.Stage = stage
	if pct := percentageFor(stage); pct > run.Percentage {
		run.Percentage = pct
	}
	if currentOperation != "" {
		run.CurrentOperation = currentOperation
	}
	if errText != "" {
		run.Error = errText
	}
}

func (t *Tracker) persistSample(ctx context.Context, repository string, stage Stage, d time.Duration) {
	if t.store == nil {
		return
	}
	if err := t.store.AppendStageSample(ctx, repository, string(stage), d, maxHistorySamples); err != nil {
		t.log.WithFields(logrus.Fields{"repository": repository, "stage": stage}).WithError(err).Warn("persist stage sample failed")
	}
}

// batchPayloadLocked computes the aggregate event payload. Overall
// percentage is the unweighted mean of per-run percentages. A batch is
// complete exactly when every expected operation has reached a terminal
// stage. Callers hold mu.
func (t *Tracker) batchPayloadLocked(batch *Batch) map[string]any {
	completed, failed := 0, 0
	pctSum := 0
	var runs []map[string]any
	var maxETA time.Duration
	etaKnown := false

	runIDs := make([]string, 0, len(batch.Runs))
	for id := range batch.Runs {
		runIDs = append(runIDs, id)
	}
	sort.Strings(runIDs)

	for _, id := range runIDs {
		run := batch.Runs[id]
		pctSum += run.Percentage
		switch {
		case run.Stage == StageFailed:
			failed++
		case run.Stage.IsTerminal():
			completed++
		}
		entry := map[string]any{
			"runId":      run.RunID,
			"repository": run.Repository,
			"stage":      string(run.Stage),
			"percentage": run.Percentage,
		}
		if run.CurrentOperation != "" {
			entry["currentOperation"] = run.CurrentOperation
		}
		if run.Error != "" {
			entry["error"] = run.Error
		}
		runs = append(runs, entry)
		if eta, ok := t.durations.estimateRemaining(run.Repository, run.Stage); ok {
			etaKnown = true
			if eta > maxETA {
				maxETA = eta
			}
		}
	}

	overall := 0
	if len(batch.Runs) > 0 {
		overall = pctSum / len(batch.Runs)
	}
	payload := map[string]any{
		"batchId":             batch.BatchID,
		"totalOperations":     batch.TotalOperations,
		"completedOperations": completed,
		"failedOperations":    failed,
		"overallPercentage":   overall,
		"runProgress":         runs,
		"startTime":           batch.StartTime.Format(time.RFC3339Nano),
		"isComplete":          completed+failed == batch.TotalOperations,
	}
	if etaKnown {
		payload["estimatedTimeRemaining"] = maxETA.Milliseconds()
	}
	return payload
}

func (t *Tracker) emitRun(ctx context.Context, run Run, eta time.Duration, etaKnown bool) {
	if t.bus == nil {
		return
	}
	payload := map[string]any{
		"runId":      run.RunID,
		"repository": run.Repository,
		"stage":      string(run.Stage),
		"percentage": run.Percentage,
		"isComplete": run.Stage.IsTerminal(),
		"timestamp":  t.now().Format(time.RFC3339Nano),
	}
	if run.CurrentOperation != "" {
		payload["currentOperation"] = run.CurrentOperation
	}
	if run.Error != "" {
		payload["error"] = run.Error
	}
	if etaKnown {
		payload["estimatedTimeRemaining"] = eta.Milliseconds()
	}
	_, err := t.bus.Publish(ctx, eventbus.EventInput{
		Stream:  eventbus.StreamRunProgress,
		Subject: run.RunID,
		Body:    string(run.Stage),
		Payload: payload,
	})
	if err != nil {
		t.log.WithFields(logrus.Fields{"run_id": run.RunID}).WithError(err).Warn("publish run progress failed")
	}
}

func (t *Tracker) emitBatch(ctx context.Context, payload map[string]any) {
	if t.bus == nil {
		return
	}
	batchID, _ := payload["batchId"].(string)
	_, err := t.bus.Publish(ctx, eventbus.EventInput{
		Stream:  eventbus.StreamBatchProgress,
		Subject: batchID,
		Body:    "batch progress",
		Payload: payload,
	})
	if err != nil {
		t.log.WithFields(logrus.Fields{"batch_id": batchID}).WithError(err).Warn("publish batch progress failed")
	}
}

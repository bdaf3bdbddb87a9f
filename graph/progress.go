package graph

// ProgressState is the outcome of one scheduling pass of a processing unit,
// or the aggregate of many passes.
type ProgressState struct {
	// MadeProgress reports whether any input was consumed or any output
	// produced during the pass.
	MadeProgress bool

	// Done reports that no more input will ever arrive and nothing remains
	// buffered.
	Done bool
}

// Predefined progress states.
var (
	NoProgress   = ProgressState{}
	MadeProgress = ProgressState{MadeProgress: true}
	Done         = ProgressState{MadeProgress: true, Done: true}
)

// And merges two states: progress is OR-ed, done is AND-ed.
func (s ProgressState) And(other ProgressState) ProgressState {
	return ProgressState{
		MadeProgress: s.MadeProgress || other.MadeProgress,
		Done:         s.Done && other.Done,
	}
}

// Stalled reports whether the state describes a pass with no progress by a
// unit that is not done.
func (s ProgressState) Stalled() bool {
	return !s.MadeProgress && !s.Done
}

// String renders the state for logs and metric labels.
func (s ProgressState) String() string {
	switch {
	case s.Done:
		return "done"
	case s.MadeProgress:
		return "progress"
	default:
		return "no_progress"
	}
}

// ProgressTracker records whether a unit made forward progress during one
// pass. It is also used to aggregate the states of many units: after Reset
// it is neutral for merging (no progress, done).
//
// A tracker is owned by one goroutine at a time and is not synchronized.
type ProgressTracker struct {
	progress bool
	done     bool
}

// NewProgressTracker returns a reset tracker.
func NewProgressTracker() *ProgressTracker {
	t := &ProgressTracker{}
	t.Reset()
	return t
}

// Reset prepares the tracker for a new pass.
func (t *ProgressTracker) Reset() {
	t.progress = false
	t.done = true
}

// MadeProgress records that input was consumed or output produced.
func (t *ProgressTracker) MadeProgress() {
	t.progress = true
}

// NotDone records that the unit still has work or may receive more input.
func (t *ProgressTracker) NotDone() {
	t.done = false
}

// Update records both flags at once; progress and done are only ever raised
// and lowered respectively.
func (t *ProgressTracker) Update(state ProgressState) {
	if state.MadeProgress {
		t.progress = true
	}
	if !state.Done {
		t.done = false
	}
}

// MergeWith folds another unit's state into the aggregate.
func (t *ProgressTracker) MergeWith(state ProgressState) {
	t.progress = t.progress || state.MadeProgress
	t.done = t.done && state.Done
}

// IsMadeProgress reports whether progress was recorded since the last Reset.
func (t *ProgressTracker) IsMadeProgress() bool {
	return t.progress
}

// IsDone reports whether the tracked work is finished.
func (t *ProgressTracker) IsDone() bool {
	return t.done
}

// State returns the tracked flags as a value.
func (t *ProgressTracker) State() ProgressState {
	return ProgressState{MadeProgress: t.progress, Done: t.done}
}

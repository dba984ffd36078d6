package poller

import "fmt"

// State is a stage of a single job run.
type State int

const (
	StateIdle State = iota
	StateSubmitting
	StatePolling
	StateSucceeded
	StateFailed
	StateTimedOut
)

var stateNames = [...]string{"idle", "submitting", "polling", "succeeded", "failed", "timed_out"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateTimedOut
}

// canTransition encodes Idle -> Submitting -> Polling -> Succeeded | Failed | TimedOut.
// Submitting may also fail directly.
func canTransition(from, to State) bool {
	switch from {
	case StateIdle:
		return to == StateSubmitting
	case StateSubmitting:
		return to == StatePolling || to == StateFailed
	case StatePolling:
		return to == StateSucceeded || to == StateFailed || to == StateTimedOut
	}
	return false
}

// Stages are the labels of the six-step progress display.
var Stages = [...]string{
	"Extracting Text",
	"Analyzing Content",
	"Generating Overview",
	"Finding Key Data",
	"Selecting Quotes",
	"Finalizing Entry",
}

// StepFor maps a progress percentage onto a stage index.
func StepFor(progress int) int {
	if progress < 0 {
		return 0
	}
	return min(len(Stages)-1, progress/17)
}

// Observer receives state changes and progress of a run. Callbacks are invoked from
// the goroutine executing the run and must not block.
type Observer interface {
	OnState(from, to State)
	OnProgress(step, progress int)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	State    func(from, to State)
	Progress func(step, progress int)
}

func (o ObserverFuncs) OnState(from, to State) {
	if o.State != nil {
		o.State(from, to)
	}
}

func (o ObserverFuncs) OnProgress(step, progress int) {
	if o.Progress != nil {
		o.Progress(step, progress)
	}
}

// tracker owns the state of one run.
type tracker struct {
	state    State
	step     int
	progress int
	obs      Observer
}

func newTracker(obs Observer) *tracker {
	if obs == nil {
		obs = ObserverFuncs{}
	}
	return &tracker{state: StateIdle, obs: obs}
}

func (t *tracker) transition(to State) error {
	if !canTransition(t.state, to) {
		return fmt.Errorf("invalid transition %s -> %s", t.state, to)
	}
	from := t.state
	t.state = to
	t.obs.OnState(from, to)
	return nil
}

// report publishes progress. Neither the step nor the percentage moves backwards.
func (t *tracker) report(progress int) {
	progress = max(0, min(100, progress))
	if progress < t.progress {
		progress = t.progress
	}
	step := max(t.step, StepFor(progress))
	t.progress, t.step = progress, step
	t.obs.OnProgress(step, progress)
}

package reconcile

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Action is one pending change computed by Plan. Run performs the change
// and reports how the real state compared to the target.
type Action struct {
	Component string // owning reconciler, e.g. "boot", "kmod", "tunnel", "guest"
	Name      string // human-readable description of the change
	Run       func(ctx context.Context) (Outcome, string, error)
}

// Delta is the ordered set of actions needed to move the observed system to
// the target. Order matters: later actions may depend on earlier ones being
// durable, so actions are always applied sequentially.
type Delta struct {
	Actions []Action
}

// Empty reports whether no action is pending.
func (d Delta) Empty() bool {
	return len(d.Actions) == 0
}

// Result records the outcome of one applied action.
type Result struct {
	Component string `json:"component"`
	Action    string `json:"action"`
	Outcome   string `json:"outcome"`
	Detail    string `json:"detail,omitempty"`
	Err       string `json:"error,omitempty"`
}

// Report aggregates the results of one Apply pass.
type Report struct {
	Results []Result `json:"results"`
}

// Conflicts returns the subset of results that require human resolution.
func (r Report) Conflicts() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Outcome == Conflict.String() {
			out = append(out, res)
		}
	}
	return out
}

// Unapplied counts actions whose target is still unmet after the run.
func (r Report) Unapplied() int {
	n := 0
	for _, res := range r.Results {
		if res.Err != "" {
			n++
			continue
		}
		switch res.Outcome {
		case Changed.String(), Unchanged.String():
		default:
			n++
		}
	}
	return n
}

// Recorder persists apply results; implementations must tolerate being nil.
type Recorder interface {
	RecordRun(ctx context.Context, results []Result) error
}

// Apply runs every action in the delta in order. Each action's outcome is
// collected; only an ErrFatal error halts the run early. Conflict outcomes
// are never fatal and are left for the caller to surface.
func Apply(ctx context.Context, delta Delta, rec Recorder, log *zap.SugaredLogger) (Report, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	var report Report
	var fatal error
	for _, action := range delta.Actions {
		outcome, detail, err := action.Run(ctx)
		res := Result{
			Component: action.Component,
			Action:    action.Name,
			Outcome:   outcome.String(),
			Detail:    detail,
		}
		if err != nil {
			res.Err = err.Error()
			log.Warnw("action failed", "component", action.Component, "action", action.Name, "error", err)
			if errors.Is(err, ErrFatal) {
				report.Results = append(report.Results, res)
				fatal = fmt.Errorf("%s: %s: %w", action.Component, action.Name, err)
				break
			}
		} else {
			log.Infow("action applied", "component", action.Component, "action", action.Name, "outcome", outcome.String())
		}
		report.Results = append(report.Results, res)
	}
	if rec != nil {
		if err := rec.RecordRun(ctx, report.Results); err != nil {
			log.Warnw("failed to record run", "error", err)
		}
	}
	return report, fatal
}

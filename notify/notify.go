// Package notify implements the status sync contract between the pipeline
// and remote observers: a push hub with per-audience ordered delivery, a
// monotone progress guard, and a polling fallback that stops on terminal
// states.
//
// Two rules govern consumption:
//
//   - status transitions are applied by state value, never by arrival order
//     (a terminal event is authoritative even if an older non-terminal push
//     arrives after it);
//   - progress is monotonically non-decreasing for the lifetime of a job and
//     never exceeds 100 before the terminal event.
//
// The Hub is the in-process push channel; transports (HTTP long-poll,
// websockets, webhooks) drain a Subscription. Delivery is fire-and-forget:
// a slow subscriber loses oldest events, never blocks the pipeline.
package notify

import "time"

// Event kinds.
const (
	KindBuildStage = "build_stage" // build job stage or progress change
	KindAppStatus  = "app_status"  // app lifecycle transition
)

// AudienceOperators is the reserved audience for review-relevant events.
// Owner audiences are plain owner IDs.
const AudienceOperators = "operators"

// Event is one observable state change.
type Event struct {
	Kind     string    `json:"kind"`
	OwnerID  string    `json:"owner_id"`
	AppID    string    `json:"app_id,omitempty"`
	JobID    string    `json:"job_id,omitempty"`
	State    string    `json:"state"`
	Progress int       `json:"progress,omitempty"`
	Message  string    `json:"message,omitempty"`
	At       time.Time `json:"at"`
}

// Notifier is the narrow fire-and-forget push interface the pipeline calls.
// audience is an owner ID or AudienceOperators.
type Notifier interface {
	Notify(audience string, ev Event)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(audience string, ev Event)

func (f NotifierFunc) Notify(audience string, ev Event) { f(audience, ev) }

// Discard is a Notifier that drops every event. Useful as a default.
var Discard Notifier = NotifierFunc(func(string, Event) {})

// stageRank orders build job states so consumers can apply events by state
// value. Terminal states rank above everything.
var stageRank = map[string]int{
	"queued":    0,
	"building":  1,
	"signing":   2,
	"uploading": 3,
	"completed": 4,
	"failed":    4,
}

// TerminalState reports whether state is terminal for a build job.
func TerminalState(state string) bool {
	return state == "completed" || state == "failed"
}

// View is a consumer's materialized picture of one job.
type View struct {
	State    string
	Progress int
}

// Apply folds ev into the view following the consumption rules: a
// lower-ranked (older) state never overwrites a newer one, a terminal state
// is final, and progress never decreases. Returns true if the view changed.
func (v *View) Apply(ev Event) bool {
	changed := false
	if TerminalState(v.State) && !TerminalState(ev.State) {
		return false
	}
	if stageRank[ev.State] >= stageRank[v.State] && ev.State != v.State {
		v.State = ev.State
		changed = true
	}
	if p := ev.Progress; p > v.Progress {
		if p > 100 {
			p = 100
		}
		v.Progress = p
		changed = true
	}
	return changed
}

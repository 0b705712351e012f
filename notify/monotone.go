package notify

import "sync"

// Monotone wraps a Notifier and enforces the progress contract per job:
// reported progress never decreases (regressions are clamped to the last
// known real value) and never exceeds 100 before the terminal event.
// Per-job state is released once a terminal event passes through.
type Monotone struct {
	next Notifier

	mu  sync.Mutex
	max map[string]int // job ID -> highest progress seen
}

// NewMonotone wraps next with the monotone progress guard.
func NewMonotone(next Notifier) *Monotone {
	return &Monotone{next: next, max: make(map[string]int)}
}

// Notify clamps ev.Progress and forwards it.
func (m *Monotone) Notify(audience string, ev Event) {
	if ev.Kind == KindBuildStage && ev.JobID != "" {
		m.mu.Lock()
		high := m.max[ev.JobID]
		p := ev.Progress
		if p < high {
			p = high
		}
		if p > 100 {
			p = 100
		}
		if !TerminalState(ev.State) && p == 100 {
			p = 99
		}
		if TerminalState(ev.State) {
			if ev.State == "completed" {
				p = 100
			}
			delete(m.max, ev.JobID)
		} else {
			m.max[ev.JobID] = p
		}
		ev.Progress = p
		m.mu.Unlock()
	}
	m.next.Notify(audience, ev)
}

package notify

import (
	"context"
	"time"
)

// FetchFunc reads the authoritative state of one entity. It must be a pure
// read: re-fetching a terminal record returns the same record with no side
// effects.
type FetchFunc func(ctx context.Context) (Event, error)

// PollerOptions tunes the polling fallback.
type PollerOptions struct {
	// Interval is the polling frequency. Default: 2s.
	Interval time.Duration
	// MaxInterval bounds backoff growth. Default: Interval (no backoff).
	MaxInterval time.Duration
}

func (o *PollerOptions) defaults() {
	if o.Interval <= 0 {
		o.Interval = 2 * time.Second
	}
	if o.MaxInterval < o.Interval {
		o.MaxInterval = o.Interval
	}
}

// Poll fetches state at a bounded interval, folding each result into a View
// and invoking onChange when the view advances. It returns the final view
// when a terminal state is observed, or the context error on cancellation.
// Polling is resumable: calling Poll again on a terminal entity fetches
// once, observes the terminal state, and returns immediately.
func Poll(ctx context.Context, fetch FetchFunc, opts PollerOptions, onChange func(View)) (View, error) {
	opts.defaults()

	var view View
	interval := opts.Interval
	for {
		ev, err := fetch(ctx)
		if err != nil {
			// Transient fetch failures back off but keep the last view.
			interval = min(interval*2, opts.MaxInterval)
		} else {
			if view.Apply(ev) && onChange != nil {
				onChange(view)
			}
			if TerminalState(view.State) {
				return view, nil
			}
			interval = opts.Interval
		}

		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return view, ctx.Err()
		case <-t.C:
		}
	}
}

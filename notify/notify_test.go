package notify

import (
	"context"
	"testing"
	"time"
)

func TestViewAppliesByStateValue(t *testing.T) {
	var v View
	v.Apply(Event{Kind: KindBuildStage, State: "completed", Progress: 100})

	// A late, older non-terminal push must not win.
	if v.Apply(Event{Kind: KindBuildStage, State: "signing", Progress: 60}) {
		t.Error("stale non-terminal event applied over terminal state")
	}
	if v.State != "completed" || v.Progress != 100 {
		t.Errorf("view: got %+v", v)
	}
}

func TestMonotoneClampsRegressions(t *testing.T) {
	var got []int
	sink := NotifierFunc(func(_ string, ev Event) { got = append(got, ev.Progress) })
	m := NewMonotone(sink)

	for _, p := range []int{10, 8, 40} {
		m.Notify("o1", Event{Kind: KindBuildStage, JobID: "j1", State: "building", Progress: p})
	}

	want := []int{10, 10, 40}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("progress sequence: got %v, want %v", got, want)
		}
	}
}

func TestMonotoneCapsBeforeTerminal(t *testing.T) {
	var got []int
	m := NewMonotone(NotifierFunc(func(_ string, ev Event) { got = append(got, ev.Progress) }))

	m.Notify("o1", Event{Kind: KindBuildStage, JobID: "j1", State: "uploading", Progress: 120})
	m.Notify("o1", Event{Kind: KindBuildStage, JobID: "j1", State: "completed", Progress: 100})

	if got[0] >= 100 {
		t.Errorf("non-terminal progress reached %d", got[0])
	}
	if got[1] != 100 {
		t.Errorf("terminal progress: got %d, want 100", got[1])
	}
}

func TestHubOrderedDelivery(t *testing.T) {
	h := NewHub()
	defer h.Close()

	sub := h.Subscribe("o1", 8)
	defer sub.Cancel()

	states := []string{"queued", "building", "signing", "uploading", "completed"}
	for _, s := range states {
		h.Notify("o1", Event{Kind: KindBuildStage, JobID: "j1", State: s})
	}

	for _, want := range states {
		select {
		case ev := <-sub.Events():
			if ev.State != want {
				t.Fatalf("out of order: got %s, want %s", ev.State, want)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestHubDropsOldestOnOverflow(t *testing.T) {
	h := NewHub()
	defer h.Close()

	sub := h.Subscribe("o1", 2)
	defer sub.Cancel()

	for i, s := range []string{"queued", "building", "signing"} {
		h.Notify("o1", Event{Kind: KindBuildStage, JobID: "j1", State: s, Progress: i})
	}

	ev := <-sub.Events()
	if ev.State != "building" {
		t.Errorf("first after overflow: got %s, want building", ev.State)
	}
	ev = <-sub.Events()
	if ev.State != "signing" {
		t.Errorf("second after overflow: got %s, want signing", ev.State)
	}
}

func TestHubAudienceIsolation(t *testing.T) {
	h := NewHub()
	defer h.Close()

	a := h.Subscribe("o1", 4)
	b := h.Subscribe("o2", 4)
	defer a.Cancel()
	defer b.Cancel()

	h.Notify("o1", Event{Kind: KindAppStatus, State: "published"})

	select {
	case ev := <-b.Events():
		t.Fatalf("o2 received o1 event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
	select {
	case <-a.Events():
	case <-time.After(time.Second):
		t.Fatal("o1 did not receive its event")
	}
}

func TestPollStopsOnTerminal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sequence := []Event{
		{Kind: KindBuildStage, State: "queued", Progress: 0},
		{Kind: KindBuildStage, State: "building", Progress: 30},
		{Kind: KindBuildStage, State: "failed", Progress: 30},
	}
	calls := 0
	fetch := func(ctx context.Context) (Event, error) {
		ev := sequence[min(calls, len(sequence)-1)]
		calls++
		return ev, nil
	}

	view, err := Poll(ctx, fetch, PollerOptions{Interval: time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if view.State != "failed" {
		t.Errorf("final state: got %s", view.State)
	}
	if calls != 3 {
		t.Errorf("fetch calls after terminal: got %d, want 3", calls)
	}

	// Resumable: re-polling the terminal entity returns immediately.
	calls = 0
	fetch2 := func(ctx context.Context) (Event, error) {
		calls++
		return Event{Kind: KindBuildStage, State: "failed"}, nil
	}
	if _, err := Poll(ctx, fetch2, PollerOptions{Interval: time.Millisecond}, nil); err != nil {
		t.Fatalf("re-poll: %v", err)
	}
	if calls != 1 {
		t.Errorf("re-poll fetch calls: got %d, want 1", calls)
	}
}

package forge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jaafar-jad/solostore/dbopen"
	"github.com/jaafar-jad/solostore/notify"
)

type fakeGate struct {
	mu          sync.Mutex
	buildingErr error
	building    []string
	completed   []string
	failed      []string
	artifact    string
}

func (g *fakeGate) MarkBuilding(_ context.Context, appID, jobID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.buildingErr != nil {
		return g.buildingErr
	}
	g.building = append(g.building, jobID)
	return nil
}

func (g *fakeGate) MarkBuildCompleted(_ context.Context, appID, jobID, artifact string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.completed = append(g.completed, jobID)
	g.artifact = artifact
	return nil
}

func (g *fakeGate) MarkBuildFailed(_ context.Context, appID, jobID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failed = append(g.failed, jobID)
	return nil
}

func (g *fakeGate) failedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.failed)
}

// gatedBuilder blocks in Compile until released, so tests can hold a job
// mid-stage deterministically.
type gatedBuilder struct {
	entered chan struct{} // closed when Compile is reached
	release chan struct{}
	compile error
}

func newGatedBuilder() *gatedBuilder {
	return &gatedBuilder{entered: make(chan struct{}), release: make(chan struct{})}
}

func (b *gatedBuilder) Compile(ctx context.Context, appID, domain string) error {
	close(b.entered)
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.compile
}

func (b *gatedBuilder) Sign(context.Context, string) error { return nil }

func (b *gatedBuilder) Upload(_ context.Context, _, jobID string) (string, error) {
	return "pkg://" + jobID, nil
}

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) notify(_ string, ev notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Event(nil), r.events...)
}

func verifiedDomain(domain string) DomainChecker {
	return func(context.Context, string) (string, bool, error) { return domain, true, nil }
}

func newTestOrchestrator(t *testing.T, gate AppGate, opts ...Option) *Orchestrator {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	opts = append([]Option{WithBuilder(NewPackageBuilder(t.TempDir()))}, opts...)
	return New(NewStore(db), gate, verifiedDomain("example.com"), opts...)
}

func TestStartRunsToCompletion(t *testing.T) {
	gate := &fakeGate{}
	rec := &recorder{}
	dir := t.TempDir()
	o := newTestOrchestrator(t, gate,
		WithBuilder(NewPackageBuilder(dir)),
		WithNotifier(notify.NotifierFunc(rec.notify)))

	job, err := o.Start(context.Background(), "owner1", "app1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if job.Status != StatusQueued {
		t.Fatalf("status = %s, want queued", job.Status)
	}
	o.Wait()

	got, err := o.GetStatus(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if got.Status != StatusCompleted || got.Progress != 100 {
		t.Fatalf("job = %s/%d, want completed/100", got.Status, got.Progress)
	}
	if got.Artifact == "" || gate.artifact != got.Artifact {
		t.Fatalf("artifact = %q, gate saw %q", got.Artifact, gate.artifact)
	}
	if _, err := os.Stat(filepath.Join(dir, "artifacts", job.ID+".pkg")); err != nil {
		t.Fatalf("published artifact missing: %v", err)
	}
	if got.FinishedAt == nil {
		t.Fatal("finished_at not set")
	}

	logs, err := o.GetLogs(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetLogs: %v", err)
	}
	wantOrder := []string{"build queued", "compiling site example.com", "signing package", "uploading package"}
	if len(logs) != len(wantOrder)+1 {
		t.Fatalf("logs = %v", logs)
	}
	for i, want := range wantOrder {
		if logs[i] != want {
			t.Fatalf("logs[%d] = %q, want %q", i, logs[i], want)
		}
	}

	// The event stream must walk the stages in order with
	// non-decreasing progress.
	events := rec.snapshot()
	wantStates := []string{"queued", "building", "signing", "uploading", "completed"}
	if len(events) != len(wantStates) {
		t.Fatalf("got %d events, want %d", len(events), len(wantStates))
	}
	last := -1
	for i, ev := range events {
		if ev.State != wantStates[i] {
			t.Fatalf("event %d state = %s, want %s", i, ev.State, wantStates[i])
		}
		if ev.Progress < last {
			t.Fatalf("progress regressed at event %d: %d < %d", i, ev.Progress, last)
		}
		last = ev.Progress
	}
}

func TestStartRequiresVerifiedDomain(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	unverified := func(context.Context, string) (string, bool, error) { return "", false, nil }
	o := New(NewStore(db), &fakeGate{}, unverified)

	_, err := o.Start(context.Background(), "owner1", "app1")
	var notVerified *ErrDomainNotVerified
	if !errors.As(err, &notVerified) {
		t.Fatalf("err = %v, want ErrDomainNotVerified", err)
	}
}

func TestStartConcurrentSingleWinner(t *testing.T) {
	gate := &fakeGate{}
	builder := newGatedBuilder()
	o := newTestOrchestrator(t, gate, WithBuilder(builder))

	const n = 8
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.Start(context.Background(), "owner1", "app1")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var won, blocked int
	for err := range errs {
		var inProgress *ErrBuildInProgress
		switch {
		case err == nil:
			won++
		case errors.As(err, &inProgress):
			blocked++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if won != 1 || blocked != n-1 {
		t.Fatalf("winners = %d, blocked = %d, want 1 and %d", won, blocked, n-1)
	}

	close(builder.release)
	o.Wait()

	// The slot frees after the terminal state; a new Start must succeed.
	if _, err := o.Start(context.Background(), "owner1", "app1"); err != nil {
		t.Fatalf("Start after completion: %v", err)
	}
	o.Wait()
}

func TestStartRollsBackWhenAppRefuses(t *testing.T) {
	gate := &fakeGate{buildingErr: fmt.Errorf("app not in draft")}
	o := newTestOrchestrator(t, gate)

	if _, err := o.Start(context.Background(), "owner1", "app1"); err == nil {
		t.Fatal("Start succeeded against refusing app")
	}

	// The queued row must not survive, or the slot is wedged.
	gate.buildingErr = nil
	if _, err := o.Start(context.Background(), "owner1", "app1"); err != nil {
		t.Fatalf("slot still held after rollback: %v", err)
	}
	o.Wait()
}

func TestCancelMidBuild(t *testing.T) {
	gate := &fakeGate{}
	builder := newGatedBuilder()
	o := newTestOrchestrator(t, gate, WithBuilder(builder))

	job, err := o.Start(context.Background(), "owner1", "app1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-builder.entered

	if err := o.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(builder.release)
	o.Wait()

	got, err := o.GetStatus(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if got.Status != StatusFailed || got.ErrorCode != ErrCodeCancelled {
		t.Fatalf("job = %s/%s, want failed/cancelled", got.Status, got.ErrorCode)
	}
	// Exactly one terminal writer: the worker lost the race and must not
	// have failed the app a second time.
	if n := gate.failedCount(); n != 1 {
		t.Fatalf("MarkBuildFailed called %d times, want 1", n)
	}

	var terminal *ErrJobTerminal
	if err := o.Cancel(context.Background(), job.ID); !errors.As(err, &terminal) {
		t.Fatalf("second Cancel = %v, want ErrJobTerminal", err)
	}
}

func TestCancelCompletedJob(t *testing.T) {
	gate := &fakeGate{}
	o := newTestOrchestrator(t, gate)

	job, err := o.Start(context.Background(), "owner1", "app1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	o.Wait()

	var terminal *ErrJobTerminal
	if err := o.Cancel(context.Background(), job.ID); !errors.As(err, &terminal) {
		t.Fatalf("Cancel = %v, want ErrJobTerminal", err)
	}
	if terminal.Status != StatusCompleted {
		t.Fatalf("terminal status = %s, want completed", terminal.Status)
	}
}

func TestBuilderFailureFailsJob(t *testing.T) {
	gate := &fakeGate{}
	builder := newGatedBuilder()
	builder.compile = fmt.Errorf("no index.html at site root")
	close(builder.release)
	o := newTestOrchestrator(t, gate, WithBuilder(builder))

	job, err := o.Start(context.Background(), "owner1", "app1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	o.Wait()

	got, _ := o.GetStatus(context.Background(), job.ID)
	if got.Status != StatusFailed || got.ErrorCode != ErrCodeBuildFailed {
		t.Fatalf("job = %s/%s, want failed/build_failed", got.Status, got.ErrorCode)
	}
	if got.ErrorMessage != "no index.html at site root" {
		t.Fatalf("error_message = %q", got.ErrorMessage)
	}
	if n := gate.failedCount(); n != 1 {
		t.Fatalf("MarkBuildFailed called %d times, want 1", n)
	}
}

func TestReaperForceFailsStuckJob(t *testing.T) {
	var mu sync.Mutex
	now := time.Now()
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	gate := &fakeGate{}
	builder := newGatedBuilder()
	o := newTestOrchestrator(t, gate,
		WithBuilder(builder),
		WithJobTimeout(time.Minute),
		WithClock(clock))

	job, err := o.Start(context.Background(), "owner1", "app1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-builder.entered

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	o.reap(context.Background())

	got, _ := o.GetStatus(context.Background(), job.ID)
	if got.Status != StatusFailed || got.ErrorCode != ErrCodeTimeout {
		t.Fatalf("job = %s/%s, want failed/timeout", got.Status, got.ErrorCode)
	}

	close(builder.release)
	o.Wait()

	// Worker woke up after the reaper; the timeout verdict must stand.
	got, _ = o.GetStatus(context.Background(), job.ID)
	if got.ErrorCode != ErrCodeTimeout {
		t.Fatalf("error_code = %s after worker exit, want timeout", got.ErrorCode)
	}
	if n := gate.failedCount(); n != 1 {
		t.Fatalf("MarkBuildFailed called %d times, want 1", n)
	}
}

func TestLatestAndListByApp(t *testing.T) {
	gate := &fakeGate{}
	o := newTestOrchestrator(t, gate)

	if job, err := o.Store().Latest(context.Background(), "app1"); err != nil || job != nil {
		t.Fatalf("Latest on empty = %v, %v", job, err)
	}

	first, err := o.Start(context.Background(), "owner1", "app1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	o.Wait()
	second, err := o.Start(context.Background(), "owner1", "app1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	o.Wait()

	latest, err := o.Store().Latest(context.Background(), "app1")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest.ID != second.ID {
		t.Fatalf("latest = %s, want %s", latest.ID, second.ID)
	}

	jobs, err := o.Store().ListByApp(context.Background(), "app1")
	if err != nil {
		t.Fatalf("ListByApp: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != second.ID || jobs[1].ID != first.ID {
		t.Fatalf("jobs out of order: %v", jobs)
	}
}

func TestGetLogsUnknownJob(t *testing.T) {
	o := newTestOrchestrator(t, &fakeGate{})
	var notFound *ErrJobNotFound
	if _, err := o.GetLogs(context.Background(), "job_missing"); !errors.As(err, &notFound) {
		t.Fatalf("err = %v, want ErrJobNotFound", err)
	}
}

func TestFailureBookkeepingOutlivesCallerContext(t *testing.T) {
	gate := &fakeGate{}
	builder := newGatedBuilder()
	o := newTestOrchestrator(t, gate, WithBuilder(builder))

	job, err := o.Start(context.Background(), "owner1", "app1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-builder.entered

	// The terminal write wins, then the canceller's request context dies
	// before the app update runs, as when a client disconnects mid-Cancel.
	won, err := o.store.fail(context.Background(), job.ID, ErrCodeCancelled, "cancelled by owner")
	if err != nil || !won {
		t.Fatalf("fail: won=%v err=%v", won, err)
	}
	dead, cancel := context.WithCancel(context.Background())
	cancel()
	o.finishFailed(dead, job, ErrCodeCancelled, "build cancelled")

	close(builder.release)
	o.Wait()

	// The app must still have been released from building.
	if n := gate.failedCount(); n != 1 {
		t.Fatalf("MarkBuildFailed called %d times, want 1", n)
	}
	logs, err := o.GetLogs(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetLogs: %v", err)
	}
	found := false
	for _, line := range logs {
		if line == "build cancelled" {
			found = true
		}
	}
	if !found {
		t.Fatalf("cancellation log line missing: %v", logs)
	}
}

package apps

import (
	"context"
	"errors"
	"sync"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/jaafar-jad/solostore/dbopen"
	"github.com/jaafar-jad/solostore/notify"
)

// fakeBuilds serves whatever latest job the test configures.
type fakeBuilds struct {
	job *BuildInfo
}

func (f *fakeBuilds) LatestJob(context.Context, string) (*BuildInfo, error) {
	return f.job, nil
}

// fakeVerify knows which verification records the test marked verified.
type fakeVerify struct {
	mu       sync.Mutex
	verified map[string]bool
}

func (f *fakeVerify) mark(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verified[id] = true
}

func (f *fakeVerify) IsVerified(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verified[id], nil
}

func newTestService(t *testing.T, opts ...Option) (*Service, *fakeBuilds, *fakeVerify) {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	builds := &fakeBuilds{}
	verifs := &fakeVerify{verified: map[string]bool{}}
	opts = append([]Option{WithBuildReader(builds), WithVerificationReader(verifs)}, opts...)
	return New(db, opts...), builds, verifs
}

// buildCycle attaches a verified domain and fakes a completed build job,
// leaving the app ready to submit.
func buildCycle(t *testing.T, s *Service, verifs *fakeVerify, appID, jobID string) {
	t.Helper()
	verifs.mark("ver_" + appID)
	if err := s.SetDomainVerification(context.Background(), appID, "ver_"+appID); err != nil {
		t.Fatalf("SetDomainVerification: %v", err)
	}
	if err := s.MarkBuilding(context.Background(), appID, jobID); err != nil {
		t.Fatalf("MarkBuilding: %v", err)
	}
	if err := s.MarkBuildCompleted(context.Background(), appID, jobID, "pkg://"+jobID); err != nil {
		t.Fatalf("MarkBuildCompleted: %v", err)
	}
}

func TestCreateSanitizesAndRequiresName(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()

	app, err := s.Create(ctx, "owner1", "  My <b>Site</b>  ", "<script>x()</script>plain text")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if app.Name != "My Site" {
		t.Fatalf("name = %q", app.Name)
	}
	if app.Description != "plain text" {
		t.Fatalf("description = %q", app.Description)
	}
	if app.Status != StatusDraft {
		t.Fatalf("status = %s, want draft", app.Status)
	}

	if _, err := s.Create(ctx, "owner1", "<script>only markup</script>", ""); !errors.Is(err, ErrNameRequired) {
		t.Fatalf("err = %v, want ErrNameRequired", err)
	}
}

func TestSubmitRequiresCompletedBuild(t *testing.T) {
	s, builds, verifs := newTestService(t)
	ctx := context.Background()
	app, _ := s.Create(ctx, "owner1", "site", "")

	// No build at all.
	var noBuild *ErrNoCompletedBuild
	if _, err := s.Submit(ctx, app.ID); !errors.As(err, &noBuild) {
		t.Fatalf("err = %v, want ErrNoCompletedBuild", err)
	}

	// Latest job exists but failed.
	builds.job = &BuildInfo{ID: "job_1", Status: "failed"}
	if _, err := s.Submit(ctx, app.ID); !errors.As(err, &noBuild) {
		t.Fatalf("err = %v, want ErrNoCompletedBuild", err)
	}

	// Completed job plus stored artifact satisfies the precondition.
	buildCycle(t, s, verifs, app.ID, "job_2")
	builds.job = &BuildInfo{ID: "job_2", Status: "completed"}
	got, err := s.Submit(ctx, app.ID)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got.Status != StatusPendingReview {
		t.Fatalf("status = %s, want pending_review", got.Status)
	}
}

func TestSubmitReadsReviewModeAtCallTime(t *testing.T) {
	s, builds, verifs := newTestService(t)
	ctx := context.Background()

	if err := s.SetReviewMode(ctx, ReviewModeAuto); err != nil {
		t.Fatalf("SetReviewMode: %v", err)
	}
	app, _ := s.Create(ctx, "owner1", "site", "")
	buildCycle(t, s, verifs, app.ID, "job_1")
	builds.job = &BuildInfo{ID: "job_1", Status: "completed"}

	got, err := s.Submit(ctx, app.ID)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got.Status != StatusPublished {
		t.Fatalf("auto mode: status = %s, want published", got.Status)
	}
	// The artifact the package directory serves is the one the completed
	// build stored.
	if got.PackageArtifact == "" {
		t.Fatal("published app has no package artifact")
	}

	// Switching back to manual affects the next Submit only.
	if err := s.SetReviewMode(ctx, ReviewModeManual); err != nil {
		t.Fatalf("SetReviewMode: %v", err)
	}
	app2, _ := s.Create(ctx, "owner1", "site2", "")
	buildCycle(t, s, verifs, app2.ID, "job_2")
	builds.job = &BuildInfo{ID: "job_2", Status: "completed"}
	got2, err := s.Submit(ctx, app2.ID)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got2.Status != StatusPendingReview {
		t.Fatalf("manual mode: status = %s, want pending_review", got2.Status)
	}
}

func TestIllegalTransitionLeavesStateUntouched(t *testing.T) {
	s, builds, verifs := newTestService(t)
	ctx := context.Background()
	app, _ := s.Create(ctx, "owner1", "site", "")
	buildCycle(t, s, verifs, app.ID, "job_1")
	builds.job = &BuildInfo{ID: "job_1", Status: "completed"}
	if _, err := s.Submit(ctx, app.ID); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := s.Approve(ctx, app.ID); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	// Submitting a published app must fail and change nothing.
	var illegal *ErrInvalidTransition
	if _, err := s.Submit(ctx, app.ID); !errors.As(err, &illegal) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	if illegal.From != StatusPublished || illegal.Action != "submit" {
		t.Fatalf("illegal = %+v", illegal)
	}
	got, _ := s.Get(ctx, app.ID)
	if got.Status != StatusPublished || got.PackageArtifact == "" {
		t.Fatalf("state mutated by refused transition: %+v", got)
	}

	// Approve is only legal from pending_review.
	if _, err := s.Approve(ctx, app.ID); !errors.As(err, &illegal) {
		t.Fatalf("double approve = %v, want ErrInvalidTransition", err)
	}
}

func TestRejectRequiresReasonAndFreshBuildClearsIt(t *testing.T) {
	s, builds, verifs := newTestService(t)
	ctx := context.Background()
	app, _ := s.Create(ctx, "owner1", "site", "")
	buildCycle(t, s, verifs, app.ID, "job_1")
	builds.job = &BuildInfo{ID: "job_1", Status: "completed"}
	if _, err := s.Submit(ctx, app.ID); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if _, err := s.Reject(ctx, app.ID, "   "); !errors.Is(err, ErrReasonRequired) {
		t.Fatalf("err = %v, want ErrReasonRequired", err)
	}
	got, err := s.Reject(ctx, app.ID, "broken landing page")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if got.Status != StatusRejected || got.RejectionReason != "broken landing page" {
		t.Fatalf("rejected app = %+v", got)
	}

	// The only way out of rejected is a fresh build, which clears the
	// reason and the stale artifact.
	if err := s.MarkBuilding(ctx, app.ID, "job_2"); err != nil {
		t.Fatalf("MarkBuilding from rejected: %v", err)
	}
	got, _ = s.Get(ctx, app.ID)
	if got.Status != StatusBuilding || got.RejectionReason != "" || got.PackageArtifact != "" {
		t.Fatalf("fresh build left stale fields: %+v", got)
	}
}

func TestUnpublishAndDeleteRules(t *testing.T) {
	s, builds, verifs := newTestService(t)
	ctx := context.Background()
	app, _ := s.Create(ctx, "owner1", "site", "")
	buildCycle(t, s, verifs, app.ID, "job_1")
	builds.job = &BuildInfo{ID: "job_1", Status: "completed"}
	if _, err := s.Submit(ctx, app.ID); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := s.Approve(ctx, app.ID); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	got, err := s.Unpublish(ctx, app.ID)
	if err != nil {
		t.Fatalf("Unpublish: %v", err)
	}
	if got.Status != StatusUnpublished {
		t.Fatalf("status = %s, want unpublished", got.Status)
	}

	// Delete refused mid-build only.
	app2, _ := s.Create(ctx, "owner1", "site2", "")
	if err := s.MarkBuilding(ctx, app2.ID, "job_2"); err != nil {
		t.Fatalf("MarkBuilding: %v", err)
	}
	var illegal *ErrInvalidTransition
	if err := s.Delete(ctx, app2.ID); !errors.As(err, &illegal) {
		t.Fatalf("delete while building = %v, want ErrInvalidTransition", err)
	}
	if err := s.MarkBuildFailed(ctx, app2.ID, "job_2"); err != nil {
		t.Fatalf("MarkBuildFailed: %v", err)
	}
	if err := s.Delete(ctx, app2.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	var notFound *ErrNotFound
	if _, err := s.Get(ctx, app2.ID); !errors.As(err, &notFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMarkBuildCompletedGuardedOnLatestJob(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()
	app, _ := s.Create(ctx, "owner1", "site", "")
	if err := s.MarkBuilding(ctx, app.ID, "job_2"); err != nil {
		t.Fatalf("MarkBuilding: %v", err)
	}

	// A stale job that is no longer the app's latest must not complete it.
	var illegal *ErrInvalidTransition
	if err := s.MarkBuildCompleted(ctx, app.ID, "job_1", "pkg://stale"); !errors.As(err, &illegal) {
		t.Fatalf("stale completion = %v, want ErrInvalidTransition", err)
	}
	if err := s.MarkBuildCompleted(ctx, app.ID, "job_2", "pkg://job_2"); err != nil {
		t.Fatalf("MarkBuildCompleted: %v", err)
	}
	got, _ := s.Get(ctx, app.ID)
	if got.Status != StatusDraft || got.PackageArtifact != "pkg://job_2" {
		t.Fatalf("app after completion = %+v", got)
	}
}

func TestHasActiveReference(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()
	app, _ := s.Create(ctx, "owner1", "site", "")
	if err := s.SetDomainVerification(ctx, app.ID, "ver_1"); err != nil {
		t.Fatalf("SetDomainVerification: %v", err)
	}

	active, err := s.HasActiveReference(ctx, "ver_1")
	if err != nil {
		t.Fatalf("HasActiveReference: %v", err)
	}
	if !active {
		t.Fatal("draft app should hold the verification")
	}
	if active, _ := s.HasActiveReference(ctx, "ver_other"); active {
		t.Fatal("unreferenced verification reported active")
	}
}

func TestListPendingReviewOldestFirst(t *testing.T) {
	s, builds, verifs := newTestService(t)
	ctx := context.Background()

	var ids []string
	for _, name := range []string{"a", "b"} {
		app, _ := s.Create(ctx, "owner1", name, "")
		buildCycle(t, s, verifs, app.ID, "job_"+name)
		builds.job = &BuildInfo{ID: "job_" + name, Status: "completed"}
		if _, err := s.Submit(ctx, app.ID); err != nil {
			t.Fatalf("Submit %s: %v", name, err)
		}
		ids = append(ids, app.ID)
	}

	pending, err := s.ListPendingReview(ctx)
	if err != nil {
		t.Fatalf("ListPendingReview: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %v", pending)
	}
	seen := map[string]bool{pending[0].ID: true, pending[1].ID: true}
	if !seen[ids[0]] || !seen[ids[1]] {
		t.Fatalf("pending missing submitted apps: %v", pending)
	}
}

func TestOperatorEventsReachBothAudiences(t *testing.T) {
	var mu sync.Mutex
	byAudience := map[string]int{}
	rec := notify.NotifierFunc(func(audience string, _ notify.Event) {
		mu.Lock()
		defer mu.Unlock()
		byAudience[audience]++
	})

	s, builds, verifs := newTestService(t, WithNotifier(rec))
	ctx := context.Background()
	app, _ := s.Create(ctx, "owner1", "site", "")
	buildCycle(t, s, verifs, app.ID, "job_1")
	builds.job = &BuildInfo{ID: "job_1", Status: "completed"}
	if _, err := s.Submit(ctx, app.ID); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if byAudience["owner1"] == 0 {
		t.Fatal("owner received no events")
	}
	// pending_review is review-relevant and must also reach operators.
	if byAudience[notify.AudienceOperators] == 0 {
		t.Fatal("operators received no pending_review event")
	}
}

func TestSubmitRequiresVerifiedDomain(t *testing.T) {
	s, builds, verifs := newTestService(t)
	ctx := context.Background()
	if err := s.SetReviewMode(ctx, ReviewModeAuto); err != nil {
		t.Fatalf("SetReviewMode: %v", err)
	}

	app, _ := s.Create(ctx, "owner1", "site", "")
	buildCycle(t, s, verifs, app.ID, "job_1")
	builds.job = &BuildInfo{ID: "job_1", Status: "completed"}

	// Swapping a never-verified record in after the build must block
	// publication even though a completed artifact is in place.
	if err := s.SetDomainVerification(ctx, app.ID, "ver_pending"); err != nil {
		t.Fatalf("SetDomainVerification: %v", err)
	}
	var notVerified *ErrDomainNotVerified
	if _, err := s.Submit(ctx, app.ID); !errors.As(err, &notVerified) {
		t.Fatalf("err = %v, want ErrDomainNotVerified", err)
	}
	got, _ := s.Get(ctx, app.ID)
	if got.Status != StatusDraft || got.PackageArtifact == "" {
		t.Fatalf("refused submit mutated state: %+v", got)
	}

	// Once that record verifies, the same submit goes through.
	verifs.mark("ver_pending")
	got, err := s.Submit(ctx, app.ID)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got.Status != StatusPublished {
		t.Fatalf("status = %s, want published", got.Status)
	}

	// No record attached at all is equally unpublishable.
	app2, _ := s.Create(ctx, "owner1", "site2", "")
	if err := s.MarkBuilding(ctx, app2.ID, "job_2"); err != nil {
		t.Fatalf("MarkBuilding: %v", err)
	}
	if err := s.MarkBuildCompleted(ctx, app2.ID, "job_2", "pkg://job_2"); err != nil {
		t.Fatalf("MarkBuildCompleted: %v", err)
	}
	builds.job = &BuildInfo{ID: "job_2", Status: "completed"}
	if _, err := s.Submit(ctx, app2.ID); !errors.As(err, &notVerified) {
		t.Fatalf("err = %v, want ErrDomainNotVerified", err)
	}
}

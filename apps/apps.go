// Package apps owns the app entity and its publication lifecycle:
//
//	draft → building → draft → pending_review → published → unpublished
//	                              ↘ rejected → building (fresh build)
//
// Every transition is applied as a guarded UPDATE on the expected current
// status, so two racing operations cannot both win; the loser gets an
// ErrInvalidTransition naming the state it actually found.
package apps

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/jaafar-jad/solostore/idgen"
	"github.com/jaafar-jad/solostore/notify"
	"github.com/jaafar-jad/solostore/observability"
)

// Status is the app lifecycle state.
type Status string

const (
	StatusDraft         Status = "draft"
	StatusBuilding      Status = "building"
	StatusPendingReview Status = "pending_review"
	StatusPublished     Status = "published"
	StatusRejected      Status = "rejected"
	StatusUnpublished   Status = "unpublished"
)

// App is one convertible project.
type App struct {
	ID                   string    `json:"id"`
	OwnerID              string    `json:"owner_id"`
	Name                 string    `json:"name"`
	Description          string    `json:"description"`
	Status               Status    `json:"status"`
	DomainVerificationID string    `json:"domain_verification_id,omitempty"`
	LatestBuildJobID     string    `json:"latest_build_job_id,omitempty"`
	PackageArtifact      string    `json:"package_artifact,omitempty"`
	RejectionReason      string    `json:"rejection_reason,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// BuildInfo is the slice of a build job the state machine needs.
type BuildInfo struct {
	ID     string
	Status string
}

// BuildReader reads the latest build job for an app. Implemented by the
// forge store; injected here to avoid an import cycle.
type BuildReader interface {
	LatestJob(ctx context.Context, appID string) (*BuildInfo, error)
}

// VerificationReader reports whether a verification record is verified.
// Implemented by the domain verifier; Submit consults it so an app can
// never publish pointing at an unverified record.
type VerificationReader interface {
	IsVerified(ctx context.Context, verificationID string) (bool, error)
}

// VerificationReaderFunc adapts a function to VerificationReader.
type VerificationReaderFunc func(ctx context.Context, verificationID string) (bool, error)

func (f VerificationReaderFunc) IsVerified(ctx context.Context, verificationID string) (bool, error) {
	return f(ctx, verificationID)
}

// Service is the publication state machine.
type Service struct {
	db       *sql.DB
	builds   BuildReader
	verifs   VerificationReader
	notifier notify.Notifier
	events   *observability.EventLogger
	sanitize *bluemonday.Policy
	newID    idgen.Generator
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithBuildReader wires the latest-build lookup used by Submit.
func WithBuildReader(br BuildReader) Option { return func(s *Service) { s.builds = br } }

// WithVerificationReader wires the verified-domain check used by Submit.
func WithVerificationReader(vr VerificationReader) Option {
	return func(s *Service) { s.verifs = vr }
}

// WithNotifier sets the push channel for app status events.
func WithNotifier(n notify.Notifier) Option { return func(s *Service) { s.notifier = n } }

// WithEventLogger records transitions as business events.
func WithEventLogger(l *observability.EventLogger) Option { return func(s *Service) { s.events = l } }

// WithIDGenerator sets a custom app ID generator.
func WithIDGenerator(gen idgen.Generator) Option { return func(s *Service) { s.newID = gen } }

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// New creates the state machine on db. The apps schema must be applied.
func New(db *sql.DB, opts ...Option) *Service {
	s := &Service{
		db:       db,
		notifier: notify.Discard,
		sanitize: bluemonday.StrictPolicy(),
		newID:    idgen.Prefixed("app_", idgen.Default),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Create registers a new app in draft for the owner. Name and description
// are stripped of any markup before storage.
func (s *Service) Create(ctx context.Context, ownerID, name, description string) (*App, error) {
	name = strings.TrimSpace(s.sanitize.Sanitize(name))
	if name == "" {
		return nil, ErrNameRequired
	}
	description = strings.TrimSpace(s.sanitize.Sanitize(description))

	now := s.now()
	app := &App{
		ID:          s.newID(),
		OwnerID:     ownerID,
		Name:        name,
		Description: description,
		Status:      StatusDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO apps (id, owner_id, name, description, status, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?)`,
		app.ID, app.OwnerID, app.Name, app.Description, app.Status, now.Unix(), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("apps: create: %w", err)
	}
	s.logger.Info("app created", "app_id", app.ID, "owner_id", ownerID)
	return app, nil
}

// Delete removes an app. Refused while a build is running.
func (s *Service) Delete(ctx context.Context, appID string) error {
	app, err := s.Get(ctx, appID)
	if err != nil {
		return err
	}
	if app.Status == StatusBuilding {
		return &ErrInvalidTransition{AppID: appID, From: app.Status, Action: "delete"}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM apps WHERE id = ?`, appID); err != nil {
		return fmt.Errorf("apps: delete: %w", err)
	}
	return nil
}

// Get returns one app by ID.
func (s *Service) Get(ctx context.Context, appID string) (*App, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, selectApp+` WHERE id = ?`, appID), appID)
}

const selectApp = `
	SELECT id, owner_id, name, description, status,
	       COALESCE(domain_verification_id,''), COALESCE(latest_build_job_id,''),
	       COALESCE(package_artifact,''), COALESCE(rejection_reason,''),
	       created_at, updated_at
	FROM apps`

func (s *Service) scanOne(row *sql.Row, appID string) (*App, error) {
	app := &App{}
	var createdAt, updatedAt int64
	err := row.Scan(&app.ID, &app.OwnerID, &app.Name, &app.Description, &app.Status,
		&app.DomainVerificationID, &app.LatestBuildJobID,
		&app.PackageArtifact, &app.RejectionReason, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{AppID: appID}
	}
	if err != nil {
		return nil, fmt.Errorf("apps: scan: %w", err)
	}
	app.CreatedAt = time.Unix(createdAt, 0)
	app.UpdatedAt = time.Unix(updatedAt, 0)
	return app, nil
}

// ListByOwner returns the owner's apps, newest first.
func (s *Service) ListByOwner(ctx context.Context, ownerID string) ([]*App, error) {
	return s.list(ctx, selectApp+` WHERE owner_id = ? ORDER BY created_at DESC`, ownerID)
}

// ListPendingReview returns apps awaiting an operator decision, oldest first.
func (s *Service) ListPendingReview(ctx context.Context) ([]*App, error) {
	return s.list(ctx, selectApp+` WHERE status = ? ORDER BY updated_at ASC`, StatusPendingReview)
}

func (s *Service) list(ctx context.Context, query string, args ...any) ([]*App, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("apps: list: %w", err)
	}
	defer rows.Close()

	var out []*App
	for rows.Next() {
		app := &App{}
		var createdAt, updatedAt int64
		if err := rows.Scan(&app.ID, &app.OwnerID, &app.Name, &app.Description, &app.Status,
			&app.DomainVerificationID, &app.LatestBuildJobID,
			&app.PackageArtifact, &app.RejectionReason, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		app.CreatedAt = time.Unix(createdAt, 0)
		app.UpdatedAt = time.Unix(updatedAt, 0)
		out = append(out, app)
	}
	return out, rows.Err()
}

// SetDomainVerification attaches a verification record to a draft app.
func (s *Service) SetDomainVerification(ctx context.Context, appID, verificationID string) error {
	app, err := s.Get(ctx, appID)
	if err != nil {
		return err
	}
	if app.Status != StatusDraft && app.Status != StatusRejected {
		return &ErrInvalidTransition{AppID: appID, From: app.Status, Action: "set_domain"}
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE apps SET domain_verification_id = ?, updated_at = ? WHERE id = ?`,
		verificationID, s.now().Unix(), appID)
	if err != nil {
		return fmt.Errorf("apps: set domain verification: %w", err)
	}
	return nil
}

// HasActiveReference reports whether any app references the verification
// record while not in a terminal rejected/unpublished state. Consulted by
// verify.Delete.
func (s *Service) HasActiveReference(ctx context.Context, verificationID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM apps
		WHERE domain_verification_id = ? AND status NOT IN (?, ?)`,
		verificationID, StatusRejected, StatusUnpublished).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Submit moves a draft app into review (manual mode) or straight to
// published (auto mode). Requires the latest build job to have completed
// and the attached verification record to be verified. Review mode is
// read at the moment of the call.
func (s *Service) Submit(ctx context.Context, appID string) (*App, error) {
	app, err := s.Get(ctx, appID)
	if err != nil {
		return nil, err
	}
	if app.Status != StatusDraft {
		return nil, &ErrInvalidTransition{AppID: appID, From: app.Status, Action: "submit"}
	}
	if s.builds == nil {
		return nil, fmt.Errorf("apps: no build reader configured")
	}
	job, err := s.builds.LatestJob(ctx, appID)
	if err != nil {
		return nil, fmt.Errorf("apps: read latest build: %w", err)
	}
	if job == nil || job.Status != "completed" || app.PackageArtifact == "" {
		return nil, &ErrNoCompletedBuild{AppID: appID}
	}

	// The record attached now, not the one the build ran against. A
	// pending record swapped in after the build must not publish.
	if s.verifs == nil {
		return nil, fmt.Errorf("apps: no verification reader configured")
	}
	if app.DomainVerificationID == "" {
		return nil, &ErrDomainNotVerified{AppID: appID}
	}
	verified, err := s.verifs.IsVerified(ctx, app.DomainVerificationID)
	if err != nil {
		return nil, fmt.Errorf("apps: read verification: %w", err)
	}
	if !verified {
		return nil, &ErrDomainNotVerified{AppID: appID}
	}

	settings, err := s.GetSettings(ctx)
	if err != nil {
		return nil, err
	}
	target := StatusPendingReview
	if settings.ReviewMode == ReviewModeAuto {
		target = StatusPublished
	}

	if err := s.transition(ctx, appID, StatusDraft, target, "submit", ""); err != nil {
		return nil, err
	}
	return s.Get(ctx, appID)
}

// Approve publishes an app awaiting review. Operator only.
func (s *Service) Approve(ctx context.Context, appID string) (*App, error) {
	if err := s.transition(ctx, appID, StatusPendingReview, StatusPublished, "approve", ""); err != nil {
		return nil, err
	}
	return s.Get(ctx, appID)
}

// Reject refuses an app awaiting review. The reason is required and stored
// until the owner starts a new build.
func (s *Service) Reject(ctx context.Context, appID, reason string) (*App, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}
	if err := s.transition(ctx, appID, StatusPendingReview, StatusRejected, "reject", reason); err != nil {
		return nil, err
	}
	return s.Get(ctx, appID)
}

// Unpublish withdraws a published app.
func (s *Service) Unpublish(ctx context.Context, appID string) (*App, error) {
	if err := s.transition(ctx, appID, StatusPublished, StatusUnpublished, "unpublish", ""); err != nil {
		return nil, err
	}
	return s.Get(ctx, appID)
}

// MarkBuilding records that a build job started for the app. Legal from
// draft and from rejected (a fresh build is the only way out of rejected;
// it clears the rejection reason). Clears the package artifact: the app no
// longer has a current package until the new job completes.
func (s *Service) MarkBuilding(ctx context.Context, appID, jobID string) error {
	now := s.now().Unix()
	res, err := s.db.ExecContext(ctx, `
		UPDATE apps SET status = ?, latest_build_job_id = ?, package_artifact = NULL,
		       rejection_reason = NULL, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		StatusBuilding, jobID, now, appID, StatusDraft, StatusRejected)
	if err != nil {
		return fmt.Errorf("apps: mark building: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		app, err := s.Get(ctx, appID)
		if err != nil {
			return err
		}
		return &ErrInvalidTransition{AppID: appID, From: app.Status, Action: "start_build"}
	}
	s.emit(ctx, appID, StatusBuilding, "start_build", "")
	return nil
}

// MarkBuildCompleted records a successful build: the app returns to draft
// holding the package artifact, ready for Submit.
func (s *Service) MarkBuildCompleted(ctx context.Context, appID, jobID, artifact string) error {
	now := s.now().Unix()
	res, err := s.db.ExecContext(ctx, `
		UPDATE apps SET status = ?, package_artifact = ?, updated_at = ?
		WHERE id = ? AND status = ? AND latest_build_job_id = ?`,
		StatusDraft, artifact, now, appID, StatusBuilding, jobID)
	if err != nil {
		return fmt.Errorf("apps: mark build completed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		app, err := s.Get(ctx, appID)
		if err != nil {
			return err
		}
		return &ErrInvalidTransition{AppID: appID, From: app.Status, Action: "complete_build"}
	}
	s.emit(ctx, appID, StatusDraft, "build_completed", "")
	return nil
}

// MarkBuildFailed reverts the app to draft after a failed or cancelled
// build so the owner can retry.
func (s *Service) MarkBuildFailed(ctx context.Context, appID, jobID string) error {
	now := s.now().Unix()
	res, err := s.db.ExecContext(ctx, `
		UPDATE apps SET status = ?, updated_at = ?
		WHERE id = ? AND status = ? AND latest_build_job_id = ?`,
		StatusDraft, now, appID, StatusBuilding, jobID)
	if err != nil {
		return fmt.Errorf("apps: mark build failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		app, err := s.Get(ctx, appID)
		if err != nil {
			return err
		}
		return &ErrInvalidTransition{AppID: appID, From: app.Status, Action: "fail_build"}
	}
	s.emit(ctx, appID, StatusDraft, "build_failed", "")
	return nil
}

// transition applies a guarded status change. Exactly one writer wins; the
// loser re-reads and reports the state it found.
func (s *Service) transition(ctx context.Context, appID string, from, to Status, action, reason string) error {
	now := s.now().Unix()

	var res sql.Result
	var err error
	switch {
	case to == StatusRejected:
		res, err = s.db.ExecContext(ctx, `
			UPDATE apps SET status = ?, rejection_reason = ?, updated_at = ?
			WHERE id = ? AND status = ?`, to, reason, now, appID, from)
	default:
		// Any transition out of rejected clears the reason; harmless elsewhere.
		res, err = s.db.ExecContext(ctx, `
			UPDATE apps SET status = ?, rejection_reason = NULL, updated_at = ?
			WHERE id = ? AND status = ?`, to, now, appID, from)
	}
	if err != nil {
		return fmt.Errorf("apps: %s: %w", action, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		app, err := s.Get(ctx, appID)
		if err != nil {
			return err
		}
		return &ErrInvalidTransition{AppID: appID, From: app.Status, Action: action}
	}

	s.emit(ctx, appID, to, action, reason)
	return nil
}

// emit pushes the status change to the owner (and operators when review-
// relevant) and records a business event. Failures here never affect the
// applied transition.
func (s *Service) emit(ctx context.Context, appID string, to Status, action, reason string) {
	app, err := s.Get(ctx, appID)
	if err != nil {
		s.logger.Error("apps: emit: reload failed", "app_id", appID, "error", err)
		return
	}

	ev := notify.Event{
		Kind:    notify.KindAppStatus,
		OwnerID: app.OwnerID,
		AppID:   app.ID,
		State:   string(to),
		Message: reason,
		At:      s.now(),
	}
	s.notifier.Notify(app.OwnerID, ev)
	if to == StatusPendingReview || to == StatusPublished || to == StatusRejected {
		s.notifier.Notify(notify.AudienceOperators, ev)
	}

	if s.events != nil {
		s.events.LogEvent(ctx, observability.BusinessEvent{
			EventType:   "app_transition",
			ServiceName: "apps",
			EntityType:  "app",
			EntityID:    app.ID,
			UserID:      app.OwnerID,
			Action:      action,
			Details:     fmt.Sprintf(`{"to":%q,"reason":%q}`, to, reason),
			Success:     true,
		})
	}

	s.logger.Info("app transition", "app_id", app.ID, "to", to, "action", action)
}

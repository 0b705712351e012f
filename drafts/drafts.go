// Package drafts is the durable staging area for the conversion wizard.
// Saves are debounced per owner so a typing user costs one write per
// window, not one per keystroke, and flushed single-flight so two timers
// never race on the same owner's rows.
package drafts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jaafar-jad/solostore/dbopen"
)

// ErrNoDraft is returned by Load and Peek when the owner has nothing
// staged.
var ErrNoDraft = errors.New("drafts: no draft")

// Draft is the full wizard state for one owner.
type Draft struct {
	OwnerID string          `json:"owner_id"`
	Step    int             `json:"step"`
	Payload json.RawMessage `json:"payload"`
	SavedAt time.Time       `json:"saved_at"`
}

// Summary is the index-tier view: everything a dashboard card needs
// without loading the payload blob.
type Summary struct {
	OwnerID        string    `json:"owner_id"`
	Step           int       `json:"step"`
	Name           string    `json:"name"`
	Domain         string    `json:"domain"`
	HasIcon        bool      `json:"has_icon"`
	HasScreenshots bool      `json:"has_screenshots"`
	SavedAt        time.Time `json:"saved_at"`
}

// indexFields is the slice of the payload the index tier mirrors.
type indexFields struct {
	Name        string   `json:"name"`
	Domain      string   `json:"domain"`
	Icon        string   `json:"icon"`
	Screenshots []string `json:"screenshots"`
}

type pending struct {
	draft    Draft
	timer    *time.Timer
	inFlight bool
	dirty    bool
	done     chan struct{} // closed when the in-flight write lands
}

// Store saves, loads and clears wizard drafts.
type Store struct {
	db     *sql.DB
	window time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	pending map[string]*pending
}

// Option configures a Store.
type Option func(*Store)

// WithWindow sets the per-owner debounce window. Zero or negative makes
// every Save write through synchronously.
func WithWindow(d time.Duration) Option { return func(s *Store) { s.window = d } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// New creates a draft store on db. The drafts schema must be applied.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:      db,
		window:  2 * time.Second,
		logger:  slog.Default(),
		now:     time.Now,
		pending: make(map[string]*pending),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Save stages the owner's wizard state. Within the debounce window
// repeated saves coalesce: the timer resets and only the last payload is
// written. The durable write happens when the window expires, on Load,
// or on Flush.
func (s *Store) Save(ctx context.Context, ownerID string, step int, payload json.RawMessage) error {
	if len(payload) == 0 || !json.Valid(payload) {
		return fmt.Errorf("drafts: payload must be valid JSON")
	}
	draft := Draft{
		OwnerID: ownerID,
		Step:    step,
		Payload: append(json.RawMessage(nil), payload...),
		SavedAt: s.now(),
	}
	if s.window <= 0 {
		return s.write(ctx, draft)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[ownerID]
	if !ok {
		p = &pending{}
		s.pending[ownerID] = p
	}
	p.draft = draft
	if p.inFlight {
		// A flush is writing an older payload right now; it will
		// re-flush this one when it lands.
		p.dirty = true
		return nil
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(s.window, func() { s.flushOwner(ownerID) })
	return nil
}

// flushOwner writes the owner's staged draft. Single-flight: concurrent
// saves during the write mark the slot dirty and get one follow-up
// flush instead of a racing second writer.
func (s *Store) flushOwner(ownerID string) {
	p, draft, ok := s.claimFlush(ownerID)
	if !ok {
		return
	}
	if err := s.write(context.Background(), draft); err != nil {
		s.logger.Error("draft flush failed", "owner_id", ownerID, "error", err)
	}
	s.releaseFlush(ownerID, p)
}

// claimFlush marks the owner's slot in-flight and snapshots its draft.
func (s *Store) claimFlush(ownerID string) (*pending, Draft, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[ownerID]
	if !ok || p.inFlight {
		return nil, Draft{}, false
	}
	p.inFlight = true
	p.dirty = false
	p.done = make(chan struct{})
	return p, p.draft, true
}

// releaseFlush ends the in-flight window. The slot may have been cleared
// or replaced by a fresh save while the write ran; only the claimed slot
// is touched, so a successor's timer stays live.
func (s *Store) releaseFlush(ownerID string, p *pending) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.inFlight = false
	close(p.done)
	p.done = nil
	if s.pending[ownerID] != p {
		return
	}
	if p.dirty {
		p.timer = time.AfterFunc(s.window, func() { s.flushOwner(ownerID) })
		return
	}
	delete(s.pending, ownerID)
}

// write persists one draft: content tier first, index tier second, each
// transaction all-or-nothing. A crash between the two leaves a fresh
// payload with a stale index summary, repaired by the next save.
func (s *Store) write(ctx context.Context, d Draft) error {
	savedAt := d.SavedAt.Unix()
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO draft_payloads (owner_id, payload, saved_at) VALUES (?,?,?)
			ON CONFLICT(owner_id) DO UPDATE SET payload = excluded.payload,
			    saved_at = excluded.saved_at`,
			d.OwnerID, []byte(d.Payload), savedAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("drafts: write payload: %w", err)
	}

	var idx indexFields
	// Index fields are best effort; a payload without them still saves.
	_ = json.Unmarshal(d.Payload, &idx)
	hasIcon, hasShots := 0, 0
	if idx.Icon != "" {
		hasIcon = 1
	}
	if len(idx.Screenshots) > 0 {
		hasShots = 1
	}
	err = dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO draft_index (owner_id, step, name, domain, has_icon, has_screenshots, saved_at)
			VALUES (?,?,?,?,?,?,?)
			ON CONFLICT(owner_id) DO UPDATE SET step = excluded.step,
			    name = excluded.name, domain = excluded.domain,
			    has_icon = excluded.has_icon, has_screenshots = excluded.has_screenshots,
			    saved_at = excluded.saved_at`,
			d.OwnerID, d.Step, idx.Name, idx.Domain, hasIcon, hasShots, savedAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("drafts: write index: %w", err)
	}
	return nil
}

// Load returns the owner's full draft, forcing out any save still
// sitting in the debounce window first so reads always see the latest
// payload.
func (s *Store) Load(ctx context.Context, ownerID string) (*Draft, error) {
	s.settle(ctx, ownerID)

	d := &Draft{OwnerID: ownerID}
	var payload []byte
	var step int
	var savedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT p.payload, COALESCE(i.step, 0), p.saved_at
		FROM draft_payloads p LEFT JOIN draft_index i ON i.owner_id = p.owner_id
		WHERE p.owner_id = ?`, ownerID).Scan(&payload, &step, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoDraft
	}
	if err != nil {
		return nil, fmt.Errorf("drafts: load: %w", err)
	}
	d.Payload = payload
	d.Step = step
	d.SavedAt = time.Unix(savedAt, 0)
	return d, nil
}

// Peek returns the index-tier summary without touching the payload blob.
func (s *Store) Peek(ctx context.Context, ownerID string) (*Summary, error) {
	s.settle(ctx, ownerID)

	out := &Summary{OwnerID: ownerID}
	var hasIcon, hasShots int
	var savedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT step, name, domain, has_icon, has_screenshots, saved_at
		FROM draft_index WHERE owner_id = ?`, ownerID).
		Scan(&out.Step, &out.Name, &out.Domain, &hasIcon, &hasShots, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoDraft
	}
	if err != nil {
		return nil, fmt.Errorf("drafts: peek: %w", err)
	}
	out.HasIcon = hasIcon != 0
	out.HasScreenshots = hasShots != 0
	out.SavedAt = time.Unix(savedAt, 0)
	return out, nil
}

// Clear drops both tiers for the owner, discarding any pending save.
// Called when the wizard finishes (the app is created) or is dismissed.
func (s *Store) Clear(ctx context.Context, ownerID string) error {
	s.mu.Lock()
	var inFlight chan struct{}
	if p, ok := s.pending[ownerID]; ok {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.dirty = false
		inFlight = p.done
		delete(s.pending, ownerID)
	}
	s.mu.Unlock()
	if inFlight != nil {
		// A flush is mid-write; let it land before deleting so it
		// cannot resurrect the rows afterwards.
		<-inFlight
	}

	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM draft_payloads WHERE owner_id = ?`, ownerID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM draft_index WHERE owner_id = ?`, ownerID)
		return err
	})
	if err != nil {
		return fmt.Errorf("drafts: clear: %w", err)
	}
	return nil
}

// Flush forces every pending save out. Called on shutdown.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	owners := make([]string, 0, len(s.pending))
	for owner := range s.pending {
		owners = append(owners, owner)
	}
	s.mu.Unlock()

	var firstErr error
	for _, owner := range owners {
		if err := s.settleErr(ctx, owner); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// settle synchronously writes the owner's pending draft, if any.
func (s *Store) settle(ctx context.Context, ownerID string) {
	if err := s.settleErr(ctx, ownerID); err != nil {
		s.logger.Error("draft settle failed", "owner_id", ownerID, "error", err)
	}
}

func (s *Store) settleErr(ctx context.Context, ownerID string) error {
	for {
		s.mu.Lock()
		p, ok := s.pending[ownerID]
		if !ok {
			s.mu.Unlock()
			return nil
		}
		if p.inFlight {
			// The timer flush is mid-write. Wait it out and look
			// again; the slot may have gone dirty meanwhile.
			done := p.done
			s.mu.Unlock()
			<-done
			continue
		}
		if p.timer != nil {
			p.timer.Stop()
		}
		draft := p.draft
		delete(s.pending, ownerID)
		s.mu.Unlock()
		return s.write(ctx, draft)
	}
}

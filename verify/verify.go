// Package verify proves that an owner controls a domain before it can back
// an app. A verification record carries an unpredictable challenge token;
// the owner publishes it either as a DNS TXT record or as a well-known file,
// and Check performs the live lookup.
package verify

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/idna"

	"github.com/jaafar-jad/solostore/idgen"
	"github.com/jaafar-jad/solostore/websafe"
)

// Verification methods.
const (
	MethodDNSTXT = "dns_txt"
	MethodFile   = "file"
)

// Verification statuses.
const (
	StatusPending  = "pending"
	StatusVerified = "verified"
	StatusFailed   = "failed"
)

// Challenge publication constants. Owners place the token at one of these
// locations depending on the chosen method.
const (
	challengeLabel = "_solostore-challenge"
	tokenPrefix    = "solostore-site-verification="
	wellKnownPath  = "/.well-known/solostore-verification.txt"
)

// Record is one domain ownership claim.
type Record struct {
	ID             string     `json:"id"`
	OwnerID        string     `json:"owner_id"`
	Domain         string     `json:"domain"`
	Method         string     `json:"method"`
	Status         string     `json:"status"`
	ChallengeToken string     `json:"challenge_token"`
	VerifiedAt     *time.Time `json:"verified_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Instructions tell the owner where to publish the challenge.
type Instructions struct {
	// DNS TXT method.
	RecordName  string `json:"record_name,omitempty"`
	RecordValue string `json:"record_value,omitempty"`
	// File method.
	FilePath     string `json:"file_path,omitempty"`
	FileContents string `json:"file_contents,omitempty"`
}

// TXTResolver resolves DNS TXT records. *net.Resolver satisfies it; tests
// inject fakes.
type TXTResolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// RefChecker reports whether any non-terminal app references the
// verification record. Injected by the apps package to avoid a cycle.
type RefChecker func(ctx context.Context, verificationID string) (bool, error)

// FlagReader reports whether the force-verify override is enabled.
type FlagReader func(ctx context.Context) (bool, error)

// Verifier issues and checks domain ownership challenges.
type Verifier struct {
	db           *sql.DB
	resolver     TXTResolver
	client       *http.Client
	newID        idgen.Generator
	newToken     func() string
	refInUse     RefChecker
	forceEnabled FlagReader
	validateURL  func(string) error
	logger       *slog.Logger
	now          func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithResolver overrides the DNS resolver (tests).
func WithResolver(r TXTResolver) Option { return func(v *Verifier) { v.resolver = r } }

// WithHTTPClient overrides the HTTP client used for the file method (tests).
func WithHTTPClient(c *http.Client) Option { return func(v *Verifier) { v.client = c } }

// WithIDGenerator sets a custom record ID generator.
func WithIDGenerator(gen idgen.Generator) Option { return func(v *Verifier) { v.newID = gen } }

// WithTokenGenerator sets a custom challenge token generator (tests).
func WithTokenGenerator(gen func() string) Option { return func(v *Verifier) { v.newToken = gen } }

// WithRefChecker wires the in-use check consulted by Delete.
func WithRefChecker(rc RefChecker) Option { return func(v *Verifier) { v.refInUse = rc } }

// WithForceVerifyFlag wires the override flag consulted by ForceVerify.
func WithForceVerifyFlag(fr FlagReader) Option { return func(v *Verifier) { v.forceEnabled = fr } }

// WithURLValidator overrides the SSRF guard applied before file fetches
// (tests point it at a loopback server).
func WithURLValidator(fn func(string) error) Option {
	return func(v *Verifier) { v.validateURL = fn }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option { return func(v *Verifier) { v.logger = l } }

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option { return func(v *Verifier) { v.now = now } }

// New creates a Verifier on db. The domain_verifications table must exist
// (apply Schema via dbopen.WithSchema).
func New(db *sql.DB, opts ...Option) *Verifier {
	v := &Verifier{
		db:           db,
		resolver:     net.DefaultResolver,
		client:       &http.Client{Timeout: 10 * time.Second},
		newID:        idgen.Prefixed("ver_", idgen.Default),
		newToken:     defaultToken,
		refInUse:     func(context.Context, string) (bool, error) { return false, nil },
		forceEnabled: func(context.Context) (bool, error) { return false, nil },
		validateURL:  websafe.ValidateURL,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

func defaultToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic("verify: crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

// Initiate creates a pending verification record for owner+domain and
// returns it with method-specific publication instructions.
func (v *Verifier) Initiate(ctx context.Context, ownerID, domain, method string) (*Record, *Instructions, error) {
	if method != MethodDNSTXT && method != MethodFile {
		return nil, nil, fmt.Errorf("verify: unknown method %q", method)
	}

	normalized, err := normalizeDomain(domain)
	if err != nil {
		return nil, nil, &ErrInvalidDomain{Domain: domain, Cause: err}
	}

	var existing int
	err = v.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM domain_verifications
		WHERE owner_id = ? AND domain = ? AND status = ?`,
		ownerID, normalized, StatusVerified).Scan(&existing)
	if err != nil {
		return nil, nil, fmt.Errorf("verify: query existing: %w", err)
	}
	if existing > 0 {
		return nil, nil, &ErrAlreadyVerified{Domain: normalized}
	}

	now := v.now()
	rec := &Record{
		ID:             v.newID(),
		OwnerID:        ownerID,
		Domain:         normalized,
		Method:         method,
		Status:         StatusPending,
		ChallengeToken: v.newToken(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	_, err = v.db.ExecContext(ctx, `
		INSERT INTO domain_verifications
			(id, owner_id, domain, method, status, challenge_token, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		rec.ID, rec.OwnerID, rec.Domain, rec.Method, rec.Status, rec.ChallengeToken,
		now.Unix(), now.Unix())
	if err != nil {
		return nil, nil, fmt.Errorf("verify: insert record: %w", err)
	}

	v.logger.Info("verification initiated",
		"verification_id", rec.ID, "domain", rec.Domain, "method", rec.Method)
	return rec, v.instructions(rec), nil
}

func (v *Verifier) instructions(rec *Record) *Instructions {
	switch rec.Method {
	case MethodDNSTXT:
		return &Instructions{
			RecordName:  challengeLabel + "." + rec.Domain,
			RecordValue: tokenPrefix + rec.ChallengeToken,
		}
	default:
		return &Instructions{
			FilePath:     wellKnownPath,
			FileContents: rec.ChallengeToken,
		}
	}
}

// Check performs the live lookup for the record and compares it against the
// challenge token. Idempotent on verified records: re-checking returns the
// same verified record without touching verified_at. On mismatch or lookup
// failure the record transitions to failed (re-checkable) and the returned
// error is an *ErrVerificationFailed.
//
// Safe under concurrent calls for the same record: verified is sticky, so
// whichever lookup lands last cannot demote a successful one.
func (v *Verifier) Check(ctx context.Context, verificationID string) (*Record, error) {
	rec, err := v.Get(ctx, verificationID)
	if err != nil {
		return nil, err
	}
	if rec.Status == StatusVerified {
		return rec, nil
	}

	var lookupErr error
	switch rec.Method {
	case MethodDNSTXT:
		lookupErr = v.checkDNS(ctx, rec)
	case MethodFile:
		lookupErr = v.checkFile(ctx, rec)
	default:
		lookupErr = fmt.Errorf("unknown method %q", rec.Method)
	}

	now := v.now()
	if lookupErr != nil {
		// Guarded write: a concurrent successful check must not be demoted.
		_, err := v.db.ExecContext(ctx, `
			UPDATE domain_verifications SET status = ?, updated_at = ?
			WHERE id = ? AND status != ?`,
			StatusFailed, now.Unix(), rec.ID, StatusVerified)
		if err != nil {
			return nil, fmt.Errorf("verify: mark failed: %w", err)
		}
		v.logger.Info("verification check failed",
			"verification_id", rec.ID, "domain", rec.Domain, "error", lookupErr)
		return nil, &ErrVerificationFailed{VerificationID: rec.ID, Cause: lookupErr}
	}

	// Guarded write: only the first success stamps verified_at.
	_, err = v.db.ExecContext(ctx, `
		UPDATE domain_verifications SET status = ?, verified_at = ?, updated_at = ?
		WHERE id = ? AND status != ?`,
		StatusVerified, now.Unix(), now.Unix(), rec.ID, StatusVerified)
	if err != nil {
		return nil, fmt.Errorf("verify: mark verified: %w", err)
	}
	v.logger.Info("domain verified", "verification_id", rec.ID, "domain", rec.Domain)
	return v.Get(ctx, verificationID)
}

func (v *Verifier) checkDNS(ctx context.Context, rec *Record) error {
	name := challengeLabel + "." + rec.Domain
	txts, err := v.resolver.LookupTXT(ctx, name)
	if err != nil {
		return fmt.Errorf("lookup TXT %s: %w", name, err)
	}
	want := tokenPrefix + rec.ChallengeToken
	for _, txt := range txts {
		if strings.TrimSpace(txt) == want {
			return nil
		}
	}
	return fmt.Errorf("no TXT record on %s matches the challenge", name)
}

func (v *Verifier) checkFile(ctx context.Context, rec *Record) error {
	url := "https://" + rec.Domain + wellKnownPath
	if err := v.validateURL(url); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(websafe.BoundedReader(resp.Body, websafe.MaxResponseBody))
	if err != nil {
		return fmt.Errorf("read %s: %w", url, err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == rec.ChallengeToken {
			return nil
		}
	}
	return fmt.Errorf("challenge file on %s does not contain the token", rec.Domain)
}

// ForceVerify transitions the record straight to verified without a live
// lookup. Refused unless the override flag is on. Operator use only.
func (v *Verifier) ForceVerify(ctx context.Context, verificationID string) (*Record, error) {
	enabled, err := v.forceEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("verify: read force flag: %w", err)
	}
	if !enabled {
		return nil, &ErrForceVerifyDisabled{}
	}

	rec, err := v.Get(ctx, verificationID)
	if err != nil {
		return nil, err
	}
	if rec.Status == StatusVerified {
		return rec, nil
	}

	now := v.now()
	_, err = v.db.ExecContext(ctx, `
		UPDATE domain_verifications SET status = ?, verified_at = ?, updated_at = ?
		WHERE id = ? AND status != ?`,
		StatusVerified, now.Unix(), now.Unix(), rec.ID, StatusVerified)
	if err != nil {
		return nil, fmt.Errorf("verify: force verify: %w", err)
	}
	v.logger.Warn("domain force-verified", "verification_id", rec.ID, "domain", rec.Domain)
	return v.Get(ctx, verificationID)
}

// Delete removes the record. Fails with *ErrInUse when a non-terminal app
// still references it.
func (v *Verifier) Delete(ctx context.Context, verificationID string) error {
	inUse, err := v.refInUse(ctx, verificationID)
	if err != nil {
		return fmt.Errorf("verify: check references: %w", err)
	}
	if inUse {
		return &ErrInUse{VerificationID: verificationID}
	}

	res, err := v.db.ExecContext(ctx,
		`DELETE FROM domain_verifications WHERE id = ?`, verificationID)
	if err != nil {
		return fmt.Errorf("verify: delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ErrNotFound{VerificationID: verificationID}
	}
	return nil
}

// Get returns one record by ID.
func (v *Verifier) Get(ctx context.Context, verificationID string) (*Record, error) {
	rec := &Record{}
	var verifiedAt sql.NullInt64
	var createdAt, updatedAt int64
	err := v.db.QueryRowContext(ctx, `
		SELECT id, owner_id, domain, method, status, challenge_token,
		       verified_at, created_at, updated_at
		FROM domain_verifications WHERE id = ?`, verificationID).Scan(
		&rec.ID, &rec.OwnerID, &rec.Domain, &rec.Method, &rec.Status,
		&rec.ChallengeToken, &verifiedAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{VerificationID: verificationID}
	}
	if err != nil {
		return nil, fmt.Errorf("verify: get: %w", err)
	}
	if verifiedAt.Valid {
		t := time.Unix(verifiedAt.Int64, 0)
		rec.VerifiedAt = &t
	}
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	return rec, nil
}

// ListByOwner returns all records for an owner, newest first.
func (v *Verifier) ListByOwner(ctx context.Context, ownerID string) ([]*Record, error) {
	rows, err := v.db.QueryContext(ctx, `
		SELECT id FROM domain_verifications
		WHERE owner_id = ? ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("verify: list: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := v.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// IsVerified reports whether the record exists and is verified. Used by the
// build orchestrator as a precondition.
func (v *Verifier) IsVerified(ctx context.Context, verificationID string) (bool, error) {
	var status string
	err := v.db.QueryRowContext(ctx,
		`SELECT status FROM domain_verifications WHERE id = ?`, verificationID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return status == StatusVerified, nil
}

// normalizeDomain validates and lowercases a bare hostname. Rejects URLs,
// ports, single-label names, and anything idna refuses.
func normalizeDomain(domain string) (string, error) {
	d := strings.TrimSpace(strings.ToLower(domain))
	if d == "" {
		return "", errors.New("empty domain")
	}
	if strings.ContainsAny(d, "/:@ ") {
		return "", errors.New("domain must be a bare hostname")
	}
	ascii, err := idna.Lookup.ToASCII(d)
	if err != nil {
		return "", err
	}
	if !strings.Contains(ascii, ".") {
		return "", errors.New("domain must have at least two labels")
	}
	if net.ParseIP(ascii) != nil {
		return "", errors.New("IP addresses cannot be verified")
	}
	return ascii, nil
}

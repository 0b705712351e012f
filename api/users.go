package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jaafar-jad/solostore/auth"
	"github.com/jaafar-jad/solostore/idgen"
)

// UsersSchema contains the DDL for platform accounts.
const UsersSchema = `
CREATE TABLE IF NOT EXISTS users (
    id            TEXT PRIMARY KEY,
    email         TEXT NOT NULL UNIQUE,
    name          TEXT NOT NULL,
    password_hash TEXT NOT NULL,
    role          TEXT NOT NULL DEFAULT 'owner' CHECK (role IN ('owner','operator')),
    created_at    INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);
`

// ErrBadCredentials is returned by Authenticate for unknown emails and
// wrong passwords alike.
var ErrBadCredentials = errors.New("api: bad credentials")

// UserStore manages platform accounts.
type UserStore struct {
	db    *sql.DB
	newID idgen.Generator
}

// NewUserStore creates the store. The users schema must be applied.
func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db, newID: idgen.Prefixed("usr_", idgen.Default)}
}

// Create registers an account with a bcrypt-hashed password.
func (u *UserStore) Create(ctx context.Context, email, name, password, role string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return "", fmt.Errorf("api: email and password are required")
	}
	if role != auth.RoleOwner && role != auth.RoleOperator {
		return "", fmt.Errorf("api: unknown role %q", role)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return "", err
	}
	id := u.newID()
	_, err = u.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, password_hash, role) VALUES (?,?,?,?,?)`,
		id, email, name, hash, role)
	if err != nil {
		return "", fmt.Errorf("api: create user: %w", err)
	}
	return id, nil
}

// EnsureOperator seeds the operator account if the email is not taken.
// Idempotent, called at startup.
func (u *UserStore) EnsureOperator(ctx context.Context, email, password string) error {
	var n int
	err := u.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE email = ?`, strings.ToLower(email)).Scan(&n)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, err = u.Create(ctx, email, "operator", password, auth.RoleOperator)
	return err
}

// Authenticate checks the password and returns session claims.
func (u *UserStore) Authenticate(ctx context.Context, email, password string) (*auth.Claims, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	var id, name, hash, role string
	err := u.db.QueryRowContext(ctx, `
		SELECT id, name, password_hash, role FROM users WHERE email = ?`, email).
		Scan(&id, &name, &hash, &role)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBadCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("api: authenticate: %w", err)
	}
	if !auth.CheckPassword(hash, password) {
		return nil, ErrBadCredentials
	}
	return &auth.Claims{UserID: id, Username: name, Role: role, Email: email}, nil
}

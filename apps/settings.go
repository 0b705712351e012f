package apps

import (
	"context"
	"fmt"
)

// Review modes.
const (
	ReviewModeAuto   = "auto"
	ReviewModeManual = "manual"
)

// Settings is the platform-wide configuration singleton.
type Settings struct {
	ReviewMode         string `json:"review_mode"`
	ForceVerifyEnabled bool   `json:"force_verify_enabled"`
}

// GetSettings reads the singleton settings row.
func (s *Service) GetSettings(ctx context.Context) (*Settings, error) {
	out := &Settings{}
	var force int
	err := s.db.QueryRowContext(ctx,
		`SELECT review_mode, force_verify_enabled FROM settings WHERE id = 1`).
		Scan(&out.ReviewMode, &force)
	if err != nil {
		return nil, fmt.Errorf("apps: read settings: %w", err)
	}
	out.ForceVerifyEnabled = force != 0
	return out, nil
}

// SetReviewMode switches auto/manual publication. Takes effect for future
// Submit calls only; apps already in pending_review are unaffected.
func (s *Service) SetReviewMode(ctx context.Context, mode string) error {
	if mode != ReviewModeAuto && mode != ReviewModeManual {
		return fmt.Errorf("apps: unknown review mode %q", mode)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE settings SET review_mode = ?, updated_at = ? WHERE id = 1`,
		mode, s.now().Unix())
	if err != nil {
		return fmt.Errorf("apps: set review mode: %w", err)
	}
	s.logger.Info("review mode changed", "mode", mode)
	return nil
}

// SetForceVerifyEnabled toggles the verifier's operator override flag.
func (s *Service) SetForceVerifyEnabled(ctx context.Context, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE settings SET force_verify_enabled = ?, updated_at = ? WHERE id = 1`,
		v, s.now().Unix())
	if err != nil {
		return fmt.Errorf("apps: set force verify flag: %w", err)
	}
	return nil
}

// ForceVerifyEnabled satisfies verify.FlagReader.
func (s *Service) ForceVerifyEnabled(ctx context.Context) (bool, error) {
	st, err := s.GetSettings(ctx)
	if err != nil {
		return false, err
	}
	return st.ForceVerifyEnabled, nil
}

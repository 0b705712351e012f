package forge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Builder performs the three units of build work. The orchestrator owns
// stage transitions; a Builder only does the work inside each stage and
// honors ctx cancellation.
type Builder interface {
	Compile(ctx context.Context, appID, domain string) error
	Sign(ctx context.Context, appID string) error
	Upload(ctx context.Context, appID, jobID string) (artifact string, err error)
}

// Manifest describes a built package.
type Manifest struct {
	Format  int       `yaml:"format"`
	App     string    `yaml:"app"`
	Domain  string    `yaml:"domain"`
	BuiltAt time.Time `yaml:"built_at"`
}

// PackageBuilder assembles distributable packages on local disk: a YAML
// manifest plus a checksum, staged per app and published per job with an
// atomic rename.
type PackageBuilder struct {
	dir string
}

// NewPackageBuilder creates a builder rooted at dir.
func NewPackageBuilder(dir string) *PackageBuilder {
	return &PackageBuilder{dir: dir}
}

func (b *PackageBuilder) stagingDir(appID string) string {
	return filepath.Join(b.dir, "staging", appID)
}

// Compile writes the package manifest into the app's staging directory.
func (b *PackageBuilder) Compile(ctx context.Context, appID, domain string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := b.stagingDir(appID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("forge: staging dir: %w", err)
	}
	m := Manifest{Format: 1, App: appID, Domain: domain, BuiltAt: time.Now().UTC()}
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("forge: marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.yaml"), data, 0o644); err != nil {
		return fmt.Errorf("forge: write manifest: %w", err)
	}
	return nil
}

// Sign writes a checksum over the staged manifest.
func (b *PackageBuilder) Sign(ctx context.Context, appID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := b.stagingDir(appID)
	data, err := os.ReadFile(filepath.Join(dir, "manifest.yaml"))
	if err != nil {
		return fmt.Errorf("forge: read staged manifest: %w", err)
	}
	sum := sha256.Sum256(data)
	if err := os.WriteFile(filepath.Join(dir, "manifest.sha256"),
		[]byte(hex.EncodeToString(sum[:])+"\n"), 0o644); err != nil {
		return fmt.Errorf("forge: write checksum: %w", err)
	}
	return nil
}

// Upload publishes the staged package under artifacts/ and returns its
// reference. Written to a temp path first so a crash mid-write never
// leaves a half-published artifact.
func (b *PackageBuilder) Upload(ctx context.Context, appID, jobID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	staging := b.stagingDir(appID)
	manifest, err := os.ReadFile(filepath.Join(staging, "manifest.yaml"))
	if err != nil {
		return "", fmt.Errorf("forge: read staged manifest: %w", err)
	}
	sum, err := os.ReadFile(filepath.Join(staging, "manifest.sha256"))
	if err != nil {
		return "", fmt.Errorf("forge: read staged checksum: %w", err)
	}

	outDir := filepath.Join(b.dir, "artifacts")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("forge: artifacts dir: %w", err)
	}
	final := filepath.Join(outDir, jobID+".pkg")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, append(manifest, sum...), 0o644); err != nil {
		return "", fmt.Errorf("forge: write artifact: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return "", fmt.Errorf("forge: publish artifact: %w", err)
	}
	os.RemoveAll(staging)
	return final, nil
}

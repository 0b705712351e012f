// Entry point for the solostore publication service: SQLite-backed app
// lifecycle, domain verification, build orchestration and wizard drafts
// behind a chi JSON API.
package main

import (
	"context"
	"crypto/sha256"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"

	"github.com/jaafar-jad/solostore/api"
	"github.com/jaafar-jad/solostore/apps"
	"github.com/jaafar-jad/solostore/dbopen"
	"github.com/jaafar-jad/solostore/drafts"
	"github.com/jaafar-jad/solostore/forge"
	"github.com/jaafar-jad/solostore/notify"
	"github.com/jaafar-jad/solostore/observability"
	"github.com/jaafar-jad/solostore/verify"
)

// fileConfig is the optional YAML overlay (CONFIG_FILE). Environment
// variables win over file values.
type fileConfig struct {
	Port         string `yaml:"port"`
	DBPath       string `yaml:"db_path"`
	PackagesDir  string `yaml:"packages_dir"`
	BuildTimeout string `yaml:"build_timeout"`
	LogLevel     string `yaml:"log_level"`
}

func main() {
	// .env is a convenience for local runs; absence is not an error.
	_ = godotenv.Load()

	var fc fileConfig
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Error("read config file", "path", path, "error", err)
			os.Exit(1)
		}
		if err := yaml.Unmarshal(data, &fc); err != nil {
			slog.Error("parse config file", "path", path, "error", err)
			os.Exit(1)
		}
	}

	port := env("PORT", fallback(fc.Port, "8080"))
	dbPath := env("DB_PATH", fallback(fc.DBPath, "db/solostore.db"))
	packagesDir := env("PACKAGES_DIR", fallback(fc.PackagesDir, "packages"))
	logLevel := env("LOG_LEVEL", fallback(fc.LogLevel, "info"))

	buildTimeout := 10 * time.Minute
	if raw := env("BUILD_TIMEOUT", fc.BuildTimeout); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			slog.Error("invalid BUILD_TIMEOUT", "value", raw, "error", err)
			os.Exit(1)
		}
		buildTimeout = d
	}

	secretInput := os.Getenv("SESSION_SECRET")
	if secretInput == "" {
		slog.Error("SESSION_SECRET is required")
		os.Exit(1)
	}
	// Derive a fixed-size JWT secret regardless of input length.
	secretHash := sha256.Sum256([]byte(secretInput))
	jwtSecret := secretHash[:]

	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := dbopen.Open(dbPath,
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(apps.Schema),
		dbopen.WithSchema(verify.Schema),
		dbopen.WithSchema(forge.Schema),
		dbopen.WithSchema(drafts.Schema),
		dbopen.WithSchema(observability.Schema),
		dbopen.WithSchema(api.UsersSchema))
	if err != nil {
		slog.Error("open database", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	users := api.NewUserStore(db)
	if opEmail, opPass := os.Getenv("OPERATOR_EMAIL"), os.Getenv("OPERATOR_PASSWORD"); opEmail != "" && opPass != "" {
		if err := users.EnsureOperator(ctx, opEmail, opPass); err != nil {
			slog.Error("seed operator", "error", err)
			os.Exit(1)
		}
	}

	hub := notify.NewHub(notify.WithLogger(logger))
	defer hub.Close()
	pushed := notify.NewMonotone(hub)
	events := observability.NewEventLogger(db)

	jobs := forge.NewStore(db)
	// The verifier and the app service reference each other; the closure
	// binds after verify.New runs.
	var verifier *verify.Verifier
	appSvc := apps.New(db,
		apps.WithBuildReader(jobs),
		apps.WithVerificationReader(apps.VerificationReaderFunc(
			func(ctx context.Context, id string) (bool, error) {
				return verifier.IsVerified(ctx, id)
			})),
		apps.WithNotifier(pushed),
		apps.WithEventLogger(events),
		apps.WithLogger(logger))

	verifier = verify.New(db,
		verify.WithRefChecker(appSvc.HasActiveReference),
		verify.WithForceVerifyFlag(appSvc.ForceVerifyEnabled),
		verify.WithLogger(logger))

	orch := forge.New(jobs, appSvc, api.DomainCheckerFor(appSvc, verifier),
		forge.WithBuilder(forge.NewPackageBuilder(packagesDir)),
		forge.WithNotifier(pushed),
		forge.WithEventLogger(events),
		forge.WithJobTimeout(buildTimeout),
		forge.WithLogger(logger))
	go orch.Run(ctx)

	draftStore := drafts.New(db, drafts.WithLogger(logger))

	server := api.New(api.Deps{
		Apps:     appSvc,
		Verifier: verifier,
		Forge:    orch,
		Drafts:   draftStore,
		Hub:      hub,
		Users:    users,
		Secret:   jwtSecret,
		Logger:   logger,
	})

	httpSrv := &http.Server{
		Addr:              ":" + port,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http shutdown", "error", err)
		}
	}()

	slog.Info("solostore starting", "port", port, "db", dbPath, "packages", packagesDir)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server", "error", err)
		os.Exit(1)
	}

	// Drain in-flight work before exit: pending wizard saves and
	// running build workers.
	if err := draftStore.Flush(context.Background()); err != nil {
		slog.Error("flush drafts", "error", err)
	}
	orch.Wait()
	slog.Info("solostore stopped")
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func fallback(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

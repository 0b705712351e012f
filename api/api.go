// Package api is the HTTP surface of the publication pipeline: owner
// routes for apps, domain verification, builds and wizard drafts, and
// operator routes for review and platform settings. JSON in, JSON out;
// the shield stack and JWT middleware wrap every route.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jaafar-jad/solostore/apps"
	"github.com/jaafar-jad/solostore/auth"
	"github.com/jaafar-jad/solostore/drafts"
	"github.com/jaafar-jad/solostore/forge"
	"github.com/jaafar-jad/solostore/notify"
	"github.com/jaafar-jad/solostore/shield"
	"github.com/jaafar-jad/solostore/verify"
)

// Deps collects the wired services the API fronts.
type Deps struct {
	Apps     *apps.Service
	Verifier *verify.Verifier
	Forge    *forge.Orchestrator
	Drafts   *drafts.Store
	Hub      *notify.Hub
	Users    *UserStore
	Secret   []byte
	Logger   *slog.Logger
}

// Server handles HTTP requests.
type Server struct {
	apps     *apps.Service
	verifier *verify.Verifier
	forge    *forge.Orchestrator
	drafts   *drafts.Store
	hub      *notify.Hub
	users    *UserStore
	secret   []byte
	logger   *slog.Logger

	mu      sync.Mutex
	streams map[string]*eventStream
}

// New creates the server. All Deps fields except Logger are required.
func New(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		apps:     d.Apps,
		verifier: d.Verifier,
		forge:    d.Forge,
		drafts:   d.Drafts,
		hub:      d.Hub,
		users:    d.Users,
		secret:   d.Secret,
		logger:   logger,
		streams:  make(map[string]*eventStream),
	}
}

// Router builds the chi router with the full route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.DefaultStack() {
		r.Use(mw)
	}
	r.Use(auth.Middleware(s.secret))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/api/auth/login", s.handleLogin)
	r.Post("/api/auth/logout", s.handleLogout)

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth)

		r.Get("/api/auth/me", s.handleMe)
		r.Get("/api/v1/events", s.handleEvents)

		r.Route("/api/v1/apps", func(r chi.Router) {
			r.Get("/", s.handleListApps)
			r.Post("/", s.handleCreateApp)
			r.Route("/{appID}", func(r chi.Router) {
				r.Get("/", s.handleGetApp)
				r.Delete("/", s.handleDeleteApp)
				r.Post("/verification", s.handleAttachVerification)
				r.Post("/submit", s.handleSubmit)
				r.Post("/unpublish", s.handleUnpublish)
				r.Route("/build", func(r chi.Router) {
					r.Post("/", s.handleStartBuild)
					r.Get("/{jobID}", s.handleBuildStatus)
					r.Get("/{jobID}/logs", s.handleBuildLogs)
					r.Post("/{jobID}/cancel", s.handleCancelBuild)
				})
			})
		})

		r.Route("/api/v1/verifications", func(r chi.Router) {
			r.Get("/", s.handleListVerifications)
			r.Post("/", s.handleInitiateVerification)
			r.Post("/{verID}/check", s.handleCheckVerification)
			r.Delete("/{verID}", s.handleDeleteVerification)
		})

		r.Route("/api/v1/draft", func(r chi.Router) {
			r.Put("/", s.handleSaveDraft)
			r.Get("/", s.handleLoadDraft)
			r.Get("/summary", s.handlePeekDraft)
			r.Delete("/", s.handleClearDraft)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole(auth.RoleOperator))

			r.Route("/api/v1/review", func(r chi.Router) {
				r.Get("/pending", s.handlePendingReview)
				r.Post("/{appID}/approve", s.handleApprove)
				r.Post("/{appID}/reject", s.handleReject)
			})
			r.Route("/api/v1/admin", func(r chi.Router) {
				r.Get("/settings", s.handleGetSettings)
				r.Put("/review-mode", s.handleSetReviewMode)
				r.Put("/force-verify", s.handleSetForceVerify)
				r.Post("/verifications/{verID}/force", s.handleForceVerify)
			})
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeDomainError maps typed service errors to HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.As(err, new(*apps.ErrNotFound)),
		errors.As(err, new(*verify.ErrNotFound)),
		errors.As(err, new(*forge.ErrJobNotFound)),
		errors.Is(err, drafts.ErrNoDraft):
		return http.StatusNotFound
	case errors.As(err, new(*apps.ErrInvalidTransition)),
		errors.As(err, new(*forge.ErrBuildInProgress)),
		errors.As(err, new(*forge.ErrJobTerminal)),
		errors.As(err, new(*verify.ErrAlreadyVerified)),
		errors.As(err, new(*verify.ErrInUse)):
		return http.StatusConflict
	case errors.As(err, new(*verify.ErrInvalidDomain)),
		errors.As(err, new(*apps.ErrNoCompletedBuild)),
		errors.As(err, new(*apps.ErrDomainNotVerified)),
		errors.As(err, new(*forge.ErrDomainNotVerified)),
		errors.Is(err, apps.ErrNameRequired),
		errors.Is(err, apps.ErrReasonRequired):
		return http.StatusBadRequest
	case errors.As(err, new(*verify.ErrVerificationFailed)):
		return http.StatusUnprocessableEntity
	case errors.As(err, new(*verify.ErrForceVerifyDisabled)):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

// ownedApp loads the app and enforces that the caller owns it. Operators
// may touch any app. Writes the error response itself on failure.
func (s *Server) ownedApp(w http.ResponseWriter, r *http.Request) (*apps.App, bool) {
	claims := auth.GetClaims(r.Context())
	app, err := s.apps.Get(r.Context(), chi.URLParam(r, "appID"))
	if err != nil {
		writeDomainError(w, err)
		return nil, false
	}
	if app.OwnerID != claims.UserID && claims.Role != auth.RoleOperator {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "not your app"})
		return nil, false
	}
	return app, true
}

// ownedVerification is the same ownership gate for verification records.
func (s *Server) ownedVerification(w http.ResponseWriter, r *http.Request) (*verify.Record, bool) {
	claims := auth.GetClaims(r.Context())
	rec, err := s.verifier.Get(r.Context(), chi.URLParam(r, "verID"))
	if err != nil {
		writeDomainError(w, err)
		return nil, false
	}
	if rec.OwnerID != claims.UserID && claims.Role != auth.RoleOperator {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "not your verification"})
		return nil, false
	}
	return rec, true
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	claims, err := s.users.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
		return
	}
	token, err := auth.GenerateToken(s.secret, claims, 30*24*time.Hour)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	secure := r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
	auth.SetTokenCookie(w, token, secure)
	writeJSON(w, http.StatusOK, map[string]string{
		"id": claims.UserID, "name": claims.Username, "role": claims.Role, "token": token,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, _ *http.Request) {
	auth.ClearTokenCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	c := auth.GetClaims(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{
		"id": c.UserID, "name": c.Username, "role": c.Role,
	})
}

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handlePendingReview(w http.ResponseWriter, r *http.Request) {
	list, err := s.apps.ListPendingReview(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	app, err := s.apps.Approve(r.Context(), chi.URLParam(r, "appID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	app, err := s.apps.Reject(r.Context(), chi.URLParam(r, "appID"), req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.apps.GetSettings(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleSetReviewMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.apps.SetReviewMode(r.Context(), req.Mode); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"review_mode": req.Mode})
}

func (s *Server) handleSetForceVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.apps.SetForceVerifyEnabled(r.Context(), req.Enabled); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"force_verify_enabled": req.Enabled})
}

func (s *Server) handleForceVerify(w http.ResponseWriter, r *http.Request) {
	rec, err := s.verifier.ForceVerify(r.Context(), chi.URLParam(r, "verID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

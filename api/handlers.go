package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jaafar-jad/solostore/auth"
	"github.com/jaafar-jad/solostore/forge"
)

func (s *Server) handleListApps(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	list, err := s.apps.ListByOwner(r.Context(), claims.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateApp(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	app, err := s.apps.Create(r.Context(), claims.UserID, req.Name, req.Description)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	// Creating the app consumes the wizard draft.
	if err := s.drafts.Clear(r.Context(), claims.UserID); err != nil {
		s.logger.Error("clear draft after create", "owner_id", claims.UserID, "error", err)
	}
	writeJSON(w, http.StatusCreated, app)
}

func (s *Server) handleGetApp(w http.ResponseWriter, r *http.Request) {
	app, ok := s.ownedApp(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (s *Server) handleDeleteApp(w http.ResponseWriter, r *http.Request) {
	app, ok := s.ownedApp(w, r)
	if !ok {
		return
	}
	if err := s.apps.Delete(r.Context(), app.ID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleAttachVerification(w http.ResponseWriter, r *http.Request) {
	app, ok := s.ownedApp(w, r)
	if !ok {
		return
	}
	var req struct {
		VerificationID string `json:"verification_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	claims := auth.GetClaims(r.Context())
	rec, err := s.verifier.Get(r.Context(), req.VerificationID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if rec.OwnerID != claims.UserID && claims.Role != auth.RoleOperator {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "not your verification"})
		return
	}
	if err := s.apps.SetDomainVerification(r.Context(), app.ID, rec.ID); err != nil {
		writeDomainError(w, err)
		return
	}
	app, err = s.apps.Get(r.Context(), app.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	app, ok := s.ownedApp(w, r)
	if !ok {
		return
	}
	app, err := s.apps.Submit(r.Context(), app.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (s *Server) handleUnpublish(w http.ResponseWriter, r *http.Request) {
	app, ok := s.ownedApp(w, r)
	if !ok {
		return
	}
	app, err := s.apps.Unpublish(r.Context(), app.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (s *Server) handleStartBuild(w http.ResponseWriter, r *http.Request) {
	app, ok := s.ownedApp(w, r)
	if !ok {
		return
	}
	job, err := s.forge.Start(r.Context(), app.OwnerID, app.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// appJob loads the job and checks it belongs to the (already ownership-
// checked) app, so a caller cannot reach another app's jobs through
// their own app path.
func (s *Server) appJob(w http.ResponseWriter, r *http.Request, appID string) (*forge.Job, bool) {
	job, err := s.forge.GetStatus(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeDomainError(w, err)
		return nil, false
	}
	if job.AppID != appID {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such job for this app"})
		return nil, false
	}
	return job, true
}

func (s *Server) handleBuildStatus(w http.ResponseWriter, r *http.Request) {
	app, ok := s.ownedApp(w, r)
	if !ok {
		return
	}
	job, ok := s.appJob(w, r, app.ID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleBuildLogs(w http.ResponseWriter, r *http.Request) {
	app, ok := s.ownedApp(w, r)
	if !ok {
		return
	}
	job, ok := s.appJob(w, r, app.ID)
	if !ok {
		return
	}
	logs, err := s.forge.GetLogs(r.Context(), job.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if logs == nil {
		logs = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": logs})
}

func (s *Server) handleCancelBuild(w http.ResponseWriter, r *http.Request) {
	app, ok := s.ownedApp(w, r)
	if !ok {
		return
	}
	job, ok := s.appJob(w, r, app.ID)
	if !ok {
		return
	}
	if err := s.forge.Cancel(r.Context(), job.ID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleListVerifications(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	list, err := s.verifier.ListByOwner(r.Context(), claims.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleInitiateVerification(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	var req struct {
		Domain string `json:"domain"`
		Method string `json:"method"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	rec, instructions, err := s.verifier.Initiate(r.Context(), claims.UserID, req.Domain, req.Method)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"verification": rec,
		"instructions": instructions,
	})
}

func (s *Server) handleCheckVerification(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.ownedVerification(w, r)
	if !ok {
		return
	}
	rec, err := s.verifier.Check(r.Context(), rec.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteVerification(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.ownedVerification(w, r)
	if !ok {
		return
	}
	if err := s.verifier.Delete(r.Context(), rec.ID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleSaveDraft(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	var req struct {
		Step    int             `json:"step"`
		Payload json.RawMessage `json:"payload"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.drafts.Save(r.Context(), claims.UserID, req.Step, req.Payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (s *Server) handleLoadDraft(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	d, err := s.drafts.Load(r.Context(), claims.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handlePeekDraft(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	sum, err := s.drafts.Peek(r.Context(), claims.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleClearDraft(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	if err := s.drafts.Clear(r.Context(), claims.UserID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

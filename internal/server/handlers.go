package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/michaelbrown/galaxy/internal/runner"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// --- Run handlers ---

type runResponse struct {
	RunID string `json:"run_id"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runner.RunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	sess, err := s.sup.StartRun(context.Background(), req)
	if err != nil {
		status := http.StatusUnprocessableEntity
		switch {
		case errors.Is(err, runner.ErrUnknownLanguage):
			status = http.StatusBadRequest
		case errors.Is(err, runner.ErrCanceled):
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, runResponse{RunID: sess.ID})
}

func (s *Server) handleActiveRun(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sup.Active()
	if !ok {
		writeError(w, http.StatusNotFound, "no active run")
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

type inputRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	var req inputRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	if sess, ok := s.sup.Active(); !ok || !sess.Info().Running {
		writeError(w, http.StatusConflict, "no program running")
		return
	}

	s.sup.SendInput(req.Content)
	w.WriteHeader(http.StatusNoContent)
}

type stopResponse struct {
	Stopped bool `json:"stopped"`
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, stopResponse{Stopped: s.sup.Stop()})
}

// --- Language handlers ---

type languagesResponse struct {
	Default   string            `json:"default"`
	Languages []runner.Language `json:"languages"`
}

func (s *Server) handleListLanguages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, languagesResponse{
		Default:   s.langs.Default(),
		Languages: s.langs.List(),
	})
}

package api

import (
	"errors"
	"net/http"
	"strings"

	"tipline/core/store"
)

func (s *Server) CreateCase(w http.ResponseWriter, r *http.Request) {
	var payload store.CaseFile
	if err := decodeBody(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	c, err := s.cases.Create(r.Context(), &payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"item": c})
}

func (s *Server) ListCases(w http.ResponseWriter, r *http.Request) {
	items, err := s.cases.List(r.Context(),
		parseIntDefault(r.URL.Query().Get("limit"), 100),
		parseIntDefault(r.URL.Query().Get("offset"), 0))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) GetCase(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	c, err := s.cases.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "case not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": c})
}

func (s *Server) UpdateCase(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var payload store.CaseFile
	if err := decodeBody(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	payload.ID = id
	if err := s.cases.Update(r.Context(), &payload); err != nil {
		if errors.Is(err, store.ErrFinalized) {
			writeError(w, http.StatusConflict, "case is finalized")
			return
		}
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": payload})
}

func (s *Server) AddAnnotation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var payload store.Annotation
	if err := decodeBody(r, &payload); err != nil || strings.TrimSpace(payload.Text) == "" {
		writeError(w, http.StatusBadRequest, "annotation text required")
		return
	}
	if err := s.cases.AddAnnotation(r.Context(), id, payload); err != nil {
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) CaseIncidents(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	items, err := s.cases.Incidents(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) AttachIncidents(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	payload := struct {
		IncidentIDs []int64 `json:"incident_ids"`
	}{}
	if err := decodeBody(r, &payload); err != nil || len(payload.IncidentIDs) == 0 {
		writeError(w, http.StatusBadRequest, "incident_ids required")
		return
	}
	if err := s.cases.AttachIncidents(r.Context(), id, payload.IncidentIDs); err != nil {
		if errors.Is(err, store.ErrFinalized) {
			writeError(w, http.StatusConflict, "case is finalized")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) CaseReports(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	items, err := s.cases.Reports(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) CaseState(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	cp, err := s.cases.Checkpoint(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	if cp == nil {
		writeError(w, http.StatusNotFound, "no finalization in progress")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": cp})
}

func (s *Server) FinalizeCase(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := s.cases.BeginFinalize(r.Context(), id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued"})
}

func (s *Server) RetractCase(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := s.cases.Retract(r.Context(), id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "retracted"})
}

func (s *Server) CreatePerson(w http.ResponseWriter, r *http.Request) {
	var payload store.Person
	if err := decodeBody(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	p, err := s.cases.CreatePerson(r.Context(), &payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"item": p})
}

func (s *Server) GetPerson(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	p, err := s.cases.GetPerson(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "person not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": p})
}

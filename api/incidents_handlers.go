package api

import (
	"errors"
	"net/http"

	"tipline/core/store"
)

func (s *Server) CreateIncident(w http.ResponseWriter, r *http.Request) {
	payload := struct {
		Title           string `json:"title"`
		CreatorUserID   int64  `json:"creator_user_id"`
		CreatorUsername string `json:"creator_username"`
	}{}
	if err := decodeBody(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	inc, err := s.incidents.Create(r.Context(), payload.Title, payload.CreatorUserID, payload.CreatorUsername)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"item": inc})
}

func (s *Server) ListIncidents(w http.ResponseWriter, r *http.Request) {
	filter := store.IncidentFilter{
		CaseID: int64(parseIntDefault(r.URL.Query().Get("case_id"), 0)),
		Limit:  parseIntDefault(r.URL.Query().Get("limit"), 100),
		Offset: parseIntDefault(r.URL.Query().Get("offset"), 0),
	}
	items, err := s.incidents.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) GetIncident(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	inc, err := s.incidents.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	if inc == nil {
		writeError(w, http.StatusNotFound, "incident not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": inc})
}

func (s *Server) DeleteIncident(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := s.incidents.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (s *Server) IncidentUsers(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	items, err := s.incidents.Users(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) AssociateUsers(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	payload := struct {
		UserIDs []int64 `json:"user_ids"`
	}{}
	if err := decodeBody(r, &payload); err != nil || len(payload.UserIDs) == 0 {
		writeError(w, http.StatusBadRequest, "user_ids required")
		return
	}
	added, err := s.incidents.AssociateUsers(r.Context(), id, payload.UserIDs)
	if err != nil {
		writeAssociationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"added": added})
}

func (s *Server) DisassociateUsers(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	payload := struct {
		UserIDs []int64 `json:"user_ids"`
	}{}
	if err := decodeBody(r, &payload); err != nil || len(payload.UserIDs) == 0 {
		writeError(w, http.StatusBadRequest, "user_ids required")
		return
	}
	if err := s.incidents.DisassociateUsers(r.Context(), id, payload.UserIDs); err != nil {
		writeAssociationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": payload.UserIDs})
}

func (s *Server) IncidentContents(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	items, err := s.incidents.Contents(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) AssociateContent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	payload := struct {
		Contents []store.ContentKey `json:"contents"`
	}{}
	if err := decodeBody(r, &payload); err != nil || len(payload.Contents) == 0 {
		writeError(w, http.StatusBadRequest, "contents required")
		return
	}
	if err := s.incidents.AssociateContent(r.Context(), id, payload.Contents); err != nil {
		writeAssociationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) DisassociateContent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	payload := struct {
		Contents []store.ContentKey `json:"contents"`
	}{}
	if err := decodeBody(r, &payload); err != nil || len(payload.Contents) == 0 {
		writeError(w, http.StatusBadRequest, "contents required")
		return
	}
	if err := s.incidents.DisassociateContent(r.Context(), id, payload.Contents); err != nil {
		writeAssociationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) IncidentAttachments(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	items, err := s.incidents.Attachments(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) AssociateAttachments(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	payload := struct {
		DataIDs []int64 `json:"data_ids"`
	}{}
	if err := decodeBody(r, &payload); err != nil || len(payload.DataIDs) == 0 {
		writeError(w, http.StatusBadRequest, "data_ids required")
		return
	}
	if err := s.incidents.AssociateAttachments(r.Context(), id, payload.DataIDs); err != nil {
		writeAssociationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) DisassociateAttachment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	dataID, ok := pathInt64(r, "dataID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid attachment id")
		return
	}
	if err := s.incidents.DisassociateAttachment(r.Context(), id, dataID); err != nil {
		writeAssociationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) CollectIncident(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	res, err := s.incidents.Collect(r.Context(), id)
	if err != nil {
		writeAssociationError(w, err)
		return
	}
	if res == nil {
		writeError(w, http.StatusNotFound, "incident not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": res})
}

func writeAssociationError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrFinalized) {
		writeError(w, http.StatusConflict, "incident is finalized")
		return
	}
	writeError(w, http.StatusInternalServerError, "server error")
}

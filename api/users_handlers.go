package api

import (
	"net/http"

	"tipline/core/store"
)

func (s *Server) UpsertUser(w http.ResponseWriter, r *http.Request) {
	var payload store.User
	if err := decodeBody(r, &payload); err != nil || payload.ID <= 0 {
		writeError(w, http.StatusBadRequest, "user id required")
		return
	}
	if err := s.users.Upsert(r.Context(), &payload); err != nil {
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": payload})
}

func (s *Server) GetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	u, err := s.users.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	if u == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": u})
}

func (s *Server) AddUserIP(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var payload store.UserIPEvent
	if err := decodeBody(r, &payload); err != nil || payload.IP == "" {
		writeError(w, http.StatusBadRequest, "ip required")
		return
	}
	payload.UserID = id
	if err := s.users.AddIPEvent(r.Context(), &payload); err != nil {
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"item": payload})
}

package handler

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/clubchat/internal/model"
	"github.com/clubchat/internal/repository"
)

// DirectoryHandler обслуживает публичную запись каталога.
// Чтение анонимно, запись — только с write-токеном.
type DirectoryHandler struct {
	repo       *repository.DirectoryRepository
	writeToken string
}

func NewDirectoryHandler(repo *repository.DirectoryRepository, writeToken string) *DirectoryHandler {
	return &DirectoryHandler{repo: repo, writeToken: writeToken}
}

// Get возвращает текущую запись. 404 до первой публикации — клиенты чата
// трактуют это как «чата ещё нет».
func (h *DirectoryHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.repo.Get(r.Context())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "directory record not published")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Put перезаписывает запись целиком (последняя публикация выигрывает).
func (h *DirectoryHandler) Put(w http.ResponseWriter, r *http.Request) {
	if h.writeToken == "" {
		writeError(w, http.StatusForbidden, "directory is read-only: write token not configured")
		return
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.writeToken)) != 1 {
		writeError(w, http.StatusForbidden, "invalid write token")
		return
	}

	var rec model.DirectoryRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if rec.GlobalGroupID == "" || rec.AdminInboxID == "" {
		writeError(w, http.StatusBadRequest, "globalGroupId and adminInboxId are required")
		return
	}
	if err := h.repo.Put(r.Context(), &rec); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Package scripts serves the loader script inventory.
package scripts

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/marketlens/core/pkg/handlers/respond"
	"github.com/marketlens/core/pkg/logger"
	"github.com/marketlens/core/pkg/models"
	"github.com/marketlens/core/pkg/models/api"
)

// Store is the slice of the script store the handler needs.
type Store interface {
	List() ([]api.ScriptInfo, error)
	Read(name string) (string, error)
	Write(name, content string) error
}

// Handler handles script listing requests
type Handler struct {
	store  Store
	logger *logger.Logger
}

// NewHandler creates a new scripts handler
func NewHandler(store Store, log *logger.Logger) *Handler {
	return &Handler{
		store:  store,
		logger: log,
	}
}

// List handles GET /api/scripts
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	scripts, err := h.store.List()
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	if scripts == nil {
		scripts = []api.ScriptInfo{}
	}
	respond.JSON(w, http.StatusOK, api.ScriptsResponse{Scripts: scripts})
}

// Upload handles POST /api/scripts. The store validates the filename, so
// traversal attempts surface as validation errors here.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	var req api.ScriptUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, h.logger, fmt.Errorf("%w: invalid request body: %v", models.ErrValidation, err))
		return
	}
	if req.Content == "" {
		respond.Error(w, h.logger, fmt.Errorf("%w: script content must not be empty", models.ErrValidation))
		return
	}

	if err := h.store.Write(req.Filename, req.Content); err != nil {
		respond.Error(w, h.logger, err)
		return
	}

	h.logger.Info().
		Str("action", "script_uploaded").
		Str("filename", req.Filename).
		Int("size", len(req.Content)).
		Msg("Script uploaded")

	respond.JSON(w, http.StatusCreated, api.ScriptContentResponse{
		Filename: req.Filename,
		Content:  req.Content,
	})
}

// Get handles GET /api/scripts/{name}. The store validates the name, so
// traversal attempts surface as validation errors here.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	content, err := h.store.Read(name)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}

	respond.JSON(w, http.StatusOK, api.ScriptContentResponse{
		Filename: name,
		Content:  content,
	})
}

package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"

	"github.com/kozaktomas/fingermatch/internal/config"
	"github.com/kozaktomas/fingermatch/internal/featurestore"
	"github.com/kozaktomas/fingermatch/internal/identify"
)

// CompareHandler scores one image pair synchronously
type CompareHandler struct {
	config *config.Config
	store  featurestore.Store
	logger *slog.Logger
}

// NewCompareHandler creates a new compare handler
func NewCompareHandler(cfg *config.Config, store featurestore.Store, logger *slog.Logger) *CompareHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CompareHandler{
		config: cfg,
		store:  store,
		logger: logger,
	}
}

// CompareRequest names the two images to score.
type CompareRequest struct {
	MatchSettings

	PathA string `json:"path_a"`
	PathB string `json:"path_b"`
}

// Compare scores path_b against path_a
func (h *CompareHandler) Compare(w http.ResponseWriter, r *http.Request) {
	var req CompareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	if req.PathA == "" || req.PathB == "" {
		respondError(w, http.StatusBadRequest, "path_a and path_b are required")
		return
	}

	pathA, errA := resolvePath(h.config.Web.Root, req.PathA)
	pathB, errB := resolvePath(h.config.Web.Root, req.PathB)
	if errA != nil || errB != nil {
		respondError(w, http.StatusBadRequest, "path_a and path_b must be inside the served root")
		return
	}

	cfg, err := req.Apply(h.config)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := identify.NewWithStore(cfg, h.store, h.logger)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to build matcher")
		return
	}
	defer id.Close()

	outcome, err := id.Compare(r.Context(), pathA, pathB)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			respondError(w, http.StatusNotFound, "image not found")
			return
		}
		h.logger.Warn("compare failed",
			"a", sanitizeForLog(req.PathA),
			"b", sanitizeForLog(req.PathB),
			"error", err,
		)
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, outcome)
}

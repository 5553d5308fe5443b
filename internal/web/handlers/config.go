package handlers

import (
	"io"
	"net/http"

	"github.com/kozaktomas/fingermatch/internal/config"
	"github.com/kozaktomas/fingermatch/internal/constants"
	"github.com/kozaktomas/fingermatch/internal/identify"
)

// ConfigHandler handles configuration endpoints
type ConfigHandler struct {
	config *config.Config
}

// NewConfigHandler creates a new config handler
func NewConfigHandler(cfg *config.Config) *ConfigHandler {
	return &ConfigHandler{
		config: cfg,
	}
}

// ConfigResponse is the effective matching configuration.
type ConfigResponse struct {
	CorpusDir      string   `json:"corpus_dir"`
	Extractor      string   `json:"extractor"`
	Ratio          float64  `json:"ratio"`
	AcceptLone     bool     `json:"accept_lone"`
	Index          string   `json:"index"`
	Indexes        []string `json:"indexes"`
	Trees          int      `json:"trees"`
	Checks         int      `json:"checks"`
	Workers        int      `json:"workers"`
	Cache          string   `json:"cache"`
	MaxUploadBytes int64    `json:"max_upload_bytes"`
}

// Get returns the effective configuration
func (h *ConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	extractor, err := identify.NewExtractor(h.config.Extractor)
	fingerprint := h.config.Extractor.Backend
	if err == nil {
		fingerprint = extractor.Fingerprint()
		if c, ok := extractor.(io.Closer); ok {
			_ = c.Close()
		}
	}

	respondJSON(w, http.StatusOK, ConfigResponse{
		CorpusDir:      h.config.Corpus.Dir,
		Extractor:      fingerprint,
		Ratio:          h.config.Matcher.Ratio,
		AcceptLone:     h.config.Matcher.AcceptLoneNeighbor,
		Index:          h.config.Matcher.Index,
		Indexes:        []string{constants.IndexKDForest, constants.IndexHNSW, constants.IndexExact},
		Trees:          h.config.Matcher.Trees,
		Checks:         h.config.Matcher.Checks,
		Workers:        h.config.Scan.Workers,
		Cache:          h.config.Cache.Backend,
		MaxUploadBytes: constants.MaxUploadSize,
	})
}

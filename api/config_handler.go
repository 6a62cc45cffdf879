package api

import (
	"net/http"

	"gopkg.in/yaml.v3"

	"github.com/seenimoa/autostock/internal/config"
)

// handleGetConfig returns the running configuration with secrets masked.
// Keys are the snake_case names used in config.yaml.
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	view, err := configView(s.cfg)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode config: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: view})
}

// handleGetConfigKeys returns the status of all sensitive API keys.
func (s *Server) handleGetConfigKeys(w http.ResponseWriter, r *http.Request) {
	keys := config.CheckAPIKeys(s.cfg)
	writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    keys,
	})
}

// configView re-keys the redacted config by its yaml tags.
func configView(cfg *config.Config) (map[string]any, error) {
	raw, err := yaml.Marshal(cfg.Redacted())
	if err != nil {
		return nil, err
	}
	view := map[string]any{}
	if err := yaml.Unmarshal(raw, &view); err != nil {
		return nil, err
	}
	return view, nil
}

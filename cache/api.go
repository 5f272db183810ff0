package cache

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// API exposes cache management endpoints.
type API struct {
	layer  *Layer
	logger *zap.SugaredLogger
}

func NewAPI(layer *Layer, logger *zap.SugaredLogger) *API {
	return &API{
		layer:  layer,
		logger: logger,
	}
}

// RegisterRoutes mounts the endpoints on a router already scoped to /v1.
func (api *API) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/cache/stats", api.GetStats).Methods("GET")
	router.HandleFunc("/cache/clear", api.Clear).Methods("POST")
}

// GetStats handles GET /v1/cache/stats
func (api *API) GetStats(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(w, http.StatusOK, api.layer.Stats())
}

// Clear handles POST /v1/cache/clear. Only the memory tier is cleared.
func (api *API) Clear(w http.ResponseWriter, r *http.Request) {
	api.layer.Clear()

	response := map[string]any{
		"message":   "Memory cache cleared",
		"timestamp": time.Now().UTC(),
	}
	api.writeJSON(w, http.StatusOK, response)
}

func (api *API) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		api.logger.Errorw("Failed to encode JSON response", "error", err)
	}
}

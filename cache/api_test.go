package cache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestAPI(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	layer := NewLayer(nil, nil, logger)
	key := NewKey("studio", "model", newRequest(t, false))
	layer.Store(context.Background(), key, generated("file:///a.jpg"))

	router := mux.NewRouter()
	NewAPI(layer, logger).RegisterRoutes(router.PathPrefix("/v1").Subrouter())

	t.Run("stats", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/v1/cache/stats", nil))

		require.Equal(t, http.StatusOK, recorder.Code)
		var stats Stats
		require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &stats))
		assert.Equal(t, 1, stats.MemoryEntries)
		assert.Equal(t, int64(1), stats.Stores)
	})

	t.Run("clear", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/v1/cache/clear", nil))

		require.Equal(t, http.StatusOK, recorder.Code)
		assert.Contains(t, recorder.Body.String(), "Memory cache cleared")
		assert.Equal(t, 0, layer.Stats().MemoryEntries)
	})

	t.Run("wrong method", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/v1/cache/clear", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, recorder.Code)
	})
}

package server

import (
	"context"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	outfit "github.com/chaodonghu/outfit-generator"
	"github.com/chaodonghu/outfit-generator/auth"
	"github.com/chaodonghu/outfit-generator/cache"
	"github.com/chaodonghu/outfit-generator/generator"
	"github.com/chaodonghu/outfit-generator/monitoring"
	"github.com/chaodonghu/outfit-generator/rate"
)

// Inline data URLs make request bodies large.
const maxRequestBytes = 64 << 20

// Orchestrator is the part of *generator.Generator the HTTP layer drives.
type Orchestrator interface {
	Generate(ctx context.Context, request outfit.GenerationRequest) generator.Result
	ReconfigureRateLimit(config rate.Config) error
	RateLimitStatus() rate.Status
}

type GenerateRequest struct {
	Inputs      []outfit.ImageInput `json:"inputs"`
	Instruction string              `json:"instruction,omitempty"`
}

type GenerateResponse struct {
	generator.Result

	// Rounded up to whole seconds. Omitted when there is nothing to wait for.
	WaitSeconds int `json:"wait_seconds,omitempty"`
}

// RateLimitBody is the wire form of rate.Config with durations in seconds.
type RateLimitBody struct {
	CooldownSeconds float64 `json:"cooldown_seconds"`
	WindowSeconds   float64 `json:"window_seconds"`
	MaxCalls        int     `json:"max_calls"`
}

type RateLimitStatusResponse struct {
	RateLimitBody
	CallsInWindow int        `json:"calls_in_window"`
	LastCall      *time.Time `json:"last_call,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type Server struct {
	generator     Orchestrator
	cacheAPI      *cache.API
	authenticator *auth.Authenticator
	metrics       *monitoring.Metrics
	logger        *zap.SugaredLogger
}

// New wires the HTTP surface. cacheAPI, authenticator and metrics are
// optional.
func New(generator Orchestrator, cacheAPI *cache.API, authenticator *auth.Authenticator, metrics *monitoring.Metrics, logger *zap.SugaredLogger) *Server {
	return &Server{
		generator:     generator,
		cacheAPI:      cacheAPI,
		authenticator: authenticator,
		metrics:       metrics,
		logger:        logger,
	}
}

// Router serves health and metrics without authentication. Everything under
// /v1 goes through the authenticator.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.HandleHealth).Methods("GET")
	router.Handle("/metrics", s.metrics.Handler()).Methods("GET")

	api := router.PathPrefix("/v1").Subrouter()
	if s.authenticator != nil {
		api.Use(s.authenticator.Middleware)
	}
	api.HandleFunc("/outfits", s.HandleGenerate).Methods("POST")
	api.HandleFunc("/rate-limit", s.HandleGetRateLimit).Methods("GET")
	api.HandleFunc("/rate-limit", s.HandlePutRateLimit).Methods("PUT")
	if s.cacheAPI != nil {
		s.cacheAPI.RegisterRoutes(api)
	}
	return router
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleGenerate handles POST /v1/outfits
func (s *Server) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var body GenerateRequest
	if !s.decode(w, r, &body) {
		return
	}

	request, err := outfit.NewGenerationRequest(body.Inputs, body.Instruction)
	if err != nil {
		s.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
		return
	}

	s.logger.Infow("Received outfit request", "inputs", len(body.Inputs), "identity", request.HasIdentity())
	result := s.generator.Generate(r.Context(), request)

	response := GenerateResponse{Result: result}
	if result.WaitTime > 0 {
		response.WaitSeconds = int(math.Ceil(result.WaitTime.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(response.WaitSeconds))
	}
	s.writeJSON(w, statusFor(result), response)
}

// HandleGetRateLimit handles GET /v1/rate-limit
func (s *Server) HandleGetRateLimit(w http.ResponseWriter, r *http.Request) {
	status := s.generator.RateLimitStatus()
	response := RateLimitStatusResponse{
		RateLimitBody: toRateLimitBody(status.Config),
		CallsInWindow: status.CallsInWindow,
	}
	if !status.LastCall.IsZero() {
		lastCall := status.LastCall.UTC()
		response.LastCall = &lastCall
	}
	s.writeJSON(w, http.StatusOK, response)
}

// HandlePutRateLimit handles PUT /v1/rate-limit. The new limits apply to the
// next admission check; recorded calls are kept.
func (s *Server) HandlePutRateLimit(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var body RateLimitBody
	if !s.decode(w, r, &body) {
		return
	}

	config := rate.Config{
		Cooldown: time.Duration(body.CooldownSeconds * float64(time.Second)),
		Window:   time.Duration(body.WindowSeconds * float64(time.Second)),
		MaxCalls: body.MaxCalls,
	}
	if err := s.generator.ReconfigureRateLimit(config); err != nil {
		s.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
		return
	}

	s.logger.Infow("Reconfigured rate limit", "cooldown", config.Cooldown, "window", config.Window, "max_calls", config.MaxCalls)
	s.writeJSON(w, http.StatusOK, toRateLimitBody(config))
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes+1))
	if err != nil {
		s.logger.Warnw("Failed to read request body", "error", err)
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
		return false
	}
	if len(bodyBytes) > maxRequestBytes {
		s.writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "Request body too large"})
		return false
	}
	if err := json.Unmarshal(bodyBytes, target); err != nil {
		s.logger.Warnw("Invalid request body", "error", err)
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Errorw("Failed to encode response", "error", err)
	}
}

// Degraded results are successes.
func statusFor(result generator.Result) int {
	if result.Success {
		return http.StatusOK
	}
	switch result.ErrorKind {
	case generator.ErrorKindRateLimited, generator.ErrorKindQuota:
		return http.StatusTooManyRequests
	case generator.ErrorKindBusy:
		return http.StatusConflict
	case generator.ErrorKindInvalidRequest:
		return http.StatusUnprocessableEntity
	case generator.ErrorKindCanceled:
		// Client closed request.
		return 499
	case generator.ErrorKindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func toRateLimitBody(config rate.Config) RateLimitBody {
	return RateLimitBody{
		CooldownSeconds: config.Cooldown.Seconds(),
		WindowSeconds:   config.Window.Seconds(),
		MaxCalls:        config.MaxCalls,
	}
}

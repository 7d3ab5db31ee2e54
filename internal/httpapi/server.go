package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nnbackend/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	ListModels() []types.Model
	Status() types.StatusResponse
	Ready() bool
	LoadGraph(ctx context.Context, req types.LoadRequest) (types.GraphResponse, error)
	SwapGraph(ctx context.Context, req types.LoadRequest) (types.GraphResponse, error)
	UnloadGraph(id uint32) error
	OpenContext(ctx context.Context, req types.OpenContextRequest) (types.ContextResponse, error)
	CloseContext(id uint32) error
	Infer(ctx context.Context, id uint32, req types.InferRequest, w io.Writer, flush func()) error
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	// Compression for JSON endpoints
	r.Use(middleware.Compress(5))
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("loading"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	// Grouped so the metrics middleware runs after routing and sees patterns.
	r.Group(func(r chi.Router) {
		r.Use(MetricsMiddleware)

		r.Get("/models", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, types.ModelsResponse{Models: svc.ListModels()})
		})

		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, svc.Status())
		})

		r.Post("/graphs", func(w http.ResponseWriter, r *http.Request) {
			var req types.LoadRequest
			if !decodeJSON(w, r, &req, false) {
				return
			}
			if strings.TrimSpace(req.Model) == "" {
				writeJSONError(w, http.StatusBadRequest, "model is required")
				return
			}
			g, err := svc.LoadGraph(r.Context(), req)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, g)
		})

		r.Post("/graphs/swap", func(w http.ResponseWriter, r *http.Request) {
			var req types.LoadRequest
			if !decodeJSON(w, r, &req, false) {
				return
			}
			if strings.TrimSpace(req.Model) == "" {
				writeJSONError(w, http.StatusBadRequest, "model is required")
				return
			}
			g, err := svc.SwapGraph(r.Context(), req)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, g)
		})

		r.Delete("/graphs/{id}", func(w http.ResponseWriter, r *http.Request) {
			id, ok := pathID(w, r)
			if !ok {
				return
			}
			if err := svc.UnloadGraph(id); err != nil {
				writeError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})

		r.Post("/contexts", func(w http.ResponseWriter, r *http.Request) {
			var req types.OpenContextRequest
			if !decodeJSON(w, r, &req, true) {
				return
			}
			ctx, cancel := joinContexts(serverBaseCtx, r.Context())
			defer cancel()
			c, err := svc.OpenContext(ctx, req)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, c)
		})

		r.Delete("/contexts/{id}", func(w http.ResponseWriter, r *http.Request) {
			id, ok := pathID(w, r)
			if !ok {
				return
			}
			if err := svc.CloseContext(id); err != nil {
				writeError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})

		r.Post("/contexts/{id}/infer", func(w http.ResponseWriter, r *http.Request) {
			id, ok := pathID(w, r)
			if !ok {
				return
			}
			var req types.InferRequest
			if !decodeJSON(w, r, &req, false) {
				return
			}
			// Basic validation
			if strings.TrimSpace(req.Prompt) == "" {
				writeJSONError(w, http.StatusBadRequest, "prompt is required")
				return
			}
			serveInfer(w, r, svc, id, req)
		})
	})

	return r
}

func serveInfer(w http.ResponseWriter, r *http.Request, svc Service, id uint32, req types.InferRequest) {
	if req.Stream {
		w.Header().Set("Content-Type", "application/x-ndjson")
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	var flush func()
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	start := time.Now()
	// Optional logging of NDJSON lines
	writer := io.Writer(w)
	lvl := requestLogLevel(r)
	if lvl >= LevelDebug {
		writer = io.MultiWriter(w, &loggingLineWriter{})
	}
	logRequest(r, lvl, "infer start", 0, start, nil)

	// Join server base context with request context so shutdown cancels work too.
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	if inferTimeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, time.Duration(inferTimeout)*time.Second)
		defer tcancel()
	}
	err := svc.Infer(ctx, id, req, writer, flush)
	if err == nil {
		logRequest(r, lvl, "infer end", http.StatusOK, start, nil)
		return
	}
	// Client gone; nothing to report to.
	if r.Context().Err() != nil {
		return
	}
	var se *streamedError
	if errors.As(err, &se) {
		logRequest(r, lvl, "infer end", http.StatusOK, start, err)
		return
	}
	status := writeError(w, err)
	logRequest(r, lvl, "infer end", status, start, err)
}

// decodeJSON reads a JSON body into dst. optional accepts an empty body.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	if optional && r.ContentLength == 0 {
		return true
	}
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		// Oversized bodies also land here; report 400 without size details.
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (uint32, bool) {
	n, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil || n == 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return uint32(n), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Package gateway is the HTTP surface of the runtime: the single-endpoint
// protocol router, its REST aliases, image uploads, chat history and the
// operational endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/floegence/sera-runtime/internal/ai"
	"github.com/floegence/sera-runtime/internal/auditlog"
	"github.com/floegence/sera-runtime/internal/blobstore"
	"github.com/floegence/sera-runtime/internal/capability"
	"github.com/floegence/sera-runtime/internal/chats"
	"github.com/floegence/sera-runtime/internal/metrics"
	"github.com/floegence/sera-runtime/internal/state"
)

const (
	headerUserID = "X-User-ID"
	headerRunID  = "X-Sera-Run-ID"

	maxJSONBodyBytes = 8 << 20
)

type Options struct {
	Logger     *slog.Logger
	ListenAddr string

	AI *ai.Service
	// Chats, Blobs and Metrics are optional; their routes answer 503 (or are
	// not mounted, for /metrics) when missing.
	Chats   *chats.Service
	Blobs   blobstore.Store
	Metrics *metrics.Metrics
	// Audit records user-initiated operations when set.
	Audit *auditlog.Store

	CORSOrigin string
	// MaxUploadBytes caps image uploads. Defaults to blobstore.MaxImageBytes.
	MaxUploadBytes int64
}

type Gateway struct {
	log *slog.Logger

	ai      *ai.Service
	chats   *chats.Service
	blobs   blobstore.Store
	metrics *metrics.Metrics
	audit   *auditlog.Store

	corsOrigin string
	maxUpload  int64

	handler http.Handler

	ln   net.Listener
	srv  *http.Server
	addr string
}

func New(opts Options) (*Gateway, error) {
	if opts.AI == nil {
		return nil, errors.New("missing AI")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	addr := strings.TrimSpace(opts.ListenAddr)
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	maxUpload := opts.MaxUploadBytes
	if maxUpload <= 0 || maxUpload > blobstore.MaxImageBytes {
		maxUpload = blobstore.MaxImageBytes
	}

	g := &Gateway{
		log:        logger,
		ai:         opts.AI,
		chats:      opts.Chats,
		blobs:      opts.Blobs,
		metrics:    opts.Metrics,
		audit:      opts.Audit,
		corsOrigin: strings.TrimSpace(opts.CORSOrigin),
		maxUpload:  maxUpload,
		addr:       addr,
	}
	g.handler = g.routes()
	return g, nil
}

func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(g.observe)
	r.Use(g.cors)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	if g.metrics != nil {
		r.Method(http.MethodGet, "/metrics", g.metrics.Handler())
	}

	r.Post("/copilotkit", g.handleEnvelope)
	r.Get("/copilotkit/info", g.handleInfo)
	r.Post("/copilotkit/agent/{agentId}/run", g.handleAgentRun)
	r.Post("/copilotkit/agent/{agentId}/connect", g.handleAgentConnect)
	r.Post("/copilotkit/agent/{agentId}/stop/{threadId}", g.handleAgentStop)
	r.Post("/copilotkit/agent/{agentId}/confirm", g.handleAgentConfirm)
	r.Post("/copilotkit/upload-image", g.handleUploadImage)
	r.Get("/copilotkit/images/{id}", g.handleGetImage)

	r.With(requireUser).Get("/audit", g.handleListAudit)

	r.Route("/chats", func(r chi.Router) {
		r.Use(requireUser)
		r.Get("/", g.handleListChats)
		r.Post("/", g.handleCreateChat)
		r.Get("/{id}", g.handleGetChat)
		r.Patch("/{id}", g.handleUpdateChat)
		r.Put("/{id}", g.handleUpdateChat)
		r.Delete("/{id}", g.handleDeleteChat)
	})

	return r
}

// Handler returns the routed handler, for tests and embedding.
func (g *Gateway) Handler() http.Handler {
	if g == nil {
		return http.NotFoundHandler()
	}
	return g.handler
}

func (g *Gateway) Start(ctx context.Context) error {
	if g == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if g.ln != nil {
		return nil
	}

	ln, err := net.Listen("tcp", g.addr)
	if err != nil {
		return err
	}
	g.ln = ln

	g.srv = &http.Server{
		Handler:           g.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		_ = g.Close()
	}()

	go func() {
		if err := g.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.log.Warn("gateway stopped", "error", err)
		}
	}()

	g.log.Info("gateway listening", "addr", g.ln.Addr().String())
	return nil
}

// Close stops accepting requests and waits briefly for in-flight ones. Live
// SSE streams end when their request contexts are cancelled.
func (g *Gateway) Close() error {
	if g == nil {
		return nil
	}
	if g.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = g.srv.Shutdown(ctx)
	}
	if g.ln != nil {
		_ = g.ln.Close()
	}
	g.ln = nil
	return nil
}

func (g *Gateway) URL() string {
	if g == nil || g.ln == nil {
		return ""
	}
	return "http://" + g.ln.Addr().String()
}

func (g *Gateway) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.corsOrigin != "" {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", g.corsOrigin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+headerUserID)
			h.Set("Access-Control-Expose-Headers", headerRunID)
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// observe records one request count per response, labelled by route pattern.
func (g *Gateway) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := ""
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		g.metrics.ObserveHTTP(r.Method, route, status)
	})
}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userIDFromRequest(r) == "" {
			writeError(w, http.StatusUnauthorized, "missing "+headerUserID+" header")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userIDFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	return strings.TrimSpace(r.Header.Get(headerUserID))
}

// record appends an audit entry stamped with the caller; err marks it failed.
func (g *Gateway) record(r *http.Request, e auditlog.Entry, err error) {
	if g.audit == nil {
		return
	}
	e.UserID = userIDFromRequest(r)
	if err != nil {
		e.Status = auditlog.StatusFailure
		e.Error = err.Error()
	}
	g.audit.Append(e)
}

type errorResp struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResp{StatusCode: status, Message: msg})
}

// writeErr maps a domain error onto an HTTP status. It must only be used
// before a stream has started.
func writeErr(w http.ResponseWriter, err error) {
	writeError(w, statusForError(err), err.Error())
}

func statusForError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, chats.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ai.ErrAgentNotFound),
		errors.Is(err, ai.ErrConfirmationNotFound),
		errors.Is(err, chats.ErrNotFound),
		errors.Is(err, blobstore.ErrNotFound),
		errors.Is(err, state.ErrNotFound),
		errors.Is(err, capability.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ai.ErrInvalidRequest),
		errors.Is(err, capability.ErrInvalidArgs),
		errors.Is(err, blobstore.ErrInvalidImageType),
		errors.Is(err, blobstore.ErrTooLarge),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

var errBadRequest = errors.New("invalid json")

// decodeJSON reads an optional JSON body into dst. An empty body leaves dst untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return errBadRequest
	}
	return nil
}

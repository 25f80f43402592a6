// Package handlers is the HTTP surface of the demo application shell.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xelth-com/foodlens/internal/auth"
	"github.com/xelth-com/foodlens/internal/buildinfo"
	apperrors "github.com/xelth-com/foodlens/internal/errors"
	"github.com/xelth-com/foodlens/internal/logging"
	"github.com/xelth-com/foodlens/internal/lookup"
	"github.com/xelth-com/foodlens/internal/middleware"
	"github.com/xelth-com/foodlens/internal/models"
	"github.com/xelth-com/foodlens/internal/network"
	"github.com/xelth-com/foodlens/internal/processor"
	"github.com/xelth-com/foodlens/internal/queue"
	"github.com/xelth-com/foodlens/internal/websocket"
)

// ProfileStore reads and writes user profiles in the remote database
type ProfileStore interface {
	GetProfile(ctx context.Context, id string) (*models.UserProfile, error)
	UpdateProfile(ctx context.Context, profile *models.UserProfile) error
}

// Deps are the components the router serves. Profiles, Hub and Gatherer may be nil.
// IssueTokens exposes POST /auth/token, which mints a token for any user id and
// is only meant for development.
type Deps struct {
	Orchestrator *lookup.Orchestrator
	Catalog      *lookup.Catalog
	Contributor  *lookup.Contributor
	Queue        *queue.Queue
	Processor    *processor.Processor
	Network      *network.Monitor
	Session      *auth.Session
	Credentials  *auth.CredentialStore
	Profiles     ProfileStore
	Hub          *websocket.Hub
	Gatherer     prometheus.Gatherer
	Logger       *slog.Logger
	IssueTokens  bool
}

// Router wraps the mux router and the application components
type Router struct {
	*mux.Router
	deps   Deps
	logger *slog.Logger
}

// NewRouter creates a new HTTP router with all routes
func NewRouter(deps Deps) *Router {
	r := &Router{
		Router: mux.NewRouter(),
		deps:   deps,
		logger: logging.OrDiscard(deps.Logger),
	}
	optional := middleware.OptionalAuth(deps.Session)
	required := middleware.AuthMiddleware(deps.Session)

	// Health check endpoint
	r.HandleFunc("/health", r.healthCheck).Methods("GET")
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
	if deps.Hub != nil {
		r.HandleFunc("/ws", func(w http.ResponseWriter, req *http.Request) {
			websocket.ServeWs(deps.Hub, w, req)
		})
	}

	// Session routes
	sess := r.PathPrefix("/auth").Subrouter()
	if deps.IssueTokens {
		sess.HandleFunc("/token", r.issueToken).Methods("POST")
	}
	sess.HandleFunc("/signin", r.signIn).Methods("POST")
	sess.Handle("/signout", required(http.HandlerFunc(r.signOut))).Methods("POST")
	sess.HandleFunc("/session", r.getSession).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.Use(optional)
	api.HandleFunc("/status", r.getStatus).Methods("GET")

	// Lookup
	api.HandleFunc("/scan", r.handleScan).Methods("POST")
	api.HandleFunc("/history", r.getHistory).Methods("GET")
	api.HandleFunc("/history/report.pdf", r.historyReport).Methods("GET")
	api.HandleFunc("/history/labels.pdf", r.historyLabels).Methods("GET")

	// Catalog listings
	catalog := api.PathPrefix("/catalog").Subrouter()
	catalog.HandleFunc("/categories", r.listCategories).Methods("GET")
	catalog.HandleFunc("/brands", r.listBrands).Methods("GET")
	catalog.HandleFunc("/popular", r.listPopular).Methods("GET")
	catalog.HandleFunc("/ingredients/{id}", r.getIngredient).Methods("GET")

	// Contributions are queued and written when online
	api.HandleFunc("/products", r.submitProduct).Methods("POST")
	api.HandleFunc("/products/{barcode}", r.updateProduct).Methods("PUT")
	api.HandleFunc("/products/{barcode}/images", r.uploadImage).Methods("POST")

	// Queue administration (writes are protected)
	q := api.PathPrefix("/queue").Subrouter()
	q.HandleFunc("", r.listQueue).Methods("GET")
	q.Handle("", required(http.HandlerFunc(r.clearQueue))).Methods("DELETE")
	q.Handle("/process", required(http.HandlerFunc(r.processQueue))).Methods("POST")
	q.Handle("/retry", required(http.HandlerFunc(r.retryAll))).Methods("POST")
	q.Handle("/{id}/retry", required(http.HandlerFunc(r.retryOperation))).Methods("POST")
	q.Handle("/{id}", required(http.HandlerFunc(r.removeOperation))).Methods("DELETE")

	// Connectivity
	api.HandleFunc("/network", r.getNetwork).Methods("GET")
	api.Handle("/network", required(http.HandlerFunc(r.setNetwork))).Methods("PUT")
	api.Handle("/network/probe", required(http.HandlerFunc(r.probeNetwork))).Methods("POST")

	// API credentials (protected)
	api.Handle("/credentials", required(http.HandlerFunc(r.saveCredentials))).Methods("PUT")
	api.Handle("/credentials", required(http.HandlerFunc(r.clearCredentials))).Methods("DELETE")

	// Profile (protected)
	api.Handle("/profile", required(http.HandlerFunc(r.getProfile))).Methods("GET")
	api.Handle("/profile", required(http.HandlerFunc(r.updateProfile))).Methods("PUT")

	return r
}

// Handler returns the router wrapped in the request-level middleware
func (r *Router) Handler() http.Handler {
	return middleware.RequestLogger(r.logger)(middleware.CaseInsensitiveMiddleware(r))
}

// healthCheck returns the health status of the API
func (r *Router) healthCheck(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type queueCounts struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
}

// getStatus reports build, connectivity and queue state
func (r *Router) getStatus(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	ops, err := r.deps.Queue.List(ctx)
	if err != nil {
		r.respondAppError(w, err)
		return
	}
	pending, failed := 0, 0
	for _, op := range ops {
		switch op.Status {
		case models.StatusFailed:
			failed++
		case models.StatusCompleted:
		default:
			pending++
		}
	}

	status := map[string]interface{}{
		"status":     "running",
		"buildTime":  buildinfo.BuildTime,
		"commitHash": buildinfo.CommitHash,
		"commitTime": buildinfo.CommitTime,
		"startTime":  buildinfo.StartTime,
		"network":    r.deps.Network.Status(),
		"queue":      queueCounts{Total: len(ops), Pending: pending, Failed: failed},
		"processor":  r.deps.Processor.Status(),
	}
	if r.deps.Hub != nil {
		status["wsClients"] = r.deps.Hub.ClientCount()
	}
	respondJSON(w, http.StatusOK, status)
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}

// statusFor maps an error kind to its HTTP status
func statusFor(kind apperrors.Kind) int {
	switch kind {
	case apperrors.KindNotFound:
		return http.StatusNotFound
	case apperrors.KindValidation:
		return http.StatusBadRequest
	case apperrors.KindAuthentication:
		return http.StatusUnauthorized
	case apperrors.KindRateLimited:
		return http.StatusTooManyRequests
	case apperrors.KindNetwork:
		return http.StatusServiceUnavailable
	case apperrors.KindDatabase:
		return http.StatusBadGateway
	case apperrors.KindStorage:
		return http.StatusInsufficientStorage
	case apperrors.KindInternal:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// respondAppError sends err with the status of its kind
func (r *Router) respondAppError(w http.ResponseWriter, err error) {
	kind := apperrors.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		logging.Failure(r.logger, err, "request failed")
	}
	if wait := apperrors.RetryAfter(err); wait > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int((wait+time.Second-1)/time.Second)))
	}
	respondJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  string(kind),
	})
}

// decodeBody decodes the JSON request body into v
func decodeBody(req *http.Request, v interface{}) error {
	if err := json.NewDecoder(req.Body).Decode(v); err != nil {
		return apperrors.Wrap(apperrors.KindValidation, "invalid request body", err)
	}
	return nil
}

// queryInt returns the integer query parameter name, or def when absent
func queryInt(req *http.Request, name string, def int) (int, error) {
	raw := req.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperrors.Newf(apperrors.KindValidation, "invalid %s %q", name, raw)
	}
	return n, nil
}

// Package httpapi implements the HTTP API gateway for CodeSail.
//
// Security:
//   - API key authentication on every request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-user rate limiting via token bucket
//   - All paths validated before they reach the sandbox
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/codesail/codesail/internal/assist"
	"github.com/codesail/codesail/internal/domain"
	"github.com/codesail/codesail/internal/observability"
	"github.com/codesail/codesail/internal/ratelimit"
	"github.com/codesail/codesail/internal/session"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key → user ID mapping. Keys from env.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway. All workspace operations go through the
// session coordinator; the gateway only authenticates, validates and maps
// errors to status codes.
type Gateway struct {
	config   Config
	sessions *session.Coordinator
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	server   *http.Server

	suggester assist.Provider // nil = assist endpoint disabled.

	// Streaming support.
	sseEnabled bool // Enable the SSE staleness event endpoint.

	// Extra handlers mounted on the HTTP mux (e.g., the WebSocket session endpoint).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, sessions *session.Coordinator, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:   cfg,
		sessions: sessions,
		limiter:  rl,
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithAssist attaches a code-suggestion provider to the gateway.
func (g *Gateway) WithAssist(p assist.Provider) *Gateway {
	g.suggester = p
	return g
}

// WithSSE enables the SSE staleness event endpoint.
func (g *Gateway) WithSSE(enabled bool) *Gateway {
	g.sseEnabled = enabled
	return g
}

// WithHandler mounts an additional handler on the HTTP mux at the given pattern.
// Useful for adding the WebSocket session endpoint alongside the API routes.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "CodeSail",
			Version: "v0.0.1",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	// Workspace file endpoints.
	g.group.Post("/files/tree", g.handleTree,
		okapi.DocSummary("List the project file tree"),
		okapi.DocTags("Files"),
		okapi.DocRequestBody(TreeRequest{}),
		okapi.DocResponse(TreeResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Post("/files/read", g.handleFileRead,
		okapi.DocSummary("Read a file from the workspace"),
		okapi.DocTags("Files"),
		okapi.DocRequestBody(FileReadRequest{}),
		okapi.DocResponse(FileReadResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/files/write", g.handleFileWrite,
		okapi.DocSummary("Write a file to the workspace"),
		okapi.DocTags("Files"),
		okapi.DocRequestBody(FileWriteRequest{}),
		okapi.DocResponse(StatusResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Post("/files/ops", g.handleFileOp,
		okapi.DocSummary("Apply a structural file operation"),
		okapi.DocTags("Files"),
		okapi.DocRequestBody(FileOpRequest{}),
		okapi.DocResponse(StatusResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)

	// Terminal endpoint.
	g.group.Post("/terminal/exec", g.handleExec,
		okapi.DocSummary("Run a command in the project sandbox"),
		okapi.DocTags("Terminal"),
		okapi.DocRequestBody(ExecRequest{}),
		okapi.DocResponse(ExecResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusGatewayTimeout, ErrorBody{}),
	)

	// Project endpoints.
	g.group.Post("/projects/init", g.handleProjectInit,
		okapi.DocSummary("Create an empty project root"),
		okapi.DocTags("Projects"),
		okapi.DocRequestBody(ProjectInitRequest{}),
		okapi.DocResponse(StatusResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)

	// Activity audit trail.
	g.group.Get("/activity", g.handleActivity,
		okapi.DocSummary("List recent workspace activity"),
		okapi.DocTags("Activity"),
		okapi.DocResponse([]ActivityResponse{}),
	)

	// Code assist endpoint (only if a provider is configured).
	if g.suggester != nil {
		g.group.Post("/assist/suggest", g.handleAssist,
			okapi.DocSummary("Request a code suggestion"),
			okapi.DocTags("Assist"),
			okapi.DocRequestBody(assist.Request{}),
			okapi.DocResponse(assist.Suggestion{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
			okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
		)
	}

	// SSE staleness event stream.
	if g.sseEnabled {
		g.group.Get("/events", g.handleEvents,
			okapi.DocSummary("Stream tree-staleness events via SSE"),
			okapi.DocTags("Events"),
			okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		)
	}

	// Extra handlers (e.g., WebSocket session endpoint).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// TreeRequest is the JSON body for POST /v1/files/tree.
type TreeRequest struct {
	ProjectID string `json:"projectId"`
}

// TreeResponse is the JSON response for POST /v1/files/tree.
type TreeResponse struct {
	Root        *domain.FileTreeNode `json:"root"`
	Diagnostics []string             `json:"diagnostics,omitempty"`
}

func (g *Gateway) handleTree(c *okapi.Context) error {
	userID := c.GetString("userID")
	if !g.allow(c, userID) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req TreeRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.ProjectID == "" {
		return c.AbortBadRequest("projectId is required")
	}

	snap, err := g.sessions.GetTree(c.Context(), userID, req.ProjectID)
	if err != nil {
		return apiError(c, err)
	}
	return c.OK(TreeResponse{Root: snap.Root, Diagnostics: snap.Diagnostics})
}

// FileReadRequest is the JSON body for POST /v1/files/read.
type FileReadRequest struct {
	ProjectID string `json:"projectId"`
	Path      string `json:"path"`
}

// FileReadResponse is the JSON response for POST /v1/files/read.
type FileReadResponse struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (g *Gateway) handleFileRead(c *okapi.Context) error {
	userID := c.GetString("userID")
	if !g.allow(c, userID) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req FileReadRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.ProjectID == "" || req.Path == "" {
		return c.AbortBadRequest("projectId and path are required")
	}

	content, err := g.sessions.ReadFile(c.Context(), userID, req.ProjectID, req.Path)
	if err != nil {
		return apiError(c, err)
	}
	return c.OK(FileReadResponse{Path: req.Path, Content: content})
}

// FileWriteRequest is the JSON body for POST /v1/files/write.
type FileWriteRequest struct {
	ProjectID string `json:"projectId"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}

// StatusResponse acknowledges a mutation with no payload of its own.
type StatusResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleFileWrite(c *okapi.Context) error {
	userID := c.GetString("userID")
	if !g.allow(c, userID) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req FileWriteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.ProjectID == "" || req.Path == "" {
		return c.AbortBadRequest("projectId and path are required")
	}

	if err := g.sessions.WriteFile(c.Context(), userID, req.ProjectID, req.Path, req.Content); err != nil {
		return apiError(c, err)
	}
	return c.OK(StatusResponse{Status: "written"})
}

// FileOpRequest is the JSON body for POST /v1/files/ops.
type FileOpRequest struct {
	ProjectID string               `json:"projectId"`
	Op        domain.FileOperation `json:"op"`
}

func (g *Gateway) handleFileOp(c *okapi.Context) error {
	userID := c.GetString("userID")
	if !g.allow(c, userID) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req FileOpRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.ProjectID == "" || req.Op.Kind == "" || req.Op.Path == "" {
		return c.AbortBadRequest("projectId, op.kind and op.path are required")
	}

	if err := g.sessions.Apply(c.Context(), userID, req.ProjectID, req.Op); err != nil {
		return apiError(c, err)
	}
	return c.OK(StatusResponse{Status: "applied"})
}

// ExecRequest is the JSON body for POST /v1/terminal/exec.
type ExecRequest struct {
	ProjectID  string `json:"projectId"`
	Command    string `json:"command"`
	Cwd        string `json:"cwd,omitempty"`        // Relative to the project root.
	TerminalID string `json:"terminalId,omitempty"` // Commands on the same terminal run in order.
}

// ExecResponse is the JSON response for POST /v1/terminal/exec.
// A non-zero exit code is a normal outcome, not an HTTP error.
type ExecResponse struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exitCode"`
	DurationMS int64  `json:"durationMs"`
}

func (g *Gateway) handleExec(c *okapi.Context) error {
	userID := c.GetString("userID")
	if !g.allow(c, userID) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req ExecRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.ProjectID == "" || req.Command == "" {
		return c.AbortBadRequest("projectId and command are required")
	}

	g.logger.Info("http exec",
		slog.String("user_id", userID),
		slog.String("project_id", req.ProjectID),
		slog.String("terminal_id", req.TerminalID),
	)

	res, err := g.sessions.Exec(c.Context(), userID, req.ProjectID, session.ExecInput{
		Command:    req.Command,
		Cwd:        req.Cwd,
		TerminalID: req.TerminalID,
	})
	if err != nil {
		return apiError(c, err)
	}
	return c.OK(ExecResponse{
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		ExitCode:   res.ExitCode,
		DurationMS: res.Duration.Milliseconds(),
	})
}

// ProjectInitRequest is the JSON body for POST /v1/projects/init.
type ProjectInitRequest struct {
	ProjectID string `json:"projectId"`
}

func (g *Gateway) handleProjectInit(c *okapi.Context) error {
	userID := c.GetString("userID")
	if !g.allow(c, userID) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req ProjectInitRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.ProjectID == "" {
		return c.AbortBadRequest("projectId is required")
	}

	if err := g.sessions.InitProject(c.Context(), userID, req.ProjectID); err != nil {
		return apiError(c, err)
	}
	return c.JSON(http.StatusCreated, StatusResponse{Status: "created"})
}

// ActivityResponse is a single record in the GET /v1/activity listing.
type ActivityResponse struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"projectId"`
	Kind       string    `json:"kind"`
	Path       string    `json:"path,omitempty"`
	Command    string    `json:"command,omitempty"`
	ExitCode   int       `json:"exitCode"`
	DurationMS int64     `json:"durationMs"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (g *Gateway) handleActivity(c *okapi.Context) error {
	userID := c.GetString("userID")
	if !g.allow(c, userID) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	q := c.Request().URL.Query()
	projectID := q.Get("projectId")

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return c.AbortBadRequest("limit must be a non-negative integer")
		}
		limit = n
	}

	records, err := g.sessions.Activity(c.Context(), userID, projectID, limit)
	if err != nil {
		return apiError(c, err)
	}

	resp := make([]ActivityResponse, len(records))
	for i, a := range records {
		resp[i] = ActivityResponse{
			ID:         a.ID.String(),
			ProjectID:  a.ProjectID,
			Kind:       a.Kind,
			Path:       a.Path,
			Command:    a.Command,
			ExitCode:   a.ExitCode,
			DurationMS: a.DurationMS,
			Error:      a.Error,
			CreatedAt:  a.CreatedAt,
		}
	}
	return c.OK(resp)
}

func (g *Gateway) handleAssist(c *okapi.Context) error {
	userID := c.GetString("userID")
	if !g.allow(c, userID) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req assist.Request
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Code == "" && req.Instruction == "" {
		return c.AbortBadRequest("code or instruction is required")
	}

	sug, err := g.suggester.Suggest(c.Context(), &req)
	if err != nil {
		g.logger.Error("assist request failed",
			slog.String("user_id", userID),
			slog.String("provider", g.suggester.Name()),
			slog.String("error", err.Error()),
		)
		return c.JSON(http.StatusBadGateway, ErrorBody{Error: "suggestion backend unavailable"})
	}
	return c.OK(sug)
}

// HealthResponse is the JSON response for the health probes.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the API key and stores the mapped user ID on the
// request context.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		userID := ""
		for key, mapped := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				userID = mapped
			}
		}
		if userID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("userID", userID)
		return next(c)
	}
}

// --- Helpers ---

// allow applies the per-user rate limit and records rejections.
func (g *Gateway) allow(c *okapi.Context, userID string) bool {
	if g.limiter == nil {
		return true
	}
	if err := g.limiter.Allow(userID); err != nil {
		if g.config.Metrics != nil {
			g.config.Metrics.RateLimitedTotal.WithLabelValues("http").Inc()
		}
		return false
	}
	return true
}

// apiError maps the error taxonomy to HTTP status codes. Validation problems
// are the caller's fault; missing state reads as not-found; remote command
// failures conflict with the assumed workspace state; everything else is a
// bad or slow sandbox.
func apiError(c *okapi.Context, err error) error {
	category := domain.Category(err)
	switch category {
	case "validation":
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: err.Error(), Code: category})
	case "inconsistency":
		return c.JSON(http.StatusNotFound, ErrorBody{Error: err.Error(), Code: category})
	case "remote_command":
		return c.JSON(http.StatusConflict, ErrorBody{Error: err.Error(), Code: category})
	case "timeout":
		return c.JSON(http.StatusGatewayTimeout, ErrorBody{Error: "operation timed out", Code: category})
	default:
		return c.JSON(http.StatusBadGateway, ErrorBody{Error: "sandbox unreachable", Code: category})
	}
}

package api

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"dataassistant/internal/config"
	"dataassistant/internal/datasource"
	"dataassistant/internal/export"
	"dataassistant/internal/metrics"
	"dataassistant/internal/service/assistant"
	"dataassistant/internal/service/pipeline"
	"dataassistant/internal/worker"
)

const defaultStreamTimeout = 2 * time.Minute

// Runner executes questions. *pipeline.Pipeline implements it.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request, emit pipeline.EmitFunc) error
	Process(ctx context.Context, req pipeline.Request) (*pipeline.QueryResult, error)
}

type SchemaCache interface {
	Describe(ctx context.Context) (string, error)
	Invalidate(ctx context.Context) error
}

type SchemaBrowser interface {
	Tables(ctx context.Context) ([]string, error)
	TableSchema(ctx context.Context, table string) (*datasource.TableSchema, error)
}

// Dispatcher schedules pipeline runs. *worker.Dispatcher implements it.
type Dispatcher interface {
	Submit(job worker.Job) error
	Cancel(key string)
	Stats() worker.Stats
}

type Deps struct {
	Assistant *assistant.Service
	Pipeline  Runner
	Schema    SchemaCache
	Tables    SchemaBrowser
	Workers   Dispatcher
	Exporter  *export.Exporter
}

type Options struct {
	HistoryLimit  int
	StreamTimeout time.Duration
	RateLimit     config.RateLimitConfig
	CORSOrigins   []string
}

// Handler wires HTTP routes to the session store and the query pipeline.
type Handler struct {
	assistant     *assistant.Service
	pipeline      Runner
	schema        SchemaCache
	tables        SchemaBrowser
	workers       Dispatcher
	exporter      *export.Exporter
	historyLimit  int
	streamTimeout time.Duration
	limiter       *ipLimiter
	origins       []string
	upgrader      websocket.Upgrader
}

// NewHandler constructs a Handler instance.
func NewHandler(deps Deps, opts Options) *Handler {
	timeout := opts.StreamTimeout
	if timeout <= 0 {
		timeout = defaultStreamTimeout
	}
	exporter := deps.Exporter
	if exporter == nil {
		exporter = export.NewExporter(nil)
	}
	h := &Handler{
		assistant:     deps.Assistant,
		pipeline:      deps.Pipeline,
		schema:        deps.Schema,
		tables:        deps.Tables,
		workers:       deps.Workers,
		exporter:      exporter,
		historyLimit:  opts.HistoryLimit,
		streamTimeout: timeout,
		limiter:       newIPLimiter(opts.RateLimit.RequestsPerMinute, opts.RateLimit.Burst),
		origins:       opts.CORSOrigins,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || originAllowed(h.origins, origin)
		},
	}
	return h
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.health)
	router.GET("/metrics", metrics.Handler())

	api := router.Group("/api")

	sessions := api.Group("/sessions")
	sessions.POST("", h.createSession)
	sessions.GET("", h.listSessions)
	sessions.GET("/:id", h.getSession)
	sessions.PUT("/:id", h.renameSession)
	sessions.DELETE("/:id", h.deleteSession)
	sessions.GET("/:id/messages", h.getSessionMessages)
	sessions.POST("/:id/messages/:message_id/export", h.exportMessage)

	schema := api.Group("/schema")
	schema.GET("", h.describeSchema)
	schema.GET("/tables", h.listTables)
	schema.GET("/tables/:name", h.tableSchema)
	schema.POST("/refresh", h.refreshSchema)

	chat := api.Group("/chat")
	chat.Use(h.limiter.middleware())
	chat.POST("/query", h.streamQuery)
	chat.POST("/query/sync", h.syncQuery)
	chat.GET("/ws", h.websocket)
}

func (h *Handler) health(c *gin.Context) {
	body := gin.H{"status": "healthy"}
	if h.workers != nil {
		body["workers"] = h.workers.Stats()
	}
	c.JSON(http.StatusOK, body)
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	var perr *assistant.PersistenceError
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound
	case errors.Is(err, worker.ErrDispatcherBusy):
		return http.StatusTooManyRequests
	case errors.Is(err, worker.ErrDispatcherClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &perr):
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func writeError(c *gin.Context, err error, notFound string) {
	status := statusFor(err)
	msg := err.Error()
	switch status {
	case http.StatusNotFound:
		msg = notFound
	case http.StatusTooManyRequests:
		msg = "server is busy, please retry"
	}
	c.JSON(status, gin.H{"error": msg})
}

func queryLimit(c *gin.Context) (int, bool) {
	raw := strings.TrimSpace(c.Query("limit"))
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return 0, false
	}
	return n, true
}

type sessionRequest struct {
	Title string `json:"title"`
}

func (h *Handler) createSession(c *gin.Context) {
	var req sessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	session, err := h.assistant.CreateSession(c.Request.Context(), req.Title)
	if err != nil {
		writeError(c, err, "")
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (h *Handler) listSessions(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	sessions, err := h.assistant.ListSessions(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *Handler) getSession(c *gin.Context) {
	session, err := h.assistant.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err, "session not found")
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *Handler) renameSession(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	session, err := h.assistant.UpdateSessionTitle(c.Request.Context(), c.Param("id"), req.Title)
	if err != nil {
		writeError(c, err, "session not found")
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *Handler) deleteSession(c *gin.Context) {
	id := c.Param("id")
	if err := h.assistant.DeleteSession(c.Request.Context(), id); err != nil {
		writeError(c, err, "session not found")
		return
	}
	// queued questions of a deleted session have nowhere to be stored
	h.workers.Cancel(id)
	c.Status(http.StatusNoContent)
}

func (h *Handler) getSessionMessages(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	sessionID := c.Param("id")
	if _, err := h.assistant.GetSession(ctx, sessionID); err != nil {
		writeError(c, err, "session not found")
		return
	}
	messages, err := h.assistant.GetMessages(ctx, sessionID, limit)
	if err != nil {
		writeError(c, err, "session not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *Handler) exportMessage(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID, messageID := c.Param("id"), c.Param("message_id")
	msg, err := h.assistant.GetMessage(ctx, sessionID, messageID)
	if err != nil {
		writeError(c, err, "message not found")
		return
	}
	if len(msg.Data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message has no result rows"})
		return
	}
	res, err := h.exporter.Export(ctx, sessionID, messageID, msg.Data)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if !h.exporter.Uploads() {
		c.Header("Content-Disposition", `attachment; filename="`+messageID+`.parquet"`)
		c.Data(http.StatusOK, export.ContentType, res.Data)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *Handler) describeSchema(c *gin.Context) {
	desc, err := h.schema.Describe(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"schema": desc})
}

func (h *Handler) listTables(c *gin.Context) {
	tables, err := h.tables.Tables(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tables": tables})
}

func (h *Handler) tableSchema(c *gin.Context) {
	schema, err := h.tables.TableSchema(c.Request.Context(), c.Param("name"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "table not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, schema)
}

func (h *Handler) refreshSchema(c *gin.Context) {
	if err := h.schema.Invalidate(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "refreshed"})
}

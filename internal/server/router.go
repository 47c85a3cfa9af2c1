package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sibyllinesoft/arbiter-sub005/internal/auth"
	"github.com/sibyllinesoft/arbiter-sub005/internal/events"
	"github.com/sibyllinesoft/arbiter-sub005/internal/projects"
	"github.com/sibyllinesoft/arbiter-sub005/internal/revisions"
	"github.com/sibyllinesoft/arbiter-sub005/internal/store"
	"go.uber.org/zap"
)

const (
	claimsContextKey = "arbiter_access_claims"
	projectIDParam   = "projectId"
	accessTokenQuery = "access_token"
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingRevisions      = errors.New("revisions service dependency required")
	errMissingEvents         = errors.New("events service dependency required")
	errMissingProjects       = errors.New("project registry dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator validates bearer tokens presented to the ledger API.
type TokenValidator interface {
	ValidateToken(token string) (auth.AccessClaims, error)
	ValidateRequest(r *http.Request) (auth.AccessClaims, error)
}

type Dependencies struct {
	Revisions      *revisions.Service
	Events         *events.Service
	Projects       *projects.Registry
	Tokens         TokenValidator
	Realtime       *RealtimeDispatcher
	IDProvider     store.IDProvider
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler wires the ledger routes behind CORS and bearer authentication.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Revisions == nil {
		return nil, errMissingRevisions
	}
	if deps.Events == nil {
		return nil, errMissingEvents
	}
	if deps.Projects == nil {
		return nil, errMissingProjects
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	idProvider := deps.IDProvider
	if idProvider == nil {
		idProvider = store.NewUUIDProvider()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		revisions:  deps.Revisions,
		events:     deps.Events,
		projects:   deps.Projects,
		tokens:     deps.Tokens,
		realtime:   deps.Realtime,
		idProvider: idProvider,
		logger:     logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/projects")
	protected.Use(handler.authorizeRequest)
	protected.POST("", handler.handleCreateProject)

	project := protected.Group("/:" + projectIDParam)
	project.Use(handler.authorizeProject)
	project.GET("", handler.handleGetProject)

	project.POST("/fragments", handler.handleCreateFragment)
	project.GET("/fragments", handler.handleListFragments)
	project.GET("/fragments/*path", handler.handleGetFragment)
	project.PUT("/fragments/*path", handler.handleUpdateFragment)
	project.DELETE("/fragments/*path", handler.handleDeleteFragment)

	project.GET("/revisions/:fragmentId", handler.handleListRevisions)
	project.GET("/revisions/:fragmentId/latest", handler.handleLatestRevision)
	project.GET("/revisions/:fragmentId/:number", handler.handleGetRevision)

	project.POST("/events", handler.handleCreateEvent)
	project.GET("/events", handler.handleListEvents)
	project.GET("/events/head", handler.handleGetHead)
	project.PUT("/events/head", handler.handleSetHead)
	project.POST("/events/revert", handler.handleRevertEvents)
	project.POST("/events/reactivate", handler.handleReactivateEvents)
	project.GET("/events/stream", handler.handleEventStream)
	project.GET("/events/:eventId", handler.handleGetEvent)

	return router, nil
}

type httpHandler struct {
	revisions  *revisions.Service
	events     *events.Service
	projects   *projects.Registry
	tokens     TokenValidator
	realtime   *RealtimeDispatcher
	idProvider store.IDProvider
	logger     *zap.Logger
}

func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		cfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		cfg.AllowOrigins = allowedOrigins
	}
	return cors.New(cfg)
}

// authorizeRequest validates the Authorization header, or the access_token query parameter for
// EventSource clients that cannot set headers.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	var (
		claims auth.AccessClaims
		err    error
	)
	if strings.TrimSpace(c.GetHeader("Authorization")) != "" {
		claims, err = h.tokens.ValidateRequest(c.Request)
	} else if token := strings.TrimSpace(c.Query(accessTokenQuery)); token != "" {
		claims, err = h.tokens.ValidateToken(token)
	} else {
		err = auth.ErrMissingToken
	}
	if errors.Is(err, auth.ErrMissingToken) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(claimsContextKey, claims)
	c.Next()
}

func (h *httpHandler) authorizeProject(c *gin.Context) {
	if !h.allowsProject(c, c.Param(projectIDParam)) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Next()
}

func (h *httpHandler) allowsProject(c *gin.Context, projectID string) bool {
	value, ok := c.Get(claimsContextKey)
	if !ok {
		return false
	}
	claims, ok := value.(auth.AccessClaims)
	return ok && claims.AllowsProject(projectID)
}

// requireProject writes a 404 and returns false when the project is not registered.
func (h *httpHandler) requireProject(c *gin.Context, projectID string) bool {
	project, err := h.projects.Get(c.Request.Context(), projectID)
	if err != nil {
		h.respondError(c, err)
		return false
	}
	if project == nil {
		c.JSON(http.StatusNotFound, errorPayload{Error: string(store.KindNotFound), Code: "projects.get.project_not_found"})
		return false
	}
	return true
}

type errorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func statusForKind(kind store.Kind) int {
	switch kind {
	case store.KindNotFound:
		return http.StatusNotFound
	case store.KindConflict:
		return http.StatusConflict
	case store.KindValidation:
		return http.StatusUnprocessableEntity
	case store.KindRetryable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	kind := store.KindOf(err)
	status := statusForKind(kind)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(status, errorPayload{Error: string(kind), Code: store.CodeOf(err)})
}

func (h *httpHandler) respondInvalidRequest(c *gin.Context, reason string) {
	c.JSON(http.StatusBadRequest, errorPayload{Error: "invalid_request", Code: reason})
}

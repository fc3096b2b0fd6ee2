package server

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/quill/internal/auth"
	"github.com/MarcoPoloResearchLab/quill/internal/scheduler"
	"github.com/MarcoPoloResearchLab/quill/internal/views"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	operatorSubjectContextKey = "quill_operator_subject"
	fingerprintHeader         = "X-Visitor-Fingerprint"
	maxTrackBodyBytes         = 4 << 10
	healthCheckTimeout        = 2 * time.Second
	statusOK                  = "ok"
	statusError               = "error"
	statusDegraded            = "degraded"
)

var (
	errMissingTracker       = errors.New("view tracker dependency required")
	errMissingSweeps        = errors.New("sweep trigger dependency required when operators are configured")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// ViewTracker records view attempts.
type ViewTracker interface {
	Track(ctx context.Context, request views.TrackRequest) (views.TrackOutcome, error)
}

// SweepTrigger starts a named background sweep out of band.
type SweepTrigger interface {
	Trigger(name string) error
}

// OperatorValidator authenticates operator requests.
type OperatorValidator interface {
	ValidateRequest(r *http.Request) (auth.OperatorClaims, error)
}

// HealthCheck is one dependency probed by /healthz.
type HealthCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

// Dependencies wires the HTTP surface. Admin routes are mounted only when Operators is set.
type Dependencies struct {
	Tracker        ViewTracker
	Sweeps         SweepTrigger
	Operators      OperatorValidator
	HealthChecks   []HealthCheck
	AllowedOrigins []string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tracker == nil {
		return nil, errMissingTracker
	}
	if deps.Operators != nil && deps.Sweeps == nil {
		return nil, errMissingSweeps
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		tracker:      deps.Tracker,
		sweeps:       deps.Sweeps,
		operators:    deps.Operators,
		healthChecks: append([]HealthCheck(nil), deps.HealthChecks...),
		logger:       logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/v1/posts/:ref/views", handler.handleTrackView)

	if deps.Operators != nil {
		admin := router.Group("/admin")
		admin.Use(handler.authorizeOperator)
		admin.POST("/sweeps/:task", handler.handleTriggerSweep)
	}

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", fingerprintHeader},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*") {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	tracker      ViewTracker
	sweeps       SweepTrigger
	operators    OperatorValidator
	healthChecks []HealthCheck
	logger       *zap.Logger
}

type trackRequestPayload struct {
	Fingerprint string `json:"fingerprint"`
	Path        string `json:"path"`
}

// handleTrackView always answers 204 so clients cannot tell counted views from ignored ones.
func (h *httpHandler) handleTrackView(c *gin.Context) {
	c.Header("Cache-Control", "no-store")

	var payload trackRequestPayload
	if c.Request.Body != nil && c.Request.ContentLength != 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxTrackBodyBytes)
		if err := c.ShouldBindJSON(&payload); err != nil {
			h.logger.Debug("ignoring malformed view payload", zap.Error(err))
			payload = trackRequestPayload{}
		}
	}
	if strings.TrimSpace(payload.Fingerprint) == "" {
		payload.Fingerprint = c.GetHeader(fingerprintHeader)
	}

	request := views.TrackRequest{
		PostRef:     c.Param("ref"),
		Fingerprint: payload.Fingerprint,
		Path:        payload.Path,
		Meta:        views.RequestMetaFromHTTP(c.Request.Header, c.Request.RemoteAddr),
	}
	outcome, err := h.tracker.Track(c.Request.Context(), request)
	if err != nil {
		h.logger.Debug("view tracking failed", zap.String("post_ref", request.PostRef), zap.Error(err))
	} else {
		h.logger.Debug("view tracked", zap.String("post_ref", request.PostRef), zap.String("outcome", string(outcome)))
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	checks := make(map[string]string, len(h.healthChecks))
	healthy := true
	for _, check := range h.healthChecks {
		if err := check.Ping(ctx); err != nil {
			healthy = false
			checks[check.Name] = statusError
			h.logger.Warn("health check failed", zap.String("dependency", check.Name), zap.Error(err))
			continue
		}
		checks[check.Name] = statusOK
	}

	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": statusDegraded, "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": statusOK, "checks": checks})
}

func (h *httpHandler) handleTriggerSweep(c *gin.Context) {
	task := c.Param("task")
	err := h.sweeps.Trigger(task)
	switch {
	case err == nil:
		h.logger.Info("sweep triggered",
			zap.String("task", task),
			zap.String("operator", c.GetString(operatorSubjectContextKey)))
		c.JSON(http.StatusAccepted, gin.H{"task": task, "status": "started"})
	case errors.Is(err, scheduler.ErrUnknownTask):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_task"})
	case errors.Is(err, scheduler.ErrTaskBusy):
		c.JSON(http.StatusConflict, gin.H{"error": "task_busy"})
	default:
		h.logger.Error("failed to trigger sweep", zap.String("task", task), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "trigger_failed"})
	}
}

func (h *httpHandler) authorizeOperator(c *gin.Context) {
	claims, err := h.operators.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrMissingOperatorToken) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
			return
		}
		h.logger.Warn("operator token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(operatorSubjectContextKey, claims.Subject)
	c.Next()
}

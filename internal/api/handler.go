package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ghzmwhdk777/ckpts/internal/config"
	"github.com/ghzmwhdk777/ckpts/internal/dispatcher"
	"github.com/ghzmwhdk777/ckpts/internal/interfaces"
	"github.com/ghzmwhdk777/ckpts/internal/pipeline"
	"github.com/ghzmwhdk777/ckpts/internal/queue"
	"github.com/ghzmwhdk777/ckpts/internal/workflow"
)

const readyTimeout = 3 * time.Second

// DispatcherStats exposes dispatcher metrics to the API
type DispatcherStats interface {
	GetDispatcherMetrics() dispatcher.DispatcherMetrics
}

// Handler API handler
type Handler struct {
	store      interfaces.RunStore
	catalog    *workflow.Catalog
	engine     interfaces.EngineClient
	dispatcher DispatcherStats
	logger     *logrus.Logger
}

// NewHandler creates API handler. stats may be nil.
func NewHandler(store interfaces.RunStore, catalog *workflow.Catalog, engine interfaces.EngineClient, stats DispatcherStats) *Handler {
	return &Handler{
		store:      store,
		catalog:    catalog,
		engine:     engine,
		dispatcher: stats,
		logger:     config.NewLogger(),
	}
}

// RegisterRoutes registers routes
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	// Run related routes
	runGroup := r.Group("/api/v1/runs")
	{
		runGroup.POST("", h.submitRun)
		runGroup.GET("/:id", h.getRun)
		runGroup.GET("", h.listRuns)
		runGroup.DELETE("/:id", h.cancelRun)
	}

	// Template related routes
	templateGroup := r.Group("/api/v1/templates")
	{
		templateGroup.GET("", h.listTemplates)
		templateGroup.GET("/:name", h.getTemplate)
	}

	r.POST("/api/v1/uploads", h.uploadImage)

	r.GET("/api/v1/queue/metrics", h.getQueueMetrics)
	r.GET("/api/v1/dispatcher/metrics", h.getDispatcherMetrics)

	// Health checks
	r.GET("/health", h.healthCheck)
	r.GET("/ready", h.readinessCheck)
}

// submitRun validates a run against its template and queues it
func (h *Handler) submitRun(c *gin.Context) {
	var req SubmitRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	tpl, err := h.catalog.Get(req.Template)
	if err != nil {
		h.errorJSON(c, err)
		return
	}
	if err := pipeline.CheckRequest(tpl, req.Params, req.Overrides); err != nil {
		h.errorJSON(c, err)
		return
	}

	run := queue.NewRun(req.Template, req.Params, req.Overrides)
	if err := h.store.AddRun(c.Request.Context(), run); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	c.JSON(http.StatusCreated, newRunResponse(run, true))
}

// getRun gets run details
func (h *Handler) getRun(c *gin.Context) {
	run, err := h.store.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, queue.ErrRunNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "Run not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	c.JSON(http.StatusOK, newRunResponse(run, true))
}

// listRuns lists runs, newest first
func (h *Handler) listRuns(c *gin.Context) {
	runs, err := h.store.ListRuns(c.Request.Context(), queue.RunStatus(c.Query("status")))
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})

	response := make([]RunResponse, 0, len(runs))
	for _, run := range runs {
		response = append(response, newRunResponse(run, false))
	}

	c.JSON(http.StatusOK, gin.H{
		"runs":  response,
		"count": len(response),
	})
}

// cancelRun cancels a pending or running run
func (h *Handler) cancelRun(c *gin.Context) {
	run, err := h.store.CancelRun(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, queue.ErrRunNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Run not found"})
		return
	case errors.Is(err, queue.ErrNotCancellable):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Run cannot be cancelled"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Run cancelled successfully",
		"run":     newRunResponse(run, false),
	})
}

// listTemplates lists catalog templates
func (h *Handler) listTemplates(c *gin.Context) {
	names := h.catalog.Names()
	response := make([]TemplateResponse, 0, len(names))
	for _, name := range names {
		tpl, err := h.catalog.Get(name)
		if err != nil {
			continue
		}
		response = append(response, newTemplateResponse(tpl))
	}

	c.JSON(http.StatusOK, gin.H{
		"templates": response,
		"count":     len(response),
	})
}

// getTemplate gets a template with its workflow graph
func (h *Handler) getTemplate(c *gin.Context) {
	tpl, err := h.catalog.Get(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Template not found"})
		return
	}

	resp := newTemplateResponse(tpl)
	graph, err := json.Marshal(tpl)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	resp.Workflow = graph
	c.JSON(http.StatusOK, resp)
}

func newTemplateResponse(tpl *workflow.Template) TemplateResponse {
	params := make([]string, 0, len(tpl.Params))
	for name := range tpl.Params {
		params = append(params, name)
	}
	sort.Strings(params)

	return TemplateResponse{
		Name:        tpl.Name,
		Description: tpl.Description,
		Params:      params,
		Roles:       tpl.Roles,
		Seeds:       tpl.Seeds,
		Uploads:     tpl.Uploads,
		Nodes:       tpl.Len(),
	}
}

// uploadImage forwards a multipart "image" file to the engine's input store
func (h *Handler) uploadImage(c *gin.Context) {
	fh, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "image file is required"})
		return
	}

	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	defer f.Close()

	name, err := h.engine.UploadImage(c.Request.Context(), filepath.Base(fh.Filename), f)
	if err != nil {
		h.errorJSON(c, err)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"file": fh.Filename,
		"name": name,
		"size": fh.Size,
	}).Info("Image uploaded to engine")

	c.JSON(http.StatusOK, UploadResponse{Name: name})
}

// getQueueMetrics gets queue metrics
func (h *Handler) getQueueMetrics(c *gin.Context) {
	metrics, err := h.store.Metrics(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, metrics)
}

// getDispatcherMetrics gets dispatcher metrics
func (h *Handler) getDispatcherMetrics(c *gin.Context) {
	if h.dispatcher == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Dispatcher not running"})
		return
	}
	c.JSON(http.StatusOK, h.dispatcher.GetDispatcherMetrics())
}

// healthCheck performs health check
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
	})
}

// readinessCheck checks the run store and the engine
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readyTimeout)
	defer cancel()

	checks := gin.H{}
	ready := true
	if err := h.store.Ping(ctx); err != nil {
		checks["store"] = err.Error()
		ready = false
	} else {
		checks["store"] = "ok"
	}
	if err := h.engine.HealthCheck(ctx); err != nil {
		checks["engine"] = err.Error()
		ready = false
	} else {
		checks["engine"] = "ok"
	}

	if !ready {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"checks": checks,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"checks": checks,
	})
}

// errorJSON writes a classified pipeline error
func (h *Handler) errorJSON(c *gin.Context, err error) {
	kind := pipeline.Classify(err)
	c.JSON(statusFor(kind), ErrorResponse{
		Error:     err.Error(),
		ErrorKind: string(kind),
		Remedy:    kind.Remedy(),
	})
}

func statusFor(kind pipeline.ErrorKind) int {
	switch kind {
	case pipeline.KindConfiguration:
		return http.StatusBadRequest
	case pipeline.KindSubmission:
		return http.StatusUnprocessableEntity
	case pipeline.KindTimeout:
		return http.StatusGatewayTimeout
	case pipeline.KindProtocol, pipeline.KindConnectionLost, pipeline.KindArtifactFetch:
		return http.StatusBadGateway
	case pipeline.KindCancelled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

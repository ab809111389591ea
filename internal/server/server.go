// Package server exposes the engine over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stagehand/internal/config"
	"github.com/fyrsmithlabs/stagehand/internal/engine"
	"github.com/fyrsmithlabs/stagehand/internal/logging"
	"github.com/fyrsmithlabs/stagehand/internal/task"
)

// Server wraps the echo HTTP server around the engine.
type Server struct {
	echo   *echo.Echo
	engine *engine.Engine
	logger *logging.Logger
	config config.ServerConfig
}

// New creates the HTTP server.
func New(cfg config.ServerConfig, eng *engine.Engine, logger *logging.Logger) (*Server, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.Named("http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:   e,
		engine: eng,
		logger: logger,
		config: cfg,
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/tasks", s.handleSubmit)
	v1.GET("/tasks", s.handleList)
	v1.GET("/tasks/:id", s.handleStatus)
	v1.GET("/tasks/:id/result", s.handleResult)
	v1.DELETE("/tasks/:id", s.handleCancel)
}

// SubmitRequest is the request body for POST /api/v1/tasks.
type SubmitRequest struct {
	Description string `json:"description"`
	Priority    int    `json:"priority"`
}

// SubmitResponse is the response body for POST /api/v1/tasks.
type SubmitResponse struct {
	TaskID string `json:"task_id"`
}

// StatusResponse is the response body for GET /api/v1/tasks/:id.
type StatusResponse struct {
	TaskID     string  `json:"task_id"`
	Stage      string  `json:"stage"`
	Status     string  `json:"status"`
	Tier       string  `json:"tier,omitempty"`
	Replans    int     `json:"replans"`
	Confidence float64 `json:"confidence,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}

// ResultResponse is the response body for GET /api/v1/tasks/:id/result.
type ResultResponse struct {
	TaskID    string          `json:"task_id"`
	Artifacts []task.Artifact `json:"artifacts"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleSubmit(c echo.Context) error {
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn(c.Request().Context(), "invalid submit request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Description == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "description field is required")
	}

	id, err := s.engine.Submit(c.Request().Context(), req.Description, req.Priority)
	if err != nil {
		if errors.Is(err, engine.ErrShuttingDown) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "shutting down")
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return c.JSON(http.StatusAccepted, SubmitResponse{TaskID: id})
}

func (s *Server) handleStatus(c echo.Context) error {
	st, err := s.engine.Status(c.Param("id"))
	if err != nil {
		return taskError(err)
	}
	return c.JSON(http.StatusOK, statusResponse(st))
}

func (s *Server) handleResult(c echo.Context) error {
	id := c.Param("id")
	arts, err := s.engine.Result(id)
	if err != nil {
		if errors.Is(err, engine.ErrNotTerminal) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return taskError(err)
	}
	return c.JSON(http.StatusOK, ResultResponse{TaskID: id, Artifacts: arts})
}

func (s *Server) handleCancel(c echo.Context) error {
	if err := s.engine.Cancel(c.Param("id")); err != nil {
		return taskError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleList(c echo.Context) error {
	status := task.Status(c.QueryParam("status"))
	states := s.engine.List(status)

	out := make([]StatusResponse, 0, len(states))
	for _, st := range states {
		out = append(out, statusResponse(st))
	}
	return c.JSON(http.StatusOK, out)
}

func statusResponse(st task.State) StatusResponse {
	return StatusResponse{
		TaskID:     st.ID,
		Stage:      string(st.Stage),
		Status:     string(st.Status),
		Tier:       string(st.Tier),
		Replans:    st.Replans,
		Confidence: st.Confidence,
		Reason:     st.FailureReason,
	}
}

func taskError(err error) error {
	if errors.Is(err, engine.ErrTaskNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}

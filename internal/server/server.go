package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"transcription-webhook-go/internal/logger"
	"transcription-webhook-go/internal/service"
	"transcription-webhook-go/internal/types"
)

// Version is overridden at build time with -ldflags.
var Version = "dev"

const (
	ServiceName  = "transcription-webhook"
	SecretHeader = "X-Webhook-Secret"
)

type Server struct {
	echo   *echo.Echo
	intake *service.Intake
	status *service.Status
	log    *logger.Logger
}

func New(intake *service.Intake, status *service.Status, log *logger.Logger) *Server {
	s := &Server{
		echo:   echo.New(),
		intake: intake,
		status: status,
		log:    log.Component("http"),
	}
	e := s.echo
	e.HideBanner = true
	e.HidePort = true

	// routes were historically registered with a trailing slash
	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(s.requestLog)
	e.Use(middleware.Recover())

	e.POST("/webhook/transcribe", s.transcribe)
	e.GET("/status/:task_id", s.taskStatus)
	e.GET("/health", s.health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			s.log.WithField("error", err.Error()).Warn("http shutdown error")
		}
	}()
	s.log.WithField("addr", addr).Info("listening")
	if err := s.echo.StartServer(srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requestLog(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		r := c.Request()
		id := logger.RequestID(r)
		r.Header.Set(logger.RequestIDHeader, id)
		c.Response().Header().Set(logger.RequestIDHeader, id)

		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		s.log.WithRequest(r).WithFields(logrus.Fields{
			"status":      c.Response().Status,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Info("request handled")
		return nil
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

type queuedResponse struct {
	Status  string `json:"status"`
	TaskID  string `json:"task_id"`
	RowID   string `json:"row_id"`
	Message string `json:"message"`
}

type statusResponse struct {
	TaskID       string           `json:"task_id"`
	Status       types.State      `json:"status"`
	Message      string           `json:"message"`
	RowID        string           `json:"row_id"`
	Stage        types.Stage      `json:"stage,omitempty"`
	AttemptCount int              `json:"attempt_count"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
	Result       *types.Result    `json:"result,omitempty"`
	Error        *types.TaskError `json:"error,omitempty"`
}

func (s *Server) transcribe(c echo.Context) error {
	secret := c.Request().Header.Get(SecretHeader)
	if err := s.intake.Authorize(secret); err != nil {
		s.log.WithRequest(c.Request()).Warn("invalid webhook secret")
		code, msg := errorStatus(err)
		return c.JSON(code, errorResponse{Error: msg})
	}

	var req service.SubmitRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
	}

	task, err := s.intake.Submit(c.Request().Context(), req, secret)
	if err != nil {
		code, msg := errorStatus(err)
		return c.JSON(code, errorResponse{Error: msg})
	}
	return c.JSON(http.StatusAccepted, queuedResponse{
		Status:  "queued",
		TaskID:  task.ID,
		RowID:   task.RowID,
		Message: "Transcription task has been queued",
	})
}

func errorStatus(err error) (int, string) {
	e, ok := types.AsError(err)
	if !ok {
		return http.StatusInternalServerError, "internal error"
	}
	switch e.Kind {
	case types.KindAuth:
		return http.StatusUnauthorized, "Invalid webhook secret"
	case types.KindValidation:
		return http.StatusBadRequest, e.Message
	case types.KindDispatch:
		return http.StatusServiceUnavailable, "Task could not be queued, try again later"
	}
	return http.StatusInternalServerError, "internal error"
}

func (s *Server) taskStatus(c echo.Context) error {
	id := c.Param("task_id")
	t, err := s.status.Get(c.Request().Context(), id)
	if errors.Is(err, service.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"task_id": id, "error": "task not found"})
	}
	if err != nil {
		s.log.WithRequest(c.Request()).WithField("error", err.Error()).Error("status lookup failed")
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
	return c.JSON(http.StatusOK, statusResponse{
		TaskID:       t.ID,
		Status:       t.State,
		Message:      service.Message(t),
		RowID:        t.RowID,
		Stage:        t.Stage,
		AttemptCount: t.AttemptCount,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
		Result:       t.Result,
		Error:        t.Error,
	})
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": ServiceName,
		"version": Version,
	})
}

// Package http bootstraps the echo server shared by the chat,
// authoring and admin route groups: standard middleware, the domain
// error mapping, health reporting and graceful shutdown.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"flow.evalgo.org/common"
	"flow.evalgo.org/config"
	"flow.evalgo.org/flow"
)

// defaultBodyLimit bounds request bodies; flow definitions are the
// largest accepted payload and stay well under this.
const defaultBodyLimit = "2M"

// NewServer creates an echo instance with the standard middleware
// stack and the domain error handler installed.
func NewServer(cfg config.ServerConfig) *echo.Echo {
	e := echo.New()

	e.HideBanner = true
	e.HidePort = true
	e.Debug = cfg.Debug
	e.HTTPErrorHandler = ErrorHandler

	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human})\n",
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(defaultBodyLimit))
	e.Use(middleware.RequestID())

	if len(cfg.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: cfg.AllowedOrigins,
			AllowMethods: []string{
				http.MethodGet,
				http.MethodPost,
				http.MethodPut,
				http.MethodDelete,
				http.MethodOptions,
			},
			AllowHeaders: []string{
				echo.HeaderOrigin,
				echo.HeaderContentType,
				echo.HeaderAccept,
				echo.HeaderAuthorization,
				"X-CSRF-Token",
				"X-API-Key",
			},
		}))
	}

	if cfg.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(cfg.RateLimit),
		)))
	}

	return e
}

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ErrorHandler maps domain error kinds to status codes. Handlers
// return wrapped flow errors; everything unclassified is a 500 with
// the detail kept out of the response.
func ErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	message := "internal error"

	var httpErr *echo.HTTPError
	switch {
	case errors.As(err, &httpErr):
		code = httpErr.Code
		if msg, ok := httpErr.Message.(string); ok {
			message = msg
		} else {
			message = http.StatusText(code)
		}
	case errors.Is(err, flow.ErrNotFound):
		code = http.StatusNotFound
		message = err.Error()
	case errors.Is(err, flow.ErrConflict):
		code = http.StatusConflict
		message = err.Error()
	case errors.Is(err, flow.ErrValidation):
		code = http.StatusBadRequest
		message = err.Error()
	case errors.Is(err, flow.ErrIntegrity):
		code = http.StatusUnprocessableEntity
		message = err.Error()
	case errors.Is(err, flow.ErrTimeout):
		code = http.StatusGatewayTimeout
		message = err.Error()
	case errors.Is(err, flow.ErrRemote):
		code = http.StatusBadGateway
		message = err.Error()
	default:
		common.ComponentLogger("http").WithError(err).Error("unhandled error")
	}

	if c.Response().Committed {
		return
	}

	var writeErr error
	if c.Request().Method == http.MethodHead {
		writeErr = c.NoContent(code)
	} else {
		writeErr = c.JSON(code, ErrorResponse{
			Error:   http.StatusText(code),
			Message: message,
		})
	}
	if writeErr != nil {
		common.ComponentLogger("http").WithError(writeErr).Error("failed to write error response")
	}
}

// HealthResponse reports service liveness and optional diagnostics.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Service string                 `json:"service"`
	Version string                 `json:"version,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// HealthHandler returns the /health handler. detailsFunc may be nil.
func HealthHandler(service, version string, detailsFunc func() map[string]interface{}) echo.HandlerFunc {
	return func(c echo.Context) error {
		resp := HealthResponse{
			Status:  "healthy",
			Service: service,
			Version: version,
		}
		if detailsFunc != nil {
			resp.Details = detailsFunc()
		}
		return c.JSON(http.StatusOK, resp)
	}
}

// Start serves until the listener fails. TLS is used when configured.
func Start(e *echo.Echo, cfg config.ServerConfig) error {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	s := &http.Server{
		Addr:         addr,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	common.ComponentLogger("http").WithField("addr", addr).Info("starting server")
	if cfg.TLSEnabled {
		return e.StartTLS(addr, cfg.TLSCert, cfg.TLSKey)
	}
	return e.StartServer(s)
}

// Shutdown drains in-flight requests, bounded by timeout.
func Shutdown(e *echo.Echo, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

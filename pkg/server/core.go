//
//  Copyright © Manetu Inc. All rights reserved.
//

// Package server hosts the HTTP surfaces of the platform services. Every
// service shares the same chassis: echo with recovery, CORS, body limits,
// bearer-token auth, prometheus metrics, and structured error bodies.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/manetu/flowpilot/internal/logging"
	"github.com/manetu/flowpilot/pkg/auth"
	"github.com/manetu/flowpilot/pkg/common"
	"github.com/manetu/flowpilot/pkg/core/config"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var logger = logging.GetLogger("flowpilot.server")

var requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "flowpilot_http_request_duration_seconds",
	Help:    "HTTP request latency by route.",
	Buckets: prometheus.DefBuckets,
}, []string{"method", "path", "status"})

func observeRequests(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)

		status := c.Response().Status
		if err != nil {
			status = common.HTTPStatus(err)
		}
		// c.Path() is the route template, keeping label cardinality bounded
		requestDuration.WithLabelValues(c.Request().Method, c.Path(),
			strconv.Itoa(status)).Observe(time.Since(start).Seconds())
		return err
	}
}

// Server is the interface for service servers that can be gracefully
// stopped. Stop completes in-flight requests or gives up when the context
// expires.
type Server interface {
	Stop(context.Context) error
}

type echoServer struct {
	echo *echo.Echo
}

func (s *echoServer) Stop(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Options carries the chassis configuration shared by every service server.
type Options struct {
	// Verifier authenticates bearer tokens on protected routes. Nil disables
	// authentication (tests, trusted-network deployments).
	Verifier *auth.Verifier

	// CorsOrigins is a comma-separated allow list; empty allows none.
	CorsOrigins string

	// BodyLimit caps request bodies, in echo notation (e.g. "1M"). Empty
	// derives the cap from configuration.
	BodyLimit string

	// IncludeErrorDetails exposes internal error text in responses. Off, the
	// body carries only the error family.
	IncludeErrorDetails bool

	// MaxString truncates inbound string values before they reach storage
	// or the rule engine. Zero disables truncation.
	MaxString int
}

// OptionsFromConfig derives chassis options from the loaded configuration.
func OptionsFromConfig() Options {
	return Options{
		CorsOrigins:         config.VConfig.GetString(config.CorsOrigins),
		BodyLimit:           fmt.Sprintf("%d", config.VConfig.GetInt64(config.HTTPMaxBody)),
		IncludeErrorDetails: config.VConfig.GetBool(config.IncludeErrorDetails),
		MaxString:           config.VConfig.GetInt(config.HTTPMaxString),
	}
}

// sanitizeMap bounds the string values of an inbound property map.
func sanitizeMap(m map[string]interface{}, max int) map[string]interface{} {
	if m == nil {
		return nil
	}
	out, _ := common.SanitizeValue(m, max).(map[string]interface{})
	return out
}

// principalKey is the echo context key holding the verified token claims.
const principalKey = "flowpilot.principal"

// Principal returns the verified claims for the request, or nil when the
// route is unauthenticated.
func Principal(c echo.Context) *auth.Claims {
	claims, _ := c.Get(principalKey).(*auth.Claims)
	return claims
}

func bearerAuth(verifier *auth.Verifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				return common.NewError(common.KindUnauthenticated, "auth.missing_token", "bearer token required")
			}
			claims, err := verifier.Verify(token)
			if err != nil {
				return err
			}
			c.Set(principalKey, claims)
			return next(c)
		}
	}
}

// detailBody is the uniform error envelope.
type detailBody struct {
	Detail interface{} `json:"detail"`
}

func errorHandler(includeDetails bool) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		var detail interface{}

		var he *echo.HTTPError
		var ce *common.Error
		switch {
		case errors.As(err, &ce):
			status = common.HTTPStatus(ce)
			if includeDetails {
				detail = ce.Error()
			} else {
				detail = ce.Kind.String()
			}
			if ce.Kind == common.KindPermissionDenied {
				detail = map[string]interface{}{
					"reason_codes": []string{ce.ReasonCode},
					"advice":       []map[string]interface{}{},
				}
			}
		case errors.As(err, &he):
			status = he.Code
			detail = fmt.Sprintf("%v", he.Message)
		default:
			if includeDetails {
				detail = err.Error()
			} else {
				detail = "internal error"
			}
		}

		if status >= http.StatusInternalServerError {
			logger.Errorf("sys", "server.error", "%s %s failed: %v", c.Request().Method, c.Request().URL.Path, err)
		}
		if err := c.JSON(status, detailBody{Detail: common.SanitizeValue(detail, 0)}); err != nil {
			logger.Errorf("sys", "server.error", "cannot write error response: %v", err)
		}
	}
}

// newEcho builds the shared chassis: middleware stack, health and metrics
// endpoints, and the error envelope.
func newEcho(opts Options) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.Secure())
	e.Use(observeRequests)
	if opts.CorsOrigins != "" {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: strings.Split(opts.CorsOrigins, ","),
		}))
	}
	if opts.BodyLimit != "" && opts.BodyLimit != "0" {
		e.Use(middleware.BodyLimit(opts.BodyLimit))
	}

	e.HTTPErrorHandler = errorHandler(opts.IncludeErrorDetails)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return e
}

// protect returns the route group middleware for authenticated routes.
func protect(opts Options) []echo.MiddlewareFunc {
	if opts.Verifier == nil {
		return nil
	}
	return []echo.MiddlewareFunc{bearerAuth(opts.Verifier)}
}

// start runs the echo server in the background and wraps it in [Server].
func start(e *echo.Echo, host string, port int) Server {
	go func() {
		if err := e.Start(fmt.Sprintf("%s:%d", host, port)); err != nil && err != http.ErrServerClosed {
			logger.SysFatalf("server failed: %v", err)
		}
	}()
	return &echoServer{echo: e}
}

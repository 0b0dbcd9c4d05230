package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/apkrelay/internal/artifact"
	"github.com/any-hub/apkrelay/internal/catalog"
	"github.com/any-hub/apkrelay/internal/relay"
)

// Relay 是 HTTP 层依赖的服务能力，*relay.Service 即为实现。
type Relay interface {
	Info(ctx context.Context, pkg string) (artifact.ResolvedSource, bool, error)
	DirectURL(ctx context.Context, pkg string) (artifact.ResolvedSource, http.Header, error)
	Fetch(ctx context.Context, pkg string) (relay.FetchResult, error)
	Touch(res relay.FetchResult) bool
	Batch(ctx context.Context, pkgs []string) ([]relay.BatchItem, error)
	Search(ctx context.Context, query string, limit int) ([]catalog.SearchResult, error)
	Stats() relay.Stats
	ClearCache() (sources, files int)
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger     *logrus.Logger
	Relay      Relay
	ListenPort int
	Version    string
}

const contextKeyRequestID = "_apkrelay_request_id"

// NewApp builds the Fiber application with request-ID and recover
// middleware and registers every endpoint.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Relay == nil {
		return nil, errors.New("relay service is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		AppName:       "apkrelay",
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())

	h := &handlers{relay: opts.Relay, logger: opts.Logger, version: opts.Version}
	app.Get("/", h.index)
	app.Get("/health", h.health)
	app.Get("/stats", h.stats)
	app.Get("/info/:pkg", h.info)
	app.Get("/url/:pkg", h.url)
	app.Get("/direct-url/:pkg", h.directURL)
	app.Get("/download/:pkg", h.download)
	app.Get("/file/:pkg", h.file)
	app.Get("/search/:query", h.search)
	app.Delete("/cache", h.clearCache)
	app.Post("/batch-download", h.batch)

	return app, nil
}

// requestContextMiddleware 为每个请求生成请求 ID 并写入响应头。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

// statusFor 把失败类别映射为 HTTP 状态与错误码。
func statusFor(err error) (int, string) {
	switch artifact.KindOf(err) {
	case artifact.KindInvalidInput:
		return fiber.StatusBadRequest, string(artifact.KindInvalidInput)
	case artifact.KindResolution:
		return fiber.StatusNotFound, string(artifact.KindResolution)
	case artifact.KindVerification:
		return fiber.StatusBadGateway, string(artifact.KindVerification)
	case artifact.KindAcquisition:
		return fiber.StatusBadGateway, string(artifact.KindAcquisition)
	case artifact.KindTimeout:
		return fiber.StatusGatewayTimeout, string(artifact.KindTimeout)
	case artifact.KindBackpressure:
		return fiber.StatusServiceUnavailable, string(artifact.KindBackpressure)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fiber.StatusGatewayTimeout, string(artifact.KindTimeout)
	}
	return fiber.StatusInternalServerError, "internal_error"
}

func (h *handlers) writeError(c fiber.Ctx, action, pkg string, err error) error {
	status, code := statusFor(err)
	fields := logrus.Fields{
		"action":     action,
		"package":    pkg,
		"status":     status,
		"error_code": code,
		"request_id": RequestID(c),
	}
	if status >= fiber.StatusInternalServerError {
		h.logger.WithFields(fields).WithError(err).Error("request_failed")
	} else {
		h.logger.WithFields(fields).WithError(err).Warn("request_failed")
	}
	return c.Status(status).JSON(fiber.Map{"error": code, "detail": err.Error()})
}

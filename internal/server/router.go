package server

import (
	"errors"
	"path/filepath"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/gofiber/fiber/v3/middleware/static"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nvc-practice/nvc-edge/internal/apierror"
)

// EdgeHandler describes the component that relays requests to the upstream
// API origin. It allows injecting fake handlers during tests.
type EdgeHandler interface {
	Forward(fiber.Ctx) error
	Health(fiber.Ctx) error
}

// AppOptions controls which paths the Fiber application mounts.
type AppOptions struct {
	Logger     *logrus.Logger
	Edge       EdgeHandler
	APIMount   string
	HealthPath string
	StaticRoot string
}

const contextKeyRequestID = "_nvcedge_request_id"

// workerScript 是缓存 Worker 脚本的固定路径，作用域需覆盖整站。
const workerScript = "/sw.js"

// NewApp builds a Fiber application with request-id middleware, the edge
// proxy mount points and optional static shell hosting.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Edge == nil {
		return nil, errors.New("edge handler is required")
	}
	mount := "/" + strings.Trim(opts.APIMount, "/")
	if mount == "/" {
		return nil, errors.New("api mount is required")
	}
	if !strings.HasPrefix(opts.HealthPath, "/") {
		return nil, errors.New("health path must start with /")
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())

	app.Get(opts.HealthPath, opts.Edge.Health)
	app.All(mount, opts.Edge.Forward)
	app.All(mount+"/*", opts.Edge.Forward)

	if opts.StaticRoot != "" {
		registerShellRoutes(app, opts.StaticRoot)
	}

	return app, nil
}

// RegisterFallback 注册兜底 404，需在所有路由（含诊断路由）之后调用。
func RegisterFallback(app *fiber.App, logger *logrus.Logger) {
	app.Use(func(c fiber.Ctx) error {
		logger.WithFields(logrus.Fields{
			"action":     "route_lookup",
			"path":       c.Path(),
			"request_id": RequestID(c),
		}).Debug("route not found")
		body := apierror.New(apierror.CodeNotFound, "no route for "+c.Path())
		c.Set(fiber.HeaderContentType, apierror.JSONContentType)
		return c.Status(fiber.StatusNotFound).Send(body.Marshal())
	})
}

// registerShellRoutes 暴露 Worker 脚本与 manifest，并托管其余静态文件。
// Worker 脚本与 manifest 文件名不带指纹，必须禁用强缓存，否则浏览器无法感知新一代 Worker。
func registerShellRoutes(app *fiber.App, root string) {
	app.Get(workerScript, func(c fiber.Ctx) error {
		if err := c.SendFile(filepath.Join(root, "sw.js")); err != nil {
			return err
		}
		c.Set("Service-Worker-Allowed", "/")
		c.Set(fiber.HeaderCacheControl, "no-cache")
		return nil
	})
	app.Get("/manifest.webmanifest", func(c fiber.Ctx) error {
		if err := c.SendFile(filepath.Join(root, "manifest.webmanifest")); err != nil {
			return err
		}
		c.Set(fiber.HeaderCacheControl, "no-cache")
		c.Set(fiber.HeaderContentType, "application/manifest+json")
		return nil
	})
	app.Get("/*", static.New(root, static.Config{IndexNames: []string{"index.html"}}))
}

// requestContextMiddleware 负责生成请求 ID，并写入响应头。
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

// InboundHost returns the host the client connected to, taken from the
// request line or Host header. Client supplied X-Forwarded-Host is ignored.
func InboundHost(c fiber.Ctx) string {
	return string(c.Request().URI().Host())
}

// InboundScheme reports "https" only for TLS connections terminated here.
func InboundScheme(c fiber.Ctx) string {
	if ctx := c.RequestCtx(); ctx != nil && ctx.IsTLS() {
		return "https"
	}
	return "http"
}

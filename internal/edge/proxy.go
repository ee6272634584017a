// Package edge relays browser API calls to the upstream origin so the page
// and its API share one origin. It performs no business logic and no caching.
package edge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nvc-practice/nvc-edge/internal/apierror"
	"github.com/nvc-practice/nvc-edge/internal/server"
	"github.com/nvc-practice/nvc-edge/internal/telemetry"
)

const (
	// ProxyMarkerHeader 标记经由边缘代理返回的响应。
	ProxyMarkerHeader = "x-api-proxy"
	// ProxyMarkerValue 与线上部署保持一致，前端据此判断响应来源。
	ProxyMarkerValue = "cloudflare-pages"
	// UpstreamURLHeader 仅出现在健康检查响应中。
	UpstreamURLHeader = "x-upstream-url"
)

// strippedRequestHeaders 会在转发前删除，x-forwarded-* 随后按入站请求重新设置。
var strippedRequestHeaders = []string{
	"Host",
	"Cf-Connecting-Ip",
	"X-Forwarded-Host",
	"X-Forwarded-Proto",
	"Accept-Encoding",
}

// Proxy implements server.EdgeHandler against a single upstream origin.
type Proxy struct {
	client       *http.Client
	healthClient *http.Client
	origin       string
	logger       *logrus.Logger
}

// NewProxy builds a Proxy. client must not follow redirects; healthClient
// should. origin is expected to be resolved already (no trailing slash).
func NewProxy(client, healthClient *http.Client, origin string, logger *logrus.Logger) *Proxy {
	if healthClient == nil {
		healthClient = client
	}
	return &Proxy{
		client:       client,
		healthClient: healthClient,
		origin:       strings.TrimRight(origin, "/"),
		logger:       logger,
	}
}

// Origin returns the upstream origin requests are relayed to.
func (p *Proxy) Origin() string {
	return p.origin
}

// Forward 将请求原样转发到上游，保留方法、路径、查询串与请求体，不跟随跳转。
func (p *Proxy) Forward(c fiber.Ctx) (err error) {
	started := time.Now()
	requestID := server.RequestID(c)
	target := p.targetURL(c)

	defer func() {
		if r := recover(); r != nil {
			err = p.respondFailure(c, fmt.Errorf("panic: %v", r), "", target, requestID, started)
		}
	}()

	req, err := p.buildForwardRequest(c, target)
	if err != nil {
		return p.respondFailure(c, err, "", target, requestID, started)
	}

	ctx := telemetry.Extract(req.Context(), req.Header)
	ctx, span := telemetry.StartSpan(ctx, "edge.forward", req,
		attribute.String("request.id", requestID))
	req = req.WithContext(ctx)
	telemetry.Inject(ctx, req.Header)

	resp, err := p.client.Do(req)
	if err != nil {
		telemetry.EndSpan(span, fiber.StatusBadGateway, err)
		return p.respondFailure(c, err, "", target, requestID, started)
	}
	defer resp.Body.Close()

	relayStatus(c, resp)
	copyResponseHeaders(c, resp.Header)
	c.Set(ProxyMarkerHeader, ProxyMarkerValue)

	if c.Method() == http.MethodHead {
		telemetry.EndSpan(span, resp.StatusCode, nil)
		p.logResult(c, target, requestID, resp.StatusCode, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	telemetry.EndSpan(span, resp.StatusCode, err)
	p.logResult(c, target, requestID, resp.StatusCode, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

// Health 探测上游 /health，跟随跳转，并通过 x-upstream-url 暴露实际探测地址。
func (p *Proxy) Health(c fiber.Ctx) (err error) {
	started := time.Now()
	requestID := server.RequestID(c)
	target := p.origin + "/health"

	defer func() {
		if r := recover(); r != nil {
			err = p.respondFailure(c, fmt.Errorf("panic: %v", r), target, target, requestID, started)
		}
	}()

	req, err := http.NewRequestWithContext(requestContext(c), http.MethodGet, target, http.NoBody)
	if err != nil {
		return p.respondFailure(c, err, target, target, requestID, started)
	}
	req.Header.Set("Accept", "application/json")

	ctx := telemetry.Extract(req.Context(), inboundHeaders(c))
	ctx, span := telemetry.StartSpan(ctx, "edge.health", req)
	req = req.WithContext(ctx)
	telemetry.Inject(ctx, req.Header)

	resp, err := p.healthClient.Do(req)
	if err != nil {
		telemetry.EndSpan(span, fiber.StatusBadGateway, err)
		return p.respondFailure(c, err, target, target, requestID, started)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	telemetry.EndSpan(span, resp.StatusCode, err)
	if err != nil {
		return p.respondFailure(c, err, target, target, requestID, started)
	}

	contentType := resp.Header.Get(fiber.HeaderContentType)
	if contentType == "" {
		contentType = apierror.JSONContentType
	}
	relayStatus(c, resp)
	c.Set(fiber.HeaderContentType, contentType)
	c.Set(fiber.HeaderCacheControl, "no-store")
	c.Set(ProxyMarkerHeader, ProxyMarkerValue)
	c.Set(UpstreamURLHeader, target)
	p.logResult(c, target, requestID, resp.StatusCode, started, nil)
	return c.Send(body)
}

func (p *Proxy) targetURL(c fiber.Ctx) string {
	target := p.origin + string(c.Request().URI().PathOriginal())
	if query := c.Request().URI().QueryString(); len(query) > 0 {
		target += "?" + string(query)
	}
	return target
}

func (p *Proxy) buildForwardRequest(c fiber.Ctx, target string) (*http.Request, error) {
	method := c.Method()
	var body io.Reader = http.NoBody
	if method != http.MethodGet && method != http.MethodHead {
		raw := c.BodyRaw()
		if len(raw) > 0 {
			body = bytes.NewReader(append([]byte(nil), raw...))
		}
	}

	req, err := http.NewRequestWithContext(requestContext(c), method, target, body)
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, inboundHeaders(c))
	for _, key := range strippedRequestHeaders {
		req.Header.Del(key)
	}
	req.Header.Set("X-Forwarded-Host", server.InboundHost(c))
	req.Header.Set("X-Forwarded-Proto", server.InboundScheme(c))
	return req, nil
}

// respondFailure 输出统一的 502 错误体，upstreamURL 非空时附带 x-upstream-url。
func (p *Proxy) respondFailure(c fiber.Ctx, cause error, upstreamURL, target, requestID string, started time.Time) error {
	c.Response().Reset()
	c.Response().SetStatusCode(fiber.StatusBadGateway)
	c.Set(fiber.HeaderContentType, apierror.JSONContentType)
	c.Set(fiber.HeaderCacheControl, "no-store")
	c.Set(ProxyMarkerHeader, ProxyMarkerValue)
	if upstreamURL != "" {
		c.Set(UpstreamURLHeader, upstreamURL)
	}
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	p.logResult(c, target, requestID, fiber.StatusBadGateway, started, cause)
	return c.Send(apierror.FromError(cause).Marshal())
}

func (p *Proxy) logResult(c fiber.Ctx, upstream, requestID string, status int, started time.Time, err error) {
	if p.logger == nil {
		return
	}
	fields := logrus.Fields{
		"action":     "edge_forward",
		"method":     c.Method(),
		"path":       c.Path(),
		"upstream":   upstream,
		"status":     status,
		"elapsed_ms": time.Since(started).Milliseconds(),
		"request_id": requestID,
	}
	if err != nil {
		fields["error"] = err.Error()
		p.logger.WithFields(fields).Warn("edge forward failed")
		return
	}
	p.logger.WithFields(fields).Debug("edge forward completed")
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func inboundHeaders(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// relayStatus 写入上游状态码与原始状态文本。
func relayStatus(c fiber.Ctx, resp *http.Response) {
	c.Status(resp.StatusCode)
	if text := statusText(resp); text != "" {
		c.Response().Header.SetStatusMessage([]byte(text))
	}
}

func statusText(resp *http.Response) string {
	prefix := fmt.Sprintf("%d ", resp.StatusCode)
	if strings.HasPrefix(resp.Status, prefix) {
		return strings.TrimPrefix(resp.Status, prefix)
	}
	return ""
}

// copyResponseHeaders 透传上游响应头；content-encoding 与 content-length 由 fiber 重新计算。
func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	c.Response().Header.SetNoDefaultContentType(true)
	for key, values := range headers {
		if server.IsHopByHopHeader(key) {
			continue
		}
		switch http.CanonicalHeaderKey(key) {
		case "Content-Encoding", "Content-Length":
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
}

package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var supportedTraceExporters = map[string]struct{}{
	"none":   {},
	"stdout": {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if _, ok := supportedTraceExporters[g.TraceExporter]; !ok {
		return newFieldError("Global.TraceExporter", "仅支持 none/stdout")
	}

	if err := validateOrigin(c.Edge.ProxyOrigin); err != nil {
		return fmt.Errorf("Edge.ProxyOrigin: %w", err)
	}
	if err := validateMountPath(c.Edge.APIMount); err != nil {
		return fmt.Errorf("Edge.ApiMount: %w", err)
	}
	if err := validateMountPath(c.Edge.HealthPath); err != nil {
		return fmt.Errorf("Edge.HealthPath: %w", err)
	}
	if c.Edge.HealthPath == c.Edge.APIMount || strings.HasPrefix(c.Edge.HealthPath, c.Edge.APIMount+"/") {
		return newFieldError("Edge.HealthPath", "不能位于 ApiMount 之下")
	}

	return c.Worker.validate()
}

func (w WorkerConfig) validate() error {
	if w.Version == "" {
		return newFieldError("Worker.Version", "不能为空")
	}
	if strings.ContainsAny(w.Version, "/ ") {
		return newFieldError("Worker.Version", "不允许包含斜杠或空格")
	}
	if strings.TrimSpace(w.CachePrefix) == "" {
		return newFieldError("Worker.CachePrefix", "不能为空")
	}
	if !strings.HasPrefix(w.APIPrefix, "/") || !strings.HasSuffix(w.APIPrefix, "/") {
		return newFieldError("Worker.ApiPrefix", "必须以 / 开头并以 / 结尾")
	}
	if !strings.HasPrefix(w.ShellDocument, "/") {
		return newFieldError("Worker.ShellDocument", "必须以 / 开头")
	}
	for i, file := range w.ShellFiles {
		if !strings.HasPrefix(file, "/") {
			return newFieldError(shellField(i), "必须是以 / 开头的同源路径")
		}
		if strings.HasPrefix(file, w.APIPrefix) {
			return newFieldError(shellField(i), "不能预缓存 API 路径")
		}
	}
	if w.FetchTimeout.DurationValue() < 0 {
		return newFieldError("Worker.FetchTimeout", "不能为负数")
	}
	return nil
}

func validateMountPath(p string) error {
	if !strings.HasPrefix(p, "/") {
		return errors.New("必须以 / 开头")
	}
	if p == "/" {
		return errors.New("不能挂载在根路径")
	}
	if strings.ContainsAny(p, "*?# ") {
		return errors.New("不允许包含通配符、查询或空格")
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("不能为空")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return fmt.Errorf("上游不允许携带查询或片段: %s", raw)
	}
	return nil
}

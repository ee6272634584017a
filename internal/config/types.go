package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级行为：监听端口、日志、缓存目录与上游超时。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	StaticRoot      string   `mapstructure:"StaticRoot"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	TraceExporter   string   `mapstructure:"TraceExporter"`
}

// EdgeConfig 决定边缘代理的挂载点与上游源站。
type EdgeConfig struct {
	// ProxyOrigin 为空时回退 DefaultProxyOrigin；环境变量 API_PROXY_ORIGIN 优先。
	ProxyOrigin string `mapstructure:"ProxyOrigin"`
	APIMount    string `mapstructure:"ApiMount"`
	HealthPath  string `mapstructure:"HealthPath"`
}

// WorkerConfig 描述一代缓存 Worker 的全部参数，Version 变化即产生新一代。
type WorkerConfig struct {
	Version          string   `mapstructure:"Version"`
	CachePrefix      string   `mapstructure:"CachePrefix"`
	ShellFiles       []string `mapstructure:"ShellFiles"`
	APIPrefix        string   `mapstructure:"ApiPrefix"`
	ClaimOnActivate  bool     `mapstructure:"ClaimOnActivate"`
	CacheNavigations bool     `mapstructure:"CacheNavigations"`
	WaitForRelease   bool     `mapstructure:"WaitForRelease"`
	ShellDocument    string   `mapstructure:"ShellDocument"`
	Locale           string   `mapstructure:"Locale"`
	FetchTimeout     Duration `mapstructure:"FetchTimeout"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Edge   EdgeConfig   `mapstructure:"Edge"`
	Worker WorkerConfig `mapstructure:"Worker"`
}

// DefaultProxyOrigin 是未配置上游时使用的后端地址。
const DefaultProxyOrigin = "https://nvc-practice-api.vercel.app"

// DefaultShellFiles 列出安装阶段需要预缓存的页面外壳文件。
var DefaultShellFiles = []string{
	"/",
	"/index.html",
	"/styles.css",
	"/app.js",
	"/manifest.webmanifest",
	"/icons/favicon-32.png",
	"/icons/icon-192.png",
	"/icons/icon-512.png",
	"/icons/icon-maskable-192.png",
	"/icons/icon-maskable-512.png",
}

// ResolveProxyOrigin 去除首尾空白与末尾斜杠，空值回退到默认上游。
func ResolveProxyOrigin(raw string) string {
	origin := strings.TrimSpace(raw)
	if origin == "" {
		origin = DefaultProxyOrigin
	}
	return strings.TrimRight(origin, "/")
}

// ResolvedOrigin 返回规范化后的上游源站。
func (e EdgeConfig) ResolvedOrigin() string {
	return ResolveProxyOrigin(e.ProxyOrigin)
}

// Summary 输出启动日志使用的关键字段。
func (c *Config) Summary() map[string]interface{} {
	return map[string]interface{}{
		"listen_port":       c.Global.ListenPort,
		"proxy_origin":      c.Edge.ResolvedOrigin(),
		"api_mount":         c.Edge.APIMount,
		"worker_version":    c.Worker.Version,
		"claim_on_activate": c.Worker.ClaimOnActivate,
	}
}

package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// ProxyOriginEnv 是覆盖上游源站的环境变量名。
const ProxyOriginEnv = "API_PROXY_ORIGIN"

// Load 读取并解析 TOML 配置文件，同时注入默认值、环境变量覆盖与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	if err := v.BindEnv("Edge.ProxyOrigin", ProxyOriginEnv); err != nil {
		return nil, fmt.Errorf("绑定环境变量失败: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyEdgeDefaults(&cfg.Edge)
	applyWorkerDefaults(&cfg.Worker)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 8788)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StaticRoot", "")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("TraceExporter", "none")

	v.SetDefault("Edge.ProxyOrigin", DefaultProxyOrigin)
	v.SetDefault("Edge.ApiMount", "/api")
	v.SetDefault("Edge.HealthPath", "/health-backend")

	v.SetDefault("Worker.Version", "v4")
	v.SetDefault("Worker.CachePrefix", "nvc-static-")
	v.SetDefault("Worker.ShellFiles", DefaultShellFiles)
	v.SetDefault("Worker.ApiPrefix", "/api/")
	v.SetDefault("Worker.ClaimOnActivate", false)
	v.SetDefault("Worker.CacheNavigations", false)
	v.SetDefault("Worker.WaitForRelease", false)
	v.SetDefault("Worker.ShellDocument", "/index.html")
	v.SetDefault("Worker.Locale", "zh-CN")
	v.SetDefault("Worker.FetchTimeout", "0s")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 8788
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	g.TraceExporter = strings.ToLower(strings.TrimSpace(g.TraceExporter))
	if g.TraceExporter == "" {
		g.TraceExporter = "none"
	}
}

func applyEdgeDefaults(e *EdgeConfig) {
	e.ProxyOrigin = ResolveProxyOrigin(e.ProxyOrigin)
	if strings.TrimSpace(e.APIMount) == "" {
		e.APIMount = "/api"
	}
	e.APIMount = "/" + strings.Trim(strings.TrimSpace(e.APIMount), "/")
	if strings.TrimSpace(e.HealthPath) == "" {
		e.HealthPath = "/health-backend"
	}
}

func applyWorkerDefaults(w *WorkerConfig) {
	w.Version = strings.TrimSpace(w.Version)
	if w.CachePrefix == "" {
		w.CachePrefix = "nvc-static-"
	}
	if w.APIPrefix == "" {
		w.APIPrefix = "/api/"
	}
	if w.ShellDocument == "" {
		w.ShellDocument = "/index.html"
	}
	if strings.TrimSpace(w.Locale) == "" {
		w.Locale = "zh-CN"
	}
	if w.ShellFiles == nil {
		w.ShellFiles = append([]string(nil), DefaultShellFiles...)
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

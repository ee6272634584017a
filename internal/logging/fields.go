package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供组件/方法/路径/请求分类与命中状态字段，供边缘代理与缓存 Worker 日志复用。
func RequestFields(component, method, path, class string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"component": component,
		"method":    method,
		"path":      path,
		"class":     class,
		"cache_hit": cacheHit,
	}
}

// GenerationFields 描述一代 Worker 的身份，安装/激活/清理日志共用。
func GenerationFields(action, version, cacheName string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"version":    version,
		"cache_name": cacheName,
	}
}

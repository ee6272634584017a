package worker

import (
	"net/http"
	"strings"
)

// Class is the outcome of request classification.
type Class int

const (
	// ClassPassthrough 不拦截，交给底层网络。
	ClassPassthrough Class = iota
	// ClassAPI 同源 API 请求，网络优先。
	ClassAPI
	// ClassStatic 同源静态资源，缓存优先。
	ClassStatic
)

func (c Class) String() string {
	switch c {
	case ClassAPI:
		return "api"
	case ClassStatic:
		return "static"
	default:
		return "passthrough"
	}
}

// staticDestinations 是可进入静态缓存的资源类型（Sec-Fetch-Dest）。
var staticDestinations = map[string]struct{}{
	"script": {},
	"style":  {},
	"image":  {},
	"font":   {},
}

// Classify maps a request to exactly one class. It depends only on the
// request method, origin, path, navigation mode and destination.
func Classify(cfg Config, req *http.Request) Class {
	if req == nil || req.URL == nil || !sameOrigin(cfg, req) {
		return ClassPassthrough
	}
	if strings.HasPrefix(req.URL.Path, cfg.APIPrefix) {
		return ClassAPI
	}
	if req.Method != http.MethodGet {
		return ClassPassthrough
	}
	if IsNavigation(req) {
		if cfg.CacheNavigations {
			return ClassStatic
		}
		return ClassPassthrough
	}
	if _, ok := staticDestinations[Destination(req)]; ok {
		return ClassStatic
	}
	return ClassPassthrough
}

// IsNavigation reports whether the request is a top-level page navigation.
func IsNavigation(req *http.Request) bool {
	return strings.EqualFold(req.Header.Get("Sec-Fetch-Mode"), "navigate")
}

// Destination returns the declared resource type of the request.
func Destination(req *http.Request) string {
	return strings.ToLower(strings.TrimSpace(req.Header.Get("Sec-Fetch-Dest")))
}

func sameOrigin(cfg Config, req *http.Request) bool {
	if cfg.Origin == nil {
		return false
	}
	return strings.EqualFold(req.URL.Scheme, cfg.Origin.Scheme) &&
		strings.EqualFold(req.URL.Host, cfg.Origin.Host)
}

// Package apierror 定义浏览器端与边缘代理共享的错误响应体：
// {"error_code": "...", "message": "..."}。前端把非 2xx 响应或
// OFFLINE/UPSTREAM_UNAVAILABLE 视为可恢复提示的信号。
package apierror

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// Code 是错误响应体中的 error_code 取值。
type Code string

const (
	CodeUpstreamUnavailable Code = "UPSTREAM_UNAVAILABLE"
	CodeOffline             Code = "OFFLINE"

	CodeValidation   Code = "VALIDATION_ERROR"
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeForbidden    Code = "FORBIDDEN"
	CodeNotFound     Code = "NOT_FOUND"
	CodeConflict     Code = "CONFLICT"
	CodeSafety       Code = "SAFETY_BLOCKED"
	CodeRateLimited  Code = "RATE_LIMITED"
	CodeInternal     Code = "INTERNAL_ERROR"
)

// JSONContentType 是错误体使用的 Content-Type。
const JSONContentType = "application/json; charset=utf-8"

// Body 是固定形状的错误响应体。
type Body struct {
	ErrorCode Code   `json:"error_code"`
	Message   string `json:"message"`
}

// New 构造错误体，message 为空时使用 code 的默认文案。
func New(code Code, message string) Body {
	if strings.TrimSpace(message) == "" {
		message = defaultMessage(code)
	}
	return Body{ErrorCode: code, Message: message}
}

// FromError 把传输层错误转换为 UPSTREAM_UNAVAILABLE 错误体。
func FromError(err error) Body {
	if err == nil {
		return New(CodeUpstreamUnavailable, "")
	}
	return New(CodeUpstreamUnavailable, err.Error())
}

// Marshal 序列化错误体；字段均为字符串，不会失败。
func (b Body) Marshal() []byte {
	data, _ := json.Marshal(b)
	return data
}

// Decode 从响应体解析错误体，缺少 error_code 时返回错误。
func Decode(data []byte) (Body, error) {
	var body Body
	if err := json.Unmarshal(data, &body); err != nil {
		return Body{}, err
	}
	if body.ErrorCode == "" {
		return Body{}, errors.New("error_code missing")
	}
	return body, nil
}

// CodeForStatus 将非 2xx 状态码映射为后端约定的错误码。
func CodeForStatus(status int) Code {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return CodeValidation
	case http.StatusUnauthorized:
		return CodeUnauthorized
	case http.StatusForbidden:
		return CodeForbidden
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusConflict:
		return CodeConflict
	case http.StatusTooManyRequests:
		return CodeRateLimited
	case http.StatusBadGateway:
		return CodeUpstreamUnavailable
	default:
		return CodeInternal
	}
}

// IsRecoverable 表示该错误码对应网络层故障，前端应展示可重试提示。
func IsRecoverable(code Code) bool {
	return code == CodeOffline || code == CodeUpstreamUnavailable
}

func defaultMessage(code Code) string {
	switch code {
	case CodeUpstreamUnavailable:
		return "upstream unavailable"
	case CodeOffline:
		return "offline"
	default:
		return strings.ToLower(strings.ReplaceAll(string(code), "_", " "))
	}
}

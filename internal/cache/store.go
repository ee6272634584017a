package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Storage 管理一组具名缓存，对应浏览器的 CacheStorage。
type Storage interface {
	// Open 打开（必要时创建）指定名称的缓存。
	Open(ctx context.Context, name string) (Store, error)

	// Has 判断缓存是否存在，不会隐式创建。
	Has(ctx context.Context, name string) (bool, error)

	// Keys 返回全部缓存名称，按字典序排列。
	Keys(ctx context.Context) ([]string, error)

	// Delete 删除整个缓存，返回是否确实存在过。
	Delete(ctx context.Context, name string) (bool, error)
}

// Store 是单个具名缓存，键为请求身份（方法 + URL）。
type Store interface {
	// Name 返回缓存名称。
	Name() string

	// Match 查找与请求匹配的响应，未命中返回 ErrNotFound。
	Match(ctx context.Context, req *http.Request, opts MatchOptions) (*http.Response, error)

	// Put 以新增或覆盖的方式写入响应。实现会读取 resp.Body 并将其复原，
	// 调用方仍可把同一个 resp 返回给页面。
	Put(ctx context.Context, req *http.Request, resp *http.Response) error

	// Delete 删除匹配的条目，返回是否删除了任何条目。
	Delete(ctx context.Context, req *http.Request, opts MatchOptions) (bool, error)

	// Keys 返回当前缓存中的全部请求身份。
	Keys(ctx context.Context) ([]Key, error)
}

// MatchOptions 控制匹配方式。
type MatchOptions struct {
	// IgnoreSearch 为 true 时比较 URL 时忽略查询串。
	IgnoreSearch bool
}

// Key 唯一标识一个缓存条目。
type Key struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// Entry 是落盘/驻留内存的响应快照。
type Entry struct {
	Key        Key         `json:"key"`
	Status     int         `json:"status"`
	StatusText string      `json:"status_text"`
	Header     http.Header `json:"header"`
	StoredAt   time.Time   `json:"stored_at"`
	Body       []byte      `json:"-"`
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrUnsupportedMethod 表示仅 GET 请求可以写入缓存。
	ErrUnsupportedMethod = errors.New("cache: only GET requests can be stored")
	// ErrPartialResponse 表示 206 响应不可写入缓存。
	ErrPartialResponse = errors.New("cache: partial responses cannot be stored")
	// ErrInvalidName 表示缓存名称为空或非法。
	ErrInvalidName = errors.New("cache: invalid store name")
)

// KeyFor 计算请求身份，忽略 URL 片段。
func KeyFor(req *http.Request) Key {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	u := *req.URL
	u.Fragment = ""
	u.RawFragment = ""
	return Key{Method: method, URL: u.String()}
}

// Matches 判断条目是否与请求身份匹配。
func (k Key) Matches(other Key, opts MatchOptions) bool {
	if k.Method != other.Method {
		return false
	}
	if !opts.IgnoreSearch {
		return k.URL == other.URL
	}
	return stripQuery(k.URL) == stripQuery(other.URL)
}

func stripQuery(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		if idx := strings.IndexByte(raw, '?'); idx >= 0 {
			return raw[:idx]
		}
		return raw
	}
	u.RawQuery = ""
	u.ForceQuery = false
	return u.String()
}

// newEntry 读取响应正文生成快照，并用内存副本复原 resp.Body。
func newEntry(req *http.Request, resp *http.Response, now time.Time) (*Entry, error) {
	if req.Method != "" && req.Method != http.MethodGet {
		return nil, ErrUnsupportedMethod
	}
	if resp.StatusCode == http.StatusPartialContent {
		return nil, ErrPartialResponse
	}

	var body []byte
	if resp.Body != nil && resp.Body != http.NoBody {
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			resp.Body = io.NopCloser(bytes.NewReader(data))
			return nil, fmt.Errorf("read response body: %w", err)
		}
		body = data
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	return &Entry{
		Key:        KeyFor(req),
		Status:     resp.StatusCode,
		StatusText: statusText(resp),
		Header:     resp.Header.Clone(),
		StoredAt:   now.UTC(),
		Body:       body,
	}, nil
}

// Response 以快照还原一个可独立读取的 *http.Response。
func (e *Entry) Response(req *http.Request) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	text := e.StatusText
	if text == "" {
		text = http.StatusText(e.Status)
	}
	return &http.Response{
		Status:        strconv.Itoa(e.Status) + " " + text,
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// statusText 从 "200 OK" 形式的 Status 中取出原因短语。
func statusText(resp *http.Response) string {
	prefix := strconv.Itoa(resp.StatusCode) + " "
	if text := strings.TrimPrefix(resp.Status, prefix); text != resp.Status {
		return text
	}
	return http.StatusText(resp.StatusCode)
}

func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func validName(name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrInvalidName
	}
	return nil
}

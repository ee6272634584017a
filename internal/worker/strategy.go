package worker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/nvc-practice/nvc-edge/internal/apierror"
	"github.com/nvc-practice/nvc-edge/internal/cache"
	"github.com/nvc-practice/nvc-edge/internal/logging"
)

// networkFirstAPI 只走网络，任何失败都转换成 503 OFFLINE 错误体，从不读写缓存。
func (w *Worker) networkFirstAPI(req *http.Request) *http.Response {
	resp, err := w.fetch(req)
	if err != nil {
		w.logRequest(req, ClassAPI, false).WithError(err).Info("api request failed, answering offline")
		body := apierror.New(apierror.CodeOffline, w.cfg.OfflineMessage).Marshal()
		return syntheticResponse(req, http.StatusServiceUnavailable, apierror.JSONContentType, body)
	}
	w.logRequest(req, ClassAPI, false).Debug("api request relayed")
	return resp
}

// cacheFirst 先查缓存（查找严格先于网络请求），未命中再请求网络并写入成功的响应。
func (w *Worker) cacheFirst(req *http.Request) *http.Response {
	ctx := req.Context()
	key, opts := w.cacheKey(req)

	store, err := w.storage.Open(ctx, w.cfg.CacheName())
	if err != nil {
		w.logRequest(req, ClassStatic, false).WithError(err).Warn("open cache store failed, using network")
		resp, fetchErr := w.fetch(req)
		if fetchErr != nil {
			return offlineText(req)
		}
		return resp
	}

	cached, err := store.Match(ctx, key, opts)
	switch {
	case err == nil:
		w.logRequest(req, ClassStatic, true).Debug("served from cache")
		cached.Request = req
		return cached
	case !errors.Is(err, cache.ErrNotFound):
		w.logRequest(req, ClassStatic, false).WithError(err).Warn("cache lookup failed")
	}

	resp, err := w.fetch(req)
	if err != nil {
		w.logRequest(req, ClassStatic, false).WithError(err).Info("static request failed")
		if IsNavigation(req) {
			if fallback := w.shellFallback(ctx, store, req); fallback != nil {
				return fallback
			}
		}
		return offlineText(req)
	}

	if isOK(resp.StatusCode) {
		if err := store.Put(ctx, key, resp); err != nil {
			w.logRequest(req, ClassStatic, false).WithError(err).Warn("cache write failed")
		}
	}
	w.logRequest(req, ClassStatic, false).Debug("served from network")
	return resp
}

// cacheKey 返回缓存键；缓存导航时所有导航共用外壳文档键并忽略查询串。
func (w *Worker) cacheKey(req *http.Request) (*http.Request, cache.MatchOptions) {
	if w.cfg.CacheNavigations && IsNavigation(req) {
		if shell := w.shellRequest(req.Context()); shell != nil {
			return shell, cache.MatchOptions{IgnoreSearch: true}
		}
	}
	return req, cache.MatchOptions{}
}

func (w *Worker) shellRequest(ctx context.Context) *http.Request {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.cfg.URL(w.cfg.ShellDocument), http.NoBody)
	if err != nil {
		return nil
	}
	return req
}

func (w *Worker) shellFallback(ctx context.Context, store cache.Store, req *http.Request) *http.Response {
	shell := w.shellRequest(ctx)
	if shell == nil {
		return nil
	}
	resp, err := store.Match(ctx, shell, cache.MatchOptions{IgnoreSearch: true})
	if err != nil {
		return nil
	}
	resp.Request = req
	return resp
}

// fetch 执行一次网络请求；配置了 FetchTimeout 时超时视为网络失败。
func (w *Worker) fetch(req *http.Request) (*http.Response, error) {
	if w.cfg.FetchTimeout <= 0 {
		return w.transport.RoundTrip(req)
	}
	ctx, cancel := context.WithTimeout(req.Context(), w.cfg.FetchTimeout)
	resp, err := w.transport.RoundTrip(req.WithContext(ctx))
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func (w *Worker) logRequest(req *http.Request, class Class, hit bool) *logrus.Entry {
	return w.logger.WithFields(logging.RequestFields("worker", req.Method, req.URL.Path, class.String(), hit))
}

func offlineText(req *http.Request) *http.Response {
	return syntheticResponse(req, http.StatusServiceUnavailable, "text/plain; charset=utf-8", []byte("offline"))
}

func syntheticResponse(req *http.Request, status int, contentType string, body []byte) *http.Response {
	header := http.Header{}
	header.Set("Content-Type", contentType)
	header.Set("Content-Length", strconv.Itoa(len(body)))
	return &http.Response{
		Status:        strings.TrimSpace(strconv.Itoa(status) + " " + http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

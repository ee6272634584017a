package routes

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/nvc-practice/nvc-edge/internal/apierror"
	"github.com/nvc-practice/nvc-edge/internal/config"
	"github.com/nvc-practice/nvc-edge/internal/server"
	"github.com/nvc-practice/nvc-edge/internal/worker"
)

// RegisterWorkerRoutes 暴露 /-/worker 诊断接口，前台页面据此比较版本并决定是否发送 SKIP_WAITING。
func RegisterWorkerRoutes(app *fiber.App, wc config.WorkerConfig) {
	if app == nil {
		return
	}

	app.Get("/-/worker", func(c fiber.Ctx) error {
		cfg, err := worker.NewConfig(wc, requestOrigin(c))
		if err != nil {
			return respondInvalid(c, err)
		}
		c.Set(fiber.HeaderCacheControl, "no-store")
		return c.JSON(encodeWorker(cfg))
	})

	app.Get("/-/worker/:version", func(c fiber.Ctx) error {
		version := strings.TrimSpace(c.Params("version"))
		if version == "" {
			return respondInvalid(c, nil)
		}
		cfg, err := worker.NewConfig(wc, requestOrigin(c))
		if err != nil {
			return respondInvalid(c, err)
		}
		c.Set(fiber.HeaderCacheControl, "no-store")
		return c.JSON(versionPayload{
			Version:   version,
			Current:   cfg.Version,
			UpToDate:  version == cfg.Version,
			CacheName: cfg.CacheName(),
		})
	})
}

type workerPayload struct {
	Version          string   `json:"version"`
	Fingerprint      string   `json:"fingerprint"`
	CacheName        string   `json:"cache_name"`
	CachePrefix      string   `json:"cache_prefix"`
	ShellFiles       []string `json:"shell_files"`
	APIPrefix        string   `json:"api_prefix"`
	ClaimOnActivate  bool     `json:"claim_on_activate"`
	CacheNavigations bool     `json:"cache_navigations"`
	WaitForRelease   bool     `json:"wait_for_release"`
	ShellDocument    string   `json:"shell_document"`
	FetchTimeoutMS   int64    `json:"fetch_timeout_ms"`
}

type versionPayload struct {
	Version   string `json:"version"`
	Current   string `json:"current"`
	UpToDate  bool   `json:"up_to_date"`
	CacheName string `json:"cache_name"`
}

func encodeWorker(cfg worker.Config) workerPayload {
	return workerPayload{
		Version:          cfg.Version,
		Fingerprint:      cfg.Fingerprint(),
		CacheName:        cfg.CacheName(),
		CachePrefix:      cfg.CachePrefix,
		ShellFiles:       append([]string(nil), cfg.ShellFiles...),
		APIPrefix:        cfg.APIPrefix,
		ClaimOnActivate:  cfg.ClaimOnActivate,
		CacheNavigations: cfg.CacheNavigations,
		WaitForRelease:   cfg.WaitForRelease,
		ShellDocument:    cfg.ShellDocument,
		FetchTimeoutMS:   int64(cfg.FetchTimeout / time.Millisecond),
	}
}

func requestOrigin(c fiber.Ctx) string {
	return server.InboundScheme(c) + "://" + server.InboundHost(c)
}

func respondInvalid(c fiber.Ctx, err error) error {
	message := ""
	if err != nil {
		message = err.Error()
	}
	c.Set(fiber.HeaderContentType, apierror.JSONContentType)
	return c.Status(fiber.StatusBadRequest).Send(apierror.New(apierror.CodeValidation, message).Marshal())
}

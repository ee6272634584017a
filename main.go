package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/nvc-practice/nvc-edge/internal/cache"
	"github.com/nvc-practice/nvc-edge/internal/config"
	"github.com/nvc-practice/nvc-edge/internal/edge"
	"github.com/nvc-practice/nvc-edge/internal/logging"
	"github.com/nvc-practice/nvc-edge/internal/server"
	"github.com/nvc-practice/nvc-edge/internal/server/routes"
	"github.com/nvc-practice/nvc-edge/internal/telemetry"
	"github.com/nvc-practice/nvc-edge/internal/version"
	"github.com/nvc-practice/nvc-edge/internal/worker"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath     string
	checkOnly      bool
	showVersion    bool
	precacheOrigin string
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		for key, value := range cfg.Summary() {
			fields[key] = value
		}
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	shutdown, err := telemetry.Setup(cfg.Global.TraceExporter, stdOut)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化链路追踪失败: %v\n", err)
		return 1
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.WithError(err).Warn("trace provider shutdown failed")
		}
	}()

	if opts.precacheOrigin != "" {
		return runPrecache(cfg, opts, logger)
	}

	// 启动顺序：配置 → 日志 → 链路追踪 → 边缘代理 → Fiber server。
	proxy := edge.NewProxy(
		server.NewUpstreamClient(cfg, server.RedirectManual),
		server.NewUpstreamClient(cfg, server.RedirectFollow),
		cfg.Edge.ResolvedOrigin(),
		logger,
	)

	fields := logging.BaseFields("startup", opts.configPath)
	for key, value := range cfg.Summary() {
		fields[key] = value
	}
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(cfg, proxy, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// runPrecache 以页面源站为目标安装并激活当前代 Worker，把外壳文件写入磁盘缓存，输出安装报告。
func runPrecache(cfg *config.Config, opts cliOptions, logger *logrus.Logger) int {
	wcfg, err := worker.NewConfig(cfg.Worker, opts.precacheOrigin)
	if err != nil {
		fmt.Fprintf(stdErr, "Worker 配置无效: %v\n", err)
		return 1
	}
	storage, err := cache.NewFileStorage(cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存目录失败: %v\n", err)
		return 1
	}

	w, err := worker.New(wcfg, worker.Options{
		Storage:   storage,
		Transport: worker.NetworkFromClient(server.NewUpstreamClient(cfg, server.RedirectFollow)),
		Logger:    logger,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "创建 Worker 失败: %v\n", err)
		return 1
	}

	ctx := context.Background()
	report, err := w.Install(ctx)
	if err != nil {
		fmt.Fprintf(stdErr, "预缓存失败: %v\n", err)
		return 1
	}
	if err := w.Activate(ctx); err != nil {
		fmt.Fprintf(stdErr, "激活失败: %v\n", err)
		return 1
	}

	encoder := json.NewEncoder(stdOut)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(report); err != nil {
		fmt.Fprintf(stdErr, "输出报告失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("nvc-edge", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
		precache   string
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 NVC_EDGE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.StringVar(&precache, "precache", "", "对指定页面源站执行一次安装与激活，写入磁盘缓存后退出")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("NVC_EDGE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:     path,
		checkOnly:      checkOnly,
		showVersion:    showVer,
		precacheOrigin: precache,
	}, nil
}

func startHTTPServer(cfg *config.Config, proxy server.EdgeHandler, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Edge:       proxy,
		APIMount:   cfg.Edge.APIMount,
		HealthPath: cfg.Edge.HealthPath,
		StaticRoot: cfg.Global.StaticRoot,
	})
	if err != nil {
		return err
	}
	routes.RegisterWorkerRoutes(app, cfg.Worker)
	server.RegisterFallback(app, logger)

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
		"origin": cfg.Edge.ResolvedOrigin(),
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}

package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	glog "github.com/cloudwego/hertz/pkg/common/hlog"
	hertzadapter "github.com/hertz-contrib/logger/zerolog"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"alumni-search-go/internal/agent"
	"alumni-search-go/internal/api/handler"
	"alumni-search-go/internal/api/router"
	"alumni-search-go/internal/config"
	appCoreLogger "alumni-search-go/internal/logger"
	"alumni-search-go/internal/parser"
	"alumni-search-go/internal/processor"
	"alumni-search-go/internal/ratelimit"
	"alumni-search-go/internal/storage"
)

var (
	version     = "1.0.0"            //nolint:gochecknoglobals
	serviceName = "alumni-search-go" //nolint:gochecknoglobals
)

func main() {
	var configPath string
	pflag.StringVarP(&configPath, "config", "c", "internal/config/config.yaml", "Path to config file")
	pflag.Parse()

	// 日志系统由配置驱动，所以配置加载失败只能走标准库日志
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("配置校验失败: %v", err)
	}

	initLogger(cfg.Logger)
	glog.Info("配置加载成功")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storageManager, err := storage.NewStorage(ctx, cfg)
	if err != nil {
		glog.Fatalf("初始化存储失败: %v", err)
	}
	defer storageManager.Close()
	if storageManager.Qdrant == nil || storageManager.MySQL == nil {
		glog.Fatalf("Qdrant和MySQL是搜索流水线的硬依赖, 初始化失败无法启动")
	}
	glog.Info("存储服务初始化成功")

	embedder, err := parser.NewOpenAIEmbedder(cfg.OpenAI.APIKey, cfg.OpenAI.Embedding)
	if err != nil {
		glog.Fatalf("初始化Embedder失败: %v", err)
	}
	glog.Info("Embedder初始化成功")

	chatTimeout := time.Duration(cfg.OpenAI.TimeoutSeconds) * time.Second
	chatModel, err := agent.NewOpenAIChatModel(cfg.OpenAI.APIKey, cfg.OpenAI.RerankModel, cfg.OpenAI.ChatBaseURL, chatTimeout)
	if err != nil {
		glog.Fatalf("初始化重排模型失败: %v", err)
	}
	glog.Infof("重排模型初始化成功, 模型: %s", chatModel.ModelName())

	var limiter *ratelimit.TokenBucket
	if cfg.OpenAI.RerankQPM > 0 {
		limiter = ratelimit.NewTokenBucket(cfg.OpenAI.RerankQPM, 0)
		glog.Infof("重排限流器启用, QPM: %d", cfg.OpenAI.RerankQPM)
	}

	reranker := processor.NewReranker(chatModel, limiter, &cfg.SearchPolicy)
	searchService := processor.NewSearchService(
		embedder,
		storageManager.Qdrant,
		storageManager.MySQL,
		storageManager.Redis,
		reranker,
		&cfg.SearchPolicy,
	)
	glog.Info("搜索服务初始化成功")

	searchHandler := handler.NewSearchHandler(searchService)

	h := server.New(
		server.WithHostPorts(cfg.Server.Address),
		server.WithHandleMethodNotAllowed(true),
	)
	h.Use(func(c context.Context, ctx *app.RequestContext) {
		glog.CtxInfof(c, "Request: %s %s", string(ctx.Method()), string(ctx.Path()))
		ctx.Next(c)
		glog.CtxInfof(c, "Response: status %d", ctx.Response.StatusCode())
	})

	router.RegisterRoutes(h, searchHandler)
	glog.Info("HTTP路由注册成功")

	glog.Infof("%s %s HTTP服务器启动中, 监听地址: %s", serviceName, version, cfg.Server.Address)

	go func() {
		if err := h.Run(); err != nil {
			glog.Fatalf("启动HTTP服务器失败: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	glog.Info("接收到终止信号, 正在优雅退出...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := h.Shutdown(shutdownCtx); err != nil {
		glog.Fatalf("服务器关闭失败: %v", err)
	}
	glog.Info("优雅退出完成")
}

func initLogger(cfg config.LoggerConfig) {
	logFilePath := "logs/app.log"
	if err := os.MkdirAll("logs", 0755); err != nil {
		log.Fatalf("无法创建日志目录: %v", err)
	}
	fileWriter, err := os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Fatalf("无法打开日志文件 %s: %v", logFilePath, err)
	}

	logCfg := appCoreLogger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		TimeFormat:   cfg.TimeFormat,
		ReportCaller: cfg.ReportCaller,
	}

	// 控制台按配置渲染，文件里永远落结构化JSON便于采集
	var consoleWriter io.Writer = os.Stderr
	if logCfg.Format != "json" {
		consoleWriter = zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: logCfg.TimeFormat,
		}
	}
	multiWriter := zerolog.MultiLevelWriter(consoleWriter, fileWriter)

	level := appCoreLogger.ParseLevel(logCfg.Level)
	zerolog.SetGlobalLevel(level)

	logger := appCoreLogger.NewWithWriter(logCfg, multiWriter)

	appCoreLogger.Logger = logger
	zlog.Logger = logger

	hertzCompatibleLogger := hertzadapter.From(appCoreLogger.Logger)
	glog.SetLogger(hertzCompatibleLogger)
	glog.SetLevel(hlogLevel(level))

	log.Println("Logger initialized with Zerolog, writing to console and file:", logFilePath)
}

// hlogLevel 把zerolog级别映射到hertz的日志级别
func hlogLevel(level zerolog.Level) glog.Level {
	switch level {
	case zerolog.TraceLevel:
		return glog.LevelTrace
	case zerolog.DebugLevel:
		return glog.LevelDebug
	case zerolog.WarnLevel:
		return glog.LevelWarn
	case zerolog.ErrorLevel:
		return glog.LevelError
	case zerolog.FatalLevel:
		return glog.LevelFatal
	default:
		return glog.LevelInfo
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/BaSui01/arena/api/handlers"
	"github.com/BaSui01/arena/arena/attachment"
	"github.com/BaSui01/arena/arena/history"
	"github.com/BaSui01/arena/arena/store"
	"github.com/BaSui01/arena/arena/stream"
	"github.com/BaSui01/arena/config"
	"github.com/BaSui01/arena/internal/cache"
	"github.com/BaSui01/arena/internal/database"
	"github.com/BaSui01/arena/internal/metrics"
	"github.com/BaSui01/arena/internal/server"
	"github.com/BaSui01/arena/internal/telemetry"
	"github.com/BaSui01/arena/llm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// txRetries 位置分配与 prompt 借用事务的最大尝试次数
const txRetries = 3

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 持有全部运行期组件，按 Start 的逆序关闭
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	level      zap.AtomicLevel

	telemetry *telemetry.Providers
	registry  *prometheus.Registry
	collector *metrics.Collector

	pool     *database.PoolManager
	store    *store.GormStore
	errorLog *llm.AsyncErrorLog
	objects  *attachment.S3Storage
	cache    *cache.Manager
	driver   *stream.Driver

	healthHandler *handlers.HealthHandler
	arenaHandler  *handlers.ArenaHandler

	httpManager    *server.Manager
	metricsManager *server.Manager

	reloader     *config.Reloader
	cancelReload context.CancelFunc
	cancelLimit  context.CancelFunc

	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// NewServer 创建服务器；configPath 非空时启用配置热更新
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, level zap.AtomicLevel) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		level:      level,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 依次初始化遥测、指标、存储、模型路由、流式核心和 HTTP 服务
func (s *Server) Start(ctx context.Context) error {
	if err := s.initTelemetry(ctx); err != nil {
		return err
	}
	s.initMetrics()

	if err := s.initDatabase(); err != nil {
		return fmt.Errorf("failed to init database: %w", err)
	}
	if err := s.initStorage(ctx); err != nil {
		return fmt.Errorf("failed to init storage: %w", err)
	}
	if err := s.initCache(); err != nil {
		return fmt.Errorf("failed to init cache: %w", err)
	}

	registry := s.initRegistry()
	s.initHandlers(registry)

	if err := s.initReloader(); err != nil {
		return fmt.Errorf("failed to init config reloader: %w", err)
	}
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("hot_reload_enabled", s.reloader != nil),
		zap.Strings("chat_prefixes", registry.Prefixes(llm.KindChat)),
	)
	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

func (s *Server) initTelemetry(ctx context.Context) error {
	providers, err := telemetry.Init(ctx, s.cfg.Telemetry, Version, s.logger)
	if err != nil {
		// 遥测不可用不阻止启动，span 退化为 noop
		s.logger.Warn("failed to initialize telemetry", zap.Error(err))
		providers = &telemetry.Providers{}
	}
	s.telemetry = providers
	return nil
}

func (s *Server) initMetrics() {
	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.collector = metrics.NewCollectorWith(s.registry, "arena", s.logger)
}

func (s *Server) initDatabase() error {
	dbCfg := s.cfg.Database
	db, err := database.Open(dbCfg.Driver, dbCfg.DSN(), s.logger)
	if err != nil {
		return err
	}

	poolCfg := database.DefaultPoolConfig()
	if dbCfg.MaxOpenConns > 0 {
		poolCfg.MaxOpenConns = dbCfg.MaxOpenConns
	}
	if dbCfg.MaxIdleConns > 0 {
		poolCfg.MaxIdleConns = dbCfg.MaxIdleConns
	}
	if dbCfg.ConnMaxLifetime > 0 {
		poolCfg.ConnMaxLifetime = dbCfg.ConnMaxLifetime
	}
	if err := poolCfg.Validate(); err != nil {
		return err
	}

	pool, err := database.NewPoolManager(db, poolCfg, s.collector, s.logger)
	if err != nil {
		return err
	}
	s.pool = pool

	if dbCfg.AutoMigrate {
		if err := store.AutoMigrate(db); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		s.logger.Info("database schema auto-migrated")
	}

	s.store = store.New(db, s.logger, store.WithTxRunner(func(ctx context.Context, fn func(tx *gorm.DB) error) error {
		return pool.WithTransactionRetry(ctx, txRetries, fn)
	}))

	// 厂商错误先进异步队列，再写日志与数据库
	sinks := llm.MultiSink{llm.ZapErrorSink{Logger: s.logger.Named("provider")}}
	if s.cfg.ErrorLog.Persist {
		sinks = append(sinks, store.NewErrorLogSink(db))
	}
	s.errorLog = llm.NewAsyncErrorLog(sinks, s.cfg.ErrorLog.Buffer, s.logger)
	return nil
}

func (s *Server) initStorage(ctx context.Context) error {
	st := s.cfg.Storage
	if st.Bucket == "" {
		s.logger.Info("object storage not configured, attachments and TTS disabled")
		return nil
	}
	objects, err := attachment.NewS3Storage(ctx, attachment.S3Config{
		Bucket:          st.Bucket,
		Region:          st.Region,
		Endpoint:        st.Endpoint,
		AccessKeyID:     st.AccessKeyID,
		SecretAccessKey: st.SecretAccessKey,
		UsePathStyle:    st.UsePathStyle,
		PresignTTL:      st.PresignTTL,
		MaxObjectBytes:  st.MaxObjectBytes,
	}, s.logger)
	if err != nil {
		return err
	}
	s.objects = objects
	return nil
}

func (s *Server) initCache() error {
	rc := s.cfg.Redis
	if rc.Addr == "" {
		s.logger.Info("redis not configured, attachment cache limited to message metadata")
		return nil
	}
	cacheCfg := cache.DefaultConfig()
	cacheCfg.Addr = rc.Addr
	cacheCfg.Password = rc.Password
	cacheCfg.DB = rc.DB
	if rc.PoolSize > 0 {
		cacheCfg.PoolSize = rc.PoolSize
	}
	if rc.MinIdleConns > 0 {
		cacheCfg.MinIdleConns = rc.MinIdleConns
	}
	if rc.DefaultTTL > 0 {
		cacheCfg.DefaultTTL = rc.DefaultTTL
	}

	manager, err := cache.NewManager(cacheCfg, s.logger)
	if err != nil {
		return err
	}
	s.cache = manager
	return nil
}

func (s *Server) initRegistry() *llm.Registry {
	registry := llm.NewRegistry(s.errorLog,
		llm.WithRetry(s.cfg.Resilience.Retry),
		llm.WithCircuitBreaker(s.cfg.Resilience.Breaker),
		llm.WithResilienceObserver(s.collector),
		llm.WithLogger(s.logger),
	)
	registerChatProviders(registry, s.cfg.Providers, s.logger)
	if s.objects != nil {
		registerSpeechProviders(registry, s.cfg.Providers, s.objects, s.logger)
	} else {
		s.logger.Info("speech providers need object storage, ASR/TTS sessions disabled")
	}
	return registry
}

func (s *Server) initHandlers(registry *llm.Registry) {
	var resolverOpts []attachment.Option
	var driverOpts []stream.DriverOption
	resolverOpts = append(resolverOpts,
		attachment.WithRecorder(s.collector),
		attachment.WithTranscriber(attachment.NewASRTranscriber(registry, s.cfg.Attachments.TranscribeModel)),
	)
	if s.objects != nil {
		resolverOpts = append(resolverOpts,
			attachment.WithDocumentExtractor(attachment.NewTextExtractor(s.objects, s.cfg.Attachments.MaxDocumentRunes)),
			attachment.WithURLSigner(s.objects),
		)
		driverOpts = append(driverOpts, stream.WithAudioSigner(s.objects))
	}
	if s.cache != nil {
		resolverOpts = append(resolverOpts, attachment.WithSharedCache(
			attachment.NewRedisCache(s.cache, s.cfg.Attachments.CachePrefix, s.cfg.Attachments.CacheTTL)))
	}

	driverOpts = append(driverOpts,
		stream.WithHistoryLoader(history.NewLoader(s.store, s.logger)),
		stream.WithAttachmentResolver(attachment.NewResolver(s.store, s.logger, resolverOpts...)),
		stream.WithRecorder(s.collector),
		stream.WithTracer(s.telemetry.Tracer("github.com/BaSui01/arena/arena/stream")),
	)
	s.driver = stream.NewDriver(s.store, registry, s.cfg.Stream, s.logger, driverOpts...)
	orchestrator := stream.NewOrchestrator(s.store, s.driver, s.logger)

	s.arenaHandler = handlers.NewArenaHandler(orchestrator, handlers.WebSocketConfig{
		OriginPatterns: originPatterns(s.cfg.Server.CORSAllowedOrigins),
	}, s.logger)

	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.RegisterCheck(handlers.NewPingCheck("database", s.pool.Ping))
	if s.cache != nil {
		s.healthHandler.RegisterCheck(handlers.NewPingCheck("redis", s.cache.Ping))
	}
	s.logger.Info("Handlers initialized")
}

// originPatterns 把 CORS 白名单里的完整 Origin 转成 WebSocket 接受的 host 模式
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}

// initReloader 只有 Stream 段与日志级别会在运行时生效
func (s *Server) initReloader() error {
	if s.configPath == "" {
		return nil
	}
	s.reloader = config.NewReloader(s.configPath, s.cfg, nil, s.logger)
	s.reloader.OnReload(func(oldConfig, newConfig *config.Config) error {
		s.driver.SetConfig(newConfig.Stream)
		s.level.SetLevel(parseLevel(newConfig.Log.Level))
		s.logger.Info("Configuration reloaded",
			zap.Strings("changed", config.Diff(oldConfig, newConfig)))
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelReload = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.reloader.Run(ctx)
	}()
	return nil
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// routes 注册 API 与探针路由
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("GET /readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	mux.HandleFunc("POST /api/v1/arena/stream", s.arenaHandler.HandleStream)
	mux.HandleFunc("GET /api/v1/arena/ws", s.arenaHandler.HandleWebSocket)
	return mux
}

func (s *Server) startHTTPServer() error {
	limitCtx, cancel := context.WithCancel(context.Background())
	s.cancelLimit = cancel

	handler := Chain(s.routes(),
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		MetricsMiddleware(s.collector),
		RequestLogger(s.logger),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		BodyLimit(s.cfg.Server.MaxBodyBytes),
		RateLimiter(limitCtx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, probePaths, s.logger),
	)

	s.httpManager = server.NewManager(handler, server.Config{
		Name:            "api",
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)
	return s.httpManager.Start()
}

func (s *Server) startMetricsServer() error {
	if s.cfg.Server.MetricsPort == 0 {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))

	s.metricsManager = server.NewManager(mux, server.Config{
		Name:            "metrics",
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.ReadTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)
	return s.metricsManager.Start()
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 阻塞到收到信号或服务器出错，然后优雅关闭
func (s *Server) WaitForShutdown(ctx context.Context) {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown(ctx)
	}
	s.Shutdown()
}

// Shutdown 先停止接收请求并等待在途回合落库，再依次关闭依赖
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(s.shutdown)
}

func (s *Server) shutdown() {
	s.logger.Info("Starting graceful shutdown...")
	ctx := context.Background()
	var errs []error

	if s.httpManager != nil {
		errs = append(errs, s.httpManager.Shutdown(ctx))
	}
	if s.metricsManager != nil {
		errs = append(errs, s.metricsManager.Shutdown(ctx))
	}
	if s.cancelReload != nil {
		s.cancelReload()
	}
	if s.cancelLimit != nil {
		s.cancelLimit()
	}
	s.wg.Wait()

	if s.errorLog != nil {
		s.errorLog.Close()
	}
	if s.cache != nil {
		errs = append(errs, s.cache.Close())
	}
	if s.pool != nil {
		errs = append(errs, s.pool.Close())
	}
	errs = append(errs, s.telemetry.Shutdown(ctx))

	if err := errors.Join(errs...); err != nil {
		s.logger.Error("shutdown finished with errors", zap.Error(err))
		return
	}
	s.logger.Info("Graceful shutdown completed")
}

// Command settled runs the settlement service: the HTTP API under /v1 and a
// gRPC health endpoint driven by dependency probes.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/jmerrifield20/nexus-settlement/internal/api"
	"github.com/jmerrifield20/nexus-settlement/internal/auditchain"
	"github.com/jmerrifield20/nexus-settlement/internal/catalog"
	"github.com/jmerrifield20/nexus-settlement/internal/email"
	"github.com/jmerrifield20/nexus-settlement/internal/escrow"
	"github.com/jmerrifield20/nexus-settlement/internal/health"
	"github.com/jmerrifield20/nexus-settlement/internal/identity"
	"github.com/jmerrifield20/nexus-settlement/internal/ledger"
	"github.com/jmerrifield20/nexus-settlement/internal/metrics"
	"github.com/jmerrifield20/nexus-settlement/internal/moneyrail"
	"github.com/jmerrifield20/nexus-settlement/internal/settlement"
	"github.com/jmerrifield20/nexus-settlement/internal/store"
	"github.com/jmerrifield20/nexus-settlement/internal/webhooks"
	"github.com/jmerrifield20/nexus-settlement/internal/zkverify"
	"github.com/jmerrifield20/nexus-settlement/pkg/signature"
)

// healthService is the gRPC health service name reported for the API.
const healthService = "nexus.settlement.v1.Settlement"

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("settled exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("settled")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.grpc_port", 9090)
	viper.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	viper.SetDefault("server.rate_limit_rps", 20)
	viper.SetDefault("database.url", "")
	viper.SetDefault("signing.key_dir", "keys")
	viper.SetDefault("identity.token_ttl_seconds", 900)
	viper.SetDefault("identity.issuer", "nexus-settlement")
	viper.SetDefault("identity.api_keys", map[string]string{})
	viper.SetDefault("catalog.path", "")
	viper.SetDefault("zk.workers", 4)
	viper.SetDefault("zk.timeout", "30s")
	viper.SetDefault("zk.snarkjs_path", "")
	viper.SetDefault("rail.provider", "memory")
	viper.SetDefault("rail.circle.base_url", "https://api.circle.com")
	viper.SetDefault("rail.circle.api_key", "")
	viper.SetDefault("rail.circle.wallet_id", "")
	viper.SetDefault("rail.circle.timeout", "10s")
	viper.SetDefault("rail.circle.rps", 5)
	viper.SetDefault("webhooks.timeout", "10s")
	viper.SetDefault("email.smtp_host", "")
	viper.SetDefault("email.smtp_port", 587)
	viper.SetDefault("email.smtp_username", "")
	viper.SetDefault("email.smtp_password", "")
	viper.SetDefault("email.from", "settlement@localhost")
	viper.SetDefault("email.review_recipients", []string{})
	viper.SetDefault("health.check_interval", "30s")
	viper.SetDefault("health.fail_threshold", 3)

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Info("no config file found, using defaults and environment")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Storage ──────────────────────────────────────────────────────────────
	st, err := openStores(ctx, viper.GetString("database.url"), logger)
	if err != nil {
		return err
	}
	defer st.close()

	if err := st.audit.Verify(ctx); err != nil {
		return fmt.Errorf("audit chain integrity: %w", err)
	}
	n, err := st.audit.Len(ctx)
	if err != nil {
		return fmt.Errorf("audit chain length: %w", err)
	}
	logger.Info("audit chain verified", zap.Int("entries", n))

	// ── Signing and identity ─────────────────────────────────────────────────
	kp, err := signature.LoadOrCreateKeyPair(viper.GetString("signing.key_dir"))
	if err != nil {
		return fmt.Errorf("load signing key: %w", err)
	}
	keyring, err := signature.NewKeyring(kp.PublicKey())
	if err != nil {
		return fmt.Errorf("build keyring: %w", err)
	}
	logger.Info("signing key loaded", zap.String("key_id", kp.KeyID()))

	tokens := identity.NewTokenIssuer(
		kp.PrivateKey(),
		viper.GetString("identity.issuer"),
		time.Duration(viper.GetInt("identity.token_ttl_seconds"))*time.Second,
	)
	apiKeys, err := identity.NewAPIKeys(viper.GetStringMapString("identity.api_keys"))
	if err != nil {
		return fmt.Errorf("load api keys: %w", err)
	}
	if apiKeys.Len() == 0 {
		logger.Warn("no api keys configured; token exchange is disabled")
	}

	// ── Domain services ──────────────────────────────────────────────────────
	cat, err := catalog.LoadFile(viper.GetString("catalog.path"))
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	hooks := webhooks.NewService(st.webhooks, webhooks.Config{
		Timeout: viper.GetDuration("webhooks.timeout"),
	}, logger)
	hooks.SetMetricsRecorder(metrics.RecordWebhookDelivery)
	alerts := email.NewReviewAlerter(newMailSender(logger),
		viper.GetStringSlice("email.review_recipients"), logger)

	escrowSvc := escrow.NewService(st.ledger, logger)
	settlements := settlement.NewService(settlement.Config{
		Repository: st.settlements,
		Escrow:     escrowSvc,
		Audit:      st.audit,
		Artifacts:  st.artifacts,
		Signer:     kp,
		Resolver:   keyring,
		Notifier:   settlement.Notifiers{hooks, alerts},
	}, logger)

	zkPool, err := newZKPool(logger)
	if err != nil {
		return err
	}

	rail, err := newRailAdapter(st.rail, logger)
	if err != nil {
		return err
	}

	srv := api.New(api.Config{
		Settlements: settlements,
		Escrow:      escrowSvc,
		Audit:       st.audit,
		Artifacts:   st.artifacts,
		Catalog:     cat,
		Rail:        rail,
		RailStore:   st.rail,
		ZK:          zkPool,
		Tokens:      tokens,
		APIKeys:     apiKeys,
		Signer:      kp,
		Resolver:    keyring,
		Webhooks:    hooks,
	}, logger)

	// ── Dependency health ────────────────────────────────────────────────────
	checker := health.New(st.probes(), health.Config{
		CheckInterval: viper.GetDuration("health.check_interval"),
		FailThreshold: viper.GetInt("health.fail_threshold"),
	}, logger)
	checker.SetMetricsRecord(metrics.RecordDependencyCheck)

	// ── gRPC server ──────────────────────────────────────────────────────────
	grpcPort := viper.GetInt("server.grpc_port")
	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", grpcPort))
	if err != nil {
		return fmt.Errorf("gRPC listen on :%d: %w", grpcPort, err)
	}
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(logger)))
	healthSvc := grpchealth.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthSvc)
	healthSvc.SetServingStatus(healthService, grpc_health_v1.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)
	checker.OnChange(func(ok bool) {
		status := grpc_health_v1.HealthCheckResponse_SERVING
		if !ok {
			status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
		}
		healthSvc.SetServingStatus(healthService, status)
	})
	go checker.Start(ctx)

	// ── HTTP server ──────────────────────────────────────────────────────────
	gin.SetMode(gin.ReleaseMode)
	rps := viper.GetInt("server.rate_limit_rps")
	router := api.NewRouter(ctx, srv, rps, rps*2,
		corsMiddleware(viper.GetStringSlice("server.cors_origins")),
		securityHeaders(),
		bodyLimit(1<<20),
		requestLogger(logger),
	)
	router.GET("/readyz", func(c *gin.Context) {
		status := http.StatusOK
		if !checker.Healthy() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"dependencies": checker.Statuses()})
	})

	port := viper.GetInt("server.port")
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("gRPC server listening", zap.Int("port", grpcPort))
		if err := grpcServer.Serve(grpcLis); err != nil {
			errCh <- fmt.Errorf("gRPC serve: %w", err)
		}
	}()
	go func() {
		logger.Info("HTTP server listening", zap.Int("port", port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP serve: %w", err)
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
	}

	healthSvc.Shutdown()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown", zap.Error(err))
	}
	grpcServer.GracefulStop()
	hooks.Wait()
	alerts.Wait()
	logger.Info("settled stopped")
	return nil
}

// stores bundles the persistence backends. With no database URL every store
// is in memory and lost on exit.
type stores struct {
	pool        *pgxpool.Pool
	ledger      ledger.Store
	audit       auditchain.Log
	artifacts   store.Store
	rail        moneyrail.Store
	settlements settlement.Repository
	webhooks    webhooks.Store
}

func openStores(ctx context.Context, dbURL string, logger *zap.Logger) (*stores, error) {
	if dbURL == "" {
		logger.Warn("database.url is empty; using in-memory stores")
		return &stores{
			ledger:      ledger.NewMemoryStore(),
			audit:       auditchain.NewMemoryLog(),
			artifacts:   store.NewMemoryStore(),
			rail:        moneyrail.NewMemoryStore(),
			settlements: settlement.NewMemoryRepository(),
			webhooks:    webhooks.NewMemoryStore(),
		}, nil
	}

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	logger.Info("connected to postgres")
	return &stores{
		pool:        pool,
		ledger:      ledger.NewPostgresStore(pool, logger),
		audit:       auditchain.NewPostgresLog(pool, logger),
		artifacts:   store.NewPostgresStore(pool, logger),
		rail:        moneyrail.NewPostgresStore(pool, logger),
		settlements: settlement.NewPostgresRepository(pool),
		webhooks:    webhooks.NewPostgresStore(pool, logger),
	}, nil
}

func (s *stores) close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *stores) probes() []health.Probe {
	probes := []health.Probe{{
		Name: "audit_chain",
		Check: func(ctx context.Context) error {
			_, err := s.audit.Root(ctx)
			return err
		},
	}}
	if s.pool != nil {
		probes = append(probes, health.Probe{Name: "postgres", Check: s.pool.Ping})
	}
	return probes
}

// newZKPool registers the snarkjs verifier for every supported protocol when
// zk.snarkjs_path is set. Without it the pool answers protocol unsupported.
func newZKPool(logger *zap.Logger) (*zkverify.Pool, error) {
	reg := zkverify.NewRegistry()
	if path := viper.GetString("zk.snarkjs_path"); path != "" {
		for _, proto := range []string{zkverify.Groth16, zkverify.Plonk} {
			if err := reg.Register(proto, zkverify.NewSnarkJSVerifier(path, proto)); err != nil {
				return nil, fmt.Errorf("register %s verifier: %w", proto, err)
			}
		}
	}
	logger.Info("zk verifiers registered", zap.Strings("protocols", reg.Protocols()))
	return zkverify.NewPool(reg, zkverify.PoolConfig{
		Workers: viper.GetInt("zk.workers"),
		Timeout: viper.GetDuration("zk.timeout"),
	}, logger), nil
}

func newRailAdapter(st moneyrail.Store, logger *zap.Logger) (moneyrail.Adapter, error) {
	switch p := viper.GetString("rail.provider"); p {
	case "memory", "":
		return moneyrail.NewMemoryAdapter(st, logger), nil
	case "circle":
		if viper.GetString("rail.circle.api_key") == "" {
			return nil, errors.New("rail.circle.api_key is required for the circle provider")
		}
		return moneyrail.NewCircleAdapter(moneyrail.CircleConfig{
			BaseURL:  viper.GetString("rail.circle.base_url"),
			APIKey:   viper.GetString("rail.circle.api_key"),
			WalletID: viper.GetString("rail.circle.wallet_id"),
			Timeout:  viper.GetDuration("rail.circle.timeout"),
			RPS:      viper.GetFloat64("rail.circle.rps"),
		}, st, logger), nil
	default:
		return nil, fmt.Errorf("unknown rail.provider %q", p)
	}
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(origins),
		MaxAge:           12 * time.Hour,
	})
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}

func bodyLimit(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		c.Next()
	}
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("tenant_id", identity.TenantFromCtx(c)),
		)
	}
}

// newMailSender returns an SMTP sender, or a logging sender when no SMTP
// host is configured.
func newMailSender(logger *zap.Logger) email.Sender {
	host := viper.GetString("email.smtp_host")
	if host == "" {
		return email.NewNoopSender(logger)
	}
	logger.Info("review alerts via smtp", zap.String("host", host))
	return email.NewSMTPSender(
		host,
		viper.GetInt("email.smtp_port"),
		viper.GetString("email.smtp_username"),
		viper.GetString("email.smtp_password"),
		viper.GetString("email.from"),
	)
}

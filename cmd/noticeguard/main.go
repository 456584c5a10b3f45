package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/noticeguard/pkg/anomaly"
	"github.com/platinummonkey/noticeguard/pkg/api"
	"github.com/platinummonkey/noticeguard/pkg/async"
	"github.com/platinummonkey/noticeguard/pkg/audit"
	"github.com/platinummonkey/noticeguard/pkg/authority"
	"github.com/platinummonkey/noticeguard/pkg/config"
	"github.com/platinummonkey/noticeguard/pkg/enforcement"
	"github.com/platinummonkey/noticeguard/pkg/httputil"
	"github.com/platinummonkey/noticeguard/pkg/identity"
	"github.com/platinummonkey/noticeguard/pkg/kvstore"
	"github.com/platinummonkey/noticeguard/pkg/observability"
	"github.com/platinummonkey/noticeguard/pkg/permcache"
	"github.com/platinummonkey/noticeguard/pkg/policy"
	"github.com/platinummonkey/noticeguard/pkg/replay"
)

var version = "dev"

var (
	subjectsFile = flag.String("subjects", "", "YAML file mapping subject ids to role codes, used when no database is configured")
	warmOnStart  = flag.Bool("warm-on-start", false, "Populate the permission cache from the database in the background at startup")
	showVersion  = flag.Bool("version", false, "Print the version and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).WithField("service", "noticeguard")
	if err := run(context.Background(), cfg, logger); err != nil {
		logger.WithError(err).Error("noticeguard exited with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *observability.Logger) error {
	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	matrix := policy.DefaultMatrix()
	if cfg.Policy.MatrixFile != "" {
		matrix, err = policy.LoadMatrix(cfg.Policy.MatrixFile)
		if err != nil {
			return err
		}
		logger.WithField("path", cfg.Policy.MatrixFile).Info("Loaded role policy matrix")
	}

	store, err := kvstore.NewRedis(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info("Connected to Redis")

	var db *sql.DB
	var directory *authority.PostgresDirectory
	var source authority.Source
	var assignments api.Directory
	if cfg.Database.URL != "" {
		db, err = authority.Connect(ctx, cfg.Database)
		if err != nil {
			return err
		}
		directory, err = authority.NewPostgresDirectory(db, matrix)
		if err != nil {
			return err
		}
		if err := directory.EnsureSchema(ctx); err != nil {
			return err
		}
		source = authority.NewDeduplicated(directory)
		assignments = directory
		logger.Info("Connected to PostgreSQL subject directory")
	} else {
		roles, err := loadSubjects(*subjectsFile)
		if err != nil {
			return err
		}
		static := authority.NewStaticDirectory(matrix, roles)
		source, assignments = static, static
		logger.WithField("subjects", len(roles)).Warn("No database configured, using a static subject directory")
	}

	verifier, err := buildVerifier(ctx, cfg.Identity, logger)
	if err != nil {
		return err
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)
	otelMetrics, err := observability.NewOTelMetrics()
	if err != nil {
		return fmt.Errorf("failed to create OTel instruments: %w", err)
	}

	// Security audit trail
	sinks := []audit.Logger{audit.NewLogSink(logger)}
	if cfg.Enforcement.AuditToDB && db != nil {
		dbSink, err := audit.NewDBLogger(ctx, db)
		if err != nil {
			return err
		}
		sinks = append(sinks, dbSink)
	}
	auditLogger := audit.NewMultiLogger(sinks...)
	auditLogger.SetAsync(cfg.Enforcement.AuditAsync)

	cache, err := permcache.New(store, cfg.Cache, logger, permcache.WithRecorder(metrics))
	if err != nil {
		return err
	}
	guard, err := replay.New(store, cfg.Replay, logger, replay.WithAuditLogger(auditLogger))
	if err != nil {
		return err
	}
	detector, err := anomaly.New(store, cfg.Anomaly, logger)
	if err != nil {
		return err
	}
	runner := async.NewRunner(logger, cfg.Enforcement.FillWorkers, cfg.Enforcement.FillTimeout)

	interceptor, err := enforcement.New(enforcement.Dependencies{
		Verifier:  verifier,
		Extractor: identity.NewExtractor(),
		Evaluator: policy.NewEvaluator(matrix),
		Source:    source,
		Cache:     cache,
		Replay:    guard,
		Anomaly:   detector,
		Filler:    runner,
		Audit:     auditLogger,
	}, enforcement.Config{
		BlockOnHighRisk: cfg.Enforcement.BlockOnHighRisk,
		ClaimsFallback:  cfg.Enforcement.ClaimsFallback,
		TrustProxy:      cfg.Server.TrustProxy,
	}, logger, enforcement.WithRecorder(metrics), enforcement.WithRecorder(otelMetrics))
	if err != nil {
		return err
	}

	var warmer *enforcement.Warmer
	if directory != nil {
		warmer = enforcement.NewWarmer(cache, directory, source, cfg.Jobs.WarmupWorkers, cfg.Enforcement.FillTimeout)
		if *warmOnStart {
			// serve while warming; early requests fall through to the directory
			async.SafeGo(ctx, warmupTimeout, "startup cache warmup", logger, func(ctx context.Context) error {
				warm(ctx, warmer, logger)
				return nil
			})
		}
	}

	handlers, err := api.NewHandlers(interceptor, cache, cfg.Server.TrustProxy)
	if err != nil {
		return err
	}

	router := mux.NewRouter()
	router.Use(observability.HTTPMetricsMiddleware(metrics))
	handlers.WithDirectory(assignments).WithReplay(guard).WithAudit(auditLogger).RegisterRoutes(router)
	observability.RegisterHealthRoutes(router, observability.NewHealthChecker(db, store, version))
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(router, registry)
	}

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      otelhttp.NewHandler(stack(router, logger), "noticeguard"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	scheduler, err := newScheduler(cfg.Jobs, jobDeps{
		cache:   cache,
		metrics: metrics,
		store:   store,
		db:      db,
		warmer:  warmer,
		audit:   auditLogger,
		logger:  logger,
	})
	if err != nil {
		return err
	}
	scheduler.Start()

	// Hooks run in reverse order: the scheduler stops first, the store closes last
	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.Register("redis", func(context.Context) error { return store.Close() })
	if db != nil {
		shutdown.Register("postgres", func(context.Context) error { return db.Close() })
	}
	shutdown.Register("otel", func(ctx context.Context) error { return observability.ShutdownOTel(ctx, providers, logger) })
	shutdown.Register("audit", func(context.Context) error { return auditLogger.Close() })
	shutdown.Register("cache fills", runner.Shutdown)
	shutdown.Register("scheduler", func(ctx context.Context) error {
		select {
		case <-scheduler.Stop().Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	serveErr := make(chan error, 1)
	go func() {
		logger.WithField("addr", server.Addr).Infof("Starting noticeguard %s", version)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := <-serveErr; err != nil {
			logger.WithError(err).Error("HTTP server failed")
			cancel()
		}
	}()

	return shutdown.WaitForShutdown(runCtx)
}

// stack wraps the whole router, so unmatched routes are logged too
func stack(router http.Handler, logger *observability.Logger) http.Handler {
	return httputil.Chain(
		httputil.RequestIDMiddleware(logger),
		httputil.LoggingMiddleware,
		httputil.RecoveryMiddleware,
		httputil.MaxBytesMiddleware(httputil.DefaultMaxBodyBytes),
	)(router)
}

func buildVerifier(ctx context.Context, cfg config.IdentityConfig, logger *observability.Logger) (identity.Verifier, error) {
	switch cfg.Verifier {
	case config.VerifierHMAC:
		v, err := identity.NewHMACVerifier([]byte(cfg.HMACSecret), identity.HMACOptions{
			Issuer:   cfg.Issuer,
			Audience: cfg.Audience,
			Leeway:   cfg.Leeway,
		})
		if err != nil {
			return nil, err
		}
		return v, nil
	case config.VerifierOIDC:
		v, err := identity.NewOIDCVerifier(ctx, identity.OIDCOptions{
			IssuerURL: cfg.OIDCIssuerURL,
			ClientID:  cfg.OIDCClientID,
			JWKSURL:   cfg.OIDCJWKSURL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create OIDC verifier: %w", err)
		}
		return v, nil
	default:
		logger.Warn("Credential signatures are NOT verified; use only for development")
		return identity.NoopVerifier{}, nil
	}
}

// loadSubjects reads a subject -> role map such as
//
//	teacher.wang: TEACHER
//	student.liu: STUDENT
func loadSubjects(path string) (map[string]policy.RoleCode, error) {
	roles := make(map[string]policy.RoleCode)
	if path == "" {
		return roles, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read subjects file: %w", err)
	}
	var raw map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse subjects file: %w", err)
	}
	for subject, role := range raw {
		code := policy.ParseRoleCode(role)
		if !code.IsKnown() {
			return nil, fmt.Errorf("subject %s: %w: %q", subject, policy.ErrUnknownRole, role)
		}
		roles[subject] = code
	}
	return roles, nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"

	"github.com/meridianpay/api/internal/handlers"
	"github.com/meridianpay/api/internal/platform/auth"
	"github.com/meridianpay/api/internal/platform/config"
	pfirestore "github.com/meridianpay/api/internal/platform/firestore"
	"github.com/meridianpay/api/internal/platform/idempotency"
	"github.com/meridianpay/api/internal/platform/jobs"
	"github.com/meridianpay/api/internal/platform/observability"
	"github.com/meridianpay/api/internal/repositories"
	firestoreRepo "github.com/meridianpay/api/internal/repositories/firestore"
	"github.com/meridianpay/api/internal/services"
)

const (
	deployRateLimit  = 30
	deployRateWindow = time.Minute
)

func main() {
	ctx := context.Background()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	cfg, err := config.Load()
	if err != nil {
		var validation *config.ValidationError
		if errors.As(err, &validation) {
			logger.Fatal("invalid configuration", zap.Strings("fields", validation.Fields()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	var replicationPublisher repositories.ReplicationEventPublisher
	var pubsubClient *pubsub.Client
	if topicID := strings.TrimSpace(cfg.PubSub.ReplicationTopic); topicID != "" {
		pubsubClient, err = pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		publisher, err := jobs.NewPubSubReplicationPublisher(pubsubClient.Topic(topicID))
		if err != nil {
			logger.Fatal("failed to initialise replication publisher", zap.Error(err))
		}
		replicationPublisher = publisher
	} else {
		logger.Warn("replication topic not configured; split replication events disabled")
	}
	defer func() {
		if pubsubClient != nil {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}
	}()

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier, auth.WithUserGetter(firebaseVerifier))

	splitRepoOpts := []firestoreRepo.SplitRepositoryOption{
		firestoreRepo.WithSplitLogger(observability.EventLogger(logger.Named("splits"))),
	}
	if replicationPublisher != nil {
		splitRepoOpts = append(splitRepoOpts, firestoreRepo.WithReplicationPublisher(replicationPublisher))
	}
	splitRepo, err := firestoreRepo.NewSplitConfigRepository(firestoreProvider, splitRepoOpts...)
	if err != nil {
		logger.Fatal("failed to initialise split repository", zap.Error(err))
	}
	brandRepo, err := firestoreRepo.NewBrandRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise brand repository", zap.Error(err))
	}

	feeResolver := services.NewFeeScheduleResolver(services.FeeScheduleResolverDeps{
		Brands: brandRepo,
		Config: services.PlatformFeeConfig{
			TreasuryWallet:        cfg.Platform.TreasuryWallet,
			DefaultPlatformFeeBps: cfg.Platform.DefaultPlatformFeeBps,
			DefaultPartnerFeeBps:  cfg.Platform.DefaultPartnerFeeBps,
		},
		Logger: observability.EventLogger(logger.Named("fees")),
	})
	calculator := services.NewSplitCalculator(cfg.Platform.TreasuryWallet)

	splitService, err := services.NewSplitService(services.SplitServiceDeps{
		Splits:         splitRepo,
		Resolver:       feeResolver,
		Calculator:     calculator,
		TreasuryWallet: cfg.Platform.TreasuryWallet,
		Clock:          time.Now,
		Logger:         observability.EventLogger(logger.Named("splits")),
	})
	if err != nil {
		logger.Fatal("failed to initialise split service", zap.Error(err))
	}

	idempotencyStore := idempotency.NewFirestoreStore(firestoreClient)
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	var cleanupTicker *time.Ticker
	if cfg.Idempotency.CleanupInterval > 0 {
		cleanupTicker = time.NewTicker(cfg.Idempotency.CleanupInterval)
		cleanupWG.Add(1)
		go func() {
			defer cleanupWG.Done()
			cleanupLogger := logger.Named("idempotency")
			for {
				select {
				case <-cleanupTicker.C:
					runCtx, cancel := context.WithTimeout(cleanupCtx, time.Minute)
					removed, err := idempotencyStore.CleanupExpired(runCtx, time.Now().UTC(), cfg.Idempotency.CleanupBatchSize)
					cancel()
					if err != nil {
						cleanupLogger.Error("idempotency cleanup error", zap.Error(err))
						continue
					}
					if removed > 0 {
						cleanupLogger.Info("idempotency cleanup removed records", zap.Int("count", removed))
					}
				case <-cleanupCtx.Done():
					return
				}
			}
		}()
	}

	splitHandlers := handlers.NewSplitHandlers(authenticator, splitService,
		handlers.WithDeployRateLimit(deployRateLimit, deployRateWindow),
	)

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildVersion(), buildCommit()),
		handlers.WithReadinessCheck("firestore", firestoreReadinessCheck(firestoreClient)),
	)

	projectID := traceProjectID(cfg)
	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.TraceMiddleware(projectID),
			observability.RecoveryMiddleware(logger.Named("http")),
			observability.RequestLoggerMiddleware(projectID),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithSplitRoutes(splitHandlers.Routes),
		handlers.WithSplitMiddlewares(idempotencyMiddleware),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("meridianpay api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	if cleanupTicker != nil {
		cleanupTicker.Stop()
	}
	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func firestoreReadinessCheck(client *firestore.Client) handlers.ReadinessCheck {
	return func(ctx context.Context) error {
		if client == nil {
			return errors.New("firestore client not initialised")
		}
		iter := client.Collections(ctx)
		_, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		return err
	}
}

func buildVersion() string {
	if v := strings.TrimSpace(os.Getenv("API_BUILD_VERSION")); v != "" {
		return v
	}
	return "dev"
}

func buildCommit() string {
	return strings.TrimSpace(os.Getenv("API_BUILD_COMMIT_SHA"))
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

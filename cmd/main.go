package main

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/rryowa/authsessions/internal/api"
	"github.com/rryowa/authsessions/internal/controller"
	"github.com/rryowa/authsessions/internal/metrics"
	"github.com/rryowa/authsessions/internal/migrations"
	"github.com/rryowa/authsessions/internal/models"
	"github.com/rryowa/authsessions/internal/service"
	"github.com/rryowa/authsessions/internal/storage"
	"github.com/rryowa/authsessions/internal/storage/memory"
	"github.com/rryowa/authsessions/internal/storage/postgres"
	redisstore "github.com/rryowa/authsessions/internal/storage/redis"
	"github.com/rryowa/authsessions/internal/util"
)

type userStore interface {
	service.UserDirectory
	CreateUser(ctx context.Context, email, passwordHash string) (*models.User, error)
}

func main() {
	ctx := context.Background()

	cfg, err := util.LoadConfig()
	if err != nil {
		util.NewZapLogger("info").Fatal(err)
	}
	logger := util.NewZapLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	var cleanups []func()
	defer func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}()

	var (
		sessions     service.SessionStore
		users        userStore
		tokenStorage storage.TokenStorage
		apiKeys      api.APIKeyValidator
	)
	switch cfg.Session.Backend {
	case util.StoreBackendMemory:
		logger.Warn("Using in-memory stores; sessions and the access-token denylist are lost on restart.")
		sessions = memory.NewSessionRepository(logger)
		users = memory.NewUserRepository()
		tokenStorage = memory.NewTokenStorage()
		apiKeys = service.NewStaticAPIKey(cfg.Security.AdminAPIKey)
	default:
		redisClient, redisCleanup, err := util.NewRedisClient(logger, &cfg.Redis)
		if err != nil {
			logger.Fatal(zap.Error(err))
		}
		cleanups = append(cleanups, redisCleanup)

		db, dbCleanup, err := util.NewDBConnection(logger, &cfg.DB)
		if err != nil {
			logger.Fatal(zap.Error(err))
		}
		cleanups = append(cleanups, dbCleanup)
		if err := migrations.RunMigrations(db, logger); err != nil {
			logger.Fatal(zap.Error(err))
		}

		pg := postgres.NewStorage(db)
		users = pg
		sessions = pg
		if cfg.Session.Backend == util.StoreBackendRedis {
			sessions = redisstore.NewSessionStorage(redisClient, cfg.Redis.KeyPrefix, cfg.Session.Retention)
		}
		tokenStorage = redisstore.NewTokenStorage(redisClient, cfg.Redis.KeyPrefix)

		apiKeyService := service.NewAPIKeyService(redisClient, logger, cfg.Redis.KeyPrefix,
			cfg.Security.AdminAPIKey, cfg.Security.APIKeyGrace)
		if err := apiKeyService.SyncAPIKey(ctx); err != nil {
			logger.Fatal(zap.Error(err))
		}
		apiKeys = apiKeyService
	}
	logger.Infow("Session store ready", "backend", cfg.Session.Backend)

	verifier := service.NewBcryptVerifier(bcrypt.DefaultCost)
	if err := seedUser(ctx, users, verifier, &cfg.Session, logger); err != nil {
		logger.Fatal(zap.Error(err))
	}

	recorder, err := metrics.NewRecorder(otel.GetMeterProvider().Meter("authsessions"))
	if err != nil {
		logger.Fatal(zap.Error(err))
	}

	tokenService := service.NewTokenService(&cfg.Token, tokenStorage)
	webhookService := service.NewWebhookService(logger, cfg.Security.WebhookURL, cfg.Security.WebhookTimeout)

	authService := service.NewAuthService(sessions, users, verifier, tokenService, &cfg.Token, &cfg.Session, logger,
		service.WithReuseNotifier(webhookService),
		service.WithMetrics(recorder),
	)

	ctrl := controller.NewController(logger, authService, tokenService)
	apiServer := api.NewAPI(ctrl, logger, &cfg.Server, apiKeys, tokenService)
	if err := apiServer.Run(ctx); err != nil {
		logger.Errorw("Server stopped with error", "error", err)
	}
}

func seedUser(ctx context.Context, users userStore, verifier *service.BcryptVerifier, cfg *util.SessionConfig, log *zap.SugaredLogger) error {
	if cfg.SeedUserEmail == "" {
		return nil
	}
	hash, err := verifier.Hash(cfg.SeedUserPassword)
	if err != nil {
		return err
	}

	email := strings.ToLower(strings.TrimSpace(cfg.SeedUserEmail))
	user, err := users.CreateUser(ctx, email, hash)
	if errors.Is(err, storage.ErrUserExists) {
		log.Infow("Seed user already exists", "email", email)
		return nil
	}
	if err != nil {
		return err
	}
	log.Infow("Seed user created", "email", email, "user_id", user.ID)
	return nil
}

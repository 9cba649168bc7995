package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"github.com/stepgate/backend/internal/config"
	"github.com/stepgate/backend/internal/database"
	"github.com/stepgate/backend/internal/handlers"
	"github.com/stepgate/backend/internal/middleware"
	"github.com/stepgate/backend/internal/models"
	"github.com/stepgate/backend/internal/providers"
	"github.com/stepgate/backend/internal/services"
	"github.com/stepgate/backend/internal/storage"
	"github.com/stepgate/backend/pkg/logger"
	"github.com/stepgate/backend/pkg/utils"
)

func main() {
	logger.Init()

	cfg := config.Load()
	utils.ConfigureJWT(cfg.JWT.Secret, cfg.JWT.ExpirationMinutes)
	utils.ConfigureEncryption(cfg.JWT.Secret)

	db, err := database.Connect(cfg.DB)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}

	storageClient, err := storage.NewMinIOClient(cfg.MinIO)
	if err != nil {
		log.Fatalf("minio initialization failed: %v", err)
	}
	if err := storageClient.EnsureBucket(context.Background()); err != nil {
		log.Fatalf("failed ensuring minio bucket: %v", err)
	}

	registry := providers.NewRegistry()
	registry.Register(providers.NewEmailOTPAdapter(&providers.LogSender{Channel: "email"}))
	registry.Register(providers.NewSMSOTPAdapter(&providers.LogSender{Channel: "sms"}))
	registry.Register(providers.NewTOTPAdapter())
	registry.Register(providers.NewWalletAdapter())
	webauthnAdapter, err := providers.NewWebAuthnAdapter(providers.WebAuthnConfig{
		RPID:          cfg.WebAuthn.RPID,
		RPDisplayName: cfg.WebAuthn.RPDisplayName,
		RPOrigins:     cfg.WebAuthn.RPOrigins,
	})
	if err != nil {
		log.Fatalf("webauthn initialization failed: %v", err)
	}
	registry.Register(webauthnAdapter)

	defaults := models.FactorParams{
		OTPDigits:           cfg.MFA.OTPDigits,
		ChallengeTTLSeconds: int(cfg.MFA.ChallengeTTL.Seconds()),
		MaxAttempts:         cfg.MFA.MaxAttempts,
		IssueCooldownSecs:   int(cfg.MFA.IssueCooldown.Seconds()),
	}

	limiter := services.NewCooldownLimiter(redisClient, "sg:cooldown")
	auditService := services.NewAuditService(db)
	policyService := services.NewPolicyService(db)
	challengeService := services.NewChallengeService(db, registry, limiter, cfg.MFA.ProviderTimeout)
	notifier := services.NewDecisionNotifier(db, services.NotifierConfig{
		QueueBufferSize: cfg.Notifier.QueueBufferSize,
		MaxAttempts:     cfg.Notifier.MaxAttempts,
		RetryDelays:     cfg.Notifier.RetryDelays,
		RequestTimeout:  cfg.Notifier.RequestTimeout,
	})
	sessionService := services.NewSessionService(db, policyService, registry, challengeService, notifier, auditService, defaults, cfg.MFA.SessionTTL)
	retentionService := services.NewRetentionService(db, storageClient, cfg.Retention.Window)
	retentionService.Locks = sessionService

	notifier.RecoverUndelivered()

	rootCtx, stopBackground := context.WithCancel(context.Background())
	go retentionService.Run(rootCtx, cfg.Retention.SweepInterval)
	go func() {
		ticker := time.NewTicker(cfg.MFA.ReaperInterval)
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
				services.CleanupExpiredChallenges(db)
			}
		}
	}()

	tenantsHandler := handlers.NewTenantsHandler(db, registry, policyService, auditService)
	usersHandler := handlers.NewUsersHandler(db, registry, auditService)
	sessionsHandler := handlers.NewSessionsHandler(sessionService)

	authMiddleware := middleware.NewAuthMiddleware(db, cfg.Admin.APIKey)

	app := fiber.New(fiber.Config{BodyLimit: 1 * 1024 * 1024})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(middleware.RequestLogger())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api")

	adminRoutes := api.Group("/admin", authMiddleware.RequireAdmin)
	adminRoutes.Post("/tenants", tenantsHandler.Create)
	adminRoutes.Put("/tenants/:id", tenantsHandler.Update)
	adminRoutes.Post("/tenants/:id/disable", tenantsHandler.Disable)

	api.Post("/token", tenantsHandler.Token)

	policyRoutes := api.Group("/policy", authMiddleware.RequireTenant)
	policyRoutes.Put("/", tenantsHandler.PutPolicy)
	policyRoutes.Get("/", tenantsHandler.GetPolicy)

	userRoutes := api.Group("/users", authMiddleware.RequireTenant)
	userRoutes.Post("/", usersHandler.Create)
	userRoutes.Get("/:id", usersHandler.Get)
	userRoutes.Post("/:id/factors/:factor/enroll", usersHandler.EnrollBegin)
	userRoutes.Post("/:id/factors/:factor/confirm", usersHandler.EnrollConfirm)
	userRoutes.Delete("/:id/factors/:factor", usersHandler.Unenroll)

	sessionRoutes := api.Group("/sessions", authMiddleware.RequireTenant)
	sessionRoutes.Post("/", sessionsHandler.Create)
	sessionRoutes.Get("/:id", sessionsHandler.Status)
	sessionRoutes.Post("/:id/factors/:factor/challenge", sessionsHandler.IssueChallenge)
	sessionRoutes.Post("/:id/factors/:factor/verify", sessionsHandler.SubmitResponse)

	listenAddr := fmt.Sprintf(":%s", cfg.Server.Port)

	logger.Info("server_starting", map[string]interface{}{
		"port":    cfg.Server.Port,
		"address": listenAddr,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(listenAddr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Printf("shutting down server due to signal: %s", sig)
		stopBackground()
		shutdownDone := make(chan struct{})
		go func() {
			_ = app.Shutdown()
			close(shutdownDone)
		}()
		select {
		case <-shutdownDone:
		case <-time.After(10 * time.Second):
			log.Print("forced shutdown timeout reached")
		}
	case err := <-errCh:
		stopBackground()
		if err != nil {
			log.Fatalf("server error: %v", err)
		}
	}
}

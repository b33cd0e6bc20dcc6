package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/brandbeam/backend/internal/config"
	"github.com/brandbeam/backend/internal/database"
	"github.com/brandbeam/backend/internal/handlers"
	"github.com/brandbeam/backend/internal/middleware"
	"github.com/brandbeam/backend/internal/services"
	"github.com/brandbeam/backend/internal/storage"
	"github.com/brandbeam/backend/pkg/logger"
	"github.com/brandbeam/backend/pkg/utils"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"gorm.io/gorm"
)

func main() {
	logger.Init()

	cfg := config.Load()
	utils.ConfigureJWT(cfg.JWT.Secret, cfg.JWT.ExpirationHours)
	utils.ConfigureEncryption(cfg.JWT.Secret)

	db, err := database.Connect(cfg.DB)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}

	storageClient, err := storage.NewMinIOClient(cfg.MinIO)
	if err != nil {
		log.Fatalf("minio initialization failed: %v", err)
	}
	if err := storageClient.EnsureBucket(context.Background()); err != nil {
		log.Fatalf("failed ensuring minio bucket: %v", err)
	}

	wa, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.WebAuthn.RPDisplayName,
		RPID:          cfg.WebAuthn.RPID,
		RPOrigins:     cfg.WebAuthn.RPOrigins,
	})
	if err != nil {
		log.Fatalf("webauthn initialization failed: %v", err)
	}

	notifier := services.NewSecurityNotifier(services.LogNotifier{})
	auditService := services.NewAuditService(db, storageClient)
	auditService.StartExporter(cfg.Audit.ExportInterval)
	governor := services.NewLoginGovernor(db, notifier)
	tracker := services.NewFingerprintTracker(db, notifier)

	authHandler := handlers.NewAuthHandler(db, auditService, governor, tracker, notifier)
	totpHandler := handlers.NewTOTPHandler(db, auditService, tracker, cfg.WebAuthn.RPDisplayName)
	recoveryHandler := handlers.NewRecoveryHandler(db, auditService, governor, tracker)
	passkeyHandler := handlers.NewPasskeyHandler(db, wa, auditService, tracker)
	securityHandler := handlers.NewSecurityHandler(db)

	authMiddleware := middleware.NewAuthMiddleware(db)
	ipLimiter := middleware.NewIPRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)

	startCleanupTickers(db)

	app := fiber.New(fiber.Config{BodyLimit: 1 * 1024 * 1024})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(middleware.CORS(strings.Join(cfg.WebAuthn.RPOrigins, ",")))
	app.Use(middleware.RequestLogger())
	app.Use(middleware.SecurityLogger())
	app.Use(ipLimiter.Handler())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api")

	authRoutes := api.Group("/auth")
	authRoutes.Post("/register", authHandler.Register)
	authRoutes.Post("/login", authHandler.Login)
	authRoutes.Get("/me", authMiddleware.RequireAuth, authHandler.Me)
	authRoutes.Put("/password", authMiddleware.RequireAuth, authHandler.ChangePassword)
	authRoutes.Post("/magic-link", authHandler.RequestMagicLink)
	authRoutes.Post("/magic-link/verify", authHandler.VerifyMagicLink)

	mfaRoutes := api.Group("/auth/mfa")
	mfaRoutes.Post("/totp/setup", authMiddleware.RequireAuth, totpHandler.Setup)
	mfaRoutes.Post("/totp/verify-setup", authMiddleware.RequireAuth, totpHandler.VerifySetup)
	mfaRoutes.Delete("/totp", authMiddleware.RequireAuth, totpHandler.Disable)
	mfaRoutes.Post("/totp/verify", totpHandler.VerifyLogin)

	passkeyRoutes := api.Group("/auth/passkeys")
	passkeyRoutes.Post("/register/begin", authMiddleware.RequireAuth, passkeyHandler.RegisterBegin)
	passkeyRoutes.Post("/register/finish", authMiddleware.RequireAuth, passkeyHandler.RegisterFinish)
	passkeyRoutes.Post("/login/begin", passkeyHandler.LoginBegin)
	passkeyRoutes.Post("/login/finish", passkeyHandler.LoginFinish)
	passkeyRoutes.Post("/verify/begin", passkeyHandler.VerifyBegin)
	passkeyRoutes.Post("/verify/finish", passkeyHandler.VerifyFinish)
	passkeyRoutes.Get("/", authMiddleware.RequireAuth, passkeyHandler.List)
	passkeyRoutes.Put("/:id", authMiddleware.RequireAuth, passkeyHandler.Rename)
	passkeyRoutes.Delete("/:id", authMiddleware.RequireAuth, passkeyHandler.Revoke)

	recoveryRoutes := api.Group("/auth/recovery")
	recoveryRoutes.Post("/codes", authMiddleware.RequireAuth, recoveryHandler.GenerateBackupCodes)
	recoveryRoutes.Post("/codes/redeem", recoveryHandler.RedeemBackupCode)
	recoveryRoutes.Put("/questions", authMiddleware.RequireAuth, recoveryHandler.ConfigureQuestions)
	recoveryRoutes.Get("/questions", recoveryHandler.GetQuestions)
	recoveryRoutes.Post("/questions/verify", recoveryHandler.VerifyQuestions)

	securityRoutes := api.Group("/security", authMiddleware.RequireAuth)
	securityRoutes.Get("/status", securityHandler.Status)
	securityRoutes.Get("/login-history", securityHandler.LoginHistory)

	listenAddr := fmt.Sprintf(":%s", cfg.Server.Port)

	logger.Info("server_starting", map[string]interface{}{
		"port":    cfg.Server.Port,
		"address": listenAddr,
		"rp_id":   cfg.WebAuthn.RPID,
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
		if err != nil {
			log.Fatalf("server error: %v", err)
		}
	}
}

// startCleanupTickers sweeps expired ceremony challenges, stale login
// attempts, and spent one-time token ids in the background.
func startCleanupTickers(db *gorm.DB) {
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()

		for range ticker.C {
			if n, err := handlers.CleanupExpiredCeremonies(db); err != nil {
				logger.Error("ceremony_cleanup_failed", err, nil)
			} else if n > 0 {
				logger.Info("ceremony_cleanup", map[string]interface{}{"deleted": n})
			}

			if _, err := handlers.CleanupLoginAttempts(db); err != nil {
				logger.Error("login_attempt_cleanup_failed", err, nil)
			}

			utils.CleanupExpiredJTIs()
		}
	}()
}

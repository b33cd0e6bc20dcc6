package handlers

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/brandbeam/backend/internal/middleware"
	"github.com/brandbeam/backend/internal/models"
	"github.com/brandbeam/backend/internal/services"
	"github.com/brandbeam/backend/pkg/logger"
	"github.com/brandbeam/backend/pkg/utils"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/glebarez/sqlite"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"gorm.io/gorm"
)

type testEnv struct {
	app      *fiber.App
	db       *gorm.DB
	governor *services.LoginGovernor
}

var testSetupOnce sync.Once

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	testSetupOnce.Do(func() {
		gosqlite.MustRegisterScalarFunction("NOW", 0, func(ctx *gosqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
			return time.Now().UTC(), nil
		})
		logger.Init()
		utils.ConfigureJWT("test-secret", 24)
		utils.ConfigureEncryption("test-secret")
	})

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed opening in-memory sqlite database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed getting sql.DB from gorm: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	err = db.AutoMigrate(
		&models.User{},
		&models.PasskeyCredential{},
		&models.TotpEnrollment{},
		&models.BackupCode{},
		&models.SecurityQuestionSet{},
		&models.CeremonyChallenge{},
		&models.LoginAttempt{},
		&models.LoginLockout{},
		&models.LoginHistory{},
		&models.AuditLog{},
		&models.AuditExportCursor{},
	)
	if err != nil {
		t.Fatalf("failed automigrating models: %v", err)
	}

	wa, err := webauthn.New(&webauthn.Config{
		RPDisplayName: "Brandbeam Test",
		RPID:          "localhost",
		RPOrigins:     []string{"http://localhost:3001"},
	})
	if err != nil {
		t.Fatalf("failed initializing webauthn: %v", err)
	}

	notifier := services.NewSecurityNotifier(services.LogNotifier{})
	auditService := services.NewAuditService(db, nil)
	governor := services.NewLoginGovernor(db, notifier)
	tracker := services.NewFingerprintTracker(db, notifier)

	authHandler := NewAuthHandler(db, auditService, governor, tracker, notifier)
	totpHandler := NewTOTPHandler(db, auditService, tracker, "Brandbeam Test")
	recoveryHandler := NewRecoveryHandler(db, auditService, governor, tracker)
	passkeyHandler := NewPasskeyHandler(db, wa, auditService, tracker)
	securityHandler := NewSecurityHandler(db)
	authMiddleware := middleware.NewAuthMiddleware(db)

	app := fiber.New(fiber.Config{BodyLimit: 1 * 1024 * 1024})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(middleware.CORS("http://localhost:3001"))
	app.Use(middleware.RequestLogger())
	app.Use(middleware.SecurityLogger())

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

	return &testEnv{app: app, db: db, governor: governor}
}

func createTestUser(t *testing.T, db *gorm.DB, email, password string, role models.UserRole) (*models.User, string) {
	t.Helper()

	hash, err := utils.HashPassword(password)
	if err != nil {
		t.Fatalf("failed hashing password: %v", err)
	}

	user := &models.User{
		Email:        email,
		PasswordHash: hash,
		FirstName:    "Test",
		LastName:     "User",
		Role:         role,
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("failed creating test user: %v", err)
	}

	token, err := utils.GenerateToken(user)
	if err != nil {
		t.Fatalf("failed generating auth token: %v", err)
	}

	return user, token
}

func authHeaders(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func performRequest(t *testing.T, app *fiber.App, method, path string, body io.Reader, headers map[string]string) *http.Response {
	t.Helper()

	req := httptest.NewRequest(method, path, body)
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := app.Test(req, int((10 * time.Second).Milliseconds()))
	if err != nil {
		t.Fatalf("request %s %s failed: %v", method, path, err)
	}

	return resp
}

func performJSONRequest(t *testing.T, app *fiber.App, method, path string, payload any, headers map[string]string) *http.Response {
	t.Helper()

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to marshal payload: %v", err)
		}
		body = bytes.NewReader(encoded)
	}

	requestHeaders := map[string]string{}
	for key, value := range headers {
		requestHeaders[key] = value
	}
	if payload != nil {
		requestHeaders["Content-Type"] = "application/json"
	}

	return performRequest(t, app, method, path, body, requestHeaders)
}

func decodeJSONMap(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed reading response body: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("failed decoding JSON response: %v body=%q", err, string(raw))
	}

	return payload
}

func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Fatalf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

func assertEnvelopeError(t *testing.T, body map[string]any, expected string) {
	t.Helper()
	if success, _ := body["success"].(bool); success {
		t.Fatalf("expected success=false, got %+v", body)
	}
	if got, _ := body["error"].(string); got != expected {
		t.Fatalf("expected error %q, got %q", expected, got)
	}
}

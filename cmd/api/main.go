package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/candy-api/internal/claim"
	"github.com/yourusername/candy-api/internal/config"
	"github.com/yourusername/candy-api/internal/handler"
	"github.com/yourusername/candy-api/internal/identity"
	"github.com/yourusername/candy-api/internal/identity/sms"
	"github.com/yourusername/candy-api/internal/middleware"
	pgRepo "github.com/yourusername/candy-api/internal/repository/postgres"
	redisRepo "github.com/yourusername/candy-api/internal/repository/redis"
	"github.com/yourusername/candy-api/internal/service"
	"github.com/yourusername/candy-api/pkg/auth"
	"github.com/yourusername/candy-api/pkg/database"
)

func main() {
	// Загружаем конфигурацию
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	log.Printf("Загрузка конфигурации из %s", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Printf("Failed to load config: %v", err)
		os.Exit(1)
	}

	// Инициализируем подключение к PostgreSQL
	db, err := database.NewPostgresDB(cfg.Database)
	if err != nil {
		log.Printf("Failed to connect to database: %v", err)
		os.Exit(1)
	}

	// Применяем миграции
	if err := database.MigrateDB(db, cfg.Database.MigrationsPath); err != nil {
		log.Printf("Failed to migrate database: %v", err)
		os.Exit(1)
	}

	// Подключаемся к Redis
	redisClient, err := database.NewUniversalRedisClient(cfg.Redis)
	if err != nil {
		log.Printf("Failed to connect to Redis: %v", err)
		os.Exit(1)
	}
	log.Println("Successfully connected to Redis")

	// Репозитории
	locationRepo := pgRepo.NewLocationRepo(db)
	cacheRepo, err := redisRepo.NewCacheRepo(redisClient)
	if err != nil {
		log.Printf("Failed to initialize CacheRepo: %v", err)
		os.Exit(1)
	}

	// Локации и хранилище записей для gate
	locationService, err := service.NewLocationService(locationRepo, cacheRepo, cfg.Claim.ListCacheTTL())
	if err != nil {
		log.Printf("Failed to initialize LocationService: %v", err)
		os.Exit(1)
	}
	recordStore, err := service.NewLocationRecordStore(locationRepo, locationService)
	if err != nil {
		log.Printf("Failed to initialize LocationRecordStore: %v", err)
		os.Exit(1)
	}

	policy, err := claim.ParsePhoneMatchPolicy(cfg.Claim.PhoneMatchPolicy)
	if err != nil {
		log.Printf("Invalid phone match policy: %v", err)
		os.Exit(1)
	}
	gate, err := claim.NewGate(recordStore, policy, cfg.Claim.CountryCode)
	if err != nil {
		log.Printf("Failed to initialize Session Gate: %v", err)
		os.Exit(1)
	}

	// Каналы доставки
	var smsSender sms.Sender
	switch cfg.SMS.Mode {
	case "log":
		log.Println("ВНИМАНИЕ: SMS-коды пишутся в лог (режим разработки)")
		smsSender = sms.LogSender{}
	case "disabled":
		smsSender = sms.DisabledSender{}
	default:
		smsSender = sms.NewSMSLocalClient(cfg.SMS.APIKey, cfg.SMS.BaseURL, cfg.SMS.SenderID)
	}

	var emailService service.EmailService = &service.NoopEmailService{}
	if cfg.Email.ResendAPIKey != "" {
		resendService, err := service.NewResendEmailService(cfg.Email.ResendAPIKey, cfg.Email.From)
		if err != nil {
			log.Printf("Failed to initialize email service: %v", err)
			os.Exit(1)
		}
		emailService = resendService
	} else {
		log.Println("Warning: RESEND_API_KEY is not set, emails will not be sent")
	}

	magicLinks, err := auth.NewMagicLinkService(cfg.Identity.JWTSecret, time.Duration(cfg.Identity.MagicLinkTTLMin)*time.Minute)
	if err != nil {
		log.Printf("Failed to initialize MagicLinkService: %v", err)
		os.Exit(1)
	}

	identityProvider, err := identity.NewProvider(cacheRepo, smsSender, emailService, magicLinks, identity.Config{
		OTPTTL:         time.Duration(cfg.Identity.OTPTTLSec) * time.Second,
		OTPMaxAttempts: cfg.Identity.OTPMaxAttempts,
		ResendCooldown: time.Duration(cfg.Identity.ResendCooldownSec) * time.Second,
		SessionTTL:     time.Duration(cfg.Identity.SessionTTLHrs) * time.Hour,
		CodePepper:     cfg.Identity.CodePepper,
		PublicBaseURL:  cfg.Identity.PublicBaseURL,
	})
	if err != nil {
		log.Printf("Failed to initialize identity provider: %v", err)
		os.Exit(1)
	}

	// Claim-потоки
	claimService, err := service.NewClaimService(recordStore, identityProvider, gate, service.ClaimServiceConfig{
		Flow: claim.Config{
			CountryCode:   cfg.Claim.CountryCode,
			Cooldown:      cfg.Claim.Cooldown(),
			PollInterval:  cfg.Claim.PollInterval(),
			MagicLinkWait: cfg.Claim.MagicLinkWait(),
		},
		FlowIdleTTL:        cfg.Claim.FlowTTL(),
		MaxFlowsPerVisitor: cfg.Claim.MaxFlowsPerVisitor,
	})
	if err != nil {
		log.Printf("Failed to initialize ClaimService: %v", err)
		os.Exit(1)
	}
	claimService.StartJanitor()

	isProduction := gin.Mode() == gin.ReleaseMode

	// Middleware и обработчики
	authMiddleware := middleware.NewAuthMiddleware(middleware.VisitorConfig{
		MaxAgeSec: cfg.Visitor.CookieMaxAgeDays * 24 * 60 * 60,
		Secure:    cfg.Visitor.CookieSecure || isProduction,
		Domain:    cfg.Visitor.CookieDomain,
	}, cfg.Admin.KeyHash, cfg.CORS.Origins)
	rateLimiter := middleware.NewRateLimiter(middleware.NewRedisRateCounter(redisClient))

	routes := &handler.Router{
		Claims:      handler.NewClaimHandler(claimService),
		Auth:        handler.NewAuthHandler(identityProvider),
		Locations:   handler.NewLocationHandler(locationService),
		WS:          handler.NewWSHandler(claimService, cfg.CORS.Origins),
		AuthMW:      authMiddleware,
		RateLimiter: rateLimiter,
	}

	// Инициализируем роутер Gin
	router := gin.Default()

	// В production не доверяем прокси-заголовкам; при деплое за балансировщиком добавьте его IP
	if isProduction {
		if err := router.SetTrustedProxies(nil); err != nil {
			log.Printf("Warning: failed to set trusted proxies: %v", err)
		}
	} else {
		if err := router.SetTrustedProxies([]string{"127.0.0.1", "::1"}); err != nil {
			log.Printf("Warning: failed to set trusted proxies: %v", err)
		}
	}

	// Настройка CORS
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORS.Origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", middleware.AdminKeyHeader},
		ExposeHeaders:    []string{"Content-Length", "Content-Disposition", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "active_flows": claimService.Count()})
	})

	routes.Register(router)

	// WriteTimeout не ставим: WebSocket-потоки живут дольше любого таймаута ответа
	srv := &http.Server{
		Addr:        ":" + cfg.Server.Port,
		Handler:     router,
		ReadTimeout: time.Duration(cfg.Server.ReadTimeout) * time.Second,
	}

	go func() {
		log.Printf("Starting server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Закрываем потоки: ожидающие проверки отменяются, WebSocket-клиенты получают FLOW_CLOSED
	claimService.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
		os.Exit(1)
	}

	if err := redisClient.Close(); err != nil {
		log.Printf("Error closing Redis client: %v", err)
	}
	if sqlDB, err := database.GetSQLDB(db); err == nil {
		sqlDB.Close()
	}

	log.Println("Server exited properly")
}

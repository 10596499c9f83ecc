package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bskmt/risk-engine/anomaly"
	"github.com/bskmt/risk-engine/apikey"
	"github.com/bskmt/risk-engine/captcha"
	"github.com/bskmt/risk-engine/config"
	"github.com/bskmt/risk-engine/database"
	"github.com/bskmt/risk-engine/email"
	"github.com/bskmt/risk-engine/events"
	"github.com/bskmt/risk-engine/handlers"
	"github.com/bskmt/risk-engine/kafka"
	"github.com/bskmt/risk-engine/middleware"
	"github.com/bskmt/risk-engine/ratelimit"
	"github.com/bskmt/risk-engine/repository"
	"github.com/bskmt/risk-engine/reputation"
	"github.com/bskmt/risk-engine/store"
	"github.com/bskmt/risk-engine/verification"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[RISK-ENGINE] ", log.LstdFlags|log.Lshortfile)

	if err := cfg.Validate(); err != nil {
		logger.Fatalf("Configuration invalid: %v", err)
	}

	var kv store.Store
	redisStore := store.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err := redisStore.Ping(context.Background()); err != nil {
		logger.Printf("Warning: Redis connection failed: %v. Falling back to in-process store; state will not survive restarts or be shared across instances.", err)
		kv = store.NewMemoryStore()
	} else {
		kv = redisStore
		defer redisStore.Close()
	}

	var producer *kafka.Producer
	var consumer *kafka.Consumer
	if len(cfg.KafkaBrokers) > 0 {
		producer = kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
	} else {
		logger.Printf("Kafka brokers not configured, event streaming disabled")
	}

	var archive *repository.SecurityEventArchive
	if cfg.PostgresDSN != "" {
		db, err := database.New(cfg.PostgresDSN)
		if err != nil {
			logger.Printf("Warning: PostgreSQL connection failed: %v. Running without event archive.", err)
		} else {
			if err := db.InitSchema(); err != nil {
				logger.Printf("Warning: Schema initialization failed: %v", err)
			}
			defer db.Close()

			archive = repository.NewSecurityEventArchive(db.Conn())
			if producer != nil {
				consumer = kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, "event-archivers", archive, logger)
				ctx, cancel := context.WithCancel(context.Background())
				defer cancel()
				consumer.Start(ctx)
				defer consumer.Close()
			}
		}
	}

	var publisher events.Publisher
	if producer != nil {
		publisher = producer
	}
	eventLogger := events.NewLogger(kv, publisher, logger)

	validator, err := apikey.NewValidator(cfg.BFFSecret, cfg.FrontendAPIKey, cfg.AdminAPIKey)
	if err != nil {
		logger.Fatalf("API key validator: %v", err)
	}

	limiter := ratelimit.New(kv, logger)
	detector := anomaly.NewDetector(kv, cfg.IPHashSalt, logger)
	checker := reputation.NewChecker(cfg.AbuseIPDBKey, cfg.TrustedIPs, kv, logger)
	challenger := captcha.NewChallenger(kv, logger)

	var mailer email.Mailer
	if cfg.SMTPHost != "" {
		mailer = email.NewSMTPMailer(email.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     strconv.Itoa(cfg.SMTPPort),
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		}, logger)
	} else {
		logger.Printf("Warning: SMTP not configured, OTP verification emails disabled")
		mailer = email.NewLogMailer(logger)
	}
	verifier := verification.NewVerifier(kv, mailer, logger)

	guard := middleware.NewGuard(limiter, validator, checker, detector, challenger, eventLogger, logger)
	authMiddleware := middleware.NewAuthMiddleware(cfg.JWTSecret)
	loggingMiddleware := middleware.NewLoggingMiddleware(logger)

	adminHandler := handlers.NewAdminHandler(eventLogger, checker, kv)
	captchaHandler := handlers.NewCaptchaHandler(challenger, eventLogger, logger)
	verificationHandler := handlers.NewVerificationHandler(verifier, eventLogger, logger)

	mux := http.NewServeMux()

	mux.HandleFunc("/health", adminHandler.HealthCheck)
	mux.Handle("/metrics", promhttp.Handler())

	captchaChain := guard.Protect(ratelimit.PolicyAPI, false)
	mux.Handle("/api/captcha", captchaChain(post(captchaHandler.Create)))
	mux.Handle("/api/captcha/verify", captchaChain(post(captchaHandler.Verify)))

	verificationChain := guard.Protect(ratelimit.PolicyEmailVerify, true)
	mux.Handle("/api/verification", verificationChain(post(verificationHandler.Create)))
	mux.Handle("/api/verification/verify", verificationChain(post(verificationHandler.Verify)))
	mux.Handle("/api/verification/cancel", verificationChain(post(verificationHandler.Cancel)))
	mux.Handle("/api/verification/status", guard.Protect(ratelimit.PolicyAPI, false)(http.HandlerFunc(verificationHandler.Status)))

	adminChain := func(h http.Handler) http.Handler {
		return guard.Protect(ratelimit.PolicyAPI, false)(authMiddleware.RequireAdmin(h))
	}
	mux.Handle("/admin/events", adminChain(http.HandlerFunc(adminHandler.GetEvents)))
	mux.Handle("/admin/events/stats", adminChain(http.HandlerFunc(adminHandler.GetEventStats)))
	mux.Handle("/admin/events/resolve", adminChain(post(adminHandler.ResolveEvent)))
	mux.Handle("/admin/ip-reputation", adminChain(http.HandlerFunc(adminHandler.GetIPReputation)))
	mux.Handle("/admin/ip-report", adminChain(post(adminHandler.ReportIP)))
	mux.Handle("/admin/recent-requests", adminChain(http.HandlerFunc(adminHandler.GetRecentRequests)))

	if archive != nil {
		archiveHandler := handlers.NewArchiveHandler(archive)
		mux.Handle("/admin/archive", adminChain(http.HandlerFunc(archiveHandler.GetArchivedEvents)))
		mux.Handle("/admin/archive/offenders", adminChain(http.HandlerFunc(archiveHandler.GetOffenderCount)))
	}

	var handler http.Handler = mux
	handler = middleware.CORS(handler)
	handler = middleware.Fingerprint(handler)
	handler = authMiddleware.OptionalAuth(handler)
	handler = loggingMiddleware.Log(handler)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Printf("Starting risk engine on port %s", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatalf("Server forced to shutdown: %v", err)
	}

	logger.Println("Server exited")
}

func post(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, `{"error": "method not allowed"}`, http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	})
}

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/apishield/admission-control/abuse"
	"github.com/apishield/admission-control/config"
	"github.com/apishield/admission-control/database"
	"github.com/apishield/admission-control/handlers"
	"github.com/apishield/admission-control/kafka"
	"github.com/apishield/admission-control/logging"
	"github.com/apishield/admission-control/middleware"
	"github.com/apishield/admission-control/models"
	"github.com/apishield/admission-control/notifier"
	"github.com/apishield/admission-control/proxy"
	"github.com/apishield/admission-control/ratelimiter"
	"github.com/apishield/admission-control/repository"
	"github.com/apishield/admission-control/store"
)

func main() {
	cfg := config.Load()

	logger := logging.New(cfg.LogLevel, cfg.LogFile)
	defer logger.Sync()

	var userRepo *repository.UserRepository
	var apiKeyRepo *repository.APIKeyRepository
	var breachRepo *repository.BreachEventRepository

	db, err := database.New(cfg.PostgresDSN)
	if err != nil {
		logger.Warn("postgres connection failed, running without durable storage", zap.Error(err))
	} else {
		if err := db.InitSchema(); err != nil {
			logger.Warn("schema initialization failed", zap.Error(err))
		}
		userRepo = repository.NewUserRepository(db.Conn())
		apiKeyRepo = repository.NewAPIKeyRepository(db.Conn())
		breachRepo = repository.NewBreachEventRepository(db.Conn())
		logger.Info("connected to postgres")
		defer db.Close()
	}

	st := store.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger)
	if err := st.Ping(context.Background()); err != nil {
		// Admission fails closed without the store, so this is fatal.
		logger.Fatal("redis connection failed", zap.Error(err))
	}
	defer st.Close()

	limiter := ratelimiter.New(st, logger)

	producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	defer producer.Close()

	alertDefaults := notifier.DefaultPreferences(cfg.AlertWebhook)
	breachNotifier := notifier.New(st, producer, alertDefaults, logger)

	alertClient := &http.Client{Timeout: 10 * time.Second}
	breachNotifier.Register(notifier.NewEmailChannel(notifier.SMTPSettings{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	}))
	breachNotifier.Register(notifier.NewChatWebhookChannel(alertClient))
	breachNotifier.Register(notifier.NewWebhookChannel(alertClient))
	breachNotifier.Register(notifier.NewPagerChannel(alertClient, cfg.PagerEndpoint))
	breachNotifier.Register(notifier.NewSMSChannel(alertClient, cfg.SMSGatewayURL))

	detector := abuse.NewDetector(st, breachNotifier, logger)

	if breachRepo != nil {
		consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, "breach-archivers", breachRepo, logger)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		consumer.Start(ctx)
		defer consumer.Close()
	}

	reverseProxy, err := proxy.NewReverseProxy(cfg.BackendURL, logger)
	if err != nil {
		logger.Warn("failed to create reverse proxy", zap.Error(err))
	}

	anonymous := models.RateLimits{
		RequestsPerWindow: cfg.AnonymousLimit,
		Window:            time.Duration(cfg.AnonymousWindow) * time.Second,
		Burst:             cfg.AnonymousBurst,
	}

	loggingMiddleware := middleware.NewLoggingMiddleware(logger)
	authMiddleware := middleware.NewAuthMiddleware(cfg.JWTSecret, apiKeyRepo, userRepo, detector, logger)
	admissionMiddleware := middleware.NewAdmissionMiddleware(limiter, detector, breachNotifier, anonymous, logger)

	adminHandler := handlers.NewAdminHandler(apiKeyRepo, userRepo, breachRepo, detector, breachNotifier, st, logger)

	mux := http.NewServeMux()

	mux.HandleFunc("/health", adminHandler.HealthCheck)
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/admin/users", postOnly(adminHandler.CreateUser))
	mux.HandleFunc("/admin/users/tier", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut && r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		adminHandler.UpdateUserTier(w, r)
	})

	mux.HandleFunc("/admin/keys", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			adminHandler.ListKeys(w, r)
		case http.MethodPost:
			adminHandler.IssueKey(w, r)
		default:
			methodNotAllowed(w)
		}
	})
	mux.HandleFunc("/admin/keys/revoke", postOnly(adminHandler.RevokeKey))
	mux.HandleFunc("/admin/keys/rotate", postOnly(adminHandler.RotateKey))

	mux.HandleFunc("/admin/blocked-ips", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			adminHandler.GetBlockedIPs(w, r)
		case http.MethodPost:
			adminHandler.BlockIP(w, r)
		default:
			methodNotAllowed(w)
		}
	})
	mux.HandleFunc("/admin/unblock", postOnly(adminHandler.UnblockIP))

	mux.HandleFunc("/admin/whitelist", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			adminHandler.GetWhitelist(w, r)
		case http.MethodPost:
			adminHandler.WhitelistIP(w, r)
		case http.MethodDelete:
			adminHandler.RemoveFromWhitelist(w, r)
		default:
			methodNotAllowed(w)
		}
	})

	mux.HandleFunc("/admin/notifications/preferences", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			adminHandler.GetNotificationPreferences(w, r)
		case http.MethodPut, http.MethodPost:
			adminHandler.SetNotificationPreferences(w, r)
		default:
			methodNotAllowed(w)
		}
	})
	mux.HandleFunc("/admin/breach-history", adminHandler.GetBreachHistory)

	if reverseProxy != nil {
		mux.Handle("/api/", reverseProxy)
	} else {
		mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"message": "gateway is running, no backend configured", "path": "` + r.URL.Path + `"}`))
		})
	}

	// Blocked and flooding IPs are turned away before credential
	// resolution; the rate limit is charged to whatever principal auth
	// resolved.
	var handler http.Handler = mux
	handler = middleware.CORS(handler)
	handler = admissionMiddleware.RateLimit(handler)
	handler = authMiddleware.Resolve(handler)
	handler = admissionMiddleware.Gate(handler)
	handler = loggingMiddleware.Log(handler)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting admission gateway", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal("forced shutdown", zap.Error(err))
	}

	// Let in-flight alert deliveries drain before the process exits.
	breachNotifier.Wait()

	logger.Info("server exited")
}

func postOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		h(w, r)
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	http.Error(w, `{"error": "method not allowed"}`, http.StatusMethodNotAllowed)
}

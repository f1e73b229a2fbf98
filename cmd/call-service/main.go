package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	callHandler "carebridge-backend/internal/handler/http/call"
	pushHandler "carebridge-backend/internal/handler/http/push"
	wsHandler "carebridge-backend/internal/handler/ws"
	"carebridge-backend/internal/middleware"
	"carebridge-backend/internal/relay"
	"carebridge-backend/internal/repository/cockroach"
	redisRepo "carebridge-backend/internal/repository/redis"
	callService "carebridge-backend/internal/service/call"
	"carebridge-backend/pkg/database"
	"carebridge-backend/pkg/env"
	"carebridge-backend/pkg/jwt"
	"carebridge-backend/pkg/logger"
	"carebridge-backend/pkg/metrics"
	"carebridge-backend/pkg/push"
)

func main() {
	ctx := context.Background()

	// 1. Logger
	logger.InitDefault()
	defer logger.Sync()

	// 2. JWT Manager
	jwtSecret := env.GetStringFromFile("JWT_SECRET", "")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET environment variable is required")
	}
	if len(jwtSecret) < 32 {
		log.Fatal("JWT_SECRET must be at least 32 characters")
	}

	jwtManager := jwt.NewJWTManager(jwtSecret, 15*time.Minute, 30*24*time.Hour)

	productionMode := os.Getenv("ENV") == "production"

	// 3. Connect to CockroachDB for call records with retry logic
	dbConfig := &database.CockroachConfig{
		Host:     env.GetString("DB_HOST", "localhost"),
		Port:     env.GetInt("DB_PORT", 26257),
		User:     env.GetString("DB_USER", "root"),
		Password: env.GetStringFromFile("DB_PASSWORD", ""),
		Database: env.GetString("DB_NAME", "carebridge"),
		SSLMode:  env.GetString("DB_SSLMODE", "disable"),
	}

	db, err := connectWithRetry(ctx, dbConfig)
	if err != nil {
		log.Fatalf("Failed to connect to CockroachDB: %v", err)
	}
	defer db.Close()
	log.Println("✅ Connected to CockroachDB")

	invitationRepo := cockroach.NewInvitationRepository(db.Pool)
	sessionRepo := cockroach.NewSessionRepository(db.Pool)
	conversationRepo := cockroach.NewConversationRepository(db.Pool)

	// 4. Connect to Redis for the relay and presence
	redisDB, err := database.NewRedisDB(&database.RedisConfig{
		Host:     env.GetString("REDIS_HOST", "localhost"),
		Port:     env.GetInt("REDIS_PORT", 6379),
		Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
		DB:       0,
		PoolSize: 10,
		Timeout:  5 * time.Second,
	})
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisDB.Close()
	log.Println("✅ Connected to Redis")

	callRelay := relay.NewRedisRelay(redisDB.Client)
	presenceRepo := redisRepo.NewPresenceRepository(redisDB.Client)

	// 5. Push Service
	pushTokenRepo := redisRepo.NewPushTokenRepository(redisDB.Client)

	var pushProvider push.Provider
	pushProviderType := env.GetString("PUSH_PROVIDER", "mock")

	switch pushProviderType {
	case "firebase":
		firebaseProjectID := env.GetStringFromFile("FIREBASE_PROJECT_ID", "")
		if firebaseProjectID == "" {
			if productionMode {
				log.Fatal("❌ Fatal: FIREBASE_PROJECT_ID required in production mode")
			}
			log.Println("Warning: FIREBASE_PROJECT_ID not set, falling back to mock provider")
			pushProvider = &push.MockProvider{}
		} else {
			pushProvider = push.NewFirebaseProvider(firebaseProjectID)
			log.Printf("✅ Using Firebase Provider for project: %s", firebaseProjectID)
		}
	case "mock", "":
		if productionMode {
			log.Fatal("❌ Fatal: Mock push provider not allowed in production")
		}
		pushProvider = &push.MockProvider{}
		log.Println("ℹ️  Using MockProvider for push notifications (development mode)")
	default:
		// fcm, apns and anything else go through the factory
		pushProvider, err = push.NewProvider()
		if err != nil {
			log.Fatalf("Failed to initialize push provider: %v", err)
		}
	}

	pushSvc := push.NewService(pushProvider, pushTokenRepo)

	// Periodically drop tokens that providers flagged as dead
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := pushTokenRepo.CleanupInactiveTokens(ctx, 30*24*time.Hour); err != nil {
					log.Printf("Push token cleanup failed: %v", err)
				}
			}
		}
	}()

	// 6. Metrics
	appMetrics := metrics.NewMetrics("call-service")
	prometheusMiddleware := middleware.NewPrometheusMiddleware(appMetrics)

	// 7. Call Service
	callSvc := callService.NewService(invitationRepo, sessionRepo, conversationRepo, callRelay, presenceRepo, pushSvc).
		WithMetrics(appMetrics)

	// Background sweep for invitations nobody answered
	sweepInterval := env.GetDuration("INVITATION_SWEEP_INTERVAL", 30*time.Second)
	callSvc.StartExpirySweeper(ctx, sweepInterval)
	log.Printf("✅ Invitation expiry sweeper started (%s interval)", sweepInterval)

	// 8. Handlers
	callHdlr := callHandler.NewHandler(callSvc)
	pushHdlr := pushHandler.NewHandler(pushSvc)
	signalingHub := wsHandler.NewSignalingHub(callRelay)

	// 9. Gin Router
	router := gin.New()

	trustedProxies := []string{}
	if productionMode {
		trustedProxies = []string{
			"https://api.carebridge.health",
			"https://*.carebridge.health",
		}
	} else {
		trustedProxies = []string{
			"http://localhost:3000",
			"http://localhost:8080",
			"http://127.0.0.1:3000",
			"http://127.0.0.1:8080",
		}
	}
	router.SetTrustedProxies(trustedProxies)

	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware())
	router.Use(middleware.SecurityHeaders())
	router.Use(prometheusMiddleware.Handler())

	rateLimiter := middleware.NewAdvancedRateLimiter(redisDB.Client)
	timeoutMW := middleware.NewTimeoutMiddleware(nil)
	dbPoolLimiter := middleware.NewDBPoolLimiter(db.Pool)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "healthy",
			"service": "call-service",
			"time":    time.Now().UTC(),
		})
	})

	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	revocationChecker := middleware.NewRedisRevocationChecker(redisDB.Client)

	// Call routes (all require authentication)
	v1 := router.Group("/v1/calls")
	v1.Use(middleware.AuthMiddleware(jwtManager, revocationChecker))
	v1.Use(rateLimiter.Middleware())
	v1.Use(timeoutMW.Middleware())
	v1.Use(dbPoolLimiter.Middleware())
	{
		v1.POST("/invite", callHdlr.Invite)
		v1.POST("/invitations/:id/respond", callHdlr.Respond)
		v1.POST("/invitations/:id/cancel", callHdlr.Cancel)
		v1.POST("/invitations/:id/resend", callHdlr.Resend)
		v1.GET("/invitations", callHdlr.ListInvitations)

		v1.POST("/sessions/:id/ring", callHdlr.AcknowledgeRing)
		v1.POST("/sessions/:id/connected", callHdlr.MarkConnected)
		v1.POST("/sessions/:id/hangup", callHdlr.Hangup)
		v1.POST("/sessions/:id/actions", callHdlr.RecordAction)
		v1.GET("/sessions/:id/events", callHdlr.GetSessionEvents)

		v1.GET("/status", callHdlr.GetStatus)
		v1.GET("/history", callHdlr.GetHistory)
	}

	// WebSocket signaling skips the timeout middleware, connections
	// stay open for the duration of a call
	wsGroup := router.Group("/v1/calls")
	wsGroup.Use(middleware.AuthMiddleware(jwtManager, revocationChecker))
	wsGroup.GET("/ws/signaling", signalingHub.ServeWS)

	// Device token routes for incoming-call pushes
	pushGroup := router.Group("/v1/push")
	pushGroup.Use(middleware.AuthMiddleware(jwtManager, revocationChecker))
	pushGroup.Use(rateLimiter.Middleware())
	{
		pushGroup.POST("/tokens", pushHdlr.RegisterToken)
		pushGroup.GET("/tokens", pushHdlr.GetTokens)
		pushGroup.DELETE("/tokens", pushHdlr.UnregisterToken)
		pushGroup.DELETE("/tokens/all", pushHdlr.UnregisterAllTokens)
	}

	// 10. Start server
	port := env.GetString("PORT", "8083")
	addr := fmt.Sprintf(":%s", port)

	log.Printf("🚀 Call Service starting on port %s\n", port)
	log.Println("📡 WebRTC Signaling: /v1/calls/ws/signaling")
	if err := router.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// connectWithRetry dials CockroachDB with exponential backoff. Cold
// starts race the database container; a handful of retries covers it.
func connectWithRetry(ctx context.Context, cfg *database.CockroachConfig) (*database.CockroachDB, error) {
	maxRetries := 5
	baseDelay := 1 * time.Second
	maxDelay := 30 * time.Second

	db, err := database.NewCockroachDB(ctx, cfg)
	if err == nil {
		return db, nil
	}

	for attempt := 2; attempt <= maxRetries; attempt++ {
		delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-1)))
		if delay > maxDelay {
			delay = maxDelay
		}
		log.Printf("⚠️  CockroachDB connection attempt %d failed: %v. Retrying in %v...", attempt-1, err, delay)
		time.Sleep(delay)

		db, err = database.NewCockroachDB(ctx, cfg)
		if err == nil {
			log.Printf("✅ Connected to CockroachDB (attempt %d/%d)", attempt, maxRetries)
			return db, nil
		}
	}

	return nil, err
}

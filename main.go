package main

import (
	"database/sql"
	"log"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"famcal-api/handlers"
	"famcal-api/live"
	"famcal-api/middleware"
	"famcal-api/repository"
)

func main() {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if len(jwtSecret) < 32 {
		log.Fatal("JWT_SECRET must be set and at least 32 characters")
	}

	var db *sql.DB
	var err error
	for i := 0; i < 10; i++ {
		db, err = sql.Open("postgres", dbURL)
		if err == nil {
			err = db.Ping()
			if err == nil {
				break
			}
		}
		log.Printf("DB connection failed: %v, retrying in 2s...", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		log.Fatal("Could not connect to database:", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		log.Fatal("Migration driver error:", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://migrations", "postgres", driver)
	if err != nil {
		log.Fatal("Migration init error:", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		log.Fatal("Migration failed:", err)
	}

	authRepo := repository.NewAuthRepository(db)
	eventsRepo := repository.NewEventsRepository(db)
	lensesRepo := repository.NewLensesRepository(db)

	// Set Gin to release mode in production
	if os.Getenv("GIN_MODE") == "release" || strings.ToLower(os.Getenv("APP_ENV")) == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	// Structured request ID and JSON access logs
	r.Use(middleware.RequestIDMiddleware())
	r.Use(middleware.LoggerMiddleware())
	// Panic recovery
	r.Use(gin.Recovery())

	// Configure trusted proxies for correct client IP handling in production
	trustedProxies := os.Getenv("TRUSTED_PROXIES")
	if trustedProxies != "" {
		parts := strings.Split(trustedProxies, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if err := r.SetTrustedProxies(parts); err != nil {
			log.Fatalf("Invalid TRUSTED_PROXIES: %v", err)
		}
	} else {
		// Default to loopback only; override via TRUSTED_PROXIES in production
		_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	}

	r.Use(middleware.CORSMiddleware())
	r.Use(middleware.RateLimitMiddleware())

	broker := live.NewBroker()

	authHandler := handlers.NewAuthHandler(authRepo, jwtSecret)
	eventsHandler := handlers.NewEventsHandler(eventsRepo, lensesRepo, authRepo, broker)
	lensesHandler := handlers.NewLensesHandler(lensesRepo, authRepo, broker)

	r.GET("/health", handlers.HealthCheck)

	// The live endpoint does its own token handling so it can answer with
	// semantic close codes (refresh-and-retry vs give-up) after the upgrade.
	r.GET("/live/ws", live.ServeWS(live.ServeConfig{
		Broker:       broker,
		Members:      authRepo,
		Lenses:       lensesRepo,
		JWTSecret:    jwtSecret,
		AccessCookie: handlers.AccessCookieName,
	}))

	authPublic := r.Group("/", middleware.RateLimitAuthMiddleware())
	authPublic.POST("/register", authHandler.Register)
	authPublic.POST("/login", authHandler.Login)
	authPublic.POST("/auth/refresh", authHandler.Refresh)

	auth := r.Group("/", handlers.AuthMiddleware(jwtSecret))
	{
		auth.GET("/events", eventsHandler.List)
		auth.POST("/events", eventsHandler.Create)
		auth.PATCH("/events/:id", eventsHandler.Patch)
		auth.DELETE("/events/:id", eventsHandler.Delete)
		auth.POST("/events/:id/start", eventsHandler.Start)
		auth.POST("/events/:id/stop", eventsHandler.Stop)

		auth.GET("/calendars", lensesHandler.List)
		auth.POST("/calendars", lensesHandler.Create)
		auth.PATCH("/calendars/:id", lensesHandler.Update)
		auth.DELETE("/calendars/:id", lensesHandler.Delete)
	}

	r.Run(":8080")
}

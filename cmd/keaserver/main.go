package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"kea-checkin/internal/config"
	"kea-checkin/internal/server"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		log.Error("configuration error", "error", err)
		os.Exit(1)
	}

	store, err := server.OpenStore(cfg.SQLiteDSN)
	if err != nil {
		log.Error("unable to open database", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	log.Info("database ready", "dsn", cfg.SQLiteDSN)

	handlers := server.NewHandlers(store, log)

	router := gin.Default()

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{"http://localhost:3000", "http://localhost:3001"}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	api := router.Group("/api/v1")
	handlers.Routes(api)

	api.GET("/test-db", func(c *gin.Context) {
		if err := store.Ping(context.Background()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Database connection failed: " + err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "Database connection OK"})
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now().Unix(),
		})
	})

	log.Info("server starting", "port", cfg.Port)
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Error("failed to start server", "error", err)
		os.Exit(1)
	}
}

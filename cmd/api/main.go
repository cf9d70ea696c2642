package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"biosync/internal/auth"
	"biosync/internal/config"
	"biosync/internal/device"
	"biosync/internal/directory"
	"biosync/internal/export"
	"biosync/internal/httpmiddleware"
	"biosync/internal/identity"
	"biosync/internal/queue"
	"biosync/internal/reconcile"
	"biosync/internal/store"
	"biosync/internal/sync"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	if err := store.Migrate(context.Background(), db.Client); err != nil {
		log.Fatalf("migrate failed: %v", err)
	}

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "biosync:syncjobs")
	}

	bridge := device.NewBridge(cfg.BridgeURL, cfg.BridgeSkip)
	if cfg.BridgeSkip {
		log.Println("device bridge in mock mode (BRIDGE_SKIP=1)")
	}

	repo := sync.NewRepository(db.Client)
	persons := directory.NewSQLDirectory(db.Client)
	linker := identity.NewLinker(repo, persons, bridge)
	syncSvc := sync.NewService(repo, bridge, linker)
	sessions := reconcile.NewSQLSessionStore(db.Client)
	reconciler := reconcile.NewReconciler(repo, sessions, persons)
	exporter := export.NewExporter(repo, persons)
	ctx := context.Background()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	r.POST("/v1/auth/token", func(c *gin.Context) {
		var req struct {
			ClientID string `json:"client_id" binding:"required"`
			Secret   string `json:"secret" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.Secret != cfg.OperatorSecret {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "bad credentials"})
			return
		}
		tokens, err := auth.Issue(req.ClientID, "operator", cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	v1 := r.Group("/v1", auth.OperatorAuth(cfg.JWTSigningKey, cfg.JWTIssuer))

	v1.GET("/devices", func(c *gin.Context) {
		devices, err := repo.ListDevices(c.Request.Context(), false)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"devices": devices})
	})

	v1.POST("/devices", func(c *gin.Context) {
		var req sync.Device
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.Name == "" || req.Host == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "name and host required"})
			return
		}
		if err := repo.CreateDevice(c.Request.Context(), &req); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, req)
	})

	v1.PUT("/devices/:id", func(c *gin.Context) {
		dev, ok := loadDevice(c, repo)
		if !ok {
			return
		}
		var req sync.Device
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		req.ID = dev.ID
		if err := repo.UpdateDevice(c.Request.Context(), &req); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, req)
	})

	v1.POST("/devices/:id/test", func(c *gin.Context) {
		dev, ok := loadDevice(c, repo)
		if !ok {
			return
		}
		if err := syncSvc.TestConnection(c.Request.Context(), *dev); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"status": "failed", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1.POST("/devices/:id/sync", func(c *gin.Context) {
		dev, ok := loadDevice(c, repo)
		if !ok {
			return
		}
		opts := sync.Options{Persist: true}
		if err := c.ShouldBindJSON(&opts); err != nil && err.Error() != "EOF" {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		report, err := syncSvc.RunSync(c.Request.Context(), *dev, opts)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "report": report})
			return
		}
		c.JSON(http.StatusOK, report)
	})

	v1.POST("/devices/:id/reconcile", func(c *gin.Context) {
		dev, ok := loadDevice(c, repo)
		if !ok {
			return
		}
		report, err := reconciler.Run(c.Request.Context(), *dev)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "report": report})
			return
		}
		c.JSON(http.StatusOK, report)
	})

	v1.POST("/devices/:id/push-users", func(c *gin.Context) {
		dev, ok := loadDevice(c, repo)
		if !ok {
			return
		}
		var opts identity.PushOptions
		if err := c.ShouldBindJSON(&opts); err != nil && err.Error() != "EOF" {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		report, err := linker.PushEnrollment(c.Request.Context(), []sync.Device{*dev}, opts)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "report": report})
			return
		}
		c.JSON(http.StatusOK, report)
	})

	v1.POST("/sync/enqueue-all", func(c *gin.Context) {
		devices, err := repo.ListDevices(c.Request.Context(), true)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		enqueued := 0
		for _, dev := range devices {
			if err := q.Publish(ctx, queue.Message{Type: "sync", Body: []byte(dev.ID)}); err != nil {
				log.Printf("enqueue sync for %s failed: %v", dev.ID, err)
				continue
			}
			enqueued++
		}
		c.JSON(http.StatusAccepted, gin.H{"enqueued": enqueued})
	})

	v1.GET("/export/punches", func(c *gin.Context) {
		req, ok := exportRequest(c)
		if !ok {
			return
		}
		c.Header("Content-Type", "text/csv")
		c.Header("Content-Disposition", `attachment; filename="punches.csv"`)
		if err := exporter.Punches(c.Request.Context(), c.Writer, req); err != nil {
			log.Printf("export punches failed: %v", err)
		}
	})

	v1.GET("/export/users", func(c *gin.Context) {
		req, ok := exportRequest(c)
		if !ok {
			return
		}
		c.Header("Content-Type", "text/csv")
		c.Header("Content-Disposition", `attachment; filename="device_users.csv"`)
		if err := exporter.Users(c.Request.Context(), c.Writer, req); err != nil {
			log.Printf("export users failed: %v", err)
		}
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// loadDevice fetches the :id path device or writes the error response.
func loadDevice(c *gin.Context, repo *sync.Repository) (*sync.Device, bool) {
	dev, err := repo.GetDevice(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	if dev == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return nil, false
	}
	return dev, true
}

// exportRequest binds the export query parameters into a request struct.
func exportRequest(c *gin.Context) (export.Request, bool) {
	req := export.Request{DeviceID: c.Query("device_id")}
	if req.DeviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "device_id required"})
		return req, false
	}
	for param, dst := range map[string]**time.Time{"from": &req.From, "to": &req.To} {
		if v := c.Query(param); v != "" {
			ts, err := time.Parse("2006-01-02 15:04:05", v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "bad " + param + " timestamp"})
				return req, false
			}
			*dst = &ts
		}
	}
	return req, true
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}

package http

import (
	"net/http"
	"time"

	"booking-saga/internal/common/health"
	"booking-saga/internal/common/logger"
	"booking-saga/internal/common/metrics"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const HeaderTraceID = "X-Trace-ID"

// NewRouter builds the gin engine shared by every service: recovery, request
// logging, CORS, /health and /metrics.
func NewRouter(l logger.Logger, checker health.HealthChecker, mc metrics.Collector, debug bool) *gin.Engine {
	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(l))
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", HeaderTraceID},
		ExposeHeaders: []string{"Content-Length", HeaderTraceID},
		MaxAge:        12 * time.Hour,
	}))

	router.GET("/health", func(c *gin.Context) {
		if checker == nil {
			c.JSON(http.StatusOK, health.HealthStatus{Status: health.StatusHealthy})
			return
		}
		status := checker.Check(c.Request.Context())
		code := http.StatusOK
		if status.Status != health.StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	if mc != nil {
		router.GET("/metrics", func(c *gin.Context) {
			c.JSON(http.StatusOK, mc.Snapshot())
		})
	}

	return router
}

func requestLogger(l logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader(HeaderTraceID)
		if traceID == "" {
			traceID = uuid.New().String()
			c.Request.Header.Set(HeaderTraceID, traceID)
		}
		c.Header(HeaderTraceID, traceID)

		start := time.Now()
		c.Next()

		if c.Request.URL.Path == "/health" {
			return
		}
		l.Info("HTTP request",
			logger.Field{Key: "method", Value: c.Request.Method},
			logger.Field{Key: "path", Value: c.Request.URL.Path},
			logger.Field{Key: "status", Value: c.Writer.Status()},
			logger.Field{Key: "duration_ms", Value: time.Since(start).Milliseconds()},
			logger.Field{Key: "trace_id", Value: traceID},
		)
	}
}

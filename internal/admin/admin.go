// Package admin is the process's HTTP introspection surface (spec.md's
// supplemented ops concern, §6.4): health, Prometheus metrics, connection
// listing, and broadcast-channel listing, served alongside the CATS
// listener rather than through it.
//
// Grounded on the teacher's internal/ghost.Appear/RegisterRoutesTMP: a
// gin.Engine with Recovery + RequestLogger + RequestMetricsMiddleware +
// gin-contrib/cors, promhttp.Handler mounted at /metrics via gin.WrapH.
package admin

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Cifrazia/cats-go/internal/auth"
	"github.com/Cifrazia/cats-go/internal/observability"
)

// Ops is the narrow view the admin surface needs from a running cats.Server,
// kept as an interface so this package doesn't import internal/cats (which
// would make admin depend on the engine it introspects).
type Ops interface {
	Connections() []string
	BroadcastChannels() []string
}

// Config configures the admin HTTP router.
type Config struct {
	CORSOrigins []string
	Logger      zerolog.Logger
	// Token, if non-empty, gates every route except /healthz behind a
	// "Bearer <token>" Authorization header.
	Token string

	Started time.Time
}

// NewRouter builds the admin gin.Engine wired to ops.
func NewRouter(cfg Config, ops Ops) *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(cfg.Logger))
	r.Use(observability.RequestMetricsMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	started := cfg.Started
	if started.IsZero() {
		started = time.Now()
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"component": "cats",
			"uptime":    time.Since(started).String(),
		})
	})

	protected := r.Group("/")
	if cfg.Token != "" {
		protected.Use(bearerAuth(auth.StaticToken{Token: cfg.Token}))
	}

	protected.GET("/metrics", gin.WrapH(promhttp.Handler()))

	protected.GET("/connections", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"connections": ops.Connections()})
	})

	protected.GET("/broadcast/channels", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"channels": ops.BroadcastChannels()})
	})

	return r
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func bearerAuth(v auth.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		const prefix = "Bearer "
		header := c.GetHeader("Authorization")
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		if err := v.Validate(header[len(prefix):]); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

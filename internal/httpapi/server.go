// Package httpapi exposes the check-in flows and the supporting class,
// session and registration endpoints over Gin.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"campusattend/internal/attendance"
	"campusattend/internal/auth"
	"campusattend/internal/cloudinary"
	"campusattend/internal/config"
	"campusattend/internal/faceverify"
	"campusattend/internal/httpmiddleware"
	"campusattend/internal/queue"
	"campusattend/internal/stats"
	"campusattend/internal/store"
)

// Repo is the storage surface the handlers use directly.
// *attendance.Repository implements it; tests substitute fakes.
type Repo interface {
	GetStudentByEmail(ctx context.Context, email string) (*attendance.Student, error)
	SaveRefreshToken(ctx context.Context, studentID, token string, expiresAt time.Time) error
	RevokeRefreshToken(ctx context.Context, token string) error
	RefreshTokenActive(ctx context.Context, token string) (bool, error)
	CreateClass(ctx context.Context, cls attendance.Class) (attendance.Class, error)
	GetClass(ctx context.Context, id string) (*attendance.Class, error)
	SetClassLocation(ctx context.Context, classID string, lat, lon, radius *float64) error
	Enroll(ctx context.Context, classID, studentID string) error
	CreateSession(ctx context.Context, classID, qrToken string) (attendance.Session, error)
	GetSession(ctx context.Context, id string) (*attendance.Session, error)
	EndSession(ctx context.Context, id string) error
	ListActiveSessions(ctx context.Context) ([]attendance.Session, error)
	ListSessionRecords(ctx context.Context, sessionID string) ([]attendance.Record, error)
	SaveDescriptor(ctx context.Context, studentID string, features json.RawMessage) error
}

// Server wires handlers to their collaborators.
type Server struct {
	cfg      config.App
	repo     Repo
	svc      *attendance.Service
	verifier *faceverify.Verifier
	agg      *stats.Aggregates
	q        queue.Queue
	db       *store.DB
	rdb      *store.Redis
	cdn      *cloudinary.Client // nil when not configured
}

// New creates a server.
func New(cfg config.App, repo Repo, svc *attendance.Service,
	verifier *faceverify.Verifier, agg *stats.Aggregates, q queue.Queue,
	db *store.DB, rdb *store.Redis, cdn *cloudinary.Client) *Server {
	return &Server{
		cfg: cfg, repo: repo, svc: svc, verifier: verifier,
		agg: agg, q: q, db: db, rdb: rdb, cdn: cdn,
	}
}

// Routes builds the Gin engine with all middleware and endpoints.
func (s *Server) Routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	if s.rdb != nil {
		r.Use(httpmiddleware.NewRateLimiter(s.rdb.Client, s.cfg.RateLimitPerMin, 0).GinMiddleware())
	}

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", s.health)

	r.POST("/v1/auth/login", s.login)
	r.POST("/v1/auth/refresh", s.refresh)

	authed := r.Group("/v1", auth.Bearer(s.cfg.JWTSigningKey, s.cfg.JWTIssuer))

	student := authed.Group("", auth.RequireRole(auth.RoleStudent))
	student.POST("/checkins/proximity", s.proximityCheckIn)
	student.POST("/checkins/face", s.faceCheckIn)
	student.POST("/checkins/qr", s.qrCheckIn)
	student.POST("/faces/register", s.registerFace)
	student.GET("/sessions/active", s.listActiveSessions)

	professor := authed.Group("", auth.RequireRole(auth.RoleProfessor))
	professor.POST("/classes", s.createClass)
	professor.PUT("/classes/:id/location", s.setClassLocation)
	professor.POST("/classes/:id/enrollments", s.enrollStudent)
	professor.GET("/classes/:id/stats", s.classStats)
	professor.POST("/sessions", s.startSession)
	professor.POST("/sessions/:id/end", s.endSession)
	professor.GET("/sessions/:id/qr.png", s.sessionQR)
	professor.GET("/sessions/:id/records", s.sessionRecords)
	professor.POST("/sessions/:id/manual", s.manualMark)

	return r
}

func (s *Server) health(c *gin.Context) {
	redisHealthy := s.rdb.Healthy(c.Request.Context())
	dbHealthy := s.db != nil && s.db.Client.PingContext(c.Request.Context()) == nil
	status := http.StatusOK
	if !redisHealthy || !dbHealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
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

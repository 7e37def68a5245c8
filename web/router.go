package web

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/ferri/activitypub"
	"github.com/deemkeen/ferri/domain"
	"github.com/deemkeen/ferri/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Users is the lookup surface the HTTP boundary needs.
type Users interface {
	UserByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
	UserByUsername(ctx context.Context, username string) (*domain.User, error)
	PostsByUser(ctx context.Context, userID uuid.UUID, limit int) ([]domain.Post, error)
}

// Federation is where accepted inbox requests go.
type Federation interface {
	Inbound() activitypub.Sender
}

// Server carries what the handlers share.
type Server struct {
	domain       string
	users        Users
	fed          Federation
	publicKeyPEM string
	log          *log.Logger
}

func NewServer(conf *util.AppConfig, users Users, fed Federation, publicKeyPEM string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		domain:       conf.Conf.Domain,
		users:        users,
		fed:          fed,
		publicKeyPEM: publicKeyPEM,
		log:          logger.WithPrefix("web"),
	}
}

// Router builds the gin engine. Rate limiter buckets are swept until ctx is
// done.
func (s *Server) Router(ctx context.Context) *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery(), RequestLogger(s.log))
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// Global rate limiter: 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	globalLimiter.Cleanup(ctx, 5*time.Minute)
	g.Use(RateLimitMiddleware(globalLimiter))

	// Stricter rate limit for inbox deliveries: 5 req/sec per IP
	inboxLimiter := NewRateLimiter(rate.Limit(5), 10)
	inboxLimiter.Cleanup(ctx, 5*time.Minute)

	g.GET("/users/:id", s.handleActor)
	g.GET("/users/:id/feed.rss", s.handleFeed)
	g.POST("/users/:id/inbox", RateLimitMiddleware(inboxLimiter), MaxBytesMiddleware(MaxBodySize), s.handleInbox)
	g.GET("/.well-known/webfinger", s.handleWebfinger)

	return g
}

package api

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/NetStorm84/PaltalkServer-sub001/internal/bot"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/config"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/events"
	intnet "github.com/NetStorm84/PaltalkServer-sub001/internal/network"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/room"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/session"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/util"
	"github.com/NetStorm84/PaltalkServer-sub001/internal/voice"
)

// Server is the REST admin API server.
type Server struct {
	cfg      *config.Config
	bus      *events.Bus
	rooms    *room.Manager
	sessions *session.Manager
	relay    *voice.Relay
	bots     *bot.Manager

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates the admin API server.
func NewServer(cfg *config.Config, bus *events.Bus, rooms *room.Manager,
	sessions *session.Manager, relay *voice.Relay, bots *bot.Manager) *Server {
	if cfg.GetApplication().Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	return &Server{
		cfg:      cfg,
		bus:      bus,
		rooms:    rooms,
		sessions: sessions,
		relay:    relay,
		bots:     bots,
	}
}

// Start serves the API and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.router = s.buildRouter()

	addr := fmt.Sprintf(":%d", s.cfg.GetServer().APIPort)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	sec := s.cfg.GetApplication().Security
	if sec.TLSEnabled {
		if err := ensureCertificate(sec.TLSCertFile, sec.TLSKeyFile); err != nil {
			return err
		}
		s.httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start api server on %s: %w", addr, err)
	}

	log.Info().Str("addr", addr).Bool("tls", sec.TLSEnabled).Msg("admin api server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if sec.TLSEnabled {
		err = s.httpServer.ServeTLS(ln, sec.TLSCertFile, sec.TLSKeyFile)
	} else {
		err = s.httpServer.Serve(ln)
	}
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server error: %w", err)
	}
	return nil
}

// ensureCertificate generates a self-signed pair when the configured
// files do not exist yet.
func ensureCertificate(certFile, keyFile string) error {
	if _, err := os.Stat(certFile); err == nil {
		return nil
	}
	log.Info().Str("cert", certFile).Msg("generating self-signed api certificate")
	return util.GenerateSelfSignedCert(certFile, keyFile)
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := s.cfg.GetApplication().Security.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	auth := NewAuthMiddleware(s.cfg)

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/server_info", s.handleServerInfo)
	}

	admin := router.Group("/api/admin")
	admin.Use(auth.RequireToken())
	{
		admin.GET("/rooms", s.handleListRooms)
		admin.GET("/users", s.handleListUsers)
		admin.GET("/stats", s.handleStats)
		admin.POST("/broadcast", s.handleBroadcast)
		admin.GET("/bots/status", s.handleBotsStatus)
		admin.POST("/bots/start", s.handleBotsStart)
		admin.POST("/bots/stop", s.handleBotsStop)
	}

	return router
}

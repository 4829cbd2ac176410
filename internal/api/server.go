package api

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nghyane/samba-mux/internal/config"
	"github.com/nghyane/samba-mux/internal/credential"
	"github.com/nghyane/samba-mux/internal/logging"
	log "github.com/nghyane/samba-mux/internal/logging"
	"github.com/nghyane/samba-mux/internal/proxy"
	"github.com/nghyane/samba-mux/internal/translator"
	"github.com/nghyane/samba-mux/internal/usage"
)

const ctxKeyAPIKey = "api_key"

// Completer runs translated completions. Satisfied by *proxy.Proxy.
type Completer interface {
	Execute(ctx context.Context, req *translator.ChatCompletionRequest) (*translator.ChatCompletion, bool, error)
	ExecuteStream(ctx context.Context, req *translator.ChatCompletionRequest) (*proxy.Stream, error)
}

// CredentialSource is the credential view the handlers need. Satisfied by
// *credential.Manager.
type CredentialSource interface {
	GetValid(ctx context.Context) (*credential.Credential, error)
	Snapshot() credential.Status
}

// ModelLister fetches the upstream model list. Satisfied by
// *upstream.Client.
type ModelLister interface {
	ListModels(ctx context.Context, token string) ([]byte, error)
}

// Server is the gateway HTTP server.
type Server struct {
	engine  *gin.Engine
	httpSrv *http.Server

	completer Completer
	creds     CredentialSource
	models    ModelLister
	tracker   *usage.Tracker

	keys              atomic.Pointer[keySet]
	debugToken        atomic.Bool
	accountConfigured atomic.Bool

	port      int
	startedAt time.Time
}

// NewServer assembles the router. Call Run to serve.
func NewServer(cfg *config.Config, completer Completer, creds CredentialSource, models ModelLister, tracker *usage.Tracker) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		engine:    gin.New(),
		completer: completer,
		creds:     creds,
		models:    models,
		tracker:   tracker,
		port:      cfg.Port,
		startedAt: time.Now(),
	}
	s.ApplyConfig(cfg)

	s.engine.Use(logging.GinLogrusLogger())
	s.engine.Use(logging.GinLogrusRecovery())
	s.engine.Use(corsMiddleware())

	s.registerRoutes()
	return s
}

// ApplyConfig installs the hot-reloadable settings (API keys, debug token
// exposure). Safe to call while serving.
func (s *Server) ApplyConfig(cfg *config.Config) {
	s.keys.Store(newKeySet(cfg.APIKeys))
	s.debugToken.Store(cfg.EnableDebugToken)
	s.accountConfigured.Store(cfg.Samba.CredentialsConfigured())
	if len(cfg.APIKeys) == 0 {
		log.Warnf("no API keys configured, gateway accepts unauthenticated requests")
	}
}

func (s *Server) registerRoutes() {
	s.engine.GET("/", s.handleIndex)
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/info", s.handleInfo)
	s.engine.GET("/debug/token", s.handleDebugToken)

	v1 := s.engine.Group("/v1", authMiddleware(&s.keys))
	v1.POST("/chat/completions", s.handleChatCompletions)
	v1.GET("/models", s.handleModels)
	v1.GET("/usage", s.handleUsage)
}

// Handler exposes the router, used by tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("gateway listening on %s", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	log.Infof("shutting down gateway")
	return s.httpSrv.Shutdown(shutdownCtx)
}

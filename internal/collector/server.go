package collector

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/danielrobbins/hostbeacon/internal/keys"
	"github.com/danielrobbins/hostbeacon/internal/wiresocket"
)

// Server binds the Collector's two endpoints: an unauthenticated one for
// agents and an authenticated one for viewer clients, both routed through
// one Engine event loop.
type Server struct {
	log zerolog.Logger

	engine       *Engine
	agentSocket  *wiresocket.RouterSocket
	clientSocket *wiresocket.RouterSocket

	agentHTTP  *http.Server
	clientHTTP *http.Server

	stopWatch func()
}

// ServerConfig bundles what the Collector needs to bind its two ports.
type ServerConfig struct {
	Log         zerolog.Logger
	Clock       clockwork.Clock
	KeyProvider keys.Provider
	AgentAddr   string // e.g. ":5556"
	ClientAddr  string // e.g. ":5557"
}

// NewServer builds a Server bound to cfg but does not start listening; call
// Run to do that.
func NewServer(cfg ServerConfig) (*Server, error) {
	localPub, localSec, err := cfg.KeyProvider.LoadLocalKeypair(keys.RoleCollector)
	if err != nil {
		return nil, fmt.Errorf("collector: load local keypair: %w", err)
	}

	s := &Server{
		log: cfg.Log.With().Str("component", "collector_server").Logger(),
	}

	authDir, err := cfg.KeyProvider.AuthorizedClientDir()
	if err != nil {
		return nil, fmt.Errorf("collector: authorized client dir: %w", err)
	}
	authorized, err := keys.ReadAuthorizedClients(authDir)
	if err != nil {
		return nil, fmt.Errorf("collector: read authorized clients: %w", err)
	}

	authorize := func(remote keys.PublicKey) bool {
		for _, pub := range authorized {
			if pub == remote {
				return true
			}
		}
		return false
	}

	stopWatch, err := keys.WatchAuthorizedClients(authDir, func() {
		updated, err := keys.ReadAuthorizedClients(authDir)
		if err != nil {
			s.log.Warn().Err(err).Msg("failed to reload authorized clients")
			return
		}
		authorized = updated
		s.log.Info().Int("count", len(updated)).Msg("reloaded authorized clients")
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("authorized-client directory watch unavailable, changes require a restart")
		stopWatch = func() {}
	}
	s.stopWatch = stopWatch

	engine := NewEngine(cfg.Log, cfg.Clock, nil, nil)
	s.engine = engine

	s.agentSocket = wiresocket.NewRouterSocket(cfg.Log, localPub, localSec, nil, engine.OnAgentRecv, engine.OnAgentDisconnect)
	s.clientSocket = wiresocket.NewRouterSocket(cfg.Log, localPub, localSec, authorize, engine.OnClientRecv, engine.OnClientDisconnect)

	engine.agentSocket = s.agentSocket
	engine.clientSocket = s.clientSocket

	s.agentHTTP = &http.Server{Addr: cfg.AgentAddr, Handler: agentRouter(s.agentSocket)}
	s.clientHTTP = &http.Server{Addr: cfg.ClientAddr, Handler: clientRouter(s.clientSocket)}

	return s, nil
}

func agentRouter(sock *wiresocket.RouterSocket) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/", sock.ServeHTTP)
	return r
}

func clientRouter(sock *wiresocket.RouterSocket) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/", sock.ServeHTTP)
	return r
}

// Run starts both listeners and the engine loop, blocking until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	go s.engine.Run(ctx)

	errCh := make(chan error, 2)
	go func() { errCh <- s.agentHTTP.ListenAndServe() }()
	go func() { errCh <- s.clientHTTP.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.agentHTTP.Shutdown(shutdownCtx)
		_ = s.clientHTTP.Shutdown(shutdownCtx)
		s.stopWatch()
		return ctx.Err()
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("collector: listener failed: %w", err)
		}
		return err
	}
}

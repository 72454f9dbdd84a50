// Package jsonrpc serves the read-only status API over HTTP.
package jsonrpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/lilith-daemons/internal/commands"
	"github.com/lilith-daemons/internal/config"
	"github.com/lilith-daemons/internal/logging"
)

// Path is the JSON-RPC endpoint.
const Path = "/lilith_api"

// DevPort replaces the configured port in dev mode.
const DevPort = 8080

// Server handles JSON-RPC HTTP requests. Only read-only commands are
// registered; control lives on the maintenance port.
type Server struct {
	config     *config.Config
	target     commands.Target
	dispatcher *commands.Dispatcher
	log        *logging.Logger
	httpServer *http.Server
}

// NewServer creates a new JSON-RPC server
func NewServer(cfg *config.Config, target commands.Target, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Discard("LilithSupervisor")
	}
	registry := commands.NewCommandRegistry()
	commands.RegisterCoreCommands(registry, target)

	dispatcher := commands.NewDispatcher(registry, log)
	dispatcher.SetServerHeader(cfg.Network.HTTP.ServerHeader)

	s := &Server{
		config:     cfg,
		target:     target,
		dispatcher: dispatcher,
		log:        log,
	}
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// HandleRequest handles HTTP POST requests to Path
func (s *Server) HandleRequest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	s.dispatcher.HandleRequest(w, r)
	s.log.Debugf("HTTP request from %s served in %v", r.RemoteAddr, time.Since(start))
}

// Handler returns the HTTP routes. HTTP/2 is accepted without TLS.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(Path, s.HandleRequest)
	mux.HandleFunc("/healthz", s.handleHealth)
	return h2c.NewHandler(mux, &http2.Server{})
}

// Addr is the listen address for the configured port.
func (s *Server) Addr() string {
	port := s.config.Network.HTTP.Port
	if s.config.Network.HTTP.DevMode {
		port = DevPort
	}
	return fmt.Sprintf(":%d", port)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Infof("Status server listening on %s", ln.Addr())
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on Addr and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.Addr(), err)
	}
	return s.Serve(ln)
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Package maintenance serves the control commands over line-delimited
// JSON-RPC on a TCP port restricted by CIDR and, optionally, by token.
package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/lilith-daemons/internal/commands"
	"github.com/lilith-daemons/internal/config"
	"github.com/lilith-daemons/internal/logging"
)

// Server handles maintenance TCP connections
type Server struct {
	config            *config.Config
	dispatcher        *commands.Dispatcher
	verifier          *Verifier
	log               *logging.Logger
	allowed           []*net.IPNet
	listener          net.Listener
	stopChan          chan struct{}
	activeConnections map[string]net.Conn
	connectionsMutex  sync.RWMutex
	wg                sync.WaitGroup
	maxConnections    int
	connectionTimeout time.Duration
}

// Request is a JSON-RPC request with the bearer token alongside.
type Request struct {
	commands.Request
	Token string `json:"token,omitempty"`
}

// NewServer creates a new maintenance server exposing every command
func NewServer(cfg *config.Config, target commands.Target, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Discard("LilithSupervisor")
	}
	registry := commands.NewCommandRegistry()
	commands.RegisterCoreCommands(registry, target)
	commands.RegisterControlCommands(registry, target)

	s := &Server{
		config:            cfg,
		dispatcher:        commands.NewDispatcher(registry, log),
		verifier:          NewVerifier(cfg.Network.Maintenance.TokenSecret),
		log:               log,
		stopChan:          make(chan struct{}),
		activeConnections: make(map[string]net.Conn),
		maxConnections:    10,
		connectionTimeout: 30 * time.Second,
	}

	for _, cidrStr := range cfg.Network.Maintenance.AllowedCIDRs {
		_, network, err := net.ParseCIDR(cidrStr)
		if err != nil {
			log.Warnf("Invalid CIDR in config: %s", cidrStr)
			continue
		}
		s.allowed = append(s.allowed, network)
	}
	if s.verifier == nil {
		log.Warnf("Maintenance token secret not set, relying on CIDR allow-list only")
	}
	return s
}

// ListenAndServe starts the maintenance TCP server
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Network.Maintenance.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.config.Network.Maintenance.Port, err)
	}
	return s.Serve(listener)
}

// Serve accepts connections on listener until Close
func (s *Server) Serve(listener net.Listener) error {
	s.connectionsMutex.Lock()
	select {
	case <-s.stopChan:
		s.connectionsMutex.Unlock()
		listener.Close()
		return nil
	default:
	}
	s.listener = listener
	s.connectionsMutex.Unlock()

	s.log.Infof("Maintenance server listening on %s", listener.Addr())

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warnf("Failed to accept connection: %v", err)
			continue
		}

		if !s.isAllowedConnection(conn) {
			s.log.Warnf("Rejected connection from %s (not in allowed CIDRs)", conn.RemoteAddr())
			conn.Close()
			continue
		}

		if !s.track(conn) {
			s.log.Warnf("Rejected connection from %s (limit of %d reached)", conn.RemoteAddr(), s.maxConnections)
			s.writeErrorResponse(conn, commands.CodeCommandFailed, commands.ErrBusy, nil)
			conn.Close()
			continue
		}

		go s.handleConnection(conn)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.connectionsMutex.Lock()
	defer s.connectionsMutex.Unlock()
	select {
	case <-s.stopChan:
		return false
	default:
	}
	if len(s.activeConnections) >= s.maxConnections {
		return false
	}
	s.activeConnections[conn.RemoteAddr().String()] = conn
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.connectionsMutex.Lock()
	delete(s.activeConnections, conn.RemoteAddr().String())
	s.connectionsMutex.Unlock()
}

// handleConnection serves requests on one connection until the client
// closes it or goes idle past the connection timeout.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)
	for {
		conn.SetDeadline(time.Now().Add(s.connectionTimeout))

		var req Request
		if err := decoder.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return
			}
			s.log.Warnf("Failed to decode JSON-RPC request from %s: %v", conn.RemoteAddr(), err)
			s.writeErrorResponse(conn, commands.CodeParseError, "Parse error", nil)
			return
		}

		response := s.processMaintenanceRequest(&req)
		if err := encoder.Encode(response); err != nil {
			s.log.Warnf("Failed to encode response: %v", err)
			return
		}
		s.log.Infof("Maintenance command processed: method=%s, client=%s", req.Method, conn.RemoteAddr())
	}
}

// processMaintenanceRequest checks the token and dispatches the command
func (s *Server) processMaintenanceRequest(req *Request) *commands.Response {
	if s.verifier != nil {
		subject, err := s.verifier.Verify(req.Token)
		if err != nil {
			s.log.Warnf("Rejected %s: %v", req.Method, err)
			return commands.ErrorResponse(req.ID, commands.CodeCommandFailed, commands.ErrUnauthorized, err.Error())
		}
		s.log.Debugf("Token accepted for %s", subject)
	}
	return s.dispatcher.Process(context.Background(), &req.Request)
}

// isAllowedConnection checks if the connection is from an allowed CIDR
func (s *Server) isAllowedConnection(conn net.Conn) bool {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return false
	}

	clientIP := net.ParseIP(host)
	if clientIP == nil {
		return false
	}

	for _, network := range s.allowed {
		if network.Contains(clientIP) {
			return true
		}
	}
	return false
}

// writeErrorResponse writes an error response
func (s *Server) writeErrorResponse(conn net.Conn, code int, message string, id interface{}) {
	json.NewEncoder(conn).Encode(commands.ErrorResponse(id, code, message, ""))
}

// Close shuts down the listener and open connections, then waits for
// their handlers to return.
func (s *Server) Close() error {
	s.connectionsMutex.Lock()
	select {
	case <-s.stopChan:
		s.connectionsMutex.Unlock()
		return nil
	default:
		close(s.stopChan)
	}

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for _, conn := range s.activeConnections {
		conn.Close()
	}
	s.connectionsMutex.Unlock()

	s.wg.Wait()
	return err
}

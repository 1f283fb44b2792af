package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeusync/syncplant/internal/core/access"
	"github.com/zeusync/syncplant/internal/core/group"
	"github.com/zeusync/syncplant/internal/core/observability/log"
	"github.com/zeusync/syncplant/internal/core/protocol"
	"github.com/zeusync/syncplant/internal/core/protocol/quic"
	"github.com/zeusync/syncplant/internal/core/syncable"
)

// Config holds server configuration
type Config struct {
	// Network settings
	ListenAddr    string
	WebsocketPath string
	// QUICAddr enables the QUIC listener when set. Without CertFile and
	// KeyFile a self-signed certificate is generated.
	QUICAddr string
	CertFile string
	KeyFile  string

	MaxClients int
	// AllowedOrigins restricts websocket upgrades; empty allows all.
	AllowedOrigins  []string
	ShutdownTimeout time.Duration

	Protocol protocol.Config
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() Config {
	return Config{
		ListenAddr:      "127.0.0.1:8080",
		WebsocketPath:   "/sync",
		MaxClients:      10_000,
		ShutdownTimeout: 10 * time.Second,
		Protocol:        protocol.DefaultConfig(),
	}
}

func (c Config) Validate() error {
	if c.ListenAddr == "" && c.QUICAddr == "" {
		return fmt.Errorf("%w: no listen address", ErrInvalidConfig)
	}
	if c.MaxClients < 0 {
		return fmt.Errorf("%w: negative max clients", ErrInvalidConfig)
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return fmt.Errorf("%w: cert and key files go together", ErrInvalidConfig)
	}
	if c.Protocol.MaxMessageSize <= 0 || c.Protocol.OutboxSize <= 0 {
		return fmt.Errorf("%w: protocol limits must be positive", ErrInvalidConfig)
	}
	return nil
}

// UserFactory builds the packet creating a user that connects for the first
// time. It is applied with server rights.
type UserFactory func(user syncable.Ref) syncable.ChangePacket

type Option func(s *Server)

func WithLogger(logger log.Log) Option {
	return func(s *Server) { s.logger = logger }
}

// WithUserFactory creates missing users on connect instead of refusing them.
func WithUserFactory(factory UserFactory) Option {
	return func(s *Server) { s.userFactory = factory }
}

// Server accepts client connections over websocket and QUIC and binds each
// to a group session.
type Server struct {
	config      Config
	groups      *group.Manager
	auth        Authenticator
	userFactory UserFactory
	logger      log.Log

	sessions     sync.Map // map[string]*Session
	sessionCount int64    // atomic

	running atomic.Bool
	closed  atomic.Bool

	httpServer *http.Server
	httpAddr   net.Addr
	quic       *quic.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(config Config, groups *group.Manager, auth Authenticator, opts ...Option) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if groups == nil || auth == nil {
		return nil, fmt.Errorf("%w: groups and authenticator are required", ErrInvalidConfig)
	}

	s := &Server{
		config: config,
		groups: groups,
		auth:   auth,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = log.OrNop(s.logger).With(log.String("component", "server"))
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.logger.Info("Server created",
		log.String("listen_addr", config.ListenAddr),
		log.String("quic_addr", config.QUICAddr),
		log.Int("max_clients", config.MaxClients))
	return s, nil
}

// Start opens the configured listeners and returns once they accept.
func (s *Server) Start(ctx context.Context) error {
	if s.closed.Load() {
		return ErrServerClosed
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrServerAlreadyRunning
	}

	if s.config.ListenAddr != "" {
		if err := s.startHTTP(ctx); err != nil {
			s.running.Store(false)
			return err
		}
	}
	if s.config.QUICAddr != "" {
		if err := s.startQUIC(); err != nil {
			s.running.Store(false)
			s.shutdownHTTP(ctx)
			return err
		}
	}

	s.logger.Info("Server started successfully")
	return nil
}

func (s *Server) startHTTP(ctx context.Context) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.config.ListenAddr)
	if err != nil {
		s.logger.Error("Failed to create listener", log.Error(err))
		return fmt.Errorf("listen %s: %w", s.config.ListenAddr, err)
	}
	s.httpAddr = listener.Addr()
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server stopped", log.Error(err))
		}
	}()

	s.logger.Info("Server listening",
		log.String("addr", listener.Addr().String()),
		log.String("websocket_path", s.config.WebsocketPath))
	return nil
}

func (s *Server) startQUIC() error {
	tlsConfig, err := s.tlsConfig()
	if err != nil {
		return err
	}
	listener, err := quic.Listen(s.config.QUICAddr, tlsConfig, quic.DefaultConfig(), s.config.Protocol, s.logger)
	if err != nil {
		s.logger.Error("Failed to create QUIC listener", log.Error(err))
		return err
	}
	s.quic = listener

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := listener.Serve(s.ctx, s.accept); err != nil {
			s.logger.Error("QUIC listener stopped", log.Error(err))
		}
	}()

	s.logger.Info("Server listening", log.String("quic_addr", listener.Addr()))
	return nil
}

func (s *Server) tlsConfig() (*tls.Config, error) {
	if s.config.CertFile == "" {
		s.logger.Warn("Using a self-signed certificate for QUIC")
		return quic.GenerateSelfSignedTLS()
	}
	cert, err := tls.LoadX509KeyPair(s.config.CertFile, s.config.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{quic.NextProto},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// Addr is the bound HTTP address, or nil before Start.
func (s *Server) Addr() net.Addr {
	return s.httpAddr
}

// QUICAddr is the bound QUIC address, or empty when QUIC is off.
func (s *Server) QUICAddr() string {
	if s.quic == nil {
		return ""
	}
	return s.quic.Addr()
}

func (s *Server) accept(conn protocol.Conn) {
	if err := s.ServeConn(s.ctx, conn); err != nil && !errors.Is(err, protocol.ErrConnectionClosed) && !errors.Is(err, context.Canceled) {
		s.logger.Debug("Client connection ended", log.String("remote_addr", conn.RemoteAddr()), log.Error(err))
	}
}

// ServeConn runs a session over conn until it closes. It owns conn.
func (s *Server) ServeConn(ctx context.Context, conn protocol.Conn) error {
	if s.closed.Load() {
		_ = conn.Close()
		return ErrServerClosed
	}
	count := atomic.AddInt64(&s.sessionCount, 1)
	defer atomic.AddInt64(&s.sessionCount, -1)
	if s.config.MaxClients > 0 && count > int64(s.config.MaxClients) {
		s.logger.Warn("Rejecting client: maximum clients reached",
			log.String("remote_addr", conn.RemoteAddr()),
			log.Int("max_clients", s.config.MaxClients))
		_ = conn.Close()
		return ErrMaxClientsReached
	}

	session := newSession(s, conn)
	s.sessions.Store(session.ID(), session)
	defer s.sessions.Delete(session.ID())

	session.logger.Info("New client connected", log.String("remote_addr", conn.RemoteAddr()))
	err := session.serve(ctx)
	session.logger.Info("Client disconnected",
		log.Duration("duration", time.Since(session.connectedAt)),
		log.Error(err))
	return err
}

// ensureUser creates user in g when a factory is configured and the user
// does not exist yet.
func (s *Server) ensureUser(ctx context.Context, g *group.Group, user syncable.Ref) error {
	if s.userFactory == nil || g.Container().Has(user) {
		return nil
	}
	result, err := g.ApplyChangePacket(ctx, s.userFactory(user), access.ServerContext(nil), "")
	if result == nil {
		if errors.Is(err, syncable.ErrInvalidOperation) && g.Container().Has(user) {
			// Created concurrently by another session.
			return nil
		}
		return err
	}
	if err != nil {
		s.logger.Error("User created without persistence", log.Stringer("user", user), log.Error(err))
	}
	s.logger.Info("User created on first connect",
		log.String("group", g.ID()),
		log.Stringer("user", user))
	return nil
}

// SessionCount is the number of live connections.
func (s *Server) SessionCount() int {
	return int(atomic.LoadInt64(&s.sessionCount))
}

// Stop closes the listeners and every session, then flushes and closes the
// groups.
func (s *Server) Stop(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrServerClosed
	}
	s.logger.Info("Stopping server")

	if s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}

	s.cancel()
	if s.quic != nil {
		_ = s.quic.Close()
	}
	s.sessions.Range(func(_, value any) bool {
		value.(*Session).close()
		return true
	})
	s.shutdownHTTP(ctx)
	s.wg.Wait()

	err := s.groups.Close(ctx)
	s.running.Store(false)
	if err != nil {
		s.logger.Error("Groups closed with errors", log.Error(err))
		return err
	}
	s.logger.Info("Server stopped")
	return nil
}

func (s *Server) shutdownHTTP(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("HTTP shutdown incomplete", log.Error(err))
		_ = s.httpServer.Close()
	}
}

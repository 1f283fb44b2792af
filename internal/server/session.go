package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zeusync/syncplant/internal/core/access"
	"github.com/zeusync/syncplant/internal/core/group"
	"github.com/zeusync/syncplant/internal/core/observability/log"
	"github.com/zeusync/syncplant/internal/core/protocol"
	"github.com/zeusync/syncplant/internal/core/syncable"
)

// Session is one client connection. It joins a single group on connect and
// receives that group's pushes through a non-blocking outbox, so the group
// never waits on a slow client.
type Session struct {
	id          string
	server      *Server
	peer        *protocol.Peer
	outbox      *protocol.Outbox
	logger      log.Log
	connectedAt time.Time

	mu    sync.Mutex
	group *group.Group
	user  syncable.Ref
}

var _ group.Subscriber = (*Session)(nil)

func newSession(s *Server, conn protocol.Conn) *Session {
	id := uuid.NewString()
	logger := s.logger.With(log.String("connection_id", id))
	outbox := protocol.NewOutbox(conn, s.config.Protocol, logger)

	session := &Session{
		id:          id,
		server:      s,
		outbox:      outbox,
		logger:      logger,
		connectedAt: time.Now(),
		peer: protocol.NewPeer(outbox,
			protocol.WithPeerConfig(s.config.Protocol),
			protocol.WithPeerLogger(logger)),
	}
	session.peer.Handle(protocol.MethodConnect, session.handleConnect)
	session.peer.Handle(protocol.MethodChange, session.handleChange)
	session.peer.Handle(protocol.MethodRequestObjects, session.handleRequestObjects)
	session.peer.Handle(protocol.MethodUpdateViewQuery, session.handleUpdateViewQuery)
	return session
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) joined() (*group.Group, syncable.Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.group == nil {
		return nil, syncable.Ref{}, protocol.ErrNotInitialized
	}
	return s.group, s.user, nil
}

// serve runs the session until the connection ends.
func (s *Session) serve(ctx context.Context) error {
	err := s.peer.Serve(ctx)
	if g, _, joinErr := s.joined(); joinErr == nil {
		g.Leave(s.id)
	}
	return err
}

func (s *Session) close() {
	_ = s.peer.Close()
}

func (s *Session) Initialize(msg *protocol.Initialize) error {
	return s.peer.Notify(context.Background(), protocol.MethodInitialize, msg)
}

func (s *Session) Sync(msg *protocol.Sync) error {
	return s.peer.Notify(context.Background(), protocol.MethodSync, msg)
}

func (s *Session) Notify(msg *protocol.Notify) error {
	return s.peer.Notify(context.Background(), protocol.MethodNotify, msg)
}

func (s *Session) handleConnect(ctx context.Context, req *protocol.Envelope) (any, error) {
	var args protocol.Connect
	if err := req.DecodeArgs(&args); err != nil {
		return nil, err
	}
	if args.Group == "" {
		return nil, protocol.ErrGroupNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.group != nil {
		return nil, ErrAlreadyConnected
	}

	user, err := s.server.auth.Authenticate(ctx, &args)
	if err != nil {
		s.logger.Warn("connect refused", log.String("user", args.User), log.Error(err))
		return nil, err
	}

	g, err := s.server.groups.Get(ctx, args.Group)
	if err != nil {
		return nil, err
	}
	if err = s.server.ensureUser(ctx, g, user); err != nil {
		return nil, err
	}

	// Join pushes the initialize message ahead of this response.
	if err = g.Join(s, user, args.ViewQuery); err != nil {
		return nil, err
	}
	s.group, s.user = g, user
	s.logger.Info("session joined group",
		log.String("group", g.ID()),
		log.Stringer("user", user))
	return protocol.Empty{}, nil
}

func (s *Session) handleChange(ctx context.Context, req *protocol.Envelope) (any, error) {
	g, user, err := s.joined()
	if err != nil {
		return nil, err
	}
	var args protocol.ChangeRequest
	if err = req.DecodeArgs(&args); err != nil {
		return nil, err
	}

	result, err := g.ApplyChangePacket(ctx, args.Packet, access.UserContext(user, nil), s.id)
	if result == nil {
		return nil, err
	}
	if err != nil {
		// Committed and broadcast; the group retries the save.
		s.logger.Error("change committed without persistence",
			log.String("change_id", args.Packet.ID),
			log.Error(err))
	}
	return protocol.ChangeReturn{Clock: result.Clock}, nil
}

func (s *Session) handleRequestObjects(_ context.Context, req *protocol.Envelope) (any, error) {
	g, _, err := s.joined()
	if err != nil {
		return nil, err
	}
	var args protocol.ObjectRequest
	if err = req.DecodeArgs(&args); err != nil {
		return nil, err
	}
	if err = g.RequestObjects(s.id, args.Refs); err != nil {
		return nil, err
	}
	return protocol.Empty{}, nil
}

func (s *Session) handleUpdateViewQuery(_ context.Context, req *protocol.Envelope) (any, error) {
	g, _, err := s.joined()
	if err != nil {
		return nil, err
	}
	var args protocol.ViewQueryUpdate
	if err = req.DecodeArgs(&args); err != nil {
		return nil, err
	}
	if err = g.UpdateViewQuery(s.id, args.Query); err != nil {
		return nil, err
	}
	return protocol.Empty{}, nil
}

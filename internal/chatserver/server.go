// Package chatserver implements the Chat Core (spec §4.1): the command
// handlers a client talks to, gated on this replica being PRIMARY and not
// mid-transition, plus the glue that reacts to replication role changes and
// inbound data updates.
package chatserver

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"chatcluster/internal/protocol"
	"chatcluster/internal/replication"
	"chatcluster/internal/store"
	"chatcluster/internal/transport"
)

// DefaultAckTimeout mirrors the original's wait_for_acks default.
const DefaultAckTimeout = time.Second

// Config configures a Server. Peer is intentionally absent: the Store,
// Peer, and Server form a constructor cycle (the Peer needs the Server as
// its RoleObserver/DataApplier), so callers build the Server first and
// attach the Peer afterward with BindPeer.
type Config struct {
	Store      *store.Store
	Codec      protocol.Codec
	Log        zerolog.Logger
	ListenAddr string
	AckTimeout time.Duration
}

// Server is the Chat Core.
type Server struct {
	store      *store.Store
	peer       *replication.Peer
	codec      protocol.Codec
	log        zerolog.Logger
	listenAddr string
	ackTimeout time.Duration

	listener net.Listener
	running  atomic.Bool
	wg       sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*clientSession
}

// New builds a Server. Call BindPeer before Start.
func New(cfg Config) *Server {
	ackTimeout := cfg.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}
	return &Server{
		store:      cfg.Store,
		codec:      cfg.Codec,
		log:        cfg.Log.With().Str("component", "chatserver").Logger(),
		listenAddr: cfg.ListenAddr,
		ackTimeout: ackTimeout,
		sessions:   make(map[string]*clientSession),
	}
}

// BindPeer attaches the Replication Peer this server was built alongside.
// Must be called before Start.
func (s *Server) BindPeer(p *replication.Peer) { s.peer = p }

// Start opens the client listener and begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	s.log.Info().Str("addr", s.listenAddr).Msg("chat server listening")
	return nil
}

// Stop closes the listener and every live client session.
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	if s.listener != nil {
		s.listener.Close()
	}
	for _, sess := range s.allSessions() {
		sess.conn.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.running.Load() {
				s.log.Warn().Err(err).Msg("client listener accept failed")
			}
			return
		}
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

// isServable reports whether the Chat Core may process client commands
// right now: this replica must be PRIMARY, not mid-transition, and (if it
// was just elected) done pulling its initial sync from an existing peer
// (spec §4.1's gating invariant plus §5's post-election sync gate,
// re-checked before every command).
func (s *Server) isServable() bool {
	return s.peer.GetRole() == store.RolePrimary && !s.peer.Transitioning() && !s.peer.AwaitingInitialSync()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	sess := newClientSession(conn)

	if !s.isServable() {
		s.rejectUnavailable(sess, "Server unavailable, please try another server")
		return
	}

	defer func() {
		if sess.username != "" {
			s.takeOffline(sess.username, sess)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !s.isServable() {
			s.rejectUnavailable(sess, "Server is no longer available, please reconnect")
			return
		}

		frame, err := transport.ReadFrame(conn)
		if err != nil {
			return
		}
		msg, err := s.codec.Decode(frame)
		if err != nil {
			s.log.Warn().Err(err).Msg("malformed client frame, dropping connection")
			return
		}

		if !s.isServable() {
			s.reply(sess, protocol.Err(msg.Cmd, "Server is in transition, please try again later"))
			continue
		}

		resp := s.dispatch(sess, msg)
		if resp != nil {
			s.reply(sess, resp)
		}
	}
}

func (s *Server) rejectUnavailable(sess *clientSession, body string) {
	_ = sess.writer.WriteFrame(mustEncode(s.codec, protocol.Err(protocol.CmdServerState, body)))
}

func (s *Server) reply(sess *clientSession, msg *protocol.Message) {
	if err := sess.writer.WriteFrame(mustEncode(s.codec, msg)); err != nil {
		s.log.Debug().Str("username", sess.username).Err(err).Msg("reply write failed")
	}
}

func mustEncode(codec protocol.Codec, msg *protocol.Message) []byte {
	data, err := codec.Encode(msg)
	if err != nil {
		// A Message built entirely from our own constructors always
		// encodes; a failure here means a codec bug, not bad input.
		return []byte(`{"cmd":"error","body":"internal encoding error","error":true}`)
	}
	return data
}

func (s *Server) dispatch(sess *clientSession, msg *protocol.Message) *protocol.Message {
	username := msg.Src
	switch msg.Cmd {
	case protocol.CmdCreate:
		return s.handleCreate(sess, username, msg)
	case protocol.CmdLogin:
		return s.handleLogin(sess, username, msg)
	case protocol.CmdLogoff:
		return s.handleLogoff(sess, username)
	case protocol.CmdList:
		return s.handleList(msg)
	case protocol.CmdSend:
		return s.handleSend(username, msg)
	case protocol.CmdDeliver:
		return s.handleDeliver(sess, username, msg)
	case protocol.CmdDeleteMsgs:
		return s.handleDeleteMessages(username, msg)
	case protocol.CmdDelete:
		return s.handleDelete(username, msg)
	default:
		return protocol.Err(msg.Cmd, "Unknown command")
	}
}

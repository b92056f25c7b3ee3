// Package clientsession implements the Client Session Layer (spec §4.5): a
// round-robin connection to a list of chat servers with exponential
// backoff, an outgoing queue that survives disconnects, and a non-blocking
// receive poll. It owns failover, not application state: re-login after a
// forced reconnect is left to the caller.
package clientsession

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatcluster/internal/protocol"
	"chatcluster/internal/transport"
)

const (
	// DefaultDialTimeout bounds a single connect attempt, mirroring the
	// original client's 3-second socket timeout during connect.
	DefaultDialTimeout = 3 * time.Second
	// InitialBackoff and MaxBackoff bound the reconnect delay; it doubles
	// on every failed full round of the server list and resets to
	// InitialBackoff on success.
	InitialBackoff = time.Second
	MaxBackoff     = 30 * time.Second
	// pollInterval is how often the connect loop rechecks the connection
	// state while connected; retries while disconnected use the backoff.
	pollInterval = 200 * time.Millisecond
)

// Config configures a Session.
type Config struct {
	Servers []string // host:port, tried round-robin starting from index 0
	Codec   protocol.Codec
	Log     zerolog.Logger

	// MaxQueuedRequests caps the outgoing queue; 0 means unbounded. When
	// full, the oldest queued message is dropped to make room for the
	// newest (spec §9's explicit callout, since the original's queue.Queue
	// is unbounded and the spec asks for a configurable cap instead).
	MaxQueuedRequests int

	// OnConnected and OnDisconnected, if set, are called on every
	// transition. They must not block.
	OnConnected    func()
	OnDisconnected func()
}

// Session is one client's fault-tolerant connection to the cluster.
type Session struct {
	servers []string
	codec   protocol.Codec
	log     zerolog.Logger
	maxQ    int

	onConnected    func()
	onDisconnected func()

	mu        sync.Mutex
	conn      net.Conn
	writer    *transport.SafeWriter
	nextIdx   int
	connected bool
	backoff   time.Duration
	queue     []*protocol.Message

	incoming chan *protocol.Message
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

var ErrNoServers = errors.New("clientsession: no servers configured")

// New builds a Session. Call Start to begin connecting.
func New(cfg Config) *Session {
	return &Session{
		servers:        append([]string(nil), cfg.Servers...),
		codec:          cfg.Codec,
		log:            cfg.Log.With().Str("component", "clientsession").Logger(),
		maxQ:           cfg.MaxQueuedRequests,
		onConnected:    cfg.OnConnected,
		onDisconnected: cfg.OnDisconnected,
		backoff:        InitialBackoff,
		incoming:       make(chan *protocol.Message, 64),
	}
}

// Start launches the background connect/read loop. It returns immediately;
// the first connection attempt happens asynchronously.
func (s *Session) Start(ctx context.Context) error {
	if len(s.servers) == 0 {
		return ErrNoServers
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.connectLoop(runCtx)
	return nil
}

// Stop tears down the active connection and background loop.
func (s *Session) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Connected reports whether a server connection is currently live.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Send either writes msg immediately, if connected, or queues it for
// delivery once a connection is reestablished (spec §4.5's queue-while-
// disconnected invariant). It never waits for a reconnect; when connected,
// the frame is written to the socket synchronously.
func (s *Session) Send(msg *protocol.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected && s.conn != nil {
		if err := s.writeLocked(msg); err == nil {
			return true
		}
		s.markDisconnectedLocked()
	}
	s.enqueueLocked(msg)
	return false
}

func (s *Session) writeLocked(msg *protocol.Message) error {
	data, err := s.codec.Encode(msg)
	if err != nil {
		return err
	}
	return s.writer.WriteFrame(data)
}

func (s *Session) enqueueLocked(msg *protocol.Message) {
	if s.maxQ > 0 && len(s.queue) >= s.maxQ {
		s.queue = s.queue[1:]
	}
	s.queue = append(s.queue, msg)
}

// Receive returns the next frame from the server, if one has arrived, and
// true. It never blocks (spec §4.5's non-blocking poll).
func (s *Session) Receive() (*protocol.Message, bool) {
	select {
	case msg := <-s.incoming:
		return msg, true
	default:
		return nil, false
	}
}

func (s *Session) connectLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if s.Connected() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}

		if s.tryConnectRound() {
			s.wg.Add(1)
			go s.readLoop(ctx)
			continue
		}

		wait := s.bumpBackoff()
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (s *Session) bumpBackoff() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	wait := s.backoff
	s.backoff *= 2
	if s.backoff > MaxBackoff {
		s.backoff = MaxBackoff
	}
	return wait
}

// tryConnectRound tries every server once starting at nextIdx, the way the
// original rotates current_server_idx across server_list. Returns true on
// the first successful dial.
func (s *Session) tryConnectRound() bool {
	for range s.servers {
		s.mu.Lock()
		addr := s.servers[s.nextIdx]
		s.mu.Unlock()

		conn, err := net.DialTimeout("tcp", addr, DefaultDialTimeout)
		s.mu.Lock()
		if err != nil {
			s.log.Warn().Str("addr", addr).Err(err).Msg("connect attempt failed")
			s.nextIdx = (s.nextIdx + 1) % len(s.servers)
			s.mu.Unlock()
			continue
		}

		s.conn = conn
		s.writer = transport.NewSafeWriter(conn)
		s.connected = true
		s.backoff = InitialBackoff
		queued := s.queue
		s.queue = nil
		s.mu.Unlock()

		s.log.Info().Str("addr", addr).Msg("connected")
		if s.onConnected != nil {
			s.onConnected()
		}
		s.flushQueued(queued)
		return true
	}
	return false
}

// flushQueued sends every message queued while disconnected, in order,
// re-queuing (at the front) the entire remaining tail if one fails partway
// through, so a mid-flush disconnect never silently drops a frame.
func (s *Session) flushQueued(queued []*protocol.Message) {
	for i, msg := range queued {
		s.mu.Lock()
		if !s.connected || s.conn == nil {
			s.mu.Unlock()
			s.requeueFront(queued[i:])
			return
		}
		err := s.writeLocked(msg)
		if err != nil {
			s.markDisconnectedLocked()
			s.mu.Unlock()
			s.log.Warn().Str("cmd", msg.Cmd).Err(err).Msg("failed to flush queued message after reconnect")
			s.requeueFront(queued[i:])
			return
		}
		s.mu.Unlock()
	}
}

// requeueFront prepends rest ahead of anything already queued, trimming from
// the front (oldest first) if the merged queue now exceeds maxQ.
func (s *Session) requeueFront(rest []*protocol.Message) {
	if len(rest) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := append(append([]*protocol.Message{}, rest...), s.queue...)
	if s.maxQ > 0 && len(merged) > s.maxQ {
		merged = merged[len(merged)-s.maxQ:]
	}
	s.queue = merged
}

func (s *Session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		frame, err := transport.ReadFrame(conn)
		if err != nil {
			s.mu.Lock()
			stillCurrent := s.conn == conn
			s.mu.Unlock()
			if stillCurrent {
				s.markDisconnected()
			}
			return
		}

		msg, err := s.codec.Decode(frame)
		if err != nil {
			s.log.Warn().Err(err).Msg("malformed frame from server, dropping")
			continue
		}

		if msg.Cmd == protocol.CmdServerState {
			s.log.Info().Str("body", string(msg.Body)).Msg("server reported unavailability, forcing rotation")
			s.markDisconnected()
			select {
			case s.incoming <- msg:
			default:
			}
			return
		}

		select {
		case s.incoming <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) markDisconnected() {
	s.mu.Lock()
	s.markDisconnectedLocked()
	s.mu.Unlock()
}

func (s *Session) markDisconnectedLocked() {
	if !s.connected {
		return
	}
	s.connected = false
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
		s.writer = nil
	}
	s.nextIdx = (s.nextIdx + 1) % len(s.servers)
	if s.onDisconnected != nil {
		go s.onDisconnected()
	}
}

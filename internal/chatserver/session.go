package chatserver

import (
	"net"

	"chatcluster/internal/transport"
)

// clientSession is one logged-in (or just-created) client connection. The
// Server keeps at most one session per username; logging in elsewhere
// replaces the old entry the way the original's current_users dict does.
type clientSession struct {
	username string
	conn     net.Conn
	writer   *transport.SafeWriter

	// seen is the set of message ids this session has already observed via
	// a peek deliver (limit=0). It is session-local, not process-wide: it
	// dies with the session, per spec.md's resolution of the original's
	// process-wide client_seen_messages dict.
	seen map[string]struct{}
}

func newClientSession(conn net.Conn) *clientSession {
	return &clientSession{conn: conn, writer: transport.NewSafeWriter(conn), seen: make(map[string]struct{})}
}

// putOnline registers username as logged in on this session, replacing
// (and not closing) anything already registered under that name, matching
// current_users semantics.
func (s *Server) putOnline(username string, sess *clientSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.username = username
	s.sessions[username] = sess
}

// takeOffline removes username's session iff it still matches sess; this
// guards against a stale handleConn removing a newer login under the same
// name.
func (s *Server) takeOffline(username string, sess *clientSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.sessions[username]; ok && current == sess {
		delete(s.sessions, username)
	}
}

func (s *Server) onlineSession(username string) (*clientSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[username]
	return sess, ok
}

func (s *Server) allSessions() []*clientSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*clientSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

func (s *Server) clearSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]*clientSession)
}

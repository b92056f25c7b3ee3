package replication

import (
	"encoding/json"
	"net"
	"time"

	"chatcluster/internal/store"
	"chatcluster/internal/transport"
)

// peerLink is one TCP connection to another replica, post-handshake. The
// Peer keeps at most one live link per remote id; a second concurrent
// connection attempt for the same id is dropped (spec §4.3).
type peerLink struct {
	peerID string
	conn   net.Conn
	writer *transport.SafeWriter
}

type helloPayload struct {
	PeerID string    `json:"peer_id"`
	Role   store.Role `json:"role"`
}

// handshake sends our HELLO and reads the remote's HELLO, returning the
// remote's advertised id and role. Works for both the dialing and the
// accepting side: the wire exchange is symmetric once the connection is up.
func (p *Peer) handshake(conn net.Conn) (*peerLink, store.Role, error) {
	writer := transport.NewSafeWriter(conn)
	link := &peerLink{conn: conn, writer: writer}

	if err := sendEnvelope(writer, cmdHello, helloPayload{PeerID: p.id, Role: p.GetRole()}, p.now()); err != nil {
		return nil, "", err
	}

	frame, err := transport.ReadFrame(conn)
	if err != nil {
		return nil, "", err
	}
	env, err := decodeEnvelope(frame)
	if err != nil {
		return nil, "", err
	}
	var hello helloPayload
	if err := json.Unmarshal(env.Data, &hello); err != nil {
		return nil, "", err
	}
	link.peerID = hello.PeerID
	return link, hello.Role, nil
}

// dial connects out to cfg, performs the handshake, and registers the link.
func (p *Peer) dial(cfg PeerConfig) {
	conn, err := net.DialTimeout("tcp", cfg.Addr, 5*time.Second)
	if err != nil {
		p.log.Debug().Str("peer", cfg.ID).Err(err).Msg("dial failed, will retry")
		return
	}
	link, remoteRole, err := p.handshake(conn)
	if err != nil {
		p.log.Debug().Str("peer", cfg.ID).Err(err).Msg("handshake failed")
		conn.Close()
		return
	}
	if !p.registerLink(link) {
		conn.Close()
		return
	}
	p.log.Info().Str("peer", link.peerID).Str("role", string(remoteRole)).Msg("replication link established (outbound)")
	p.noteBackup(link.peerID, remoteRole)
	p.wg.Add(1)
	go p.readLoop(link)
}

// acceptLoop accepts inbound connections on the replication listener.
func (p *Peer) acceptLoop() {
	defer p.wg.Done()
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			if p.running.Load() {
				p.log.Warn().Err(err).Msg("replication listener accept failed")
			}
			return
		}
		go p.acceptOne(conn)
	}
}

func (p *Peer) acceptOne(conn net.Conn) {
	link, remoteRole, err := p.handshake(conn)
	if err != nil {
		p.log.Debug().Err(err).Msg("inbound handshake failed")
		conn.Close()
		return
	}
	if !p.registerLink(link) {
		conn.Close()
		return
	}
	p.log.Info().Str("peer", link.peerID).Str("role", string(remoteRole)).Msg("replication link established (inbound)")
	p.noteBackup(link.peerID, remoteRole)

	if p.GetRole() == store.RolePrimary {
		go p.pushFullSync(link)
	}

	p.wg.Add(1)
	p.readLoop(link)
}

// registerLink installs link unless one for the same peer id already exists.
func (p *Peer) registerLink(link *peerLink) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.links[link.peerID]; exists {
		return false
	}
	p.links[link.peerID] = link
	return true
}

func (p *Peer) removeLink(peerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.links, peerID)
}

func (p *Peer) noteBackup(peerID string, role store.Role) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.knownPeers[peerID] = role
}

// readLoop dispatches every envelope received on link until the connection
// dies, then drops the link and returns.
func (p *Peer) readLoop(link *peerLink) {
	defer p.wg.Done()
	defer func() {
		p.removeLink(link.peerID)
		link.conn.Close()
		p.log.Info().Str("peer", link.peerID).Msg("replication link closed")
	}()

	for {
		frame, err := transport.ReadFrame(link.conn)
		if err != nil {
			return
		}
		env, err := decodeEnvelope(frame)
		if err != nil {
			p.log.Warn().Str("peer", link.peerID).Err(err).Msg("malformed replication envelope, dropping")
			continue
		}
		p.handleEnvelope(link, env)
	}
}

func (p *Peer) handleEnvelope(link *peerLink, env *Envelope) {
	switch env.Cmd {
	case cmdHeartbeat:
		p.onHeartbeat(link.peerID)
	case cmdElection:
		p.onElection(link, env)
	case cmdElectionAck:
		p.onElectionAck(link.peerID)
	case cmdElected:
		p.onElected(env)
	case cmdStateChange:
		p.onStateChange(link, env)
	case cmdDataUpdate:
		p.onDataUpdate(env)
	case cmdSyncRequest:
		go p.pushFullSync(link)
	case cmdSyncData:
		p.onSyncData(env)
	case cmdSyncComplete:
		p.onSyncComplete(link.peerID)
	default:
		p.log.Warn().Str("cmd", env.Cmd).Msg("unknown replication command")
	}
}

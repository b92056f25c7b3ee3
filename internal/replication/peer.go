package replication

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"chatcluster/internal/store"
)

// Timing defaults from spec §4.3: heartbeat period, election timeout,
// missed-heartbeat threshold, election-result wait, and periodic resync
// period.
const (
	DefaultHeartbeatInterval   = time.Second
	DefaultElectionTimeout     = 3 * time.Second
	DefaultMaxMissedHeartbeats = 3
	DefaultElectionWait        = time.Second
	DefaultSyncInterval        = 60 * time.Second

	// transitionGrace is the pause spec §4.3 requires before the
	// transitioning flag clears ("a short grace (≈500 ms)").
	transitionGrace = 500 * time.Millisecond
)

// Config configures a Peer.
type Config struct {
	ID         string
	ListenAddr string
	Peers      []PeerConfig

	Store    *store.Store
	Observer RoleObserver
	Applier  DataApplier
	Log      zerolog.Logger

	HeartbeatInterval   time.Duration
	ElectionTimeout     time.Duration
	MaxMissedHeartbeats int
	ElectionWait        time.Duration
	SyncInterval        time.Duration
}

// Peer is the per-replica Replication Peer (spec §4.3). It maintains a TCP
// link to every other replica, runs the election and heartbeat protocols,
// and keeps the local Store in sync with the cluster.
type Peer struct {
	id    string
	addr  string
	peers []PeerConfig

	store    *store.Store
	observer RoleObserver
	applier  DataApplier
	log      zerolog.Logger

	heartbeatInterval   time.Duration
	electionTimeout     time.Duration
	maxMissedHeartbeats int
	electionWait        time.Duration
	syncInterval        time.Duration

	mu                  sync.Mutex
	links               map[string]*peerLink
	knownPeers          map[string]store.Role
	transitioning       atomic.Bool
	awaitingInitialSync atomic.Bool
	lastHeartbeat       time.Time
	missedHeartbeats    int
	electionInFlight    bool
	electionAcks        map[string]bool
	electionEpoch       int

	outbox   chan outboundMsg
	listener net.Listener
	running  atomic.Bool
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

type outboundMsg struct {
	target string // "" means fan out to every linked peer
	cmd    string
	data   any
}

// New builds a Peer from cfg. Call Start to bring it up.
func New(cfg Config) *Peer {
	p := &Peer{
		id:                  cfg.ID,
		addr:                cfg.ListenAddr,
		peers:               cfg.Peers,
		store:               cfg.Store,
		observer:            cfg.Observer,
		applier:             cfg.Applier,
		log:                 cfg.Log.With().Str("component", "replication").Str("peer_id", cfg.ID).Logger(),
		heartbeatInterval:   orDefault(cfg.HeartbeatInterval, DefaultHeartbeatInterval),
		electionTimeout:     orDefault(cfg.ElectionTimeout, DefaultElectionTimeout),
		maxMissedHeartbeats: cfg.MaxMissedHeartbeats,
		electionWait:        orDefault(cfg.ElectionWait, DefaultElectionWait),
		syncInterval:        orDefault(cfg.SyncInterval, DefaultSyncInterval),
		links:               make(map[string]*peerLink),
		knownPeers:          make(map[string]store.Role),
		electionAcks:        make(map[string]bool),
		outbox:              make(chan outboundMsg, 256),
	}
	if p.maxMissedHeartbeats == 0 {
		p.maxMissedHeartbeats = DefaultMaxMissedHeartbeats
	}
	return p
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

func (p *Peer) now() float64 { return float64(time.Now().UnixNano()) / 1e9 }

// ID returns this replica's identity string.
func (p *Peer) ID() string { return p.id }

// GetRole returns the replica's current persisted role.
func (p *Peer) GetRole() store.Role { return p.store.GetRole() }

// Transitioning reports whether a role change or election is in progress;
// the Chat Core must refuse client commands while this is true (spec §4.1).
func (p *Peer) Transitioning() bool { return p.transitioning.Load() }

// AwaitingInitialSync reports whether a freshly elected PRIMARY is still
// waiting on the SYNC_DATA it pulled from an existing peer (spec §5: "the
// new PRIMARY does not accept client writes until its initial inbound
// SYNC_DATA ... completes"). False on a replica that never needed one.
func (p *Peer) AwaitingInitialSync() bool { return p.awaitingInitialSync.Load() }

// Start opens the replication listener, dials every configured peer, and
// launches the background loops. It returns once the listener is up.
func (p *Peer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", p.addr)
	if err != nil {
		return err
	}
	p.listener = ln
	p.running.Store(true)
	p.lastHeartbeat = time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go p.acceptLoop()

	for _, cfg := range p.peers {
		go p.dialWithRetry(runCtx, cfg)
	}

	p.wg.Add(3)
	go p.senderLoop(runCtx)
	go p.heartbeatLoop(runCtx)
	go p.monitorLoop(runCtx)

	p.log.Info().Str("addr", p.addr).Msg("replication peer listening")
	return nil
}

// Stop tears down the listener, every link, and every background loop.
func (p *Peer) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	if p.cancel != nil {
		p.cancel()
	}
	if p.listener != nil {
		p.listener.Close()
	}
	close(p.outbox)

	p.mu.Lock()
	for _, link := range p.links {
		link.conn.Close()
	}
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *Peer) dialWithRetry(ctx context.Context, cfg PeerConfig) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		if !p.running.Load() {
			return
		}
		p.mu.Lock()
		_, connected := p.links[cfg.ID]
		p.mu.Unlock()
		if !connected {
			p.dial(cfg)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		p.mu.Lock()
		_, connected = p.links[cfg.ID]
		p.mu.Unlock()
		if connected {
			backoff = time.Second
		}
	}
}

// senderLoop is the single serialization point for every fan-out write
// (spec §4.3): it drains outbox and writes to the right link(s) in order.
func (p *Peer) senderLoop(ctx context.Context) {
	defer p.wg.Done()
	for msg := range p.outbox {
		payload := msg
		p.dispatch(payload)
		select {
		case <-ctx.Done():
		default:
		}
	}
}

func (p *Peer) dispatch(msg outboundMsg) {
	ts := p.now()
	p.mu.Lock()
	var targets []*peerLink
	if msg.target == "" {
		for _, l := range p.links {
			targets = append(targets, l)
		}
	} else if l, ok := p.links[msg.target]; ok {
		targets = []*peerLink{l}
	}
	p.mu.Unlock()

	for _, link := range targets {
		if err := sendEnvelope(link.writer, msg.cmd, msg.data, ts); err != nil {
			p.log.Warn().Str("peer", link.peerID).Str("cmd", msg.cmd).Err(err).Msg("send failed")
		}
	}
}

func (p *Peer) enqueue(target, cmd string, data any) {
	if !p.running.Load() {
		return
	}
	select {
	case p.outbox <- outboundMsg{target: target, cmd: cmd, data: data}:
	default:
		p.log.Warn().Str("cmd", cmd).Msg("replication outbox full, dropping message")
	}
}

// broadcast sends cmd/data to every currently linked peer.
func (p *Peer) broadcast(cmd string, data any) { p.enqueue("", cmd, data) }

func (p *Peer) linkedPeerIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.links))
	for id := range p.links {
		ids = append(ids, id)
	}
	return ids
}

package replication

import (
	"encoding/json"
	"time"

	"chatcluster/internal/store"
)

type electionPayload struct {
	Candidate string `json:"peer_id"`
}

type electionAckPayload struct {
	From string `json:"peer_id"`
}

type electedPayload struct {
	Primary string `json:"peer_id"`
}

type stateChangePayload struct {
	Role store.Role `json:"state"`
}

// startElection begins a leader election (spec §4.1/4.3): broadcast
// candidacy, wait electionWait for a higher-identity peer to object, and
// become PRIMARY if none does. Highest identity (lexicographic) wins.
func (p *Peer) startElection() {
	p.mu.Lock()
	if p.GetRole() == store.RolePrimary || p.electionInFlight {
		p.mu.Unlock()
		return
	}
	p.electionInFlight = true
	p.electionEpoch++
	epoch := p.electionEpoch
	p.electionAcks = make(map[string]bool)
	p.mu.Unlock()

	p.log.Info().Msg("starting election")
	p.transitioning.Store(true)
	p.setRole(store.RoleCandidate)
	p.broadcast(cmdElection, electionPayload{Candidate: p.id})

	go p.concludeElection(epoch)
}

func (p *Peer) concludeElection(epoch int) {
	time.Sleep(p.electionWait)

	p.mu.Lock()
	if p.electionEpoch != epoch {
		// a newer election (or a win/loss from one) has already superseded
		// this one.
		p.mu.Unlock()
		return
	}
	outranked := len(p.electionAcks) > 0
	p.electionInFlight = false
	p.mu.Unlock()

	if outranked {
		p.log.Info().Msg("a higher-identity peer is alive, deferring")
		go p.awaitElectedOrRetry(epoch)
		return
	}
	p.becomePrimary()
}

// awaitElectedOrRetry gives the higher-identity peer electionTimeout to
// announce itself as PRIMARY; if it never does (e.g. it also died mid
// election), this replica retries.
func (p *Peer) awaitElectedOrRetry(epoch int) {
	time.Sleep(p.electionTimeout)
	p.mu.Lock()
	stillSameElection := p.electionEpoch == epoch
	stillCandidate := p.GetRole() == store.RoleCandidate
	p.mu.Unlock()
	if stillSameElection && stillCandidate {
		p.log.Warn().Msg("no ELECTED seen after deferring, retrying election")
		p.startElection()
	}
}

// onElection handles an ELECTION announcement from another replica.
func (p *Peer) onElection(link *peerLink, env *Envelope) {
	var msg electionPayload
	if err := decodeData(env, &msg); err != nil {
		p.log.Warn().Err(err).Msg("malformed ELECTION payload")
		return
	}
	if msg.Candidate == p.id {
		return
	}
	if msg.Candidate < p.id {
		p.log.Info().Str("candidate", msg.Candidate).Msg("outrank election candidate, contesting")
		p.enqueue(link.peerID, cmdElectionAck, electionAckPayload{From: p.id})
		p.startElection()
		return
	}
	p.log.Info().Str("candidate", msg.Candidate).Msg("deferring to higher-identity candidate")
}

func (p *Peer) onElectionAck(peerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.electionInFlight {
		p.electionAcks[peerID] = true
	}
}

// onElected handles an ELECTED announcement: the named replica is now
// PRIMARY. Every other replica steps down to BACKUP.
func (p *Peer) onElected(env *Envelope) {
	var msg electedPayload
	if err := decodeData(env, &msg); err != nil {
		p.log.Warn().Err(err).Msg("malformed ELECTED payload")
		return
	}
	if msg.Primary == p.id {
		return
	}
	p.log.Info().Str("primary", msg.Primary).Msg("peer elected primary")
	p.transitioning.Store(true)

	p.mu.Lock()
	p.electionEpoch++
	p.electionInFlight = false
	p.mu.Unlock()

	if p.GetRole() != store.RoleBackup {
		p.setRole(store.RoleBackup)
		p.broadcast(cmdStateChange, stateChangePayload{Role: store.RoleBackup})
	}
	p.requestSyncFrom(msg.Primary)

	time.Sleep(transitionGrace)
	p.transitioning.Store(false)
}

// onStateChange keeps knownPeers current: a peer that steps down to BACKUP
// announces it so the rest of the cluster doesn't go on treating it as a
// stale PRIMARY. It also carries the original's split-brain safety net: if
// two replicas both believe they are PRIMARY, the higher identity wins and
// the other steps down.
func (p *Peer) onStateChange(link *peerLink, env *Envelope) {
	var msg stateChangePayload
	if err := decodeData(env, &msg); err != nil {
		p.log.Warn().Err(err).Msg("malformed STATE_CHANGE payload")
		return
	}
	p.mu.Lock()
	p.knownPeers[link.peerID] = msg.Role
	p.mu.Unlock()

	if msg.Role == store.RolePrimary && p.GetRole() == store.RolePrimary {
		p.log.Warn().Msg("split-brain detected, resolving by identity")
		if link.peerID > p.id {
			p.setRole(store.RoleBackup)
			p.broadcast(cmdStateChange, stateChangePayload{Role: store.RoleBackup})
		}
	}
}

func (p *Peer) becomePrimary() {
	p.log.Info().Msg("becoming primary")
	p.transitioning.Store(true)
	p.setRole(store.RolePrimary)
	p.broadcast(cmdElected, electedPayload{Primary: p.id})

	p.mu.Lock()
	peers := make([]string, 0, len(p.links))
	for id := range p.links {
		peers = append(peers, id)
	}
	p.mu.Unlock()
	if len(peers) > 0 {
		p.awaitingInitialSync.Store(true)
		p.requestSyncFrom(peers[0])
		go p.resyncAllBackups()
		go p.clearInitialSyncAfter(p.electionTimeout)
	}

	time.Sleep(transitionGrace)
	p.transitioning.Store(false)
	p.log.Info().Msg("primary transition complete")
}

// clearInitialSyncAfter drops awaitingInitialSync if the peer asked for the
// initial post-election sync never answers with SYNC_COMPLETE, so a dead
// sync source can't leave this replica permanently unservable.
func (p *Peer) clearInitialSyncAfter(timeout time.Duration) {
	time.Sleep(timeout)
	if p.awaitingInitialSync.CompareAndSwap(true, false) {
		p.log.Warn().Msg("initial sync never completed, opening for writes anyway")
	}
}

// setRole persists a role transition and notifies the Chat Core.
func (p *Peer) setRole(r store.Role) {
	old := p.GetRole()
	if old == r {
		return
	}
	if err := p.store.SetRole(r); err != nil {
		p.log.Error().Err(err).Msg("failed to persist role change")
		return
	}
	if p.observer != nil {
		p.observer.OnRoleChange(old, r)
	}
}

func decodeData(env *Envelope, v any) error {
	if len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, v)
}

package replication

import (
	"context"
	"time"

	"chatcluster/internal/store"
)

type heartbeatPayload struct {
	Timestamp float64 `json:"timestamp"`
}

// heartbeatLoop sends HEARTBEAT to every backup while this replica is
// PRIMARY (spec §4.3).
func (p *Peer) heartbeatLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.GetRole() == store.RolePrimary {
				p.broadcast(cmdHeartbeat, heartbeatPayload{Timestamp: p.now()})
			}
		}
	}
}

// onHeartbeat records that the PRIMARY is alive, resetting the missed count.
func (p *Peer) onHeartbeat(peerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastHeartbeat = time.Now()
	if p.missedHeartbeats > 0 {
		p.log.Info().Str("peer", peerID).Msg("heartbeat received, resetting missed counter")
	}
	p.missedHeartbeats = 0
}

// monitorLoop watches for a missing PRIMARY (when BACKUP) and drives
// periodic full resync (when PRIMARY), spec §4.3's two monitor duties
// folded into one loop, as the original does.
func (p *Peer) monitorLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.heartbeatInterval / 2)
	defer ticker.Stop()
	lastSync := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			switch p.GetRole() {
			case store.RoleBackup:
				p.checkPrimaryLiveness()
			case store.RolePrimary:
				if time.Since(lastSync) > p.syncInterval && len(p.linkedPeerIDs()) > 0 {
					p.resyncAllBackups()
					lastSync = time.Now()
				}
			}
		}
	}
}

func (p *Peer) checkPrimaryLiveness() {
	p.mu.Lock()
	since := time.Since(p.lastHeartbeat)
	p.mu.Unlock()

	if since <= p.electionTimeout {
		return
	}
	p.mu.Lock()
	p.missedHeartbeats++
	missed := p.missedHeartbeats
	p.mu.Unlock()

	p.log.Info().Int("missed", missed).Msg("missed heartbeat from primary")
	if missed >= p.maxMissedHeartbeats {
		p.log.Warn().Msg("primary presumed down, starting election")
		p.startElection()
	}
}


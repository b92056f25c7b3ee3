package replication

import "chatcluster/internal/store"

// RoleObserver is how the Peer tells the Chat Core about a role transition
// (spec §4.3: "exposes to the Chat Core two callbacks: role-changed and
// apply-remote-update"). OnRoleChange fires after the new role is already
// persisted to the Store.
type RoleObserver interface {
	OnRoleChange(old, new store.Role)
}

// DataApplier is the Chat Core's hook for reacting to an inbound DATA_UPDATE
// (or an applied SYNC_DATA record). For DATA_UPDATE the Peer only decodes
// the envelope and forwards it here; it never writes to the Store itself, so
// the Chat Core's OnDataUpdate implementation owns applying the mutation to
// the Store, plus any side effect the Store write can't see by itself,
// chiefly inline delivery to an online session. For SYNC_DATA the Peer
// writes each new record to the Store first and then forwards it here.
type DataApplier interface {
	OnDataUpdate(opType string, raw []byte)
}

// PeerConfig describes one other replica in the cluster.
type PeerConfig struct {
	ID   string
	Addr string // host:port of that replica's replication listener
}

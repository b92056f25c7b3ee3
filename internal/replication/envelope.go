// Package replication implements the Replication Peer (spec §4.3): per-peer
// TCP links, the HELLO handshake, heartbeat-based failure detection,
// highest-identity-wins election, write-through DATA_UPDATE broadcast, and
// bulk state transfer (SYNC_*). Every replica runs exactly one Peer.
package replication

import (
	"encoding/json"
	"fmt"

	"chatcluster/internal/transport"
)

// Envelope is the wire shape for every replication message (spec §4.3):
// {cmd, data, timestamp}. data is kind-specific and decoded by the caller.
type Envelope struct {
	Cmd       string          `json:"cmd"`
	Data      json.RawMessage `json:"data"`
	Timestamp float64         `json:"timestamp"`
}

// Replication message kinds (spec §4.3).
const (
	cmdHello        = "HELLO"
	cmdHeartbeat    = "HEARTBEAT"
	cmdElection     = "ELECTION"
	cmdElectionAck  = "ELECTION_ACK"
	cmdElected      = "ELECTED"
	cmdStateChange  = "STATE_CHANGE"
	cmdDataUpdate   = "DATA_UPDATE"
	cmdSyncRequest  = "SYNC_REQUEST"
	cmdSyncData     = "SYNC_DATA"
	cmdSyncComplete = "SYNC_COMPLETE"
)

// DATA_UPDATE operation types (spec §4.3's write path).
const (
	OpAddUser        = "ADD_USER"
	OpDeleteUser     = "DELETE_USER"
	OpAddMessage     = "ADD_MESSAGE"
	OpDeleteMessages = "DELETE_MESSAGES"
)

// SYNC_DATA payload kinds (spec §4.3's state transfer).
const (
	syncKindUsers    = "USERS"
	syncKindMessages = "MESSAGES"
)

func encodeEnvelope(cmd string, data any, now float64) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("replication: encode %s payload: %w", cmd, err)
	}
	return json.Marshal(Envelope{Cmd: cmd, Data: raw, Timestamp: now})
}

func decodeEnvelope(payload []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, fmt.Errorf("replication: decode envelope: %w", err)
	}
	return &e, nil
}

// sendEnvelope writes one framed envelope to w.
func sendEnvelope(w *transport.SafeWriter, cmd string, data any, now float64) error {
	payload, err := encodeEnvelope(cmd, data, now)
	if err != nil {
		return err
	}
	return w.WriteFrame(payload)
}

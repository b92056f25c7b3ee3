package replication

import (
	"encoding/json"
	"time"

	"chatcluster/internal/store"
)

type dataUpdateEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type AddUserData struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type DeleteUserData struct {
	Username string `json:"username"`
}

type AddMessageData struct {
	To    string `json:"to"`
	From  string `json:"from"`
	Body  []byte `json:"content"`
	MsgID string `json:"msg_id"`
}

type DeleteMessagesData struct {
	Username string   `json:"username"`
	MsgIDs   []string `json:"msg_ids"`
}

// BroadcastDataUpdate sends a write-through replication update to every
// backup. It is a no-op when this replica is not PRIMARY (spec §4.3's write
// path: only the PRIMARY originates DATA_UPDATE).
func (p *Peer) BroadcastDataUpdate(opType string, data any) {
	if p.GetRole() != store.RolePrimary {
		return
	}
	p.broadcast(cmdDataUpdate, dataUpdateEnvelope{Type: opType, Data: marshalRaw(data)})
}

// WaitForAcks waits out the replication acknowledgement window before the
// Chat Core reports a write as durable. This mirrors the original's
// best-effort acknowledgement: it does not collect real per-backup ACKs for
// DATA_UPDATE, just a timed pause plus a majority-of-cluster-size sanity
// check, because the protocol never wires DATA_UPDATE acks back to the
// writer. Preserved as-is rather than upgraded to true quorum (see
// DESIGN.md's Open Question decision).
func (p *Peer) WaitForAcks(timeout time.Duration) bool {
	time.Sleep(timeout)
	total := len(p.linkedPeerIDs()) + 1
	majority := total/2 + 1
	return 1 >= majority || total <= 1
}

// onDataUpdate decodes an inbound DATA_UPDATE and hands it entirely to the
// Chat Core's DataApplier. Unlike SYNC_DATA, the Peer does not touch the
// Store for this path: the original's replication component forwards
// DATA_UPDATE straight to the chat server callback, which is the one
// holding the online-session table and therefore the one that decides
// whether to deliver inline or persist to the queue.
func (p *Peer) onDataUpdate(env *Envelope) {
	var msg dataUpdateEnvelope
	if err := decodeData(env, &msg); err != nil {
		p.log.Warn().Err(err).Msg("malformed DATA_UPDATE envelope")
		return
	}
	switch msg.Type {
	case OpAddUser, OpDeleteUser, OpAddMessage, OpDeleteMessages:
	default:
		p.log.Warn().Str("type", msg.Type).Msg("unknown DATA_UPDATE type")
		return
	}
	if p.applier != nil {
		p.applier.OnDataUpdate(msg.Type, msg.Data)
	}
}

func marshalRaw(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return raw
}

func marshalBack(v any) ([]byte, error) { return json.Marshal(v) }

func unmarshal(raw []byte, v any) error { return json.Unmarshal(raw, v) }

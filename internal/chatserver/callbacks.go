package chatserver

import (
	"encoding/json"

	"chatcluster/internal/protocol"
	"chatcluster/internal/replication"
	"chatcluster/internal/store"
)

// OnRoleChange implements replication.RoleObserver. Stepping down to BACKUP
// tears down every client session with a server_status notice, mirroring
// the original's _handle_state_change.
func (s *Server) OnRoleChange(old, new store.Role) {
	s.log.Info().Str("from", string(old)).Str("to", string(new)).Msg("role changed")
	if new != store.RoleBackup {
		return
	}
	for _, sess := range s.allSessions() {
		notice := protocol.Err(protocol.CmdServerState, "Server is now in backup mode, please reconnect")
		_ = sess.writer.WriteFrame(mustEncode(s.codec, notice))
		sess.conn.Close()
	}
	s.clearSessions()
}

// OnDataUpdate implements replication.DataApplier: applies a DATA_UPDATE
// the Peer forwarded (after the originating PRIMARY already broadcast it)
// to this replica's Store, attempting inline delivery for ADD_MESSAGE the
// same way a locally-originated send does.
func (s *Server) OnDataUpdate(opType string, raw []byte) {
	switch opType {
	case replication.OpAddUser:
		var d replication.AddUserData
		if err := json.Unmarshal(raw, &d); err != nil {
			s.log.Warn().Err(err).Msg("malformed ADD_USER data update")
			return
		}
		if err := s.store.AddUser(d.Username, d.Password); err != nil && err != store.ErrUserExists {
			s.log.Warn().Str("username", d.Username).Err(err).Msg("apply ADD_USER failed")
		}
	case replication.OpDeleteUser:
		var d replication.DeleteUserData
		if err := json.Unmarshal(raw, &d); err != nil {
			s.log.Warn().Err(err).Msg("malformed DELETE_USER data update")
			return
		}
		if err := s.store.DeleteUser(d.Username); err != nil && err != store.ErrUserNotFound {
			s.log.Warn().Str("username", d.Username).Err(err).Msg("apply DELETE_USER failed")
		}
		if sess, ok := s.onlineSession(d.Username); ok {
			s.takeOffline(d.Username, sess)
		}
	case replication.OpAddMessage:
		var d replication.AddMessageData
		if err := json.Unmarshal(raw, &d); err != nil {
			s.log.Warn().Err(err).Msg("malformed ADD_MESSAGE data update")
			return
		}
		if s.store.HasMessage(d.To, d.MsgID) {
			return
		}
		if err := s.store.AddMessageWithID(d.To, d.From, d.Body, d.MsgID); err != nil {
			s.log.Warn().Str("to", d.To).Err(err).Msg("apply ADD_MESSAGE failed")
			return
		}
		if s.isServable() {
			s.deliverInline(d.To, d.From, d.Body, d.MsgID)
		}
	case replication.OpDeleteMessages:
		var d replication.DeleteMessagesData
		if err := json.Unmarshal(raw, &d); err != nil {
			s.log.Warn().Err(err).Msg("malformed DELETE_MESSAGES data update")
			return
		}
		if err := s.store.DeleteMessages(d.Username, d.MsgIDs); err != nil {
			s.log.Warn().Str("username", d.Username).Err(err).Msg("apply DELETE_MESSAGES failed")
		}
	default:
		s.log.Warn().Str("type", opType).Msg("unknown data update type")
	}
}

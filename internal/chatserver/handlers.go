package chatserver

import (
	"sort"
	"strconv"
	"strings"

	"chatcluster/internal/protocol"
	"chatcluster/internal/replication"
	"chatcluster/internal/store"
)

func (s *Server) handleCreate(sess *clientSession, username string, msg *protocol.Message) *protocol.Message {
	if s.store.UserExists(username) {
		return protocol.Err(protocol.CmdCreate, "Username already exists")
	}
	if err := s.store.AddUser(username, string(msg.Body)); err != nil {
		return protocol.Err(protocol.CmdCreate, "Username already exists")
	}
	s.putOnline(username, sess)

	s.peer.BroadcastDataUpdate(replication.OpAddUser, replication.AddUserData{Username: username, Password: string(msg.Body)})
	s.peer.WaitForAcks(s.ackTimeout)

	resp := protocol.OK(protocol.CmdCreate, "Account created")
	resp.To = username
	return resp
}

func (s *Server) handleLogin(sess *clientSession, username string, msg *protocol.Message) *protocol.Message {
	password, exists := s.store.Password(username)
	if !exists || password != string(msg.Body) {
		return protocol.Err(protocol.CmdLogin, "Username/Password error")
	}
	s.putOnline(username, sess)

	unread := len(s.store.GetMessages(username))
	resp := protocol.OK(protocol.CmdLogin, unreadBody(unread))
	resp.To = username
	return resp
}

func unreadBody(count int) string {
	if count == 1 {
		return "Login successful. You have 1 unread message."
	}
	return "Login successful. You have " + strconv.Itoa(count) + " unread messages."
}

func (s *Server) handleLogoff(sess *clientSession, username string) *protocol.Message {
	if _, ok := s.onlineSession(username); ok {
		s.takeOffline(username, sess)
	}
	return protocol.OK(protocol.CmdLogoff, "Logged out successfully")
}

func (s *Server) handleList(msg *protocol.Message) *protocol.Message {
	pattern := string(msg.Body)
	if pattern == "" {
		pattern = "all"
	}
	users := s.store.GetUsers()
	matches := make([]string, 0, len(users))
	for user := range users {
		if pattern == "all" || strings.Contains(user, pattern) {
			matches = append(matches, user)
		}
	}
	sort.Strings(matches)
	return protocol.OK(protocol.CmdList, strings.Join(matches, ","))
}

func (s *Server) handleSend(username string, msg *protocol.Message) *protocol.Message {
	recipient := msg.To
	content := msg.Body
	if len(content) == 0 || recipient == "" {
		return protocol.Err(protocol.CmdSend, "Message content and recipient are required")
	}
	if !s.store.UserExists(recipient) {
		return protocol.Err(protocol.CmdSend, "Recipient not found")
	}

	msgID, err := s.store.AddMessage(recipient, username, content)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to persist outgoing message")
		return protocol.Err(protocol.CmdSend, "Failed to send message")
	}

	s.peer.BroadcastDataUpdate(replication.OpAddMessage, replication.AddMessageData{
		To: recipient, From: username, Body: content, MsgID: msgID,
	})
	s.peer.WaitForAcks(s.ackTimeout)

	s.deliverInline(recipient, username, content, msgID)
	return protocol.OK(protocol.CmdSend, "Message sent successfully")
}

// deliverInline pushes a deliver frame straight to recipient's socket if
// they're online; the message stays queued in the Store either way (spec
// §4.1's inline-delivery-with-fallback semantics), so an I/O failure here
// just means recipient finds it on their next deliver/login.
func (s *Server) deliverInline(recipient, sender string, content []byte, msgID string) {
	sess, online := s.onlineSession(recipient)
	if !online {
		return
	}
	notice := &protocol.Message{Cmd: protocol.CmdDeliver, Src: sender, Body: content, MsgIDs: []string{msgID}}
	if err := sess.writer.WriteFrame(mustEncode(s.codec, notice)); err != nil {
		s.log.Warn().Str("recipient", recipient).Err(err).Msg("inline delivery failed, message remains queued")
	}
}

func (s *Server) handleDeliver(sess *clientSession, username string, msg *protocol.Message) *protocol.Message {
	if !s.store.UserExists(username) {
		return protocol.Err(protocol.CmdDeliver, "User not found")
	}

	queue := s.store.GetMessages(username)

	unseen := make([]store.QueuedMessage, 0, len(queue))
	for _, m := range queue {
		if _, already := sess.seen[m.ID]; already {
			continue
		}
		unseen = append(unseen, m)
		if msg.Limit == 0 {
			sess.seen[m.ID] = struct{}{}
		}
	}

	limit := int(msg.Limit)
	if limit <= 0 || limit > len(unseen) {
		limit = len(unseen)
	}
	toSend := unseen[:limit]

	for _, m := range toSend {
		notice := &protocol.Message{Cmd: protocol.CmdDeliver, Src: m.Sender, Body: m.Body, MsgIDs: []string{m.ID}}
		if err := sess.writer.WriteFrame(mustEncode(s.codec, notice)); err != nil {
			s.log.Warn().Str("username", username).Err(err).Msg("deliver push failed")
			break
		}
	}

	if msg.Limit == 0 || len(toSend) == 0 {
		return protocol.OK(protocol.CmdDeliver, "Delivered "+strconv.Itoa(len(toSend))+" messages")
	}

	if !s.isServable() {
		return protocol.OK(protocol.CmdDeliver, "Delivered "+strconv.Itoa(len(toSend))+" messages, but server state changed - messages preserved")
	}

	ids := make([]string, len(toSend))
	for i, m := range toSend {
		ids[i] = m.ID
		sess.seen[m.ID] = struct{}{}
	}
	s.peer.BroadcastDataUpdate(replication.OpDeleteMessages, replication.DeleteMessagesData{Username: username, MsgIDs: ids})
	s.peer.WaitForAcks(s.ackTimeout)
	if err := s.store.DeleteMessages(username, ids); err != nil {
		s.log.Error().Err(err).Msg("failed to delete delivered messages")
	}

	return protocol.OK(protocol.CmdDeliver, "Delivered "+strconv.Itoa(len(toSend))+" messages")
}

func (s *Server) handleDeleteMessages(username string, msg *protocol.Message) *protocol.Message {
	if len(msg.MsgIDs) == 0 {
		return protocol.Err(protocol.CmdDeleteMsgs, "No message IDs provided")
	}

	s.peer.BroadcastDataUpdate(replication.OpDeleteMessages, replication.DeleteMessagesData{Username: username, MsgIDs: msg.MsgIDs})
	s.peer.WaitForAcks(s.ackTimeout)

	if !s.isServable() {
		return protocol.Err(protocol.CmdDeleteMsgs, "Server state changed during processing, messages preserved")
	}
	if err := s.store.DeleteMessages(username, msg.MsgIDs); err != nil {
		s.log.Error().Err(err).Msg("failed to delete messages")
		return protocol.Err(protocol.CmdDeleteMsgs, "Failed to delete messages")
	}
	return protocol.OK(protocol.CmdDeleteMsgs, "Messages deleted successfully")
}

func (s *Server) handleDelete(username string, msg *protocol.Message) *protocol.Message {
	if !s.store.UserExists(username) {
		return protocol.Err(protocol.CmdDelete, "User does not exist")
	}
	if err := s.store.DeleteUser(username); err != nil {
		s.log.Error().Err(err).Msg("failed to delete user")
		return protocol.Err(protocol.CmdDelete, "Failed to delete account")
	}

	if sess, ok := s.onlineSession(username); ok {
		s.takeOffline(username, sess)
	}

	s.peer.BroadcastDataUpdate(replication.OpDeleteUser, replication.DeleteUserData{Username: username})
	s.peer.WaitForAcks(s.ackTimeout)

	return protocol.OK(protocol.CmdDelete, "Account deleted")
}

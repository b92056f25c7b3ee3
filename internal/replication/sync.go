package replication

type syncRequestPayload struct {
	Timestamp float64 `json:"timestamp"`
}

type syncDataEnvelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type syncMessageEntry struct {
	ID     string `json:"id"`
	Sender string `json:"from"`
	Body   []byte `json:"content"`
}

type syncCompletePayload struct {
	Timestamp float64 `json:"timestamp"`
}

// requestSyncFrom asks a specific peer to push us its full state (spec
// §4.3), used right after a role transition so a new or returning replica
// catches up quickly instead of waiting for the next periodic resync.
func (p *Peer) requestSyncFrom(peerID string) {
	p.mu.Lock()
	_, known := p.links[peerID]
	p.mu.Unlock()
	if !known {
		return
	}
	p.log.Info().Str("peer", peerID).Msg("requesting data sync")
	p.enqueue(peerID, cmdSyncRequest, syncRequestPayload{Timestamp: p.now()})
}

// pushFullSync sends the complete user table and every message queue to
// link, followed by SYNC_COMPLETE. Called when a new backup connects to a
// PRIMARY and on SYNC_REQUEST (spec §4.3).
func (p *Peer) pushFullSync(link *peerLink) {
	users := p.store.GetUsers()
	if err := sendEnvelope(link.writer, cmdSyncData, syncDataEnvelope{Type: syncKindUsers, Data: users}, p.now()); err != nil {
		p.log.Warn().Str("peer", link.peerID).Err(err).Msg("sync: send users failed")
		return
	}

	messages := make(map[string][]syncMessageEntry, len(users))
	for username := range users {
		queue := p.store.GetMessages(username)
		entries := make([]syncMessageEntry, len(queue))
		for i, m := range queue {
			entries[i] = syncMessageEntry{ID: m.ID, Sender: m.Sender, Body: m.Body}
		}
		messages[username] = entries
	}
	if err := sendEnvelope(link.writer, cmdSyncData, syncDataEnvelope{Type: syncKindMessages, Data: messages}, p.now()); err != nil {
		p.log.Warn().Str("peer", link.peerID).Err(err).Msg("sync: send messages failed")
		return
	}

	if err := sendEnvelope(link.writer, cmdSyncComplete, syncCompletePayload{Timestamp: p.now()}, p.now()); err != nil {
		p.log.Warn().Str("peer", link.peerID).Err(err).Msg("sync: send complete failed")
	}
}

// resyncAllBackups pushes full sync to every linked peer; run periodically
// by a PRIMARY and once right after an election win.
func (p *Peer) resyncAllBackups() {
	p.mu.Lock()
	links := make([]*peerLink, 0, len(p.links))
	for _, l := range p.links {
		links = append(links, l)
	}
	p.mu.Unlock()
	for _, l := range links {
		p.pushFullSync(l)
	}
}

// onSyncData applies an inbound SYNC_DATA payload idempotently: only
// records the Store doesn't already have are added, and the Chat Core is
// notified of each newly applied item exactly as it would be for a live
// DATA_UPDATE (spec §4.3).
func (p *Peer) onSyncData(env *Envelope) {
	var msg syncDataEnvelope
	if err := decodeData(env, &msg); err != nil {
		p.log.Warn().Err(err).Msg("malformed SYNC_DATA envelope")
		return
	}

	raw, err := marshalBack(msg.Data)
	if err != nil {
		p.log.Warn().Err(err).Msg("malformed SYNC_DATA payload")
		return
	}

	switch msg.Type {
	case syncKindUsers:
		p.applySyncUsers(raw)
	case syncKindMessages:
		p.applySyncMessages(raw)
	default:
		p.log.Warn().Str("type", msg.Type).Msg("unknown SYNC_DATA type")
	}
}

// onSyncComplete marks the initial post-election sync requested from
// becomePrimary as done, satisfying spec §5's "new PRIMARY does not accept
// client writes until its initial inbound SYNC_DATA completes" gate.
func (p *Peer) onSyncComplete(peerID string) {
	if p.awaitingInitialSync.CompareAndSwap(true, false) {
		p.log.Info().Str("peer", peerID).Msg("initial sync complete, now servable")
	}
}

func (p *Peer) applySyncUsers(raw []byte) {
	var users map[string]string
	if err := unmarshal(raw, &users); err != nil {
		p.log.Warn().Err(err).Msg("malformed SYNC_DATA users payload")
		return
	}
	for username, password := range users {
		if p.store.UserExists(username) {
			continue
		}
		if err := p.store.AddUser(username, password); err != nil {
			p.log.Warn().Str("username", username).Err(err).Msg("sync: add user failed")
			continue
		}
		if p.applier != nil {
			data, _ := marshalBack(AddUserData{Username: username, Password: password})
			p.applier.OnDataUpdate(OpAddUser, data)
		}
	}
}

func (p *Peer) applySyncMessages(raw []byte) {
	var messages map[string][]syncMessageEntry
	if err := unmarshal(raw, &messages); err != nil {
		p.log.Warn().Err(err).Msg("malformed SYNC_DATA messages payload")
		return
	}
	for username, queue := range messages {
		for _, m := range queue {
			if p.store.HasMessage(username, m.ID) {
				continue
			}
			if err := p.store.AddMessageWithID(username, m.Sender, m.Body, m.ID); err != nil {
				p.log.Warn().Str("username", username).Err(err).Msg("sync: add message failed")
				continue
			}
			if p.applier != nil {
				data, _ := marshalBack(AddMessageData{To: username, From: m.Sender, Body: m.Body, MsgID: m.ID})
				p.applier.OnDataUpdate(OpAddMessage, data)
			}
		}
	}
}

// Package store implements the Persistent Store (spec §4.2): the durable
// key/value surface holding the user table, per-recipient message queues,
// and the replica's own role. All operations are atomic with respect to each
// other under a single mutex, the same serialize-everything approach the
// teacher's store.Store uses (there, a sync.RWMutex guarding an in-memory
// index backed by JSON files).
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// QueuedMessage is a message waiting in a recipient's queue (spec §3).
type QueuedMessage struct {
	ID     string `json:"id"`
	Sender string `json:"sender"`
	Body   []byte `json:"body"`
}

// Store is a single replica's durable state. Every exported method is
// atomic: callers never need to coordinate among themselves.
type Store struct {
	mu      sync.Mutex
	dataDir string
	log     zerolog.Logger

	users    map[string]string          // username -> password, in-memory mirror of users.json
	messages map[string][]QueuedMessage // username -> ordered queue, mirrors messages/<user>.json
	role     Role
}

// RoleFileExists reports whether dataDir already holds a persisted role
// from a previous run. Callers use this before New to decide whether the
// `primary` config option should seed the initial role (spec §6: it only
// applies "on first start").
func RoleFileExists(dataDir string) bool {
	_, err := os.Stat(filepath.Join(dataDir, "role.json"))
	return err == nil
}

// New opens (or initializes) a Store backed by files under dataDir.
func New(dataDir string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, "messages"), 0o755); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}
	s := &Store{
		dataDir:  dataDir,
		log:      log.With().Str("component", "store").Logger(),
		users:    make(map[string]string),
		messages: make(map[string][]QueuedMessage),
		role:     RoleBackup,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) usersPath() string { return filepath.Join(s.dataDir, "users.json") }
func (s *Store) rolePath() string  { return filepath.Join(s.dataDir, "role.json") }

func (s *Store) load() error {
	if err := readJSON(s.usersPath(), &s.users); err != nil {
		return fmt.Errorf("store: load users: %w", err)
	}
	var role Role
	if err := readJSON(s.rolePath(), &role); err != nil {
		return fmt.Errorf("store: load role: %w", err)
	}
	if role != "" {
		s.role = role
	}
	for username := range s.users {
		var msgs []QueuedMessage
		if err := readJSON(messageFile(s.dataDir, username), &msgs); err != nil {
			return fmt.Errorf("store: load messages for %q: %w", username, err)
		}
		s.messages[username] = msgs
	}
	return nil
}

// AddUser creates a new account. Returns ErrUserExists if the username is
// already taken.
func (s *Store) AddUser(username, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[username]; exists {
		return ErrUserExists
	}
	s.users[username] = password
	if err := writeJSONAtomic(s.usersPath(), s.users); err != nil {
		delete(s.users, username)
		return fmt.Errorf("store: persist new user: %w", err)
	}
	s.log.Debug().Str("username", username).Msg("user added")
	return nil
}

// DeleteUser removes username's account, destroys their queue, and removes
// any message in any other user's queue whose sender is username (spec §3's
// cascading-deletion invariant).
func (s *Store) DeleteUser(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[username]; !exists {
		return ErrUserNotFound
	}
	delete(s.users, username)
	if err := writeJSONAtomic(s.usersPath(), s.users); err != nil {
		return fmt.Errorf("store: persist user deletion: %w", err)
	}

	delete(s.messages, username)
	_ = os.Remove(messageFile(s.dataDir, username))

	for other, queue := range s.messages {
		if other == username {
			continue
		}
		filtered := filterOutSender(queue, username)
		if len(filtered) == len(queue) {
			continue
		}
		s.messages[other] = filtered
		if err := writeJSONAtomic(messageFile(s.dataDir, other), filtered); err != nil {
			return fmt.Errorf("store: persist cascade delete for %q: %w", other, err)
		}
	}
	s.log.Debug().Str("username", username).Msg("user deleted, cascade applied")
	return nil
}

func filterOutSender(queue []QueuedMessage, sender string) []QueuedMessage {
	out := make([]QueuedMessage, 0, len(queue))
	for _, m := range queue {
		if m.Sender != sender {
			out = append(out, m)
		}
	}
	return out
}

// UserExists reports whether username has an account.
func (s *Store) UserExists(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[username]
	return ok
}

// Password returns username's stored password and whether the account
// exists.
func (s *Store) Password(username string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pw, ok := s.users[username]
	return pw, ok
}

// GetUsers returns a snapshot copy of the username -> password table.
func (s *Store) GetUsers() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.users))
	for k, v := range s.users {
		out[k] = v
	}
	return out
}

// GetMessages returns a snapshot copy of username's ordered message queue.
func (s *Store) GetMessages(username string) []QueuedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.messages[username]
	out := make([]QueuedMessage, len(queue))
	copy(out, queue)
	return out
}

// AddMessage appends a message to to's queue, assigning it a fresh
// cluster-wide-unique id, and returns that id.
func (s *Store) AddMessage(to, from string, body []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addMessageLocked(to, from, body, uuid.NewString())
}

// AddMessageWithID is like AddMessage but assigns the given id instead of
// minting a fresh one; used by the replication peer to apply a DATA_UPDATE
// authored (and id-assigned) by the PRIMARY, and by idempotent SYNC_DATA
// application.
func (s *Store) AddMessageWithID(to, from string, body []byte, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.addMessageLocked(to, from, body, id)
	return err
}

func (s *Store) addMessageLocked(to, from string, body []byte, id string) (string, error) {
	queue := append(s.messages[to], QueuedMessage{ID: id, Sender: from, Body: body})
	if err := writeJSONAtomic(messageFile(s.dataDir, to), queue); err != nil {
		return "", fmt.Errorf("store: persist message: %w", err)
	}
	s.messages[to] = queue
	return id, nil
}

// HasMessage reports whether a message with the given id is already queued
// for username, used by idempotent SYNC_DATA application.
func (s *Store) HasMessage(username, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages[username] {
		if m.ID == id {
			return true
		}
	}
	return false
}

// DeleteMessages removes any of ids from username's queue. Misses are
// silent.
func (s *Store) DeleteMessages(username string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	toDelete := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		toDelete[id] = struct{}{}
	}
	queue := s.messages[username]
	filtered := make([]QueuedMessage, 0, len(queue))
	for _, m := range queue {
		if _, dead := toDelete[m.ID]; !dead {
			filtered = append(filtered, m)
		}
	}
	if len(filtered) == len(queue) {
		return nil
	}
	if err := writeJSONAtomic(messageFile(s.dataDir, username), filtered); err != nil {
		return fmt.Errorf("store: persist message deletion: %w", err)
	}
	s.messages[username] = filtered
	return nil
}

// GetRole returns the replica's persisted role.
func (s *Store) GetRole() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// SetRole persists a new role.
func (s *Store) SetRole(r Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeJSONAtomic(s.rolePath(), r); err != nil {
		return fmt.Errorf("store: persist role: %w", err)
	}
	s.role = r
	return nil
}

package chatserver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcluster/internal/protocol"
	"chatcluster/internal/replication"
	"chatcluster/internal/store"
	"chatcluster/internal/transport"
)

// testClient drives one side of a net.Pipe using the JSON codec, the way a
// real client session would.
type testClient struct {
	t     *testing.T
	conn  net.Conn
	codec protocol.Codec
}

func (c *testClient) send(msg *protocol.Message) {
	c.t.Helper()
	data, err := c.codec.Encode(msg)
	require.NoError(c.t, err)
	require.NoError(c.t, transport.WriteFrame(c.conn, data))
}

func (c *testClient) recv() *protocol.Message {
	c.t.Helper()
	frame, err := transport.ReadFrame(c.conn)
	require.NoError(c.t, err)
	msg, err := c.codec.Decode(frame)
	require.NoError(c.t, err)
	return msg
}

func newTestServer(t *testing.T, role store.Role) *Server {
	t.Helper()
	st, err := store.New(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, st.SetRole(role))

	peer := replication.New(replication.Config{
		ID:         "solo",
		ListenAddr: "127.0.0.1:0",
		Store:      st,
		Log:        zerolog.Nop(),
	})

	srv := New(Config{
		Store:      st,
		Codec:      protocol.JSONCodec{},
		Log:        zerolog.Nop(),
		AckTimeout: time.Millisecond,
	})
	srv.BindPeer(peer)
	return srv
}

func connectClient(t *testing.T, srv *Server) *testClient {
	t.Helper()
	server, client := net.Pipe()
	go srv.handleConn(context.Background(), server)
	t.Cleanup(func() { client.Close() })
	return &testClient{t: t, conn: client, codec: protocol.JSONCodec{}}
}

func TestCreateThenLogin(t *testing.T) {
	srv := newTestServer(t, store.RolePrimary)
	c := connectClient(t, srv)

	c.send(&protocol.Message{Cmd: protocol.CmdCreate, Src: "alice", Body: []byte("hunter2")})
	resp := c.recv()
	assert.False(t, resp.Error)
	assert.Equal(t, protocol.CmdCreate, resp.Cmd)

	c.send(&protocol.Message{Cmd: protocol.CmdLogin, Src: "alice", Body: []byte("hunter2")})
	resp = c.recv()
	assert.False(t, resp.Error)
	assert.Contains(t, string(resp.Body), "Login successful")
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	srv := newTestServer(t, store.RolePrimary)
	c := connectClient(t, srv)
	c.send(&protocol.Message{Cmd: protocol.CmdCreate, Src: "alice", Body: []byte("hunter2")})
	c.recv()

	c.send(&protocol.Message{Cmd: protocol.CmdLogin, Src: "alice", Body: []byte("wrong")})
	resp := c.recv()
	assert.True(t, resp.Error)
}

func TestSendDeliversInlineToOnlineRecipient(t *testing.T) {
	srv := newTestServer(t, store.RolePrimary)

	alice := connectClient(t, srv)
	alice.send(&protocol.Message{Cmd: protocol.CmdCreate, Src: "alice", Body: []byte("pw")})
	alice.recv()

	bob := connectClient(t, srv)
	bob.send(&protocol.Message{Cmd: protocol.CmdCreate, Src: "bob", Body: []byte("pw")})
	bob.recv()

	bob.send(&protocol.Message{Cmd: protocol.CmdSend, Src: "bob", To: "alice", Body: []byte("hi alice")})

	// handleSend pushes the inline frame to alice before replying to bob, and
	// net.Pipe is unbuffered, so alice's frame must be read first.
	delivered := alice.recv()
	assert.Equal(t, protocol.CmdDeliver, delivered.Cmd)
	assert.Equal(t, "bob", delivered.Src)
	assert.Equal(t, "hi alice", string(delivered.Body))
	require.Len(t, delivered.MsgIDs, 1)

	sendResp := bob.recv()
	assert.False(t, sendResp.Error)
}

func TestSendQueuesForOfflineRecipient(t *testing.T) {
	srv := newTestServer(t, store.RolePrimary)
	require.NoError(t, srv.store.AddUser("alice", "pw"))

	bob := connectClient(t, srv)
	bob.send(&protocol.Message{Cmd: protocol.CmdCreate, Src: "bob", Body: []byte("pw")})
	bob.recv()

	bob.send(&protocol.Message{Cmd: protocol.CmdSend, Src: "bob", To: "alice", Body: []byte("hi")})
	resp := bob.recv()
	assert.False(t, resp.Error)

	assert.Len(t, srv.store.GetMessages("alice"), 1)
}

func TestDeliverPeekThenPop(t *testing.T) {
	srv := newTestServer(t, store.RolePrimary)
	require.NoError(t, srv.store.AddUser("alice", "pw"))
	_, err := srv.store.AddMessage("alice", "bob", []byte("msg1"))
	require.NoError(t, err)

	alice := connectClient(t, srv)
	alice.send(&protocol.Message{Cmd: protocol.CmdLogin, Src: "alice", Body: []byte("pw")})
	alice.recv()

	// limit=0 peeks: message stays queued.
	alice.send(&protocol.Message{Cmd: protocol.CmdDeliver, Src: "alice", Limit: 0})
	alice.recv() // the pushed deliver frame
	ackPeek := alice.recv()
	assert.Contains(t, string(ackPeek.Body), "Delivered 1 messages")
	assert.Len(t, srv.store.GetMessages("alice"), 1)

	// A second peek must not re-deliver the same message (seen-set).
	alice.send(&protocol.Message{Cmd: protocol.CmdDeliver, Src: "alice", Limit: 0})
	ackSecondPeek := alice.recv()
	assert.Contains(t, string(ackSecondPeek.Body), "Delivered 0 messages")

	// A positive limit pops: message is removed from storage.
	_, err = srv.store.AddMessage("alice", "bob", []byte("msg2"))
	require.NoError(t, err)
	alice.send(&protocol.Message{Cmd: protocol.CmdDeliver, Src: "alice", Limit: 10})
	alice.recv() // pushed deliver frame for msg2
	ackPop := alice.recv()
	assert.Contains(t, string(ackPop.Body), "Delivered 1 messages")
	assert.Len(t, srv.store.GetMessages("alice"), 1) // msg1 remains, msg2 popped
}

func TestNonPrimaryRejectsClient(t *testing.T) {
	srv := newTestServer(t, store.RoleBackup)
	c := connectClient(t, srv)
	resp := c.recv()
	assert.True(t, resp.Error)
	assert.Equal(t, protocol.CmdServerState, resp.Cmd)
}

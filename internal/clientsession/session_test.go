package clientsession

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcluster/internal/protocol"
	"chatcluster/internal/transport"
)

// echoServer accepts one connection and echoes every frame it receives
// back to the client, until closed.
func echoServer(t *testing.T) (addr string, closeFn func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		for {
			frame, err := transport.ReadFrame(conn)
			if err != nil {
				return
			}
			if transport.WriteFrame(conn, frame) != nil {
				return
			}
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

func TestSendReceiveRoundTrip(t *testing.T) {
	addr, closeFn := echoServer(t)
	defer closeFn()

	sess := New(Config{Servers: []string{addr}, Codec: protocol.JSONCodec{}, Log: zerolog.Nop()})
	require.NoError(t, sess.Start(context.Background()))
	defer sess.Stop()

	require.Eventually(t, sess.Connected, time.Second, 10*time.Millisecond)

	ok := sess.Send(&protocol.Message{Cmd: protocol.CmdLogin, Src: "alice", Body: []byte("pw")})
	assert.True(t, ok)

	require.Eventually(t, func() bool {
		_, got := sess.Receive()
		return got
	}, time.Second, 10*time.Millisecond)
}

func TestSendQueuesWhileDisconnected(t *testing.T) {
	sess := New(Config{Servers: []string{"127.0.0.1:1"}, Codec: protocol.JSONCodec{}, Log: zerolog.Nop(), MaxQueuedRequests: 2})

	ok := sess.Send(&protocol.Message{Cmd: protocol.CmdLogin, Src: "a"})
	assert.False(t, ok)
	ok = sess.Send(&protocol.Message{Cmd: protocol.CmdLogin, Src: "b"})
	assert.False(t, ok)
	ok = sess.Send(&protocol.Message{Cmd: protocol.CmdLogin, Src: "c"})
	assert.False(t, ok)

	// Cap is 2, drop-oldest: "a" should have been evicted.
	assert.Len(t, sess.queue, 2)
	assert.Equal(t, "b", sess.queue[0].Src)
	assert.Equal(t, "c", sess.queue[1].Src)
}

func TestFlushQueuedRequeuesUnsentTailOnFailure(t *testing.T) {
	server, client := net.Pipe()

	sess := New(Config{Servers: []string{"unused"}, Codec: protocol.JSONCodec{}, Log: zerolog.Nop()})
	sess.conn = client
	sess.writer = transport.NewSafeWriter(client)
	sess.connected = true

	done := make(chan struct{})
	go func() {
		defer close(done)
		transport.ReadFrame(server) // accept only the first queued message
		server.Close()
	}()

	queued := []*protocol.Message{
		{Cmd: protocol.CmdSend, Src: "a"},
		{Cmd: protocol.CmdSend, Src: "b"},
		{Cmd: protocol.CmdSend, Src: "c"},
	}
	sess.flushQueued(queued)
	<-done

	require.Len(t, sess.queue, 2)
	assert.Equal(t, "b", sess.queue[0].Src)
	assert.Equal(t, "c", sess.queue[1].Src)
}

func TestForcedRotationOnServerStatus(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		notice := protocol.Err(protocol.CmdServerState, "Server is in transition")
		data, _ := protocol.JSONCodec{}.Encode(notice)
		_ = transport.WriteFrame(conn, data)
	}()

	var disconnects int
	sess := New(Config{
		Servers:        []string{ln.Addr().String()},
		Codec:          protocol.JSONCodec{},
		Log:            zerolog.Nop(),
		OnDisconnected: func() { disconnects++ },
	})
	require.NoError(t, sess.Start(context.Background()))
	defer sess.Stop()

	require.Eventually(t, func() bool {
		msg, got := sess.Receive()
		return got && msg.Cmd == protocol.CmdServerState
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool { return !sess.Connected() }, time.Second, 10*time.Millisecond)
}

package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripBothCodecs(t *testing.T) {
	cases := []*Message{
		{Cmd: "create", Src: "alice", To: "alice", Body: []byte("p1")},
		{Cmd: "send", Src: "alice", To: "bob", Body: []byte("hi"), MsgIDs: nil, Limit: 0},
		{Cmd: "deliver", Src: "alice", Body: []byte("there"), MsgIDs: []string{"abc-123"}, Limit: 10},
		{Cmd: "delete_msgs", Src: "bob", MsgIDs: []string{"a", "b", "c"}, Error: false},
		{Cmd: "login", Error: true, Body: []byte("Username/Password error")},
		{Cmd: "send", Src: "alice", To: "bob", Body: make([]byte, 0xFFFF-1)},
	}

	for _, codec := range []Codec{JSONCodec{}, BinaryCodec{}} {
		for _, m := range cases {
			data, err := codec.Encode(m)
			require.NoError(t, err)
			got, err := codec.Decode(data)
			require.NoError(t, err)

			assert.Equal(t, m.Cmd, got.Cmd)
			assert.Equal(t, m.Src, got.Src)
			assert.Equal(t, m.To, got.To)
			if len(m.Body) == 0 {
				assert.Empty(t, got.Body)
			} else {
				assert.Equal(t, m.Body, got.Body)
			}
			assert.Equal(t, m.Error, got.Error)
			assert.Equal(t, m.Limit, got.Limit)
			if len(m.MsgIDs) == 0 {
				assert.Empty(t, got.MsgIDs)
			} else {
				assert.Equal(t, m.MsgIDs, got.MsgIDs)
			}
		}
	}
}

func TestBinaryCodecRejectsOversizedBody(t *testing.T) {
	m := &Message{Cmd: "send", Body: make([]byte, 0x10000)}
	_, err := BinaryCodec{}.Encode(m)
	require.Error(t, err)
}

func TestCodecForSelectsEncoding(t *testing.T) {
	_, isBinary := CodecFor(true).(BinaryCodec)
	assert.True(t, isBinary)
	_, isJSON := CodecFor(false).(JSONCodec)
	assert.True(t, isJSON)
}

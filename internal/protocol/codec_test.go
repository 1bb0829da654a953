package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecPeerList(t *testing.T) {
	codec := NewCodec()
	var buf bytes.Buffer

	res := &PeerList{
		Topic: Topic{0x01},
		Peers: []PeerRecord{
			{PublicKey: [KeySize]byte{0xaa}, Addr: "192.0.2.1:4000"},
			{PublicKey: [KeySize]byte{0xbb}, Addr: "192.0.2.2:4000"},
		},
	}
	require.NoError(t, codec.Encode(&buf, res))

	decoded, err := codec.Decode(&buf)
	require.NoError(t, err)
	list, ok := decoded.(*PeerList)
	require.True(t, ok, "got %T", decoded)
	assert.Equal(t, res, list)
}

func TestCodecSequentialMessagesOnOneStream(t *testing.T) {
	codec := NewCodec()
	var buf bytes.Buffer

	require.NoError(t, codec.Encode(&buf, &Announce{Topic: Topic{0x02}}))
	require.NoError(t, codec.Encode(&buf, &Ack{}))

	first, err := codec.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgAnnounce, first.Type())
	assert.Empty(t, first.(*Announce).Addr)

	second, err := codec.Decode(&buf)
	require.NoError(t, err)
	assert.IsType(t, &Ack{}, second)
}

func TestCodecBytesRoundTrip(t *testing.T) {
	codec := NewCodec()

	data, err := codec.EncodeToBytes(&Pong{})
	require.NoError(t, err)
	require.NotEmpty(t, data)

	decoded, err := codec.DecodeFromBytes(data)
	require.NoError(t, err)
	assert.IsType(t, &Pong{}, decoded)
}

func TestCodecError(t *testing.T) {
	codec := NewCodec()

	data, err := codec.EncodeToBytes(&Error{Code: ErrInvalidMsg, Message: "bad topic"})
	require.NoError(t, err)
	decoded, err := codec.DecodeFromBytes(data)
	require.NoError(t, err)

	msgErr, ok := decoded.(*Error)
	require.True(t, ok)
	assert.EqualError(t, msgErr, "INVALID_MESSAGE: bad topic")
}

func TestCodecDecodeGarbage(t *testing.T) {
	_, err := NewCodec().DecodeFromBytes([]byte("not gob"))
	assert.Error(t, err)
}

func TestMessageTypeString(t *testing.T) {
	tests := []struct {
		expected string
		msgType  MessageType
	}{
		{"ANNOUNCE", MsgAnnounce},
		{"LOOKUP", MsgLookup},
		{"PEER_LIST", MsgPeerList},
		{"PING", MsgPing},
		{"UNKNOWN", MessageType(0xFFFF)},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.msgType.String())
	}
}

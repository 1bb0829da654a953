package protocol

const (
	TopicSize = 32
	KeySize   = 32
	// MaxPeers caps a single PeerList reply.
	MaxPeers = 256
)

type MessageType uint16

const (
	MsgPing       MessageType = 0x0001
	MsgPong       MessageType = 0x0002
	MsgAnnounce   MessageType = 0x0010
	MsgUnannounce MessageType = 0x0011
	MsgLookup     MessageType = 0x0020
	MsgPeerList   MessageType = 0x0021
	MsgAck        MessageType = 0x0030
	MsgError      MessageType = 0x00FF
)

func (t MessageType) String() string {
	switch t {
	case MsgPing:
		return "PING"
	case MsgPong:
		return "PONG"
	case MsgAnnounce:
		return "ANNOUNCE"
	case MsgUnannounce:
		return "UNANNOUNCE"
	case MsgLookup:
		return "LOOKUP"
	case MsgPeerList:
		return "PEER_LIST"
	case MsgAck:
		return "ACK"
	case MsgError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

type ErrorCode uint16

const (
	ErrUnknown    ErrorCode = 0x0000
	ErrInvalidMsg ErrorCode = 0x0001
	ErrInternal   ErrorCode = 0x00FF
)

func (e ErrorCode) String() string {
	switch e {
	case ErrInternal:
		return "INTERNAL_ERROR"
	case ErrInvalidMsg:
		return "INVALID_MESSAGE"
	default:
		return "UNKNOWN"
	}
}

package protocol

import "fmt"

type Message interface {
	Type() MessageType
}

type Topic [TopicSize]byte

// PeerRecord is one announcer of a topic.
type PeerRecord struct {
	PublicKey [KeySize]byte
	Addr      string
}

// Announce registers the sender under Topic. An empty Addr asks the tracker
// to use the address it observes.
type Announce struct {
	Topic Topic
	Addr  string
}

func (Announce) Type() MessageType { return MsgAnnounce }

type Unannounce struct {
	Topic Topic
}

func (Unannounce) Type() MessageType { return MsgUnannounce }

type Lookup struct {
	Topic Topic
}

func (Lookup) Type() MessageType { return MsgLookup }

type PeerList struct {
	Topic Topic
	Peers []PeerRecord
}

func (PeerList) Type() MessageType { return MsgPeerList }

type Ack struct{}

func (Ack) Type() MessageType { return MsgAck }

type Error struct {
	Code    ErrorCode
	Message string
}

func (Error) Type() MessageType { return MsgError }

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type Ping struct{}

func (Ping) Type() MessageType { return MsgPing }

type Pong struct{}

func (Pong) Type() MessageType { return MsgPong }

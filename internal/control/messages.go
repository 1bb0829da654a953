package control

import (
	"bytes"
	"encoding/json"
)

// Method names understood by the bridge.
const (
	MethodJoin    = "join"
	MethodLeave   = "leave"
	MethodGetInfo = "getinfo"
	MethodDestroy = "destroy"
	MethodStreams = "streams"
)

// Event names emitted by the bridge.
const (
	EventConnection    = "connection"
	EventDisconnection = "disconnection"
	EventReady         = "ready"
)

// Request is one host command. ID is kept verbatim so it can be echoed back
// exactly as the host sent it.
type Request struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// WantsReply reports whether the host expects a reply line. Requests without
// an id, or with a null id, are fire-and-forget.
func (r *Request) WantsReply() bool {
	id := bytes.TrimSpace(r.ID)
	return len(id) > 0 && !bytes.Equal(id, []byte("null"))
}

// DecodeArgs unmarshals Args into v. Missing args decode as an empty object.
func (r *Request) DecodeArgs(v any) error {
	if len(bytes.TrimSpace(r.Args)) == 0 || bytes.Equal(bytes.TrimSpace(r.Args), []byte("null")) {
		return nil
	}
	return json.Unmarshal(r.Args, v)
}

type Reply struct {
	ID     json.RawMessage `json:"id"`
	Result any             `json:"result"`
}

// ErrorResult is the result payload of a failed request.
type ErrorResult struct {
	Error string `json:"error"`
}

// StatusResult is the result payload of join, leave and destroy.
type StatusResult struct {
	Status string `json:"status"`
}

type ConnectionEvent struct {
	Event    string `json:"event"`
	Peer     string `json:"peer"`
	StreamID string `json:"stream_id"`
	Client   bool   `json:"client"`
}

func NewConnectionEvent(peer, streamID string, client bool) ConnectionEvent {
	return ConnectionEvent{Event: EventConnection, Peer: peer, StreamID: streamID, Client: client}
}

type DisconnectionEvent struct {
	Event    string `json:"event"`
	StreamID string `json:"stream_id"`
}

func NewDisconnectionEvent(streamID string) DisconnectionEvent {
	return DisconnectionEvent{Event: EventDisconnection, StreamID: streamID}
}

type ReadyEvent struct {
	Event string `json:"event"`
	Port  int    `json:"port"`
}

func NewReadyEvent(port int) ReadyEvent {
	return ReadyEvent{Event: EventReady, Port: port}
}

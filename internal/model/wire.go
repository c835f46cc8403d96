// Package model holds the wire-level message types exchanged by
// internal/wire and the partition/cluster membership types shared by
// internal/partition, internal/discovery, and internal/cluster.
package model

// MessageKind tags the single control-message byte at the head of every
// non-bulk frame described in spec §4.4.
type MessageKind byte

const (
	KindHandshake MessageKind = iota + 1
	KindHandshakeResponse
	KindUpload
	KindUploadAck
	KindDownload
	KindDownloadStarted
	KindTake
	KindTakeStarted
	KindTakeAck
	KindRemove
	KindRemoveAck
	KindPing
	KindPong
	KindServerError
)

var messageKindNames = map[MessageKind]string{
	KindHandshake:         "handshake",
	KindHandshakeResponse: "handshake_response",
	KindUpload:            "upload",
	KindUploadAck:         "upload_ack",
	KindDownload:          "download",
	KindDownloadStarted:   "download_started",
	KindTake:              "take",
	KindTakeStarted:       "take_started",
	KindTakeAck:           "take_ack",
	KindRemove:            "remove",
	KindRemoveAck:         "remove_ack",
	KindPing:              "ping",
	KindPong:              "pong",
	KindServerError:       "server_error",
}

// String renders a MessageKind as a metrics-friendly label.
func (k MessageKind) String() string {
	if name, ok := messageKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Version identifies the wire protocol version negotiated on handshake.
type Version struct {
	Major uint16
	Minor uint16
}

// HandshakeRequest is the first message on every connection.
type HandshakeRequest struct {
	Version Version
}

// HandshakeResponse reports failure with a minimal acceptable version, or
// success with Failed=false.
type HandshakeResponse struct {
	Failed          bool
	MinimalVersion  Version
	Message         string
}

// DownloadRequest carries the caller's high-water-mark token.
type DownloadRequest struct {
	Since uint64
}

// ServerErrorResponse reports a server-side abort of the current operation.
type ServerErrorResponse struct {
	Message string
}

// TakeAckRequest is sent by the client once it has durably received every
// entry of a Take stream, telling the server whether it may now delete the
// source chunks (Failed=false) or must keep them for a retry (Failed=true).
type TakeAckRequest struct {
	Failed  bool
	Message string
}

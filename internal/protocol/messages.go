// Package protocol defines the closed set of messages exchanged between a
// netplay host and its clients.
package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/simple64/netplay-core/internal/input"
)

// ErrProtocol marks a malformed or out-of-sequence message. Such messages are
// logged and dropped; they never tear a session down.
var ErrProtocol = errors.New("protocol error")

// Kind tags a message on the wire.
type Kind string

const (
	KindJoinRequest  Kind = "join_request"
	KindJoinAccepted Kind = "join_accepted"
	KindJoinRejected Kind = "join_rejected"
	KindInput        Kind = "input"
	KindFrame        Kind = "frame"
	KindSyncRequest  Kind = "sync_request"
	KindSyncResponse Kind = "sync_response"
	KindRosterUpdate Kind = "roster_update"
	KindDisconnect   Kind = "disconnect"
)

// Message is implemented only by the types in this package, so a type switch
// over them is exhaustive.
type Message interface {
	Kind() Kind
	isMessage()
}

// JoinRequest is sent client to host.
type JoinRequest struct {
	ClientID           string `json:"clientId"`
	ContentFingerprint string `json:"contentFingerprint"`
	DisplayName        string `json:"displayName"`
	RoomID             string `json:"roomId"`
	Password           string `json:"password,omitempty"`
}

// JoinAccepted carries the authoritative state so the new peer can start
// without replaying history.
type JoinAccepted struct {
	ClientID      string `json:"clientId"`
	PlayerSlot    int    `json:"playerSlot"`
	StateSnapshot []byte `json:"stateSnapshot"`
	CurrentFrame  int64  `json:"currentFrame"`
	RoomID        string `json:"roomId"`
}

// JoinRejected is sent host to client.
type JoinRejected struct {
	ClientID string       `json:"clientId"`
	Reason   RejectReason `json:"reason"`
}

// Input is one button transition travelling in either direction.
type Input struct {
	OriginClientID string       `json:"originClientId"`
	PlayerSlot     int          `json:"playerSlot"`
	Button         input.Button `json:"button"`
	Pressed        bool         `json:"pressed"`
	TargetFrame    int64        `json:"targetFrame"`
	Timestamp      int64        `json:"timestamp"` // unix milliseconds
}

// Frame is the host's per-tick broadcast.
type Frame struct {
	Frame         int64  `json:"frame"`
	Checksum      uint64 `json:"checksum"`
	Timestamp     int64  `json:"timestamp"` // unix milliseconds
	RenderPayload []byte `json:"renderPayload,omitempty"`
}

// SyncRequest asks the host for its authoritative state.
type SyncRequest struct {
	ClientID string `json:"clientId"`
	Frame    int64  `json:"frame"`
}

// SyncResponse answers a SyncRequest.
type SyncResponse struct {
	ClientID      string `json:"clientId"`
	StateSnapshot []byte `json:"stateSnapshot"`
	CurrentFrame  int64  `json:"currentFrame"`
}

// RosterEntry describes one slot in a RosterUpdate.
type RosterEntry struct {
	ClientID        string `json:"clientId"`
	PlayerSlot      int    `json:"playerSlot"`
	DisplayName     string `json:"displayName"`
	ConnectionState string `json:"connectionState"`
}

// RosterUpdate is broadcast by the host whenever membership changes.
type RosterUpdate struct {
	Clients []RosterEntry `json:"clients"`
}

// Disconnect announces that a peer is leaving.
type Disconnect struct {
	ClientID string `json:"clientId"`
}

func (JoinRequest) Kind() Kind  { return KindJoinRequest }
func (JoinAccepted) Kind() Kind { return KindJoinAccepted }
func (JoinRejected) Kind() Kind { return KindJoinRejected }
func (Input) Kind() Kind        { return KindInput }
func (Frame) Kind() Kind        { return KindFrame }
func (SyncRequest) Kind() Kind  { return KindSyncRequest }
func (SyncResponse) Kind() Kind { return KindSyncResponse }
func (RosterUpdate) Kind() Kind { return KindRosterUpdate }
func (Disconnect) Kind() Kind   { return KindDisconnect }

func (JoinRequest) isMessage()  {}
func (JoinAccepted) isMessage() {}
func (JoinRejected) isMessage() {}
func (Input) isMessage()        {}
func (Frame) isMessage()        {}
func (SyncRequest) isMessage()  {}
func (SyncResponse) isMessage() {}
func (RosterUpdate) isMessage() {}
func (Disconnect) isMessage()   {}

// InputFromEvent converts a history event to its wire form.
func InputFromEvent(ev input.Event) Input {
	return Input{
		OriginClientID: ev.OriginClientID,
		PlayerSlot:     ev.PlayerSlot,
		Button:         ev.Button,
		Pressed:        ev.Pressed,
		TargetFrame:    ev.TargetFrame,
		Timestamp:      ev.Timestamp.UnixMilli(),
	}
}

// Event converts the wire form to a history event.
func (m Input) Event() input.Event {
	return input.Event{
		TargetFrame:    m.TargetFrame,
		PlayerSlot:     m.PlayerSlot,
		Button:         m.Button,
		Pressed:        m.Pressed,
		Timestamp:      time.UnixMilli(m.Timestamp),
		OriginClientID: m.OriginClientID,
	}
}

// RejectReason is the closed set of join rejection causes.
type RejectReason string

const (
	ReasonChecksumMismatch RejectReason = "ChecksumMismatch"
	ReasonRoomFull         RejectReason = "RoomFull"
	ReasonUnauthorized     RejectReason = "Unauthorized"
)

// RejectError is returned to a joining client when the host refuses it.
type RejectError struct {
	Reason RejectReason
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("join rejected: %s", e.Reason)
}

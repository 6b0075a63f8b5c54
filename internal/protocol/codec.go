package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

type envelope struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode wraps m in a {type, payload} envelope.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil message", ErrProtocol)
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	return json.Marshal(envelope{Type: m.Kind(), Payload: payload})
}

// Decode parses an envelope produced by Encode.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	var m Message
	var err error
	switch env.Type {
	case KindJoinRequest:
		m, err = decodeAs[JoinRequest](env.Payload)
	case KindJoinAccepted:
		m, err = decodeAs[JoinAccepted](env.Payload)
	case KindJoinRejected:
		m, err = decodeAs[JoinRejected](env.Payload)
	case KindInput:
		m, err = decodeAs[Input](env.Payload)
	case KindFrame:
		m, err = decodeAs[Frame](env.Payload)
	case KindSyncRequest:
		m, err = decodeAs[SyncRequest](env.Payload)
	case KindSyncResponse:
		m, err = decodeAs[SyncResponse](env.Payload)
	case KindRosterUpdate:
		m, err = decodeAs[RosterUpdate](env.Payload)
	case KindDisconnect:
		m, err = decodeAs[Disconnect](env.Payload)
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrProtocol, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrProtocol, env.Type, err)
	}
	return m, nil
}

func decodeAs[T Message](payload json.RawMessage) (Message, error) {
	var v T
	if len(payload) == 0 {
		return nil, errors.New("missing payload")
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Package protocol translates between typed canvas sync messages and JSON
// websocket frames. Every frame is an object with a "type" discriminator and
// an optional "payload".
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"canvas-sync/core"
)

type FrameType string

const (
	TypeMutation     FrameType = "mutation"
	TypePresence     FrameType = "presence"
	TypePing         FrameType = "ping"
	TypePong         FrameType = "pong"
	TypeInitialState FrameType = "initial_state"
	TypeError        FrameType = "error"
	TypeAck          FrameType = "ack"
)

type (
	envelope struct {
		Type    FrameType       `json:"type"`
		Payload json.RawMessage `json:"payload,omitempty"`
		// Message carries error text when the server puts it beside the
		// payload instead of inside it.
		Message string `json:"message,omitempty"`
	}

	// Inbound is a decoded server-to-client frame.
	Inbound interface {
		frameType() FrameType
	}

	InitialState struct {
		Blocks    []core.Block `json:"blocks"`
		ServerSeq int64        `json:"server_seq"`
	}

	MutationApplied struct {
		Action     core.MutationAction `json:"action"`
		BlockID    string              `json:"block_id"`
		Block      *core.Block         `json:"block"`
		ServerSeq  int64               `json:"server_seq"`
		ClientOpID string              `json:"client_op_id"`
	}

	PresenceUpdate struct {
		UserID string             `json:"user_id"`
		Data   core.PresencePatch `json:"data"`
	}

	// ErrorFrame is a server-reported error. ClientOpID and Conflict are set
	// when the message could be correlated with a mutation.
	ErrorFrame struct {
		Message    string
		ClientOpID string
		Conflict   *Conflict
	}

	Conflict struct {
		Status         core.MutationStatus `json:"status"`
		BlockID        string              `json:"block_id"`
		CurrentVersion int64               `json:"current_version"`
		CurrentBlock   *core.Block         `json:"current_block"`
		ClientOpID     string              `json:"client_op_id"`
	}

	Ack struct{}

	errorPayload struct {
		Message    string `json:"message"`
		ClientOpID string `json:"client_op_id,omitempty"`
	}
)

func (InitialState) frameType() FrameType    { return TypeInitialState }
func (MutationApplied) frameType() FrameType { return TypeMutation }
func (PresenceUpdate) frameType() FrameType  { return TypePresence }
func (ErrorFrame) frameType() FrameType      { return TypeError }
func (Ack) frameType() FrameType             { return TypeAck }

// TypeOf reports the frame type an inbound frame was decoded from. Pong
// frames decode to Ack and report TypeAck.
func TypeOf(in Inbound) FrameType {
	return in.frameType()
}

// EncodeMutation is deterministic: the same mutation always yields the same
// bytes, so a retransmission is indistinguishable from the original send.
func EncodeMutation(m core.BlockMutation) ([]byte, error) {
	return encode(TypeMutation, m)
}

func EncodePresence(p core.PresencePatch) ([]byte, error) {
	return encode(TypePresence, p)
}

func EncodePing() []byte {
	return []byte(`{"type":"ping"}`)
}

// Decode parses one server-to-client frame. Any failure is a
// *core.MalformedFrameError; the caller should drop the frame and carry on.
func Decode(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &core.MalformedFrameError{Reason: "invalid json", Err: err}
	}

	switch env.Type {
	case TypeInitialState:
		var state InitialState
		if err := decodePayload(env, &state); err != nil {
			return nil, err
		}
		return state, nil

	case TypeMutation:
		var applied MutationApplied
		if err := decodePayload(env, &applied); err != nil {
			return nil, err
		}
		if applied.BlockID == "" && applied.Block != nil {
			applied.BlockID = applied.Block.ID
		}
		if applied.BlockID == "" {
			return nil, &core.MalformedFrameError{Reason: "mutation without block_id"}
		}
		return applied, nil

	case TypePresence:
		var update PresenceUpdate
		if err := decodePayload(env, &update); err != nil {
			return nil, err
		}
		if update.UserID == "" {
			return nil, &core.MalformedFrameError{Reason: "presence without user_id"}
		}
		return update, nil

	case TypeError:
		return decodeError(env)

	case TypeAck, TypePong:
		return Ack{}, nil

	case "":
		return nil, &core.MalformedFrameError{Reason: "missing type"}
	}

	return nil, &core.MalformedFrameError{Reason: fmt.Sprintf("unknown type %q", env.Type)}
}

func decodePayload(env envelope, v any) error {
	if len(env.Payload) == 0 || bytes.Equal(env.Payload, []byte("null")) {
		return &core.MalformedFrameError{Reason: fmt.Sprintf("%s frame without payload", env.Type)}
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return &core.MalformedFrameError{Reason: fmt.Sprintf("invalid %s payload", env.Type), Err: err}
	}
	return nil
}

func decodeError(env envelope) (Inbound, error) {
	frame := ErrorFrame{Message: env.Message}

	if len(env.Payload) > 0 && !bytes.Equal(env.Payload, []byte("null")) {
		var payload errorPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			// A bare string payload is accepted as the message.
			var text string
			if serr := json.Unmarshal(env.Payload, &text); serr != nil {
				return nil, &core.MalformedFrameError{Reason: "invalid error payload", Err: err}
			}
			payload.Message = text
		}
		if payload.Message != "" {
			frame.Message = payload.Message
		}
		frame.ClientOpID = payload.ClientOpID
	}

	// Conflicts travel as a JSON document inside the message text.
	if conflict := parseConflict(frame.Message); conflict != nil {
		frame.Conflict = conflict
		if frame.ClientOpID == "" {
			frame.ClientOpID = conflict.ClientOpID
		}
	}

	if frame.Message == "" {
		frame.Message = "unknown error"
	}
	return frame, nil
}

func parseConflict(message string) *Conflict {
	trimmed := bytes.TrimSpace([]byte(message))
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}

	var conflict Conflict
	if err := json.Unmarshal(trimmed, &conflict); err != nil {
		return nil
	}
	if conflict.Status != core.MutationConflict {
		return nil
	}
	return &conflict
}

func encode(t FrameType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return json.Marshal(envelope{Type: t, Payload: raw})
}

package protocol

import (
	"encoding/json"
	"fmt"

	"canvas-sync/core"
)

type (
	// ClientFrame is a decoded client-to-server frame. Exactly one of
	// Mutation and Presence is set for mutation and presence frames.
	ClientFrame struct {
		Type     FrameType
		Mutation *core.BlockMutation
		Presence *core.PresencePatch
	}

	presenceBroadcast struct {
		UserID string             `json:"user_id"`
		Data   core.PresencePatch `json:"data"`
	}
)

// DecodeClient parses a frame sent by a client.
func DecodeClient(data []byte) (ClientFrame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ClientFrame{}, &core.MalformedFrameError{Reason: "invalid json", Err: err}
	}

	frame := ClientFrame{Type: env.Type}
	switch env.Type {
	case TypeMutation:
		var m core.BlockMutation
		if err := decodePayload(env, &m); err != nil {
			return ClientFrame{}, err
		}
		frame.Mutation = &m
	case TypePresence:
		var p core.PresencePatch
		if err := decodePayload(env, &p); err != nil {
			return ClientFrame{}, err
		}
		frame.Presence = &p
	case TypePing:
	default:
		return ClientFrame{}, &core.MalformedFrameError{Reason: fmt.Sprintf("unknown type %q", env.Type)}
	}
	return frame, nil
}

func EncodeInitialState(blocks []core.Block, serverSeq int64) ([]byte, error) {
	if blocks == nil {
		blocks = []core.Block{}
	}
	return encode(TypeInitialState, InitialState{Blocks: blocks, ServerSeq: serverSeq})
}

func EncodeMutationApplied(m MutationApplied) ([]byte, error) {
	return encode(TypeMutation, m)
}

func EncodePresenceBroadcast(userID string, patch core.PresencePatch) ([]byte, error) {
	return encode(TypePresence, presenceBroadcast{UserID: userID, Data: patch})
}

func EncodeError(message, clientOpID string) ([]byte, error) {
	return encode(TypeError, errorPayload{Message: message, ClientOpID: clientOpID})
}

// EncodeConflict reports a stale expected_version to the issuing client. The
// conflict record is embedded in the message text, as the original server
// does, so older clients still show something readable.
func EncodeConflict(c Conflict) ([]byte, error) {
	c.Status = core.MutationConflict
	record, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode conflict: %w", err)
	}
	return encode(TypeError, errorPayload{Message: string(record), ClientOpID: c.ClientOpID})
}

func EncodePong() []byte {
	return []byte(`{"type":"pong"}`)
}

package protocol

import (
	"encoding/json"
	"testing"

	"canvas-sync/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func int64Ptr(v int64) *int64 { return &v }

func TestEncodeMutation_Deterministic(t *testing.T) {
	m := core.BlockMutation{
		ClientOpID:      "op-1",
		Action:          core.ActionUpdate,
		BlockID:         "b1",
		ExpectedVersion: int64Ptr(3),
		UpdateData: &core.BlockUpdate{
			Content:  map[string]any{"text": "hi", "fill": "#fff", "level": 2},
			Position: &core.Point{X: 10, Y: 20},
		},
	}

	first, err := EncodeMutation(m)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := EncodeMutation(m)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	var wire map[string]any
	require.NoError(t, json.Unmarshal(first, &wire))
	assert.Equal(t, "mutation", wire["type"])
	payload := wire["payload"].(map[string]any)
	assert.Equal(t, "op-1", payload["client_op_id"])
	assert.Equal(t, float64(3), payload["expected_version"])
	assert.NotContains(t, payload["update_data"].(map[string]any), "size")
}

func TestEncodePing(t *testing.T) {
	assert.JSONEq(t, `{"type":"ping"}`, string(EncodePing()))
}

func TestDecode_InitialState(t *testing.T) {
	in, err := Decode([]byte(`{"type":"initial_state","payload":{"blocks":[
		{"id":"b1","canvas_id":"c1","parent_id":null,"type":"text","content":{"text":"x"},
		 "position":{"x":1,"y":2},"size":{"width":3,"height":4},"y_order":"V","version":7,
		 "created_at":"2024-05-01T10:00:00Z","updated_at":"2024-05-01T10:00:00+00:00","created_by":"u1"}
	],"server_seq":41}}`))
	require.NoError(t, err)

	state, ok := in.(InitialState)
	require.True(t, ok)
	assert.Equal(t, int64(41), state.ServerSeq)
	require.Len(t, state.Blocks, 1)
	assert.Equal(t, "b1", state.Blocks[0].ID)
	assert.Equal(t, core.BlockText, state.Blocks[0].Type)
	assert.Equal(t, "V", state.Blocks[0].Rank)
	assert.Equal(t, int64(7), state.Blocks[0].Version)
	assert.Nil(t, state.Blocks[0].ParentID)
}

func TestDecode_Mutation(t *testing.T) {
	in, err := Decode([]byte(`{"type":"mutation","payload":{"action":"delete","block_id":"b1","block":null,"server_seq":9,"client_op_id":"k"}}`))
	require.NoError(t, err)

	applied := in.(MutationApplied)
	assert.Equal(t, core.ActionDelete, applied.Action)
	assert.Equal(t, "b1", applied.BlockID)
	assert.Nil(t, applied.Block)
	assert.Equal(t, int64(9), applied.ServerSeq)
	assert.Equal(t, "k", applied.ClientOpID)
}

func TestDecode_PresenceKeepsAbsentFieldsAbsent(t *testing.T) {
	in, err := Decode([]byte(`{"type":"presence","payload":{"user_id":"u2","data":{"cursor":{"x":5,"y":6}}}}`))
	require.NoError(t, err)

	update := in.(PresenceUpdate)
	assert.Equal(t, "u2", update.UserID)
	require.NotNil(t, update.Data.Cursor)
	assert.Equal(t, core.Point{X: 5, Y: 6}, *update.Data.Cursor)
	assert.Nil(t, update.Data.Selection)
	assert.False(t, update.Data.ClearSelection)
	assert.Nil(t, update.Data.Status)
}

func TestDecode_PresenceExplicitNullClears(t *testing.T) {
	in, err := Decode([]byte(`{"type":"presence","payload":{"user_id":"u2","data":{"selection":null}}}`))
	require.NoError(t, err)

	update := in.(PresenceUpdate)
	assert.True(t, update.Data.ClearSelection)
	assert.False(t, update.Data.ClearCursor)
}

func TestDecode_ErrorShapes(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		message string
		opID    string
	}{
		{"payload message", `{"type":"error","payload":{"message":"bad payload"}}`, "bad payload", ""},
		{"top-level message", `{"type":"error","message":"Rate limit exceeded"}`, "Rate limit exceeded", ""},
		{"correlated", `{"type":"error","payload":{"message":"invalid","client_op_id":"k1"}}`, "invalid", "k1"},
		{"string payload", `{"type":"error","payload":"boom"}`, "boom", ""},
		{"empty", `{"type":"error"}`, "unknown error", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := Decode([]byte(tt.frame))
			require.NoError(t, err)
			frame := in.(ErrorFrame)
			assert.Equal(t, tt.message, frame.Message)
			assert.Equal(t, tt.opID, frame.ClientOpID)
			assert.Nil(t, frame.Conflict)
		})
	}
}

func TestDecode_ConflictEmbeddedInMessage(t *testing.T) {
	record := `{"status":"conflict","block_id":"b1","current_version":4,"current_block":{"id":"b1","version":4},"client_op_id":"op-9"}`
	raw, err := json.Marshal(map[string]any{"type": "error", "message": record})
	require.NoError(t, err)

	in, err := Decode(raw)
	require.NoError(t, err)

	frame := in.(ErrorFrame)
	require.NotNil(t, frame.Conflict)
	assert.Equal(t, "op-9", frame.ClientOpID)
	assert.Equal(t, "b1", frame.Conflict.BlockID)
	assert.Equal(t, int64(4), frame.Conflict.CurrentVersion)
	require.NotNil(t, frame.Conflict.CurrentBlock)
	assert.Equal(t, int64(4), frame.Conflict.CurrentBlock.Version)
}

func TestDecode_AckAndPong(t *testing.T) {
	for _, frame := range []string{`{"type":"ack"}`, `{"type":"pong"}`} {
		in, err := Decode([]byte(frame))
		require.NoError(t, err)
		assert.IsType(t, Ack{}, in)
	}
}

func TestDecode_Malformed(t *testing.T) {
	frames := []string{
		`not json`,
		`{"payload":{}}`,
		`{"type":"telepathy"}`,
		`{"type":"initial_state"}`,
		`{"type":"mutation","payload":{"action":"update","server_seq":1}}`,
		`{"type":"mutation","payload":{"server_seq":"one"}}`,
		`{"type":"presence","payload":{"data":{}}}`,
	}

	for _, frame := range frames {
		_, err := Decode([]byte(frame))
		require.Error(t, err, frame)
		assert.ErrorIs(t, err, core.ErrMalformedFrame, frame)
		var mfe *core.MalformedFrameError
		assert.ErrorAs(t, err, &mfe)
	}
}

func TestServerRoundTrip(t *testing.T) {
	m := core.BlockMutation{ClientOpID: "k", Action: core.ActionMove, BlockID: "b1",
		ExpectedVersion: int64Ptr(2), UpdateData: &core.BlockUpdate{Position: &core.Point{X: 1, Y: 1}}}
	raw, err := EncodeMutation(m)
	require.NoError(t, err)

	frame, err := DecodeClient(raw)
	require.NoError(t, err)
	require.NotNil(t, frame.Mutation)
	assert.Equal(t, m.BlockID, frame.Mutation.BlockID)
	assert.Equal(t, int64(2), *frame.Mutation.ExpectedVersion)

	conflict, err := EncodeConflict(Conflict{BlockID: "b1", CurrentVersion: 3, ClientOpID: "k"})
	require.NoError(t, err)
	in, err := Decode(conflict)
	require.NoError(t, err)
	errFrame := in.(ErrorFrame)
	require.NotNil(t, errFrame.Conflict)
	assert.Equal(t, "k", errFrame.ClientOpID)

	_, err = DecodeClient([]byte(`{"type":"initial_state","payload":{}}`))
	assert.ErrorIs(t, err, core.ErrMalformedFrame)
}

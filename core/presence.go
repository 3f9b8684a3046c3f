package core

import (
	"bytes"
	"encoding/json"
)

// PresencePatch is a partial Presence. Absent fields leave the existing value
// alone; an explicit JSON null for cursor or selection clears it.
type PresencePatch struct {
	UserName  *string
	Cursor    *Point
	Selection *Selection
	Status    *PresenceStatus
	Color     *string

	ClearCursor    bool
	ClearSelection bool
}

type presencePatchWire struct {
	UserName  *string         `json:"user_name,omitempty"`
	Cursor    json.RawMessage `json:"cursor,omitempty"`
	Selection json.RawMessage `json:"selection,omitempty"`
	Status    *PresenceStatus `json:"status,omitempty"`
	Color     *string         `json:"color,omitempty"`
}

var jsonNull = []byte("null")

func (p PresencePatch) MarshalJSON() ([]byte, error) {
	wire := presencePatchWire{
		UserName: p.UserName,
		Status:   p.Status,
		Color:    p.Color,
	}

	switch {
	case p.Cursor != nil:
		raw, err := json.Marshal(p.Cursor)
		if err != nil {
			return nil, err
		}
		wire.Cursor = raw
	case p.ClearCursor:
		wire.Cursor = jsonNull
	}

	switch {
	case p.Selection != nil:
		raw, err := json.Marshal(p.Selection)
		if err != nil {
			return nil, err
		}
		wire.Selection = raw
	case p.ClearSelection:
		wire.Selection = jsonNull
	}

	return json.Marshal(wire)
}

func (p *PresencePatch) UnmarshalJSON(data []byte) error {
	var wire presencePatchWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	*p = PresencePatch{
		UserName: wire.UserName,
		Status:   wire.Status,
		Color:    wire.Color,
	}

	if len(wire.Cursor) > 0 {
		if bytes.Equal(bytes.TrimSpace(wire.Cursor), jsonNull) {
			p.ClearCursor = true
		} else {
			var cursor Point
			if err := json.Unmarshal(wire.Cursor, &cursor); err != nil {
				return err
			}
			p.Cursor = &cursor
		}
	}

	if len(wire.Selection) > 0 {
		if bytes.Equal(bytes.TrimSpace(wire.Selection), jsonNull) {
			p.ClearSelection = true
		} else {
			var sel Selection
			if err := json.Unmarshal(wire.Selection, &sel); err != nil {
				return err
			}
			p.Selection = &sel
		}
	}

	return nil
}

// Merge applies the patch to p, keeping every field the patch does not name.
func (patch PresencePatch) Merge(p *Presence) {
	if patch.UserName != nil {
		p.UserName = *patch.UserName
	}
	if patch.Cursor != nil {
		cursor := *patch.Cursor
		p.Cursor = &cursor
	} else if patch.ClearCursor {
		p.Cursor = nil
	}
	if patch.Selection != nil {
		sel := *patch.Selection
		p.Selection = &sel
	} else if patch.ClearSelection {
		p.Selection = nil
	}
	if patch.Status != nil {
		p.Status = *patch.Status
	}
	if patch.Color != nil {
		p.Color = *patch.Color
	}
}

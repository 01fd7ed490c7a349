package ot

import (
	"encoding/json"
	"fmt"
)

type wireOp struct {
	Type     Kind   `json:"type"`
	Position *int   `json:"position"`
	Text     string `json:"text,omitempty"`
	Count    int    `json:"count,omitempty"`
}

// MarshalOp encodes op as {"type":"insert","position":3,"text":"abc"}.
func MarshalOp(op Op) ([]byte, error) {
	if op == nil {
		return []byte("null"), nil
	}
	pos := op.Pos()
	w := wireOp{Type: op.Kind(), Position: &pos}
	switch o := op.(type) {
	case *Insert:
		w.Text = o.Text
	case *Delete:
		w.Count = o.Count
	case *Retain:
		w.Text = o.Text
	default:
		return nil, fmt.Errorf("unknown operation %T: %w", op, ErrInvalid)
	}
	return json.Marshal(w)
}

// UnmarshalOp decodes the JSON form produced by MarshalOp.
func UnmarshalOp(data []byte) (Op, error) {
	var w wireOp
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode operation: %v: %w", err, ErrInvalid)
	}
	if w.Position == nil {
		return nil, fmt.Errorf("operation missing position: %w", ErrInvalid)
	}
	switch w.Type {
	case KindInsert:
		return &Insert{*w.Position, w.Text}, nil
	case KindDelete:
		return &Delete{*w.Position, w.Count}, nil
	case KindRetain:
		return &Retain{*w.Position, w.Text}, nil
	default:
		return nil, fmt.Errorf("unknown op type %q: %w", w.Type, ErrInvalid)
	}
}

// JSON embeds an Op in a JSON document.
type JSON struct {
	Op
}

func (j JSON) MarshalJSON() ([]byte, error) {
	return MarshalOp(j.Op)
}

func (j *JSON) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		j.Op = nil
		return nil
	}
	op, err := UnmarshalOp(data)
	if err != nil {
		return err
	}
	j.Op = op
	return nil
}

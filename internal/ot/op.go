// Package ot implements operational transformation over plain text.
//
// Positions and lengths are measured in Unicode code points, so an operation
// produced by a client that counts characters applies the same way here.
package ot

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

var (
	ErrOutOfBounds = errors.New("operation out of bounds")
	ErrInvalid     = errors.New("invalid operation")
)

// Kind names an operation type on the wire.
type Kind string

const (
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
	KindRetain Kind = "retain"
)

// Op is an operation.
type Op interface {
	Kind() Kind
	Pos() int
	Encode() string
	Apply(s string) (string, error)
}

// Insert represents a text insertion.
type Insert struct {
	Position int
	Text     string
}

func (op *Insert) Kind() Kind { return KindInsert }
func (op *Insert) Pos() int   { return op.Position }

func (op *Insert) Encode() string {
	return fmt.Sprintf("i,%d,%s", op.Position, op.Text)
}

func (op *Insert) Apply(s string) (string, error) {
	rs := []rune(s)
	if op.Position < 0 || op.Position > len(rs) {
		return "", fmt.Errorf("insert at %d into %d chars: %w", op.Position, len(rs), ErrOutOfBounds)
	}
	return string(rs[:op.Position]) + op.Text + string(rs[op.Position:]), nil
}

// Delete represents a text deletion.
type Delete struct {
	Position int
	Count    int
}

func (op *Delete) Kind() Kind { return KindDelete }
func (op *Delete) Pos() int   { return op.Position }

func (op *Delete) Encode() string {
	return fmt.Sprintf("d,%d,%d", op.Position, op.Count)
}

func (op *Delete) Apply(s string) (string, error) {
	if op.Count < 0 {
		return "", fmt.Errorf("delete count %d: %w", op.Count, ErrInvalid)
	}
	rs := []rune(s)
	if op.Position < 0 || op.Position+op.Count > len(rs) {
		return "", fmt.Errorf("delete %d..%d of %d chars: %w", op.Position, op.Position+op.Count, len(rs), ErrOutOfBounds)
	}
	return string(rs[:op.Position]) + string(rs[op.Position+op.Count:]), nil
}

// Retain replaces len(Text) characters starting at Position with Text. The
// document length does not change.
type Retain struct {
	Position int
	Text     string
}

func (op *Retain) Kind() Kind { return KindRetain }
func (op *Retain) Pos() int   { return op.Position }

func (op *Retain) Encode() string {
	return fmt.Sprintf("r,%d,%s", op.Position, op.Text)
}

func (op *Retain) Apply(s string) (string, error) {
	rs := []rune(s)
	n := utf8.RuneCountInString(op.Text)
	if op.Position < 0 || op.Position+n > len(rs) {
		return "", fmt.Errorf("retain %d..%d of %d chars: %w", op.Position, op.Position+n, len(rs), ErrOutOfBounds)
	}
	return string(rs[:op.Position]) + op.Text + string(rs[op.Position+n:]), nil
}

// Apply applies op to content.
func Apply(content string, op Op) (string, error) {
	if op == nil {
		return content, nil
	}
	return op.Apply(content)
}

// Len returns the number of characters op covers in the document it applies
// to. Inserts cover nothing.
func Len(op Op) int {
	switch o := op.(type) {
	case *Delete:
		return o.Count
	case *Retain:
		return utf8.RuneCountInString(o.Text)
	}
	return 0
}

// Validate checks op against a document of the given length without applying
// it.
func Validate(op Op, length int) error {
	if op == nil {
		return fmt.Errorf("nil operation: %w", ErrInvalid)
	}
	if op.Pos() < 0 {
		return fmt.Errorf("negative position %d: %w", op.Pos(), ErrOutOfBounds)
	}
	switch o := op.(type) {
	case *Insert:
		if o.Position > length {
			return fmt.Errorf("insert at %d into %d chars: %w", o.Position, length, ErrOutOfBounds)
		}
	case *Delete:
		if o.Count < 0 {
			return fmt.Errorf("delete count %d: %w", o.Count, ErrInvalid)
		}
		if o.Position+o.Count > length {
			return fmt.Errorf("delete %d..%d of %d chars: %w", o.Position, o.Position+o.Count, length, ErrOutOfBounds)
		}
	case *Retain:
		if end := o.Position + Len(o); end > length {
			return fmt.Errorf("retain %d..%d of %d chars: %w", o.Position, end, length, ErrOutOfBounds)
		}
	default:
		return fmt.Errorf("unknown operation %T: %w", op, ErrInvalid)
	}
	return nil
}

// DecodeOp returns an Op given an encoded op.
func DecodeOp(s string) (Op, error) {
	parts := strings.SplitN(s, ",", 3)
	if len(parts) < 3 {
		return nil, fmt.Errorf("failed to parse op %q: %w", s, ErrInvalid)
	}
	pos, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("failed to parse op %q: %w", s, ErrInvalid)
	}
	switch parts[0] {
	case "i":
		return &Insert{pos, parts[2]}, nil
	case "d":
		count, err := strconv.Atoi(parts[2])
		if err != nil {
			return nil, fmt.Errorf("failed to parse op %q: %w", s, ErrInvalid)
		}
		return &Delete{pos, count}, nil
	case "r":
		return &Retain{pos, parts[2]}, nil
	default:
		return nil, fmt.Errorf("unknown op type %q: %w", parts[0], ErrInvalid)
	}
}

// EncodeOps renders a log of operations in the compact text form.
func EncodeOps(ops []Op) []string {
	strs := make([]string, len(ops))
	for i, v := range ops {
		strs[i] = v.Encode()
	}
	return strs
}

// DecodeOps parses the output of EncodeOps.
func DecodeOps(strs []string) ([]Op, error) {
	ops := make([]Op, len(strs))
	for i, v := range strs {
		op, err := DecodeOp(v)
		if err != nil {
			return nil, err
		}
		ops[i] = op
	}
	return ops, nil
}

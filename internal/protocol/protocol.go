// Package protocol defines the JSON messages exchanged between editors and the
// document engine. Every message is an object with a "type" field.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"collabtext/engine/internal/ot"
	"collabtext/engine/internal/presence"
)

// Message types.
const (
	TypeJoin              = "join"
	TypeLeave             = "leave"
	TypeOperation         = "operation"
	TypeCursor            = "cursor"
	TypeSelection         = "selection"
	TypeMetadata          = "metadata"
	TypePing              = "ping"
	TypeState             = "state"
	TypeParticipantJoined = "participant-joined"
	TypeParticipantLeft   = "participant-left"
	TypeAck               = "ack"
	TypeSaved             = "saved"
	TypeError             = "error"
	TypePong              = "pong"
)

// Error codes sent in Error messages.
const (
	CodeProtocol        = "protocol"
	CodeVersionTooOld   = "version-too-old"
	CodeUnknownDocument = "unknown-document"
	CodeNotOwner        = "not-owner"
	CodeInternal        = "internal"
)

// ProtocolError reports a message that could not be understood.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Msg
}

func protocolErrorf(format string, v ...any) error {
	return &ProtocolError{Msg: fmt.Sprintf(format, v...)}
}

// For detecting incoming message type.
type MsgType struct {
	Type string `json:"type"`
}

////////////////////////////////////////
// Client to server

type Join struct {
	Type       string `json:"type"`
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
}

type Leave struct {
	Type       string `json:"type"`
	DocumentID string `json:"documentId"`
}

// Submit proposes an edit made against BaseVersion.
type Submit struct {
	Type        string  `json:"type"`
	DocumentID  string  `json:"documentId"`
	Operation   ot.JSON `json:"operation"`
	BaseVersion int     `json:"baseVersion"`
}

type CursorUpdate struct {
	Type       string `json:"type"`
	DocumentID string `json:"documentId"`
	Position   *int   `json:"position"`
}

type SelectionUpdate struct {
	Type       string          `json:"type"`
	DocumentID string          `json:"documentId"`
	Range      *presence.Range `json:"range"`
}

type MetadataPatch struct {
	Type       string         `json:"type"`
	DocumentID string         `json:"documentId"`
	Patch      map[string]any `json:"patch"`
}

type Ping struct {
	Type string `json:"type"`
}

////////////////////////////////////////
// Server to client

// State is the full catch-up sent to a joining connection.
type State struct {
	Type         string                 `json:"type"`
	DocumentID   string                 `json:"documentId"`
	ConnectionID string                 `json:"connectionId"`
	Content      string                 `json:"content"`
	Version      int                    `json:"version"`
	Metadata     map[string]any         `json:"metadata"`
	Participants []presence.Participant `json:"participants"`
}

type Participant struct {
	Type         string `json:"type"`
	DocumentID   string `json:"documentId"`
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
}

// Change fans an accepted, transformed operation out to the other
// participants.
type Change struct {
	Type         string  `json:"type"`
	DocumentID   string  `json:"documentId"`
	ConnectionID string  `json:"connectionId"`
	Operation    ot.JSON `json:"operation"`
	Version      int     `json:"version"`
}

// Ack tells the sender which version its operation produced.
type Ack struct {
	Type       string `json:"type"`
	DocumentID string `json:"documentId"`
	Version    int    `json:"version"`
}

type Cursor struct {
	Type         string `json:"type"`
	DocumentID   string `json:"documentId"`
	ConnectionID string `json:"connectionId"`
	Position     *int   `json:"position"`
}

type Selection struct {
	Type         string          `json:"type"`
	DocumentID   string          `json:"documentId"`
	ConnectionID string          `json:"connectionId"`
	Range        *presence.Range `json:"range"`
}

type Metadata struct {
	Type         string         `json:"type"`
	DocumentID   string         `json:"documentId"`
	ConnectionID string         `json:"connectionId"`
	Metadata     map[string]any `json:"metadata"`
}

type Saved struct {
	Type       string    `json:"type"`
	DocumentID string    `json:"documentId"`
	Timestamp  time.Time `json:"timestamp"`
	Version    int       `json:"version"`
}

type Error struct {
	Type       string `json:"type"`
	DocumentID string `json:"documentId,omitempty"`
	Message    string `json:"message"`
	Code       string `json:"code"`
}

type Pong struct {
	Type string `json:"type"`
}

// Decode parses an incoming message into one of the client to server types.
// Anything malformed is reported as a *ProtocolError.
func Decode(buf []byte) (any, error) {
	var mt MsgType
	if err := json.Unmarshal(buf, &mt); err != nil {
		return nil, protocolErrorf("malformed message: %v", err)
	}
	var msg any
	switch mt.Type {
	case TypeJoin:
		msg = &Join{}
	case TypeLeave:
		msg = &Leave{}
	case TypeOperation:
		msg = &Submit{}
	case TypeCursor:
		msg = &CursorUpdate{}
	case TypeSelection:
		msg = &SelectionUpdate{}
	case TypeMetadata:
		msg = &MetadataPatch{}
	case TypePing:
		return &Ping{Type: TypePing}, nil
	case "":
		return nil, protocolErrorf("missing message type")
	default:
		return nil, protocolErrorf("unknown message type %q", mt.Type)
	}
	if err := json.Unmarshal(buf, msg); err != nil {
		return nil, protocolErrorf("malformed %s message: %v", mt.Type, err)
	}
	if err := validate(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func validate(msg any) error {
	var doc string
	switch m := msg.(type) {
	case *Join:
		if m.UserID == "" {
			return protocolErrorf("join without userId")
		}
		doc = m.DocumentID
	case *Leave:
		doc = m.DocumentID
	case *Submit:
		if m.Operation.Op == nil {
			return protocolErrorf("operation message without operation")
		}
		if m.BaseVersion < 0 {
			return protocolErrorf("negative baseVersion %d", m.BaseVersion)
		}
		doc = m.DocumentID
	case *CursorUpdate:
		doc = m.DocumentID
	case *SelectionUpdate:
		doc = m.DocumentID
	case *MetadataPatch:
		doc = m.DocumentID
	}
	if doc == "" {
		return protocolErrorf("missing documentId")
	}
	return nil
}

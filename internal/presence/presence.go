// Package presence tracks the ephemeral state of everyone connected to a
// document: who they are, where their caret is, what they have selected, and
// the newest version they are known to have seen. Nothing here is persisted.
package presence

import (
	"sort"
	"time"

	"collabtext/engine/internal/ot"
)

// Range is a selection. Start <= End after normalization.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (r Range) normalize() Range {
	if r.End < r.Start {
		r.Start, r.End = r.End, r.Start
	}
	return r
}

// Participant is one connection attached to a document.
type Participant struct {
	ConnectionID string    `json:"connectionId"`
	UserID       string    `json:"userId"`
	Cursor       *int      `json:"cursor"`
	Selection    *Range    `json:"selection"`
	KnownVersion int       `json:"-"`
	JoinedAt     time.Time `json:"joinedAt"`
}

// Tracker holds the participants of one document. It is owned by that
// document's executor and is not safe for concurrent use.
type Tracker struct {
	participants map[string]*Participant
}

func NewTracker() *Tracker {
	return &Tracker{participants: make(map[string]*Participant)}
}

// Add registers a connection that has seen everything up to version. Adding
// an existing connection refreshes its user and version and keeps its caret.
func (t *Tracker) Add(connID, userID string, version int, now time.Time) *Participant {
	if p, ok := t.participants[connID]; ok {
		p.UserID = userID
		p.KnownVersion = maxInt(p.KnownVersion, version)
		return p
	}
	p := &Participant{
		ConnectionID: connID,
		UserID:       userID,
		KnownVersion: version,
		JoinedAt:     now,
	}
	t.participants[connID] = p
	return p
}

// Remove drops a connection and returns what it was, if anything.
func (t *Tracker) Remove(connID string) (*Participant, bool) {
	p, ok := t.participants[connID]
	if ok {
		delete(t.participants, connID)
	}
	return p, ok
}

func (t *Tracker) Get(connID string) (*Participant, bool) {
	p, ok := t.participants[connID]
	return p, ok
}

func (t *Tracker) Len() int {
	return len(t.participants)
}

// List returns copies of all participants ordered by join time, then
// connection id.
func (t *Tracker) List() []Participant {
	out := make([]Participant, 0, len(t.participants))
	for _, p := range t.participants {
		c := *p
		if p.Cursor != nil {
			v := *p.Cursor
			c.Cursor = &v
		}
		if p.Selection != nil {
			v := *p.Selection
			c.Selection = &v
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ConnectionID < out[j].ConnectionID
	})
	return out
}

// ConnectionIDs returns every connection except the excluded one.
func (t *Tracker) ConnectionIDs(exclude string) []string {
	ids := make([]string, 0, len(t.participants))
	for id := range t.participants {
		if id != exclude {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// SetCursor moves a caret, clamped to [0, length]. A nil position clears it.
func (t *Tracker) SetCursor(connID string, pos *int, length int) (*int, bool) {
	p, ok := t.participants[connID]
	if !ok {
		return nil, false
	}
	if pos == nil {
		p.Cursor = nil
		return nil, true
	}
	v := clamp(*pos, 0, length)
	p.Cursor = &v
	return &v, true
}

// SetSelection replaces a selection, normalized and clamped to [0, length].
func (t *Tracker) SetSelection(connID string, r *Range, length int) (*Range, bool) {
	p, ok := t.participants[connID]
	if !ok {
		return nil, false
	}
	if r == nil {
		p.Selection = nil
		return nil, true
	}
	v := r.normalize()
	v.Start, v.End = clamp(v.Start, 0, length), clamp(v.End, 0, length)
	p.Selection = &v
	return &v, true
}

// Observe records that connID has seen at least version, because it based an
// operation on it. Versions only move forward.
func (t *Tracker) Observe(connID string, version int) {
	if p, ok := t.participants[connID]; ok && version > p.KnownVersion {
		p.KnownVersion = version
	}
}

// LowWaterMark is the oldest version any connected participant might still
// base an operation on. ok is false when nobody is connected.
func (t *Tracker) LowWaterMark() (v int, ok bool) {
	for _, p := range t.participants {
		if !ok || p.KnownVersion < v {
			v, ok = p.KnownVersion, true
		}
	}
	return v, ok
}

// ShiftAll maps every caret and selection through an accepted operation.
func (t *Tracker) ShiftAll(op ot.Op) {
	for _, p := range t.participants {
		if p.Cursor != nil {
			v := ot.TransformPosition(*p.Cursor, op)
			p.Cursor = &v
		}
		if p.Selection != nil {
			s := Range{
				Start: ot.TransformPosition(p.Selection.Start, op),
				End:   ot.TransformPosition(p.Selection.End, op),
			}
			p.Selection = &s
		}
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

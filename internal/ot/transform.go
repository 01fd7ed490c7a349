package ot

import "unicode/utf8"

// Transform returns a', the operation equivalent to a once b has already been
// applied. b takes priority over a: when two inserts land at the same
// position, b keeps the left slot and a' shifts right. The coordinator always
// passes the operation that arrived first as b, so every replica that replays
// the log breaks ties the same way.
func Transform(a, b Op) Op {
	if a == nil || b == nil {
		return a
	}
	switch ai := a.(type) {
	case *Insert:
		switch bi := b.(type) {
		case *Insert:
			if ai.Position < bi.Position {
				return a
			}
			return &Insert{ai.Position + runeLen(bi.Text), ai.Text}
		case *Delete:
			if ai.Position <= bi.Position {
				return a
			}
			// Inserts inside the deleted range collapse onto its start.
			return &Insert{ai.Position - minInt(bi.Count, ai.Position-bi.Position), ai.Text}
		case *Retain:
			return a
		}
	case *Delete:
		switch bi := b.(type) {
		case *Insert:
			if bi.Position <= ai.Position {
				return &Delete{ai.Position + runeLen(bi.Text), ai.Count}
			}
			return a
		case *Delete:
			aEnd, bEnd := ai.Position+ai.Count, bi.Position+bi.Count
			if aEnd <= bi.Position {
				return a
			} else if bEnd <= ai.Position {
				return &Delete{ai.Position - bi.Count, ai.Count}
			}
			// Deletions overlap.
			pos := minInt(ai.Position, bi.Position)
			overlap := maxInt(0, minInt(aEnd, bEnd)-maxInt(ai.Position, bi.Position))
			return &Delete{pos, maxInt(0, ai.Count-overlap)}
		case *Retain:
			return a
		}
	case *Retain:
		switch bi := b.(type) {
		case *Insert:
			if bi.Position <= ai.Position {
				return &Retain{ai.Position + runeLen(bi.Text), ai.Text}
			}
			return a
		case *Delete:
			return transformRetainDelete(ai, bi)
		case *Retain:
			return a
		}
	}
	return a
}

// transformRetainDelete shifts a replace past a concurrent delete. Characters
// of the replaced range that b removed are gone, so only the survivors are
// overwritten, each with the replacement character that was aimed at it.
func transformRetainDelete(a *Retain, b *Delete) Op {
	rs := []rune(a.Text)
	n := len(rs)
	aEnd, bEnd := a.Position+n, b.Position+b.Count
	if aEnd <= b.Position {
		return a
	} else if bEnd <= a.Position {
		return &Retain{a.Position - b.Count, a.Text}
	}
	head := clamp(b.Position-a.Position, 0, n)
	tail := clamp(bEnd-a.Position, 0, n)
	survivors := string(rs[:head]) + string(rs[tail:])
	return &Retain{minInt(a.Position, b.Position), survivors}
}

// TransformAll folds op over pending left to right, as if every operation in
// pending had been applied before op.
func TransformAll(op Op, pending []Op) Op {
	for _, p := range pending {
		op = Transform(op, p)
	}
	return op
}

// Compose collapses two sequential operations from the same client. An insert
// immediately deleted cancels out (nil); a delete immediately refilled with
// the same number of characters becomes a Retain. Anything else falls back to
// Transform(b, a).
func Compose(a, b Op) Op {
	switch ai := a.(type) {
	case *Insert:
		if bd, ok := b.(*Delete); ok && bd.Position == ai.Position && bd.Count == runeLen(ai.Text) {
			return nil
		}
	case *Delete:
		if bi, ok := b.(*Insert); ok && bi.Position == ai.Position && runeLen(bi.Text) == ai.Count {
			return &Retain{ai.Position, bi.Text}
		}
	}
	return Transform(b, a)
}

// Conflicts reports whether a and b touch overlapping character ranges. It is
// informational only; Transform always produces an applicable result.
func Conflicts(a, b Op) bool {
	if a == nil || b == nil {
		return false
	}
	aIns, bIns := a.Kind() == KindInsert, b.Kind() == KindInsert
	aStart, aEnd := a.Pos(), a.Pos()+Len(a)
	bStart, bEnd := b.Pos(), b.Pos()+Len(b)
	switch {
	case aIns && bIns:
		return aStart == bStart
	case aIns:
		return bStart < aStart && aStart < bEnd
	case bIns:
		return aStart < bStart && bStart < aEnd
	}
	return maxInt(aStart, bStart) < minInt(aEnd, bEnd)
}

// TransformPosition maps a caret position through op. A caret sitting exactly
// at an insertion point stays in front of the inserted text.
func TransformPosition(pos int, op Op) int {
	switch o := op.(type) {
	case *Insert:
		if o.Position < pos {
			return pos + runeLen(o.Text)
		}
	case *Delete:
		if pos <= o.Position {
			return pos
		}
		return pos - minInt(o.Count, pos-o.Position)
	}
	return pos
}

////////////////////////////////////////
// Internal helpers

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}

func clamp(v, lo, hi int) int {
	return maxInt(lo, minInt(v, hi))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

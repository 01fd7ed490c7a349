package session

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"collabtext/engine/internal/clock"
	"collabtext/engine/internal/ot"
	"collabtext/engine/internal/persist"
	"collabtext/engine/internal/presence"
	"collabtext/engine/internal/protocol"
	"collabtext/engine/internal/store"
)

// State is the lifecycle stage of an open document.
type State int

const (
	Hydrating State = iota
	Active
	Closing
)

func (s State) String() string {
	switch s {
	case Hydrating:
		return "hydrating"
	case Active:
		return "active"
	case Closing:
		return "closing"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type request interface {
	setReply(chan error)
}

type replier struct {
	reply chan error
}

func (r *replier) setReply(c chan error) { r.reply = c }

func (r *replier) respond(err error) {
	if r.reply != nil {
		r.reply <- err
	}
}

type joinReq struct {
	replier
	connID, userID string
}

type leaveReq struct {
	replier
	connID string
}

type submitReq struct {
	replier
	connID string
	op     ot.Op
	base   int
}

type cursorReq struct {
	replier
	connID string
	pos    *int
}

type selectionReq struct {
	replier
	connID string
	sel    *presence.Range
}

type metadataReq struct {
	replier
	connID string
	patch  map[string]any
}

type inspectReq struct {
	replier
	info chan Info
}

type saveTick struct{ replier }

type saveDone struct {
	replier
	at      time.Time
	version int
	changes int
	err     error
}

type shutdownReq struct{ replier }

// session is one open document. mu guards queued and closing; every field
// after them is owned by the run goroutine.
type session struct {
	r    *Registry
	id   string
	log  *logrus.Entry
	done chan struct{}

	inbox   chan request
	mu      sync.Mutex
	queued  int
	closing bool

	state      State
	content    string
	version    int
	metadata   map[string]any
	oplog      []ot.Op
	logStart   int
	presence   *presence.Tracker
	saver      *persist.Scheduler
	persistent bool
	// rehydrate is set while the snapshot could not be read; every save
	// cycle tries again.
	rehydrate bool
	rejectErr error

	// changes counts mutations; savedChanges is the count covered by the
	// newest successful write.
	changes      int
	savedChanges int
	saveAgain    bool
	lastLeave    *leaveReq

	leased      bool
	leaseTicker *clock.Ticker
}

func newSession(r *Registry, id string) *session {
	return &session{
		r:          r,
		id:         id,
		log:        r.log.WithField("document", id),
		done:       make(chan struct{}),
		inbox:      make(chan request, r.cfg.InboxSize),
		metadata:   map[string]any{},
		presence:   presence.NewTracker(),
		saver:      persist.NewScheduler(r.store, r.clock, r.cfg.SaveWindow, r.cfg.SnapshotTTL),
		persistent: true,
	}
}

// enqueue queues req for the executor. It returns false once the session has
// started closing; the caller should wait on done and look the document up
// again.
func (s *session) enqueue(req request) bool {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return false
	}
	s.queued++
	s.mu.Unlock()
	s.inbox <- req
	return true
}

func (s *session) run() {
	defer close(s.done)
	s.hydrate()

	var leaseC <-chan time.Time
	if s.leaseTicker != nil {
		leaseC = s.leaseTicker.C
	}
	for {
		select {
		case req := <-s.inbox:
			s.mu.Lock()
			s.queued--
			s.mu.Unlock()
			force := s.handle(req)
			closed := (force || s.presence.Len() == 0) && s.evict(force)
			if s.lastLeave != nil {
				// The final leave returns only once the flush is done.
				s.lastLeave.respond(nil)
				s.lastLeave = nil
			}
			if closed {
				return
			}
		case <-leaseC:
			s.renewLease()
			if s.presence.Len() == 0 && s.evict(false) {
				return
			}
		}
	}
}

func (s *session) hydrate() {
	s.state = Hydrating
	ctx, cancel := context.WithTimeout(s.r.ctx, s.r.cfg.StoreTimeout)
	defer cancel()

	if l := s.r.leaser; l != nil {
		ok, err := l.Acquire(ctx, s.id, s.r.cfg.Owner, s.r.cfg.LeaseTTL)
		switch {
		case err != nil:
			s.log.WithError(err).Warn("lease store unavailable, opening without a lease")
		case !ok:
			s.log.Warn("document is leased by another instance")
			s.rejectErr = ErrNotOwner
			return
		default:
			s.leased = true
			s.leaseTicker = s.r.clock.NewTicker(s.r.cfg.LeaseTTL / 3)
		}
	}

	snap, err := s.r.store.Get(ctx, s.id)
	switch {
	case err != nil:
		// Saving over a snapshot we could not read would lose it.
		s.log.WithError(err).Error("snapshot store unavailable, document is memory-only until it answers")
		s.persistent = false
		s.rehydrate = true
		s.armSave()
	case snap != nil:
		s.load(snap)
		s.log.WithField("version", s.version).Debug("hydrated from snapshot")
	default:
		s.log.Debug("no snapshot, starting empty")
	}
	s.logStart = s.version
	s.state = Active
}

func (s *session) load(snap *store.Snapshot) {
	s.content = snap.Content
	s.version = snap.Version
	if snap.Metadata != nil {
		s.metadata = snap.Metadata
	}
}

// retryHydrate reads the snapshot a failed hydration missed. Saving becomes
// possible again when nothing is stored, or when the stored snapshot can be
// adopted because nobody has changed the document yet. It reports whether
// the session is persistent now.
func (s *session) retryHydrate() bool {
	ctx, cancel := context.WithTimeout(s.r.ctx, s.r.cfg.StoreTimeout)
	defer cancel()
	snap, err := s.r.store.Get(ctx, s.id)
	if err != nil {
		s.log.WithError(err).Warn("snapshot store still unavailable")
		s.armSave()
		return false
	}
	s.rehydrate = false
	switch {
	case snap == nil:
	case s.changes == 0:
		s.load(snap)
		s.oplog = nil
		s.logStart = s.version
		for _, p := range s.presence.List() {
			s.presence.Observe(p.ConnectionID, s.version)
			s.send(p.ConnectionID, s.stateFor(p.ConnectionID))
		}
	default:
		s.log.WithField("stored_version", snap.Version).Error("snapshot appeared after edits began, document stays memory-only")
		return false
	}
	s.persistent = true
	s.log.WithField("version", s.version).Info("snapshot store reachable again, saving enabled")
	return true
}

// handle processes one request. It returns true when the session must close
// regardless of who is still connected.
func (s *session) handle(req request) bool {
	switch m := req.(type) {
	case *joinReq:
		m.respond(s.join(m))
	case *leaveReq:
		err := s.leave(m)
		if err == nil && s.presence.Len() == 0 {
			s.lastLeave = m
			break
		}
		m.respond(err)
	case *submitReq:
		m.respond(s.submit(m))
	case *cursorReq:
		m.respond(s.cursor(m))
	case *selectionReq:
		m.respond(s.selection(m))
	case *metadataReq:
		m.respond(s.mergeMetadata(m))
	case *inspectReq:
		m.info <- s.inspect()
		m.respond(nil)
	case *saveTick:
		s.save()
	case *saveDone:
		s.saved(m)
	case *shutdownReq:
		return true
	default:
		s.log.Errorf("unexpected request %T", req)
	}
	return false
}

func (s *session) join(m *joinReq) error {
	if s.rejectErr != nil {
		return s.rejectErr
	}
	_, existed := s.presence.Get(m.connID)
	s.presence.Add(m.connID, m.userID, s.version, s.r.clock.Now())
	s.send(m.connID, s.stateFor(m.connID))
	if !existed {
		s.broadcast(m.connID, &protocol.Participant{
			Type:         protocol.TypeParticipantJoined,
			DocumentID:   s.id,
			UserID:       m.userID,
			ConnectionID: m.connID,
		})
		s.log.WithFields(logrus.Fields{"connection": m.connID, "user": m.userID}).Info("participant joined")
	}
	return nil
}

func (s *session) stateFor(connID string) *protocol.State {
	return &protocol.State{
		Type:         protocol.TypeState,
		DocumentID:   s.id,
		ConnectionID: connID,
		Content:      s.content,
		Version:      s.version,
		Metadata:     maps.Clone(s.metadata),
		Participants: s.presence.List(),
	}
}

func (s *session) leave(m *leaveReq) error {
	p, ok := s.presence.Remove(m.connID)
	if !ok {
		return ErrNotJoined
	}
	s.log.WithFields(logrus.Fields{"connection": m.connID, "user": p.UserID}).Info("participant left")
	if s.presence.Len() > 0 {
		s.broadcast("", &protocol.Participant{
			Type:         protocol.TypeParticipantLeft,
			DocumentID:   s.id,
			UserID:       p.UserID,
			ConnectionID: m.connID,
		})
	}
	return nil
}

func (s *session) submit(m *submitReq) error {
	if m.op == nil {
		return fmt.Errorf("empty operation: %w", ot.ErrInvalid)
	}
	if _, ok := s.presence.Get(m.connID); !ok {
		return ErrNotJoined
	}
	if m.base > s.version {
		return fmt.Errorf("%w: based on %d, document is at %d", ErrFutureVersion, m.base, s.version)
	}
	if m.base < s.logStart {
		return fmt.Errorf("%w: based on %d, oldest retained is %d", ErrVersionTooOld, m.base, s.logStart)
	}
	op := ot.TransformAll(m.op, s.oplog[m.base-s.logStart:])
	if err := ot.Validate(op, utf8.RuneCountInString(s.content)); err != nil {
		return fmt.Errorf("transformed %s: %w", op.Encode(), err)
	}
	next, err := op.Apply(s.content)
	if err != nil {
		return err
	}

	s.content = next
	s.oplog = append(s.oplog, op)
	s.version++
	s.changes++
	s.presence.Observe(m.connID, m.base)
	s.presence.ShiftAll(op)

	s.broadcast(m.connID, &protocol.Change{
		Type:         protocol.TypeOperation,
		DocumentID:   s.id,
		ConnectionID: m.connID,
		Operation:    ot.JSON{Op: op},
		Version:      s.version,
	})
	s.send(m.connID, &protocol.Ack{Type: protocol.TypeAck, DocumentID: s.id, Version: s.version})
	s.touch()
	s.truncate()
	return nil
}

// truncate drops log entries past MaxLog that no participant can still base
// an operation on. Past HardMaxLog it drops them anyway.
func (s *session) truncate() {
	cfg := s.r.cfg
	if len(s.oplog) <= cfg.MaxLog {
		return
	}
	drop := len(s.oplog) - cfg.MaxLog
	if low, ok := s.presence.LowWaterMark(); ok {
		drop = min(drop, low-s.logStart)
	}
	if over := len(s.oplog) - cfg.HardMaxLog; over > drop {
		s.log.WithField("dropped", over).Warn("operation log hit its hard limit, lagging participants must re-join")
		drop = over
	}
	if drop <= 0 {
		return
	}
	clear(s.oplog[:drop])
	s.oplog = s.oplog[drop:]
	s.logStart += drop
}

func (s *session) cursor(m *cursorReq) error {
	pos, ok := s.presence.SetCursor(m.connID, m.pos, utf8.RuneCountInString(s.content))
	if !ok {
		return ErrNotJoined
	}
	s.broadcast(m.connID, &protocol.Cursor{
		Type:         protocol.TypeCursor,
		DocumentID:   s.id,
		ConnectionID: m.connID,
		Position:     pos,
	})
	return nil
}

func (s *session) selection(m *selectionReq) error {
	sel, ok := s.presence.SetSelection(m.connID, m.sel, utf8.RuneCountInString(s.content))
	if !ok {
		return ErrNotJoined
	}
	s.broadcast(m.connID, &protocol.Selection{
		Type:         protocol.TypeSelection,
		DocumentID:   s.id,
		ConnectionID: m.connID,
		Range:        sel,
	})
	return nil
}

func (s *session) mergeMetadata(m *metadataReq) error {
	if _, ok := s.presence.Get(m.connID); !ok {
		return ErrNotJoined
	}
	for k, v := range m.patch {
		if v == nil {
			delete(s.metadata, k)
		} else {
			s.metadata[k] = v
		}
	}
	s.changes++
	s.broadcast("", &protocol.Metadata{
		Type:         protocol.TypeMetadata,
		DocumentID:   s.id,
		ConnectionID: m.connID,
		Metadata:     maps.Clone(s.metadata),
	})
	s.touch()
	return nil
}

func (s *session) snapshot() store.Snapshot {
	return store.Snapshot{
		Content:  s.content,
		Version:  s.version,
		Metadata: maps.Clone(s.metadata),
	}
}

func (s *session) inspect() Info {
	return Info{
		State:        s.state,
		Snapshot:     s.snapshot(),
		Participants: s.presence.List(),
		LogStart:     s.logStart,
		LogLen:       len(s.oplog),
		Log:          ot.EncodeOps(s.oplog),
		LastSaved:    s.saver.LastSaved(),
		Persistent:   s.persistent,
	}
}

func (s *session) dirty() bool {
	return s.changes > s.savedChanges
}

// touch restarts the debounce window after a mutation.
func (s *session) touch() {
	if !s.persistent && !s.rehydrate {
		return
	}
	s.armSave()
}

func (s *session) armSave() {
	s.saver.Touch(func() { s.enqueue(&saveTick{}) })
}

func (s *session) save() {
	if s.rehydrate && !s.retryHydrate() {
		return
	}
	if !s.persistent || !s.dirty() {
		return
	}
	snap, changes := s.snapshot(), s.changes
	started := s.saver.SaveAsync(s.r.ctx, s.id, snap, func(at time.Time, err error) {
		s.enqueue(&saveDone{at: at, version: snap.Version, changes: changes, err: err})
	})
	if !started {
		// The previous write is still running; go again once it lands.
		s.saveAgain = true
	}
}

func (s *session) saved(m *saveDone) {
	if m.err != nil {
		s.log.WithError(m.err).Warn("snapshot save failed, retrying next cycle")
		s.touch()
		return
	}
	s.savedChanges = max(s.savedChanges, m.changes)
	s.log.WithField("version", m.version).Debug("snapshot saved")
	s.broadcast("", &protocol.Saved{
		Type:       protocol.TypeSaved,
		DocumentID: s.id,
		Timestamp:  m.at,
		Version:    m.version,
	})
	if s.saveAgain {
		s.saveAgain = false
		s.save()
	}
}

func (s *session) renewLease() {
	ctx, cancel := context.WithTimeout(s.r.ctx, s.r.cfg.StoreTimeout)
	defer cancel()
	ok, err := s.r.leaser.Renew(ctx, s.id, s.r.cfg.Owner, s.r.cfg.LeaseTTL)
	if err != nil {
		s.log.WithError(err).Warn("lease renewal failed")
		return
	}
	if ok {
		return
	}
	// Somebody else owns the document now; anything we write would clobber
	// their state.
	s.log.Error("lost document lease, disconnecting participants")
	s.leased = false
	s.persistent = false
	s.broadcast("", &protocol.Error{
		Type:       protocol.TypeError,
		DocumentID: s.id,
		Message:    ErrNotOwner.Error(),
		Code:       protocol.CodeNotOwner,
	})
	for _, p := range s.presence.List() {
		s.presence.Remove(p.ConnectionID)
	}
}

// evict closes the session once nothing is queued for it, or unconditionally
// when force is set. It reports whether the session is gone.
func (s *session) evict(force bool) bool {
	s.mu.Lock()
	if s.queued > 0 && !force {
		// Someone is about to join or still waiting on a reply.
		s.mu.Unlock()
		return false
	}
	s.closing = true
	pending := s.queued
	s.mu.Unlock()

	s.state = Closing
	s.saver.Stop()
	if s.rehydrate {
		s.retryHydrate()
		s.saver.Stop()
	}
	if s.persistent && s.dirty() {
		ctx, cancel := context.WithTimeout(s.r.ctx, s.r.cfg.StoreTimeout)
		if _, err := s.saver.Flush(ctx, s.id, s.snapshot()); err != nil {
			s.log.WithError(err).Error("final snapshot flush failed")
		} else {
			s.savedChanges = s.changes
		}
		cancel()
	}
	if s.leaseTicker != nil {
		s.leaseTicker.Stop()
	}
	if s.leased {
		ctx, cancel := context.WithTimeout(s.r.ctx, s.r.cfg.StoreTimeout)
		if err := s.r.leaser.Release(ctx, s.id, s.r.cfg.Owner); err != nil {
			s.log.WithError(err).Warn("lease release failed")
		}
		cancel()
	}
	s.r.remove(s.id, s)

	// Requests queued before closing still expect an answer.
	for ; pending > 0; pending-- {
		req := <-s.inbox
		if rp, ok := req.(interface{ respond(error) }); ok {
			rp.respond(ErrClosed)
		}
	}
	s.log.WithField("version", s.version).Info("document closed")
	return true
}

func (s *session) send(connID string, msg any) {
	if err := s.r.transport.Send(connID, msg); err != nil {
		s.log.WithError(err).WithField("connection", connID).Warn("send failed")
	}
}

// broadcast sends msg to every participant except exclude.
func (s *session) broadcast(exclude string, msg any) {
	for _, id := range s.presence.ConnectionIDs(exclude) {
		s.send(id, msg)
	}
}

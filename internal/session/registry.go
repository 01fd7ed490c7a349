// Package session coordinates concurrent editing of documents. Each open
// document is owned by exactly one goroutine that applies joins, edits,
// presence updates and leaves strictly in arrival order; documents are
// independent of each other and run in parallel.
//
// A Registry assumes it is the only process serving a given document. When
// several instances share a store, route every participant of a document to
// the same instance or configure a Leaser so a second instance refuses to
// open a document the first one already holds.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"collabtext/engine/internal/clock"
	"collabtext/engine/internal/ot"
	"collabtext/engine/internal/persist"
	"collabtext/engine/internal/presence"
	"collabtext/engine/internal/store"
)

var (
	ErrUnknownDocument = errors.New("unknown document")
	ErrVersionTooOld   = errors.New("base version is older than the retained operation log")
	ErrFutureVersion   = errors.New("base version is newer than the document")
	ErrNotJoined       = errors.New("connection has not joined the document")
	ErrNotOwner        = errors.New("document is owned by another instance")
	ErrClosed          = errors.New("registry closed")
)

// Transport delivers messages to individual connections. Send must not block
// and must keep per-connection order.
type Transport interface {
	Send(connID string, msg any) error
}

// Config tunes every session a Registry runs.
type Config struct {
	// SaveWindow is the debounce window for snapshot writes.
	SaveWindow time.Duration
	// SnapshotTTL is passed to the store with every write. Zero keeps
	// snapshots forever.
	SnapshotTTL time.Duration
	// MaxLog is the operation log length above which entries no connected
	// participant can still reference are dropped.
	MaxLog int
	// HardMaxLog caps the log even if a participant lags behind; that
	// participant has to re-join.
	HardMaxLog int
	// InboxSize is the per-document message buffer.
	InboxSize int
	// StoreTimeout bounds hydration and the final flush.
	StoreTimeout time.Duration
	// LeaseTTL is how long an ownership lease lasts between renewals.
	LeaseTTL time.Duration
	// Owner identifies this process in ownership leases.
	Owner string
}

func (c Config) withDefaults() Config {
	if c.SaveWindow <= 0 {
		c.SaveWindow = persist.DefaultWindow
	}
	if c.MaxLog <= 0 {
		c.MaxLog = 1000
	}
	if c.HardMaxLog < c.MaxLog {
		c.HardMaxLog = 4 * c.MaxLog
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 256
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	return c
}

type Option func(*Registry)

// WithClock replaces the wall clock, for tests.
func WithClock(clk clock.Clock) Option {
	return func(r *Registry) { r.clock = clk }
}

// WithLeaser makes every session hold an ownership lease while it is open.
func WithLeaser(l store.Leaser) Option {
	return func(r *Registry) { r.leaser = l }
}

// Registry owns the set of open documents.
type Registry struct {
	cfg       Config
	store     store.SnapshotStore
	transport Transport
	leaser    store.Leaser
	clock     clock.Clock
	log       *logrus.Entry
	ctx       context.Context
	cancel    context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

func NewRegistry(cfg Config, st store.SnapshotStore, tr Transport, log *logrus.Entry, opts ...Option) *Registry {
	r := &Registry{
		cfg:       cfg.withDefaults(),
		store:     st,
		transport: tr,
		clock:     clock.Real(),
		log:       log.WithField("component", "session"),
		sessions:  make(map[string]*session),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r
}

// Join attaches connID to a document, opening it if nobody has it open. The
// connection receives a state message with everything up to the current
// version before any later change.
func (r *Registry) Join(ctx context.Context, docID, connID, userID string) error {
	return r.call(ctx, docID, true, &joinReq{connID: connID, userID: userID})
}

// Leave detaches connID. The last leave flushes the document and closes it.
func (r *Registry) Leave(ctx context.Context, docID, connID string) error {
	return r.call(ctx, docID, false, &leaveReq{connID: connID})
}

// Submit transforms op, made against baseVersion, past everything accepted
// since, applies it and fans it out to the other participants.
func (r *Registry) Submit(ctx context.Context, docID, connID string, op ot.Op, baseVersion int) error {
	return r.call(ctx, docID, false, &submitReq{connID: connID, op: op, base: baseVersion})
}

// Cursor moves connID's caret; nil clears it.
func (r *Registry) Cursor(ctx context.Context, docID, connID string, pos *int) error {
	return r.call(ctx, docID, false, &cursorReq{connID: connID, pos: pos})
}

// Selection replaces connID's selection; nil clears it.
func (r *Registry) Selection(ctx context.Context, docID, connID string, sel *presence.Range) error {
	return r.call(ctx, docID, false, &selectionReq{connID: connID, sel: sel})
}

// Metadata merges patch into the document metadata. A nil value removes the
// key.
func (r *Registry) Metadata(ctx context.Context, docID, connID string, patch map[string]any) error {
	return r.call(ctx, docID, false, &metadataReq{connID: connID, patch: patch})
}

// Info describes an open document.
type Info struct {
	State        State
	Snapshot     store.Snapshot
	Participants []presence.Participant
	LogStart     int
	LogLen       int
	// Log is the retained operation log in the compact text encoding.
	Log        []string
	LastSaved  time.Time
	Persistent bool
}

// Inspect returns the current state of an open document.
func (r *Registry) Inspect(ctx context.Context, docID string) (Info, error) {
	req := &inspectReq{info: make(chan Info, 1)}
	if err := r.call(ctx, docID, false, req); err != nil {
		return Info{}, err
	}
	return <-req.info, nil
}

// Sessions lists the open documents.
func (r *Registry) Sessions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close flushes and closes every open document and refuses new work.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	open := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		open = append(open, s)
	}
	r.mu.Unlock()

	for _, s := range open {
		if s.enqueue(&shutdownReq{}) {
			select {
			case <-s.done:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	r.cancel()
	return nil
}

func (r *Registry) call(ctx context.Context, docID string, create bool, req request) error {
	reply := make(chan error, 1)
	req.setReply(reply)
	if err := r.dispatch(ctx, docID, create, req); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatch hands req to the document's executor, starting one if create is
// set. A document that is closing is waited out, so a join racing the last
// leave reopens it from the freshly flushed snapshot.
func (r *Registry) dispatch(ctx context.Context, docID string, create bool, req request) error {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return ErrClosed
		}
		s, ok := r.sessions[docID]
		if !ok {
			if !create {
				r.mu.Unlock()
				return ErrUnknownDocument
			}
			s = newSession(r, docID)
			r.sessions[docID] = s
			go s.run()
		}
		r.mu.Unlock()

		if s.enqueue(req) {
			return nil
		}
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Registry) remove(docID string, s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[docID] == s {
		delete(r.sessions, docID)
	}
}

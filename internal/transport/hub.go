// Package transport serves the document engine over websockets.
package transport

import (
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

var ErrHubClosed = errors.New("hub closed")

// Options tunes connection handling.
type Options struct {
	// Heartbeat is the ping interval. A connection that stays silent for two
	// intervals, pongs included, is dropped.
	Heartbeat time.Duration
	// RequestTimeout bounds how long one inbound message may wait for its
	// document.
	RequestTimeout time.Duration
	// MaxMessageSize is the largest inbound message accepted.
	MaxMessageSize int64
	// SendBuffer is the per-connection outbound queue. A client that lets it
	// fill up is disconnected.
	SendBuffer int
}

func (o Options) withDefaults() Options {
	if o.Heartbeat <= 0 {
		o.Heartbeat = 30 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 1 << 20
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	return o
}

type outbound struct {
	connID string
	buf    []byte
}

// Hub maintains the set of live connections and routes outgoing messages to
// them. It implements session.Transport.
type Hub struct {
	coord Coordinator
	opts  Options
	log   *logrus.Entry

	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	deliver    chan outbound
	quit       chan struct{}
	stopped    chan struct{}
	closed     atomic.Bool
	count      atomic.Int64
}

func NewHub(opts Options, log *logrus.Entry) *Hub {
	return &Hub{
		opts:       opts.withDefaults(),
		log:        log.WithField("component", "transport"),
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		deliver:    make(chan outbound, 1024),
		quit:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// Bind sets where inbound messages go. It must be called before the hub
// serves connections.
func (h *Hub) Bind(coord Coordinator) {
	h.coord = coord
}

// Run owns the client set until Close is called.
func (h *Hub) Run() {
	defer close(h.stopped)
	for {
		select {
		case c := <-h.register:
			h.clients[c.id] = c
			h.count.Store(int64(len(h.clients)))
			c.log.Debugf("client registered, %d connected", len(h.clients))
		case c := <-h.unregister:
			h.drop(c)
		case m := <-h.deliver:
			c, ok := h.clients[m.connID]
			if !ok {
				continue
			}
			select {
			case c.send <- m.buf:
			default:
				c.log.Warn("send buffer full, dropping client")
				h.drop(c)
			}
		case <-h.quit:
			for _, c := range h.clients {
				h.drop(c)
			}
			return
		}
	}
}

func (h *Hub) drop(c *Client) {
	if cur, ok := h.clients[c.id]; !ok || cur != c {
		return
	}
	delete(h.clients, c.id)
	close(c.send)
	h.count.Store(int64(len(h.clients)))
	c.log.Debugf("client unregistered, %d connected", len(h.clients))
}

// Send queues msg for connID. Messages for one connection keep their order.
// A message for a connection that is already gone is discarded.
func (h *Hub) Send(connID string, msg any) error {
	if h.closed.Load() {
		return ErrHubClosed
	}
	buf, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case h.deliver <- outbound{connID: connID, buf: buf}:
		return nil
	case <-h.quit:
		return ErrHubClosed
	}
}

// Connections is the number of registered clients.
func (h *Hub) Connections() int {
	return int(h.count.Load())
}

// Close disconnects every client and stops Run, which must be running.
func (h *Hub) Close() {
	if h.closed.CompareAndSwap(false, true) {
		close(h.quit)
		<-h.stopped
	}
}

func (h *Hub) add(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.quit:
		return false
	}
}

func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

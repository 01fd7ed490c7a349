package transport

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"collabtext/engine/internal/ot"
	"collabtext/engine/internal/presence"
	"collabtext/engine/internal/protocol"
	"collabtext/engine/internal/session"
)

// Coordinator is the document side of the engine; *session.Registry
// implements it.
type Coordinator interface {
	Join(ctx context.Context, docID, connID, userID string) error
	Leave(ctx context.Context, docID, connID string) error
	Submit(ctx context.Context, docID, connID string, op ot.Op, baseVersion int) error
	Cursor(ctx context.Context, docID, connID string, pos *int) error
	Selection(ctx context.Context, docID, connID string, sel *presence.Range) error
	Metadata(ctx context.Context, docID, connID string, patch map[string]any) error
}

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is one websocket connection.
type Client struct {
	hub  *Hub
	id   string
	conn *websocket.Conn
	send chan []byte
	log  *logrus.Entry

	// docs is only touched by readPump.
	docs map[string]bool
}

// ServeWS upgrades the request and runs the connection until it closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	id := uuid.NewString()
	c := &Client{
		hub:  h,
		id:   id,
		conn: conn,
		send: make(chan []byte, h.opts.SendBuffer),
		log:  h.log.WithFields(logrus.Fields{"connection": id, "remote": r.RemoteAddr}),
		docs: make(map[string]bool),
	}
	if !h.add(c) {
		conn.Close()
		return
	}
	c.log.Info("client connected")
	go c.writePump()
	go c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.leaveAll()
		c.conn.Close()
		c.log.Info("client disconnected")
	}()
	pongWait := c.hub.opts.Heartbeat * 2
	c.conn.SetReadLimit(c.hub.opts.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, buf, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.WithError(err).Debug("read failed")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handle(buf)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.opts.Heartbeat)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.WithError(err).Debug("write failed")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handle(buf []byte) {
	msg, err := protocol.Decode(buf)
	if err != nil {
		c.fail("", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.hub.opts.RequestTimeout)
	defer cancel()

	coord := c.hub.coord
	var doc string
	switch m := msg.(type) {
	case *protocol.Join:
		doc = m.DocumentID
		joined := c.docs[doc]
		// A join that times out may still land, so the document stays
		// listed for leaveAll.
		c.docs[doc] = true
		err = coord.Join(ctx, doc, c.id, m.UserID)
		if err != nil && !joined && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			delete(c.docs, doc)
		}
	case *protocol.Leave:
		doc = m.DocumentID
		delete(c.docs, doc)
		err = coord.Leave(ctx, doc, c.id)
	case *protocol.Submit:
		doc = m.DocumentID
		err = coord.Submit(ctx, doc, c.id, m.Operation.Op, m.BaseVersion)
	case *protocol.CursorUpdate:
		doc = m.DocumentID
		err = coord.Cursor(ctx, doc, c.id, m.Position)
	case *protocol.SelectionUpdate:
		doc = m.DocumentID
		err = coord.Selection(ctx, doc, c.id, m.Range)
	case *protocol.MetadataPatch:
		doc = m.DocumentID
		err = coord.Metadata(ctx, doc, c.id, m.Patch)
	case *protocol.Ping:
		err = c.hub.Send(c.id, &protocol.Pong{Type: protocol.TypePong})
	}
	if err != nil {
		c.fail(doc, err)
	}
}

// leaveAll detaches the connection from every document it still has open.
func (c *Client) leaveAll() {
	for doc := range c.docs {
		ctx, cancel := context.WithTimeout(context.Background(), c.hub.opts.RequestTimeout)
		err := c.hub.coord.Leave(ctx, doc, c.id)
		cancel()
		if err != nil && !errors.Is(err, session.ErrNotJoined) && !errors.Is(err, session.ErrUnknownDocument) {
			c.log.WithError(err).WithField("document", doc).Warn("leave on disconnect failed")
		}
	}
	clear(c.docs)
}

// fail reports err to the client.
func (c *Client) fail(doc string, err error) {
	code := ErrorCode(err)
	text := err.Error()
	if code == protocol.CodeInternal {
		c.log.WithError(err).WithField("document", doc).Error("request failed")
		text = "internal error"
	} else {
		c.log.WithError(err).WithField("document", doc).Debug("request rejected")
	}
	c.hub.Send(c.id, &protocol.Error{
		Type:       protocol.TypeError,
		DocumentID: doc,
		Message:    text,
		Code:       code,
	})
}

// ErrorCode maps an engine error to the code sent to clients.
func ErrorCode(err error) string {
	var pe *protocol.ProtocolError
	switch {
	case errors.Is(err, session.ErrVersionTooOld):
		return protocol.CodeVersionTooOld
	case errors.Is(err, session.ErrUnknownDocument):
		return protocol.CodeUnknownDocument
	case errors.Is(err, session.ErrNotOwner):
		return protocol.CodeNotOwner
	case errors.As(err, &pe),
		errors.Is(err, session.ErrNotJoined),
		errors.Is(err, session.ErrFutureVersion),
		errors.Is(err, ot.ErrOutOfBounds),
		errors.Is(err, ot.ErrInvalid):
		return protocol.CodeProtocol
	}
	return protocol.CodeInternal
}

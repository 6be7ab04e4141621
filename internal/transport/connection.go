package transport

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type outbound struct {
	data    []byte
	onError func(error)
}

// connection is one websocket to the peer with its read and write pumps.
type connection struct {
	id        string
	ws        *websocket.Conn
	link      *Link
	send      chan outbound
	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(link *Link, ws *websocket.Conn) *connection {
	return &connection{
		id:   uuid.New().String(),
		ws:   ws,
		link: link,
		send: make(chan outbound, 256),
		done: make(chan struct{}),
	}
}

func (c *connection) enqueue(o outbound) error {
	select {
	case <-c.done:
		return ErrConnectionLost
	default:
	}
	select {
	case c.send <- o:
		return nil
	case <-c.done:
		return ErrConnectionLost
	default:
		return ErrSendBufferFull
	}
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func (c *connection) readPump() {
	defer c.link.detach(c)

	if c.link.cfg.MaxMessageSize > 0 {
		c.ws.SetReadLimit(c.link.cfg.MaxMessageSize)
	}
	c.ws.SetReadDeadline(time.Now().Add(c.link.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.link.cfg.PongWait))
		return nil
	})

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Printf("[PeerLink] read error on %s: %v", c.id, err)
			}
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		c.link.handleFrame(c, data)
	}
}

func (c *connection) writePump() {
	ticker := time.NewTicker(c.link.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		c.drain()
	}()

	for {
		select {
		case o := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.link.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, o.data); err != nil {
				log.Printf("[PeerLink] write error on %s: %v", c.id, err)
				if o.onError != nil {
					o.onError(err)
				}
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.link.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(c.link.cfg.WriteWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// drain fails whatever was queued but never written.
func (c *connection) drain() {
	for {
		select {
		case o := <-c.send:
			if o.onError != nil {
				o.onError(ErrConnectionLost)
			}
		default:
			return
		}
	}
}

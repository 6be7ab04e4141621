package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type LinkConfig struct {
	DeviceID string
	// Resolve returns the peer websocket URL. A nil Resolve makes the link
	// accept-only: connections arrive through Accept.
	Resolve func(ctx context.Context) (string, error)
	// Token returns the bearer token presented when dialing.
	Token             func() (string, error)
	ReconnectInterval time.Duration
	HandshakeTimeout  time.Duration
	WriteWait         time.Duration
	PongWait          time.Duration
	PingPeriod        time.Duration
	MaxMessageSize    int64
}

type pendingReply struct {
	conn    *connection
	onReply func(Payload)
	onError func(error)
}

// Link is a Peer over a single websocket. A newer connection replaces the
// current one.
type Link struct {
	cfg    LinkConfig
	dialer *websocket.Dialer
	ctx    context.Context
	cancel context.CancelFunc

	activateOnce sync.Once

	mu       sync.Mutex
	delegate Delegate
	conn     *connection
	pending  map[string]pendingReply
	latest   []byte
}

func NewLink(cfg LinkConfig) *Link {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.PingPeriod <= 0 || cfg.PingPeriod >= cfg.PongWait {
		cfg.PingPeriod = cfg.PongWait * 9 / 10
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Link{
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]pendingReply),
	}
}

func (l *Link) SetDelegate(d Delegate) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.delegate = d
}

func (l *Link) getDelegate() Delegate {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.delegate
}

func (l *Link) current() *connection {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn
}

func (l *Link) Activate() {
	l.activateOnce.Do(func() {
		if l.cfg.Resolve == nil {
			log.Printf("[PeerLink] %s waiting for inbound peer connections", l.cfg.DeviceID)
			if d := l.getDelegate(); d != nil {
				go d.OnActivationComplete(nil)
			}
			return
		}
		go l.dialLoop()
	})
}

func (l *Link) IsReachable() bool {
	return l.current() != nil
}

func (l *Link) SendMessage(p Payload, onReply func(Payload), onError func(error)) {
	fail := func(err error) {
		if onError != nil {
			go onError(err)
		}
	}

	c := l.current()
	if c == nil {
		fail(ErrNotConnected)
		return
	}

	msg, err := NewMessage(p)
	if err != nil {
		fail(err)
		return
	}
	msg.ExpectsReply = onReply != nil
	data, err := EncodeMessage(msg)
	if err != nil {
		fail(err)
		return
	}

	errFn := onError
	if onReply != nil {
		l.mu.Lock()
		l.pending[msg.ID] = pendingReply{conn: c, onReply: onReply, onError: onError}
		l.mu.Unlock()

		errFn = func(err error) {
			if pr, ok := l.takePending(msg.ID); ok && pr.onError != nil {
				pr.onError(err)
			}
		}
	}

	if err := c.enqueue(outbound{data: data, onError: errFn}); err != nil && errFn != nil {
		go errFn(err)
	}
}

func (l *Link) Broadcast(p Payload) error {
	msg, err := NewMessage(p)
	if err != nil {
		return err
	}
	msg.Broadcast = true
	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.latest = data
	c := l.conn
	l.mu.Unlock()

	if c != nil {
		if err := c.enqueue(outbound{data: data}); err != nil {
			log.Printf("[PeerLink] broadcast deferred until next connection: %v", err)
		}
	}
	return nil
}

// Accept attaches an upgraded inbound connection and blocks until it closes.
func (l *Link) Accept(ws *websocket.Conn) {
	c := l.attach(ws)
	<-c.done
}

// Close tears down the current connection and stops redialing.
func (l *Link) Close() {
	l.cancel()
	if c := l.current(); c != nil {
		c.close()
	}
}

func (l *Link) takePending(id string) (pendingReply, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pr, ok := l.pending[id]
	if ok {
		delete(l.pending, id)
	}
	return pr, ok
}

func (l *Link) attach(ws *websocket.Conn) *connection {
	c := newConnection(l, ws)

	l.mu.Lock()
	old := l.conn
	l.conn = c
	latest := l.latest
	d := l.delegate
	l.mu.Unlock()

	if old != nil {
		log.Printf("[PeerLink] replacing connection %s with %s", old.id, c.id)
		old.close()
	}

	go c.writePump()
	go c.readPump()

	if latest != nil {
		if err := c.enqueue(outbound{data: latest}); err != nil {
			log.Printf("[PeerLink] failed to replay broadcast: %v", err)
		}
	}

	log.Printf("[PeerLink] connected to peer (%s)", c.id)
	if old == nil && d != nil {
		d.OnReachabilityChanged(true)
	}
	return c
}

func (l *Link) detach(c *connection) {
	l.mu.Lock()
	isCurrent := l.conn == c
	if isCurrent {
		l.conn = nil
	}
	var failed []pendingReply
	for id, pr := range l.pending {
		if pr.conn == c {
			failed = append(failed, pr)
			delete(l.pending, id)
		}
	}
	d := l.delegate
	l.mu.Unlock()

	c.close()

	for _, pr := range failed {
		if pr.onError != nil {
			go pr.onError(ErrConnectionLost)
		}
	}

	if isCurrent {
		log.Printf("[PeerLink] peer connection %s closed", c.id)
		if d != nil {
			d.OnReachabilityChanged(false)
		}
	}
}

func (l *Link) handleFrame(c *connection, data []byte) {
	msg, err := DecodeMessage(data)
	if err != nil {
		log.Printf("[PeerLink] dropping frame: %v", err)
		return
	}

	if msg.ReplyTo != "" {
		pr, ok := l.takePending(msg.ReplyTo)
		if !ok {
			log.Printf("[PeerLink] reply to unknown message %s", msg.ReplyTo)
			return
		}
		payload, err := msg.Decode()
		if err != nil {
			if pr.onError != nil {
				pr.onError(err)
			}
			return
		}
		pr.onReply(payload)
		return
	}

	payload, err := msg.Decode()
	if err != nil {
		log.Printf("[PeerLink] dropping %s: %v", msg.Type, err)
		return
	}

	d := l.getDelegate()
	if d == nil {
		return
	}
	if msg.Broadcast {
		d.OnBroadcastReceived(payload)
		return
	}

	var reply ReplyFunc
	if msg.ExpectsReply {
		reply = l.replyFunc(c, msg.ID)
	}
	d.OnMessageReceived(payload, reply)
}

func (l *Link) replyFunc(c *connection, requestID string) ReplyFunc {
	var once sync.Once
	return func(p Payload) {
		once.Do(func() {
			msg, err := NewMessage(p)
			if err != nil {
				log.Printf("[PeerLink] failed to build reply: %v", err)
				return
			}
			msg.ReplyTo = requestID
			data, err := EncodeMessage(msg)
			if err != nil {
				log.Printf("[PeerLink] failed to encode reply: %v", err)
				return
			}
			if err := c.enqueue(outbound{data: data}); err != nil {
				log.Printf("[PeerLink] reply to %s dropped: %v", requestID, err)
			}
		})
	}
}

func (l *Link) dialLoop() {
	first := true
	for {
		c, err := l.dial()
		// Not finding the peer, or waiting for it to dial in, is not a failure.
		waiting := errors.Is(err, ErrNoPeerFound) || errors.Is(err, ErrPeerDials)
		if waiting {
			err = nil
		}
		if first {
			first = false
			if d := l.getDelegate(); d != nil {
				d.OnActivationComplete(err)
			}
		} else if err != nil {
			log.Printf("[PeerLink] redial failed: %v", err)
		}

		if c != nil {
			select {
			case <-c.done:
			case <-l.ctx.Done():
				return
			}
		}

		select {
		case <-l.ctx.Done():
			return
		case <-time.After(l.cfg.ReconnectInterval):
		}
	}
}

func (l *Link) dial() (*connection, error) {
	if c := l.current(); c != nil {
		return c, nil
	}

	url, err := l.cfg.Resolve(l.ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve peer: %w", err)
	}

	header := http.Header{}
	if l.cfg.Token != nil {
		token, err := l.cfg.Token()
		if err != nil {
			return nil, fmt.Errorf("failed to issue pairing token: %w", err)
		}
		header.Set("Authorization", "Bearer "+token)
	}

	ws, resp, err := l.dialer.DialContext(l.ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	return l.attach(ws), nil
}

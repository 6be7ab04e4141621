package transport

import (
	"log"
	"sync"
)

// memoryLink is the shared reachability switch of a MemoryPeer pair.
type memoryLink struct {
	mu        sync.Mutex
	reachable bool
}

// MemoryPeer is an in-process Peer. Every payload goes through the wire codec
// and every callback runs on its own goroutine, as with a real connection.
type MemoryPeer struct {
	name  string
	link  *memoryLink
	other *MemoryPeer

	mu           sync.Mutex
	delegate     Delegate
	activateOnce sync.Once
	latest       []byte
	delivered    bool
}

// NewMemoryPair returns two connected, reachable peers.
func NewMemoryPair(nameA, nameB string) (*MemoryPeer, *MemoryPeer) {
	link := &memoryLink{reachable: true}
	a := &MemoryPeer{name: nameA, link: link}
	b := &MemoryPeer{name: nameB, link: link}
	a.other = b
	b.other = a
	return a, b
}

func (p *MemoryPeer) SetDelegate(d Delegate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delegate = d
}

func (p *MemoryPeer) getDelegate() Delegate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.delegate
}

func (p *MemoryPeer) Activate() {
	p.activateOnce.Do(func() {
		if d := p.getDelegate(); d != nil {
			go d.OnActivationComplete(nil)
		}
	})
}

func (p *MemoryPeer) IsReachable() bool {
	p.link.mu.Lock()
	defer p.link.mu.Unlock()
	return p.link.reachable
}

// SetReachable flips the link for both ends. On reconnect each side's
// undelivered broadcast is delivered.
func (p *MemoryPeer) SetReachable(reachable bool) {
	p.link.mu.Lock()
	changed := p.link.reachable != reachable
	p.link.reachable = reachable
	p.link.mu.Unlock()

	if !changed {
		return
	}
	for _, side := range []*MemoryPeer{p, p.other} {
		if d := side.getDelegate(); d != nil {
			go d.OnReachabilityChanged(reachable)
		}
	}
	if reachable {
		p.flushBroadcast()
		p.other.flushBroadcast()
	}
}

func (p *MemoryPeer) SendMessage(payload Payload, onReply func(Payload), onError func(error)) {
	fail := func(err error) {
		if onError != nil {
			go onError(err)
		}
	}

	if !p.IsReachable() {
		fail(ErrNotConnected)
		return
	}

	msg, err := NewMessage(payload)
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

	go p.other.receive(data, func(reply []byte) {
		if !p.IsReachable() {
			fail(ErrConnectionLost)
			return
		}
		rm, err := DecodeMessage(reply)
		if err != nil {
			fail(err)
			return
		}
		rp, err := rm.Decode()
		if err != nil {
			fail(err)
			return
		}
		if onReply != nil {
			go onReply(rp)
		}
	})
}

func (p *MemoryPeer) Broadcast(payload Payload) error {
	msg, err := NewMessage(payload)
	if err != nil {
		return err
	}
	msg.Broadcast = true
	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.latest = data
	p.delivered = false
	p.mu.Unlock()

	if p.IsReachable() {
		p.flushBroadcast()
	}
	return nil
}

func (p *MemoryPeer) flushBroadcast() {
	p.mu.Lock()
	if p.latest == nil || p.delivered {
		p.mu.Unlock()
		return
	}
	data := p.latest
	p.delivered = true
	p.mu.Unlock()

	go p.other.receive(data, nil)
}

func (p *MemoryPeer) receive(data []byte, sendReply func([]byte)) {
	d := p.getDelegate()
	if d == nil {
		return
	}

	msg, err := DecodeMessage(data)
	if err != nil {
		log.Printf("[MemoryPeer] %s dropped message: %v", p.name, err)
		return
	}
	payload, err := msg.Decode()
	if err != nil {
		log.Printf("[MemoryPeer] %s dropped %s: %v", p.name, msg.Type, err)
		return
	}

	if msg.Broadcast {
		d.OnBroadcastReceived(payload)
		return
	}

	var reply ReplyFunc
	if msg.ExpectsReply && sendReply != nil {
		var once sync.Once
		reply = func(r Payload) {
			once.Do(func() {
				rm, err := NewMessage(r)
				if err != nil {
					log.Printf("[MemoryPeer] %s failed to build reply: %v", p.name, err)
					return
				}
				rm.ReplyTo = msg.ID
				b, err := EncodeMessage(rm)
				if err != nil {
					log.Printf("[MemoryPeer] %s failed to encode reply: %v", p.name, err)
					return
				}
				go sendReply(b)
			})
		}
	}
	d.OnMessageReceived(payload, reply)
}

package transport

import (
	"sync"
	"testing"
	"time"
)

type recordingDelegate struct {
	mu           sync.Mutex
	broadcasts   []Payload
	messages     []Payload
	reachability []bool
	activations  []error
	// respond, when set, answers inbound messages that expect a reply.
	respond func(p Payload) Payload
}

func (d *recordingDelegate) OnBroadcastReceived(p Payload) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.broadcasts = append(d.broadcasts, p)
}

func (d *recordingDelegate) OnMessageReceived(p Payload, reply ReplyFunc) {
	d.mu.Lock()
	d.messages = append(d.messages, p)
	respond := d.respond
	d.mu.Unlock()

	if reply != nil && respond != nil {
		reply(respond(p))
	}
}

func (d *recordingDelegate) OnReachabilityChanged(reachable bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reachability = append(d.reachability, reachable)
}

func (d *recordingDelegate) OnActivationComplete(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.activations = append(d.activations, err)
}

func (d *recordingDelegate) counts() (broadcasts, messages, activations int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.broadcasts), len(d.messages), len(d.activations)
}

func (d *recordingDelegate) lastBroadcast() Payload {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.broadcasts) == 0 {
		return nil
	}
	return d.broadcasts[len(d.broadcasts)-1]
}

func (d *recordingDelegate) lastReachability() (bool, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.reachability) == 0 {
		return false, false
	}
	return d.reachability[len(d.reachability)-1], true
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

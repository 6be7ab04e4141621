package transport

import "errors"

var (
	ErrNotConnected   = errors.New("peer is not connected")
	ErrConnectionLost = errors.New("peer connection lost")
	ErrSendBufferFull = errors.New("peer send buffer full")
)

// ReplyFunc answers an inbound message. It is nil when the sender does not
// expect a reply.
type ReplyFunc func(Payload)

// Peer is the channel to the other device.
type Peer interface {
	SetDelegate(d Delegate)
	// Activate brings the channel up. Calling it again is a no-op. The
	// outcome is reported through Delegate.OnActivationComplete.
	Activate()
	IsReachable() bool
	// SendMessage is best effort: no queueing, retry or timeout. onReply and
	// onError are each called at most once, asynchronously, and may be nil.
	SendMessage(p Payload, onReply func(Payload), onError func(error))
	// Broadcast replaces the previously broadcast value. Only the latest value
	// is guaranteed to reach the peer once it is connected.
	Broadcast(p Payload) error
}

// Delegate receives inbound traffic. Implementations are called from
// transport goroutines and must hand work off to their own context.
type Delegate interface {
	OnBroadcastReceived(p Payload)
	OnMessageReceived(p Payload, reply ReplyFunc)
	OnReachabilityChanged(reachable bool)
	OnActivationComplete(err error)
}

package session

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hivemesh/fabric/internal/fault"
)

// DataChannel carries envelopes to one participant. Send never blocks;
// a full buffer is an error and the caller marks the peer Failed.
type DataChannel interface {
	Send(data []byte) error
	Open() bool
	Close() error
}

// PeerTransport is one directed peer connection under establishment
type PeerTransport interface {
	CreateOffer() (json.RawMessage, error)
	AcceptAnswer(answer json.RawMessage) error
	Close() error
}

// TransportFactory creates transports and data channels. The concrete
// media transport is an external collaborator behind this boundary.
type TransportFactory interface {
	NewTransport(sessionID, localID, remoteID string) (PeerTransport, error)
	NewChannel(sessionID, participantID string) (DataChannel, error)
}

// LoopbackFactory is the in-process transport used by tests and the
// direct-fallback path. Channels buffer up to capacity frames.
type LoopbackFactory struct {
	capacity int

	mu       sync.Mutex
	channels map[string]*LoopbackChannel // sessionID/participantID
}

// NewLoopbackFactory creates a loopback factory with the given
// per-channel buffer capacity
func NewLoopbackFactory(capacity int) *LoopbackFactory {
	if capacity <= 0 {
		capacity = 64
	}
	return &LoopbackFactory{
		capacity: capacity,
		channels: make(map[string]*LoopbackChannel),
	}
}

// NewTransport creates a loopback peer transport
func (f *LoopbackFactory) NewTransport(sessionID, localID, remoteID string) (PeerTransport, error) {
	return &loopbackTransport{sessionID: sessionID, localID: localID, remoteID: remoteID}, nil
}

// NewChannel creates (or returns) the loopback channel for a
// participant
func (f *LoopbackFactory) NewChannel(sessionID, participantID string) (DataChannel, error) {
	key := sessionID + "/" + participantID

	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.channels[key]; ok && ch.Open() {
		return ch, nil
	}
	ch := &LoopbackChannel{buf: make(chan []byte, f.capacity)}
	f.channels[key] = ch
	return ch, nil
}

// Channel returns the loopback channel for a participant. Test use.
func (f *LoopbackFactory) Channel(sessionID, participantID string) (*LoopbackChannel, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[sessionID+"/"+participantID]
	return ch, ok
}

// LoopbackChannel is a bounded in-memory data channel
type LoopbackChannel struct {
	mu     sync.Mutex
	buf    chan []byte
	closed bool
}

// Send enqueues one frame. A full buffer fails rather than blocking.
func (c *LoopbackChannel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fault.New(fault.KindInvalidState, "data channel is closed")
	}
	select {
	case c.buf <- data:
		return nil
	default:
		return fault.New(fault.KindResourceExhausted, "data channel buffer full")
	}
}

// Open reports whether the channel accepts frames
func (c *LoopbackChannel) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Close shuts the channel
func (c *LoopbackChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.buf)
	return nil
}

// Receive pops the next frame without blocking. ok is false when the
// buffer is empty.
func (c *LoopbackChannel) Receive() (data []byte, ok bool) {
	select {
	case data, ok = <-c.buf:
		return data, ok
	default:
		return nil, false
	}
}

// ReceiveEnvelope decodes the next buffered frame. Test helper.
func (c *LoopbackChannel) ReceiveEnvelope() (*Envelope, bool) {
	data, ok := c.Receive()
	if !ok {
		return nil, false
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, false
	}
	return &env, true
}

type loopbackTransport struct {
	sessionID string
	localID   string
	remoteID  string

	mu     sync.Mutex
	closed bool
}

// CreateOffer produces a synthetic SDP-shaped offer naming both ends
func (t *loopbackTransport) CreateOffer() (json.RawMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fault.New(fault.KindInvalidState, "transport is closed")
	}
	offer := map[string]string{
		"kind": "offer",
		"sdp":  fmt.Sprintf("loopback:%s:%s->%s", t.sessionID, t.localID, t.remoteID),
	}
	raw, err := json.Marshal(offer)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "failed to marshal offer")
	}
	return raw, nil
}

func (t *loopbackTransport) AcceptAnswer(answer json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fault.New(fault.KindInvalidState, "transport is closed")
	}
	return nil
}

func (t *loopbackTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

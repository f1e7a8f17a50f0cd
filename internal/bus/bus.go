// Package bus provides the fabric-wide event bus on NATS. It is the
// only collaborator shared between the session manager, the signaling
// layer, and the restore manager; cross-module coordination happens by
// publishing and subscribing here rather than by direct imports.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Topics emitted by the fabric. Subscribers may use NATS wildcards,
// e.g. "swarm.session.*".
const (
	TopicSessionCreated    = "swarm.session.created"
	TopicSessionClosed     = "swarm.session.closed"
	TopicSessionRecreate   = "swarm.session.recreate"
	TopicSessionRestored   = "swarm.session.restored"
	TopicParticipantJoined = "swarm.participant.joined"
	TopicParticipantLeft   = "swarm.participant.left"
	TopicTaskVetoed        = "swarm.task.vetoed"
	TopicTaskCompleted     = "swarm.task.completed"
	TopicSDPOffer          = "webrtc.sdp-offer"
	TopicSDPAnswer         = "webrtc.sdp-answer"
	TopicICECandidate      = "webrtc.ice-candidate"
	TopicConnectionState   = "webrtc.connection-state"
	TopicHandshakeResponse = "a2a.handshake.response"
	TopicHandoffInitiated  = "swarm.handoff.initiated"
	TopicHandoffCompleted  = "swarm.handoff.completed"
)

// Event is the envelope carried on every bus subject
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Topic     string          `json:"topic"`
	Source    string          `json:"source"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Decode unmarshals the event payload into out
func (e *Event) Decode(out interface{}) error {
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Topic, err)
	}
	return nil
}

// Handler is a callback for received events
type Handler func(evt *Event)

// Config configures the bus connection
type Config struct {
	URL    string
	Name   string
	Prefix string // subject prefix (default: "fabric.")
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		URL:    "nats://localhost:4222",
		Name:   "fabric",
		Prefix: "fabric.",
	}
}

// Bus wraps a NATS connection with the fabric event envelope
type Bus struct {
	nc     *nats.Conn
	prefix string
}

// New connects to NATS and returns a bus
func New(config Config) (*Bus, error) {
	nc, err := nats.Connect(
		config.URL,
		nats.Name(config.Name),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	if config.Prefix == "" {
		config.Prefix = "fabric."
	}

	log.Info().
		Str("nats_url", config.URL).
		Str("prefix", config.Prefix).
		Msg("Event bus initialized")

	return &Bus{nc: nc, prefix: config.Prefix}, nil
}

// NewWithConn wraps an existing NATS connection. Used by tests that run
// an embedded server.
func NewWithConn(nc *nats.Conn, prefix string) *Bus {
	if prefix == "" {
		prefix = "fabric."
	}
	return &Bus{nc: nc, prefix: prefix}
}

// Publish emits an event on the given topic
func (b *Bus) Publish(ctx context.Context, topic, source string, payload interface{}) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if !b.nc.IsConnected() {
		return fmt.Errorf("event bus not connected")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	evt := Event{
		ID:        uuid.New(),
		Topic:     topic,
		Source:    source,
		Payload:   raw,
		Timestamp: time.Now(),
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := b.prefix + topic
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	log.Debug().
		Str("event_id", evt.ID.String()).
		Str("topic", topic).
		Str("source", source).
		Msg("Published event")

	return nil
}

// Subscribe registers a handler for a topic. The topic may contain NATS
// wildcards ("*", ">").
func (b *Bus) Subscribe(topic string, handler Handler) (*Subscription, error) {
	subject := b.prefix + topic

	sub, err := b.nc.Subscribe(subject, func(natsMsg *nats.Msg) {
		var evt Event
		if err := json.Unmarshal(natsMsg.Data, &evt); err != nil {
			log.Warn().Err(err).Str("subject", natsMsg.Subject).Msg("Failed to unmarshal event")
			return
		}
		handler(&evt)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	log.Info().Str("topic", topic).Str("subject", subject).Msg("Subscribed to events")

	return &Subscription{sub: sub, topic: topic}, nil
}

// Request publishes an event and waits for a single reply. The direct
// signaling fallback uses this to exchange offers and answers when the
// relay is unreachable.
func (b *Bus) Request(ctx context.Context, topic, source string, payload interface{}, timeout time.Duration) (*Event, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if !b.nc.IsConnected() {
		return nil, fmt.Errorf("event bus not connected")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request payload: %w", err)
	}

	evt := Event{
		ID:        uuid.New(),
		Topic:     topic,
		Source:    source,
		Payload:   raw,
		Timestamp: time.Now(),
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	natsMsg, err := b.nc.Request(b.prefix+topic, data, timeout)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	var reply Event
	if err := json.Unmarshal(natsMsg.Data, &reply); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reply: %w", err)
	}
	return &reply, nil
}

// SubscribeRequests registers a responder for a topic. The handler's
// return value is sent back to the requester.
func (b *Bus) SubscribeRequests(topic, source string, handler func(evt *Event) (interface{}, error)) (*Subscription, error) {
	subject := b.prefix + topic

	sub, err := b.nc.Subscribe(subject, func(natsMsg *nats.Msg) {
		var evt Event
		if err := json.Unmarshal(natsMsg.Data, &evt); err != nil {
			log.Warn().Err(err).Str("subject", natsMsg.Subject).Msg("Failed to unmarshal request")
			return
		}

		result, err := handler(&evt)
		if err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("Request handler error")
			return
		}
		if natsMsg.Reply == "" {
			return
		}

		raw, err := json.Marshal(result)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to marshal reply payload")
			return
		}
		reply := Event{
			ID:        uuid.New(),
			Topic:     topic,
			Source:    source,
			Payload:   raw,
			Timestamp: time.Now(),
		}
		data, err := json.Marshal(reply)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to marshal reply")
			return
		}
		if err := natsMsg.Respond(data); err != nil {
			log.Warn().Err(err).Msg("Failed to send reply")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe for requests: %w", err)
	}

	return &Subscription{sub: sub, topic: topic}, nil
}

// Close closes the bus connection
func (b *Bus) Close() error {
	if b.nc != nil {
		b.nc.Close()
		log.Info().Msg("Event bus closed")
	}
	return nil
}

// Connected reports whether the underlying connection is up
func (b *Bus) Connected() bool {
	return b.nc != nil && b.nc.IsConnected()
}

// Subscription represents an active subscription
type Subscription struct {
	sub   *nats.Subscription
	topic string
}

// Unsubscribe cancels the subscription
func (s *Subscription) Unsubscribe() error {
	if err := s.sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}
	return nil
}

// IsValid returns whether the subscription is still active
func (s *Subscription) IsValid() bool {
	return s.sub.IsValid()
}

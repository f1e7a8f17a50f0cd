package metrics

import (
	"github.com/rs/zerolog/log"

	"github.com/hivemesh/fabric/internal/bus"
)

// Updater keeps the fabric-level collectors current by watching the
// event bus. One updater per process.
type Updater struct {
	bus  *bus.Bus
	subs []*bus.Subscription
}

// NewUpdater creates an updater on the given bus
func NewUpdater(eventBus *bus.Bus) *Updater {
	return &Updater{bus: eventBus}
}

// Start subscribes to the fabric topics
func (u *Updater) Start() error {
	handlers := map[string]bus.Handler{
		bus.TopicSessionCreated: func(*bus.Event) { ActiveSessions.Inc() },
		bus.TopicSessionClosed:  func(*bus.Event) { ActiveSessions.Dec() },
		bus.TopicSessionRestored: func(*bus.Event) {
			ActiveSessions.Inc()
			SessionsRestored.Inc()
		},
		bus.TopicParticipantJoined: func(*bus.Event) { ParticipantEvents.WithLabelValues(EventJoined).Inc() },
		bus.TopicParticipantLeft:   func(*bus.Event) { ParticipantEvents.WithLabelValues(EventLeft).Inc() },
		bus.TopicTaskVetoed:        func(*bus.Event) { TaskEvents.WithLabelValues(EventVetoed).Inc() },
		bus.TopicTaskCompleted:     func(*bus.Event) { TaskEvents.WithLabelValues(EventCompleted).Inc() },
		bus.TopicHandoffInitiated:  func(*bus.Event) { HandoffEvents.WithLabelValues(EventInitiated).Inc() },
		bus.TopicHandoffCompleted:  func(*bus.Event) { HandoffEvents.WithLabelValues(EventCompleted).Inc() },
	}

	for topic, handler := range handlers {
		sub, err := u.bus.Subscribe(topic, handler)
		if err != nil {
			u.Stop()
			return err
		}
		u.subs = append(u.subs, sub)
	}

	log.Info().Int("topics", len(u.subs)).Msg("Metrics updater started")
	return nil
}

// Stop cancels the subscriptions
func (u *Updater) Stop() {
	for _, sub := range u.subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Msg("Failed to unsubscribe metrics updater")
		}
	}
	u.subs = nil
}

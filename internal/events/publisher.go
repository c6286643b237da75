// Package events publishes session and charge events after their
// transaction commits. Delivery is best effort: a bus failure is logged and
// never undoes or fails the operation that produced the event.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"deskmeter/internal/logging"
	"deskmeter/internal/model"
	"deskmeter/internal/monitoring"
)

type Publisher struct {
	bus     MessageBus
	log     logging.Logger
	metrics *monitoring.Metrics
	now     func() time.Time
}

func NewPublisher(bus MessageBus, log logging.Logger, metrics *monitoring.Metrics) *Publisher {
	if bus == nil {
		bus = NopBus{}
	}
	return &Publisher{bus: bus, log: log, metrics: metrics, now: time.Now}
}

func (p *Publisher) Publish(ev model.SessionEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = p.now().UTC()
	}

	data, err := json.Marshal(ev)
	if err == nil {
		err = p.bus.Publish(ev.Topic, data)
	}
	if p.metrics != nil {
		p.metrics.EventsPublished.WithLabelValues(ev.Topic, monitoring.OpResult(err)).Inc()
	}
	if err != nil {
		p.log.WithFields(logging.Fields{
			"topic":      ev.Topic,
			"session_id": ev.SessionID,
			"error":      err,
		}).Warn("failed to publish event")
	}
}

// Decode parses an event published by Publisher.
func Decode(data []byte) (model.SessionEvent, error) {
	var ev model.SessionEvent
	err := json.Unmarshal(data, &ev)
	return ev, err
}

// Package brokertest builds in-memory AMQP deliveries for handler tests
package brokertest

import (
	"sync"

	"github.com/Guizzs26/flight-booking-saga/internal/broker"
	"github.com/Guizzs26/flight-booking-saga/internal/models"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Acknowledger records how deliveries were settled
type Acknowledger struct {
	mu      sync.Mutex
	Acks    []uint64
	Nacks   []uint64
	Requeue []bool
}

func (a *Acknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Acks = append(a.Acks, tag)
	return nil
}

func (a *Acknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Nacks = append(a.Nacks, tag)
	a.Requeue = append(a.Requeue, requeue)
	return nil
}

func (a *Acknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *Acknowledger) Counts() (acks, nacks int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.Acks), len(a.Nacks)
}

// FromEntry turns an outbox row into the delivery a consumer would receive
func FromEntry(e models.OutboxEntry, ack *Acknowledger, tag uint64) amqp.Delivery {
	pub, err := broker.BuildPublishing(e)
	if err != nil {
		panic(err)
	}
	return amqp.Delivery{
		Acknowledger:  ack,
		DeliveryTag:   tag,
		Headers:       pub.Headers,
		ContentType:   pub.ContentType,
		DeliveryMode:  pub.DeliveryMode,
		MessageId:     pub.MessageId,
		CorrelationId: pub.CorrelationId,
		Type:          pub.Type,
		Expiration:    pub.Expiration,
		Exchange:      e.Exchange,
		RoutingKey:    e.RoutingKey,
		Body:          pub.Body,
	}
}

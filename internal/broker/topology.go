package broker

import (
	"fmt"

	"github.com/Guizzs26/flight-booking-saga/internal/config"
	"github.com/Guizzs26/flight-booking-saga/internal/models"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	QueueBookingSaga     = "booking.saga"
	QueueInventoryEvents = "booking.inventory-events"
	QueueERPCommands     = "booking.frappe-commands"
	QueueERPRetry        = "booking.frappe-commands.retry"
	QueueERPEvents       = "booking.frappe-events"
	QueueSeatDelta       = "inventory.seat-delta"
	QueueDeadLetters     = "booking.dead-letters"

	RetryRoutingKey = "frappe.booking.upsert.retry"
)

// Topology maps message kinds to exchanges and owns the queue layout
type Topology struct {
	ex config.Exchanges
}

func NewTopology(ex config.Exchanges) Topology {
	return Topology{ex: ex}
}

// Route returns the destination for a message kind
func (t Topology) Route(kind models.MessageKind) models.Route {
	var exchange string
	switch kind {
	case models.KindBookingRequested, models.KindBookingConfirmed, models.KindBookingFailed:
		exchange = t.ex.BookingEvents
	case models.KindSeatDeltaRequested:
		exchange = t.ex.InventoryCommands
	case models.KindSeatDeltaApplied, models.KindSeatDeltaRejected:
		exchange = t.ex.InventoryEvents
	case models.KindExternalUpsertRequested:
		exchange = t.ex.ERPCommands
	case models.KindExternalUpsertSucceeded, models.KindExternalUpsertFailed:
		exchange = t.ex.ERPEvents
	}
	return models.Route{Exchange: exchange, RoutingKey: kind.String()}
}

// RetryRoute targets the TTL queue that dead-letters back into the ERP command queue
func (t Topology) RetryRoute() models.Route {
	return models.Route{Exchange: t.ex.ERPCommands, RoutingKey: RetryRoutingKey}
}

type exchangeSpec struct {
	name string
	kind string
}

type queueSpec struct {
	name     string
	exchange string
	key      string
	args     amqp.Table
}

func (t Topology) exchanges() []exchangeSpec {
	return []exchangeSpec{
		{t.ex.BookingEvents, amqp.ExchangeTopic},
		{t.ex.InventoryCommands, amqp.ExchangeDirect},
		{t.ex.InventoryEvents, amqp.ExchangeTopic},
		{t.ex.ERPCommands, amqp.ExchangeDirect},
		{t.ex.ERPEvents, amqp.ExchangeTopic},
		{t.ex.DeadLetter, amqp.ExchangeFanout},
	}
}

func (t Topology) queues() []queueSpec {
	dlx := amqp.Table{"x-dead-letter-exchange": t.ex.DeadLetter}
	return []queueSpec{
		{QueueBookingSaga, t.ex.BookingEvents, models.KindBookingRequested.String(), dlx},
		{QueueInventoryEvents, t.ex.InventoryEvents, "inventory.seat_delta.*", dlx},
		{QueueERPCommands, t.ex.ERPCommands, models.KindExternalUpsertRequested.String(), dlx},
		{QueueERPRetry, t.ex.ERPCommands, RetryRoutingKey, amqp.Table{
			"x-dead-letter-exchange":    t.ex.ERPCommands,
			"x-dead-letter-routing-key": models.KindExternalUpsertRequested.String(),
		}},
		{QueueERPEvents, t.ex.ERPEvents, "frappe.booking.upsert.*", dlx},
		{QueueSeatDelta, t.ex.InventoryCommands, models.KindSeatDeltaRequested.String(), dlx},
		{QueueDeadLetters, t.ex.DeadLetter, "", nil},
	}
}

// Declarer is the part of *amqp.Channel used to declare the topology
type Declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// Declare creates every exchange and durable, non-exclusive, non-auto-delete queue
func (t Topology) Declare(ch Declarer) error {
	for _, ex := range t.exchanges() {
		if err := ch.ExchangeDeclare(ex.name, ex.kind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", ex.name, err)
		}
	}
	for _, q := range t.queues() {
		if _, err := ch.QueueDeclare(q.name, true, false, false, false, q.args); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", q.name, err)
		}
		if err := ch.QueueBind(q.name, q.key, q.exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s to %s: %w", q.name, q.exchange, err)
		}
	}
	return nil
}

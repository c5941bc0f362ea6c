// Package gateway turns ExternalUpsertRequested commands into ERP calls and
// reports the outcome back to the saga as events or delayed retries.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Guizzs26/flight-booking-saga/internal/broker"
	"github.com/Guizzs26/flight-booking-saga/internal/db"
	"github.com/Guizzs26/flight-booking-saga/internal/erp"
	"github.com/Guizzs26/flight-booking-saga/internal/inbox"
	"github.com/Guizzs26/flight-booking-saga/internal/models"
	"github.com/Guizzs26/flight-booking-saga/pkg/metrics"
)

const ReasonAttemptsExhausted = "erp upsert attempts exhausted"

// Upserter is the ERP operation the gateway depends on
type Upserter interface {
	UpsertBooking(ctx context.Context, p models.BookingPayload) (erp.Result, error)
}

type Gateway struct {
	erp    Upserter
	routes broker.Topology
	policy RetryPolicy
	logger *slog.Logger
}

func NewGateway(u Upserter, routes broker.Topology, policy RetryPolicy, logger *slog.Logger) *Gateway {
	return &Gateway{erp: u, routes: routes, policy: policy, logger: logger.With("component", "gateway")}
}

// OnUpsertRequested calls the ERP outside any transaction and returns the
// step that enqueues the resulting event or retry command.
func (g *Gateway) OnUpsertRequested(ctx context.Context, env models.Envelope) (inbox.Step, error) {
	msg, err := models.DecodeAs[models.ExternalUpsertRequested](env)
	if err != nil {
		return nil, err
	}

	l := g.logger.With(
		"booking_id", msg.BookingID,
		"correlation_id", msg.CorrelationID,
		"message_id", env.MessageID,
		"attempt", msg.Attempt,
	)

	if g.policy.Exhausted(msg.Attempt) {
		l.Warn("Attempt ceiling reached, failing without calling the ERP", "max_attempts", g.policy.MaxAttempts)
		return g.failed(msg, msg.Attempt, ReasonAttemptsExhausted, 0)
	}

	res, err := g.erp.UpsertBooking(ctx, msg.Payload)
	if err == nil {
		metrics.ERPCalls.WithLabelValues("success").Inc()
		l.Info("ERP upsert succeeded", "doc_name", res.Name, "doc_status", res.DocStatus)
		return g.succeeded(msg, res)
	}

	if !erp.IsTransient(err) {
		metrics.ERPCalls.WithLabelValues("permanent").Inc()
		l.Error("ERP rejected the booking", "error", err, "status_code", erp.StatusCode(err))
		return g.failed(msg, msg.Attempt+1, err.Error(), erp.StatusCode(err))
	}

	if errors.Is(err, erp.ErrCircuitOpen) {
		metrics.ERPCalls.WithLabelValues("breaker_open").Inc()
	} else {
		metrics.ERPCalls.WithLabelValues("transient").Inc()
	}

	next := msg.Attempt + 1
	if g.policy.Exhausted(next) {
		l.Error("ERP upsert failed on the last attempt", "error", err)
		return g.failed(msg, next, fmt.Sprintf("%s: %v", ReasonAttemptsExhausted, err), erp.StatusCode(err))
	}

	delay := g.policy.Delay(next)
	retry := msg.WithAttempt(next)
	draft, err := models.NewDraft(g.routes.RetryRoute(), retry,
		models.IdempotencyKey(msg.BookingID, "frappe.retry", next), next, delay)
	if err != nil {
		return nil, err
	}

	l.Warn("Transient ERP failure, retry scheduled", "error", err, "next_attempt", next, "delay", delay)
	return func(ctx context.Context, s db.Session) error {
		if err := s.Outbox().Enqueue(ctx, draft); err != nil {
			return err
		}
		inbox.AfterCommit(ctx, metrics.ERPRetriesScheduled.Inc)
		return nil
	}, nil
}

func (g *Gateway) succeeded(msg *models.ExternalUpsertRequested, res erp.Result) (inbox.Step, error) {
	evt := models.ExternalUpsertSucceeded{
		MessageMeta: models.NewMeta(msg.BookingID, msg.CorrelationID),
		DocName:     res.Name,
		DocUUID:     res.UUID,
		DocStatus:   res.DocStatus,
		Status:      res.Status,
	}
	draft, err := models.NewDraft(g.routes.Route(evt.Kind()), evt,
		models.IdempotencyKey(msg.BookingID, "frappe.success"), 0, 0)
	if err != nil {
		return nil, err
	}
	return enqueue(draft), nil
}

func (g *Gateway) failed(msg *models.ExternalUpsertRequested, attempt int, reason string, status int) (inbox.Step, error) {
	evt := models.ExternalUpsertFailed{
		MessageMeta: models.NewMeta(msg.BookingID, msg.CorrelationID),
		Reason:      reason,
		Attempt:     attempt,
		StatusCode:  status,
	}
	draft, err := models.NewDraft(g.routes.Route(evt.Kind()), evt,
		models.IdempotencyKey(msg.BookingID, "frappe.failed", attempt), 0, 0)
	if err != nil {
		return nil, err
	}
	return enqueue(draft), nil
}

func enqueue(d models.OutboxDraft) inbox.Step {
	return func(ctx context.Context, s db.Session) error {
		return s.Outbox().Enqueue(ctx, d)
	}
}

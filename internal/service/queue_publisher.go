package service

import (
    "context"
    "encoding/json"
    "log/slog"
    "time"

    amqp "github.com/rabbitmq/amqp091-go"

    "github.com/iliyamo/donation-squares/internal/model"
    q "github.com/iliyamo/donation-squares/internal/queue"
)

// EventPublisher publishes domain events.  Implementations log and
// return errors so callers can ignore failures without interrupting
// the request flow.
type EventPublisher interface {
    PublishDonationCompleted(ctx context.Context, event q.DonationCompletedEvent) error
    PublishReconciliationWarning(ctx context.Context, event q.ReconciliationWarningEvent) error
}

// AMQPPublisher publishes events to RabbitMQ.  It dials per message,
// which keeps it stateless and tolerant of broker restarts at the cost
// of a connection per event.
type AMQPPublisher struct {
    url string
    log *slog.Logger
}

// NewAMQPPublisher returns a publisher for the broker at url.
func NewAMQPPublisher(url string, log *slog.Logger) *AMQPPublisher {
    if log == nil {
        log = slog.Default()
    }
    return &AMQPPublisher{url: url, log: log}
}

// PublishDonationCompleted publishes to the donation.completed queue.
func (p *AMQPPublisher) PublishDonationCompleted(ctx context.Context, event q.DonationCompletedEvent) error {
    return p.publish(ctx, q.DonationCompletedQueue, event)
}

// PublishReconciliationWarning publishes to the reconciliation.warning queue.
func (p *AMQPPublisher) PublishReconciliationWarning(ctx context.Context, event q.ReconciliationWarningEvent) error {
    return p.publish(ctx, q.ReconciliationWarningQueue, event)
}

func (p *AMQPPublisher) publish(ctx context.Context, queue string, event any) error {
    log := p.log.With("queue", queue)
    conn, err := amqp.Dial(p.url)
    if err != nil {
        log.Error("rabbitmq: dial failed", "error", err)
        return err
    }
    defer func() { _ = conn.Close() }()

    ch, err := conn.Channel()
    if err != nil {
        log.Error("rabbitmq: channel open failed", "error", err)
        return err
    }
    defer func() { _ = ch.Close() }()

    // Durable so messages survive broker restarts.
    if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
        log.Error("rabbitmq: queue declare failed", "error", err)
        return err
    }

    body, err := json.Marshal(event)
    if err != nil {
        log.Error("rabbitmq: marshal event failed", "error", err)
        return err
    }

    pub := amqp.Publishing{
        ContentType:  "application/json",
        DeliveryMode: amqp.Persistent, // store on disk
        Timestamp:    time.Now().UTC(),
        Body:         body,
    }
    if err := ch.PublishWithContext(ctx, "", queue, false, false, pub); err != nil {
        log.Error("rabbitmq: publish failed", "error", err)
        return err
    }
    return nil
}

// NopPublisher drops every event.  It is used when EVENTS_ENABLED is off.
type NopPublisher struct{}

func (NopPublisher) PublishDonationCompleted(context.Context, q.DonationCompletedEvent) error {
    return nil
}

func (NopPublisher) PublishReconciliationWarning(context.Context, q.ReconciliationWarningEvent) error {
    return nil
}

// WarningNotifier adapts an EventPublisher to the reconciliation
// engine's notifier hook.  Publishing runs detached from the caller's
// context so a finished HTTP request does not cancel it.
type WarningNotifier struct {
    Events EventPublisher
    Log    *slog.Logger // optional
}

// ReconciliationWarning publishes the warning, ignoring failures.
func (n WarningNotifier) ReconciliationWarning(ctx context.Context, tx model.Transaction, warning string) {
    ev := q.ReconciliationWarningEvent{
        TransactionID:    tx.ID,
        CampaignID:       tx.CampaignID,
        TotalAmountCents: tx.TotalCents,
        Warning:          warning,
        RaisedAt:         time.Now().UTC().Format(time.RFC3339),
    }
    go func() {
        pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
        defer cancel()
        if err := n.Events.PublishReconciliationWarning(pctx, ev); err != nil && n.Log != nil {
            n.Log.Warn("publish reconciliation.warning failed", "transaction_id", ev.TransactionID, "error", err)
        }
    }()
}

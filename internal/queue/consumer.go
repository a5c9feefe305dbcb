// Package queue contains the background consumer that listens to the
// donation queues and writes one line per event to logs/donations.log.
package queue

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "log/slog"
    "os"
    "path/filepath"
    "strconv"
    "strings"
    "time"

    amqp "github.com/rabbitmq/amqp091-go"
)

// DonationLogFile is the file events are appended to, under the log dir.
const DonationLogFile = "donations.log"

// Consumer drains the donation queues into a log file.
type Consumer struct {
    URL    string
    LogDir string
    Log    *slog.Logger
}

// Start connects to RabbitMQ, declares both queues and consumes them
// until ctx is cancelled.  Dial failures and closed channels are
// retried with exponential backoff so the server keeps running when
// the broker is away.
func (c *Consumer) Start(ctx context.Context) error {
    log := c.Log
    if log == nil {
        log = slog.Default()
    }
    backoff := time.Second
    for {
        if err := ctx.Err(); err != nil {
            return err
        }
        conn, err := amqp.Dial(c.URL)
        if err != nil {
            log.Warn("donation consumer: dial failed", "error", err, "retry_in", backoff)
            if !sleep(ctx, backoff) {
                return ctx.Err()
            }
            if backoff < 30*time.Second {
                backoff *= 2
            }
            continue
        }
        backoff = time.Second // reset after successful connect

        err = c.consumeLoop(ctx, conn, log)
        _ = conn.Close()
        if ctx.Err() != nil {
            return ctx.Err()
        }
        log.Warn("donation consumer: consume loop ended, reconnecting", "error", err)
        if !sleep(ctx, 2*time.Second) {
            return ctx.Err()
        }
    }
}

func sleep(ctx context.Context, d time.Duration) bool {
    t := time.NewTimer(d)
    defer t.Stop()
    select {
    case <-ctx.Done():
        return false
    case <-t.C:
        return true
    }
}

func (c *Consumer) consumeLoop(ctx context.Context, conn *amqp.Connection, log *slog.Logger) error {
    ch, err := conn.Channel()
    if err != nil {
        return fmt.Errorf("channel open: %w", err)
    }
    defer func() { _ = ch.Close() }()

    if err := ch.Qos(50, 0, false); err != nil {
        log.Warn("donation consumer: set QoS failed", "error", err)
    }

    type delivery struct {
        queue string
        amqp.Delivery
    }
    merged := make(chan delivery)
    done := make(chan struct{})
    defer close(done)
    for _, name := range []string{DonationCompletedQueue, ReconciliationWarningQueue} {
        if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
            return fmt.Errorf("queue declare %s: %w", name, err)
        }
        msgs, err := ch.Consume(name, "", false, false, false, false, nil)
        if err != nil {
            return fmt.Errorf("queue consume %s: %w", name, err)
        }
        go func(name string, msgs <-chan amqp.Delivery) {
            for d := range msgs {
                select {
                case merged <- delivery{queue: name, Delivery: d}:
                case <-done:
                    return
                }
            }
        }(name, msgs)
    }

    closed := conn.NotifyClose(make(chan *amqp.Error, 1))
    for {
        select {
        case <-ctx.Done():
            return ctx.Err()
        case amqpErr := <-closed:
            if amqpErr != nil {
                return amqpErr
            }
            return errors.New("connection closed")
        case d := <-merged:
            if err := HandleMessage(c.LogDir, d.queue, d.Body); err != nil {
                log.Error("donation consumer: handle message failed", "queue", d.queue, "error", err)
                _ = d.Nack(false, false) // reject, do not requeue to avoid tight loops
                continue
            }
            _ = d.Ack(false)
        }
    }
}

// HandleMessage decodes a message from queueName and appends its log
// line to dir/donations.log.
func HandleMessage(dir, queueName string, body []byte) error {
    var line string
    switch queueName {
    case DonationCompletedQueue:
        var ev DonationCompletedEvent
        if err := json.Unmarshal(body, &ev); err != nil {
            return fmt.Errorf("unmarshal: %w", err)
        }
        line = FormatDonation(ev)
    case ReconciliationWarningQueue:
        var ev ReconciliationWarningEvent
        if err := json.Unmarshal(body, &ev); err != nil {
            return fmt.Errorf("unmarshal: %w", err)
        }
        line = FormatWarning(ev)
    default:
        return fmt.Errorf("unknown queue %q", queueName)
    }

    if err := os.MkdirAll(dir, 0o755); err != nil {
        return fmt.Errorf("mkdir logs: %w", err)
    }
    f, err := os.OpenFile(filepath.Join(dir, DonationLogFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
    if err != nil {
        return fmt.Errorf("open log file: %w", err)
    }
    defer f.Close()
    if _, err := f.WriteString(line); err != nil {
        return fmt.Errorf("write log: %w", err)
    }
    return nil
}

// FormatDonation renders a completed donation as a single log line.
func FormatDonation(ev DonationCompletedEvent) string {
    nums := make([]string, 0, len(ev.SquareNumbers))
    for _, n := range ev.SquareNumbers {
        nums = append(nums, strconv.Itoa(n))
    }
    approx := ""
    if ev.Approximate {
        approx = " | approximate"
    }
    return fmt.Sprintf("[%s] Donation completed | transaction_id=%s | campaign_id=%s | donor=%q | method=%s | total=%d cents | tier=%s | squares=[%s]%s\n",
        ev.CompletedAt, ev.TransactionID, ev.CampaignID, ev.DonorName, ev.PaymentMethod,
        ev.TotalAmountCents, ev.Tier, strings.Join(nums, ","), approx)
}

// FormatWarning renders a reconciliation warning as a single log line.
func FormatWarning(ev ReconciliationWarningEvent) string {
    return fmt.Sprintf("[%s] Reconciliation warning | transaction_id=%s | campaign_id=%s | total=%d cents | warning=%q\n",
        ev.RaisedAt, ev.TransactionID, ev.CampaignID, ev.TotalAmountCents, ev.Warning)
}

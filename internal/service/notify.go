package service

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/hybridcore/dispatchd/config"
	"github.com/hybridcore/dispatchd/internal/model"
	"github.com/hybridcore/dispatchd/internal/push"
	"github.com/hybridcore/dispatchd/internal/repository"
)

// Sender delivers a notification through an out-of-band provider (FCM,
// SMS). The default implementation just logs; swapping in a real provider
// is a construction-time concern.
type Sender interface {
	Send(ctx context.Context, n *model.Notification) error
}

// LogSender is the development Sender: it prints the notification and
// always succeeds.
type LogSender struct{}

func (LogSender) Send(_ context.Context, n *model.Notification) error {
	log.Printf("[notify] → %s/%s [%s] %s: %s", n.Role, n.Recipient, n.Priority, n.Title, n.Body)
	return nil
}

const (
	// pollInterval paces the worker when all queues are empty.
	pollInterval = 500 * time.Millisecond

	// scheduledBatch bounds how many due scheduled items move per tick.
	scheduledBatch = 50

	// sendTimeout bounds one provider delivery attempt.
	sendTimeout = 10 * time.Second
)

// ─── Notifier ───────────────────────────────────────────────

// Notifier is the durable notification queue: three priority FIFOs plus a
// scheduled set, drained by a single worker goroutine.
//
// Delivery prefers the live push channel when the recipient is connected;
// the provider Sender is the fallback (and the only path for offline
// recipients). A failed send re-enqueues with linear backoff until the
// retry budget runs out, then dead-letters.
type Notifier struct {
	dispatch *repository.DispatchRepository
	hub      Publisher
	sender   Sender
	cfg      config.LimitsConfig

	cancel context.CancelFunc
	done   chan struct{}
}

// NewNotifier creates a stopped notifier; call Start to run the worker.
func NewNotifier(dispatch *repository.DispatchRepository, hub Publisher, sender Sender, cfg config.LimitsConfig) *Notifier {
	if sender == nil {
		sender = LogSender{}
	}
	return &Notifier{
		dispatch: dispatch,
		hub:      hub,
		sender:   sender,
		cfg:      cfg,
	}
}

// Enqueue queues a notification for delivery. Assigns an id and creation
// time when absent. Queue failures are logged, not returned: callers are
// on job-critical paths and a lost notification never blocks a dispatch.
func (n *Notifier) Enqueue(ctx context.Context, msg *model.Notification) {
	n.stamp(msg)
	if err := n.dispatch.EnqueueNotification(ctx, msg); err != nil {
		log.Printf("[notify] enqueue %s for %s/%s failed: %v", msg.Event, msg.Role, msg.Recipient, err)
	}
}

// Schedule queues a notification for delivery at a future time.
func (n *Notifier) Schedule(ctx context.Context, msg *model.Notification, dueAt time.Time) {
	n.stamp(msg)
	if err := n.dispatch.ScheduleNotification(ctx, msg, dueAt); err != nil {
		log.Printf("[notify] schedule %s for %s/%s failed: %v", msg.Event, msg.Role, msg.Recipient, err)
	}
}

func (n *Notifier) stamp(msg *model.Notification) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Priority == "" {
		msg.Priority = model.PriorityNormal
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
}

// Start launches the worker goroutine. Call Stop to drain.
func (n *Notifier) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.done = make(chan struct{})
	go n.run(ctx)
	log.Printf("[notify] worker started")
}

// Stop cancels the worker and waits for it to exit.
func (n *Notifier) Stop() {
	if n.cancel == nil {
		return
	}
	n.cancel()
	<-n.done
	log.Printf("[notify] worker stopped")
}

func (n *Notifier) run(ctx context.Context) {
	defer close(n.done)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.promoteScheduled(ctx)
			n.drainOnce(ctx)
		}
	}
}

// promoteScheduled moves due scheduled notifications into their priority
// queue.
func (n *Notifier) promoteScheduled(ctx context.Context) {
	due, err := n.dispatch.PopDueNotifications(ctx, time.Now(), scheduledBatch)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("[notify] scheduled scan failed: %v", err)
		}
		return
	}
	for i := range due {
		if err := n.dispatch.EnqueueNotification(ctx, &due[i]); err != nil {
			log.Printf("[notify] promote %s failed: %v", due[i].ID, err)
		}
	}
}

// drainOnce pops and delivers until the queues are empty or the context
// dies. PopNotification encodes the high→normal→low priority scan.
func (n *Notifier) drainOnce(ctx context.Context) {
	for {
		msg, err := n.dispatch.PopNotification(ctx)
		if errors.Is(err, repository.ErrQueueEmpty) {
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("[notify] pop failed: %v", err)
			}
			return
		}
		n.deliver(ctx, msg)

		if ctx.Err() != nil {
			return
		}
	}
}

// deliver pushes over the live channel when the recipient is connected,
// then always hands the message to the provider. Provider failure is the
// retry trigger; the push channel is best-effort on top.
func (n *Notifier) deliver(ctx context.Context, msg *model.Notification) {
	if online, err := n.dispatch.IsPresent(ctx, msg.Role, msg.Recipient); err == nil && online {
		n.hub.Publish(groupFor(msg.Role, msg.Recipient), msg.Event, map[string]any{
			"title": msg.Title,
			"body":  msg.Body,
			"data":  msg.Data,
		})
	}

	sctx, cancel := context.WithTimeout(ctx, sendTimeout)
	err := n.sender.Send(sctx, msg)
	cancel()
	if err == nil {
		return
	}

	msg.Attempts++
	if msg.Attempts >= n.cfg.NotifyMaxRetries {
		log.Printf("[notify] %s for %s/%s dead-lettered after %d attempts: %v",
			msg.Event, msg.Role, msg.Recipient, msg.Attempts, err)
		if dlErr := n.dispatch.DeadLetterNotification(ctx, msg); dlErr != nil {
			log.Printf("[notify] dead-letter write failed: %v", dlErr)
		}
		return
	}

	delay := backoffDelay(msg.Attempts)
	log.Printf("[notify] %s for %s/%s failed (attempt %d): %v; retrying in %s",
		msg.Event, msg.Role, msg.Recipient, msg.Attempts, err, delay)
	if schedErr := n.dispatch.ScheduleNotification(ctx, msg, time.Now().Add(delay)); schedErr != nil {
		log.Printf("[notify] retry schedule failed: %v", schedErr)
	}
}

// backoffDelay grows linearly with the attempt count: 2s, 4s, 6s.
func backoffDelay(attempt int) time.Duration {
	return time.Duration(attempt) * 2 * time.Second
}

// groupFor maps a notification recipient onto its push group. Restaurant
// staff connect as users of the restaurant account.
func groupFor(role model.Role, id string) string {
	if role == model.RoleCaptain {
		return push.CaptainGroup(id)
	}
	return push.UserGroup(id)
}

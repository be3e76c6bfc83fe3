// Package notify delivers user-facing email for billing transitions. All
// delivery is fire-and-forget: a failed or slow send never blocks or fails
// the ledger mutation that triggered it.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rankforge/rankforge/pkg/async"
)

// Mailer sends a single message. Implementations wrap SMTP or a
// transactional email API.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// UserDirectory resolves a user id to a deliverable address
type UserDirectory interface {
	Email(ctx context.Context, userID int64) (string, error)
}

// EmailNotifier queues billing emails onto a bounded worker pool. It
// implements the reconciler's Notifier interface.
type EmailNotifier struct {
	mailer Mailer
	users  UserDirectory
	pool   *async.WorkerPool
	log    *logrus.Logger
}

// NewEmailNotifier creates a notifier with the given delivery concurrency
func NewEmailNotifier(ctx context.Context, mailer Mailer, users UserDirectory, workers int, log *logrus.Logger) *EmailNotifier {
	if log == nil {
		log = logrus.New()
	}
	return &EmailNotifier{
		mailer: mailer,
		users:  users,
		pool:   async.NewWorkerPool(ctx, workers, "email delivery", 10*time.Second),
		log:    log,
	}
}

// Close drains queued deliveries
func (n *EmailNotifier) Close() error {
	return n.pool.Shutdown(5 * time.Second)
}

// SubscriptionStarted welcomes a user to their new plan
func (n *EmailNotifier) SubscriptionStarted(userID int64, planName string) {
	n.enqueue(userID, "subscription_started",
		"Welcome to "+planName,
		fmt.Sprintf("Your %s subscription is active. Your audit and generation quotas are ready to use.", planName))
}

// CreditsGranted confirms an addon purchase
func (n *EmailNotifier) CreditsGranted(userID int64, granted map[string]int) {
	total := 0
	for _, amount := range granted {
		total += amount
	}
	n.enqueue(userID, "credits_granted",
		"Your credits have been added",
		fmt.Sprintf("%d credits were added to your account and never expire.", total))
}

// PaymentFailed warns about a failed renewal
func (n *EmailNotifier) PaymentFailed(userID int64) {
	n.enqueue(userID, "payment_failed",
		"Action needed: payment failed",
		"Your latest subscription payment failed. Please update your payment method to keep your quotas active.")
}

// PaymentRecovered confirms a successful retry after a failure
func (n *EmailNotifier) PaymentRecovered(userID int64) {
	n.enqueue(userID, "payment_recovered",
		"Payment received",
		"Your payment went through and your subscription is active again.")
}

// SubscriptionCanceled confirms the end of a subscription
func (n *EmailNotifier) SubscriptionCanceled(userID int64) {
	n.enqueue(userID, "subscription_canceled",
		"Your subscription has ended",
		"Your subscription is now canceled. Purchased credit packs remain available.")
}

func (n *EmailNotifier) enqueue(userID int64, kind, subject, body string) {
	log := n.log.WithFields(logrus.Fields{
		"user_id": userID,
		"kind":    kind,
	})

	err := n.pool.Submit(func(ctx context.Context) error {
		to, err := n.users.Email(ctx, userID)
		if err != nil {
			log.WithError(err).Warn("could not resolve user email, dropping notification")
			return nil
		}
		if err := n.mailer.Send(ctx, to, subject, body); err != nil {
			log.WithError(err).Warn("email delivery failed")
			return nil
		}
		log.Debug("notification delivered")
		return nil
	})
	if err != nil {
		log.WithError(err).Warn("notifier shut down, dropping notification")
	}
}

// LogMailer writes messages to the log instead of sending them. Used in
// development and as a safe default when no mail transport is configured.
type LogMailer struct {
	Log *logrus.Logger
}

// Send logs the message
func (m *LogMailer) Send(ctx context.Context, to, subject, body string) error {
	log := m.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	log.WithFields(logrus.Fields{
		"to":      to,
		"subject": subject,
	}).Info("email (log transport)")
	return nil
}

package buildserver

import (
	"context"
	"time"

	"github.com/collapp/panel/pkg/async"
	"github.com/collapp/panel/pkg/observability"
)

// Notifier dispatches build requests off the request path. The HTTP response
// for an accept decision never waits on the build server; a failed first
// attempt is marked in the outbox and picked up by the janitor.
type Notifier struct {
	client  *Client
	outbox  DeliveryStore
	policy  *RetryPolicy
	logger  *observability.Logger
	metrics *observability.Metrics
	timeout time.Duration
}

// NewNotifier creates a notifier. metrics may be nil.
func NewNotifier(client *Client, outbox DeliveryStore, policy *RetryPolicy, logger *observability.Logger, metrics *observability.Metrics) *Notifier {
	return &Notifier{
		client:  client,
		outbox:  outbox,
		policy:  policy,
		logger:  logger,
		metrics: metrics,
		timeout: DefaultTimeout + 5*time.Second,
	}
}

// Dispatch attempts delivery in the background. The delivery id refers to the
// outbox row written by the accept transaction.
func (n *Notifier) Dispatch(ctx context.Context, deliveryID string, req BuildRequest) {
	// The request context dies with the HTTP response; the delivery must not.
	async.SafeGo(context.WithoutCancel(ctx), n.timeout, "build notification", func(ctx context.Context) error {
		return n.deliver(ctx, deliveryID, req)
	})
}

func (n *Notifier) deliver(ctx context.Context, deliveryID string, req BuildRequest) error {
	log := n.logger.WithFields(map[string]interface{}{
		"delivery_id": deliveryID,
		"plugin_id":   req.RequestID,
	})

	if err := n.client.Send(ctx, req); err != nil {
		log.WithError(err).Warn("build notification failed, leaving for retry")
		n.countOutcome("failure")

		if markErr := n.outbox.MarkFailed(ctx, deliveryID, n.policy.NextRetryTime(1), err.Error()); markErr != nil {
			log.WithError(markErr).Error("failed to record build notification failure")
		}
		return nil
	}

	n.countOutcome("success")
	if err := n.outbox.MarkDelivered(ctx, deliveryID); err != nil {
		log.WithError(err).Error("failed to mark build notification delivered")
	}
	log.Info("build notification delivered")
	return nil
}

func (n *Notifier) countOutcome(outcome string) {
	if n.metrics != nil {
		n.metrics.BuildNotificationsTotal.WithLabelValues(outcome).Inc()
	}
}

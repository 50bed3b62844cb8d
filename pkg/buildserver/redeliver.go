package buildserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/collapp/panel/pkg/observability"
)

// Redeliverer drains due outbox rows. It runs from the janitor on a cron
// schedule; each run retries every due delivery once and reschedules or
// abandons it depending on the retry budget.
type Redeliverer struct {
	outbox  DeliveryStore
	client  *Client
	policy  *RetryPolicy
	logger  *observability.Logger
	metrics *observability.Metrics

	batchSize int
}

// NewRedeliverer creates a redeliverer. metrics may be nil.
func NewRedeliverer(outbox DeliveryStore, client *Client, policy *RetryPolicy, logger *observability.Logger, metrics *observability.Metrics) *Redeliverer {
	return &Redeliverer{
		outbox:    outbox,
		client:    client,
		policy:    policy,
		logger:    logger,
		metrics:   metrics,
		batchSize: 50,
	}
}

// SetBatchSize overrides how many due deliveries one run drains.
func (r *Redeliverer) SetBatchSize(n int) {
	if n > 0 {
		r.batchSize = n
	}
}

// RunOnce processes one batch of due deliveries and returns how many were
// successfully delivered.
func (r *Redeliverer) RunOnce(ctx context.Context) (int, error) {
	due, err := r.outbox.DuePendingDeliveries(ctx, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("loading due deliveries: %w", err)
	}

	delivered := 0
	for _, d := range due {
		ok, err := r.redeliver(ctx, d)
		if err != nil {
			r.logger.WithError(err).WithField("delivery_id", d.ID).Error("redelivery bookkeeping failed")
			continue
		}
		if ok {
			delivered++
		}
	}
	return delivered, nil
}

// redeliver reports whether the delivery reached the build server. The error
// covers outbox bookkeeping only; send failures are rescheduled, not returned.
func (r *Redeliverer) redeliver(ctx context.Context, d Delivery) (bool, error) {
	log := r.logger.WithFields(map[string]interface{}{
		"delivery_id": d.ID,
		"plugin_id":   d.PluginID,
		"attempts":    d.Attempts,
	})

	var req BuildRequest
	if err := json.Unmarshal(d.Payload, &req); err != nil {
		// The payload is written by us; an unreadable one will never deliver.
		log.WithError(err).Error("unreadable build request payload, abandoning")
		return false, r.outbox.MarkAbandoned(ctx, d.ID, fmt.Sprintf("unreadable payload: %v", err))
	}

	sendErr := r.client.Send(ctx, req)
	if sendErr == nil {
		log.Info("build notification redelivered")
		r.countOutcome("success")
		return true, r.outbox.MarkDelivered(ctx, d.ID)
	}

	attempts := d.Attempts + 1
	r.countOutcome("failure")
	if !r.policy.ShouldRetry(attempts) {
		log.WithError(sendErr).Error("build notification retry budget exhausted, abandoning")
		return false, r.outbox.MarkAbandoned(ctx, d.ID, sendErr.Error())
	}

	log.WithError(sendErr).Warn("build notification redelivery failed, rescheduling")
	return false, r.outbox.MarkFailed(ctx, d.ID, r.policy.NextRetryTime(attempts), sendErr.Error())
}

func (r *Redeliverer) countOutcome(outcome string) {
	if r.metrics != nil {
		r.metrics.BuildNotificationsTotal.WithLabelValues(outcome).Inc()
	}
}

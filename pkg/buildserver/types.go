// Package buildserver talks to the external Collapp build server: it delivers
// build requests for accepted plugins and retries failed deliveries from the
// outbox.
package buildserver

import (
	"context"
	"time"
)

// BuildRequest is the payload posted to the build server when a plugin is
// accepted. RequestID is the plugin id.
type BuildRequest struct {
	RequestID string    `json:"requestId"`
	Name      string    `json:"name"`
	Developer Developer `json:"developer"`
	Zip       Zip       `json:"zip"`
}

// Developer identifies the plugin author for the build server.
type Developer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Zip points the build server at the source artifact to compile.
type Zip struct {
	URL string `json:"url"`
}

// Delivery is one outbox row: a build request awaiting (re)delivery.
type Delivery struct {
	ID        string    `json:"id"`
	PluginID  string    `json:"pluginId"`
	Payload   []byte    `json:"payload"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"createdAt"`
}

// Delivery outbox statuses.
const (
	DeliveryStatusPending   = "pending"
	DeliveryStatusDelivered = "delivered"
	DeliveryStatusAbandoned = "abandoned"
)

// DeliveryStore is the outbox persistence surface. The accept transaction
// inserts pending rows; the notifier and the janitor move them forward.
type DeliveryStore interface {
	// DuePendingDeliveries returns pending rows whose next retry time has
	// passed, oldest first.
	DuePendingDeliveries(ctx context.Context, limit int) ([]Delivery, error)

	MarkDelivered(ctx context.Context, id string) error

	// MarkFailed increments the attempt counter and schedules the next retry.
	MarkFailed(ctx context.Context, id string, nextRetryAt time.Time, cause string) error

	// MarkAbandoned takes a row out of rotation after the retry budget is
	// exhausted.
	MarkAbandoned(ctx context.Context, id string, cause string) error
}

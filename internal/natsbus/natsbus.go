// Package natsbus fans dataflow Events out onto NATS so an external watcher
// can subscribe instead of polling dataflowExecution. Each publish carries
// the caller's trace context through to the published message, and carries
// one typed event per message rather than an arbitrary []byte payload.
package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/propagation"

	"github.com/dataflowhq/dataflowd/internal/dataflow"
	"github.com/dataflowhq/dataflowd/internal/model"
)

var propagator = propagation.TraceContext{}

// Bus publishes dataflow Events onto per-(workspace,run) subjects.
type Bus struct {
	nc *nats.Conn
}

// New wraps an already-connected NATS client. A nil *Bus is valid and
// disables publishing entirely, so callers without a NATS connection can
// pass one through uniformly instead of nil-checking at every call site.
func New(nc *nats.Conn) *Bus { return &Bus{nc: nc} }

// Subject returns the subject one run's events are published on.
func Subject(workspace, runID string) string {
	return fmt.Sprintf("dataflow.%s.%s", workspace, runID)
}

// Publisher adapts Bus.Publish to the dataflow.EventPublisher shape the
// Engine expects; publish failures are logged here, never fatal.
func (b *Bus) Publisher() dataflow.EventPublisher {
	return func(workspace, runID string, ev model.Event) {
		if err := b.Publish(context.Background(), workspace, runID, ev); err != nil {
			slog.Warn("nats publish failed", "workspace", workspace, "run", runID, "error", err)
		}
	}
}

// Publish injects the caller's trace context into the message headers and
// publishes ev as JSON. Errors are returned, not panicked on — callers
// treat the event bus as best-effort.
func (b *Bus) Publish(ctx context.Context, workspace, runID string, ev model.Event) error {
	if b == nil || b.nc == nil {
		return nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	msg := &nats.Msg{Subject: Subject(workspace, runID), Data: data, Header: hdr}
	return b.nc.PublishMsg(msg)
}

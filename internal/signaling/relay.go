package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/registry"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/rooms"
)

// Relay delivers opaque negotiation payloads to exactly one client. It never
// inspects the payload.
type Relay struct {
	registry *registry.Registry
	policy   config.UnreachableSignalPolicy
	metrics  *metrics.Metrics
	log      *slog.Logger
}

func NewRelay(reg *registry.Registry, policy config.UnreachableSignalPolicy, m *metrics.Metrics, logger *slog.Logger) *Relay {
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if policy == "" {
		policy = config.DefaultUnreachableSignalPolicy
	}
	return &Relay{registry: reg, policy: policy, metrics: m, log: logger}
}

// Forward sends signal{from, payload} to to. It returns
// registry.ErrTargetUnreachable when to is not connected; with the report
// policy the sender is also told.
func (r *Relay) Forward(ctx context.Context, from, to rooms.ClientID, payload json.RawMessage) error {
	err := r.registry.Send(to, protocol.Signal(from, payload))
	if err == nil {
		r.metrics.Inc(metrics.SignalsRelayed)
		return nil
	}
	if !errors.Is(err, registry.ErrTargetUnreachable) {
		return err
	}

	r.metrics.Inc(metrics.SignalsUnreachable)
	r.log.DebugContext(ctx, "signal target unreachable", "client_id", from, "target", to, "policy", string(r.policy))

	if r.policy == config.UnreachableSignalPolicyReport && from != to {
		_ = r.registry.Send(from, protocol.Error(protocol.MessageTargetUnreachable))
	}
	return err
}

package integration

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-network-core/internal/models"
	"github.com/lorawan-server/lorawan-network-core/internal/session"
)

// DefaultApplication is the subject segment used when none is configured
const DefaultApplication = "default"

// Publisher is the part of *nats.Conn the forwarder needs
type Publisher interface {
	Publish(subject string, data []byte) error
}

var _ Publisher = (*nats.Conn)(nil)

// NATSForwarder publishes uplinks on application.<app>.device.<devEUI>.rx
type NATSForwarder struct {
	pub Publisher
	app string
}

var _ session.Forwarder = (*NATSForwarder)(nil)

// NewNATSForwarder creates a forwarder publishing for app
func NewNATSForwarder(pub Publisher, app string) *NATSForwarder {
	if app == "" {
		app = DefaultApplication
	}
	return &NATSForwarder{pub: pub, app: app}
}

// Subject returns the subject uplinks of devEUI are published on
func (f *NATSForwarder) Subject(t *models.Telemetry) string {
	return fmt.Sprintf("application.%s.device.%s.rx", f.app, t.DevEUI)
}

// Forward implements session.Forwarder
func (f *NATSForwarder) Forward(_ context.Context, t *models.Telemetry) error {
	data, err := marshalEvent(f.app, t)
	if err != nil {
		return fmt.Errorf("marshal uplink event: %w", err)
	}

	subject := f.Subject(t)
	if err := f.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	log.Debug().
		Str("devEUI", t.DevEUI.String()).
		Str("subject", subject).
		Msg("uplink forwarded to NATS")
	return nil
}

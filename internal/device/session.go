package device

import (
	"context"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-network-core/internal/models"
	"github.com/lorawan-server/lorawan-network-core/pkg/lorawan"
)

// SessionClient is the per-device connection to the twin store and the
// application side.
type SessionClient interface {
	GetTwin(ctx context.Context) (*models.Twin, error)
	UpdateReported(ctx context.Context, patch models.ReportedProperties) error
	SendTelemetry(ctx context.Context, t *models.Telemetry) error

	// ReceiveMessage returns the next pending cloud message or nil.
	ReceiveMessage(ctx context.Context) (*models.CloudMessage, error)
	CompleteMessage(ctx context.Context, id uuid.UUID) error
	AbandonMessage(ctx context.Context, id uuid.UUID) error
	RejectMessage(ctx context.Context, id uuid.UUID) error

	Disconnect(ctx context.Context) error
}

// ConnectionManager owns the session clients. Devices only borrow them.
type ConnectionManager interface {
	Client(devEUI lorawan.EUI64) SessionClient
	Release(devEUI lorawan.EUI64)
}

// CounterStore is the shared frame counter cache used when several frame
// servers can answer the same device.
type CounterStore interface {
	NextDownlinkCounter(ctx context.Context, devEUI lorawan.EUI64, fCntDown, payloadFCnt uint32, gatewayID string) (uint32, error)
	ResetABPCounterCache(ctx context.Context, devEUI lorawan.EUI64, fCntUp uint32, gatewayID string) error
}

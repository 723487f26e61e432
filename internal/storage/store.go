package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-network-core/internal/models"
	"github.com/lorawan-server/lorawan-network-core/pkg/lorawan"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrInvalidData  = errors.New("invalid data")
)

// Store is the backing twin store consumed by the network server.
type Store interface {
	// SearchByAddress returns every device currently holding devAddr.
	SearchByAddress(ctx context.Context, devAddr lorawan.DevAddr) ([]models.DevAddrMatch, error)

	// SearchAndLockForJoin looks up an OTAA device and records devNonce.
	// A nonce seen before is reported through DevNonceAlreadyUsed.
	SearchAndLockForJoin(ctx context.Context, gatewayID string, devEUI lorawan.EUI64, devNonce uint16) (*models.JoinLockResult, error)

	// ReleaseJoinNonce forgets a nonce recorded by a join that was then
	// rejected, so the device can still use it.
	ReleaseJoinNonce(ctx context.Context, devEUI lorawan.EUI64, devNonce uint16) error

	// NextDownlinkCounter reserves the next downlink counter for the uplink
	// payloadFCnt. It returns 0 when another gateway already claimed it.
	NextDownlinkCounter(ctx context.Context, devEUI lorawan.EUI64, fCntDown, payloadFCnt uint32, gatewayID string) (uint32, error)

	// ResetABPCounterCache resynchronizes the server side counter cache
	// after an ABP device restarted its counters.
	ResetABPCounterCache(ctx context.Context, devEUI lorawan.EUI64, fCntUp uint32, gatewayID string) error

	// Twin methods
	CreateDevice(ctx context.Context, twin *models.Twin) error
	GetTwin(ctx context.Context, devEUI lorawan.EUI64) (*models.Twin, error)
	UpdateReported(ctx context.Context, devEUI lorawan.EUI64, patch models.ReportedProperties) error

	// Cloud to device message methods
	EnqueueMessage(ctx context.Context, msg *models.CloudMessage) error
	NextPendingMessage(ctx context.Context, devEUI lorawan.EUI64) (*models.CloudMessage, error)
	SetMessageState(ctx context.Context, id uuid.UUID, state models.MessageState) error

	// Close the store
	Close() error
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

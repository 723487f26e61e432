// Package session hands out the per-device clients that connect a cached
// device to the twin store and the application side.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-network-core/internal/device"
	"github.com/lorawan-server/lorawan-network-core/internal/models"
	"github.com/lorawan-server/lorawan-network-core/internal/storage"
	"github.com/lorawan-server/lorawan-network-core/pkg/lorawan"
)

// ErrDisconnected is returned by a client after Disconnect
var ErrDisconnected = errors.New("session disconnected")

// Forwarder delivers telemetry to the application side
type Forwarder interface {
	Forward(ctx context.Context, t *models.Telemetry) error
}

// Manager implements device.ConnectionManager
type Manager struct {
	store     storage.Store
	forwarder Forwarder

	mu      sync.Mutex
	clients map[lorawan.EUI64]*Client
}

var _ device.ConnectionManager = (*Manager)(nil)

// NewManager creates a manager
func NewManager(store storage.Store, forwarder Forwarder) *Manager {
	return &Manager{
		store:     store,
		forwarder: forwarder,
		clients:   make(map[lorawan.EUI64]*Client),
	}
}

// Client returns the device's client, opening one if needed
func (m *Manager) Client(devEUI lorawan.EUI64) device.SessionClient {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clients[devEUI]
	if !ok {
		c = &Client{devEUI: devEUI, store: m.store, forwarder: m.forwarder, manager: m}
		m.clients[devEUI] = c
	}
	return c
}

// Release closes and forgets the device's client
func (m *Manager) Release(devEUI lorawan.EUI64) {
	m.mu.Lock()
	c, ok := m.clients[devEUI]
	delete(m.clients, devEUI)
	m.mu.Unlock()

	if ok {
		c.close()
	}
}

// Len returns the number of open clients
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

func (m *Manager) forget(c *Client) {
	m.mu.Lock()
	if m.clients[c.devEUI] == c {
		delete(m.clients, c.devEUI)
	}
	m.mu.Unlock()
}

// Client is one device's session
type Client struct {
	devEUI    lorawan.EUI64
	store     storage.Store
	forwarder Forwarder
	manager   *Manager

	mu     sync.RWMutex
	closed bool
}

var _ device.SessionClient = (*Client)(nil)

func (c *Client) check() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return fmt.Errorf("%s: %w", c.devEUI, ErrDisconnected)
	}
	return nil
}

func (c *Client) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// GetTwin fetches the device's twin
func (c *Client) GetTwin(ctx context.Context) (*models.Twin, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return c.store.GetTwin(ctx, c.devEUI)
}

// UpdateReported patches the twin's reported properties
func (c *Client) UpdateReported(ctx context.Context, patch models.ReportedProperties) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.store.UpdateReported(ctx, c.devEUI, patch)
}

// SendTelemetry forwards an accepted uplink to the application side
func (c *Client) SendTelemetry(ctx context.Context, t *models.Telemetry) error {
	if err := c.check(); err != nil {
		return err
	}
	if c.forwarder == nil {
		return nil
	}
	return c.forwarder.Forward(ctx, t)
}

// ReceiveMessage returns the oldest pending cloud message, nil if none
func (c *Client) ReceiveMessage(ctx context.Context) (*models.CloudMessage, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	msg, err := c.store.NextPendingMessage(ctx, c.devEUI)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return msg, err
}

// CompleteMessage marks a message delivered
func (c *Client) CompleteMessage(ctx context.Context, id uuid.UUID) error {
	return c.setState(ctx, id, models.MessageCompleted)
}

// AbandonMessage returns a message to the queue
func (c *Client) AbandonMessage(ctx context.Context, id uuid.UUID) error {
	return c.setState(ctx, id, models.MessageAbandoned)
}

// RejectMessage drops a message that can never be delivered
func (c *Client) RejectMessage(ctx context.Context, id uuid.UUID) error {
	return c.setState(ctx, id, models.MessageRejected)
}

func (c *Client) setState(ctx context.Context, id uuid.UUID, state models.MessageState) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.store.SetMessageState(ctx, id, state)
}

// Disconnect closes the session
func (c *Client) Disconnect(context.Context) error {
	c.close()
	c.manager.forget(c)
	log.Debug().Str("devEUI", c.devEUI.String()).Msg("device session closed")
	return nil
}

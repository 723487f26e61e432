package loader

import (
	"github.com/lorawan-server/lorawan-network-core/internal/device"
	"github.com/lorawan-server/lorawan-network-core/pkg/lorawan"
)

// Factory creates uninitialized devices wired to the shared collaborators
type Factory struct {
	conn     device.ConnectionManager
	counters device.CounterStore
	opts     device.Options
}

// NewFactory creates a device factory
func NewFactory(conn device.ConnectionManager, counters device.CounterStore, opts device.Options) *Factory {
	return &Factory{conn: conn, counters: counters, opts: opts}
}

// Create returns a new, empty device
func (f *Factory) Create(devEUI lorawan.EUI64) *device.Device {
	return device.New(devEUI, f.conn, f.counters, f.opts)
}

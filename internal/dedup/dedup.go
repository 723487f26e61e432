// Package dedup classifies copies of the same radio frame reported by one or
// more stations.
package dedup

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/lorawan-server/lorawan-network-core/internal/models"
	"github.com/lorawan-server/lorawan-network-core/pkg/lorawan"
)

// ErrUnsupportedPayload is returned when fingerprinting a frame that is
// neither a data uplink nor a join request.
var ErrUnsupportedPayload = errors.New("unsupported payload for deduplication")

// Result is the classification of an inbound frame
type Result int

const (
	NotDuplicate Result = iota
	Duplicate
	DuplicateDueToResubmission
	SoftDuplicateDueToDeduplicationStrategy
)

func (r Result) String() string {
	switch r {
	case NotDuplicate:
		return "not_duplicate"
	case Duplicate:
		return "duplicate"
	case DuplicateDueToResubmission:
		return "resubmission"
	case SoftDuplicateDueToDeduplicationStrategy:
		return "soft_duplicate"
	default:
		return "unknown"
	}
}

// Device exposes the deduplication policy of the frame's owner
type Device interface {
	DeduplicationMode() models.DeduplicationMode
}

type record struct {
	station string
	expiry  time.Time
}

// Cache maps frame fingerprints to the first station that reported them
type Cache struct {
	mu    sync.Mutex
	items map[uint64]record
	ttl   time.Duration
	now   func() time.Time
}

// New creates a cache whose records expire after ttl
func New(ttl time.Duration) *Cache {
	return &Cache{
		items: make(map[uint64]record),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Start evicts expired records until ctx is done
func (c *Cache) Start(ctx context.Context) {
	interval := c.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.cleanup()
		}
	}
}

func (c *Cache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, item := range c.items {
		if now.After(item.expiry) {
			delete(c.items, key)
		}
	}
}

// Len returns the number of live and not yet evicted records
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// firstReporter stores station for key unless a live record exists, and
// returns the station that owns the record.
func (c *Cache) firstReporter(key uint64, station string) (owner string, seen bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if item, ok := c.items[key]; ok && !now.After(item.expiry) {
		return item.station, true
	}
	c.items[key] = record{station: station, expiry: now.Add(c.ttl)}
	return station, false
}

// CheckDuplicateData classifies a data uplink reported by station
func (c *Cache) CheckDuplicateData(phy *lorawan.PHYPayload, station string, dev Device) (Result, error) {
	key, err := Fingerprint(phy)
	if err != nil {
		return NotDuplicate, err
	}

	owner, seen := c.firstReporter(key, station)
	switch {
	case !seen:
		return NotDuplicate, nil
	case owner == station:
		return DuplicateDueToResubmission, nil
	case dev.DeduplicationMode() == models.DeduplicationDrop:
		return Duplicate, nil
	default:
		return SoftDuplicateDueToDeduplicationStrategy, nil
	}
}

// CheckDuplicateJoin classifies a join request. Any repeat is a duplicate.
func (c *Cache) CheckDuplicateJoin(phy *lorawan.PHYPayload, station string) (Result, error) {
	key, err := Fingerprint(phy)
	if err != nil {
		return NotDuplicate, err
	}
	if _, seen := c.firstReporter(key, station); seen {
		return Duplicate, nil
	}
	return NotDuplicate, nil
}

// Fingerprint hashes the MIC together with the fields that identify a frame
// on air: address, counter and payload length for data, EUIs and nonce for
// joins.
func Fingerprint(phy *lorawan.PHYPayload) (uint64, error) {
	d := xxhash.New()
	_, _ = d.Write(phy.MIC[:])

	switch phy.MHDR.MType {
	case lorawan.UnconfirmedDataUp, lorawan.ConfirmedDataUp:
		mac, err := phy.DecodeMACPayload()
		if err != nil {
			return 0, err
		}
		var buf [4 + 2 + 4]byte
		copy(buf[:4], mac.FHDR.DevAddr[:])
		binary.LittleEndian.PutUint16(buf[4:], uint16(mac.FHDR.FCnt))
		binary.LittleEndian.PutUint32(buf[6:], uint32(len(mac.FRMPayload)))
		_, _ = d.Write(buf[:])
	case lorawan.JoinRequest:
		jr, err := phy.DecodeJoinRequest()
		if err != nil {
			return 0, err
		}
		_, _ = d.Write(jr.JoinEUI[:])
		_, _ = d.Write(jr.DevEUI[:])
		_, _ = d.Write(jr.DevNonce[:])
	default:
		return 0, ErrUnsupportedPayload
	}
	return d.Sum64(), nil
}

package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-network-core/internal/models"
	"github.com/lorawan-server/lorawan-network-core/pkg/lorawan"
)

type counterEntry struct {
	fCntUp    uint32
	fCntDown  uint32
	gatewayID string
}

// MemoryStore implements Store in process memory. It backs the "memory"
// database driver and the package tests of the pipeline.
type MemoryStore struct {
	mu       sync.RWMutex
	twins    map[lorawan.EUI64]*models.Twin
	nonces   map[lorawan.EUI64]map[uint16]struct{}
	counters map[lorawan.EUI64]counterEntry
	messages map[uuid.UUID]*models.CloudMessage
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		twins:    make(map[lorawan.EUI64]*models.Twin),
		nonces:   make(map[lorawan.EUI64]map[uint16]struct{}),
		counters: make(map[lorawan.EUI64]counterEntry),
		messages: make(map[uuid.UUID]*models.CloudMessage),
	}
}

// cloneTwin deep copies through JSON so callers never share pointers with the store
func cloneTwin(t *models.Twin) (*models.Twin, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	out := &models.Twin{}
	if err := json.Unmarshal(b, out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateDevice stores a new twin
func (s *MemoryStore) CreateDevice(_ context.Context, twin *models.Twin) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.twins[twin.DevEUI]; ok {
		return ErrDuplicateKey
	}

	twin.Version = 1
	twin.UpdatedAt = time.Now()
	stored, err := cloneTwin(twin)
	if err != nil {
		return err
	}
	s.twins[twin.DevEUI] = stored
	return nil
}

// GetTwin returns a copy of the stored twin
func (s *MemoryStore) GetTwin(_ context.Context, devEUI lorawan.EUI64) (*models.Twin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.twins[devEUI]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTwin(t)
}

// UpdateReported merges patch into the stored reported properties
func (s *MemoryStore) UpdateReported(_ context.Context, devEUI lorawan.EUI64, patch models.ReportedProperties) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.twins[devEUI]
	if !ok {
		return ErrNotFound
	}

	t.Reported.Merge(patch)
	t.Version++
	t.UpdatedAt = time.Now()
	return nil
}

// SearchByAddress scans every twin for the session address
func (s *MemoryStore) SearchByAddress(_ context.Context, devAddr lorawan.DevAddr) ([]models.DevAddrMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []models.DevAddrMatch
	for eui, t := range s.twins {
		addr, key := sessionColumns(t)
		if addr == nil || lorawan.DevAddr(addr) != devAddr {
			continue
		}
		m := models.DevAddrMatch{DevEUI: eui, GatewayID: t.Desired.GatewayID}
		copy(m.NwkSKey[:], key)
		matches = append(matches, m)
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].DevEUI.String() < matches[j].DevEUI.String()
	})
	return matches, nil
}

// SearchAndLockForJoin records the nonce and returns the join material
func (s *MemoryStore) SearchAndLockForJoin(_ context.Context, _ string, devEUI lorawan.EUI64, devNonce uint16) (*models.JoinLockResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.twins[devEUI]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Desired.AppKey == nil {
		return nil, ErrInvalidData
	}

	result := &models.JoinLockResult{
		DevEUI:    devEUI,
		AppKey:    *t.Desired.AppKey,
		GatewayID: t.Desired.GatewayID,
	}
	if t.Desired.AppEUI != nil {
		result.JoinEUI = *t.Desired.AppEUI
	}

	used, ok := s.nonces[devEUI]
	if !ok {
		used = make(map[uint16]struct{})
		s.nonces[devEUI] = used
	}
	if _, seen := used[devNonce]; seen {
		result.DevNonceAlreadyUsed = true
	} else {
		used[devNonce] = struct{}{}
	}

	return result, nil
}

// ReleaseJoinNonce forgets a recorded nonce
func (s *MemoryStore) ReleaseJoinNonce(_ context.Context, devEUI lorawan.EUI64, devNonce uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.nonces[devEUI], devNonce)
	return nil
}

// NextDownlinkCounter reserves the next downlink counter
func (s *MemoryStore) NextDownlinkCounter(_ context.Context, devEUI lorawan.EUI64, fCntDown, payloadFCnt uint32, gatewayID string) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := fCntDown + 1
	if c, ok := s.counters[devEUI]; ok {
		next = counterClaim(c.fCntUp, c.fCntDown, c.gatewayID, fCntDown, payloadFCnt, gatewayID)
		if next == 0 {
			return 0, nil
		}
	}

	s.counters[devEUI] = counterEntry{fCntUp: payloadFCnt, fCntDown: next, gatewayID: gatewayID}
	return next, nil
}

// ResetABPCounterCache resets the cached counters of an ABP device
func (s *MemoryStore) ResetABPCounterCache(_ context.Context, devEUI lorawan.EUI64, fCntUp uint32, gatewayID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counters[devEUI] = counterEntry{fCntUp: fCntUp, gatewayID: gatewayID}
	return nil
}

// EnqueueMessage queues a cloud to device message
func (s *MemoryStore) EnqueueMessage(_ context.Context, msg *models.CloudMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.State == "" {
		msg.State = models.MessagePending
	}
	msg.CreatedAt = time.Now()

	stored := *msg
	s.messages[msg.ID] = &stored
	return nil
}

// NextPendingMessage returns the oldest pending message of a device
func (s *MemoryStore) NextPendingMessage(_ context.Context, devEUI lorawan.EUI64) (*models.CloudMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var oldest *models.CloudMessage
	for _, m := range s.messages {
		if m.DevEUI != devEUI || m.State != models.MessagePending {
			continue
		}
		if oldest == nil || m.CreatedAt.Before(oldest.CreatedAt) {
			oldest = m
		}
	}
	if oldest == nil {
		return nil, ErrNotFound
	}
	out := *oldest
	return &out, nil
}

// SetMessageState moves a message to a new delivery state
func (s *MemoryStore) SetMessageState(_ context.Context, id uuid.UUID, state models.MessageState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	if state == models.MessageAbandoned {
		state = models.MessagePending
	}
	m.State = state
	return nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}

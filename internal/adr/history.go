package adr

import (
	"sync"

	"github.com/lorawan-server/lorawan-network-core/pkg/lorawan"
)

// Sample is the radio quality of one accepted uplink
type Sample struct {
	FCnt         uint32  `json:"fCnt"`
	MaxSNR       float64 `json:"maxSNR"`
	DataRate     uint8   `json:"dataRate"`
	GatewayCount int     `json:"gatewayCount"`
}

// History is a bounded ring of samples ordered by frame counter
type History struct {
	size    int
	samples []Sample
}

// NewHistory creates a history keeping at most size samples
func NewHistory(size int) *History {
	if size < 1 {
		size = 1
	}
	return &History{size: size, samples: make([]Sample, 0, size)}
}

// Add records s. A copy of the last frame received through another station
// only improves its SNR and gateway count. A counter lower than the newest
// sample means the device restarted and the old history is dropped.
func (h *History) Add(s Sample) {
	if s.GatewayCount < 1 {
		s.GatewayCount = 1
	}
	if n := len(h.samples); n > 0 {
		last := &h.samples[n-1]
		switch {
		case s.FCnt == last.FCnt:
			if s.MaxSNR > last.MaxSNR {
				last.MaxSNR = s.MaxSNR
			}
			last.GatewayCount += s.GatewayCount
			return
		case s.FCnt < last.FCnt:
			h.samples = h.samples[:0]
		}
	}

	if len(h.samples) == h.size {
		copy(h.samples, h.samples[1:])
		h.samples = h.samples[:h.size-1]
	}
	h.samples = append(h.samples, s)
}

// Len returns the number of samples held
func (h *History) Len() int { return len(h.samples) }

// Full reports whether the ring holds size samples
func (h *History) Full() bool { return len(h.samples) >= h.size }

// Samples returns a copy of the samples, oldest first
func (h *History) Samples() []Sample {
	out := make([]Sample, len(h.samples))
	copy(out, h.samples)
	return out
}

// MaxSNR is the best SNR seen across the window
func (h *History) MaxSNR() float64 {
	if len(h.samples) == 0 {
		return 0
	}
	max := h.samples[0].MaxSNR
	for _, s := range h.samples[1:] {
		if s.MaxSNR > max {
			max = s.MaxSNR
		}
	}
	return max
}

// LossRate is the share of frame counters missing from the window
func (h *History) LossRate() float64 {
	n := len(h.samples)
	if n < 2 {
		return 0
	}
	span := h.samples[n-1].FCnt - h.samples[0].FCnt + 1
	missing := span - uint32(n)
	return float64(missing) / float64(span)
}

// Reset drops every sample
func (h *History) Reset() { h.samples = h.samples[:0] }

// HistoryStore keeps one History per device
type HistoryStore struct {
	mu        sync.Mutex
	size      int
	histories map[lorawan.EUI64]*History
}

// NewHistoryStore creates a store whose histories hold size samples
func NewHistoryStore(size int) *HistoryStore {
	return &HistoryStore{size: size, histories: make(map[lorawan.EUI64]*History)}
}

// Add records a sample for devEUI and returns the device's sample count
func (s *HistoryStore) Add(devEUI lorawan.EUI64, sample Sample) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.histories[devEUI]
	if !ok {
		h = NewHistory(s.size)
		s.histories[devEUI] = h
	}
	h.Add(sample)
	return h.Len()
}

// with runs fn on the device's history under the store lock
func (s *HistoryStore) with(devEUI lorawan.EUI64, fn func(h *History)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.histories[devEUI]
	if !ok {
		h = NewHistory(s.size)
		s.histories[devEUI] = h
	}
	fn(h)
}

// Remove forgets the device's history
func (s *HistoryStore) Remove(devEUI lorawan.EUI64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.histories, devEUI)
}

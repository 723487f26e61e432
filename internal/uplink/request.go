// Package uplink carries one received frame through the network server and
// runs the per-device data pipeline.
package uplink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-network-core/pkg/lorawan"
)

// FailedReason is why a frame was not processed. These are expected
// outcomes, not errors.
type FailedReason int

const (
	NotMatchingDeviceByDevAddr FailedReason = iota + 1
	NotMatchingDeviceByMicCheck
	BelongsToAnotherGateway
	InvalidFrameCounter
	ApplicationError
	HandledByAnotherGateway
	ReceiveWindowMissed
	DeduplicationDrop
	InvalidJoinRequest
	JoinDevNonceAlreadyUsed
	JoinMicCheckFailed
)

var reasonNames = map[FailedReason]string{
	NotMatchingDeviceByDevAddr:  "not_matching_device_by_dev_addr",
	NotMatchingDeviceByMicCheck: "not_matching_device_by_mic_check",
	BelongsToAnotherGateway:     "belongs_to_another_gateway",
	InvalidFrameCounter:         "invalid_frame_counter",
	ApplicationError:            "application_error",
	HandledByAnotherGateway:     "handled_by_another_gateway",
	ReceiveWindowMissed:         "receive_window_missed",
	DeduplicationDrop:           "deduplication_drop",
	InvalidJoinRequest:          "invalid_join_request",
	JoinDevNonceAlreadyUsed:     "join_dev_nonce_already_used",
	JoinMicCheckFailed:          "join_mic_check_failed",
}

func (r FailedReason) String() string {
	if s, ok := reasonNames[r]; ok {
		return s
	}
	return fmt.Sprintf("FailedReason(%d)", int(r))
}

// Radio is the reception metadata reported by the station
type Radio struct {
	Station   string  `json:"station"`
	DataRate  uint8   `json:"dataRate"`
	RSSI      float64 `json:"rssi"`
	SNR       float64 `json:"snr"`
	Frequency float64 `json:"frequency"`
	Tmst      uint64  `json:"tmst"`
	Channel   int     `json:"chan"`
	RFChain   int     `json:"rfch"`
	Context   string  `json:"context,omitempty"`
}

// Downlink is the answer produced for an uplink
type Downlink struct {
	PHY      lorawan.PHYPayload
	FCntDown uint32
	DevEUI   lorawan.EUI64
	Class    string
}

// Result is the outcome of a request
type Result struct {
	Failed    bool
	Reason    FailedReason
	DevEUI    lorawan.EUI64
	FCnt      uint32
	Redundant bool
	Downlink  *Downlink
}

// Request is one received frame
type Request struct {
	ID         uuid.UUID
	PHY        *lorawan.PHYPayload
	MAC        *lorawan.MACPayload
	Radio      Radio
	Region     *lorawan.RegionConfiguration
	ReceivedAt time.Time

	once   sync.Once
	done   chan struct{}
	result Result
}

// NewRequest wraps a decoded frame. Data frames get their MAC payload
// decoded here.
func NewRequest(phy *lorawan.PHYPayload, radio Radio, region *lorawan.RegionConfiguration) (*Request, error) {
	r := &Request{
		ID:         uuid.New(),
		PHY:        phy,
		Radio:      radio,
		Region:     region,
		ReceivedAt: time.Now(),
		done:       make(chan struct{}),
	}
	if phy.IsDataUp() {
		mac, err := phy.DecodeMACPayload()
		if err != nil {
			return nil, fmt.Errorf("decode data frame: %w", err)
		}
		r.MAC = mac
	}
	return r, nil
}

// DevAddr is the frame's session address. Zero for joins.
func (r *Request) DevAddr() lorawan.DevAddr {
	if r.MAC == nil {
		return lorawan.DevAddr{}
	}
	return r.MAC.FHDR.DevAddr
}

// Complete records the outcome. Only the first call has an effect.
func (r *Request) Complete(res Result) {
	r.once.Do(func() {
		r.result = res
		close(r.done)
	})
}

// Fail completes the request with a failure reason
func (r *Request) Fail(reason FailedReason) {
	r.Complete(Result{Failed: true, Reason: reason})
}

// Done is closed once the request completed
func (r *Request) Done() <-chan struct{} { return r.done }

// Result returns the outcome; valid after Done is closed
func (r *Request) Result() Result {
	<-r.done
	return r.result
}

// Wait blocks until the request completed or ctx is done
func (r *Request) Wait(ctx context.Context) (Result, error) {
	select {
	case <-r.done:
		return r.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

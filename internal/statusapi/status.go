package statusapi

import (
	"sync"
	"time"
)

// Status is the agent's externally visible state. It is recorded by the
// publish loop after each cycle and read by the HTTP handlers.
type Status struct {
	DeviceID        string    `json:"device_id"`
	Name            string    `json:"name,omitempty"`
	Connection      string    `json:"connection"`
	KeepAliveSec    int       `json:"keep_alive_sec"`
	PublishRateSec  int       `json:"publish_rate_sec"`
	Error           string    `json:"error"`
	ErrorCode       int       `json:"error_code"`
	Values          int       `json:"values"`
	LastCycle       time.Time `json:"last_cycle,omitzero"`
	LastClockSync   time.Time `json:"last_clock_sync,omitzero"`
	ClockOffsetMs   int64     `json:"clock_offset_ms"`
	Payload         rawJSON   `json:"payload,omitempty"`
	PayloadOverflow bool      `json:"payload_overflow,omitempty"`
}

// rawJSON embeds an already encoded payload, or null when it is not
// valid JSON.
type rawJSON []byte

// MarshalJSON implements json.Marshaler.
func (r rawJSON) MarshalJSON() ([]byte, error) {
	if len(r) == 0 || !validJSON(r) {
		return []byte("null"), nil
	}
	return r, nil
}

// Tracker holds the latest [Status] behind a mutex.
type Tracker struct {
	mu     sync.RWMutex
	status Status
}

// NewTracker creates a tracker for deviceID.
func NewTracker(deviceID string) *Tracker {
	return &Tracker{status: Status{DeviceID: deviceID, Connection: "disconnected"}}
}

// Update applies fn to the current status under the write lock.
func (t *Tracker) Update(fn func(*Status)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.status)
}

// Snapshot returns a copy of the current status.
func (t *Tracker) Snapshot() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := t.status
	s.Payload = append(rawJSON(nil), t.status.Payload...)
	return s
}

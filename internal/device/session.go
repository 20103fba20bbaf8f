package device

import (
	"log/slog"
	"sync"

	"diab-uplink/internal/records"
	"diab-uplink/internal/transport"
	"diab-uplink/internal/tzoffset"
)

// Counters are the protocol sequence counters for devices that frame with
// send/receive counts (mod 8 for the 3-bit protocols). They live on the
// session, never at package level: each connection attempt starts fresh.
type Counters struct {
	Sent     uint8
	Received uint8
	Mod      uint8
}

func (c *Counters) IncSent() {
	c.Sent = (c.Sent + 1) % c.Mod
}

func (c *Counters) IncReceived() {
	c.Received = (c.Received + 1) % c.Mod
}

// DecReceived resynchronizes after a NAK.
func (c *Counters) DecReceived() {
	if c.Received == 0 {
		c.Received = c.Mod - 1
		return
	}
	c.Received--
}

// Session is one device's connection lifecycle. It exclusively owns the
// transport handle; no two sessions may hold the same physical port.
type Session struct {
	DriverID  string
	VendorID  uint16
	ProductID uint16
	Mode      string // serial | hid | tcp | block

	Transport transport.Transport
	Logger    *slog.Logger
	Builder   *records.Builder

	Timezone string
	Counters Counters

	// negotiated during handshake
	ConnectionAddress []byte

	// filled by GetConfigInfo
	Model        string
	SerialNumber string
	Firmware     string
	DeviceID     string

	// filled by FetchData
	Records     []records.Record
	Schedules   []records.Schedule
	TimeChanges []tzoffset.TimeChange

	// filled by ProcessData; kept even on later failure so partial results
	// stay inspectable for diagnostics
	TZOUtil *tzoffset.Util
	Events  []records.CanonicalEvent

	mu       sync.Mutex
	released bool
}

// Release closes the transport once. Safe to call from both the normal
// disconnect path and cancellation.
func (s *Session) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released || s.Transport == nil {
		return nil
	}
	s.released = true
	return s.Transport.Disconnect()
}

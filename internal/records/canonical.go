package records

import "time"

// CanonicalEvent is the fully time-resolved output record. UTC time is
// always present and self-consistent with the device-local time:
//
//	utc = deviceLocal - timezoneOffset - conversionOffset
//
// with timezoneOffset in minutes from UTC and conversionOffset in
// milliseconds. Events are immutable once emitted by the simulator.
type CanonicalEvent struct {
	Type       string    `json:"type"`
	SubType    string    `json:"subType,omitempty"`
	Time       time.Time `json:"time"`       // UTC
	DeviceTime time.Time `json:"deviceTime"` // as the device reported it

	TimezoneOffset   int   `json:"timezoneOffset"`             // minutes
	ClockDriftOffset int64 `json:"clockDriftOffset,omitempty"` // ms
	ConversionOffset int64 `json:"conversionOffset,omitempty"` // ms

	DeviceID string `json:"deviceId"`

	// ordering key; stripped before upload for indexed records
	Index    int64 `json:"index,omitempty"`
	HasIndex bool  `json:"-"`

	Duration int64 `json:"duration,omitempty"` // ms

	// glucose / calibration
	Value int    `json:"value,omitempty"`
	Units string `json:"units,omitempty"`
	Trend string `json:"trend,omitempty"`

	// insulin
	Normal         float64 `json:"normal,omitempty"`
	Extended       float64 `json:"extended,omitempty"`
	ExpectedNormal float64 `json:"expectedNormal,omitempty"`
	ExpectedExt    float64 `json:"expectedExtended,omitempty"`
	Rate           float64 `json:"rate,omitempty"`
	Percent        float64 `json:"percent,omitempty"`
	// rate of the scheduled segment a temp basal overrides
	SuppressedRate float64 `json:"suppressed,omitempty"`
	ScheduleName   string  `json:"scheduleName,omitempty"`

	// wizard
	Recommended float64 `json:"recommended,omitempty"`
	CarbInput   int     `json:"carbInput,omitempty"`
	BGInput     int     `json:"bgInput,omitempty"`

	// suspend/resume, alarms, primes
	Status string  `json:"status,omitempty"`
	Reason string  `json:"reason,omitempty"`
	Volume float64 `json:"volume,omitempty"`

	// cross-reference to a paired event (wizard<->bolus, suspend<->resume)
	// by type-appropriate identifier
	Ref string `json:"ref,omitempty"`

	Payload     map[string]any `json:"payload,omitempty"`
	Annotations []Annotation   `json:"annotations,omitempty"`
}

// ConsistentUTC reports whether the offset invariant holds for the event.
func (e CanonicalEvent) ConsistentUTC() bool {
	want := e.DeviceTime.
		Add(-time.Duration(e.TimezoneOffset) * time.Minute).
		Add(-time.Duration(e.ConversionOffset) * time.Millisecond)
	return e.Time.Equal(want)
}

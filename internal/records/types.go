// Package records defines the decoded device records shared by every driver
// and the canonical events the pipeline emits. Drivers produce Record values
// tagged with device-local time and (when the device keeps one) a monotonic
// record index; the simulator turns them into CanonicalEvents once UTC is
// resolved.
package records

import "time"

// Record type tags. The set is closed: decoders map unknown device codes to
// TypeAlarm/TypeSettings payloads with an "unknown" note, never to new tags.
const (
	TypeBolus       = "bolus"
	TypeBasal       = "basal"
	TypeTempBasal   = "tempBasal"
	TypeWizard      = "wizard"
	TypeSMBG        = "smbg"
	TypeCBG         = "cbg"
	TypeAlarm       = "alarm"
	TypeSuspend     = "suspend"
	TypeResume      = "resume"
	TypePrime       = "prime"
	TypeCalibration = "calibration"
	TypeSettings    = "settings"
	TypeTimeChange  = "timeChange"
)

// Base carries what every decoded record has before UTC is known: the
// device-local timestamp and, for devices with a record store, the monotonic
// index that orders records even when the clock is untrustworthy.
type Base struct {
	DeviceTime time.Time
	Index      int64
	HasIndex   bool
}

func (b Base) Time() time.Time { return b.DeviceTime }

// Idx returns the device ordering key. ok is false for real-time records
// that never had one.
func (b Base) Idx() (int64, bool) { return b.Index, b.HasIndex }

// Record is the tagged-variant interface over the decoded types below.
type Record interface {
	Kind() string
	Time() time.Time
	Idx() (int64, bool)
}

// SMBG is a fingerstick glucose reading.
type SMBG struct {
	Base
	Value       int    // mg/dL, already clamped for HI/LO sentinels
	Units       string
	SubType     string // "linked" for meter-remote readings, "manual" for wizard entries
	Control     bool   // control-solution test, discarded before upload
	Annotations []Annotation
}

func (SMBG) Kind() string { return TypeSMBG }

// CBG is a continuous glucose sensor reading.
type CBG struct {
	Base
	Value       int
	Units       string
	Trend       string
	Annotations []Annotation
}

func (CBG) Kind() string { return TypeCBG }

// Calibration is a meter value entered into a CGM receiver.
type Calibration struct {
	Base
	Value int
	Units string
}

func (Calibration) Kind() string { return TypeCalibration }

// Bolus delivery. Drivers report Normal as the total delivered amount and
// ExpectedNormal as the programmed amount; the split of a combo (dual-wave)
// bolus into immediate and extended portions happens in the simulator.
type Bolus struct {
	Base
	SubType        string // "normal", "square", "dual/square"
	Normal         float64
	Extended       float64
	Duration       time.Duration
	ExpectedNormal float64
	ExpectedExt    float64
	Cancelled      bool
	SyncCounter    int    // correlates with the wizard estimate
	BolusNumber    int
	Trigger        string // "bg", "carb", "both" or "neither"
	Annotations    []Annotation
}

func (Bolus) Kind() string { return TypeBolus }

// Wizard is a bolus-calculator estimate. Some pumps store wizard entries
// without their own timestamp; the simulator adopts the matched bolus time.
type Wizard struct {
	Base
	Recommended     float64
	CarbInput       int
	BGInput         int
	InsulinOnBoard  float64
	SyncCounter     int
	Units           string
	CorrectionAdded bool
	Payload         map[string]any
}

func (Wizard) Kind() string { return TypeWizard }

// Basal is a scheduled basal segment. Devices report only the start; the
// simulator infers duration from the following segment.
type Basal struct {
	Base
	Rate         float64 // U/hr
	ScheduleName string
}

func (Basal) Kind() string { return TypeBasal }

// TempBasal overrides the schedule, either with an absolute rate or a
// percentage of the suppressed scheduled rate.
type TempBasal struct {
	Base
	Rate      float64
	Percent   float64
	IsPercent bool
	Duration  time.Duration
}

func (TempBasal) Kind() string { return TypeTempBasal }

// Suspend halts delivery until the matching Resume.
type Suspend struct {
	Base
	Reason string
}

func (Suspend) Kind() string { return TypeSuspend }

type Resume struct {
	Base
	Reason string
}

func (Resume) Kind() string { return TypeResume }

// Alarm is a device-reported alert. Unknown device codes decode with
// AlarmType "other" and the raw code in RawCode.
type Alarm struct {
	Base
	AlarmType string
	RawCode   int
}

func (Alarm) Kind() string { return TypeAlarm }

// Prime is a cannula/tubing fill event.
type Prime struct {
	Base
	Volume float64
	Target string // "cannula" or "tubing"
}

func (Prime) Kind() string { return TypePrime }

// Settings is a device settings snapshot. Payload keys are device specific.
type Settings struct {
	Base
	Payload map[string]any
}

func (Settings) Kind() string { return TypeSettings }

// TimeChange is a detected on-device clock adjustment. It is only ever input
// to the reconciliation engine, never uploaded raw.
type TimeChange struct {
	Base
	From time.Time
	To   time.Time
}

func (TimeChange) Kind() string { return TypeTimeChange }

// ScheduleSegment is one entry of a pump basal schedule: rate active from
// Start (offset since midnight) until the next segment.
type ScheduleSegment struct {
	Start time.Duration
	Rate  float64
}

// Schedule is a full 24h basal program.
type Schedule struct {
	Name     string
	Segments []ScheduleSegment
}

// RateAt returns the scheduled rate active at the given device-local time.
func (s Schedule) RateAt(t time.Time) (float64, bool) {
	if len(s.Segments) == 0 {
		return 0, false
	}
	offset := time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second
	rate := s.Segments[0].Rate
	for _, seg := range s.Segments {
		if seg.Start > offset {
			break
		}
		rate = seg.Rate
	}
	return rate, true
}

package records

import (
	"fmt"
	"time"
)

// MissingFieldError reports a draft finalized without one of its required
// fields.
type MissingFieldError struct {
	Type  string
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("records: %s draft missing required field %q", e.Type, e.Field)
}

// Builder stamps per-session defaults (device id) onto drafts. One builder
// per device session.
type Builder struct {
	deviceID string
}

func NewBuilder() *Builder { return &Builder{} }

// SetDefaults fixes the device id applied to every subsequent draft.
func (b *Builder) SetDefaults(deviceID string) { b.deviceID = deviceID }

// Draft accumulates fields for one CanonicalEvent. Done validates required
// fields and returns an immutable copy; a draft is never emitted directly.
type Draft struct {
	ev       CanonicalEvent
	required map[string]bool // field name -> still missing
}

func (b *Builder) draft(kind string, required ...string) *Draft {
	d := &Draft{
		ev:       CanonicalEvent{Type: kind, DeviceID: b.deviceID},
		required: make(map[string]bool, len(required)),
	}
	for _, f := range required {
		d.required[f] = true
	}
	return d
}

// MakeSMBG drafts a fingerstick reading. Required: value, units, deviceTime.
func (b *Builder) MakeSMBG() *Draft {
	return b.draft(TypeSMBG, "value", "units", "deviceTime")
}

// MakeCBG drafts a sensor reading. Required: value, units, deviceTime.
func (b *Builder) MakeCBG() *Draft {
	return b.draft(TypeCBG, "value", "units", "deviceTime")
}

// MakeCalibration drafts a CGM calibration entry.
func (b *Builder) MakeCalibration() *Draft {
	return b.draft(TypeCalibration, "value", "units", "deviceTime")
}

// MakeBolus drafts a delivery event. Required: normal or extended is checked
// by the caller; deviceTime always.
func (b *Builder) MakeBolus() *Draft {
	return b.draft(TypeBolus, "deviceTime")
}

func (b *Builder) MakeWizard() *Draft {
	return b.draft(TypeWizard, "recommended", "deviceTime")
}

func (b *Builder) MakeBasal() *Draft {
	return b.draft(TypeBasal, "rate", "deviceTime")
}

func (b *Builder) MakeTempBasal() *Draft {
	return b.draft(TypeTempBasal, "deviceTime")
}

func (b *Builder) MakeSuspendResume() *Draft {
	return b.draft(TypeSuspend, "deviceTime")
}

func (b *Builder) MakeAlarm() *Draft {
	return b.draft(TypeAlarm, "deviceTime")
}

func (b *Builder) MakePrime() *Draft {
	return b.draft(TypePrime, "volume", "deviceTime")
}

func (b *Builder) MakeSettings() *Draft {
	return b.draft(TypeSettings, "deviceTime")
}

func (b *Builder) MakeTimeChange() *Draft {
	return b.draft(TypeTimeChange, "deviceTime")
}

func (d *Draft) set(field string) { delete(d.required, field) }

func (d *Draft) WithDeviceTime(t time.Time) *Draft {
	d.ev.DeviceTime = t
	d.set("deviceTime")
	return d
}

func (d *Draft) WithTime(utc time.Time) *Draft {
	d.ev.Time = utc
	return d
}

func (d *Draft) WithTimezoneOffset(minutes int) *Draft {
	d.ev.TimezoneOffset = minutes
	return d
}

func (d *Draft) WithClockDriftOffset(ms int64) *Draft {
	d.ev.ClockDriftOffset = ms
	return d
}

func (d *Draft) WithConversionOffset(ms int64) *Draft {
	d.ev.ConversionOffset = ms
	return d
}

func (d *Draft) WithValue(v int) *Draft {
	d.ev.Value = v
	d.set("value")
	return d
}

func (d *Draft) WithUnits(u string) *Draft {
	d.ev.Units = u
	d.set("units")
	return d
}

func (d *Draft) WithTrend(trend string) *Draft {
	d.ev.Trend = trend
	return d
}

func (d *Draft) WithSubType(s string) *Draft {
	d.ev.SubType = s
	return d
}

func (d *Draft) WithNormal(u float64) *Draft {
	d.ev.Normal = u
	return d
}

func (d *Draft) WithExtended(u float64) *Draft {
	d.ev.Extended = u
	return d
}

func (d *Draft) WithExpected(normal, extended float64) *Draft {
	d.ev.ExpectedNormal = normal
	d.ev.ExpectedExt = extended
	return d
}

func (d *Draft) WithRate(rate float64) *Draft {
	d.ev.Rate = rate
	d.set("rate")
	return d
}

func (d *Draft) WithPercent(pct float64) *Draft {
	d.ev.Percent = pct
	return d
}

func (d *Draft) WithSuppressed(rate float64) *Draft {
	d.ev.SuppressedRate = rate
	return d
}

func (d *Draft) WithScheduleName(name string) *Draft {
	d.ev.ScheduleName = name
	return d
}

func (d *Draft) WithRecommended(u float64) *Draft {
	d.ev.Recommended = u
	d.set("recommended")
	return d
}

func (d *Draft) WithCarbInput(g int) *Draft {
	d.ev.CarbInput = g
	return d
}

func (d *Draft) WithBGInput(v int) *Draft {
	d.ev.BGInput = v
	return d
}

func (d *Draft) WithDuration(dur time.Duration) *Draft {
	d.ev.Duration = dur.Milliseconds()
	return d
}

func (d *Draft) WithStatus(status string) *Draft {
	d.ev.Status = status
	return d
}

func (d *Draft) WithReason(reason string) *Draft {
	d.ev.Reason = reason
	return d
}

func (d *Draft) WithVolume(v float64) *Draft {
	d.ev.Volume = v
	d.set("volume")
	return d
}

func (d *Draft) WithRef(ref string) *Draft {
	d.ev.Ref = ref
	return d
}

func (d *Draft) WithIndex(idx int64) *Draft {
	d.ev.Index = idx
	d.ev.HasIndex = true
	return d
}

// Index exposes the draft's ordering key for timestamp resolution.
func (d *Draft) Index() (int64, bool) {
	return d.ev.Index, d.ev.HasIndex
}

func (d *Draft) WithPayload(p map[string]any) *Draft {
	d.ev.Payload = p
	return d
}

func (d *Draft) Annotate(ann Annotation) *Draft {
	Annotate(&d.ev, ann)
	return d
}

// Done validates the draft and returns the finished event. The zero
// deviceTime also counts as missing even if WithDeviceTime was called.
func (d *Draft) Done() (CanonicalEvent, error) {
	for field := range d.required {
		return CanonicalEvent{}, &MissingFieldError{Type: d.ev.Type, Field: field}
	}
	if d.ev.DeviceTime.IsZero() {
		return CanonicalEvent{}, &MissingFieldError{Type: d.ev.Type, Field: "deviceTime"}
	}
	return d.ev, nil
}

// Package tzoffset reconciles untrustworthy device-local timestamps against
// real UTC. Device clocks drift, travel across timezones, and get set to the
// wrong year outright; this package classifies every detected clock change
// and produces, per record, a UTC time plus the three offsets that explain
// how it was derived:
//
//	utc = deviceLocal - timezoneOffset - conversionOffset
//
// timezoneOffset is minutes from UTC, conversionOffset is the millisecond
// correction for jumps too large to be timezone changes (e.g. a wrong year),
// and clockDriftOffset accumulates the small residue riding along with
// nominal changes. One Util is built per device session; its state is
// stream-specific and must not be shared across devices.
package tzoffset

import (
	"errors"
	"fmt"
	"time"

	"diab-uplink/internal/records"
)

// Processing modes, reported in the upload session info.
const (
	AcrossTheBoard   = "across-the-board-timezone"
	UTCBootstrapping = "utc-bootstrapping"
)

var (
	ErrEmptyObject = errors.New("tzoffset: must provide a non-empty draft")
	ErrInvalidDate = errors.New("tzoffset: invalid device time")
	ErrLookupMiss  = errors.New("tzoffset: failed to look up UTC info")
)

// InvalidTimezoneError reports an unknown IANA zone name.
type InvalidTimezoneError struct {
	Name string
	Err  error
}

func (e *InvalidTimezoneError) Error() string {
	return fmt.Sprintf("tzoffset: invalid timezone %q: %v", e.Name, e.Err)
}

func (e *InvalidTimezoneError) Unwrap() error { return e.Err }

// TimeChange is a detected on-device clock adjustment: the clock read From
// immediately before and To immediately after, at record index Index.
type TimeChange struct {
	From  time.Time
	To    time.Time
	Index int64
}

// Interval maps a contiguous span of device records to one offset triple.
// Intervals are built newest-first; exactly one has an open start (the
// unbounded past) and none has an open end.
type Interval struct {
	Start    time.Time // UTC; zero when HasStart is false (open past)
	End      time.Time // UTC
	HasStart bool

	StartIndex    int64
	EndIndex      int64
	HasStartIndex bool
	HasEndIndex   bool

	TimezoneOffset   int   // minutes from UTC
	ClockDriftOffset int64 // ms
	ConversionOffset int64 // ms
}

// contains reports index membership under the half-open rule
// index > StartIndex && index <= EndIndex, open bounds matching everything
// on their side. The half-open rule keeps boundary records from being
// assigned to two intervals.
func (iv Interval) contains(index int64) bool {
	if iv.HasStartIndex && iv.HasEndIndex {
		return index > iv.StartIndex && index <= iv.EndIndex
	}
	if iv.HasStartIndex {
		return index > iv.StartIndex
	}
	if iv.HasEndIndex {
		return index <= iv.EndIndex
	}
	return false
}

// LookupResult is the resolved UTC info for one device timestamp.
type LookupResult struct {
	Time             time.Time
	TimezoneOffset   int
	ClockDriftOffset int64
	ConversionOffset int64
}

// Util converts device-local timestamps to UTC. Construct with New.
type Util struct {
	Type string

	tzName     string
	loc        *time.Location
	mostRecent time.Time
	intervals  []Interval

	// the processed time-change events, ready for upload alongside the
	// stream they reconcile
	changeEvents []records.CanonicalEvent
}

// maxTimezoneDiff is the largest physically possible timezone delta in
// minutes: UTC+14 to UTC-12 is 840 + 720.
const maxTimezoneDiff = 1560

// quantizeToQuarterHour maps a raw clock delta onto the 15-minute timezone
// grid. Deltas smaller than one quarter-hour step cannot be a timezone
// change, so they quantize to zero and end up attributed entirely to drift.
func quantizeToQuarterHour(delta time.Duration) int {
	minutes := delta.Minutes()
	if minutes < 15 && minutes > -15 {
		return 0
	}
	steps := minutes / 15
	if steps >= 0 {
		return int(steps+0.5) * 15
	}
	return -int(-steps+0.5) * 15
}

// OffsetDifferences splits a clock change into the quantized timezone
// component (minutes) and the exact raw delta (ms), both as to-from.
func OffsetDifferences(c TimeChange) (offsetMinutes int, rawMs int64) {
	delta := c.To.Sub(c.From)
	return quantizeToQuarterHour(delta), delta.Milliseconds()
}

// deviceLocal times are carried as wall-clock fields in time.UTC. applyZone
// reinterprets such a wall clock in loc and returns the real UTC instant.
func applyZone(deviceLocal time.Time, loc *time.Location) time.Time {
	y, mo, d := deviceLocal.Date()
	h, mi, s := deviceLocal.Clock()
	return time.Date(y, mo, d, h, mi, s, deviceLocal.Nanosecond(), loc).UTC()
}

// ApplyZone interprets a device wall-clock reading in the named zone and
// returns the real UTC instant. Drivers use it to derive the bootstrap
// anchor from their newest record.
func ApplyZone(timezone string, deviceLocal time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return time.Time{}, &InvalidTimezoneError{Name: timezone, Err: err}
	}
	return applyZone(deviceLocal, loc), nil
}

// zoneOffsetMinutes is the named zone's offset from UTC at the given instant.
func zoneOffsetMinutes(utc time.Time, loc *time.Location) int {
	_, secs := utc.In(loc).Zone()
	return secs / 60
}

// utcFromOffsets inverts the forward transform for one interval's offsets.
func utcFromOffsets(deviceLocal time.Time, tzMinutes int, convMs int64) time.Time {
	return deviceLocal.
		Add(-time.Duration(tzMinutes) * time.Minute).
		Add(-time.Duration(convMs) * time.Millisecond)
}

// New builds a Util for one device session.
//
// With no changes it runs in across-the-board mode: the named timezone is
// applied uniformly. With changes it runs in UTC-bootstrapping mode: the
// changes are walked newest-first from the mostRecent anchor, accumulating
// offsets into reverse-chronological intervals.
func New(timezone string, mostRecent time.Time, changes []TimeChange) (*Util, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, &InvalidTimezoneError{Name: timezone, Err: err}
	}
	if mostRecent.IsZero() {
		return nil, fmt.Errorf("tzoffset: invalid timestamp for most recent datum: %w", ErrInvalidDate)
	}

	u := &Util{
		Type:       AcrossTheBoard,
		tzName:     timezone,
		loc:        loc,
		mostRecent: mostRecent,
	}
	if len(changes) == 0 {
		return u, nil
	}

	u.Type = UTCBootstrapping

	// newest change first
	sorted := make([]TimeChange, len(changes))
	copy(sorted, changes)
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[j].Index > sorted[i].Index {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}

	var (
		tzOffset     int
		driftOffset  int64
		convOffset   int64
		currentIndex int64
		prevTime     time.Time
	)

	for i, change := range sorted {
		var changeTime time.Time
		if i == 0 {
			// seed from the named zone at the anchor change; the device
			// clock after the newest change is trusted
			changeTime = applyZone(change.To, loc).Add(-time.Duration(convOffset) * time.Millisecond)
			tzOffset = zoneOffsetMinutes(changeTime, loc)
			u.intervals = append(u.intervals, Interval{
				Start:            changeTime,
				HasStart:         true,
				End:              mostRecent,
				StartIndex:       change.Index,
				HasStartIndex:    true,
				HasEndIndex:      false,
				TimezoneOffset:   tzOffset,
				ClockDriftOffset: driftOffset,
				ConversionOffset: convOffset,
			})
		} else {
			changeTime = utcFromOffsets(change.To, tzOffset, convOffset)
			u.intervals = append(u.intervals, Interval{
				Start:            changeTime,
				HasStart:         true,
				End:              prevTime,
				StartIndex:       change.Index,
				HasStartIndex:    true,
				EndIndex:         currentIndex,
				HasEndIndex:      true,
				TimezoneOffset:   tzOffset,
				ClockDriftOffset: driftOffset,
				ConversionOffset: convOffset,
			})
		}

		u.changeEvents = append(u.changeEvents, records.CanonicalEvent{
			Type:             records.TypeTimeChange,
			Time:             changeTime,
			DeviceTime:       change.To,
			TimezoneOffset:   tzOffset,
			ClockDriftOffset: driftOffset,
			ConversionOffset: convOffset,
			Index:            change.Index,
			HasIndex:         true,
			Payload: map[string]any{
				"from": change.From.Format("2006-01-02T15:04:05"),
				"to":   change.To.Format("2006-01-02T15:04:05"),
			},
		})

		// walk the accumulated offsets back across this change: records
		// before it were written with the pre-change clock
		offsetMin, rawMs := OffsetDifferences(change)
		if offsetMin >= -maxTimezoneDiff && offsetMin <= maxTimezoneDiff {
			tzOffset -= offsetMin
			driftOffset -= rawMs - int64(offsetMin)*60_000
		} else {
			// too large to be a timezone change; the whole delta is a
			// manual clock/date fabrication
			convOffset -= rawMs
		}

		currentIndex = change.Index
		prevTime = changeTime
	}

	// the unbounded past before the earliest detected change
	u.intervals = append(u.intervals, Interval{
		HasStart:         false,
		End:              prevTime,
		HasStartIndex:    false,
		EndIndex:         currentIndex,
		HasEndIndex:      true,
		TimezoneOffset:   tzOffset,
		ClockDriftOffset: driftOffset,
		ConversionOffset: convOffset,
	})

	return u, nil
}

// Intervals returns the built offset intervals, newest first. Empty in
// across-the-board mode.
func (u *Util) Intervals() []Interval { return u.intervals }

// ChangeEvents returns the processed time-change records for upload.
func (u *Util) ChangeEvents() []records.CanonicalEvent { return u.changeEvents }

// TimezoneName returns the session timezone the Util was built with.
func (u *Util) TimezoneName() string { return u.tzName }

// Lookup resolves one device-local timestamp. hasIndex selects index-based
// interval matching, which takes priority over time containment because the
// record index survives clock rewrites while the timestamp does not.
func (u *Util) Lookup(deviceLocal time.Time, index int64, hasIndex bool) (LookupResult, error) {
	if deviceLocal.IsZero() {
		return LookupResult{}, ErrInvalidDate
	}

	if len(u.intervals) == 0 {
		utc := applyZone(deviceLocal, u.loc)
		return LookupResult{
			Time:           utc,
			TimezoneOffset: zoneOffsetMinutes(utc, u.loc),
		}, nil
	}

	for _, iv := range u.intervals {
		utc := utcFromOffsets(deviceLocal, iv.TimezoneOffset, iv.ConversionOffset)
		res := LookupResult{
			Time:             utc,
			TimezoneOffset:   iv.TimezoneOffset,
			ClockDriftOffset: iv.ClockDriftOffset,
			ConversionOffset: iv.ConversionOffset,
		}
		if hasIndex {
			if iv.contains(index) {
				return res, nil
			}
			continue
		}
		switch {
		case !iv.HasStart && !utc.After(iv.End):
			return res, nil
		case iv.HasStart && !utc.Before(iv.Start) && !utc.After(iv.End):
			return res, nil
		// future-dated timestamps (device clock set ahead of the anchor)
		// still resolve instead of failing
		case iv.HasStart && !utc.Before(iv.Start) && utc.After(iv.End):
			return res, nil
		}
	}
	return LookupResult{}, ErrLookupMiss
}

// FillInUTCInfo resolves the draft's device time and stamps the UTC time and
// offsets onto it. Drafts without an ordering index are additionally marked
// uncertain-timestamp, since nothing anchors them if the clock was rewritten.
func (u *Util) FillInUTCInfo(d *records.Draft, deviceLocal time.Time) error {
	if d == nil {
		return ErrEmptyObject
	}
	if deviceLocal.IsZero() {
		return ErrInvalidDate
	}
	index, hasIndex := d.Index()
	res, err := u.Lookup(deviceLocal, index, hasIndex)
	if err != nil {
		return err
	}
	d.WithTime(res.Time).
		WithTimezoneOffset(res.TimezoneOffset).
		WithClockDriftOffset(res.ClockDriftOffset).
		WithConversionOffset(res.ConversionOffset)
	if !hasIndex {
		d.Annotate(records.Annotation{Code: records.AnnUncertainTimestamp})
	}
	return nil
}

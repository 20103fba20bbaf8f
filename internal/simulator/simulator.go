// Package simulator is the event builder: it turns time-resolved device
// records into the canonical event stream, filling in everything pumps do
// not state explicitly. Basal segments get their duration from the next
// segment or the active schedule, suspends are paired with resumes, temp
// basals resolve the scheduled rate they suppress, and wizard estimates are
// matched to their bolus by sync counter. Every value the builder fabricates
// carries an annotation.
package simulator

import (
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"diab-uplink/internal/records"
	"diab-uplink/internal/tzoffset"
)

// flat-rate basals with no follow-up event are cut off here
const maxBasalDuration = 5 * 24 * time.Hour

// Options configure one run. The schedules let the final basal segment be
// fabricated from the programmed rates instead of left open ended.
type Options struct {
	Schedules      []records.Schedule
	ActiveSchedule string
	Logger         *slog.Logger
}

type Simulator struct {
	builder *records.Builder
	tzo     *tzoffset.Util
	opts    Options
}

// New builds a simulator. One instance per device session; state from one
// run never leaks into the next.
func New(b *records.Builder, tzo *tzoffset.Util, opts Options) *Simulator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Simulator{builder: b, tzo: tzo, opts: opts}
}

// Run converts recs into the ordered canonical event stream.
func (s *Simulator) Run(recs []records.Record) ([]records.CanonicalEvent, error) {
	events, err := s.buildEvents(recs)
	if err != nil {
		return nil, err
	}
	orderEvents(events)
	s.sweep(events)
	return events, nil
}

// buildEvents drafts one event per record, pairing wizards with their bolus
// first since wizard records carry no timestamp of their own.
func (s *Simulator) buildEvents(recs []records.Record) ([]records.CanonicalEvent, error) {
	boluses := make(map[int]records.Bolus)
	bolusRefs := make(map[int]string)
	for _, rec := range recs {
		if b, ok := rec.(records.Bolus); ok {
			boluses[b.SyncCounter] = b
			bolusRefs[b.SyncCounter] = uuid.NewString()
		}
	}

	events := make([]records.CanonicalEvent, 0, len(recs))
	for _, rec := range recs {
		switch r := rec.(type) {
		case records.Bolus:
			ev, err := s.bolusEvent(r, bolusRefs[r.SyncCounter])
			if err != nil {
				return nil, err
			}
			events = append(events, ev)

		case records.Wizard:
			bolus, ok := boluses[r.SyncCounter]
			if !ok || bolus.Trigger == "" || bolus.Trigger == "neither" {
				// stale entry from a previous sync cycle
				s.opts.Logger.Info("simulator: discarding orphaned wizard record",
					"syncCounter", r.SyncCounter)
				continue
			}
			evs, err := s.wizardEvents(r, bolus, bolusRefs[r.SyncCounter])
			if err != nil {
				return nil, err
			}
			events = append(events, evs...)

		case records.SMBG:
			draft := s.builder.MakeSMBG().
				WithValue(r.Value).
				WithUnits(r.Units).
				WithSubType(r.SubType).
				WithDeviceTime(r.DeviceTime)
			ev, err := s.finish(draft, r.Base, r.Annotations)
			if err != nil {
				return nil, err
			}
			events = append(events, ev)

		case records.CBG:
			draft := s.builder.MakeCBG().
				WithValue(r.Value).
				WithUnits(r.Units).
				WithTrend(r.Trend).
				WithDeviceTime(r.DeviceTime)
			ev, err := s.finish(draft, r.Base, r.Annotations)
			if err != nil {
				return nil, err
			}
			events = append(events, ev)

		case records.Calibration:
			draft := s.builder.MakeCalibration().
				WithValue(r.Value).
				WithUnits(r.Units).
				WithDeviceTime(r.DeviceTime)
			ev, err := s.finish(draft, r.Base, nil)
			if err != nil {
				return nil, err
			}
			events = append(events, ev)

		case records.Basal:
			draft := s.builder.MakeBasal().
				WithRate(r.Rate).
				WithScheduleName(r.ScheduleName).
				WithDeviceTime(r.DeviceTime)
			ev, err := s.finish(draft, r.Base, nil)
			if err != nil {
				return nil, err
			}
			events = append(events, ev)

		case records.TempBasal:
			draft := s.builder.MakeTempBasal().
				WithRate(r.Rate).
				WithDeviceTime(r.DeviceTime).
				WithDuration(r.Duration)
			if r.IsPercent {
				draft.WithPercent(r.Percent)
			}
			ev, err := s.finish(draft, r.Base, nil)
			if err != nil {
				return nil, err
			}
			events = append(events, ev)

		case records.Suspend:
			draft := s.builder.MakeSuspendResume().
				WithStatus("suspended").
				WithReason(r.Reason).
				WithDeviceTime(r.DeviceTime)
			ev, err := s.finish(draft, r.Base, nil)
			if err != nil {
				return nil, err
			}
			events = append(events, ev)

		case records.Resume:
			draft := s.builder.MakeSuspendResume().
				WithStatus("resumed").
				WithReason(r.Reason).
				WithDeviceTime(r.DeviceTime)
			ev, err := s.finish(draft, r.Base, nil)
			if err != nil {
				return nil, err
			}
			ev.Type = records.TypeResume
			events = append(events, ev)

		case records.Alarm:
			draft := s.builder.MakeAlarm().
				WithSubType(r.AlarmType).
				WithDeviceTime(r.DeviceTime)
			if r.AlarmType == "other" {
				draft.WithPayload(map[string]any{"alarmId": r.RawCode}).
					Annotate(records.Annotation{Code: records.AnnUnknownCode, Value: "alarm"})
			}
			ev, err := s.finish(draft, r.Base, nil)
			if err != nil {
				return nil, err
			}
			events = append(events, ev)

		case records.Prime:
			draft := s.builder.MakePrime().
				WithVolume(r.Volume).
				WithSubType(r.Target).
				WithDeviceTime(r.DeviceTime)
			ev, err := s.finish(draft, r.Base, nil)
			if err != nil {
				return nil, err
			}
			events = append(events, ev)

		case records.Settings:
			draft := s.builder.MakeSettings().
				WithPayload(r.Payload).
				WithDeviceTime(r.DeviceTime)
			ev, err := s.finish(draft, r.Base, nil)
			if err != nil {
				return nil, err
			}
			events = append(events, ev)

		case records.TimeChange:
			// consumed by the reconciliation engine, not re-emitted here

		default:
			s.opts.Logger.Warn("simulator: unhandled record kind", "kind", rec.Kind())
		}
	}
	return events, nil
}

// bolusEvent splits combo boluses. The pump does not store the split
// between immediate and extended portions, so completed combos are split
// 50:50 and annotated; a cancelled combo assumes the immediate half
// delivered first.
func (s *Simulator) bolusEvent(r records.Bolus, ref string) (records.CanonicalEvent, error) {
	draft := s.builder.MakeBolus().
		WithSubType(r.SubType).
		WithDeviceTime(r.DeviceTime).
		WithRef(ref)

	if r.SubType == "dual/square" {
		halfExpected := r.ExpectedNormal / 2
		draft.Annotate(records.Annotation{Code: records.AnnEqualSplit})
		if r.Cancelled {
			normal := r.Normal
			extended := 0.0
			if r.Normal > halfExpected {
				normal = halfExpected
				extended = r.Normal - halfExpected
			}
			draft.WithNormal(normal).
				WithExtended(extended).
				WithExpected(halfExpected, halfExpected).
				WithDuration(0).
				Annotate(records.Annotation{Code: records.AnnUnknownDuration})
		} else {
			draft.WithNormal(r.Normal / 2).
				WithExtended(r.Normal / 2).
				WithDuration(r.Duration)
		}
	} else {
		draft.WithNormal(r.Normal)
		if r.Cancelled {
			draft.WithExpected(r.ExpectedNormal, 0)
		}
	}
	return s.finish(draft, r.Base, r.Annotations)
}

// wizardEvents emits the estimate and, when a glucose value was entered
// into the calculator, the manual reading it came from. Both adopt the
// bolus timestamp since wizard slots have none.
func (s *Simulator) wizardEvents(r records.Wizard, bolus records.Bolus, ref string) ([]records.CanonicalEvent, error) {
	var events []records.CanonicalEvent

	bgEntered := r.BGInput > 0 &&
		(bolus.Trigger == "bg" || bolus.Trigger == "both" ||
			(bolus.Trigger == "carb" && r.CorrectionAdded))
	if bgEntered {
		draft := s.builder.MakeSMBG().
			WithValue(r.BGInput).
			WithUnits(r.Units).
			WithSubType("manual").
			WithDeviceTime(bolus.DeviceTime)
		ev, err := s.finish(draft, withTime(r.Base, bolus.DeviceTime), nil)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}

	// the pump stores no suggested dose, only the computed requirement
	draft := s.builder.MakeWizard().
		WithRecommended(bolus.ExpectedNormal).
		WithDeviceTime(bolus.DeviceTime).
		WithUnits(r.Units).
		WithRef(ref).
		WithPayload(r.Payload)
	if bgEntered {
		draft.WithBGInput(r.BGInput)
	}
	if bolus.Trigger == "carb" || bolus.Trigger == "both" {
		draft.WithCarbInput(r.CarbInput)
	}
	ev, err := s.finish(draft, withTime(r.Base, bolus.DeviceTime), nil)
	if err != nil {
		return nil, err
	}
	return append(events, ev), nil
}

func withTime(base records.Base, t time.Time) records.Base {
	base.DeviceTime = t
	return base
}

func (s *Simulator) finish(draft *records.Draft, base records.Base, anns []records.Annotation) (records.CanonicalEvent, error) {
	if base.HasIndex {
		draft.WithIndex(base.Index)
	}
	for _, ann := range anns {
		draft.Annotate(ann)
	}
	if err := s.tzo.FillInUTCInfo(draft, base.DeviceTime); err != nil {
		return records.CanonicalEvent{}, err
	}
	return draft.Done()
}

// orderEvents applies the two-pass sort: stable by index ascending, the
// whole stream reversed, then stable by resolved UTC time. Indexed history
// and non-indexed real-time records interleave, and a time-only sort would
// not order same-timestamp records deterministically.
func orderEvents(events []records.CanonicalEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.HasIndex != b.HasIndex {
			return !a.HasIndex
		}
		return a.Index < b.Index
	})
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Time.Before(events[j].Time)
	})
}

// sweep walks the ordered stream filling in durations, pairings and
// suppressed rates.
func (s *Simulator) sweep(events []records.CanonicalEvent) {
	currBasal := -1     // index of the open basal segment
	lastScheduled := -1 // most recent scheduled (non-temp) basal
	pendingSuspend := -1

	closeBasal := func(until time.Time) {
		if currBasal < 0 {
			return
		}
		ev := &events[currBasal]
		dur := until.Sub(ev.Time)
		if dur > maxBasalDuration {
			dur = maxBasalDuration
			records.Annotate(ev, records.Annotation{Code: records.AnnFlatRate})
		}
		ev.Duration = dur.Milliseconds()
	}

	for i := range events {
		ev := &events[i]
		switch ev.Type {
		case records.TypeBasal:
			closeBasal(ev.Time)
			currBasal = i
			lastScheduled = i

		case records.TypeTempBasal:
			closeBasal(ev.Time)
			currBasal = i
			if lastScheduled >= 0 {
				ev.SuppressedRate = events[lastScheduled].Rate
				if ev.Percent > 0 && ev.Rate == 0 {
					ev.Rate = ev.SuppressedRate * ev.Percent
				}
			}

		case records.TypeSuspend:
			if pendingSuspend >= 0 {
				// a new suspend displaces one that never saw its resume
				displaced := &events[pendingSuspend]
				displaced.Duration = 0
				records.Annotate(displaced, records.Annotation{Code: records.AnnIncompleteTuple})
			}
			pendingSuspend = i

		case records.TypeResume:
			if pendingSuspend >= 0 {
				suspend := &events[pendingSuspend]
				suspend.Duration = ev.Time.Sub(suspend.Time).Milliseconds()
				suspend.Ref = ev.Ref
				pendingSuspend = -1
			}
		}
	}

	if pendingSuspend >= 0 {
		suspend := &events[pendingSuspend]
		suspend.Duration = 0
		records.Annotate(suspend, records.Annotation{Code: records.AnnIncompleteTuple})
	}
	s.closeFinalBasal(events, currBasal)
}

// closeFinalBasal handles the last open segment: when the active schedule
// confirms the rate, the duration runs to the next programmed segment and
// is marked as fabricated; otherwise it stays at zero, explicitly unknown.
func (s *Simulator) closeFinalBasal(events []records.CanonicalEvent, currBasal int) {
	if currBasal < 0 {
		return
	}
	ev := &events[currBasal]
	if ev.Type != records.TypeBasal {
		records.Annotate(ev, records.Annotation{Code: records.AnnUnknownDuration})
		return
	}
	sched, ok := s.activeSchedule()
	if !ok {
		records.Annotate(ev, records.Annotation{Code: records.AnnUnknownDuration})
		return
	}
	local := ev.DeviceTime
	midnightOffset := time.Duration(local.Hour())*time.Hour +
		time.Duration(local.Minute())*time.Minute +
		time.Duration(local.Second())*time.Second
	rate, _ := sched.RateAt(local)
	if rate != ev.Rate {
		records.Annotate(ev, records.Annotation{Code: records.AnnUnknownDuration})
		return
	}
	next := 24 * time.Hour
	for _, seg := range sched.Segments {
		if seg.Start > midnightOffset {
			next = seg.Start
			break
		}
	}
	ev.Duration = (next - midnightOffset).Milliseconds()
	records.Annotate(ev, records.Annotation{Code: records.AnnFabricatedFromSchedule})
}

func (s *Simulator) activeSchedule() (records.Schedule, bool) {
	for _, sched := range s.opts.Schedules {
		if sched.Name == s.opts.ActiveSchedule {
			return sched, true
		}
	}
	return records.Schedule{}, false
}

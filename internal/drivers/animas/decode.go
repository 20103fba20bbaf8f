package animas

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"diab-uplink/internal/device"
	"diab-uplink/internal/records"
)

// history record classes, with the fixed slot count of each pump log
type recordClass struct {
	code  byte
	name  string
	count int
	size  int // slot size: 2-byte index plus the record fields
}

var (
	rcBolus         = recordClass{21, "bolus", 500, 16}
	rcAlarm         = recordClass{23, "alarm", 30, 16}
	rcPrime         = recordClass{24, "prime", 60, 16}
	rcSuspendResume = recordClass{25, "suspendResume", 30, 16}
	rcBasal         = recordClass{26, "basal", 270, 16}
	rcWizard        = recordClass{38, "wizard", 500, 16}
	rcBG            = recordClass{40, "bg", 1000, 16}
)

// settings pages
const (
	rtSerialNumber     = 8
	rtBasalProgram     = 11
	rtActiveProgram    = 12
	rtProgramNames     = 18
	rtBGDisplayMode    = 29
	rtAdvancedSettings = 39
)

var pumpModels = map[int]string{
	15: "IR1285",
	16: "IR1295",
}

// decodeDate unpacks the packed 4-byte timestamp: low nibble of the first
// byte is the year offset from the model's start year, high nibble the
// zero-based month. ok is false for an all-zero (empty) slot.
func decodeDate(b []byte, startYear int) (time.Time, bool) {
	if b[0] == 0 && b[1] == 0 && b[2] == 0 && b[3] == 0 {
		return time.Time{}, false
	}
	year := int(b[0]&0x0F) + startYear
	month := int(b[0] >> 4)
	return time.Date(year, time.Month(month+1), int(b[1]), int(b[2]), int(b[3]), 0, 0, time.UTC), true
}

// bolus type bitfield
type bolusType struct {
	name        string // normal | audio | combo
	cancelled   bool
	triggeredBy string
	cancelledBy string
	trigger     string // neither | bg | carb | both
}

func decodeBolusType(b byte) bolusType {
	var t bolusType
	switch b & 0x03 {
	case 1:
		t.name = "normal"
	case 2:
		t.name = "audio"
	case 3:
		t.name = "combo"
	default:
		t.name = "unknown"
	}
	t.cancelled = (b>>2)&0x03 == 2
	if b&0x10 != 0 {
		t.triggeredBy = "RF remote"
	} else {
		t.triggeredBy = "pump"
	}
	if t.cancelled {
		if b&0x20 != 0 {
			t.cancelledBy = "RF remote"
		} else {
			t.cancelledBy = "pump"
		}
	}
	switch b >> 6 {
	case 0:
		t.trigger = "neither"
	case 1:
		t.trigger = "bg"
	case 2:
		t.trigger = "carb"
	case 3:
		t.trigger = "both"
	}
	return t
}

// wizard configuration bitfield
type wizardConfig struct {
	units           string
	iobEnabled      bool
	correctionAdded bool
}

func decodeWizardConfig(b byte) wizardConfig {
	cfg := wizardConfig{units: "mg/dL"}
	if b&0x02 != 0 {
		cfg.units = "mmol/L"
	}
	cfg.iobEnabled = b&0x04 != 0
	cfg.correctionAdded = b&0x08 != 0
	return cfg
}

// Record field layouts, offsets relative to the start of the field area
// (after the DI tag and index):
//
//	bolus:   date 0-3, delivered u32/10000 @4, required u16/1000 @8,
//	         duration u16 x 0.1h @10, type @12, sync counter @13
//	basal:   date 0-3, rate u16/1000 @4, type @6 (0 scheduled, 1 temp)
//	suspend: suspend date 0-3, resume date 4-7
//	prime:   date 0-3, amount u16/100 @4, flags @6 (2 tubing, 3 cannula)
//	wizard:  sync @0, carb ratio @1, carbs u16 @2, isf u16 @4, bg u16 @6,
//	         target u16 @8, delta @10, config @11, iob u16/100 @12
//	alarm:   date 0-3, eaw code @4, engineering bytes 5-13
//	bg:      pump date 0-3, minute counter u24 @4, bg bits @7-9

func (d *driver) decodeBolus(index int64, f []byte) (records.Record, bool, error) {
	if len(f) < 14 {
		return nil, false, &device.ProtocolViolationError{Reason: "short bolus record"}
	}
	dt, ok := decodeDate(f[0:4], d.startYear)
	if !ok {
		return nil, false, nil
	}
	typ := decodeBolusType(f[12])
	subType := "normal"
	if typ.name == "combo" {
		subType = "dual/square"
	}
	tenths := time.Duration(binary.LittleEndian.Uint16(f[10:12]))
	return records.Bolus{
		Base:           records.Base{DeviceTime: dt, Index: index, HasIndex: true},
		SubType:        subType,
		Normal:         float64(binary.LittleEndian.Uint32(f[4:8])) / 10000,
		ExpectedNormal: float64(binary.LittleEndian.Uint16(f[8:10])) / 1000,
		Duration:       tenths * 6 * time.Minute,
		Cancelled:      typ.cancelled,
		SyncCounter:    int(f[13]),
		Trigger:        typ.trigger,
	}, true, nil
}

func (d *driver) decodeBasal(index int64, f []byte) (records.Record, bool, error) {
	if len(f) < 7 {
		return nil, false, &device.ProtocolViolationError{Reason: "short basal record"}
	}
	dt, ok := decodeDate(f[0:4], d.startYear)
	if !ok {
		return nil, false, nil
	}
	base := records.Base{DeviceTime: dt, Index: index, HasIndex: true}
	rate := float64(binary.LittleEndian.Uint16(f[4:6])) / 1000
	if f[6] == 1 {
		return records.TempBasal{Base: base, Rate: rate}, true, nil
	}
	return records.Basal{Base: base, Rate: rate}, true, nil
}

// decodeSuspendResume yields the suspend and, when the pump has already
// resumed, the paired resume. The pump must be suspended to download, so
// the newest slot is always resume-less.
func (d *driver) decodeSuspendResume(index int64, f []byte) (records.Suspend, *records.Resume, bool, error) {
	if len(f) < 8 {
		return records.Suspend{}, nil, false, &device.ProtocolViolationError{Reason: "short suspend record"}
	}
	suspendAt, ok := decodeDate(f[0:4], d.startYear)
	if !ok {
		return records.Suspend{}, nil, false, nil
	}
	suspend := records.Suspend{
		Base:   records.Base{DeviceTime: suspendAt, Index: index, HasIndex: true},
		Reason: "manual",
	}
	resumeAt, ok := decodeDate(f[4:8], d.startYear)
	if !ok || resumeAt.Before(suspendAt) {
		return suspend, nil, true, nil
	}
	resume := &records.Resume{
		Base:   records.Base{DeviceTime: resumeAt, Index: index, HasIndex: true},
		Reason: "manual",
	}
	return suspend, resume, true, nil
}

func (d *driver) decodePrime(index int64, f []byte) (records.Record, bool, error) {
	if len(f) < 7 {
		return nil, false, &device.ProtocolViolationError{Reason: "short prime record"}
	}
	dt, ok := decodeDate(f[0:4], d.startYear)
	if !ok {
		return nil, false, nil
	}
	var target string
	switch f[6] {
	case 2:
		target = "tubing"
	case 3:
		target = "cannula"
	default:
		// blank or not-primed slots carry no delivery
		return nil, false, nil
	}
	return records.Prime{
		Base:   records.Base{DeviceTime: dt, Index: index, HasIndex: true},
		Volume: float64(binary.LittleEndian.Uint16(f[4:6])) / 100,
		Target: target,
	}, true, nil
}

func (d *driver) decodeWizard(index int64, f []byte) (records.Record, bool, error) {
	if len(f) < 14 {
		return nil, false, &device.ProtocolViolationError{Reason: "short wizard record"}
	}
	cfg := decodeWizardConfig(f[11])
	return records.Wizard{
		Base:            records.Base{Index: index, HasIndex: true},
		SyncCounter:     int(f[0]),
		CarbInput:       int(binary.LittleEndian.Uint16(f[2:4])),
		BGInput:         int(binary.LittleEndian.Uint16(f[6:8])),
		InsulinOnBoard:  float64(binary.LittleEndian.Uint16(f[12:14])) / 100,
		Units:           cfg.units,
		CorrectionAdded: cfg.correctionAdded,
		Payload: map[string]any{
			"carbRatio":          int(f[1]),
			"insulinSensitivity": int(binary.LittleEndian.Uint16(f[4:6])),
			"targetBG":           int(binary.LittleEndian.Uint16(f[8:10])),
			"bgDelta":            int(f[10]),
			"iobEnabled":         cfg.iobEnabled,
		},
	}, true, nil
}

// alarm codes (errors, alarms and warnings)
var alarmNames = map[int]string{
	145: "occlusion",
	146: "occlusion",
	147: "occlusion",
	148: "occlusion",
	150: "auto_off",
	178: "low_insulin",
	144: "no_insulin",
	177: "low_power",
	128: "no_power",
}

func (d *driver) decodeAlarm(index int64, f []byte) (records.Record, bool, error) {
	if len(f) < 5 {
		return nil, false, &device.ProtocolViolationError{Reason: "short alarm record"}
	}
	dt, ok := decodeDate(f[0:4], d.startYear)
	if !ok {
		return nil, false, nil
	}
	code := int(f[4])
	name, known := alarmNames[code]
	if !known {
		name = "other"
	}
	return records.Alarm{
		Base:      records.Base{DeviceTime: dt, Index: index, HasIndex: true},
		AlarmType: name,
		RawCode:   code,
	}, true, nil
}

// linked-meter readings are stamped with a minute counter from this epoch
var bgEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

func (d *driver) decodeBG(index int64, f []byte) (records.Record, bool, error) {
	if len(f) < 10 {
		return nil, false, &device.ProtocolViolationError{Reason: "short bg record"}
	}
	if _, ok := decodeDate(f[0:4], d.startYear); !ok {
		return nil, false, nil
	}
	minutes := int64(f[4]) | int64(f[5])<<8 | int64(f[6])<<16
	// 10-bit glucose value, then the control-solution bit
	value := int(f[8]&0x03)<<8 | int(f[7])
	return records.SMBG{
		Base:    records.Base{DeviceTime: bgEpoch.Add(time.Duration(minutes) * time.Minute), Index: index, HasIndex: true},
		Value:   value,
		Units:   "mg/dL",
		SubType: "linked",
		Control: f[8]&0x04 != 0,
	}, true, nil
}

// decodeSerial unpacks the serial/model settings page. payload includes the
// 4-byte header.
func decodeSerial(payload []byte) (model, serial string, err error) {
	if len(payload) < 16 {
		return "", "", &device.ProtocolViolationError{Reason: "short serial number page"}
	}
	modelDigits := strings.TrimSpace(string(payload[10:12]))
	var code int
	if _, err := fmt.Sscanf(modelDigits, "%d", &code); err != nil {
		return "", "", &device.ProtocolViolationError{Reason: "unreadable model number " + modelDigits}
	}
	model, ok := pumpModels[code]
	if !ok {
		return "", "", &device.ProtocolViolationError{Code: code, Reason: "unknown pump model"}
	}
	serial = string(payload[12:14]) + "-" + string(payload[4:10]) + modelDigits
	return model, serial, nil
}

// decodeBasalProgram unpacks one basal program page into a schedule.
// ok is false for an unused program slot.
func decodeBasalProgram(payload []byte, name string) (records.Schedule, bool, error) {
	if len(payload) < 42 {
		return records.Schedule{}, false, &device.ProtocolViolationError{Reason: "short basal program page"}
	}
	if payload[4] != 1 {
		return records.Schedule{}, false, nil
	}
	segments := int(payload[5])
	if segments > 12 {
		return records.Schedule{}, false, &device.ProtocolViolationError{Reason: "basal program with too many segments"}
	}
	sched := records.Schedule{Name: name}
	for i := 0; i < segments; i++ {
		sched.Segments = append(sched.Segments, records.ScheduleSegment{
			Start: time.Duration(payload[6+i]) * 30 * time.Minute,
			Rate:  float64(binary.LittleEndian.Uint16(payload[18+2*i:20+2*i])) / 1000,
		})
	}
	return sched, true, nil
}

// checkedByte reads a settings value guarded by its ones'-complement check
// byte.
func checkedByte(payload []byte, what string) (byte, error) {
	if len(payload) < 6 {
		return 0, &device.ProtocolViolationError{Reason: "short " + what + " page"}
	}
	if int(payload[4])+int(payload[5]) != 0xFF {
		return 0, &device.DataIntegrityError{Reason: what + " check byte mismatch"}
	}
	return payload[4], nil
}

// advancedSegment is one row of the carb-ratio / sensitivity / target pages.
type advancedSegment struct {
	Start  time.Duration
	Value1 int
	Value2 int
}

func decodeAdvancedSettings(payload []byte) ([]advancedSegment, error) {
	if len(payload) < 54 {
		return nil, &device.ProtocolViolationError{Reason: "short advanced settings page"}
	}
	active := int(payload[5])
	if active > 12 {
		return nil, &device.ProtocolViolationError{Reason: "advanced settings with too many segments"}
	}
	segments := make([]advancedSegment, 0, active)
	for i := 0; i < active; i++ {
		segments = append(segments, advancedSegment{
			Start:  time.Duration(payload[6+i]) * 30 * time.Minute,
			Value1: int(binary.LittleEndian.Uint16(payload[18+2*i : 20+2*i])),
			Value2: int(payload[42+i]),
		})
	}
	return segments, nil
}

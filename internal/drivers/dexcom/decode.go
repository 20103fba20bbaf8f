package dexcom

import (
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"diab-uplink/internal/device"
	"diab-uplink/internal/records"
	"diab-uplink/internal/tzoffset"
)

// Record store databases on the receiver.
const (
	rtManufacturing = 0
	rtEGV           = 4
	rtMeter         = 10
	rtUserSetting   = 12
)

// The receiver counts seconds from this epoch.
var baseDate = time.Date(2009, 1, 1, 0, 0, 0, 0, time.UTC)

// glucose field packing in EGV records
const (
	egvDisplayOnly = 0x8000 // superseded by an adjacent record
	egvValueMask   = 0x3FF  // only 10 bits carry the reading
)

// Readings outside 40..400 mg/dL come back as clamped specials.
const (
	clampLO     = 39
	clampHI     = 401
	thresholdLO = 40
	thresholdHI = 400
)

var trendNames = []string{
	"None", "DoubleUp", "SingleUp", "FortyFiveUp", "Flat",
	"FortyFiveDown", "SingleDown", "DoubleDown", "Not Computable",
}

func trendName(arrow byte) string {
	if int(arrow) < len(trendNames) {
		return trendNames[arrow]
	}
	return "unknown"
}

// pageHeader prefixes every record page.
type pageHeader struct {
	FirstIndex uint32
	NumRecords uint32
	RecordType byte
	Revision   byte
	PageNumber uint32
}

const pageHeaderLen = 26

func parsePageHeader(payload []byte) (pageHeader, error) {
	if len(payload) < pageHeaderLen {
		return pageHeader{}, &device.ProtocolViolationError{Reason: "short page header"}
	}
	return pageHeader{
		FirstIndex: binary.LittleEndian.Uint32(payload[0:]),
		NumRecords: binary.LittleEndian.Uint32(payload[4:]),
		RecordType: payload[8],
		Revision:   payload[9],
		PageNumber: binary.LittleEndian.Uint32(payload[10:]),
	}, nil
}

const egvRecordLen = 13

// parseEGVRecords decodes the sensor readings following the page header.
// Records flagged display-only or carrying a sub-20 special value are
// superseded/sentinel entries and are dropped here.
func parseEGVRecords(hdr pageHeader, data []byte) ([]records.CBG, error) {
	if int(hdr.NumRecords)*egvRecordLen > len(data) {
		return nil, &device.ProtocolViolationError{Reason: fmt.Sprintf(
			"EGV page declares %d records but carries %d bytes", hdr.NumRecords, len(data))}
	}
	var out []records.CBG
	for i := 0; i < int(hdr.NumRecords); i++ {
		rec := data[i*egvRecordLen:]
		systemSeconds := binary.LittleEndian.Uint32(rec[0:])
		displaySeconds := binary.LittleEndian.Uint32(rec[4:])
		glucose := binary.LittleEndian.Uint16(rec[8:])
		arrow := rec[10] & 0xF

		if glucose&egvDisplayOnly != 0 {
			continue
		}
		value := int(glucose & egvValueMask)
		if value < 20 {
			continue
		}

		cbg := records.CBG{
			Base: records.Base{
				DeviceTime: baseDate.Add(time.Duration(displaySeconds) * time.Second),
				Index:      int64(systemSeconds),
				HasIndex:   true,
			},
			Value: value,
			Units: "mg/dL",
			Trend: trendName(arrow),
		}
		switch {
		case value < thresholdLO:
			cbg.Value = clampLO
			cbg.Annotations = append(cbg.Annotations, records.OutOfRangeLow(thresholdLO))
		case value > thresholdHI:
			cbg.Value = clampHI
			cbg.Annotations = append(cbg.Annotations, records.OutOfRangeHigh(thresholdHI))
		}
		out = append(out, cbg)
	}
	return out, nil
}

const meterRecordLen = 16

// parseMeterRecords decodes fingerstick calibrations entered on the receiver.
func parseMeterRecords(hdr pageHeader, data []byte) ([]records.Calibration, error) {
	if int(hdr.NumRecords)*meterRecordLen > len(data) {
		return nil, &device.ProtocolViolationError{Reason: fmt.Sprintf(
			"meter page declares %d records but carries %d bytes", hdr.NumRecords, len(data))}
	}
	var out []records.Calibration
	for i := 0; i < int(hdr.NumRecords); i++ {
		rec := data[i*meterRecordLen:]
		systemSeconds := binary.LittleEndian.Uint32(rec[0:])
		displaySeconds := binary.LittleEndian.Uint32(rec[4:])
		value := binary.LittleEndian.Uint16(rec[8:])
		out = append(out, records.Calibration{
			Base: records.Base{
				DeviceTime: baseDate.Add(time.Duration(displaySeconds) * time.Second),
				Index:      int64(systemSeconds),
				HasIndex:   true,
			},
			Value: int(value),
			Units: "mg/dL",
		})
	}
	return out, nil
}

// userSetting is one settings snapshot. DisplayOffset is what the user's
// clock adjustments accumulate into: display time = system time + offset.
type userSetting struct {
	SystemSeconds  uint32
	DisplaySeconds uint32
	SystemOffset   uint32
	DisplayOffset  int32
	TransmitterID  uint32
	EnableFlags    uint32
	HighAlarm      uint16
	LowAlarm       uint16
	RiseRate       uint16
	FallRate       uint16
	AlarmProfile   byte
	SetUpState     byte
}

const settingRecordLen = 48

func parseSettingRecords(hdr pageHeader, data []byte) ([]userSetting, error) {
	if int(hdr.NumRecords)*settingRecordLen > len(data) {
		return nil, &device.ProtocolViolationError{Reason: fmt.Sprintf(
			"settings page declares %d records but carries %d bytes", hdr.NumRecords, len(data))}
	}
	var out []userSetting
	for i := 0; i < int(hdr.NumRecords); i++ {
		rec := data[i*settingRecordLen:]
		out = append(out, userSetting{
			SystemSeconds:  binary.LittleEndian.Uint32(rec[0:]),
			DisplaySeconds: binary.LittleEndian.Uint32(rec[4:]),
			SystemOffset:   binary.LittleEndian.Uint32(rec[8:]),
			DisplayOffset:  int32(binary.LittleEndian.Uint32(rec[12:])),
			TransmitterID:  binary.LittleEndian.Uint32(rec[16:]),
			EnableFlags:    binary.LittleEndian.Uint32(rec[20:]),
			HighAlarm:      binary.LittleEndian.Uint16(rec[24:]),
			LowAlarm:       binary.LittleEndian.Uint16(rec[28:]),
			RiseRate:       binary.LittleEndian.Uint16(rec[32:]),
			FallRate:       binary.LittleEndian.Uint16(rec[34:]),
			AlarmProfile:   rec[40],
			SetUpState:     rec[41],
		})
	}
	return out, nil
}

func (u userSetting) displayTime() time.Time {
	return baseDate.Add(time.Duration(u.DisplaySeconds) * time.Second)
}

// timeChangesFromSettings walks the settings history oldest-first and turns
// every display-offset step into a clock change: the receiver keeps its
// internal clock monotonic, so a user adjusting the display time shows up
// only in the offset.
func timeChangesFromSettings(settings []userSetting) []tzoffset.TimeChange {
	if len(settings) < 2 {
		return nil
	}
	sorted := make([]userSetting, len(settings))
	copy(sorted, settings)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].SystemSeconds < sorted[j].SystemSeconds
	})

	var changes []tzoffset.TimeChange
	prev := sorted[0]
	for _, cur := range sorted[1:] {
		if cur.DisplayOffset != prev.DisplayOffset {
			to := cur.displayTime()
			delta := time.Duration(cur.DisplayOffset-prev.DisplayOffset) * time.Second
			changes = append(changes, tzoffset.TimeChange{
				From:  to.Add(-delta),
				To:    to,
				Index: int64(cur.SystemSeconds),
			})
		}
		prev = cur
	}
	return changes
}

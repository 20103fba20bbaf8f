package animas

import (
	"encoding/binary"
	"testing"
	"time"

	"diab-uplink/internal/records"
)

// encDate packs a device timestamp for a pump with the given start year.
func encDate(t time.Time, startYear int) []byte {
	return []byte{
		byte((int(t.Month())-1)<<4 | (t.Year() - startYear)),
		byte(t.Day()), byte(t.Hour()), byte(t.Minute()),
	}
}

func TestDecodeDateStartYears(t *testing.T) {
	want := time.Date(2016, 6, 10, 14, 30, 0, 0, time.UTC)
	for _, startYear := range []int{2007, 2008} {
		got, ok := decodeDate(encDate(want, startYear), startYear)
		if !ok || !got.Equal(want) {
			t.Fatalf("start year %d: got %v/%v, want %v", startYear, got, ok, want)
		}
	}
	if _, ok := decodeDate([]byte{0, 0, 0, 0}, 2007); ok {
		t.Fatal("all-zero date not reported as empty")
	}
}

func TestDecodeBolusType(t *testing.T) {
	cases := []struct {
		b    byte
		want bolusType
	}{
		{0x0D, bolusType{name: "normal", triggeredBy: "pump", trigger: "neither"}},
		{0x4B, bolusType{name: "combo", cancelled: true, triggeredBy: "pump",
			cancelledBy: "pump", trigger: "bg"}},
		{0xBA, bolusType{name: "audio", cancelled: true, triggeredBy: "RF remote",
			cancelledBy: "RF remote", trigger: "carb"}},
		{0xCD, bolusType{name: "normal", triggeredBy: "pump", trigger: "both"}},
	}
	for _, tc := range cases {
		if got := decodeBolusType(tc.b); got != tc.want {
			t.Fatalf("type byte 0x%02X: got %+v, want %+v", tc.b, got, tc.want)
		}
	}
}

func TestDecodeBolusFields(t *testing.T) {
	d := &driver{startYear: 2007}
	at := time.Date(2015, 3, 2, 11, 45, 0, 0, time.UTC)
	fields := make([]byte, 14)
	copy(fields, encDate(at, 2007))
	binary.LittleEndian.PutUint32(fields[4:], 23500) // 2.35 U delivered
	binary.LittleEndian.PutUint16(fields[8:], 3000)  // 3.0 U required
	binary.LittleEndian.PutUint16(fields[10:], 15)   // 1.5 h
	fields[12] = 0x0F                                // combo, completed
	fields[13] = 9

	rec, ok, err := d.decodeBolus(4, fields)
	if err != nil || !ok {
		t.Fatalf("decode failed: %v %v", ok, err)
	}
	bolus := rec.(records.Bolus)
	if bolus.SubType != "dual/square" || bolus.Normal != 2.35 ||
		bolus.ExpectedNormal != 3.0 || bolus.Duration != 90*time.Minute ||
		bolus.SyncCounter != 9 || bolus.Cancelled {
		t.Fatalf("unexpected bolus %+v", bolus)
	}
	if !bolus.DeviceTime.Equal(at) {
		t.Fatalf("device time %v, want %v", bolus.DeviceTime, at)
	}
}

func TestDecodeWizardConfig(t *testing.T) {
	cfg := decodeWizardConfig(0x0E)
	if cfg.units != "mmol/L" || !cfg.iobEnabled || !cfg.correctionAdded {
		t.Fatalf("unexpected config %+v", cfg)
	}
	cfg = decodeWizardConfig(0x00)
	if cfg.units != "mg/dL" || cfg.iobEnabled || cfg.correctionAdded {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestDecodeBGTenBitValue(t *testing.T) {
	d := &driver{startYear: 2007}
	at := time.Date(2016, 1, 5, 8, 0, 0, 0, time.UTC)
	fields := make([]byte, 14)
	copy(fields, encDate(at, 2007))
	minutes := uint32(at.Sub(bgEpoch).Minutes())
	fields[4] = byte(minutes)
	fields[5] = byte(minutes >> 8)
	fields[6] = byte(minutes >> 16)
	value := 515 // needs the second bit byte
	fields[7] = byte(value)
	fields[8] = byte(value>>8) | 0x04 // control solution bit

	rec, ok, err := d.decodeBG(0, fields)
	if err != nil || !ok {
		t.Fatalf("decode failed: %v %v", ok, err)
	}
	smbg := rec.(records.SMBG)
	if smbg.Value != value || !smbg.Control || smbg.SubType != "linked" {
		t.Fatalf("unexpected smbg %+v", smbg)
	}
	if !smbg.DeviceTime.Equal(at) {
		t.Fatalf("device time %v, want %v", smbg.DeviceTime, at)
	}
}

func TestDecodeSerial(t *testing.T) {
	payload := []byte{'D', 'I', 0, 0, '1', '2', '3', '4', '5', '6', '1', '5', '3', '0', '1', '9'}
	model, serial, err := decodeSerial(payload)
	if err != nil {
		t.Fatal(err)
	}
	if model != "IR1285" || serial != "30-12345615" {
		t.Fatalf("got %s / %s", model, serial)
	}

	payload[10], payload[11] = '1', '6'
	model, _, err = decodeSerial(payload)
	if err != nil || model != "IR1295" {
		t.Fatalf("got %s, %v", model, err)
	}

	payload[10], payload[11] = '9', '9'
	if _, _, err = decodeSerial(payload); err == nil {
		t.Fatal("unknown model accepted")
	}
}

func TestDecodeBasalProgram(t *testing.T) {
	payload := make([]byte, 42)
	copy(payload, diTag)
	payload[4] = 1 // valid
	payload[5] = 2 // segments
	payload[6] = 0
	payload[7] = 16 // 8h
	binary.LittleEndian.PutUint16(payload[18:], 850)
	binary.LittleEndian.PutUint16(payload[20:], 1200)

	sched, ok, err := decodeBasalProgram(payload, "Weekday")
	if err != nil || !ok {
		t.Fatalf("decode failed: %v %v", ok, err)
	}
	if len(sched.Segments) != 2 ||
		sched.Segments[0] != (records.ScheduleSegment{Start: 0, Rate: 0.85}) ||
		sched.Segments[1] != (records.ScheduleSegment{Start: 8 * time.Hour, Rate: 1.2}) {
		t.Fatalf("unexpected schedule %+v", sched)
	}

	payload[4] = 0
	if _, ok, _ = decodeBasalProgram(payload, "Other"); ok {
		t.Fatal("unused program slot decoded")
	}
}

func TestCheckedByteComplement(t *testing.T) {
	page := []byte{'D', 'I', 0, 0, 1, 0xFE}
	v, err := checkedByte(page, "active basal program")
	if err != nil || v != 1 {
		t.Fatalf("got %d, %v", v, err)
	}
	page[5] = 0xFD
	if _, err = checkedByte(page, "active basal program"); err == nil {
		t.Fatal("bad check byte accepted")
	}
}

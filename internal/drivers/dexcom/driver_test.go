package dexcom

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"diab-uplink/internal/device"
	"diab-uplink/internal/records"
	"diab-uplink/internal/transport"
	"diab-uplink/internal/tzoffset"
)

const (
	firmwareXML = `<FirmwareHeader SchemaVersion='1' ProductId='G4Receiver' ` +
		`ProductName='Dexcom G4 Receiver' FirmwareVersion='2.0.1.04'/>`
	partitionXML     = `<PartitionInfo/>`
	manufacturingXML = `<ManufacturingParameters SerialNumber="SM12345678" HardwarePartNumber="MT20907"/>`
)

func ackResponse(payload []byte) [][]byte {
	return [][]byte{BuildPacket(cmdAck, payload)}
}

func rangeResponse(lo, hi uint32) []byte {
	p := make([]byte, 8)
	binary.LittleEndian.PutUint32(p[0:], lo)
	binary.LittleEndian.PutUint32(p[4:], hi)
	return p
}

func pageRequest(rectype byte, page uint32) []byte {
	p := make([]byte, 6)
	p[0] = rectype
	binary.LittleEndian.PutUint32(p[1:], page)
	p[5] = 1
	return BuildPacket(cmdReadDataPages, p)
}

func pagePayload(rectype byte, pagenum, nrecs uint32, data []byte) []byte {
	p := make([]byte, pageHeaderLen, pageHeaderLen+len(data))
	binary.LittleEndian.PutUint32(p[4:], nrecs)
	p[8] = rectype
	p[9] = 1
	binary.LittleEndian.PutUint32(p[10:], pagenum)
	return append(p, data...)
}

func mfgPayload(xml string) []byte {
	p := make([]byte, mfgHeaderLen)
	p[8] = rtManufacturing
	return append(p, xml...)
}

func testSession(script *transport.Script) *device.Session {
	return &device.Session{
		DriverID:  driverID,
		Transport: script,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Builder:   records.NewBuilder(),
		Timezone:  "America/Los_Angeles",
	}
}

func TestFullSession(t *testing.T) {
	egvData := append(egvRecord(200000000, 200003600, 120, 4),
		append(egvRecord(200000300, 200003900, 0x8000|150, 4),
			egvRecord(200000600, 200004200, 35, 7)...)...)
	meterData := make([]byte, meterRecordLen)
	binary.LittleEndian.PutUint32(meterData[0:], 200000900)
	binary.LittleEndian.PutUint32(meterData[4:], 200004500)
	binary.LittleEndian.PutUint16(meterData[8:], 110)
	settingsData := append(
		settingRecord(userSetting{SystemSeconds: 190000000, DisplaySeconds: 190000000}),
		settingRecord(userSetting{SystemSeconds: 195000000, DisplaySeconds: 195003600, DisplayOffset: 3600})...)

	script := transport.NewScript(
		// connect
		transport.Exchange{Expect: BuildPacket(cmdReadFirmwareHeader, nil), Respond: ackResponse([]byte(firmwareXML))},
		transport.Exchange{Expect: BuildPacket(cmdReadPartitionInfo, nil), Respond: ackResponse([]byte(partitionXML))},
		transport.Exchange{Expect: BuildPacket(cmdPing, nil), Respond: ackResponse(nil)},
		// config
		transport.Exchange{Expect: BuildPacket(cmdReadDataPageRange, []byte{rtManufacturing}), Respond: ackResponse(rangeResponse(0, 0))},
		transport.Exchange{Expect: pageRequest(rtManufacturing, 0), Respond: ackResponse(mfgPayload(manufacturingXML))},
		// fetch
		transport.Exchange{Expect: BuildPacket(cmdReadDataPageRange, []byte{rtEGV}), Respond: ackResponse(rangeResponse(7, 7))},
		transport.Exchange{Expect: pageRequest(rtEGV, 7), Respond: ackResponse(pagePayload(rtEGV, 7, 3, egvData))},
		transport.Exchange{Expect: BuildPacket(cmdReadDataPageRange, []byte{rtMeter}), Respond: ackResponse(rangeResponse(3, 3))},
		transport.Exchange{Expect: pageRequest(rtMeter, 3), Respond: ackResponse(pagePayload(rtMeter, 3, 1, meterData))},
		transport.Exchange{Expect: BuildPacket(cmdReadDataPageRange, []byte{rtUserSetting}), Respond: ackResponse(rangeResponse(1, 1))},
		transport.Exchange{Expect: pageRequest(rtUserSetting, 1), Respond: ackResponse(pagePayload(rtUserSetting, 1, 2, settingsData))},
	)
	s := testSession(script)
	d := &driver{}
	ctx := context.Background()

	if err := d.Connect(ctx, s, device.NewProgress(nil)); err != nil {
		t.Fatal(err)
	}
	if s.Model != "G4Receiver" {
		t.Fatalf("model %q", s.Model)
	}

	if err := d.GetConfigInfo(ctx, s, device.NewProgress(nil)); err != nil {
		t.Fatal(err)
	}
	if s.SerialNumber != "SM12345678" {
		t.Fatalf("serial %q", s.SerialNumber)
	}
	if s.DeviceID != "DexG4Rec_SM12345678" {
		t.Fatalf("deviceID %q", s.DeviceID)
	}

	if err := d.FetchData(ctx, s, device.NewProgress(nil)); err != nil {
		t.Fatal(err)
	}
	// display-only record dropped: 2 readings + 1 calibration
	if len(s.Records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(s.Records))
	}

	if err := d.ProcessData(ctx, s, device.NewProgress(nil)); err != nil {
		t.Fatal(err)
	}
	if s.TZOUtil.Type != tzoffset.UTCBootstrapping {
		t.Fatalf("processing mode %q", s.TZOUtil.Type)
	}

	// 1 time change, 2 cbg, 1 calibration, 2 settings
	if len(s.Events) != 6 {
		t.Fatalf("expected 6 events, got %d", len(s.Events))
	}
	if s.Events[0].Type != records.TypeTimeChange {
		t.Fatalf("first event %q, want the clock change", s.Events[0].Type)
	}

	var cbgSeen, calSeen, settingsSeen int
	for _, ev := range s.Events[1:] {
		switch ev.Type {
		case records.TypeCBG:
			cbgSeen++
			if !ev.ConsistentUTC() {
				t.Fatalf("inconsistent utc arithmetic: %+v", ev)
			}
		case records.TypeCalibration:
			calSeen++
		case records.TypeSettings:
			settingsSeen++
		}
	}
	if cbgSeen != 2 || calSeen != 1 || settingsSeen != 2 {
		t.Fatalf("event mix cbg=%d cal=%d settings=%d", cbgSeen, calSeen, settingsSeen)
	}

	// readings post-date the clock change, so they carry the newest offsets
	iv := s.TZOUtil.Intervals()[0]
	cbg := s.Events[1]
	wantUTC := cbg.DeviceTime.
		Add(-time.Duration(iv.TimezoneOffset) * time.Minute).
		Add(-time.Duration(iv.ConversionOffset) * time.Millisecond)
	if !cbg.Time.Equal(wantUTC) {
		t.Fatalf("cbg utc %v, want %v", cbg.Time, wantUTC)
	}
}

func TestWrongPageIsIntegrityError(t *testing.T) {
	script := transport.NewScript(
		transport.Exchange{Expect: BuildPacket(cmdReadDataPageRange, []byte{rtEGV}), Respond: ackResponse(rangeResponse(7, 7))},
		transport.Exchange{Expect: pageRequest(rtEGV, 7), Respond: ackResponse(pagePayload(rtEGV, 6, 0, nil))},
	)
	s := testSession(script)
	d := &driver{}
	err := d.FetchData(context.Background(), s, device.NewProgress(nil))
	var integrity *device.DataIntegrityError
	if err == nil || !errors.As(err, &integrity) {
		t.Fatalf("expected DataIntegrityError, got %v", err)
	}
}

func TestRefetchAfterIntegrityFailureDropsAbortedPages(t *testing.T) {
	page7 := pagePayload(rtEGV, 7, 1, egvRecord(200000000, 200003600, 120, 4))
	page6 := pagePayload(rtEGV, 6, 1, egvRecord(199999700, 200003300, 105, 4))
	meterData := make([]byte, meterRecordLen)
	binary.LittleEndian.PutUint32(meterData[0:], 200000900)
	binary.LittleEndian.PutUint32(meterData[4:], 200004500)
	binary.LittleEndian.PutUint16(meterData[8:], 110)

	script := transport.NewScript(
		// first attempt decodes page 7, then aborts on a wrong-page answer
		transport.Exchange{Expect: BuildPacket(cmdReadDataPageRange, []byte{rtEGV}), Respond: ackResponse(rangeResponse(6, 7))},
		transport.Exchange{Expect: pageRequest(rtEGV, 7), Respond: ackResponse(page7)},
		transport.Exchange{Expect: pageRequest(rtEGV, 6), Respond: ackResponse(pagePayload(rtEGV, 5, 0, nil))},
		// second attempt walks the whole database cleanly
		transport.Exchange{Expect: BuildPacket(cmdReadDataPageRange, []byte{rtEGV}), Respond: ackResponse(rangeResponse(6, 7))},
		transport.Exchange{Expect: pageRequest(rtEGV, 7), Respond: ackResponse(page7)},
		transport.Exchange{Expect: pageRequest(rtEGV, 6), Respond: ackResponse(page6)},
		transport.Exchange{Expect: BuildPacket(cmdReadDataPageRange, []byte{rtMeter}), Respond: ackResponse(rangeResponse(3, 3))},
		transport.Exchange{Expect: pageRequest(rtMeter, 3), Respond: ackResponse(pagePayload(rtMeter, 3, 1, meterData))},
		transport.Exchange{Expect: BuildPacket(cmdReadDataPageRange, []byte{rtUserSetting}), Respond: ackResponse(rangeResponse(1, 1))},
		transport.Exchange{Expect: pageRequest(rtUserSetting, 1), Respond: ackResponse(pagePayload(rtUserSetting, 1, 0, nil))},
	)
	s := testSession(script)
	s.Builder.SetDefaults("DexG4Rec_SM12345678")
	d := &driver{}
	ctx := context.Background()

	err := d.FetchData(ctx, s, device.NewProgress(nil))
	var integrity *device.DataIntegrityError
	if err == nil || !errors.As(err, &integrity) {
		t.Fatalf("expected DataIntegrityError, got %v", err)
	}

	// what the orchestrator does before its single re-fetch
	s.Records = nil
	if err := s.Transport.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := d.FetchData(ctx, s, device.NewProgress(nil)); err != nil {
		t.Fatal(err)
	}
	if len(s.Records) != 3 {
		t.Fatalf("expected 3 records after re-fetch, got %d", len(s.Records))
	}

	if err := d.ProcessData(ctx, s, device.NewProgress(nil)); err != nil {
		t.Fatal(err)
	}
	var cbgSeen, calSeen int
	seen := make(map[int64]bool)
	for _, ev := range s.Events {
		switch ev.Type {
		case records.TypeCBG:
			cbgSeen++
			if seen[ev.Index] {
				t.Fatalf("reading %d uploaded twice", ev.Index)
			}
			seen[ev.Index] = true
		case records.TypeCalibration:
			calSeen++
		}
	}
	if cbgSeen != 2 || calSeen != 1 {
		t.Fatalf("event mix cbg=%d cal=%d, want 2 readings and 1 calibration", cbgSeen, calSeen)
	}
}

func TestReceiverErrorIsFatal(t *testing.T) {
	script := transport.NewScript(
		transport.Exchange{Expect: BuildPacket(cmdPing, nil), Respond: [][]byte{BuildPacket(cmdNak, nil)}},
	)
	s := testSession(script)
	d := &driver{}
	err := d.Detect(context.Background(), s)
	var pv *device.ProtocolViolationError
	if err == nil || !errors.As(err, &pv) {
		t.Fatalf("expected ProtocolViolationError, got %v", err)
	}
	if pv.Code != cmdNak {
		t.Fatalf("reported code %d", pv.Code)
	}
}

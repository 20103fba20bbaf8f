package animas

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"diab-uplink/internal/device"
	"diab-uplink/internal/records"
)

// pumpStub emulates an IR1285 on the other end of the transport: it answers
// discovery on one slot, hands out settings pages, and pages through the
// history logs one ACKed record at a time.
type pumpStub struct {
	mu      sync.Mutex
	pending [][]byte
	closed  bool

	slot  byte              // discovery slot that answers
	pages map[byte][][]byte // settings payloads, indexed by page offset
	logs  map[byte][][]byte // history fields per slot; nil entries are empty
	seq   map[byte][]int    // send order per log, for dup/gap injection
	errOn byte              // record type answered with a pump error, 0 = none

	reading byte // record type of the log read in progress, 0 = none
	pos     int
}

func newPumpStub() *pumpStub {
	return &pumpStub{
		slot:  2,
		pages: map[byte][][]byte{},
		logs:  map[byte][][]byte{},
		seq:   map[byte][]int{},
	}
}

func (p *pumpStub) respond(chunks ...[]byte) {
	p.pending = append(p.pending, chunks...)
}

func dataPacket(payload []byte) []byte {
	return BuildPacket(0x03, 0x20, payload)
}

func (p *pumpStub) Write(_ context.Context, raw []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	res := ExtractFrame(raw)
	if res.Frame == nil || !res.Frame.Valid {
		return nil
	}
	f := res.Frame

	switch {
	case f.Command == cmdHandshake:
		if len(f.Payload) == 10 && f.Payload[9] == p.slot {
			payload := make([]byte, 14)
			binary.LittleEndian.PutUint32(payload[0:], 0x10203040)
			binary.LittleEndian.PutUint32(payload[10:], 987654)
			payload = append(payload, "IR1285 pump"...)
			p.respond(dataPacket(payload))
		}

	case f.Command == cmdConnect || f.Command == cmdDisconnect:
		p.reading = 0
		p.respond(BuildPacket(0x03, cmdUA, nil))

	case len(f.Payload) >= 8 && f.Payload[0] == 'R' && f.Payload[1] == 'I':
		rectype := f.Payload[2]
		if rectype == p.errOn {
			p.respond(dataPacket([]byte{0x45, 0x00, 6}))
			return nil
		}
		if pages, ok := p.pages[rectype]; ok {
			offset := binary.LittleEndian.Uint16(f.Payload[4:6])
			p.respond(dataPacket(pages[offset]))
			return nil
		}
		p.reading = rectype
		p.pos = 0
		p.respond(BuildPacket(0x03, cmdAck, nil))

	case IsAck(f):
		if p.reading == 0 {
			return nil // closing ack
		}
		seq := p.seq[p.reading]
		idx := seq[p.pos]
		fields := p.logs[p.reading][idx]
		if fields == nil {
			fields = make([]byte, 14)
		}
		payload := make([]byte, 4, 4+len(fields))
		copy(payload, diTag)
		binary.LittleEndian.PutUint16(payload[2:], uint16(idx))
		payload = append(payload, fields...)
		p.respond(dataPacket(payload))
		p.pos++
		if p.pos >= len(seq) {
			p.reading = 0
		}
	}
	return nil
}

func (p *pumpStub) Read(ctx context.Context) ([]byte, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.New("stub closed")
	}
	if len(p.pending) > 0 {
		chunk := p.pending[0]
		p.pending = p.pending[1:]
		p.mu.Unlock()
		return chunk, nil
	}
	p.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (p *pumpStub) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = nil
	return nil
}

func (p *pumpStub) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// setLog fills one history log: fixtures at the low slots, empty slots for
// the rest, sent in index order with optional duplicates via seq.
func (p *pumpStub) setLog(rc recordClass, fixtures ...[]byte) {
	slots := make([][]byte, rc.count)
	copy(slots, fixtures)
	p.logs[rc.code] = slots
	seq := make([]int, rc.count)
	for i := range seq {
		seq[i] = i
	}
	p.seq[rc.code] = seq
}

func (p *pumpStub) setSettings() {
	serialPage := []byte{'D', 'I', 0, 0, '1', '2', '3', '4', '5', '6', '1', '5', '3', '0', '1', '9'}
	p.pages[rtSerialNumber] = [][]byte{serialPage}
	p.pages[rtActiveProgram] = [][]byte{{'D', 'I', 0, 0, 1, 0xFE}}
	p.pages[rtBGDisplayMode] = [][]byte{{'D', 'I', 0, 0, 0, 0xFF}}

	advanced := make([][]byte, 3)
	for i := range advanced {
		page := make([]byte, 54)
		copy(page, diTag)
		page[5] = 1
		binary.LittleEndian.PutUint16(page[18:], uint16(15*(i+1)))
		page[42] = byte(10 * (i + 1))
		advanced[i] = page
	}
	p.pages[rtAdvancedSettings] = advanced

	names := make([][]byte, 4)
	for i, name := range []string{"Wd", "  ", "We", "Ex"} {
		page := make([]byte, 11)
		copy(page, diTag)
		copy(page[9:], name)
		names[i] = page
	}
	p.pages[rtProgramNames] = names

	program := make([]byte, 42)
	copy(program, diTag)
	program[4] = 1 // valid
	program[5] = 2
	program[6], program[7] = 0, 24 // second segment at 12h
	binary.LittleEndian.PutUint16(program[18:], 900)
	binary.LittleEndian.PutUint16(program[20:], 1100)
	unused := make([]byte, 42)
	copy(unused, diTag)
	p.pages[rtBasalProgram] = [][]byte{program, unused, unused, unused}
}

func bolusFields(at time.Time, delivered, required float64, tenths uint16, typ, sync byte) []byte {
	f := make([]byte, 14)
	copy(f, encDate(at, 2007))
	binary.LittleEndian.PutUint32(f[4:], uint32(delivered*10000))
	binary.LittleEndian.PutUint16(f[8:], uint16(required*1000))
	binary.LittleEndian.PutUint16(f[10:], tenths)
	f[12] = typ
	f[13] = sync
	return f
}

func basalFields(at time.Time, rate float64, temp bool) []byte {
	f := make([]byte, 14)
	copy(f, encDate(at, 2007))
	binary.LittleEndian.PutUint16(f[4:], uint16(rate*1000))
	if temp {
		f[6] = 1
	}
	return f
}

func suspendFields(suspend, resume time.Time) []byte {
	f := make([]byte, 14)
	copy(f, encDate(suspend, 2007))
	if !resume.IsZero() {
		copy(f[4:], encDate(resume, 2007))
	}
	return f
}

func primeFields(at time.Time, volume float64, flags byte) []byte {
	f := make([]byte, 14)
	copy(f, encDate(at, 2007))
	binary.LittleEndian.PutUint16(f[4:], uint16(volume*100))
	f[6] = flags
	return f
}

func wizardFields(sync byte, carbs, bg uint16, config byte) []byte {
	f := make([]byte, 14)
	f[0] = sync
	f[1] = 10 // carb ratio
	binary.LittleEndian.PutUint16(f[2:], carbs)
	binary.LittleEndian.PutUint16(f[4:], 45) // isf
	binary.LittleEndian.PutUint16(f[6:], bg)
	binary.LittleEndian.PutUint16(f[8:], 100) // target
	f[11] = config
	binary.LittleEndian.PutUint16(f[12:], 50) // 0.5 U iob
	return f
}

func alarmFields(at time.Time, code byte) []byte {
	f := make([]byte, 14)
	copy(f, encDate(at, 2007))
	f[4] = code
	return f
}

func bgFields(at time.Time, value int, control bool) []byte {
	f := make([]byte, 14)
	copy(f, encDate(at, 2007))
	minutes := uint32(at.Sub(bgEpoch).Minutes())
	f[4] = byte(minutes)
	f[5] = byte(minutes >> 8)
	f[6] = byte(minutes >> 16)
	f[7] = byte(value)
	f[8] = byte(value >> 8)
	if control {
		f[8] |= 0x04
	}
	return f
}

func testSession(stub *pumpStub) *device.Session {
	return &device.Session{
		DriverID:  driverID,
		Transport: stub,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Builder:   records.NewBuilder(),
		Timezone:  "America/Los_Angeles",
	}
}

func day(hour, min int) time.Time {
	return time.Date(2016, 6, 10, hour, min, 0, 0, time.UTC)
}

func runSession(t *testing.T, stub *pumpStub) (*driver, *device.Session) {
	t.Helper()
	d := newDriver()
	s := testSession(stub)
	ctx := context.Background()
	progress := device.NewProgress(nil)
	if err := d.Connect(ctx, s, progress); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := d.GetConfigInfo(ctx, s, progress); err != nil {
		t.Fatalf("config: %v", err)
	}
	if err := d.FetchData(ctx, s, progress); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if err := d.ProcessData(ctx, s, progress); err != nil {
		t.Fatalf("process: %v", err)
	}
	return d, s
}

func TestFullSession(t *testing.T) {
	stub := newPumpStub()
	stub.setSettings()

	// index 0 is the newest slot of every log
	stub.setLog(rcBolus,
		bolusFields(day(13, 0), 0.5, 1.5, 0, 0x49, 7),  // normal, cancelled, bg-triggered
		bolusFields(day(11, 0), 2.0, 2.0, 10, 0x0F, 6), // combo, completed
		bolusFields(day(10, 30), 1.2, 1.2, 0, 0x8D, 5), // normal, carb-triggered
	)
	stub.setLog(rcBasal,
		basalFields(day(12, 0), 1.1, false),
		basalFields(day(9, 0), 0.45, true),
		basalFields(day(8, 0), 0.9, false),
	)
	stub.setLog(rcPrime,
		primeFields(day(7, 5), 0.5, 3),   // cannula
		primeFields(day(7, 0), 10.5, 2),  // tubing
		primeFields(day(6, 55), 10.5, 1), // not primed, dropped
	)
	stub.setLog(rcSuspendResume,
		suspendFields(day(14, 0), time.Time{}), // still suspended for upload
		suspendFields(day(6, 50), day(7, 10)),
	)
	stub.setLog(rcWizard,
		wizardFields(7, 0, 120, 0x0C), // matches the cancelled bolus
		wizardFields(99, 30, 0, 0x04), // stale sync counter, dropped
		wizardFields(6, 20, 0, 0x04),  // matches the combo, but not bg/carb triggered
	)
	stub.setLog(rcAlarm,
		alarmFields(day(5, 0), 145),
		alarmFields(day(4, 0), 42),
	)
	stub.setLog(rcBG,
		bgFields(day(3, 0), 95, false),
		bgFields(day(2, 0), 100, true), // control solution, dropped
	)

	// retransmit bolus slot 1 once
	seq := stub.seq[rcBolus.code]
	stub.seq[rcBolus.code] = append([]int{seq[0], seq[1]}, seq[1:]...)

	d, s := runSession(t, stub)

	if s.Model != "IR1285" || s.SerialNumber != "30-12345615" {
		t.Fatalf("identity %s / %s", s.Model, s.SerialNumber)
	}
	if s.DeviceID != "IR1285-30-12345615" {
		t.Fatalf("device id %s", s.DeviceID)
	}
	if len(s.Schedules) != 1 || s.Schedules[0].Name != "Wd" || len(s.Schedules[0].Segments) != 2 {
		t.Fatalf("schedules %+v", s.Schedules)
	}
	if d.bgUnits != "mg/dL" {
		t.Fatalf("bg units %s", d.bgUnits)
	}

	// 3 boluses, 1 wizard + manual smbg, 3 basals, 2 primes, 2 suspends,
	// 1 resume, 2 alarms, 1 linked smbg, 1 settings snapshot
	if len(s.Events) != 17 {
		t.Fatalf("got %d events: %+v", len(s.Events), eventTypes(s.Events))
	}
	for _, ev := range s.Events {
		if !ev.ConsistentUTC() {
			t.Fatalf("inconsistent UTC on %s at %v", ev.Type, ev.DeviceTime)
		}
		if ev.TimezoneOffset != -420 {
			t.Fatalf("timezone offset %d on %s", ev.TimezoneOffset, ev.Type)
		}
	}

	var combo, cancelled records.CanonicalEvent
	for _, ev := range s.Events {
		if ev.Type == records.TypeBolus {
			if ev.SubType == "dual/square" {
				combo = ev
			} else if ev.ExpectedNormal > 0 {
				cancelled = ev
			}
		}
	}
	if combo.Normal != 1.0 || combo.Extended != 1.0 || combo.Duration != 3600000 {
		t.Fatalf("combo split %+v", combo)
	}
	assertAnnotation(t, combo.Annotations, records.AnnEqualSplit)
	if cancelled.Normal != 0.5 || cancelled.ExpectedNormal != 1.5 {
		t.Fatalf("cancelled bolus %+v", cancelled)
	}

	var basals []records.CanonicalEvent
	for _, ev := range s.Events {
		if ev.Type == records.TypeBasal || ev.Type == records.TypeTempBasal {
			basals = append(basals, ev)
		}
	}
	if len(basals) != 3 {
		t.Fatalf("basal events %d", len(basals))
	}
	if basals[0].Duration != 3600000 || len(basals[0].Annotations) != 0 {
		t.Fatalf("first basal %+v", basals[0])
	}
	if basals[1].Type != records.TypeTempBasal || basals[1].SuppressedRate != 0.9 ||
		basals[1].Duration != 3*3600000 {
		t.Fatalf("temp basal %+v", basals[1])
	}
	if basals[2].Duration != 12*3600000 {
		t.Fatalf("final basal %+v", basals[2])
	}
	assertAnnotation(t, basals[2].Annotations, records.AnnFabricatedFromSchedule)

	var suspends []records.CanonicalEvent
	for _, ev := range s.Events {
		if ev.Type == records.TypeSuspend {
			suspends = append(suspends, ev)
		}
	}
	if len(suspends) != 2 {
		t.Fatalf("suspend events %d", len(suspends))
	}
	if suspends[0].Duration != 20*60*1000 {
		t.Fatalf("paired suspend %+v", suspends[0])
	}
	assertAnnotation(t, suspends[1].Annotations, records.AnnIncompleteTuple)

	var wizard, manual records.CanonicalEvent
	for _, ev := range s.Events {
		if ev.Type == records.TypeWizard {
			wizard = ev
		}
		if ev.Type == records.TypeSMBG && ev.SubType == "manual" {
			manual = ev
		}
	}
	if wizard.Recommended != 1.5 || wizard.BGInput != 120 {
		t.Fatalf("wizard %+v", wizard)
	}
	if wizard.Ref == "" || wizard.Ref != cancelled.Ref {
		t.Fatalf("wizard ref %q not linked to bolus ref %q", wizard.Ref, cancelled.Ref)
	}
	if manual.Value != 120 {
		t.Fatalf("manual smbg %+v", manual)
	}

	linked := 0
	for _, ev := range s.Events {
		if ev.Type == records.TypeSMBG && ev.SubType == "linked" {
			linked++
			if ev.Value != 95 {
				t.Fatalf("linked smbg %+v", ev)
			}
		}
	}
	if linked != 1 {
		t.Fatalf("linked smbg events %d, control solution not dropped", linked)
	}

	var other records.CanonicalEvent
	occlusions := 0
	for _, ev := range s.Events {
		if ev.Type != records.TypeAlarm {
			continue
		}
		if ev.SubType == "occlusion" {
			occlusions++
		} else {
			other = ev
		}
	}
	if occlusions != 1 || other.SubType != "other" {
		t.Fatalf("alarm events wrong: occlusions=%d other=%+v", occlusions, other)
	}
	if other.Payload["alarmId"] != 42 {
		t.Fatalf("unknown alarm payload %+v", other.Payload)
	}
}

func eventTypes(events []records.CanonicalEvent) []string {
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func TestRecordIndexGapIsIntegrityError(t *testing.T) {
	stub := newPumpStub()
	stub.setSettings()
	for _, rc := range []recordClass{rcBolus, rcBasal, rcPrime, rcSuspendResume, rcWizard, rcAlarm, rcBG} {
		stub.setLog(rc)
	}
	stub.setLog(rcSuspendResume, suspendFields(day(14, 0), time.Time{}))
	// drop slot 1 from the alarm log
	stub.seq[rcAlarm.code] = append([]int{0}, stub.seq[rcAlarm.code][2:]...)

	d := newDriver()
	s := testSession(stub)
	ctx := context.Background()
	progress := device.NewProgress(nil)
	if err := d.Connect(ctx, s, progress); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := d.GetConfigInfo(ctx, s, progress); err != nil {
		t.Fatalf("config: %v", err)
	}
	err := d.FetchData(ctx, s, progress)
	var integrity *device.DataIntegrityError
	if !errors.As(err, &integrity) {
		t.Fatalf("expected DataIntegrityError, got %v", err)
	}
}

func TestPumpErrorIsFatal(t *testing.T) {
	stub := newPumpStub()
	stub.setSettings()
	stub.errOn = rtSerialNumber

	d := newDriver()
	s := testSession(stub)
	ctx := context.Background()
	progress := device.NewProgress(nil)
	if err := d.Connect(ctx, s, progress); err != nil {
		t.Fatalf("connect: %v", err)
	}
	err := d.GetConfigInfo(ctx, s, progress)
	var violation *device.ProtocolViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected ProtocolViolationError, got %v", err)
	}
	if violation.Code != 6 {
		t.Fatalf("error code %d, want 6", violation.Code)
	}
}

func assertAnnotation(t *testing.T, anns []records.Annotation, code string) {
	t.Helper()
	for _, ann := range anns {
		if ann.Code == code {
			return
		}
	}
	t.Fatalf("annotation %q missing from %+v", code, anns)
}

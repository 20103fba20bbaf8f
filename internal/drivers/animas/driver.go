// Package animas implements the Animas insulin pump (OneTouch Ping IR1285
// and Vibe IR1295) RF-cradle protocol: a BOM/EOM framed link with byte
// stuffing, 3-bit send/receive counters in the control byte and an
// ACK-paced bulk read of the pump's fixed-size history logs.
package animas

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"diab-uplink/internal/device"
	"diab-uplink/internal/framing"
	"diab-uplink/internal/observability"
	"diab-uplink/internal/records"
	"diab-uplink/internal/simulator"
	"diab-uplink/internal/tzoffset"
)

const driverID = "animas"

const (
	addrConnect = 0xFF // broadcast address used before a connection exists

	cmdConnect    = 0x93
	cmdDisconnect = 0x53
	cmdHandshake  = 0xBF
	cmdUA         = 0x73 // unnumbered acknowledge
	cmdAck        = 0x11
)

// request/response tags inside data payloads
var (
	riTag = []byte{'R', 'I'}
	diTag = []byte{'D', 'I'}
)

const (
	responseTimeout  = 2 * time.Second
	handshakeTimeout = 300 * time.Millisecond
	handshakeSlots   = 16
	connectAttempts  = 8

	counterMod = 7 // the 3-bit counters wrap one short of their range
)

var errorNames = map[byte]string{
	0: "length error",
	1: "item error",
	3: "read error",
	4: "command error",
	5: "record number error",
	6: "pump not suspended",
}

func init() {
	device.Register(driverID, func() device.Driver { return newDriver() })
}

type driver struct {
	buf framing.Buffer

	primary  [4]byte
	connAddr byte
	destAddr uint32

	model     string
	startYear int
	packed    bool

	activeProgram int
	bgUnits       string
	schedules     []records.Schedule
	carbRatios    []advancedSegment
	sensitivities []advancedSegment
	bgTargets     []advancedSegment
}

func newDriver() *driver {
	return &driver{
		primary:  [4]byte{0x01, 0x00, 0x00, 0x00},
		connAddr: 0x03, // low bit set marks the primary side
	}
}

func (d *driver) Info() device.DriverInfo {
	return device.DriverInfo{
		ID:            driverID,
		Tags:          []string{"insulin-pump", "bgm"},
		Manufacturers: []string{"Animas"},
	}
}

// controlByte packs the session counters: receive count in bits 5-7,
// bit 4 handing transmit rights to the receiver, send count in bits 1-3.
func controlByte(c device.Counters) byte {
	return c.Received<<5 | 0x10 | c.Sent<<1
}

func (d *driver) exchange(ctx context.Context, s *device.Session, packet []byte, opts device.ExchangeOpts) (*framing.Frame, error) {
	opts.OnRetry = func(attempt int, cause error) {
		observability.Retries.WithLabelValues(driverID).Inc()
		s.Logger.Warn("animas: retrying", "attempt", attempt, "cause", cause)
		// a rejected frame is NAKed by backing the receive counter up
		if _, ok := cause.(*device.FramingError); ok {
			s.Counters.DecReceived()
		}
		d.buf.Reset()
		_ = s.Transport.Flush()
	}
	frame, err := device.Exchange(ctx, s.Transport, &d.buf, ExtractFrame, packet, opts)
	if err != nil {
		return nil, err
	}
	observability.FramesReceived.WithLabelValues(driverID).Inc()
	if code, isErr := ErrorCode(frame); isErr {
		name, known := errorNames[code]
		if !known {
			name = "unknown pump error"
		}
		return nil, &device.ProtocolViolationError{Code: int(code), Reason: "pump reported " + name}
	}
	return frame, nil
}

func (d *driver) ackPacket(s *device.Session) []byte {
	return BuildPacket(d.connAddr, cmdAck|s.Counters.Received<<5, nil)
}

// readRequest builds an RI read of count records of the given type.
func (d *driver) readRequest(s *device.Session, rectype byte, offset, count uint16) []byte {
	payload := make([]byte, 8)
	copy(payload, riTag)
	binary.LittleEndian.PutUint16(payload[2:], uint16(rectype))
	binary.LittleEndian.PutUint16(payload[4:], offset)
	binary.LittleEndian.PutUint16(payload[6:], count)
	return BuildPacket(d.connAddr, controlByte(s.Counters), payload)
}

func isData(f *framing.Frame) bool {
	return len(f.Payload) >= 4 && bytes.HasPrefix(f.Payload, diTag)
}

// request performs one settings-page read: send the RI request, ride the
// ACK exchange, return the DI payload.
func (d *driver) request(ctx context.Context, s *device.Session, rectype byte, offset, count uint16) ([]byte, error) {
	opts := device.ExchangeOpts{Timeout: responseTimeout, Retries: 3}
	frame, err := d.exchange(ctx, s, d.readRequest(s, rectype, offset, count), opts)
	if err != nil {
		return nil, err
	}
	if IsAck(frame) {
		s.Counters.IncSent()
		frame, err = d.exchange(ctx, s, d.ackPacket(s), opts)
		if err != nil {
			return nil, err
		}
	}
	if !isData(frame) {
		return nil, &device.ProtocolViolationError{Reason: "expected record data, got " + fmt.Sprintf("%#02x", frame.Command)}
	}
	s.Counters.IncReceived()
	// closing ACK; the pump does not answer it
	if err := s.Transport.Write(ctx, d.ackPacket(s)); err != nil {
		return nil, err
	}
	return frame.Payload, nil
}

// resetConnection re-issues CONNECT on the live connection address, zeroing
// both counters. The pump answers with UA.
func (d *driver) resetConnection(ctx context.Context, s *device.Session) error {
	s.Counters = device.Counters{Mod: counterMod}
	packet := BuildPacket(d.connAddr, cmdConnect, nil)
	frame, err := d.exchange(ctx, s, packet, device.ExchangeOpts{Timeout: responseTimeout, Retries: 3})
	if err != nil {
		return err
	}
	if frame.Command != cmdUA {
		return &device.ProtocolViolationError{Reason: "connection reset not acknowledged"}
	}
	return nil
}

func (d *driver) Detect(ctx context.Context, s *device.Session) error {
	_, err := d.handshake(ctx, s)
	return err
}

// handshake polls the discovery slots until the pump answers with its
// destination address. The pump only answers when its screen is active.
func (d *driver) handshake(ctx context.Context, s *device.Session) (uint32, error) {
	payload := make([]byte, 0, 10)
	payload = append(payload, d.primary[:]...)
	payload = append(payload, 0xFF, 0xFF, 0xFF, 0xFF, 0x02, 0)
	for slot := 0; slot < handshakeSlots; slot++ {
		payload[9] = byte(slot)
		packet := BuildPacket(addrConnect, cmdHandshake, payload)
		frame, err := d.exchange(ctx, s, packet, device.ExchangeOpts{Timeout: handshakeTimeout})
		if err != nil {
			var comm *device.CommunicationError
			if errors.As(err, &comm) {
				continue // nothing in this slot
			}
			return 0, err
		}
		if len(frame.Payload) < 14 {
			return 0, &device.ProtocolViolationError{Reason: "short handshake response"}
		}
		dest := binary.LittleEndian.Uint32(frame.Payload[0:4])
		s.Logger.Info("animas: pump discovered", "slot", slot,
			"description", strings.TrimRight(string(frame.Payload[14:]), "\x00"))
		return dest, nil
	}
	return 0, &device.CommunicationError{Attempts: handshakeSlots,
		Last: fmt.Errorf("animas: no pump answered discovery; make sure the screen is active")}
}

func (d *driver) Connect(ctx context.Context, s *device.Session, progress device.Progress) error {
	dest, err := d.handshake(ctx, s)
	if err != nil {
		return err
	}
	d.destAddr = dest
	progress(50)

	payload := make([]byte, 9)
	copy(payload, d.primary[:])
	binary.LittleEndian.PutUint32(payload[4:], d.destAddr)
	payload[8] = d.connAddr
	packet := BuildPacket(addrConnect, cmdConnect, payload)

	var lastErr error
	for attempt := 0; attempt < connectAttempts; attempt++ {
		frame, err := d.exchange(ctx, s, packet, device.ExchangeOpts{Timeout: responseTimeout})
		if err != nil {
			lastErr = err
			continue
		}
		if frame.Command != cmdUA {
			lastErr = &device.ProtocolViolationError{Reason: "connect not acknowledged"}
			continue
		}
		s.Counters = device.Counters{Mod: counterMod}
		progress(100)
		return nil
	}
	return &device.CommunicationError{Attempts: connectAttempts,
		Last: fmt.Errorf("animas: could not connect; make sure the pump is suspended: %w", lastErr)}
}

var defaultProgramNames = [4]string{"Weekday", "Other", "Weekend", "Exercise"}

func (d *driver) GetConfigInfo(ctx context.Context, s *device.Session, progress device.Progress) error {
	if err := d.resetConnection(ctx, s); err != nil {
		return err
	}
	payload, err := d.request(ctx, s, rtSerialNumber, 0, 1)
	if err != nil {
		return err
	}
	model, serial, err := decodeSerial(payload)
	if err != nil {
		return err
	}
	d.model = model
	// the packed date format counts years from the model's release
	if model == "IR1285" {
		d.startYear = 2007
	} else {
		d.startYear = 2008
		d.packed = true
	}
	s.Model = model
	s.SerialNumber = serial
	s.DeviceID = model + "-" + serial
	s.Builder.SetDefaults(s.DeviceID)
	progress(20)

	if payload, err = d.request(ctx, s, rtActiveProgram, 0, 1); err != nil {
		return err
	}
	active, err := checkedByte(payload, "active basal program")
	if err != nil {
		return err
	}
	d.activeProgram = int(active)

	if err := d.resetConnection(ctx, s); err != nil {
		return err
	}
	if payload, err = d.request(ctx, s, rtBGDisplayMode, 0, 1); err != nil {
		return err
	}
	mode, err := checkedByte(payload, "bg display mode")
	if err != nil {
		return err
	}
	switch mode {
	case 0:
		d.bgUnits = "mg/dL"
	case 1:
		d.bgUnits = "mmol/L"
	default:
		return &device.ProtocolViolationError{Code: int(mode), Reason: "unknown bg display mode"}
	}
	progress(40)

	if err := d.resetConnection(ctx, s); err != nil {
		return err
	}
	pages := make([][]advancedSegment, 0, 3)
	for page := uint16(0); page < 3; page++ {
		if payload, err = d.request(ctx, s, rtAdvancedSettings, page, 1); err != nil {
			return err
		}
		segments, err := decodeAdvancedSettings(payload)
		if err != nil {
			return err
		}
		pages = append(pages, segments)
	}
	d.carbRatios, d.sensitivities, d.bgTargets = pages[0], pages[1], pages[2]
	progress(60)

	if err := d.resetConnection(ctx, s); err != nil {
		return err
	}
	names := make([]string, 4)
	for i := uint16(0); i < 4; i++ {
		if payload, err = d.request(ctx, s, rtProgramNames, i, 1); err != nil {
			return err
		}
		if len(payload) < 11 {
			return &device.ProtocolViolationError{Reason: "short program name page"}
		}
		name := strings.TrimSpace(string(payload[9:11]))
		if name == "" {
			name = defaultProgramNames[i]
		}
		names[i] = name
	}
	progress(80)

	if err := d.resetConnection(ctx, s); err != nil {
		return err
	}
	var prev records.Schedule
	d.schedules = d.schedules[:0]
	for i := uint16(0); i < 4; i++ {
		if payload, err = d.request(ctx, s, rtBasalProgram, i, 1); err != nil {
			return err
		}
		sched, ok, err := decodeBasalProgram(payload, names[i])
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if len(prev.Segments) > 0 && schedulesEqual(prev, sched) {
			return &device.DataIntegrityError{Reason: "duplicate basal program page"}
		}
		prev = sched
		d.schedules = append(d.schedules, sched)
	}
	s.Schedules = d.schedules

	s.Logger.Info("animas: config read", "model", model, "serial", serial,
		"units", d.bgUnits, "programs", len(d.schedules))
	progress(100)
	return nil
}

func schedulesEqual(a, b records.Schedule) bool {
	if len(a.Segments) != len(b.Segments) {
		return false
	}
	for i := range a.Segments {
		if a.Segments[i] != b.Segments[i] {
			return false
		}
	}
	return true
}

// historyDecoder appends the decoded records for one log slot.
type historyDecoder func(index int64, fields []byte) error

func (d *driver) FetchData(ctx context.Context, s *device.Session, progress device.Progress) error {
	start := time.Now()
	defer func() {
		observability.FetchDuration.WithLabelValues(driverID).Observe(time.Since(start).Seconds())
	}()

	appendRec := func(kind string) func(records.Record) {
		return func(rec records.Record) {
			s.Records = append(s.Records, rec)
			observability.RecordsDecoded.WithLabelValues(driverID, kind).Inc()
		}
	}

	phases := []struct {
		class  recordClass
		lo, hi int
		decode historyDecoder
	}{
		{rcBolus, 0, 20, adapt(d.decodeBolus, appendRec(records.TypeBolus))},
		{rcBasal, 20, 35, adapt(d.decodeBasal, appendRec(records.TypeBasal))},
		{rcPrime, 35, 45, adapt(d.decodePrime, appendRec(records.TypePrime))},
		{rcSuspendResume, 45, 55, d.suspendDecoder(appendRec(records.TypeSuspend))},
		{rcWizard, 55, 70, adapt(d.decodeWizard, appendRec(records.TypeWizard))},
		{rcAlarm, 70, 85, adapt(d.decodeAlarm, appendRec(records.TypeAlarm))},
	}
	for _, phase := range phases {
		if err := d.readHistory(ctx, s, phase.class, phase.decode,
			device.SubProgress(progress, phase.lo, phase.hi)); err != nil {
			return err
		}
	}
	// linked-meter readings exist on the Ping only
	if d.model == "IR1285" {
		if err := d.readHistory(ctx, s, rcBG,
			adapt(d.decodeBG, appendRec(records.TypeSMBG)),
			device.SubProgress(progress, 85, 100)); err != nil {
			return err
		}
	}
	progress(100)
	return nil
}

// adapt lifts a per-record decode function into a historyDecoder.
func adapt(decode func(int64, []byte) (records.Record, bool, error), appendRec func(records.Record)) historyDecoder {
	return func(index int64, fields []byte) error {
		rec, ok, err := decode(index, fields)
		if err != nil {
			return err
		}
		if ok {
			appendRec(rec)
		}
		return nil
	}
}

func (d *driver) suspendDecoder(appendRec func(records.Record)) historyDecoder {
	return func(index int64, fields []byte) error {
		suspend, resume, ok, err := d.decodeSuspendResume(index, fields)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		appendRec(suspend)
		if resume != nil {
			appendRec(*resume)
		}
		return nil
	}
}

func emptySlot(fields []byte) bool {
	return len(fields) >= 4 &&
		fields[0] == 0 && fields[1] == 0 && fields[2] == 0 && fields[3] == 0
}

// readHistory downloads one fixed-size log end to end. Every data payload
// is ACKed; retransmitted slots are tolerated, index gaps are not.
func (d *driver) readHistory(ctx context.Context, s *device.Session, rc recordClass,
	decode historyDecoder, progress device.Progress) error {

	if err := d.resetConnection(ctx, s); err != nil {
		return err
	}
	count := uint16(rc.count)
	reqCount := count
	if d.packed {
		reqCount |= 0x8000 // high bit asks for multi-record payloads
	}
	opts := device.ExchangeOpts{Timeout: responseTimeout, Retries: 3}
	frame, err := d.exchange(ctx, s, d.readRequest(s, rc.code, 0, reqCount), opts)
	if err != nil {
		return err
	}
	if IsAck(frame) {
		s.Counters.IncSent()
		frame, err = d.exchange(ctx, s, d.ackPacket(s), opts)
		if err != nil {
			return err
		}
	}

	fieldSize := rc.size - 2
	lastIndex := int64(-1)
	var prevPayload []byte
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !isData(frame) {
			return &device.ProtocolViolationError{Reason: "expected " + rc.name + " record data"}
		}
		s.Counters.IncReceived()
		payload := frame.Payload

		if d.packed {
			// a repeated payload is a retransmission of the last burst
			if !bytes.Equal(payload, prevPayload) {
				prevPayload = append(prevPayload[:0], payload...)
				for off := 4; off+fieldSize <= len(payload) && lastIndex+1 < int64(count); off += fieldSize {
					lastIndex++
					fields := payload[off : off+fieldSize]
					if emptySlot(fields) {
						continue
					}
					if err := decode(lastIndex, fields); err != nil {
						return err
					}
				}
			}
		} else {
			index := int64(binary.LittleEndian.Uint16(payload[2:4]))
			switch {
			case index == lastIndex:
				// retransmitted slot, already handled
			case index != lastIndex+1:
				return &device.DataIntegrityError{
					Reason: fmt.Sprintf("%s record index gap: expected %d, got %d", rc.name, lastIndex+1, index),
				}
			default:
				lastIndex = index
				fields := payload[4:]
				if !emptySlot(fields) {
					if err := decode(index, fields); err != nil {
						return err
					}
				}
			}
		}

		progress(int(100 * (lastIndex + 1) / int64(count)))
		if lastIndex+1 >= int64(count) {
			// closing ACK; the pump stays silent
			return s.Transport.Write(ctx, d.ackPacket(s))
		}
		frame, err = d.exchange(ctx, s, d.ackPacket(s), opts)
		if err != nil {
			return err
		}
	}
}

func (d *driver) ProcessData(ctx context.Context, s *device.Session, progress device.Progress) error {
	// the pump reports no current time; the newest suspend (it must be
	// suspended to download) anchors the timezone resolution
	var anchor time.Time
	for _, rec := range s.Records {
		if rec.Kind() == records.TypeSuspend && rec.Time().After(anchor) {
			anchor = rec.Time()
		}
	}
	if anchor.IsZero() {
		for _, rec := range s.Records {
			if rec.Time().After(anchor) {
				anchor = rec.Time()
			}
		}
	}
	if anchor.IsZero() {
		anchor = time.Now().UTC()
	}
	anchorUTC, err := tzoffset.ApplyZone(s.Timezone, anchor)
	if err != nil {
		return &device.TimezoneResolutionError{Err: err}
	}
	tzo, err := tzoffset.New(s.Timezone, anchorUTC, nil)
	if err != nil {
		return &device.TimezoneResolutionError{Err: err}
	}
	s.TZOUtil = tzo
	progress(20)

	recs := make([]records.Record, 0, len(s.Records)+1)
	for _, rec := range s.Records {
		if smbg, ok := rec.(records.SMBG); ok && smbg.Control {
			s.Logger.Info("animas: discarding control-solution test", "index", smbg.Index)
			continue
		}
		recs = append(recs, rec)
	}
	recs = append(recs, d.settingsSnapshot(anchor))
	progress(40)

	activeName := ""
	if d.activeProgram >= 1 && d.activeProgram <= len(d.schedules) {
		activeName = d.schedules[d.activeProgram-1].Name
	}
	sim := simulator.New(s.Builder, tzo, simulator.Options{
		Schedules:      d.schedules,
		ActiveSchedule: activeName,
		Logger:         s.Logger,
	})
	events, err := sim.Run(recs)
	if err != nil {
		return err
	}
	s.Events = events
	progress(100)
	return ctx.Err()
}

func (d *driver) settingsSnapshot(at time.Time) records.Settings {
	schedules := make(map[string][]map[string]any, len(d.schedules))
	for _, sched := range d.schedules {
		segments := make([]map[string]any, 0, len(sched.Segments))
		for _, seg := range sched.Segments {
			segments = append(segments, map[string]any{
				"start": seg.Start.Milliseconds(),
				"rate":  seg.Rate,
			})
		}
		schedules[sched.Name] = segments
	}
	rows := func(segs []advancedSegment, one, two string) []map[string]any {
		out := make([]map[string]any, 0, len(segs))
		for _, seg := range segs {
			row := map[string]any{"start": seg.Start.Milliseconds(), one: seg.Value1}
			if two != "" {
				row[two] = seg.Value2
			}
			out = append(out, row)
		}
		return out
	}
	active := ""
	if d.activeProgram >= 1 && d.activeProgram <= len(d.schedules) {
		active = d.schedules[d.activeProgram-1].Name
	}
	return records.Settings{
		Base: records.Base{DeviceTime: at},
		Payload: map[string]any{
			"activeSchedule":     active,
			"units":              map[string]string{"carb": "grams", "bg": d.bgUnits},
			"basalSchedules":     schedules,
			"carbRatio":          rows(d.carbRatios, "amount", ""),
			"insulinSensitivity": rows(d.sensitivities, "amount", ""),
			"bgTarget":           rows(d.bgTargets, "target", "range"),
		},
	}
}

func (d *driver) Disconnect(ctx context.Context, s *device.Session, progress device.Progress) error {
	packet := BuildPacket(d.connAddr, cmdDisconnect, nil)
	frame, err := d.exchange(ctx, s, packet, device.ExchangeOpts{Timeout: responseTimeout})
	if err == nil && frame.Command != cmdUA {
		s.Logger.Warn("animas: disconnect not acknowledged", "command", frame.Command)
	}
	progress(100)
	return nil
}

func (d *driver) Cleanup(ctx context.Context, s *device.Session) error {
	return s.Release()
}

// Package dexcom drives Dexcom CGM receivers. The receiver exposes record
// databases (sensor readings, meter calibrations, user settings) read page
// by page, newest page first. The user-settings history doubles as the
// clock-change history: the internal clock is monotonic and user time
// adjustments only move the display offset, which is what makes full
// UTC bootstrapping possible for this device.
package dexcom

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"regexp"
	"strings"
	"time"

	"diab-uplink/internal/device"
	"diab-uplink/internal/framing"
	"diab-uplink/internal/observability"
	"diab-uplink/internal/records"
	"diab-uplink/internal/tzoffset"
)

const driverID = "dexcom"

// Receiver commands. The response command byte is ACK on success; anything
// else is a device-reported error.
const (
	cmdAck                = 1
	cmdNak                = 2
	cmdPing               = 10
	cmdReadFirmwareHeader = 11
	cmdReadPartitionInfo  = 15
	cmdReadDataPageRange  = 16
	cmdReadDataPages      = 17
)

const responseTimeout = time.Second

func init() {
	device.Register(driverID, func() device.Driver { return &driver{} })
}

type driver struct {
	buf      framing.Buffer
	firmware map[string]string

	cbg      []records.CBG
	cals     []records.Calibration
	settings []userSetting
}

func (d *driver) Info() device.DriverInfo {
	return device.DriverInfo{
		ID:            driverID,
		Tags:          []string{"cgm"},
		Manufacturers: []string{"Dexcom"},
	}
}

var cmdNames = map[byte]string{
	0: "NULL", 1: "ACK", 2: "NAK", 3: "Invalid Command", 4: "Invalid Param",
	5: "Incomplete Packet Received", 6: "Receiver Error", 7: "Invalid Mode",
}

func cmdName(c byte) string {
	if name, ok := cmdNames[c]; ok {
		return name
	}
	return "UNKNOWN COMMAND"
}

func (d *driver) exchange(ctx context.Context, s *device.Session, command byte, payload []byte) (*framing.Frame, error) {
	frame, err := device.Exchange(ctx, s.Transport, &d.buf, ExtractFrame,
		BuildPacket(command, payload), device.ExchangeOpts{
			Timeout: responseTimeout,
			Retries: 3,
			OnRetry: func(attempt int, cause error) {
				observability.Retries.WithLabelValues(driverID).Inc()
				d.buf.Reset()
				_ = s.Transport.Flush()
				s.Logger.Debug("dexcom: retrying command",
					"command", command, "attempt", attempt, "cause", cause)
			},
		})
	if err != nil {
		return nil, err
	}
	observability.FramesReceived.WithLabelValues(driverID).Inc()
	if frame.Command != cmdAck {
		return nil, &device.ProtocolViolationError{
			Code:   int(frame.Command),
			Reason: fmt.Sprintf("receiver answered %s", cmdName(frame.Command)),
		}
	}
	return frame, nil
}

var xmlAttrPattern = regexp.MustCompile(`([A-Za-z]+)=["']([^"']+)["']`)

// parseXMLAttrs pulls the attributes out of the single-tag XML blobs the
// receiver stores its firmware and manufacturing metadata in.
func parseXMLAttrs(s string) map[string]string {
	attrs := make(map[string]string)
	for _, m := range xmlAttrPattern.FindAllStringSubmatch(s, -1) {
		attrs[m[1]] = m[2]
	}
	return attrs
}

func (d *driver) Detect(ctx context.Context, s *device.Session) error {
	_, err := d.exchange(ctx, s, cmdPing, nil)
	return err
}

func (d *driver) Connect(ctx context.Context, s *device.Session, progress device.Progress) error {
	frame, err := d.exchange(ctx, s, cmdReadFirmwareHeader, nil)
	if err != nil {
		return err
	}
	d.firmware = parseXMLAttrs(string(frame.Payload))
	s.Model = d.firmware["ProductId"]
	s.Firmware = d.firmware["FirmwareVersion"]
	progress(40)

	// partition info is fetched for parity with the receiver tooling; its
	// content is only logged
	frame, err = d.exchange(ctx, s, cmdReadPartitionInfo, nil)
	if err != nil {
		return err
	}
	s.Logger.Debug("dexcom: partition info", "xml", string(bytes.TrimRight(frame.Payload, "\x00")))
	progress(80)

	if _, err := d.exchange(ctx, s, cmdPing, nil); err != nil {
		return err
	}
	s.Logger.Info("dexcom: connected", "model", s.Model, "firmware", s.Firmware)
	progress(100)
	return nil
}

// the manufacturing page wraps its XML after a 35-byte header
const mfgHeaderLen = 35

func (d *driver) GetConfigInfo(ctx context.Context, s *device.Session, progress device.Progress) error {
	lo, hi, err := d.pageRange(ctx, s, rtManufacturing)
	if err != nil {
		return err
	}
	progress(40)

	payload := make([]byte, 6)
	payload[0] = rtManufacturing
	binary.LittleEndian.PutUint32(payload[1:], lo)
	payload[5] = byte(hi - lo + 1)
	frame, err := d.exchange(ctx, s, cmdReadDataPages, payload)
	if err != nil {
		return err
	}
	if len(frame.Payload) <= mfgHeaderLen {
		return &device.ProtocolViolationError{Reason: "short manufacturing page"}
	}
	mfg := parseXMLAttrs(string(bytes.TrimRight(frame.Payload[mfgHeaderLen:], "\x00")))
	serial := mfg["SerialNumber"]
	if serial == "" {
		return &device.ProtocolViolationError{Reason: "manufacturing data carries no serial number"}
	}

	s.SerialNumber = serial
	s.DeviceID = shortProductName(d.firmware["ProductName"]) + "_" + serial
	s.Builder.SetDefaults(s.DeviceID)
	s.Logger.Info("dexcom: config read", "serial", serial, "deviceID", s.DeviceID)
	progress(100)
	return nil
}

// shortProductName abbreviates each word of the product name to three
// letters, the receiver's conventional device id prefix.
func shortProductName(name string) string {
	var b strings.Builder
	for _, word := range strings.Fields(name) {
		if len(word) > 3 {
			word = word[:3]
		}
		b.WriteString(word)
	}
	if b.Len() == 0 {
		return "Dexcom"
	}
	return b.String()
}

func (d *driver) pageRange(ctx context.Context, s *device.Session, rectype byte) (lo, hi uint32, err error) {
	frame, err := d.exchange(ctx, s, cmdReadDataPageRange, []byte{rectype})
	if err != nil {
		return 0, 0, err
	}
	if len(frame.Payload) < 8 {
		return 0, 0, &device.ProtocolViolationError{Reason: "short page range response"}
	}
	lo = binary.LittleEndian.Uint32(frame.Payload[0:])
	hi = binary.LittleEndian.Uint32(frame.Payload[4:])
	if hi < lo {
		return 0, 0, &device.ProtocolViolationError{Reason: fmt.Sprintf(
			"inverted page range %d..%d", lo, hi)}
	}
	return lo, hi, nil
}

// readPage fetches one record page and validates that the receiver returned
// the page that was asked for.
func (d *driver) readPage(ctx context.Context, s *device.Session, rectype byte, page uint32) (pageHeader, []byte, error) {
	payload := make([]byte, 6)
	payload[0] = rectype
	binary.LittleEndian.PutUint32(payload[1:], page)
	payload[5] = 1
	frame, err := d.exchange(ctx, s, cmdReadDataPages, payload)
	if err != nil {
		return pageHeader{}, nil, err
	}
	hdr, err := parsePageHeader(frame.Payload)
	if err != nil {
		return pageHeader{}, nil, err
	}
	if hdr.PageNumber != page {
		return pageHeader{}, nil, &device.DataIntegrityError{Reason: fmt.Sprintf(
			"asked for page %d, receiver sent page %d", page, hdr.PageNumber)}
	}
	if hdr.RecordType != rectype {
		return pageHeader{}, nil, &device.ProtocolViolationError{Reason: fmt.Sprintf(
			"asked for record type %d, page carries type %d", rectype, hdr.RecordType)}
	}
	return hdr, frame.Payload[pageHeaderLen:], nil
}

// downloadPages walks a database newest page first, decoding as it goes.
func (d *driver) downloadPages(ctx context.Context, s *device.Session, rectype byte, progress device.Progress) error {
	lo, hi, err := d.pageRange(ctx, s, rectype)
	if err != nil {
		return err
	}
	total := int(hi-lo) + 1
	done := 0
	for page := hi; ; page-- {
		hdr, data, err := d.readPage(ctx, s, rectype, page)
		if err != nil {
			return err
		}
		switch rectype {
		case rtEGV:
			recs, err := parseEGVRecords(hdr, data)
			if err != nil {
				return err
			}
			d.cbg = append(d.cbg, recs...)
			observability.RecordsDecoded.WithLabelValues(driverID, records.TypeCBG).Add(float64(len(recs)))
		case rtMeter:
			recs, err := parseMeterRecords(hdr, data)
			if err != nil {
				return err
			}
			d.cals = append(d.cals, recs...)
			observability.RecordsDecoded.WithLabelValues(driverID, records.TypeCalibration).Add(float64(len(recs)))
		case rtUserSetting:
			recs, err := parseSettingRecords(hdr, data)
			if err != nil {
				return err
			}
			d.settings = append(d.settings, recs...)
			observability.RecordsDecoded.WithLabelValues(driverID, records.TypeSettings).Add(float64(len(recs)))
		}
		done++
		progress(100 * done / total)
		if page == lo {
			return nil
		}
	}
}

func (d *driver) FetchData(ctx context.Context, s *device.Session, progress device.Progress) error {
	// a fetch may be re-run after an integrity failure on the same driver
	// instance; pages decoded by the aborted attempt must not survive it
	d.cbg, d.cals, d.settings = nil, nil, nil
	if err := d.downloadPages(ctx, s, rtEGV, device.SubProgress(progress, 0, 50)); err != nil {
		return err
	}
	if err := d.downloadPages(ctx, s, rtMeter, device.SubProgress(progress, 50, 75)); err != nil {
		return err
	}
	if err := d.downloadPages(ctx, s, rtUserSetting, device.SubProgress(progress, 75, 100)); err != nil {
		return err
	}
	for _, r := range d.cbg {
		s.Records = append(s.Records, r)
	}
	for _, r := range d.cals {
		s.Records = append(s.Records, r)
	}
	progress(100)
	return ctx.Err()
}

// mostRecentDisplayTime is the display time of the newest non-settings
// record, which anchors UTC bootstrapping.
func (d *driver) mostRecentDisplayTime() (time.Time, bool) {
	var (
		best      time.Time
		bestIndex int64 = -1
	)
	for _, r := range d.cbg {
		if r.Index > bestIndex {
			bestIndex, best = r.Index, r.DeviceTime
		}
	}
	for _, r := range d.cals {
		if r.Index > bestIndex {
			bestIndex, best = r.Index, r.DeviceTime
		}
	}
	return best, bestIndex >= 0
}

func (d *driver) ProcessData(ctx context.Context, s *device.Session, progress device.Progress) error {
	newest, ok := d.mostRecentDisplayTime()
	if !ok {
		return &device.DataIntegrityError{Reason: "receiver holds no readings"}
	}
	anchor, err := tzoffset.ApplyZone(s.Timezone, newest)
	if err != nil {
		return &device.TimezoneResolutionError{Err: err}
	}

	changes := timeChangesFromSettings(d.settings)
	tzo, err := tzoffset.New(s.Timezone, anchor, changes)
	if err != nil {
		return &device.TimezoneResolutionError{Err: err}
	}
	s.TZOUtil = tzo
	observability.TimeChanges.Add(float64(len(changes)))

	// the processed clock changes upload alongside the stream they explain
	s.Events = append(s.Events, tzo.ChangeEvents()...)
	progress(10)

	for _, r := range d.cbg {
		draft := s.Builder.MakeCBG().
			WithValue(r.Value).
			WithUnits(r.Units).
			WithTrend(r.Trend).
			WithDeviceTime(r.DeviceTime).
			WithIndex(r.Index).
			WithPayload(map[string]any{"trend": r.Trend})
		for _, ann := range r.Annotations {
			draft.Annotate(ann)
		}
		if err := tzo.FillInUTCInfo(draft, r.DeviceTime); err != nil {
			return &device.TimezoneResolutionError{Err: err}
		}
		ev, err := draft.Done()
		if err != nil {
			return err
		}
		s.Events = append(s.Events, ev)
	}
	progress(70)

	for _, r := range d.cals {
		draft := s.Builder.MakeCalibration().
			WithValue(r.Value).
			WithUnits(r.Units).
			WithDeviceTime(r.DeviceTime).
			WithIndex(r.Index)
		if err := tzo.FillInUTCInfo(draft, r.DeviceTime); err != nil {
			return &device.TimezoneResolutionError{Err: err}
		}
		ev, err := draft.Done()
		if err != nil {
			return err
		}
		s.Events = append(s.Events, ev)
	}
	progress(90)

	for _, set := range d.settings {
		draft := s.Builder.MakeSettings().
			WithDeviceTime(set.displayTime()).
			WithIndex(int64(set.SystemSeconds)).
			WithPayload(map[string]any{
				"transmitterId": set.TransmitterID,
				"highAlarm":     set.HighAlarm,
				"lowAlarm":      set.LowAlarm,
				"riseRate":      set.RiseRate,
				"fallRate":      set.FallRate,
				"alarmProfile":  set.AlarmProfile,
			})
		if err := tzo.FillInUTCInfo(draft, set.displayTime()); err != nil {
			return &device.TimezoneResolutionError{Err: err}
		}
		ev, err := draft.Done()
		if err != nil {
			return err
		}
		s.Events = append(s.Events, ev)
	}
	progress(100)
	return ctx.Err()
}

func (d *driver) Disconnect(ctx context.Context, s *device.Session, progress device.Progress) error {
	progress(100)
	return nil
}

func (d *driver) Cleanup(ctx context.Context, s *device.Session) error {
	return s.Release()
}

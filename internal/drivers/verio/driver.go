package verio

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"diab-uplink/internal/device"
	"diab-uplink/internal/framing"
	"diab-uplink/internal/observability"
	"diab-uplink/internal/records"
	"diab-uplink/internal/tzoffset"
)

const driverID = "onetouchverio"

// meter commands (first payload byte)
const (
	cmdReadSerial  = 0x0B
	cmdReadUnits   = 0x09
	cmdRecordCount = 0x27
	cmdReadRecord  = 0x31
)

// glucose sentinels reported for readings outside the calibrated range
const (
	rawHI = 0xFFFE
	rawLO = 0xFFFF

	clampHI     = 501
	thresholdHI = 500
	clampLO     = 19
	thresholdLO = 20

	controlFlag = 0x8000
)

// records are stamped in seconds since the meter epoch, device-local
var meterEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

func init() {
	device.Register(driverID, func() device.Driver { return &driver{} })
}

type driver struct {
	buf  framing.Buffer
	opts device.ExchangeOpts
}

func (d *driver) Info() device.DriverInfo {
	return device.DriverInfo{
		ID:            driverID,
		Tags:          []string{"bgm"},
		Manufacturers: []string{"LifeScan"},
	}
}

func (d *driver) exchange(ctx context.Context, s *device.Session, payload []byte) (*framing.Frame, error) {
	opts := d.opts
	if opts.Timeout == 0 {
		opts = device.ExchangeOpts{Timeout: 2 * time.Second, Retries: 3}
	}
	opts.OnRetry = func(attempt int, cause error) {
		observability.Retries.WithLabelValues(driverID).Inc()
		s.Logger.Warn("verio: retrying", "attempt", attempt, "cause", cause)
		d.buf.Reset()
		_ = s.Transport.Flush()
	}
	frame, err := device.Exchange(ctx, s.Transport, &d.buf, ExtractFrame, BuildFrame(payload), opts)
	if err != nil {
		return nil, err
	}
	observability.FramesReceived.WithLabelValues(driverID).Inc()
	if len(frame.Payload) == 0 {
		return nil, &device.ProtocolViolationError{Reason: "empty response payload"}
	}
	return frame, nil
}

func (d *driver) Detect(ctx context.Context, s *device.Session) error {
	// the serial read doubles as the probe
	_, err := d.exchange(ctx, s, []byte{cmdReadSerial})
	return err
}

func (d *driver) Connect(ctx context.Context, s *device.Session, progress device.Progress) error {
	if err := d.Detect(ctx, s); err != nil {
		return err
	}
	progress(100)
	return nil
}

func (d *driver) GetConfigInfo(ctx context.Context, s *device.Session, progress device.Progress) error {
	frame, err := d.exchange(ctx, s, []byte{cmdReadSerial})
	if err != nil {
		return err
	}
	s.SerialNumber = strings.TrimRight(string(frame.Payload[1:]), "\x00 ")
	if s.SerialNumber == "" {
		return &device.ProtocolViolationError{Reason: "empty serial number"}
	}

	frame, err = d.exchange(ctx, s, []byte{cmdReadUnits})
	if err != nil {
		return err
	}
	units := strings.TrimRight(string(frame.Payload[1:]), "\x00 ")
	if units != "mg/dL" && units != "mmol/L" {
		return &device.ProtocolViolationError{Reason: fmt.Sprintf("unknown unit %q", units)}
	}

	s.Model = "OneTouch Verio"
	s.DeviceID = "OneTouchVerio-" + s.SerialNumber
	s.Builder.SetDefaults(s.DeviceID)
	s.Logger.Info("verio: config read", "serial", s.SerialNumber, "units", units)
	progress(100)
	return nil
}

func (d *driver) FetchData(ctx context.Context, s *device.Session, progress device.Progress) error {
	start := time.Now()
	defer func() {
		observability.FetchDuration.WithLabelValues(driverID).Observe(time.Since(start).Seconds())
	}()

	frame, err := d.exchange(ctx, s, []byte{cmdRecordCount})
	if err != nil {
		return err
	}
	if len(frame.Payload) < 3 {
		return &device.ProtocolViolationError{Reason: "short record count response"}
	}
	count := int(binary.LittleEndian.Uint16(frame.Payload[1:3]))
	s.Logger.Info("verio: record store", "count", count)

	seen := make(map[int64]bool, count)
	for i := 0; i < count; i++ {
		req := []byte{cmdReadRecord, 0, 0}
		binary.LittleEndian.PutUint16(req[1:], uint16(i))
		frame, err = d.exchange(ctx, s, req)
		if err != nil {
			return err
		}
		rec, err := decodeRecord(frame.Payload)
		if err != nil {
			return err
		}
		idx, _ := rec.Idx()
		if seen[idx] {
			// the meter resends the last record on some firmware; skip
			continue
		}
		if idx != int64(i) {
			return &device.DataIntegrityError{
				Reason: fmt.Sprintf("record index gap: requested %d, got %d", i, idx),
			}
		}
		seen[idx] = true
		s.Records = append(s.Records, rec)
		observability.RecordsDecoded.WithLabelValues(driverID, rec.Kind()).Inc()
		progress(100 * (i + 1) / count)
	}
	progress(100)
	return nil
}

// decodeRecord unpacks one stored reading:
//
//	byte 0     command echo
//	bytes 1-2  record index (LE)
//	bytes 3-6  seconds since meter epoch (LE)
//	bytes 7-8  glucose mg/dL, or a HI/LO sentinel; bit 15 marks control
//	           solution when no sentinel applies
func decodeRecord(payload []byte) (records.Record, error) {
	defer observability.ObserveParseLatency(time.Now())
	if len(payload) < 9 {
		return nil, &device.ProtocolViolationError{Reason: "short record payload"}
	}
	index := int64(binary.LittleEndian.Uint16(payload[1:3]))
	secs := binary.LittleEndian.Uint32(payload[3:7])
	raw := binary.LittleEndian.Uint16(payload[7:9])

	rec := records.SMBG{
		Base: records.Base{
			DeviceTime: meterEpoch.Add(time.Duration(secs) * time.Second),
			Index:      index,
			HasIndex:   true,
		},
		Units: "mg/dL",
	}
	switch raw {
	case rawHI:
		rec.Value = clampHI
		rec.Annotations = append(rec.Annotations, records.OutOfRangeHigh(thresholdHI))
	case rawLO:
		rec.Value = clampLO
		rec.Annotations = append(rec.Annotations, records.OutOfRangeLow(thresholdLO))
	default:
		rec.Control = raw&controlFlag != 0
		rec.Value = int(raw &^ controlFlag)
	}
	return rec, nil
}

func (d *driver) ProcessData(ctx context.Context, s *device.Session, progress device.Progress) error {
	// meters keep no time-change history: across-the-board timezone
	tzo, err := tzoffset.New(s.Timezone, time.Now().UTC(), nil)
	if err != nil {
		return &device.TimezoneResolutionError{Err: err}
	}
	s.TZOUtil = tzo

	for i, rec := range s.Records {
		smbg, ok := rec.(records.SMBG)
		if !ok {
			continue
		}
		if smbg.Control {
			s.Logger.Info("verio: discarding control-solution test", "index", smbg.Index)
			continue
		}
		draft := s.Builder.MakeSMBG().
			WithValue(smbg.Value).
			WithUnits(smbg.Units).
			WithDeviceTime(smbg.DeviceTime).
			WithIndex(smbg.Index)
		for _, ann := range smbg.Annotations {
			draft.Annotate(ann)
		}
		if err := tzo.FillInUTCInfo(draft, smbg.DeviceTime); err != nil {
			return &device.TimezoneResolutionError{Err: err}
		}
		ev, err := draft.Done()
		if err != nil {
			return err
		}
		s.Events = append(s.Events, ev)
		progress(100 * (i + 1) / len(s.Records))
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

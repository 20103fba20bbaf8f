// Package contour drives Bayer Contour meters over their ASTM-style serial
// protocol. The meter pushes its whole record store as one multi-frame
// message: a header with model, serial and record count, a patient line,
// result records and an EOT. The host only ever acknowledges.
package contour

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"diab-uplink/internal/device"
	"diab-uplink/internal/framing"
	"diab-uplink/internal/observability"
	"diab-uplink/internal/records"
	"diab-uplink/internal/tzoffset"
)

const driverID = "bayercontour"

// The header does not report the meter's measurement range, so these come
// from the Contour third-party interface documentation.
const (
	thresholdLO = 10
	thresholdHI = 600
)

const frameTimeout = 5 * time.Second

func init() {
	device.Register(driverID, func() device.Driver { return &driver{} })
}

type driver struct {
	buf      framing.Buffer
	declared int
	lines    []string
}

func (d *driver) Info() device.DriverInfo {
	return device.DriverInfo{
		ID:            driverID,
		Tags:          []string{"bgm"},
		Manufacturers: []string{"Bayer"},
	}
}

func (d *driver) Detect(ctx context.Context, s *device.Session) error {
	return nil
}

func (d *driver) Connect(ctx context.Context, s *device.Session, progress device.Progress) error {
	progress(100)
	return nil
}

// transfer acknowledges its way through the meter's message: every text
// frame is answered with ACK, EOT ends the transfer. An ENQ just means the
// meter is still opening the session and is acknowledged the same way.
func (d *driver) transfer(ctx context.Context, s *device.Session) ([]string, error) {
	opts := device.ExchangeOpts{
		Timeout: frameTimeout,
		Retries: 2,
		OnRetry: func(attempt int, cause error) {
			observability.Retries.WithLabelValues(driverID).Inc()
			d.buf.Reset()
			_ = s.Transport.Flush()
			_ = s.Transport.Write(ctx, []byte{nak})
		},
	}
	var lines []string
	for {
		frame, err := device.Exchange(ctx, s.Transport, &d.buf, ExtractFrame, []byte{ack}, opts)
		if err != nil {
			return nil, err
		}
		observability.FramesReceived.WithLabelValues(driverID).Inc()
		switch frame.Command {
		case eot:
			return lines, nil
		case enq:
			continue
		case etb, etx:
			// strip the terminator, keep the frame number
			lines = append(lines, string(frame.Payload[:len(frame.Payload)-1]))
		default:
			return nil, &device.ProtocolViolationError{
				Code:   int(frame.Command),
				Reason: "unexpected control byte during transfer",
			}
		}
	}
}

func (d *driver) GetConfigInfo(ctx context.Context, s *device.Session, progress device.Progress) error {
	lines, err := d.transfer(ctx, s)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		return &device.ProtocolViolationError{Reason: "empty transfer"}
	}

	header := lines[0]
	if len(header) < 2 || header[1] != 'H' {
		return &device.ProtocolViolationError{Reason: "transfer does not start with a header record"}
	}
	fields := strings.Split(header, "|")
	if len(fields) < 7 {
		return &device.ProtocolViolationError{Reason: "short header record"}
	}
	ident := strings.Split(fields[4], "^")
	if len(ident) < 3 {
		return &device.ProtocolViolationError{Reason: "malformed device identification field"}
	}
	declared, err := strconv.Atoi(fields[6])
	if err != nil {
		return &device.ProtocolViolationError{Reason: "unreadable record count in header"}
	}

	d.declared = declared
	d.lines = lines[1:]
	s.Model = ident[0]
	s.SerialNumber = ident[2]
	s.DeviceID = s.Model + "-" + s.SerialNumber
	s.Builder.SetDefaults(s.DeviceID)

	s.Logger.Info("contour: header parsed",
		"model", s.Model, "serial", s.SerialNumber, "declared", declared)
	progress(100)
	return nil
}

// resultPattern matches one R record: sequence number, glucose value, units,
// out-of-range markers, test markers and a 12-digit device timestamp.
var resultPattern = regexp.MustCompile(
	`R\|(\d+)\|\^\^\^Glucose\|(\d+)\|(\w+/\w+)\^\w*\|\|(>|<|T|>\\T|<\\T|)\|(\w*)\|\|\|\|(\d{12})$`)

func (d *driver) FetchData(ctx context.Context, s *device.Session, progress device.Progress) error {
	var results []string
	for _, line := range d.lines {
		if len(line) >= 2 && line[1] == 'R' {
			results = append(results, line)
		}
	}
	if len(results) > 0 {
		// the first result record is the meter's running average
		results = results[1:]
	}
	if len(results) != d.declared {
		return &device.DataIntegrityError{Reason: fmt.Sprintf(
			"header declares %d records, transfer carried %d", d.declared, len(results))}
	}

	for i, line := range results {
		rec, err := decodeResult(line)
		if err != nil {
			return err
		}
		s.Records = append(s.Records, rec)
		observability.RecordsDecoded.WithLabelValues(driverID, rec.Kind()).Inc()
		progress(100 * (i + 1) / len(results))
	}
	progress(100)
	return ctx.Err()
}

func decodeResult(line string) (records.SMBG, error) {
	m := resultPattern.FindStringSubmatch(line)
	if m == nil {
		return records.SMBG{}, &device.ProtocolViolationError{
			Reason: fmt.Sprintf("unparseable result record %q", line),
		}
	}
	seq, _ := strconv.ParseInt(m[1], 10, 64)
	glucose, _ := strconv.Atoi(m[2])
	when, err := time.Parse("200601021504", m[6])
	if err != nil {
		return records.SMBG{}, &device.ProtocolViolationError{
			Reason: fmt.Sprintf("bad timestamp in result record %q", m[6]),
		}
	}

	rec := records.SMBG{
		Base:    records.Base{DeviceTime: when, Index: seq, HasIndex: true},
		Value:   glucose,
		Units:   m[3],
		Control: strings.Contains(m[5], "E"),
	}
	switch {
	case strings.Contains(m[4], ">"):
		rec.Annotations = append(rec.Annotations, records.OutOfRangeHigh(thresholdHI))
	case strings.Contains(m[4], "<"):
		rec.Annotations = append(rec.Annotations, records.OutOfRangeLow(thresholdLO))
	}
	return rec, nil
}

func (d *driver) ProcessData(ctx context.Context, s *device.Session, progress device.Progress) error {
	// no time-change history on the meter: across-the-board timezone
	tzo, err := tzoffset.New(s.Timezone, time.Now().UTC(), nil)
	if err != nil {
		return &device.TimezoneResolutionError{Err: err}
	}
	s.TZOUtil = tzo

	seen := make(map[string]int)
	for i, rec := range s.Records {
		smbg, ok := rec.(records.SMBG)
		if !ok {
			continue
		}
		if smbg.Control {
			s.Logger.Info("contour: discarding control-solution test", "index", smbg.Index)
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
		key := ev.Time.Format(time.RFC3339) + "|" + ev.DeviceID
		if prev, dup := seen[key]; dup {
			s.Logger.Warn("contour: duplicate reading",
				"key", key, "first", prev, "second", i)
		} else {
			seen[key] = i
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

// Package pipeline runs one device upload session end to end: probe,
// connect, read configuration, fetch the history logs, resolve timestamps,
// archive and upload. It owns the progress milestones and the one permitted
// reconnect after a data integrity failure.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"diab-uplink/internal/archive"
	"diab-uplink/internal/device"
	"diab-uplink/internal/observability"
	"diab-uplink/internal/store"
	"diab-uplink/internal/upload"
)

// maxDailyProbes bounds how many detection probes one driver family may
// send per day, so a port that never answers is not hammered forever.
const maxDailyProbes = 100

// Progress milestones, as fractions of the session bar.
const (
	msConnect    = 10
	msConfig     = 25
	msFetch      = 70
	msProcess    = 85
	msUpload     = 95
	msDisconnect = 100
)

// Options wire the session surroundings. Archive and Store may be nil.
type Options struct {
	Sink       upload.Sink
	Archive    *archive.Archive
	Store      *store.Store
	Version    string
	OnProgress device.Progress
}

// Runner executes sessions for one driver family.
type Runner struct {
	drv    device.Driver
	opts   Options
	logger *slog.Logger
}

func New(driverID string, opts Options, logger *slog.Logger) (*Runner, error) {
	drv, err := device.New(driverID)
	if err != nil {
		return nil, err
	}
	return &Runner{
		drv:    drv,
		opts:   opts,
		logger: logger.With("component", "pipeline", "driver", driverID),
	}, nil
}

// Run drives the session to completion and returns the uploaded batch.
// Cancellation releases the transport immediately; partial results stay on
// the session for diagnostics.
func (r *Runner) Run(ctx context.Context, s *device.Session) (upload.Batch, error) {
	p := device.NewProgress(r.opts.OnProgress)
	p(0)
	defer func() { _ = r.drv.Cleanup(context.Background(), s) }()

	abort := func(step string, err error) (upload.Batch, error) {
		observability.SessionsAborted.Inc()
		_ = s.Release()
		r.logger.Error("session failed", "step", step, "err", err)
		return upload.Batch{}, &device.StepError{Step: step, Err: err}
	}

	if err := r.detect(ctx, s); err != nil {
		return abort("detect", err)
	}

	if err := r.acquire(ctx, s, p, true); err != nil {
		var stepErr *device.StepError
		if errors.As(err, &stepErr) {
			return abort(stepErr.Step, stepErr.Err)
		}
		return abort("acquire", err)
	}

	if err := ctx.Err(); err != nil {
		return abort("process", err)
	}
	if err := r.drv.ProcessData(ctx, s, device.SubProgress(p, msFetch, msProcess)); err != nil {
		return abort("process", err)
	}
	p(msProcess)

	batch, err := r.uploadBatch(ctx, s)
	if err != nil {
		return abort("upload", err)
	}
	p(msUpload)

	if err := r.drv.Disconnect(ctx, s, device.SubProgress(p, msUpload, msDisconnect)); err != nil {
		r.logger.Warn("disconnect failed after successful upload", "err", err)
	}
	p(msDisconnect)
	return batch, nil
}

// acquire runs connect, config read and fetch. A DataIntegrityError gets
// exactly one full reconnect-and-retry; the second failure is terminal.
func (r *Runner) acquire(ctx context.Context, s *device.Session, p device.Progress, retry bool) error {
	if err := ctx.Err(); err != nil {
		return &device.StepError{Step: "connect", Err: err}
	}
	if err := r.drv.Connect(ctx, s, device.SubProgress(p, 0, msConnect)); err != nil {
		return &device.StepError{Step: "connect", Err: err}
	}
	p(msConnect)

	step := "config"
	err := r.drv.GetConfigInfo(ctx, s, device.SubProgress(p, msConnect, msConfig))
	if err == nil {
		p(msConfig)
		r.rememberDevice(ctx, s)
		step = "fetch"
		err = r.drv.FetchData(ctx, s, device.SubProgress(p, msConfig, msFetch))
	}
	if err == nil {
		p(msFetch)
		return nil
	}

	var integrity *device.DataIntegrityError
	if retry && errors.As(err, &integrity) {
		r.logger.Warn("data integrity failure, reconnecting once", "step", step, "err", err)
		s.Records = nil
		s.Schedules = nil
		s.TimeChanges = nil
		_ = s.Transport.Flush()
		return r.acquire(ctx, s, p, false)
	}
	return &device.StepError{Step: step, Err: err}
}

// detect sends one cheap probe before the full connect sequence. The probe
// counter lives in the store; a disabled store reports zero probes and the
// budget never trips.
func (r *Runner) detect(ctx context.Context, s *device.Session) error {
	if n := r.opts.Store.ProbesToday(ctx, s.DriverID); n >= maxDailyProbes {
		return fmt.Errorf("driver %s exhausted its %d daily detection probes", s.DriverID, maxDailyProbes)
	}
	r.opts.Store.IncProbe(ctx, s.DriverID)
	return r.drv.Detect(ctx, s)
}

func (r *Runner) rememberDevice(ctx context.Context, s *device.Session) {
	if prev, ok := r.opts.Store.LastSeen(ctx, s.DeviceID); ok {
		r.logger.Info("device seen before", "deviceId", s.DeviceID,
			"lastSession", prev.LastSeen, "lastFirmware", prev.Firmware)
	}
	r.opts.Store.RememberDevice(ctx, store.Snapshot{
		DeviceID:     s.DeviceID,
		Driver:       s.DriverID,
		Model:        s.Model,
		SerialNumber: s.SerialNumber,
		Firmware:     s.Firmware,
		LastSeen:     time.Now().UTC(),
	})
}

// uploadBatch archives first, then hands the batch to the sink. The archive
// write happening first keeps the decoded events inspectable when the sink
// rejects the session.
func (r *Runner) uploadBatch(ctx context.Context, s *device.Session) (upload.Batch, error) {
	info := upload.NewSessionInfo(s, r.drv.Info(), r.opts.Version)
	batch := upload.NewBatch(info, s.Events)

	if err := r.opts.Archive.WriteBatch(ctx, info.ID, batch.Events); err != nil {
		return upload.Batch{}, err
	}
	if err := r.opts.Sink.Upload(ctx, batch); err != nil {
		observability.UploadBatches.WithLabelValues("error").Inc()
		return upload.Batch{}, &device.UploadError{
			DeviceID:    s.DeviceID,
			Step:        "upload",
			RecordCount: len(batch.Events),
			Err:         err,
		}
	}
	observability.UploadBatches.WithLabelValues("ok").Inc()
	r.logger.Info("session uploaded", "sessionId", info.ID, "events", len(batch.Events))
	return batch, nil
}

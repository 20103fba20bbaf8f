// Package upload assembles finished device sessions into batches and hands
// them to a sink. Sinks are interchangeable: a gRPC ingest service, an
// NDJSON socket, or a recording fake in tests.
package upload

import (
	"context"
	"time"

	"github.com/google/uuid"

	"diab-uplink/internal/device"
	"diab-uplink/internal/records"
)

// SessionInfo is the metadata envelope for one upload session.
type SessionInfo struct {
	ID             string    `json:"uploadId"`
	DeviceTags     []string  `json:"deviceTags"`
	Manufacturers  []string  `json:"deviceManufacturers"`
	Model          string    `json:"deviceModel"`
	SerialNumber   string    `json:"deviceSerialNumber"`
	DeviceID       string    `json:"deviceId"`
	StartTime      time.Time `json:"computerTime"`
	TimeProcessing string    `json:"timeProcessing"`
	Timezone       string    `json:"timezone"`
	Version        string    `json:"version"`
}

// NewSessionInfo derives the envelope from a completed session. Call after
// ProcessData so the time-processing mode is known.
func NewSessionInfo(s *device.Session, info device.DriverInfo, version string) SessionInfo {
	si := SessionInfo{
		ID:            uuid.NewString(),
		DeviceTags:    info.Tags,
		Manufacturers: info.Manufacturers,
		Model:         s.Model,
		SerialNumber:  s.SerialNumber,
		DeviceID:      s.DeviceID,
		StartTime:     time.Now().UTC(),
		Timezone:      s.Timezone,
		Version:       version,
	}
	if s.TZOUtil != nil {
		si.TimeProcessing = s.TZOUtil.Type
		si.Timezone = s.TZOUtil.TimezoneName()
	}
	return si
}

// Batch is one session's worth of canonical events plus its envelope.
type Batch struct {
	Session SessionInfo              `json:"session"`
	Events  []records.CanonicalEvent `json:"events"`
}

// NewBatch pairs the envelope with the events. The per-device record index
// is an ordering key, not a platform field: it is stripped here so two
// uploads of the same data are byte-identical regardless of log position.
func NewBatch(info SessionInfo, events []records.CanonicalEvent) Batch {
	out := make([]records.CanonicalEvent, len(events))
	copy(out, events)
	for i := range out {
		if out[i].HasIndex {
			out[i].Index = 0
			out[i].HasIndex = false
		}
	}
	return Batch{Session: info, Events: out}
}

// Sink delivers one batch. Implementations own their connection lifecycle.
type Sink interface {
	Upload(ctx context.Context, b Batch) error
	Close() error
}

package device

import (
	"errors"
	"fmt"
)

// Retryable conditions are absorbed inside the framer / protocol state
// machine; only the terminal errors below cross component boundaries, each
// wrapped in a StepError naming the pipeline step.

// ErrTimeout is one bounded wait expiring. Retryable until the per-device
// retry bound is exhausted.
var ErrTimeout = errors.New("device: response timeout")

// FramingError is a checksum/CRC mismatch or malformed header. Retryable at
// the protocol layer.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string { return "device: framing error: " + e.Reason }

// CommunicationError is the terminal form of exhausted retries.
type CommunicationError struct {
	Attempts int
	Last     error
}

func (e *CommunicationError) Error() string {
	return fmt.Sprintf("device: communication failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *CommunicationError) Unwrap() error { return e.Last }

// ProtocolViolationError is an unexpected response type or a device-reported
// error code. Fatal, surfaced immediately.
type ProtocolViolationError struct {
	Code   int
	Reason string
}

func (e *ProtocolViolationError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("device: protocol violation (code %d): %s", e.Code, e.Reason)
	}
	return "device: protocol violation: " + e.Reason
}

// DataIntegrityError is a record-count mismatch, a gap in the record index
// sequence, or an unresolvable duplicate. The orchestrator answers it with
// exactly one full reconnect-and-retry.
type DataIntegrityError struct {
	Reason string
}

func (e *DataIntegrityError) Error() string { return "device: data integrity: " + e.Reason }

// TimezoneResolutionError is fatal: timestamps must never silently default
// to UTC.
type TimezoneResolutionError struct {
	Err error
}

func (e *TimezoneResolutionError) Error() string {
	return "device: timezone resolution failed: " + e.Err.Error()
}

func (e *TimezoneResolutionError) Unwrap() error { return e.Err }

// UploadError passes a sink failure through unchanged, tagged with the
// session context.
type UploadError struct {
	DeviceID    string
	Step        string
	RecordCount int
	Err         error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("device: upload failed (device=%s step=%s records=%d): %v",
		e.DeviceID, e.Step, e.RecordCount, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// StepError annotates a terminal failure with the pipeline step at which it
// occurred, for user-facing diagnostics.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("device: step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

package device

import (
	"context"
	"errors"
	"time"

	"diab-uplink/internal/framing"
	"diab-uplink/internal/transport"
)

// ExchangeOpts bounds one request/response exchange. Every wait is limited
// by Timeout; the whole exchange retries up to Retries times before the
// failure turns terminal.
type ExchangeOpts struct {
	Timeout time.Duration
	Retries int
	// OnRetry runs before each resend, e.g. to NAK or flush the line.
	OnRetry func(attempt int, cause error)
}

// Exchange writes cmd and reads until the extractor produces a valid frame.
// Commands are strictly request-then-response: no new command is issued
// until the previous one resolves. Retryable conditions (timeout, one bad
// checksum) are contained here; exhaustion returns a CommunicationError.
func Exchange(ctx context.Context, t transport.Transport, buf *framing.Buffer,
	extract framing.Extractor, cmd []byte, opts ExchangeOpts) (*framing.Frame, error) {

	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}
	var last error
	for attempt := 0; attempt <= opts.Retries; attempt++ {
		if attempt > 0 && opts.OnRetry != nil {
			opts.OnRetry(attempt, last)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := t.Write(ctx, cmd); err != nil {
			return nil, err
		}
		frame, err := awaitFrame(ctx, t, buf, extract, opts.Timeout)
		if err == nil {
			return frame, nil
		}
		if !retryable(err) {
			return nil, err
		}
		last = err
	}
	return nil, &CommunicationError{Attempts: opts.Retries + 1, Last: last}
}

// AwaitFrame reads without sending, for devices that push data unprompted.
func AwaitFrame(ctx context.Context, t transport.Transport, buf *framing.Buffer,
	extract framing.Extractor, timeout time.Duration) (*framing.Frame, error) {
	return awaitFrame(ctx, t, buf, extract, timeout)
}

func awaitFrame(ctx context.Context, t transport.Transport, buf *framing.Buffer,
	extract framing.Extractor, timeout time.Duration) (*framing.Frame, error) {

	deadline := time.Now().Add(timeout)
	for {
		// drain frames already sitting in the buffer
		for {
			res := extract(buf.Bytes())
			if res.Consumed == 0 && res.Frame == nil {
				break
			}
			if res.Consumed > 0 {
				buf.Discard(res.Consumed)
			}
			if res.Frame != nil {
				if !res.Frame.Valid {
					return nil, &FramingError{Reason: "checksum mismatch"}
				}
				return res.Frame, nil
			}
			if res.Consumed == 0 {
				break
			}
		}
		if time.Now().After(deadline) {
			return nil, ErrTimeout
		}
		readCtx, cancel := context.WithDeadline(ctx, deadline)
		chunk, err := t.Read(readCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, ErrTimeout
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		buf.Append(chunk)
	}
}

func retryable(err error) bool {
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var fe *FramingError
	return errors.As(err, &fe)
}

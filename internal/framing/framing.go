// Package framing holds the shared pieces of the per-device byte-stream
// framers: the append-only receive buffer the transport feeds and the
// extracted frame type. The actual frame boundaries, checksums and escape
// rules are protocol specific and live in the driver packages.
package framing

// Frame is one logical packet extracted from the stream.
type Frame struct {
	Bytes    []byte // full frame including delimiters, after de-escaping
	Payload  []byte
	Command  byte
	Declared int    // declared length from the frame header, if any
	CRC      uint16
	Valid    bool
}

// Buffer is an append-only receive buffer. Extractors scan from the head and
// discard what they consumed; a partial frame consumes nothing, so feeding
// one byte at a time behaves identically to feeding the whole frame at once.
type Buffer struct {
	data []byte
}

func (b *Buffer) Append(p []byte) {
	b.data = append(b.data, p...)
}

func (b *Buffer) Len() int { return len(b.data) }

// Bytes exposes the buffered data without copying. Callers must not hold the
// slice across Append/Discard.
func (b *Buffer) Bytes() []byte { return b.data }

func (b *Buffer) Get(i int) byte { return b.data[i] }

// Discard drops n bytes from the head.
func (b *Buffer) Discard(n int) {
	if n >= len(b.data) {
		b.data = b.data[:0]
		return
	}
	b.data = b.data[n:]
}

// Reset empties the buffer. Used when a protocol requires flushing the whole
// input queue to resynchronize after a bad frame.
func (b *Buffer) Reset() { b.data = b.data[:0] }

// Result is the outcome of one extraction attempt. Consumed is the byte
// count to drop from the buffer head, including any leading garbage; a nil
// Frame with Consumed == 0 means not enough data yet.
type Result struct {
	Consumed int
	Frame    *Frame
}

// Extractor is a protocol-specific framing function. It must be side-effect
// free: calling it repeatedly on the same incomplete buffer returns the same
// "not enough data" result.
type Extractor func(buf []byte) Result

// Feed appends p and runs the extractor until it stops producing, returning
// the completed frames (valid and invalid both; the caller decides whether
// an invalid frame is a NAK condition).
func (b *Buffer) Feed(p []byte, extract Extractor) []*Frame {
	b.Append(p)
	var frames []*Frame
	for {
		res := extract(b.data)
		if res.Consumed == 0 && res.Frame == nil {
			return frames
		}
		if res.Consumed > 0 {
			b.Discard(res.Consumed)
		}
		if res.Frame != nil {
			frames = append(frames, res.Frame)
		}
		if res.Consumed == 0 {
			// a frame without consumed bytes would never leave the buffer
			return frames
		}
	}
}

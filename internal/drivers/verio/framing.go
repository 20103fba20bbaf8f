// Package verio implements the OneTouch Verio family of fingerstick meters:
// a serial link framed STX / length / payload / CRC-16 / ETX, with an
// indexed record store read one record per exchange.
package verio

import (
	"encoding/binary"

	"diab-uplink/internal/crc"
	"diab-uplink/internal/framing"
)

const (
	stx = 0x02
	etx = 0x03

	// frame = STX + declared(len byte + payload) + CRC16(lo,hi) + ETX
	overhead = 4
	// a frame always carries at least a one-byte payload
	minFrame = 1 + 2 + 2 + 1
)

// ExtractFrame scans buf for one Verio frame. The declared length byte
// covers itself plus the payload; the CRC (CCITT-FALSE, little-endian) is
// computed over exactly those declared bytes.
func ExtractFrame(buf []byte) framing.Result {
	// discard leading bytes that cannot start a frame
	start := 0
	for start < len(buf) && buf[start] != stx {
		start++
	}
	if start > 0 {
		return framing.Result{Consumed: start}
	}
	if len(buf) < minFrame {
		return framing.Result{}
	}

	declared := int(buf[1])
	if declared < 2 {
		// length cannot even cover itself and a payload byte; this STX was
		// line noise
		return framing.Result{Consumed: 1}
	}
	total := declared + overhead // STX + declared bytes + CRC + ETX
	if total > len(buf) {
		return framing.Result{} // not enough data yet
	}

	frame := &framing.Frame{
		Bytes:    buf[:total:total],
		Declared: declared,
		Payload:  buf[2 : 1+declared],
	}
	frame.CRC = binary.LittleEndian.Uint16(buf[1+declared : 3+declared])
	computed := crc.CRC16CCITT(buf[1 : 1+declared])
	if computed != frame.CRC || buf[total-1] != etx {
		// caller discards the bytes and treats this as a NAK condition
		return framing.Result{Consumed: total, Frame: frame}
	}
	frame.Valid = true
	if len(frame.Payload) > 0 {
		frame.Command = frame.Payload[0]
	}
	return framing.Result{Consumed: total, Frame: frame}
}

// BuildFrame wraps payload in the wire framing.
func BuildFrame(payload []byte) []byte {
	declared := len(payload) + 1
	out := make([]byte, 0, declared+overhead)
	out = append(out, stx, byte(declared))
	out = append(out, payload...)
	sum := crc.CRC16CCITT(out[1:])
	out = append(out, byte(sum&0xFF), byte(sum>>8))
	out = append(out, etx)
	return out
}

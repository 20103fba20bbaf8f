package animas

import (
	"diab-uplink/internal/crc"
	"diab-uplink/internal/framing"
)

// Wire format:
//
//	BOM | address | control | payload... | CS1 CS2 | EOM
//
// The two check bytes cover address, control and payload. Payload and check
// bytes are byte-stuffed: BOM, EOM and the escape byte itself appear as
// 0x7D followed by the byte XOR 0x20.
const (
	bom     = 0xC0
	eom     = 0xC1
	escByte = 0x7D
	escXor  = 0x20

	// a packet with an empty payload: BOM, address, control, CS1, CS2, EOM
	minPacket = 6
)

const (
	ackMask  = 0x11
	errorTag = 0x45
)

// ExtractFrame scans for a BOM-delimited packet. Frame.Bytes holds the
// de-escaped packet; Command is the control byte. Payload is set for data
// packets only; use IsAck / ErrorCode to classify the others.
func ExtractFrame(buf []byte) framing.Result {
	skip := 0
	for skip < len(buf) && buf[skip] != bom {
		skip++
	}
	if skip > 0 {
		return framing.Result{Consumed: skip}
	}
	if len(buf) == 0 {
		return framing.Result{}
	}

	// the terminator is never escaped, so the first raw EOM ends the packet
	end := -1
	for i := 1; i < len(buf); i++ {
		if buf[i] == eom {
			end = i
			break
		}
	}
	if end < 0 {
		return framing.Result{}
	}
	raw := buf[:end+1]

	packet := unescape(raw)
	if len(packet) < minPacket {
		return framing.Result{Consumed: len(raw), Frame: &framing.Frame{Bytes: packet}}
	}

	frame := &framing.Frame{
		Bytes:   packet,
		Command: packet[2],
	}
	want := crc.CheckBytes(packet[1 : len(packet)-3])
	frame.CRC = uint16(want[0]) | uint16(want[1])<<8
	if packet[len(packet)-3] != want[0] || packet[len(packet)-2] != want[1] {
		return framing.Result{Consumed: len(raw), Frame: frame}
	}
	frame.Valid = true
	if !IsAck(frame) {
		frame.Payload = packet[3 : len(packet)-3]
	}
	return framing.Result{Consumed: len(raw), Frame: frame}
}

// IsAck reports whether the frame is a Receive Ready/ACK packet.
func IsAck(f *framing.Frame) bool {
	return len(f.Bytes) == minPacket && f.Command&ackMask != 0
}

// ReceivedCounter extracts the sender's 3-bit receive counter from an ACK.
func ReceivedCounter(f *framing.Frame) uint8 {
	return f.Command >> 5
}

// ErrorCode reports a pump-side error packet and its code.
func ErrorCode(f *framing.Frame) (byte, bool) {
	if len(f.Payload) >= 3 && f.Payload[0] == errorTag && f.Payload[1] == 0x00 {
		return f.Payload[2], true
	}
	return 0, false
}

func unescape(raw []byte) []byte {
	out := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		if raw[i] == escByte && i+1 < len(raw) {
			out = append(out, raw[i+1]^escXor)
			i++
			continue
		}
		out = append(out, raw[i])
	}
	return out
}

func escapeInto(dst []byte, src []byte) []byte {
	for _, b := range src {
		if b == bom || b == eom || b == escByte {
			dst = append(dst, escByte, b^escXor)
			continue
		}
		dst = append(dst, b)
	}
	return dst
}

// BuildPacket assembles one outbound packet. The check bytes are computed
// over the unescaped address, control and payload bytes.
func BuildPacket(address, control byte, payload []byte) []byte {
	acp := make([]byte, 0, len(payload)+2)
	acp = append(acp, address, control)
	acp = append(acp, payload...)
	check := crc.CheckBytes(acp)

	out := make([]byte, 0, len(payload)+minPacket+4)
	out = append(out, bom, address, control)
	out = escapeInto(out, payload)
	out = escapeInto(out, check[:])
	return append(out, eom)
}

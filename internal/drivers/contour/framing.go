package contour

import (
	"bytes"
	"encoding/hex"

	"diab-uplink/internal/crc"
	"diab-uplink/internal/framing"
)

// ASTM control bytes. The meter talks in single control bytes (ENQ/ACK/EOT)
// and in STX-delimited text frames terminated by ETB or ETX, a two-digit
// hex checksum, CR and LF.
const (
	stx = 0x02
	etx = 0x03
	eot = 0x04
	enq = 0x05
	ack = 0x06
	cr  = 0x0D
	lf  = 0x0A
	nak = 0x15
	etb = 0x17
)

// trailerLen covers checksum hi, checksum lo, CR, LF.
const trailerLen = 4

// minFrame is STX, frame number, terminator plus the trailer.
const minFrame = 3 + trailerLen

func isControl(b byte) bool {
	return b == eot || b == enq || b == ack || b == nak
}

// ExtractFrame scans the buffer head for either a one-byte control frame or
// a complete STX..LF text frame. The checksum is the mod-256 byte sum from
// the frame number through the ETB/ETX terminator, rendered as two uppercase
// hex digits. Leading bytes that can start neither kind of frame are garbage
// and get discarded.
func ExtractFrame(buf []byte) framing.Result {
	if len(buf) == 0 {
		return framing.Result{}
	}

	if isControl(buf[0]) {
		return framing.Result{Consumed: 1, Frame: &framing.Frame{
			Bytes:   buf[:1:1],
			Command: buf[0],
			Valid:   true,
		}}
	}

	if buf[0] != stx {
		start := 0
		for start < len(buf) && buf[start] != stx && !isControl(buf[start]) {
			start++
		}
		return framing.Result{Consumed: start}
	}

	end := bytes.IndexByte(buf, lf)
	if end < 0 {
		return framing.Result{}
	}
	total := end + 1
	frame := buf[:total:total]
	if total < minFrame || frame[total-2] != cr {
		return framing.Result{Consumed: total, Frame: &framing.Frame{Bytes: frame}}
	}

	// payload runs from the frame number through ETB/ETX
	payload := frame[1 : total-trailerLen]
	term := payload[len(payload)-1]
	if term != etb && term != etx {
		return framing.Result{Consumed: total, Frame: &framing.Frame{Bytes: frame}}
	}

	var check [1]byte
	_, err := hex.Decode(check[:], bytes.ToLower(frame[total-trailerLen:total-2]))
	sum := crc.ASCIISum(frame[:total-trailerLen])
	valid := err == nil && sum == check[0]

	return framing.Result{Consumed: total, Frame: &framing.Frame{
		Bytes:   frame,
		Payload: payload,
		Command: term,
		CRC:     uint16(check[0]),
		Valid:   valid,
	}}
}

const hexDigits = "0123456789ABCDEF"

// BuildFrame assembles an outbound text frame; the meter itself is the only
// real sender, so this mostly serves the scripted tests.
func BuildFrame(seq byte, text string, terminator byte) []byte {
	frame := make([]byte, 0, len(text)+minFrame)
	frame = append(frame, stx, '0'+seq)
	frame = append(frame, text...)
	frame = append(frame, terminator)
	sum := crc.ASCIISum(frame)
	frame = append(frame, hexDigits[sum>>4], hexDigits[sum&0xF], cr, lf)
	return frame
}

package dexcom

import (
	"encoding/binary"

	"diab-uplink/internal/crc"
	"diab-uplink/internal/framing"
)

// Every receiver packet is SYNC, a little-endian u16 total length, the
// command byte, the payload and a little-endian CRC-16/XMODEM over
// everything before it.
const (
	syncByte  = 0x01
	minPacket = 6
)

// ExtractFrame scans the buffer head for one complete packet. Bytes before
// the sync byte are garbage and get discarded; an impossible declared length
// drops the sync byte so the scan can resynchronize.
func ExtractFrame(buf []byte) framing.Result {
	if len(buf) == 0 {
		return framing.Result{}
	}
	if buf[0] != syncByte {
		start := 0
		for start < len(buf) && buf[start] != syncByte {
			start++
		}
		return framing.Result{Consumed: start}
	}
	if len(buf) < 3 {
		return framing.Result{}
	}
	declared := int(binary.LittleEndian.Uint16(buf[1:3]))
	if declared < minPacket {
		return framing.Result{Consumed: 1}
	}
	if len(buf) < declared {
		return framing.Result{}
	}

	frame := buf[:declared:declared]
	got := binary.LittleEndian.Uint16(frame[declared-2:])
	valid := got == crc.CRC16XModem(frame[:declared-2])

	f := &framing.Frame{
		Bytes:    frame,
		Command:  frame[3],
		Declared: declared,
		CRC:      got,
		Valid:    valid,
	}
	if valid {
		f.Payload = frame[4 : declared-2]
	}
	return framing.Result{Consumed: declared, Frame: f}
}

// BuildPacket assembles one outbound packet for the given command.
func BuildPacket(command byte, payload []byte) []byte {
	total := len(payload) + minPacket
	pkt := make([]byte, 0, total)
	pkt = append(pkt, syncByte, byte(total), byte(total>>8), command)
	pkt = append(pkt, payload...)
	sum := crc.CRC16XModem(pkt)
	return append(pkt, byte(sum), byte(sum>>8))
}

// Package crc holds the checksum primitives shared by the device framers.
// Every device family in this repo uses a different 16-bit CRC flavour, so
// they all live here instead of being copied per driver.
package crc

// CRC16CCITT is CRC-16/CCITT-FALSE: poly 0x1021, init 0xFFFF, no reflection.
// Used by the OneTouch Verio framing.
func CRC16CCITT(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// CRC16XModem is CRC-16/XMODEM: poly 0x1021, init 0x0000. Used by the
// Dexcom receiver framing.
func CRC16XModem(data []byte) uint16 {
	crc := uint16(0)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// CRC16ARC is CRC-16/ARC (a.k.a. CRC-16-IBM): reflected poly 0xA001,
// init 0x0000. Used on the pump command channel.
func CRC16ARC(data []byte) uint16 {
	var crc uint16
	for _, v := range data {
		crc ^= uint16(v)
		for i := 0; i < 8; i++ {
			if crc&1 == 1 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// CheckBytes returns the two Animas check bytes over buf: the CRC-16/CCITT-FALSE
// value split low byte first, which is how the pump orders them on the wire.
func CheckBytes(buf []byte) [2]byte {
	crc := CRC16CCITT(buf)
	return [2]byte{byte(crc & 0xFF), byte(crc >> 8)}
}

// ASCIISum is the ASTM-style mod-256 checksum used by the Contour meters:
// the byte sum of everything except STX, truncated to 8 bits.
func ASCIISum(data []byte) byte {
	var sum int
	for _, b := range data {
		if b == 0x02 { // STX never participates
			continue
		}
		sum += int(b)
	}
	return byte(sum % 256)
}

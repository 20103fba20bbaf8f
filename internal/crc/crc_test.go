package crc

import "testing"

// standard check input for 16-bit CRCs
var check = []byte("123456789")

func TestCRC16CCITT(t *testing.T) {
	if got := CRC16CCITT(check); got != 0x29B1 {
		t.Fatalf("CRC16CCITT check value: got 0x%04X, want 0x29B1", got)
	}
}

func TestCRC16XModem(t *testing.T) {
	if got := CRC16XModem(check); got != 0x31C3 {
		t.Fatalf("CRC16XModem check value: got 0x%04X, want 0x31C3", got)
	}
}

func TestCRC16ARC(t *testing.T) {
	if got := CRC16ARC(check); got != 0xBB3D {
		t.Fatalf("CRC16ARC check value: got 0x%04X, want 0xBB3D", got)
	}
}

func TestCheckBytesOrder(t *testing.T) {
	crc := CRC16CCITT(check)
	cb := CheckBytes(check)
	if cb[0] != byte(crc&0xFF) || cb[1] != byte(crc>>8) {
		t.Fatalf("check bytes not low-first: crc=0x%04X bytes=%v", crc, cb)
	}
}

func TestASCIISumSkipsSTX(t *testing.T) {
	with := append([]byte{0x02}, []byte("R|1|100")...)
	without := []byte("R|1|100")
	if ASCIISum(with) != ASCIISum(without) {
		t.Fatal("STX must not participate in the checksum")
	}
}

func TestSingleByteFlipChangesCRC(t *testing.T) {
	fns := map[string]func([]byte) uint16{
		"ccitt":  CRC16CCITT,
		"xmodem": CRC16XModem,
		"arc":    CRC16ARC,
	}
	for name, fn := range fns {
		orig := fn(check)
		for i := range check {
			mut := make([]byte, len(check))
			copy(mut, check)
			mut[i] ^= 0x40
			if fn(mut) == orig {
				t.Fatalf("%s: flipping byte %d did not change the CRC", name, i)
			}
		}
	}
}

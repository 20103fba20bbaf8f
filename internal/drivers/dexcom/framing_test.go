package dexcom

import (
	"bytes"
	"testing"

	"diab-uplink/internal/framing"
)

func TestBuildExtractRoundTrip(t *testing.T) {
	raw := BuildPacket(cmdReadDataPageRange, []byte{rtEGV})
	res := ExtractFrame(raw)
	if res.Consumed != len(raw) {
		t.Fatalf("consumed %d of %d", res.Consumed, len(raw))
	}
	if res.Frame == nil || !res.Frame.Valid {
		t.Fatalf("round trip invalid: %+v", res.Frame)
	}
	if res.Frame.Command != cmdReadDataPageRange {
		t.Fatalf("command %d", res.Frame.Command)
	}
	if !bytes.Equal(res.Frame.Payload, []byte{rtEGV}) {
		t.Fatalf("payload %v", res.Frame.Payload)
	}
}

func TestAnySingleByteFlipRejected(t *testing.T) {
	raw := BuildPacket(cmdPing, []byte{0xAA, 0xBB, 0xCC})
	for i := 3; i < len(raw); i++ {
		mutated := bytes.Clone(raw)
		mutated[i] ^= 0x01
		res := ExtractFrame(mutated)
		if res.Frame != nil && res.Frame.Valid {
			t.Fatalf("flip at byte %d went undetected", i)
		}
	}
}

func TestLeadingGarbageDiscarded(t *testing.T) {
	raw := append([]byte{0x00, 0xFF, 0x42}, BuildPacket(cmdPing, nil)...)
	res := ExtractFrame(raw)
	if res.Consumed != 3 || res.Frame != nil {
		t.Fatalf("garbage not discarded: %+v", res)
	}
}

func TestIncompletePacketWaits(t *testing.T) {
	raw := BuildPacket(cmdReadFirmwareHeader, []byte{1, 2, 3, 4})
	for cut := 1; cut < len(raw); cut++ {
		res := ExtractFrame(raw[:cut])
		if res.Consumed != 0 || res.Frame != nil {
			t.Fatalf("partial packet of %d bytes produced %+v", cut, res)
		}
	}
}

func TestImpossibleLengthResyncs(t *testing.T) {
	// declared length below the minimum can never complete
	raw := []byte{syncByte, 0x02, 0x00, cmdPing, 0x00, 0x00}
	res := ExtractFrame(raw)
	if res.Consumed != 1 || res.Frame != nil {
		t.Fatalf("bogus length not skipped: %+v", res)
	}
}

func TestByteAtATimeFeed(t *testing.T) {
	raw := BuildPacket(cmdPing, []byte{9, 8, 7})
	var buf framing.Buffer
	var frames []*framing.Frame
	for _, b := range raw {
		frames = append(frames, buf.Feed([]byte{b}, ExtractFrame)...)
	}
	if len(frames) != 1 || !frames[0].Valid {
		t.Fatalf("byte-at-a-time feed produced %d frames", len(frames))
	}
	if buf.Len() != 0 {
		t.Fatalf("%d bytes left in buffer", buf.Len())
	}
}

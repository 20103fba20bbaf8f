package verio

import (
	"bytes"
	"testing"

	"diab-uplink/internal/crc"
	"diab-uplink/internal/framing"
)

// helloFrame is the canonical test vector: STX, declared length 0x08,
// "Hello !", CRC16 (lo, hi) over bytes 1-8, ETX.
func helloFrame() []byte {
	payload := []byte("Hello !")
	frame := []byte{0x02, 0x08}
	frame = append(frame, payload...)
	sum := crc.CRC16CCITT(frame[1:9])
	frame = append(frame, byte(sum&0xFF), byte(sum>>8), 0x03)
	return frame
}

func TestExtractFrameHello(t *testing.T) {
	frame := helloFrame()
	if len(frame) != 12 {
		t.Fatalf("vector length %d, want 12", len(frame))
	}
	res := ExtractFrame(frame)
	if res.Frame == nil || !res.Frame.Valid {
		t.Fatal("expected a valid frame")
	}
	if res.Consumed != 12 {
		t.Fatalf("consumed %d, want 12", res.Consumed)
	}
	if string(res.Frame.Payload) != "Hello !" {
		t.Fatalf("payload %q, want %q", res.Frame.Payload, "Hello !")
	}
}

func TestExtractFrameCorruptCRC(t *testing.T) {
	frame := helloFrame()
	frame[9] ^= 0x01 // CRC_lo
	res := ExtractFrame(frame)
	if res.Frame == nil {
		t.Fatal("expected a frame result")
	}
	if res.Frame.Valid {
		t.Fatal("corrupted CRC must yield an invalid frame")
	}
	if res.Consumed != len(frame) {
		t.Fatalf("invalid frame must still be consumed: got %d", res.Consumed)
	}
}

func TestAnySingleByteFlipRejected(t *testing.T) {
	orig := helloFrame()
	// flipping any byte of the checksummed region must fail validation
	for i := 1; i <= 8; i++ {
		frame := make([]byte, len(orig))
		copy(frame, orig)
		frame[i] ^= 0x40
		res := ExtractFrame(frame)
		if res.Frame != nil && res.Frame.Valid {
			t.Fatalf("flip at byte %d still validated", i)
		}
	}
}

func TestFramerByteByByteMatchesAllAtOnce(t *testing.T) {
	frame := helloFrame()

	var whole framing.Buffer
	all := whole.Feed(frame, ExtractFrame)
	if len(all) != 1 || !all[0].Valid {
		t.Fatal("all-at-once feed did not produce one valid frame")
	}

	var dribble framing.Buffer
	var got []*framing.Frame
	for _, b := range frame {
		got = append(got, dribble.Feed([]byte{b}, ExtractFrame)...)
	}
	if len(got) != 1 || !got[0].Valid {
		t.Fatal("byte-by-byte feed did not produce one valid frame")
	}
	if !bytes.Equal(got[0].Payload, all[0].Payload) {
		t.Fatalf("payload mismatch: %q vs %q", got[0].Payload, all[0].Payload)
	}
}

func TestIncompleteFrameConsumesNothing(t *testing.T) {
	frame := helloFrame()
	for cut := 1; cut < len(frame); cut++ {
		res := ExtractFrame(frame[:cut])
		if res.Frame != nil {
			t.Fatalf("partial frame (%d bytes) reported a frame", cut)
		}
		if res.Consumed != 0 {
			t.Fatalf("partial frame (%d bytes) consumed %d bytes", cut, res.Consumed)
		}
		// repeated calls on the same input must agree
		again := ExtractFrame(frame[:cut])
		if again.Consumed != 0 || again.Frame != nil {
			t.Fatalf("extraction not idempotent at %d bytes", cut)
		}
	}
}

func TestLeadingGarbageDiscarded(t *testing.T) {
	stream := append([]byte{0xFF, 0x00, 0x7A}, helloFrame()...)
	var buf framing.Buffer
	frames := buf.Feed(stream, ExtractFrame)
	if len(frames) != 1 || !frames[0].Valid {
		t.Fatal("expected one valid frame after garbage")
	}
	if buf.Len() != 0 {
		t.Fatalf("garbage not fully consumed: %d bytes left", buf.Len())
	}
}

func TestBuildFrameRoundTrip(t *testing.T) {
	payload := []byte{cmdReadRecord, 0x05, 0x00}
	res := ExtractFrame(BuildFrame(payload))
	if res.Frame == nil || !res.Frame.Valid {
		t.Fatal("built frame did not validate")
	}
	if !bytes.Equal(res.Frame.Payload, payload) {
		t.Fatalf("payload %v, want %v", res.Frame.Payload, payload)
	}
}

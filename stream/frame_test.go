package stream

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/viewkit/rescache/resource"
)

func testHash(seed byte) resource.Hash {
	var h resource.Hash
	for i := range h {
		h[i] = seed + byte(i)
	}
	return h
}

// buildFrame assembles an inbound frame from whole items (hash + payload
// already concatenated).
func buildFrame(tag byte, items [][]byte) []byte {
	var buf []byte
	buf = append(buf, frameMagic...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(tag))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(items)))
	off := uint32(0)
	for _, item := range items {
		buf = binary.LittleEndian.AppendUint32(buf, off)
		off += uint32(len(item))
	}
	for _, item := range items {
		buf = append(buf, item...)
	}
	return buf
}

func item(h resource.Hash, payload string) []byte {
	return append(h.AppendTo(nil), payload...)
}

func TestDecodeFrameTwoItems(t *testing.T) {
	t.Parallel()

	h1, h2 := testHash(1), testHash(2)
	frame := buildFrame('g', [][]byte{
		item(h1, "first payload has 24 chr"),
		item(h2, "second"),
	})
	// The first item is 20+24 bytes, so the offset table must read [0, 44].
	if got := binary.LittleEndian.Uint32(frame[12:16]); got != 0 {
		t.Fatalf("offset[0] = %d, want 0", got)
	}
	if got := binary.LittleEndian.Uint32(frame[16:20]); got != 44 {
		t.Fatalf("offset[1] = %d, want 44", got)
	}

	rt, items, err := decodeFrame(frame)
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	if rt != resource.TypeGeometry {
		t.Fatalf("type = %v, want %v", rt, resource.TypeGeometry)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}
	if items[0].hash != h1 || items[1].hash != h2 {
		t.Fatalf("hashes = %v, %v", items[0].hash, items[1].hash)
	}
	if string(items[0].payload) != "first payload has 24 chr" {
		t.Fatalf("payload[0] = %q", items[0].payload)
	}
	if string(items[1].payload) != "second" {
		t.Fatalf("payload[1] = %q", items[1].payload)
	}
}

func TestDecodeFrameEmptyPayload(t *testing.T) {
	t.Parallel()

	h := testHash(9)
	rt, items, err := decodeFrame(buildFrame('m', [][]byte{item(h, "")}))
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	if rt != resource.TypeMaterial || len(items) != 1 {
		t.Fatalf("got type %v, %d items", rt, len(items))
	}
	if items[0].hash != h || len(items[0].payload) != 0 {
		t.Fatalf("item = %v payload %q", items[0].hash, items[0].payload)
	}
}

func TestDecodeFrameNoItems(t *testing.T) {
	t.Parallel()

	_, items, err := decodeFrame(buildFrame('g', nil))
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("got %d items, want 0", len(items))
	}
}

func TestDecodeFrameBadMagic(t *testing.T) {
	t.Parallel()

	frame := buildFrame('g', [][]byte{item(testHash(1), "x")})
	frame[0] = 'X'
	if _, _, err := decodeFrame(frame); !errors.Is(err, errBadMagic) {
		t.Fatalf("err = %v, want errBadMagic", err)
	}
}

func TestDecodeFrameMalformed(t *testing.T) {
	t.Parallel()

	short := buildFrame('g', [][]byte{item(testHash(1), "payload")})

	truncatedItem := buildFrame('g', [][]byte{item(testHash(1), "")})
	truncatedItem = truncatedItem[:len(truncatedItem)-1]

	nonMonotonic := buildFrame('g', [][]byte{item(testHash(1), "abc"), item(testHash(2), "def")})
	binary.LittleEndian.PutUint32(nonMonotonic[12:], 40)
	binary.LittleEndian.PutUint32(nonMonotonic[16:], 10)

	outOfRange := buildFrame('g', [][]byte{item(testHash(1), "")})
	binary.LittleEndian.PutUint32(outOfRange[12:], 500)

	hugeCount := append([]byte(nil), frameMagic...)
	hugeCount = binary.LittleEndian.AppendUint32(hugeCount, 'g')
	hugeCount = binary.LittleEndian.AppendUint32(hugeCount, 1<<30)

	badType := buildFrame(0x01, [][]byte{item(testHash(1), "x")})

	cases := []struct {
		name  string
		frame []byte
	}{
		{"short header", short[:frameHeaderSize-1]},
		{"item shorter than hash", truncatedItem},
		{"non-monotonic offsets", nonMonotonic},
		{"offset out of range", outOfRange},
		{"count exceeds frame", hugeCount},
		{"unprintable type tag", badType},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, _, err := decodeFrame(tc.frame); err == nil {
				t.Fatal("decodeFrame accepted a malformed frame")
			}
		})
	}
}

func TestEncodeRequestFrame(t *testing.T) {
	t.Parallel()

	h1, h2 := testHash(3), testHash(7)
	frame := encodeRequestFrame(resource.TypeGeometry, []resource.Hash{h1, h2})

	want := append([]byte{'g'}, h1.Bytes()...)
	want = append(want, h2.Bytes()...)
	if !bytes.Equal(frame, want) {
		t.Fatalf("frame = %x, want %x", frame, want)
	}
}

package testutil

import (
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/viewkit/rescache/resource"
)

// Wire constants restated here so frames are assembled independently of
// the production codec.
const (
	frameMagic    = "OPK1"
	errorCodeSize = 4
)

// EncodeResourceFrame assembles one inbound payload frame: magic, type
// word, item count, offset table, then hash-prefixed items in order.
// hashes and payloads must be parallel.
func EncodeResourceFrame(rt resource.Type, hashes []resource.Hash, payloads [][]byte) []byte {
	if len(hashes) != len(payloads) {
		panic(fmt.Sprintf("testutil: %d hashes but %d payloads", len(hashes), len(payloads)))
	}
	items := make([][]byte, len(hashes))
	for i, h := range hashes {
		items[i] = append(h.AppendTo(nil), payloads[i]...)
	}
	return buildFrame(byte(rt), items)
}

// EncodeErrorFrame assembles a server error frame. Each item carries a
// 4-byte status code followed by the UTF-8 message for its hash.
func EncodeErrorFrame(hashes []resource.Hash, messages []string) []byte {
	if len(hashes) != len(messages) {
		panic(fmt.Sprintf("testutil: %d hashes but %d messages", len(hashes), len(messages)))
	}
	items := make([][]byte, len(hashes))
	for i, h := range hashes {
		item := h.AppendTo(nil)
		item = append(item, make([]byte, errorCodeSize)...)
		items[i] = append(item, messages[i]...)
	}
	return buildFrame(byte(resource.TypeError), items)
}

// BuildResourceFrame is EncodeResourceFrame with test-friendly length
// checking.
func BuildResourceFrame(tb testing.TB, rt resource.Type, hashes []resource.Hash, payloads [][]byte) []byte {
	tb.Helper()
	if len(hashes) != len(payloads) {
		tb.Fatalf("%d hashes but %d payloads", len(hashes), len(payloads))
	}
	return EncodeResourceFrame(rt, hashes, payloads)
}

// BuildErrorFrame is EncodeErrorFrame with test-friendly length checking.
func BuildErrorFrame(tb testing.TB, hashes []resource.Hash, messages []string) []byte {
	tb.Helper()
	if len(hashes) != len(messages) {
		tb.Fatalf("%d hashes but %d messages", len(hashes), len(messages))
	}
	return EncodeErrorFrame(hashes, messages)
}

// ParseRequestFrame splits an outbound request frame into its type tag and
// packed hashes. It is safe to call off the test goroutine.
func ParseRequestFrame(frame []byte) (resource.Type, []resource.Hash, error) {
	if len(frame) < 1 || (len(frame)-1)%resource.HashSize != 0 {
		return 0, nil, errors.New("request frame is not a tag plus whole hashes")
	}
	rt, err := resource.TypeOf(frame[0])
	if err != nil {
		return 0, nil, err
	}

	hashes := make([]resource.Hash, 0, (len(frame)-1)/resource.HashSize)
	for rest := frame[1:]; len(rest) > 0; rest = rest[resource.HashSize:] {
		h, err := resource.HashFromBytes(rest[:resource.HashSize])
		if err != nil {
			return 0, nil, err
		}
		hashes = append(hashes, h)
	}
	return rt, hashes, nil
}

// DecodeRequestFrame is ParseRequestFrame, failing the test on malformed
// input.
func DecodeRequestFrame(tb testing.TB, frame []byte) (resource.Type, []resource.Hash) {
	tb.Helper()
	rt, hashes, err := ParseRequestFrame(frame)
	if err != nil {
		tb.Fatalf("request frame: %v", err)
	}
	return rt, hashes
}

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

package stream

import (
	"encoding/binary"
	"fmt"

	"github.com/viewkit/rescache/resource"
)

// Inbound frames carry a fixed header, an offset table, and concatenated
// items:
//
//	[0:4]   magic "OPK1"
//	[4:8]   uint32 LE type word, low byte is the ASCII resource-type tag
//	[8:12]  uint32 LE item count N
//	[12:..] N uint32 LE offsets of each item within the item region
//	[..:]   item region; item i spans [offset[i], offset[i+1]), the last
//	        item runs to the end of the frame
//
// Every item starts with a 20-byte hash followed by its payload. Outbound
// request frames are just a type tag followed by packed hashes.
const (
	frameMagic      = "OPK1"
	frameHeaderSize = 12

	// Error payloads lead with a status-like code the client ignores.
	errorCodeSize = 4
)

var (
	errBadMagic   = fmt.Errorf("stream: bad frame magic")
	errShortFrame = fmt.Errorf("stream: frame shorter than header")
)

type frameItem struct {
	hash    resource.Hash
	payload []byte
}

// decodeFrame splits an inbound frame into its typed items. The item
// payloads alias data, which must not be reused until they are consumed.
func decodeFrame(data []byte) (resource.Type, []frameItem, error) {
	if len(data) < frameHeaderSize {
		return 0, nil, errShortFrame
	}
	if string(data[:4]) != frameMagic {
		return 0, nil, errBadMagic
	}
	rt, err := resource.TypeOf(byte(binary.LittleEndian.Uint32(data[4:8])))
	if err != nil {
		return 0, nil, fmt.Errorf("stream: frame type: %w", err)
	}

	count := binary.LittleEndian.Uint32(data[8:12])
	tableEnd := uint64(frameHeaderSize) + 4*uint64(count)
	if tableEnd > uint64(len(data)) {
		return 0, nil, fmt.Errorf("stream: offset table for %d items exceeds frame of %d bytes", count, len(data))
	}
	items := data[tableEnd:]

	decoded := make([]frameItem, 0, count)
	for i := uint64(0); i < uint64(count); i++ {
		start := binary.LittleEndian.Uint32(data[frameHeaderSize+4*i:])
		end := uint32(len(items))
		if i+1 < uint64(count) {
			end = binary.LittleEndian.Uint32(data[frameHeaderSize+4*(i+1):])
		}
		if start > end || uint64(end) > uint64(len(items)) {
			return 0, nil, fmt.Errorf("stream: item %d spans [%d,%d) outside %d-byte item region", i, start, end, len(items))
		}
		item := items[start:end]
		if len(item) < resource.HashSize {
			return 0, nil, fmt.Errorf("stream: item %d is %d bytes, shorter than a hash", i, len(item))
		}
		h, err := resource.HashFromBytes(item[:resource.HashSize])
		if err != nil {
			return 0, nil, err
		}
		decoded = append(decoded, frameItem{hash: h, payload: item[resource.HashSize:]})
	}
	return rt, decoded, nil
}

// encodeRequestFrame builds the outbound batch request for one resource
// type: the type tag followed by every hash packed back to back.
func encodeRequestFrame(rt resource.Type, hashes []resource.Hash) []byte {
	buf := make([]byte, 1, 1+len(hashes)*resource.HashSize)
	buf[0] = byte(rt)
	for _, h := range hashes {
		buf = h.AppendTo(buf)
	}
	return buf
}

package resource

import (
	"errors"
	"fmt"
)

// Type is the one-byte class tag that accompanies every hash on the wire.
// The viewer's namespace assigns meanings such as geometry or material; the
// cache treats tags as opaque except for TypeError, which marks an inbound
// item as a per-hash failure report rather than a payload.
type Type byte

const (
	// TypeGeometry and TypeMaterial are the tags the viewer uses today.
	TypeGeometry Type = 'g'
	TypeMaterial Type = 'm'

	// TypeError is reserved by the protocol for failure reports.
	TypeError Type = 'e'
)

// ErrType is returned when a raw tag byte is outside the printable ASCII
// range the protocol allows.
var ErrType = errors.New("resource: type tag must be printable ASCII")

// TypeOf validates a raw tag byte read off the wire.
func TypeOf(b byte) (Type, error) {
	if b < '!' || b > '~' {
		return 0, fmt.Errorf("%w (got 0x%02x)", ErrType, b)
	}
	return Type(b), nil
}

// IsError reports whether the tag marks a failure report.
func (t Type) IsError() bool {
	return t == TypeError
}

func (t Type) String() string {
	return string(rune(t))
}

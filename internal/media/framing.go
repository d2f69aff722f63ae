package media

import (
	"errors"
	"fmt"
)

// Data channel frame tags. A config frame is the tag followed by the
// parameter sets; a video frame is the tag, one key flag byte and the
// access unit.
const (
	FrameTagConfig byte = 0x01
	FrameTagVideo  byte = 0x02
)

// ErrShortFrame is returned for frames missing their header bytes.
var ErrShortFrame = errors.New("data channel frame too short")

// EncodeFrame serializes a unit for the data channel.
func EncodeFrame(u Unit) []byte {
	if u.IsConfig() {
		buf := make([]byte, 0, 1+len(u.Data))
		buf = append(buf, FrameTagConfig)
		return append(buf, u.Data...)
	}

	buf := make([]byte, 0, 2+len(u.Data))
	buf = append(buf, FrameTagVideo)
	if u.KeyFrame {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return append(buf, u.Data...)
}

// DecodeFrame parses a data channel frame. Timestamps are not carried on the
// wire, so decoded frames have a zero PTS.
func DecodeFrame(b []byte) (Unit, error) {
	if len(b) < 1 {
		return Unit{}, ErrShortFrame
	}
	switch b[0] {
	case FrameTagConfig:
		return ConfigUnit(b[1:]), nil
	case FrameTagVideo:
		if len(b) < 2 {
			return Unit{}, ErrShortFrame
		}
		return FrameUnit(b[2:], b[1] == 1, 0), nil
	default:
		return Unit{}, fmt.Errorf("unknown frame tag 0x%02x", b[0])
	}
}

package media

// Kind tags an encoded unit.
type Kind uint8

const (
	// KindConfig carries codec parameter sets (SPS/PPS for H.264).
	KindConfig Kind = iota + 1
	// KindFrame carries one encoded access unit.
	KindFrame
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindFrame:
		return "frame"
	default:
		return "unknown"
	}
}

// Unit is one piece of encoder output. Data is owned by the unit and is
// never shared with the encoder's buffers.
type Unit struct {
	Kind     Kind
	Data     []byte
	KeyFrame bool
	// PTS is the presentation timestamp in microseconds. Zero for config units.
	PTS int64
}

// ConfigUnit builds a config unit over a copy of the parameter sets.
func ConfigUnit(parameterSets ...[]byte) Unit {
	size := 0
	for _, ps := range parameterSets {
		size += len(ps)
	}
	data := make([]byte, 0, size)
	for _, ps := range parameterSets {
		data = append(data, ps...)
	}
	return Unit{Kind: KindConfig, Data: data}
}

// FrameUnit builds a frame unit over a copy of data.
func FrameUnit(data []byte, keyFrame bool, pts int64) Unit {
	return Unit{
		Kind:     KindFrame,
		Data:     append([]byte(nil), data...),
		KeyFrame: keyFrame,
		PTS:      pts,
	}
}

// IsConfig reports whether u carries parameter sets.
func (u Unit) IsConfig() bool {
	return u.Kind == KindConfig
}

// RTPTimestamp converts a microsecond presentation timestamp to the 90 kHz
// video clock used by RTP.
func RTPTimestamp(ptsMicros int64) uint32 {
	return uint32(ptsMicros * 9 / 100)
}

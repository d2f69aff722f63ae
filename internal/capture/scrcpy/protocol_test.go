package scrcpy

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writePacket encodes p the way the device server does.
func writePacket(w io.Writer, p packet) error {
	flags := uint64(p.PTS) & packetPTSMask
	if p.Config {
		flags |= packetFlagConfig
	}
	if p.KeyFrame {
		flags |= packetFlagKeyFrame
	}
	var header [packetHeaderSize]byte
	binary.BigEndian.PutUint64(header[0:8], flags)
	binary.BigEndian.PutUint32(header[8:12], uint32(len(p.Data)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(p.Data)
	return err
}

func writeHandshake(w io.Writer, name string, codecID uint32, width, height int) error {
	var field [deviceNameFieldSize]byte
	copy(field[:], name)
	if _, err := w.Write(field[:]); err != nil {
		return err
	}
	var header [videoHeaderSize]byte
	binary.BigEndian.PutUint32(header[0:4], codecID)
	binary.BigEndian.PutUint32(header[4:8], uint32(width))
	binary.BigEndian.PutUint32(header[8:12], uint32(height))
	_, err := w.Write(header[:])
	return err
}

func TestReadPacket(t *testing.T) {
	tests := []struct {
		name string
		p    packet
	}{
		{"config", packet{Config: true, Data: []byte{0, 0, 0, 1, 0x67}}},
		{"keyframe", packet{KeyFrame: true, PTS: 66_667, Data: []byte{0, 0, 0, 1, 0x65}}},
		{"delta", packet{PTS: 133_334, Data: []byte{0, 0, 0, 1, 0x41}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, writePacket(&buf, tt.p))

			got, err := readPacket(&buf)
			require.NoError(t, err)
			assert.Equal(t, tt.p, got)
		})
	}
}

func TestReadPacketErrors(t *testing.T) {
	_, err := readPacket(bytes.NewReader(nil))
	assert.ErrorIs(t, err, io.EOF)

	_, err = readPacket(bytes.NewReader(make([]byte, 5)))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	var zero [packetHeaderSize]byte
	_, err = readPacket(bytes.NewReader(zero[:]))
	assert.ErrorContains(t, err, "invalid packet size")

	huge := make([]byte, packetHeaderSize)
	binary.BigEndian.PutUint32(huge[8:], maxPacketSize+1)
	_, err = readPacket(bytes.NewReader(huge))
	assert.ErrorContains(t, err, "too large")

	short := make([]byte, packetHeaderSize+1)
	binary.BigEndian.PutUint32(short[8:], 4)
	_, err = readPacket(bytes.NewReader(short))
	assert.ErrorContains(t, err, "packet data")
}

func TestReadHandshake(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeHandshake(&buf, "Pixel 7", codecIDH264, 720, 1600))

	name, err := readDeviceName(&buf)
	require.NoError(t, err)
	assert.Equal(t, "Pixel 7", name)

	header, err := readVideoHeader(&buf)
	require.NoError(t, err)
	assert.Equal(t, videoHeader{CodecID: codecIDH264, Width: 720, Height: 1600}, header)

	_, err = readVideoHeader(&buf)
	assert.Error(t, err)
}

package scrcpy

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

const (
	packetHeaderSize     = 12
	deviceNameFieldSize  = 64
	videoHeaderSize      = 12
	maxPacketSize        = 10 << 20
	controlMsgResetVideo = 17
)

const (
	packetFlagConfig   = uint64(1) << 63
	packetFlagKeyFrame = uint64(1) << 62
	packetPTSMask      = packetFlagKeyFrame - 1
)

// codecIDH264 is "h264" in ASCII.
const codecIDH264 = uint32(0x68323634)

// packet is one media packet of the video socket.
type packet struct {
	PTS      int64
	Data     []byte
	KeyFrame bool
	Config   bool
}

// videoHeader is sent once after the device name.
type videoHeader struct {
	CodecID uint32
	Width   int
	Height  int
}

func readPacket(r io.Reader) (packet, error) {
	var header [packetHeaderSize]byte
	n, err := io.ReadFull(r, header[:])
	if err != nil {
		if n == 0 && err == io.EOF {
			return packet{}, io.EOF
		}
		return packet{}, fmt.Errorf("failed to read packet header: %w", err)
	}

	ptsFlags := binary.BigEndian.Uint64(header[0:8])
	size := binary.BigEndian.Uint32(header[8:12])
	if size == 0 {
		return packet{}, fmt.Errorf("invalid packet size: 0")
	}
	if size > maxPacketSize {
		return packet{}, fmt.Errorf("packet size too large: %d", size)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return packet{}, fmt.Errorf("failed to read packet data: %w", err)
	}

	return packet{
		PTS:      int64(ptsFlags & packetPTSMask),
		Data:     data,
		KeyFrame: ptsFlags&packetFlagKeyFrame != 0,
		Config:   ptsFlags&packetFlagConfig != 0,
	}, nil
}

func readDeviceName(r io.Reader) (string, error) {
	var name [deviceNameFieldSize]byte
	if _, err := io.ReadFull(r, name[:]); err != nil {
		return "", fmt.Errorf("failed to read device name: %w", err)
	}
	return strings.TrimRight(string(name[:]), "\x00"), nil
}

func readVideoHeader(r io.Reader) (videoHeader, error) {
	var buf [videoHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return videoHeader{}, fmt.Errorf("failed to read video header: %w", err)
	}
	return videoHeader{
		CodecID: binary.BigEndian.Uint32(buf[0:4]),
		Width:   int(binary.BigEndian.Uint32(buf[4:8])),
		Height:  int(binary.BigEndian.Uint32(buf[8:12])),
	}, nil
}

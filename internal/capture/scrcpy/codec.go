package scrcpy

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/screenrelay/screenrelay/internal/encoder"
	"github.com/screenrelay/screenrelay/internal/media"
	"github.com/screenrelay/screenrelay/internal/util"
)

const (
	handshakeTimeout = 10 * time.Second
	outputQueueSize  = 8
)

type item struct {
	out encoder.Output
	err error
}

// codec exposes the scrcpy video socket as an encoder output queue. The
// first config packet is reported as a format change, later ones as
// codec-config buffers.
type codec struct {
	srv    launcher
	logger *slog.Logger

	mu         sync.Mutex
	params     launchParams
	configured bool
	started    bool
	cancel     context.CancelFunc
	video      net.Conn
	control    net.Conn
	deviceName string
	header     videoHeader

	items       chan item
	done        chan struct{}
	stopOnce    sync.Once
	releaseOnce sync.Once
	ctrlMu      sync.Mutex
}

var (
	_ encoder.Codec             = (*codec)(nil)
	_ encoder.KeyFrameRequester = (*codec)(nil)
)

func newCodec(srv launcher, encoderName string) *codec {
	return &codec{
		srv:    srv,
		logger: util.GetLogger(),
		params: launchParams{Encoder: encoderName},
		items:  make(chan item, outputQueueSize),
		done:   make(chan struct{}),
	}
}

func (c *codec) Configure(enc media.EncoderConfig, capture media.CaptureConfig) error {
	if capture.MaxSide() <= 0 {
		return errors.Errorf("capture size %dx%d", capture.TargetWidth, capture.TargetHeight)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("codec already started")
	}
	c.params.MaxSize = capture.MaxSide()
	c.params.Bitrate = enc.Bitrate
	c.params.MaxFPS = enc.FrameRate
	c.params.IFrameInterval = enc.IFrameIntervalSeconds
	c.configured = true
	return nil
}

// Start launches the device server and completes the stream handshake.
func (c *codec) Start() error {
	c.mu.Lock()
	if !c.configured {
		c.mu.Unlock()
		return errors.New("codec not configured")
	}
	if c.started {
		c.mu.Unlock()
		return errors.New("codec already started")
	}
	c.started = true
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	params := c.params
	c.mu.Unlock()

	video, control, err := c.srv.start(ctx, params)
	if err != nil {
		return err
	}

	_ = video.SetReadDeadline(time.Now().Add(handshakeTimeout))
	name, err := readDeviceName(video)
	if err != nil {
		video.Close()
		control.Close()
		return err
	}
	header, err := readVideoHeader(video)
	if err != nil {
		video.Close()
		control.Close()
		return err
	}
	_ = video.SetReadDeadline(time.Time{})
	if header.CodecID != codecIDH264 {
		video.Close()
		control.Close()
		return errors.Errorf("unexpected video codec 0x%08x", header.CodecID)
	}

	c.mu.Lock()
	c.video, c.control = video, control
	c.deviceName, c.header = name, header
	c.mu.Unlock()
	c.logger.Info("Capturing device screen", "device", name, "width", header.Width, "height", header.Height)

	// Device messages on the control socket are not used; drain them so the
	// server never blocks.
	go func() { _, _ = io.Copy(io.Discard, control) }()
	go c.readLoop(video)
	return nil
}

func (c *codec) readLoop(r io.Reader) {
	formatSent := false
	index := 0
	for {
		p, err := readPacket(r)
		if err != nil {
			if errors.Is(err, io.EOF) || c.stopping() {
				c.push(item{out: encoder.Output{Kind: encoder.OutputBuffer, Flags: encoder.FlagEndOfStream}})
			} else {
				c.push(item{err: errors.Wrap(err, "scrcpy video stream")})
			}
			return
		}

		var out encoder.Output
		switch {
		case p.Config && !formatSent:
			sets, err := parameterSets(p.Data)
			if err != nil {
				c.push(item{err: err})
				return
			}
			out = encoder.Output{Kind: encoder.OutputFormatChanged, ParameterSets: sets}
			formatSent = true
		case p.Config:
			out = encoder.Output{Kind: encoder.OutputBuffer, Index: index, Data: p.Data, Flags: encoder.FlagCodecConfig}
		default:
			out = encoder.Output{Kind: encoder.OutputBuffer, Index: index, Data: p.Data, PTS: p.PTS}
			if p.KeyFrame {
				out.Flags |= encoder.FlagKeyFrame
			}
		}
		index++
		if !c.push(item{out: out}) {
			return
		}
	}
}

// parameterSets splits a config packet into start-code prefixed SPS and PPS.
func parameterSets(data []byte) ([][]byte, error) {
	sps, pps, err := media.SplitParameterSets(data)
	if err != nil {
		return nil, err
	}
	spsUnit, err := media.AnnexB(sps)
	if err != nil {
		return nil, err
	}
	ppsUnit, err := media.AnnexB(pps)
	if err != nil {
		return nil, err
	}
	return [][]byte{spsUnit, ppsUnit}, nil
}

func (c *codec) push(it item) bool {
	select {
	case c.items <- it:
		return true
	case <-c.done:
		return false
	}
}

func (c *codec) stopping() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *codec) DequeueOutput(timeout time.Duration) (encoder.Output, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case it := <-c.items:
		return it.out, it.err
	case <-c.done:
		return encoder.Output{Kind: encoder.OutputBuffer, Flags: encoder.FlagEndOfStream}, nil
	case <-timer.C:
		return encoder.Output{Kind: encoder.OutputTryAgain}, nil
	}
}

// ReleaseOutput is a no-op: every packet is read into its own buffer.
func (c *codec) ReleaseOutput(int) {}

// RequestKeyFrame sends a reset-video control message; the server restarts
// the encoder, which begins with a config packet and a keyframe.
func (c *codec) RequestKeyFrame() {
	c.mu.Lock()
	control := c.control
	c.mu.Unlock()
	if control == nil {
		c.logger.Debug("Control socket not ready, skipping keyframe request")
		return
	}

	c.ctrlMu.Lock()
	defer c.ctrlMu.Unlock()
	if _, err := control.Write([]byte{controlMsgResetVideo}); err != nil {
		c.logger.Warn("Failed to send keyframe request", "error", err)
		return
	}
	c.logger.Debug("Keyframe request sent")
}

// Stop closes the sockets, which ends the read loop.
func (c *codec) Stop() error {
	c.stopOnce.Do(func() { close(c.done) })

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	var errs []error
	if c.video != nil {
		errs = append(errs, c.video.Close())
		c.video = nil
	}
	if c.control != nil {
		errs = append(errs, c.control.Close())
		c.control = nil
	}
	for _, err := range errs {
		if err != nil {
			return errors.Wrap(err, "failed to close scrcpy sockets")
		}
	}
	return nil
}

// Release stops the device server. Later calls do nothing.
func (c *codec) Release() error {
	var err error
	c.releaseOnce.Do(func() {
		if stopErr := c.Stop(); stopErr != nil {
			c.logger.Debug("Stop during release", "error", stopErr)
		}
		err = c.srv.close()
	})
	return err
}

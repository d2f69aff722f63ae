package file

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v4/pkg/media/h264reader"
	"github.com/pkg/errors"

	"github.com/screenrelay/screenrelay/internal/encoder"
	"github.com/screenrelay/screenrelay/internal/media"
	"github.com/screenrelay/screenrelay/internal/util"
)

const outputQueueSize = 8

type item struct {
	out encoder.Output
	err error
}

// codec replays an Annex-B file as encoder output, one access unit per frame
// interval. Each slice NAL closes an access unit together with the non-slice
// NALs read before it.
type codec struct {
	path   string
	loop   bool
	logger *slog.Logger

	mu         sync.Mutex
	interval   time.Duration
	configured bool
	started    bool

	items    chan item
	done     chan struct{}
	exited   chan struct{}
	stopOnce sync.Once
}

var _ encoder.Codec = (*codec)(nil)

func newCodec(path string, loop bool) *codec {
	return &codec{
		path:   path,
		loop:   loop,
		logger: util.GetLogger().With("file", path),
		items:  make(chan item, outputQueueSize),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
}

func (c *codec) Configure(enc media.EncoderConfig, _ media.CaptureConfig) error {
	if enc.FrameRate <= 0 {
		return errors.Errorf("frame rate %d", enc.FrameRate)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("codec already started")
	}
	c.interval = time.Second / time.Duration(enc.FrameRate)
	c.configured = true
	return nil
}

func (c *codec) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.configured {
		return errors.New("codec not configured")
	}
	if c.started {
		return errors.New("codec already started")
	}

	f, err := os.Open(c.path)
	if err != nil {
		return errors.Wrap(err, "failed to open video file")
	}
	c.started = true
	go c.readLoop(f, c.interval)
	return nil
}

func (c *codec) readLoop(f *os.File, interval time.Duration) {
	defer close(c.exited)
	defer f.Close()

	reader, err := h264reader.NewReader(f)
	if err != nil {
		c.push(item{err: errors.Wrap(err, "failed to create H264 reader")})
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		sps, pps   []byte
		config     []byte
		formatSent bool
		pending    [][]byte
		pts        int64
		index      int
		passFrames int
	)
	for {
		nal, err := reader.NextNAL()
		if errors.Is(err, io.EOF) {
			if !c.loop || passFrames == 0 {
				c.logger.Info("Video file finished", "frames", index)
				c.push(item{out: encoder.Output{Kind: encoder.OutputBuffer, Flags: encoder.FlagEndOfStream}})
				return
			}
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				c.push(item{err: errors.Wrap(err, "failed to rewind video file")})
				return
			}
			if reader, err = h264reader.NewReader(f); err != nil {
				c.push(item{err: errors.Wrap(err, "failed to recreate H264 reader")})
				return
			}
			c.logger.Debug("Looping video file", "frames", index)
			pending, passFrames = nil, 0
			continue
		}
		if err != nil {
			c.push(item{err: errors.Wrap(err, "failed to parse NAL")})
			return
		}
		if len(nal.Data) == 0 {
			continue
		}

		switch nal.UnitType {
		case h264reader.NalUnitTypeSPS:
			sps = nal.Data
		case h264reader.NalUnitTypePPS:
			pps = nal.Data
			if sps == nil {
				continue
			}
			next, err := media.AnnexB(sps, pps)
			if err != nil {
				c.push(item{err: err})
				return
			}
			if bytes.Equal(next, config) {
				continue
			}
			config = next

			var out encoder.Output
			if !formatSent {
				spsUnit, _ := media.AnnexB(sps)
				ppsUnit, _ := media.AnnexB(pps)
				out = encoder.Output{Kind: encoder.OutputFormatChanged, ParameterSets: [][]byte{spsUnit, ppsUnit}}
				formatSent = true
			} else {
				out = encoder.Output{Kind: encoder.OutputBuffer, Index: index, Data: config, Flags: encoder.FlagCodecConfig}
			}
			if !c.push(item{out: out}) {
				return
			}
		case h264reader.NalUnitTypeCodedSliceIdr, h264reader.NalUnitTypeCodedSliceNonIdr:
			if config == nil {
				// nothing decodable yet
				pending = nil
				continue
			}
			data, err := media.AnnexB(append(pending, nal.Data)...)
			pending = nil
			if err != nil {
				c.push(item{err: err})
				return
			}

			select {
			case <-ticker.C:
			case <-c.done:
				return
			}

			out := encoder.Output{Kind: encoder.OutputBuffer, Index: index, Data: data, PTS: pts}
			if nal.UnitType == h264reader.NalUnitTypeCodedSliceIdr {
				out.Flags |= encoder.FlagKeyFrame
			}
			if !c.push(item{out: out}) {
				return
			}
			index++
			passFrames++
			pts += interval.Microseconds()
		default:
			pending = append(pending, nal.Data)
		}
	}
}

func (c *codec) push(it item) bool {
	select {
	case c.items <- it:
		return true
	case <-c.done:
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

// ReleaseOutput is a no-op: every access unit is assembled into its own buffer.
func (c *codec) ReleaseOutput(int) {}

// Stop ends the read loop and waits for the file to be closed.
func (c *codec) Stop() error {
	c.stopOnce.Do(func() { close(c.done) })

	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if started {
		<-c.exited
	}
	return nil
}

func (c *codec) Release() error {
	return c.Stop()
}

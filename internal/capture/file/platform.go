// Package file replays an Annex-B H.264 recording as if it were a captured
// screen. It is used for development without a device.
package file

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/pion/webrtc/v4/pkg/media/h264reader"
	"github.com/pkg/errors"

	"github.com/screenrelay/screenrelay/internal/capture"
	"github.com/screenrelay/screenrelay/internal/encoder"
	"github.com/screenrelay/screenrelay/internal/errdefs"
	"github.com/screenrelay/screenrelay/internal/media"
	"github.com/screenrelay/screenrelay/internal/util"
)

// Platform serves one video file. Permission is operator consent only.
type Platform struct {
	*capture.Authorizer

	path string
	loop bool
}

var _ capture.Platform = (*Platform)(nil)

// NewPlatform returns a platform for the file at path. With loop set the
// file restarts at its end instead of ending the stream.
func NewPlatform(path string, loop bool, consent *capture.Consent, grantTimeout time.Duration) *Platform {
	return &Platform{
		Authorizer: capture.NewAuthorizer(path, nil, consent, grantTimeout),
		path:       path,
		loop:       loop,
	}
}

// BeginCapture reads the stream size from the first SPS. The recording is
// sent as is; the derived target size is informational only.
func (p *Platform) BeginCapture(_ context.Context, grant capture.Grant, enc media.EncoderConfig) (capture.FrameSource, error) {
	if !grant.Valid() {
		return nil, errors.Wrap(errdefs.ErrResourceDenied, "capture without a grant")
	}

	width, height, err := probe(p.path)
	if err != nil {
		return nil, err
	}
	cfg, err := media.NewCaptureConfig(width, height, 0, enc)
	if err != nil {
		return nil, err
	}
	util.GetLogger().Info("Replaying video file", "file", p.path, "width", width, "height", height, "loop", p.loop)

	return &source{codec: newCodec(p.path, p.loop), config: cfg}, nil
}

// probe returns the picture size of the first SPS in the file.
func probe(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to open video file")
	}
	defer f.Close()

	reader, err := h264reader.NewReader(f)
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to create H264 reader")
	}
	for {
		nal, err := reader.NextNAL()
		if errors.Is(err, io.EOF) {
			return 0, 0, errors.Wrapf(errdefs.ErrConfiguration, "no SPS in %s", path)
		}
		if err != nil {
			return 0, 0, errors.Wrap(err, "failed to parse NAL")
		}
		if nal.UnitType != h264reader.NalUnitTypeSPS {
			continue
		}

		var sps h264.SPS
		if err := sps.Unmarshal(nal.Data); err != nil {
			return 0, 0, errors.Wrapf(errdefs.ErrConfiguration, "invalid SPS: %v", err)
		}
		return sps.Width(), sps.Height(), nil
	}
}

type source struct {
	codec  *codec
	config media.CaptureConfig
	once   sync.Once
}

func (s *source) Codec() encoder.Codec {
	return s.codec
}

func (s *source) CaptureConfig() media.CaptureConfig {
	return s.config
}

func (s *source) Close() error {
	var err error
	s.once.Do(func() {
		err = s.codec.Release()
	})
	return err
}

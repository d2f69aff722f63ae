package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screenrelay/screenrelay/internal/capture"
	"github.com/screenrelay/screenrelay/internal/encoder"
	"github.com/screenrelay/screenrelay/internal/errdefs"
	"github.com/screenrelay/screenrelay/internal/media"
)

// 1920x1080 baseline SPS.
var testSPS = []byte{
	0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
	0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
	0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9,
	0x20,
}

var (
	testPPS    = []byte{0x68, 0xce, 0x38, 0x80}
	testSEI    = []byte{0x06, 0x05, 0x01, 0x7f, 0x80}
	testIDR    = []byte{0x65, 0x88, 0x84, 0x00, 0x10}
	testPFrame = []byte{0x41, 0x9a, 0x24, 0x8c, 0x09}
)

func annexB(t *testing.T, nalus ...[]byte) []byte {
	t.Helper()
	data, err := media.AnnexB(nalus...)
	require.NoError(t, err)
	return data
}

func writeVideo(t *testing.T, nalus ...[]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "screen.h264")
	require.NoError(t, os.WriteFile(path, annexB(t, nalus...), 0o644))
	return path
}

func fastEncoder() media.EncoderConfig {
	enc := media.DefaultEncoderConfig()
	enc.FrameRate = 200
	return enc
}

func grant(t *testing.T, p *Platform) capture.Grant {
	t.Helper()
	results := make(chan capture.Grant, 1)
	p.RequestCapturePermission(context.Background(), func(granted bool, g capture.Grant) {
		if granted {
			results <- g
		}
		close(results)
	})
	select {
	case g, ok := <-results:
		require.True(t, ok, "permission refused")
		return g
	case <-time.After(2 * time.Second):
		require.FailNow(t, "no permission callback")
		return capture.Grant{}
	}
}

func dequeue(t *testing.T, c encoder.Codec) encoder.Output {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		out, err := c.DequeueOutput(10 * time.Millisecond)
		require.NoError(t, err)
		if out.Kind != encoder.OutputTryAgain {
			return out
		}
	}
	require.FailNow(t, "no codec output")
	return encoder.Output{}
}

func TestProbe(t *testing.T) {
	path := writeVideo(t, testSEI, testSPS, testPPS, testIDR)

	w, h, err := probe(path)
	require.NoError(t, err)
	assert.Equal(t, 1920, w)
	assert.Equal(t, 1080, h)
}

func TestProbeErrors(t *testing.T) {
	_, _, err := probe(writeVideo(t, testPPS, testIDR))
	assert.True(t, errors.Is(err, errdefs.ErrConfiguration))

	_, _, err = probe(filepath.Join(t.TempDir(), "missing.h264"))
	assert.Error(t, err)
}

func TestBeginCapture(t *testing.T) {
	path := writeVideo(t, testSPS, testPPS, testIDR)
	p := NewPlatform(path, false, capture.NewConsent(true), time.Second)

	g := grant(t, p)
	assert.Equal(t, path, g.Device)

	src, err := p.BeginCapture(context.Background(), g, media.DefaultEncoderConfig())
	require.NoError(t, err)
	defer src.Close()

	cfg := src.CaptureConfig()
	assert.Equal(t, 1920, cfg.SourceWidth)
	assert.Equal(t, 1080, cfg.SourceHeight)
	assert.Equal(t, 320, cfg.TargetWidth)
	assert.Equal(t, 180, cfg.TargetHeight)
}

func TestBeginCaptureWithoutGrant(t *testing.T) {
	p := NewPlatform(writeVideo(t, testSPS, testPPS, testIDR), false, capture.NewConsent(true), time.Second)

	_, err := p.BeginCapture(context.Background(), capture.Grant{}, media.DefaultEncoderConfig())
	assert.True(t, errors.Is(err, errdefs.ErrResourceDenied))
}

func TestCodecReplaysFile(t *testing.T) {
	path := writeVideo(t, testSPS, testPPS, testSEI, testIDR, testPFrame)
	c := newCodec(path, false)
	require.NoError(t, c.Configure(fastEncoder(), media.CaptureConfig{}))
	require.NoError(t, c.Start())
	defer c.Release()

	out := dequeue(t, c)
	require.Equal(t, encoder.OutputFormatChanged, out.Kind)
	assert.Equal(t, [][]byte{annexB(t, testSPS), annexB(t, testPPS)}, out.ParameterSets)

	out = dequeue(t, c)
	require.Equal(t, encoder.OutputBuffer, out.Kind)
	assert.Equal(t, annexB(t, testSEI, testIDR), out.Data)
	assert.NotZero(t, out.Flags&encoder.FlagKeyFrame)
	assert.Equal(t, int64(0), out.PTS)

	out = dequeue(t, c)
	assert.Equal(t, annexB(t, testPFrame), out.Data)
	assert.Zero(t, out.Flags&encoder.FlagKeyFrame)
	assert.Equal(t, int64(5000), out.PTS)

	out = dequeue(t, c)
	assert.NotZero(t, out.Flags&encoder.FlagEndOfStream)
}

func TestCodecSkipsFramesBeforeConfig(t *testing.T) {
	path := writeVideo(t, testPFrame, testSPS, testPPS, testIDR)
	c := newCodec(path, false)
	require.NoError(t, c.Configure(fastEncoder(), media.CaptureConfig{}))
	require.NoError(t, c.Start())
	defer c.Release()

	assert.Equal(t, encoder.OutputFormatChanged, dequeue(t, c).Kind)
	out := dequeue(t, c)
	assert.Equal(t, annexB(t, testIDR), out.Data)
}

func TestCodecLoops(t *testing.T) {
	path := writeVideo(t, testSPS, testPPS, testIDR, testPFrame)
	c := newCodec(path, true)
	require.NoError(t, c.Configure(fastEncoder(), media.CaptureConfig{}))
	require.NoError(t, c.Start())
	defer c.Release()

	require.Equal(t, encoder.OutputFormatChanged, dequeue(t, c).Kind)

	var last int64 = -1
	keyFrames := 0
	for range 6 {
		out := dequeue(t, c)
		require.Equal(t, encoder.OutputBuffer, out.Kind)
		require.Zero(t, out.Flags&(encoder.FlagCodecConfig|encoder.FlagEndOfStream), "repeated parameter sets are not re-sent")
		assert.Greater(t, out.PTS, last)
		last = out.PTS
		if out.Flags&encoder.FlagKeyFrame != 0 {
			keyFrames++
		}
	}
	assert.Equal(t, 3, keyFrames)
}

func TestCodecStopEndsStream(t *testing.T) {
	path := writeVideo(t, testSPS, testPPS, testIDR)
	c := newCodec(path, true)
	require.NoError(t, c.Configure(fastEncoder(), media.CaptureConfig{}))
	require.NoError(t, c.Start())

	require.NoError(t, c.Stop())
	require.NoError(t, c.Release())

	select {
	case <-c.exited:
	default:
		t.Fatal("read loop still running after Stop")
	}
}

func TestCodecThroughPipeline(t *testing.T) {
	path := writeVideo(t, testSPS, testPPS, testIDR, testPFrame)
	p := NewPlatform(path, false, capture.NewConsent(true), time.Second)
	src, err := p.BeginCapture(context.Background(), grant(t, p), fastEncoder())
	require.NoError(t, err)
	defer src.Close()

	pipeline := encoder.NewPipeline(src.Codec())
	require.NoError(t, pipeline.Configure(fastEncoder(), src.CaptureConfig()))
	units, err := pipeline.Start(context.Background())
	require.NoError(t, err)

	var kinds []media.Kind
	for u := range units {
		kinds = append(kinds, u.Kind)
	}
	assert.Equal(t, []media.Kind{media.KindConfig, media.KindFrame, media.KindFrame}, kinds)
	require.NoError(t, pipeline.Stop())
}

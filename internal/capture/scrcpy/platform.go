package scrcpy

import (
	"bytes"
	"context"
	"encoding/xml"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/utils/keymutex"

	"github.com/screenrelay/screenrelay/internal/capture"
	"github.com/screenrelay/screenrelay/internal/encoder"
	"github.com/screenrelay/screenrelay/internal/errdefs"
	"github.com/screenrelay/screenrelay/internal/media"
	"github.com/screenrelay/screenrelay/internal/util"
)

// Shell runs commands on a device.
type Shell interface {
	Shell(serial, cmd string, args ...string) (string, error)
}

// Platform captures Android devices. Permission comes from the embedded
// Authorizer; a device is captured by at most one stream at a time.
type Platform struct {
	*capture.Authorizer

	shell       Shell
	opts        ServerOptions
	locks       keymutex.KeyMutex
	newLauncher func(serial string) launcher
}

var _ capture.Platform = (*Platform)(nil)

func NewPlatform(auth *capture.Authorizer, shell Shell, opts ServerOptions) *Platform {
	return &Platform{
		Authorizer: auth,
		shell:      shell,
		opts:       opts,
		locks:      keymutex.NewHashed(0),
		newLauncher: func(serial string) launcher {
			return newServer(serial, opts)
		},
	}
}

func (p *Platform) BeginCapture(ctx context.Context, grant capture.Grant, enc media.EncoderConfig) (capture.FrameSource, error) {
	if !grant.Valid() {
		return nil, errors.Wrap(errdefs.ErrResourceDenied, "capture without a grant")
	}
	serial := grant.Device
	p.locks.LockKey(serial)

	width, height, density, err := p.display(serial)
	if err != nil {
		_ = p.locks.UnlockKey(serial)
		return nil, err
	}
	cfg, err := media.NewCaptureConfig(width, height, density, enc)
	if err != nil {
		_ = p.locks.UnlockKey(serial)
		return nil, err
	}

	encoderName := p.selectEncoder(serial)
	util.GetLogger().Info("Capture configured",
		"device", serial, "display", strconv.Itoa(width)+"x"+strconv.Itoa(height),
		"target", strconv.Itoa(cfg.TargetWidth)+"x"+strconv.Itoa(cfg.TargetHeight), "encoder", encoderName)

	return &source{
		codec:  newCodec(p.newLauncher(serial), encoderName),
		config: cfg,
		unlock: func() { _ = p.locks.UnlockKey(serial) },
	}, nil
}

func (p *Platform) display(serial string) (width, height, density int, err error) {
	sizeOut, err := p.shell.Shell(serial, "wm", "size")
	if err != nil {
		return 0, 0, 0, errors.Wrap(err, "failed to query display size")
	}
	width, height, err = parseWMSize(sizeOut)
	if err != nil {
		return 0, 0, 0, err
	}
	// Density only feeds logging and the capture record.
	if densityOut, err := p.shell.Shell(serial, "wm", "density"); err == nil {
		density, _ = parseWMDensity(densityOut)
	}
	return width, height, density, nil
}

var (
	sizePattern    = regexp.MustCompile(`(Physical|Override) size:\s*(\d+)x(\d+)`)
	densityPattern = regexp.MustCompile(`(Physical|Override) density:\s*(\d+)`)
)

// parseWMSize reads `wm size` output. An override size wins over the
// physical size.
func parseWMSize(out string) (int, int, error) {
	width, height := 0, 0
	for _, m := range sizePattern.FindAllStringSubmatch(out, -1) {
		w, _ := strconv.Atoi(m[2])
		h, _ := strconv.Atoi(m[3])
		if m[1] == "Override" || width == 0 {
			width, height = w, h
		}
	}
	if width == 0 || height == 0 {
		return 0, 0, errors.Wrapf(errdefs.ErrConfiguration, "unrecognized display size %q", strings.TrimSpace(out))
	}
	return width, height, nil
}

func parseWMDensity(out string) (int, bool) {
	density := 0
	for _, m := range densityPattern.FindAllStringSubmatch(out, -1) {
		d, _ := strconv.Atoi(m[2])
		if m[1] == "Override" || density == 0 {
			density = d
		}
	}
	return density, density > 0
}

// preferredAVCEncoders lists hardware encoders first.
var preferredAVCEncoders = []string{
	"c2.qti.avc.encoder",
	"c2.mtk.avc.encoder",
	"c2.exynos.avc.encoder",
	"c2.google.avc.encoder",
	"c2.hisilicon.avc.encoder",
	"c2.unisoc.avc.encoder",
}

const fallbackAVCEncoder = "c2.android.avc.encoder"

func (p *Platform) selectEncoder(serial string) string {
	out, err := p.shell.Shell(serial, "sh", "-c", "cat /vendor/etc/media_codecs*.xml 2>/dev/null")
	if err != nil {
		return fallbackAVCEncoder
	}
	return chooseEncoder(parseEncoderNames([]byte(out)))
}

func chooseEncoder(available map[string]bool) string {
	for _, name := range preferredAVCEncoders {
		if available[name] {
			return name
		}
	}
	return fallbackAVCEncoder
}

// parseEncoderNames collects the name attributes of media_codecs XML
// elements that name an encoder.
func parseEncoderNames(data []byte) map[string]bool {
	encoders := make(map[string]bool)
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		for _, a := range start.Attr {
			if a.Name.Local == "name" && strings.Contains(a.Value, "encoder") {
				encoders[a.Value] = true
				break
			}
		}
	}
	return encoders
}

// source is a started scrcpy capture.
type source struct {
	codec  *codec
	config media.CaptureConfig
	unlock func()
	once   sync.Once
}

func (s *source) Codec() encoder.Codec {
	return s.codec
}

func (s *source) CaptureConfig() media.CaptureConfig {
	return s.config
}

// Close releases the device. The pipeline normally released the codec
// already, in which case only the device lock is freed.
func (s *source) Close() error {
	var err error
	s.once.Do(func() {
		err = s.codec.Release()
		s.unlock()
	})
	return err
}

package media

import (
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// SplitParameterSets extracts the SPS and PPS NAL units from an Annex-B
// payload. The returned slices alias data.
func SplitParameterSets(data []byte) (sps, pps []byte, err error) {
	var au h264.AnnexB
	if err := au.Unmarshal(data); err != nil {
		return nil, nil, fmt.Errorf("failed to parse Annex-B parameter sets: %w", err)
	}

	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeSPS:
			sps = nalu
		case h264.NALUTypePPS:
			pps = nalu
		}
	}

	if len(sps) == 0 || len(pps) == 0 {
		return nil, nil, fmt.Errorf("parameter sets incomplete: sps=%d pps=%d bytes", len(sps), len(pps))
	}
	return sps, pps, nil
}

// AnnexB joins NAL units with start codes.
func AnnexB(nalus ...[]byte) ([]byte, error) {
	return h264.AnnexB(nalus).Marshal()
}

// ContainsIDR reports whether an Annex-B access unit holds an IDR slice.
func ContainsIDR(data []byte) bool {
	var au h264.AnnexB
	if err := au.Unmarshal(data); err != nil {
		return false
	}
	for _, nalu := range au {
		if len(nalu) > 0 && h264.NALUType(nalu[0]&0x1F) == h264.NALUTypeIDR {
			return true
		}
	}
	return false
}

package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testSPS = []byte{0x67, 0x42, 0x00, 0x1e, 0x96, 0x54, 0x05, 0x01, 0xed, 0x80}
	testPPS = []byte{0x68, 0xce, 0x38, 0x80}
)

func TestSplitParameterSets(t *testing.T) {
	data := append([]byte{0x00, 0x00, 0x00, 0x01}, testSPS...)
	data = append(data, 0x00, 0x00, 0x00, 0x01)
	data = append(data, testPPS...)

	sps, pps, err := SplitParameterSets(data)
	require.NoError(t, err)
	assert.Equal(t, testSPS, sps)
	assert.Equal(t, testPPS, pps)
}

func TestSplitParameterSetsIncomplete(t *testing.T) {
	data := append([]byte{0x00, 0x00, 0x00, 0x01}, testSPS...)
	_, _, err := SplitParameterSets(data)
	assert.Error(t, err)
}

func TestAnnexBRoundTrip(t *testing.T) {
	joined, err := AnnexB(testSPS, testPPS)
	require.NoError(t, err)

	sps, pps, err := SplitParameterSets(joined)
	require.NoError(t, err)
	assert.Equal(t, testSPS, sps)
	assert.Equal(t, testPPS, pps)
}

func TestContainsIDR(t *testing.T) {
	idr, err := AnnexB([]byte{0x65, 0x88, 0x84})
	require.NoError(t, err)
	assert.True(t, ContainsIDR(idr))

	slice, err := AnnexB([]byte{0x41, 0x9a, 0x02})
	require.NoError(t, err)
	assert.False(t, ContainsIDR(slice))
}

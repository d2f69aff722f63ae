package signaling

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{name: "offer", msg: NewOffer("", "v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\n")},
		{name: "offer with peer", msg: NewOffer("viewer-1", "v=0\r\n")},
		{name: "answer", msg: NewAnswer("", "v=0\r\n")},
		{name: "answer with peer", msg: NewAnswer("viewer-2", "v=0\r\n")},
		{name: "candidate", msg: NewCandidate("", "0", 0, "candidate:1 1 udp 2122260223 192.168.1.2 54321 typ host")},
		{name: "candidate with peer", msg: NewCandidate("viewer-3", "video", 1, "candidate:2 1 tcp 1 10.0.0.1 9 typ host")},
		{name: "request", msg: NewRequest("viewer-4")},
		{name: "bye", msg: NewBye("")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.msg)
			require.NoError(t, err)

			got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, got)
		})
	}
}

func TestEncodeWireShape(t *testing.T) {
	data, err := Encode(NewCandidate("", "0", 0, "candidate:1"))
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "candidate", raw["type"])
	_, hasPeer := raw["peerId"]
	assert.False(t, hasPeer, "absent peerId must be omitted")

	cand, ok := raw["candidate"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "0", cand["sdpMid"])
	assert.Equal(t, float64(0), cand["sdpMLineIndex"])
	assert.Equal(t, "candidate:1", cand["candidate"])

	data, err = Encode(NewOffer("p1", "v=0"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"offer","sdp":"v=0","peerId":"p1"}`, string(data))
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want error
	}{
		{name: "not json", data: `{"type":`, want: ErrMalformed},
		{name: "missing type", data: `{"sdp":"v=0"}`, want: ErrMalformed},
		{name: "offer without sdp", data: `{"type":"offer"}`, want: ErrMalformed},
		{name: "candidate without payload", data: `{"type":"candidate"}`, want: ErrMalformed},
		{name: "unknown type", data: `{"type":"hello"}`, want: ErrUnknownType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDecodeBrowserCandidate(t *testing.T) {
	data := `{"type":"candidate","peerId":"abc","candidate":{"candidate":"candidate:0 1 UDP 1 1.2.3.4 5 typ host","sdpMid":"0","sdpMLineIndex":0,"usernameFragment":"x"}}`
	m, err := Decode([]byte(data))
	require.NoError(t, err)
	assert.Equal(t, "abc", m.PeerID)
	assert.Equal(t, "0", m.Candidate.SDPMid)
}

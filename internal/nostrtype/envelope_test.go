package nostrtype

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentifyEnvelope(t *testing.T) {
	kind, err := IdentifyEnvelope([]byte(`["EVENT","sub1",{}]`))
	require.NoError(t, err)
	assert.Equal(t, KindEvent, kind)

	kind, err = IdentifyEnvelope([]byte(`["EOSE","sub1"]`))
	require.NoError(t, err)
	assert.Equal(t, KindEOSE, kind)

	_, err = IdentifyEnvelope([]byte(`not json`))
	assert.Error(t, err)
}

func TestEncodeReqAndClose(t *testing.T) {
	f, err := NewFilter([]byte(`{"kinds":[1]}`))
	require.NoError(t, err)

	frame, err := EncodeReq("sub1", f.WithSince(100))
	require.NoError(t, err)
	assert.Contains(t, string(frame), `"REQ"`)
	assert.Contains(t, string(frame), `"since":100`)

	frame, err = EncodeClose("sub1")
	require.NoError(t, err)
	assert.JSONEq(t, `["CLOSE","sub1"]`, string(frame))
}

func TestDecodeEvent(t *testing.T) {
	raw := []byte(`["EVENT","sub1",{"id":"` + sampleHex(64) + `","pubkey":"` + sampleHex(64) + `","created_at":100,"kind":1,"tags":[],"content":"hello","sig":"abcd"}]`)
	env, err := DecodeEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, "sub1", env.SubscriptionID)
	assert.Equal(t, "hello", env.Event.Content)
	assert.NoError(t, env.Event.ValidateStructure())
}

func TestDecodeEOSENoticeOK(t *testing.T) {
	eose, err := DecodeEOSE([]byte(`["EOSE","sub1"]`))
	require.NoError(t, err)
	assert.Equal(t, "sub1", eose.SubscriptionID)

	notice, err := DecodeNotice([]byte(`["NOTICE","rate limited"]`))
	require.NoError(t, err)
	assert.Equal(t, "rate limited", notice.Message)

	ok, err := DecodeOK([]byte(`["OK","` + sampleHex(64) + `",true,"duplicate"]`))
	require.NoError(t, err)
	assert.True(t, ok.Accepted)
	assert.Equal(t, "duplicate", ok.Message)
}

func sampleHex(n int) string {
	out := make([]byte, n)
	for i := range out {
		out[i] = "0123456789abcdef"[i%16]
	}
	return string(out)
}

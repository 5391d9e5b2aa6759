package upstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFrames_MixedBatch(t *testing.T) {
	raw := []byte(`[
		{"T":"t","S":"AAPL","i":1,"x":"Q","p":150.5,"s":100,"c":["@"],"t":"2022-01-01T00:00:10Z","z":"C"},
		{"T":"q","S":"AAPL","bx":"Q","bp":150.0,"bs":1,"ax":"Q","ap":150.5,"as":1,"t":"2022-01-01T00:00:11Z","z":"C"},
		{"T":"b","S":"AAPL","o":150,"h":151,"l":149,"c":150.5,"v":1000,"t":"2022-01-01T00:00:00Z","n":12,"vw":150.2},
		{"T":"success","msg":"authenticated"},
		{"T":"error","code":406,"msg":"connection limit exceeded"}
	]`)

	frames, err := DecodeFrames(raw)
	require.NoError(t, err)
	require.Len(t, frames, 5)

	assert.Equal(t, KindTrade, frames[0].Kind)
	assert.Equal(t, "AAPL", frames[0].Trade.Symbol)
	assert.Equal(t, 150.5, frames[0].Trade.Price)

	assert.Equal(t, KindQuote, frames[1].Kind)
	assert.Equal(t, 150.0, frames[1].Quote.BidPrice)

	assert.Equal(t, KindBar, frames[2].Kind)
	assert.Equal(t, 151.0, frames[2].Bar.High)

	assert.Equal(t, KindSuccess, frames[3].Kind)
	assert.Equal(t, "authenticated", frames[3].Success.Msg)

	assert.Equal(t, KindError, frames[4].Kind)
	assert.Equal(t, 406, frames[4].Error.Code)
}

func TestDecodeFrames_UnknownDiscriminatorSkipped(t *testing.T) {
	raw := []byte(`[{"T":"subscription","trades":["AAPL"]}]`)
	frames, err := DecodeFrames(raw)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, FrameKind("subscription"), frames[0].Kind)
}

func TestDecodeFrames_MissingDiscriminatorIsNotShutdownSentinel(t *testing.T) {
	raw := []byte(`[{}]`)
	frames, err := DecodeFrames(raw)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, FrameKind(""), frames[0].Kind)
	assert.False(t, frames[0].IsShutdownSentinel())
}

func TestShutdownSentinel_IsDistinctFromZeroFrame(t *testing.T) {
	assert.True(t, ShutdownSentinel().IsShutdownSentinel())
	assert.False(t, Frame{}.IsShutdownSentinel())
}

func TestDecodeFrames_InvalidJSON(t *testing.T) {
	_, err := DecodeFrames([]byte(`not json`))
	assert.Error(t, err)
}

func TestClassify_FatalAuthCodes(t *testing.T) {
	assert.True(t, IsFatalErrorFrame(402))
	assert.True(t, IsFatalErrorFrame(403))
	assert.True(t, IsFatalErrorFrame(404))
	assert.False(t, IsFatalErrorFrame(406)) // connection limit exceeded: retriable
	assert.False(t, IsFatalErrorFrame(407)) // slow client: retriable
}

func TestClassify_FatalCloseCodes(t *testing.T) {
	assert.True(t, IsFatalCloseCode(1008))
	assert.True(t, IsFatalCloseCode(1002))
	assert.True(t, IsFatalCloseCode(1003))
	assert.False(t, IsFatalCloseCode(1006))
}

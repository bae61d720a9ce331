package audio

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormat_BytesFor(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		dur    time.Duration
		want   int
	}{
		{name: "mulaw 20ms", format: Telephone, dur: 20 * time.Millisecond, want: 160},
		{name: "mulaw 1s", format: Telephone, dur: time.Second, want: 8000},
		{name: "linear16 20ms at 16k", format: Format{Encoding: EncodingLinear16, SampleRate: 16000}, dur: 20 * time.Millisecond, want: 640},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.format.BytesFor(tt.dur))
			assert.Equal(t, tt.dur, tt.format.DurationOf(tt.want))
		})
	}
}

func TestFormat_Validate(t *testing.T) {
	assert.NoError(t, Telephone.Validate())
	assert.Error(t, Format{Encoding: "opus", SampleRate: 48000}.Validate())
	assert.Error(t, Format{Encoding: EncodingMulaw}.Validate())
}

func TestNewFrame_CopiesPayload(t *testing.T) {
	payload := []byte{1, 2, 3}
	f := NewFrame(1, 0, payload, Telephone)
	payload[0] = 9

	assert.Equal(t, []byte{1, 2, 3}, f.Payload)
}

func TestSplit(t *testing.T) {
	payload := bytes.Repeat([]byte{0x10}, 400)

	frames := Split(payload, Telephone, DefaultFrameDuration, 5, time.Second)
	require.Len(t, frames, 3)

	assert.Equal(t, uint64(5), frames[0].Seq)
	assert.Equal(t, uint64(7), frames[2].Seq)
	assert.Len(t, frames[0].Payload, 160)
	assert.Len(t, frames[2].Payload, 80)
	assert.Equal(t, time.Second, frames[0].Timestamp)
	assert.Equal(t, time.Second+20*time.Millisecond, frames[1].Timestamp)
	assert.Equal(t, time.Second+50*time.Millisecond, frames[2].End())
}

func TestSplit_Empty(t *testing.T) {
	assert.Empty(t, Split(nil, Telephone, DefaultFrameDuration, 1, 0))
}

func TestMulaw_RoundTrip(t *testing.T) {
	for _, s := range []int16{0, 100, -100, 1000, -1000, 8000, -8000, 32000, -32000} {
		got := MulawDecode(MulawEncode(s))
		tolerance := float64(s)/16 + 16
		if tolerance < 0 {
			tolerance = -tolerance
		}
		assert.InDelta(t, float64(s), float64(got), tolerance, "sample %d", s)
	}
}

func TestMulawDecode_Extremes(t *testing.T) {
	assert.Equal(t, int16(0), MulawDecode(MulawSilence))
	assert.Equal(t, int16(0), MulawDecode(0x7F))
	assert.Equal(t, int16(-32124), MulawDecode(0x00))
	assert.Equal(t, int16(32124), MulawDecode(0x80))
}

func TestEnergy(t *testing.T) {
	silence := NewFrame(1, 0, bytes.Repeat([]byte{MulawSilence}, 160), Telephone)
	loud := NewFrame(2, 0, bytes.Repeat([]byte{0x00}, 160), Telephone)

	assert.Zero(t, Energy(silence))
	assert.InDelta(t, 32124, Energy(loud), 1)
	assert.Zero(t, Energy(Frame{Format: Telephone}))

	pcm := NewFrame(1, 0, []byte{0x10, 0x27, 0xF0, 0xD8}, Format{Encoding: EncodingLinear16, SampleRate: 8000})
	assert.InDelta(t, 10000, Energy(pcm), 1)
}

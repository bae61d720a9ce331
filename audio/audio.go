// Package audio defines the audio frames that flow between the carrier
// transport and the pipeline stages.
package audio

import (
	"fmt"
	"math"
	"time"
)

// Encoding identifies how samples are laid out in a frame payload.
type Encoding string

const (
	// EncodingMulaw is 8-bit G.711 μ-law, one byte per sample.
	EncodingMulaw Encoding = "mulaw"

	// EncodingLinear16 is signed 16-bit little-endian PCM.
	EncodingLinear16 Encoding = "linear16"
)

// DefaultFrameDuration is the frame size Twilio Media Streams uses.
const DefaultFrameDuration = 20 * time.Millisecond

// Format describes the encoding and sample rate of a frame.
type Format struct {
	Encoding   Encoding `yaml:"encoding" json:"encoding"`
	SampleRate int      `yaml:"sample_rate" json:"sample_rate"`
}

// Telephone is the carrier format: μ-law at 8kHz.
var Telephone = Format{Encoding: EncodingMulaw, SampleRate: 8000}

// BytesPerSample returns the payload bytes per sample.
func (f Format) BytesPerSample() int {
	if f.Encoding == EncodingLinear16 {
		return 2
	}
	return 1
}

// BytesFor returns the payload size covering d of audio.
func (f Format) BytesFor(d time.Duration) int {
	return int(int64(f.SampleRate) * int64(d) / int64(time.Second) * int64(f.BytesPerSample()))
}

// DurationOf returns the audio duration covered by n payload bytes.
func (f Format) DurationOf(n int) time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	samples := n / f.BytesPerSample()
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Validate reports whether the format is usable.
func (f Format) Validate() error {
	switch f.Encoding {
	case EncodingMulaw, EncodingLinear16:
	default:
		return fmt.Errorf("unsupported audio encoding %q", f.Encoding)
	}
	if f.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", f.SampleRate)
	}
	return nil
}

func (f Format) String() string {
	return fmt.Sprintf("%s/%d", f.Encoding, f.SampleRate)
}

// Frame is a chunk of audio. Frames are immutable once produced; NewFrame and
// Split copy the payload they are given.
type Frame struct {
	// Seq orders frames within a stream; it starts at 1.
	Seq uint64

	// Timestamp is the offset of the first sample from the start of the stream.
	Timestamp time.Duration

	Payload []byte
	Format  Format
}

// NewFrame creates a frame holding a copy of payload.
func NewFrame(seq uint64, ts time.Duration, payload []byte, format Format) Frame {
	data := make([]byte, len(payload))
	copy(data, payload)
	return Frame{Seq: seq, Timestamp: ts, Payload: data, Format: format}
}

// Duration returns the audio duration of the frame.
func (f Frame) Duration() time.Duration {
	return f.Format.DurationOf(len(f.Payload))
}

// End returns the offset just past the last sample.
func (f Frame) End() time.Duration {
	return f.Timestamp + f.Duration()
}

// Split cuts payload into frames of frameDur, numbering them from seq and
// stamping them from start. The last frame may be short.
func Split(payload []byte, format Format, frameDur time.Duration, seq uint64, start time.Duration) []Frame {
	size := format.BytesFor(frameDur)
	if size <= 0 {
		size = len(payload)
	}
	frames := make([]Frame, 0, len(payload)/max(size, 1)+1)
	ts := start
	for off := 0; off < len(payload); off += size {
		end := min(off+size, len(payload))
		f := NewFrame(seq, ts, payload[off:end], format)
		frames = append(frames, f)
		seq++
		ts += f.Duration()
	}
	return frames
}

// Energy returns the RMS amplitude of the frame on the 16-bit scale.
func Energy(f Frame) float64 {
	var sum float64
	var n int
	switch f.Format.Encoding {
	case EncodingLinear16:
		for i := 0; i+1 < len(f.Payload); i += 2 {
			s := float64(int16(uint16(f.Payload[i]) | uint16(f.Payload[i+1])<<8))
			sum += s * s
			n++
		}
	default:
		for _, b := range f.Payload {
			s := float64(MulawDecode(b))
			sum += s * s
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}

// MulawSilence is the μ-law byte for a zero sample.
const MulawSilence byte = 0xFF

// MulawDecode expands a G.711 μ-law byte to a 16-bit linear sample.
func MulawDecode(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F
	sample := (int32(mantissa)<<3 + 0x84) << exponent
	sample -= 0x84
	if sign != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

// MulawEncode compresses a 16-bit linear sample to a G.711 μ-law byte.
func MulawEncode(s int16) byte {
	const bias = 0x84
	const clip = 32635

	sample := int32(s)
	sign := byte(0)
	if sample < 0 {
		sign = 0x80
		sample = -sample
	}
	if sample > clip {
		sample = clip
	}
	sample += bias

	exponent := byte(7)
	for mask := int32(0x4000); sample&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte(sample>>(exponent+3)) & 0x0F
	return ^(sign | exponent<<4 | mantissa)
}

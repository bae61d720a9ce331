package transport

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/agentplexus/omnivoice-callagent/audio"
)

// Twilio Media Streams message types.
type mediaMessage struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSID      string        `json:"streamSid,omitempty"`
	Protocol       string        `json:"protocol,omitempty"`
	Start          *startMessage `json:"start,omitempty"`
	Media          *mediaPayload `json:"media,omitempty"`
	Mark           *markMessage  `json:"mark,omitempty"`
	DTMF           *dtmfMessage  `json:"dtmf,omitempty"`
}

type startMessage struct {
	StreamSID    string            `json:"streamSid"`
	AccountSID   string            `json:"accountSid"`
	CallSID      string            `json:"callSid"`
	Tracks       []string          `json:"tracks"`
	MediaFormat  mediaFormat       `json:"mediaFormat"`
	CustomParams map[string]string `json:"customParameters"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type mediaPayload struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

type markMessage struct {
	Name string `json:"name"`
}

type dtmfMessage struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

type outboundMessage struct {
	Event     string         `json:"event"`
	StreamSID string         `json:"streamSid"`
	Media     *outboundMedia `json:"media,omitempty"`
}

type outboundMedia struct {
	Payload string `json:"payload"`
}

func decodeMessage(data []byte) (*mediaMessage, error) {
	var msg mediaMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Event == "" {
		return nil, errors.New("message has no event")
	}
	return &msg, nil
}

func (s *startMessage) info() *StartInfo {
	params := make(map[string]string, len(s.CustomParams))
	for k, v := range s.CustomParams {
		params[k] = v
	}
	return &StartInfo{
		StreamSID:    s.StreamSID,
		CallSID:      s.CallSID,
		AccountSID:   s.AccountSID,
		Format:       s.MediaFormat.format(),
		CustomParams: params,
	}
}

// format maps the Twilio media format, which is μ-law 8kHz for every call
// today.
func (m mediaFormat) format() audio.Format {
	f := audio.Telephone
	switch strings.ToLower(m.Encoding) {
	case "audio/l16", "audio/x-l16":
		f.Encoding = audio.EncodingLinear16
	}
	if m.SampleRate > 0 {
		f.SampleRate = m.SampleRate
	}
	return f
}

func (m *mediaPayload) inbound() bool {
	return m.Track == "" || m.Track == "inbound"
}

// frame decodes the payload. Chunk numbers become sequence numbers; when a
// message carries none the previous sequence number is incremented.
func (m *mediaPayload) frame(prev uint64, format audio.Format) (audio.Frame, error) {
	payload, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil {
		return audio.Frame{}, fmt.Errorf("invalid media payload: %w", err)
	}

	seq := prev + 1
	if n, err := strconv.ParseUint(m.Chunk, 10, 64); err == nil && n > 0 {
		seq = n
	}

	ts := time.Duration(seq-1) * format.DurationOf(len(payload))
	if ms, err := strconv.ParseInt(m.Timestamp, 10, 64); err == nil && ms >= 0 {
		ts = time.Duration(ms) * time.Millisecond
	}

	return audio.NewFrame(seq, ts, payload, format), nil
}

func encodePayload(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

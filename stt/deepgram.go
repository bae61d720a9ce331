package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentplexus/omnivoice-callagent/audio"
)

// Deepgram defaults.
const (
	DefaultDeepgramURL   = "wss://api.deepgram.com"
	DefaultDeepgramModel = "nova-2"

	deepgramCloseTimeout = 2 * time.Second
)

// DeepgramConfig configures the Deepgram streaming transcriber.
type DeepgramConfig struct {
	APIKey   string
	Model    string
	Language string
	BaseURL  string
	Dialer   *websocket.Dialer
}

// Deepgram transcribes over the Deepgram live streaming websocket.
type Deepgram struct {
	cfg    DeepgramConfig
	logger *zap.Logger
}

var _ Transcriber = (*Deepgram)(nil)

// NewDeepgram creates a Deepgram transcriber.
func NewDeepgram(cfg DeepgramConfig, logger *zap.Logger) (*Deepgram, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("deepgram API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultDeepgramURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultDeepgramModel
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deepgram{cfg: cfg, logger: logger.With(zap.String("component", "deepgram"))}, nil
}

// Name returns the transcriber name.
func (d *Deepgram) Name() string { return "deepgram" }

// Open dials a live transcription session.
func (d *Deepgram) Open(ctx context.Context, format audio.Format) (Stream, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("model", d.cfg.Model)
	params.Set("encoding", string(format.Encoding))
	params.Set("sample_rate", strconv.Itoa(format.SampleRate))
	params.Set("channels", "1")
	params.Set("punctuate", "true")
	params.Set("interim_results", "true")
	if d.cfg.Language != "" {
		params.Set("language", d.cfg.Language)
	}
	endpoint := fmt.Sprintf("%s/v1/listen?%s", strings.TrimRight(d.cfg.BaseURL, "/"), params.Encode())

	header := http.Header{}
	header.Set("Authorization", "Token "+d.cfg.APIKey)

	conn, resp, err := d.cfg.Dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("deepgram handshake failed: status=%d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("deepgram dial failed: %w", err)
	}

	s := &deepgramStream{
		conn:    conn,
		results: make(chan Result, 64),
		done:    make(chan struct{}),
		abandon: make(chan struct{}),
		logger:  d.logger,
	}
	go s.readLoop()
	return s, nil
}

type deepgramStream struct {
	conn    *websocket.Conn
	results chan Result
	done    chan struct{}
	abandon chan struct{}
	logger  *zap.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// deepgramMessage is a live transcription server message.
type deepgramMessage struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

func (s *deepgramStream) Send(payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		return fmt.Errorf("failed to send audio to deepgram: %w", err)
	}
	return nil
}

func (s *deepgramStream) Results() <-chan Result { return s.results }

// Close asks Deepgram to flush and end the session. The connection is torn
// down once the server closes it or after a timeout.
func (s *deepgramStream) Close() error {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		err := s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
		s.writeMu.Unlock()
		if err != nil {
			s.logger.Debug("close stream message failed", zap.Error(err))
		}

		go func() {
			select {
			case <-s.done:
			case <-time.After(deepgramCloseTimeout):
			}
			close(s.abandon)
			_ = s.conn.Close()
		}()
	})
	return nil
}

func (s *deepgramStream) readLoop() {
	defer close(s.done)
	defer close(s.results)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-s.abandon:
				default:
					s.deliver(Result{Err: fmt.Errorf("deepgram stream failed: %w", err)})
				}
			}
			return
		}

		var msg deepgramMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("ignoring malformed deepgram message", zap.Error(err))
			continue
		}

		switch msg.Type {
		case "Results":
			if len(msg.Channel.Alternatives) == 0 {
				continue
			}
			alt := msg.Channel.Alternatives[0]
			if alt.Transcript == "" && !msg.IsFinal {
				continue
			}
			if !s.deliver(Result{
				Text:       alt.Transcript,
				IsFinal:    msg.IsFinal || msg.SpeechFinal,
				Confidence: alt.Confidence,
			}) {
				return
			}
		case "Error":
			text := msg.Description
			if text == "" {
				text = msg.Message
			}
			if !s.deliver(Result{Err: fmt.Errorf("deepgram error: %s", text)}) {
				return
			}
		}
	}
}

func (s *deepgramStream) deliver(r Result) bool {
	select {
	case s.results <- r:
		return true
	case <-s.abandon:
		return false
	}
}

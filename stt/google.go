package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/agentplexus/omnivoice-callagent/audio"
)

const googleCloseTimeout = 5 * time.Second

// GoogleConfig configures the Google Cloud Speech transcriber.
type GoogleConfig struct {
	// CredentialsFile is a service account key file. When empty, Application
	// Default Credentials are used.
	CredentialsFile string
	LanguageCode    string
	Model           string
}

// Google transcribes with Cloud Speech-to-Text streaming recognition.
type Google struct {
	client *speech.Client
	cfg    GoogleConfig
	logger *zap.Logger
}

var _ Transcriber = (*Google)(nil)

// NewGoogle creates a Google transcriber. Close releases the client.
func NewGoogle(ctx context.Context, cfg GoogleConfig, logger *zap.Logger) (*Google, error) {
	if cfg.LanguageCode == "" {
		cfg.LanguageCode = "en-US"
	}
	if cfg.Model == "" {
		cfg.Model = "phone_call"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}
	return &Google{client: client, cfg: cfg, logger: logger.With(zap.String("component", "google-stt"))}, nil
}

// Name returns the transcriber name.
func (g *Google) Name() string { return "google" }

// Close cleans up the speech client connection.
func (g *Google) Close() error {
	return g.client.Close()
}

// Open starts a streaming recognize call.
func (g *Google) Open(ctx context.Context, format audio.Format) (Stream, error) {
	encoding, err := googleEncoding(format)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	client, err := g.client.StreamingRecognize(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("could not start streaming recognize: %w", err)
	}

	if err := client.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:                   encoding,
					SampleRateHertz:            int32(format.SampleRate),
					AudioChannelCount:          1,
					LanguageCode:               g.cfg.LanguageCode,
					Model:                      g.cfg.Model,
					EnableAutomaticPunctuation: true,
				},
				InterimResults: true,
			},
		},
	}); err != nil {
		cancel()
		return nil, fmt.Errorf("could not send streaming config: %w", err)
	}

	s := &googleStream{
		client:  client,
		cancel:  cancel,
		results: make(chan Result, 64),
	}
	go s.recvLoop(ctx)

	g.logger.Debug("streaming recognize opened", zap.Stringer("format", format))
	return s, nil
}

func googleEncoding(format audio.Format) (speechpb.RecognitionConfig_AudioEncoding, error) {
	switch format.Encoding {
	case audio.EncodingMulaw:
		return speechpb.RecognitionConfig_MULAW, nil
	case audio.EncodingLinear16:
		return speechpb.RecognitionConfig_LINEAR16, nil
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, fmt.Errorf("unsupported audio encoding %q", format.Encoding)
	}
}

type googleStream struct {
	client  speechpb.Speech_StreamingRecognizeClient
	cancel  context.CancelFunc
	results chan Result

	sendMu    sync.Mutex
	closeOnce sync.Once
}

func (s *googleStream) Send(payload []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	err := s.client.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: payload,
		},
	})
	if err != nil {
		return fmt.Errorf("could not send audio content: %w", err)
	}
	return nil
}

func (s *googleStream) Results() <-chan Result { return s.results }

// Close half-closes the stream so the service returns its last results.
func (s *googleStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.sendMu.Lock()
		err = s.client.CloseSend()
		s.sendMu.Unlock()
		time.AfterFunc(googleCloseTimeout, s.cancel)
	})
	return err
}

func (s *googleStream) recvLoop(ctx context.Context) {
	defer s.cancel()
	defer close(s.results)

	for {
		resp, err := s.client.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				s.deliver(ctx, Result{Err: fmt.Errorf("cannot stream results: %w", err)})
			}
			return
		}
		if st := resp.GetError(); st != nil {
			s.deliver(ctx, Result{Err: fmt.Errorf("speech recognition error %d: %s", st.GetCode(), st.GetMessage())})
			continue
		}
		for _, result := range resp.GetResults() {
			alts := result.GetAlternatives()
			if len(alts) == 0 {
				continue
			}
			if !s.deliver(ctx, Result{
				Text:       alts[0].GetTranscript(),
				IsFinal:    result.GetIsFinal(),
				Confidence: float64(alts[0].GetConfidence()),
			}) {
				return
			}
		}
	}
}

func (s *googleStream) deliver(ctx context.Context, r Result) bool {
	select {
	case s.results <- r:
		return true
	case <-ctx.Done():
		return false
	}
}

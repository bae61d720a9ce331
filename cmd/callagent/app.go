package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	callagent "github.com/agentplexus/omnivoice-callagent"
	"github.com/agentplexus/omnivoice-callagent/agent"
	"github.com/agentplexus/omnivoice-callagent/callsystem"
	"github.com/agentplexus/omnivoice-callagent/config"
	"github.com/agentplexus/omnivoice-callagent/internal/metrics"
	"github.com/agentplexus/omnivoice-callagent/pipeline"
	"github.com/agentplexus/omnivoice-callagent/server"
	"github.com/agentplexus/omnivoice-callagent/store"
	"github.com/agentplexus/omnivoice-callagent/stt"
	"github.com/agentplexus/omnivoice-callagent/transport"
	"github.com/agentplexus/omnivoice-callagent/tts"
)

// app holds the running service.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	calls   *callsystem.Provider
	media   *transport.Provider
	server  *server.Server
	closers []io.Closer
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.closeAll()
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(callagent.ServiceName, registry, logger)

	st, err := a.newStore(ctx)
	if err != nil {
		return nil, err
	}

	transcriber, err := a.newTranscriber(ctx)
	if err != nil {
		return nil, err
	}
	transcription, err := cfg.Transcriber.StageConfig()
	if err != nil {
		return nil, err
	}
	generator, err := agent.NewOpenAI(agent.OpenAIConfig{
		APIKey:      cfg.OpenAI.APIKey,
		BaseURL:     cfg.OpenAI.BaseURL,
		Model:       cfg.OpenAI.Model,
		Temperature: cfg.OpenAI.Temperature,
		MaxTokens:   cfg.OpenAI.MaxTokens,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create agent: %w", err)
	}
	synthesizer, err := a.newSynthesizer()
	if err != nil {
		return nil, err
	}

	factory := &pipeline.Factory{
		Transcriber:   transcriber,
		Transcription: transcription,
		Generator:     generator,
		Synthesizer:   synthesizer,
		Config:        cfg.Pipeline,
		Logger:        logger,
		Metrics:       collector,
	}
	if err := factory.Validate(); err != nil {
		return nil, err
	}

	a.calls, err = callsystem.New(
		callsystem.WithAccountSID(cfg.Twilio.AccountSID),
		callsystem.WithAuthToken(cfg.Twilio.AuthToken),
		callsystem.WithPhoneNumber(cfg.Twilio.PhoneNumber),
		callsystem.WithBaseURL(cfg.BaseURL),
		callsystem.WithAPIBaseURL(cfg.Twilio.APIBaseURL),
		callsystem.WithStore(st),
		callsystem.WithDefaultAgent(cfg.Agent),
		callsystem.WithSignatureValidation(cfg.Twilio.ValidateSignatures),
		callsystem.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	if cfg.Twilio.VerifyCallerNumber {
		if err := a.calls.VerifyCallerNumber(ctx); err != nil {
			return nil, err
		}
	}

	a.media = transport.New(transport.WithLogger(logger))
	a.server, err = server.New(cfg, a.calls, a.media, factory,
		server.WithLogger(logger),
		server.WithMetrics(collector),
	)
	if err != nil {
		return nil, err
	}

	logger.Info("call agent configured",
		zap.String("base_url", a.calls.BaseURL()),
		zap.String("transcriber", transcriber.Name()),
		zap.String("endpointing", cfg.Transcriber.Endpointing),
		zap.String("generator", generator.Name()),
		zap.String("synthesizer", synthesizer.Name()),
		zap.String("store", cfg.Store.Driver),
	)
	return a, nil
}

func (a *app) newStore(ctx context.Context) (store.Store, error) {
	switch a.cfg.Store.Driver {
	case config.StoreRedis:
		r, err := store.NewRedis(ctx, store.RedisConfig{
			Addr:     a.cfg.Store.Redis.Addr,
			Password: a.cfg.Store.Redis.Password,
			DB:       a.cfg.Store.Redis.DB,
			TTL:      a.cfg.Store.Redis.TTL,
		}, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, r)
		return r, nil
	default:
		return store.NewMemory(), nil
	}
}

func (a *app) newTranscriber(ctx context.Context) (stt.Transcriber, error) {
	switch a.cfg.Transcriber.Provider {
	case config.TranscriberGoogle:
		g, err := stt.NewGoogle(ctx, stt.GoogleConfig{
			CredentialsFile: a.cfg.Google.CredentialsFile,
			LanguageCode:    a.cfg.Google.LanguageCode,
			Model:           a.cfg.Google.Model,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create transcriber: %w", err)
		}
		a.closers = append(a.closers, g)
		return g, nil
	default:
		d, err := stt.NewDeepgram(stt.DeepgramConfig{
			APIKey:   a.cfg.Deepgram.APIKey,
			Model:    a.cfg.Deepgram.Model,
			Language: a.cfg.Deepgram.Language,
			BaseURL:  a.cfg.Deepgram.BaseURL,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create transcriber: %w", err)
		}
		return d, nil
	}
}

func (a *app) newSynthesizer() (tts.Synthesizer, error) {
	var (
		s   tts.Synthesizer
		err error
	)
	switch a.cfg.Synthesizer.Provider {
	case config.SynthesizerElevenLabs:
		s, err = tts.NewElevenLabs(tts.ElevenLabsConfig{
			APIKey:  a.cfg.ElevenLabs.APIKey,
			VoiceID: a.cfg.ElevenLabs.VoiceID,
			Model:   a.cfg.ElevenLabs.Model,
			BaseURL: a.cfg.ElevenLabs.BaseURL,
		})
	default:
		s, err = tts.NewAzure(tts.AzureConfig{
			Key:      a.cfg.Azure.Key,
			Region:   a.cfg.Azure.Region,
			Voice:    a.cfg.Azure.Voice,
			Language: a.cfg.Azure.Language,
			Rate:     a.cfg.Azure.Rate,
			Pitch:    a.cfg.Azure.Pitch,
			Endpoint: a.cfg.Azure.Endpoint,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create synthesizer: %w", err)
	}
	return s, nil
}

// run serves until ctx ends, then stops the calls in progress.
func (a *app) run(ctx context.Context) error {
	listener, err := net.Listen("tcp", a.cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.Server.Addr(), err)
	}

	httpServer := &http.Server{
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: a.cfg.Server.ReadTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("starting HTTP server", zap.String("addr", listener.Addr().String()))
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.logger.Info("received shutdown signal")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if serveErr != nil {
		errs = append(errs, serveErr)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop HTTP server: %w", err))
	}
	if err := a.calls.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("failed to hang up calls: %w", err))
	}
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("failed to end call sessions: %w", err))
	}
	_ = a.media.Close()
	a.closeAll()
	return errors.Join(errs...)
}

func (a *app) closeAll() {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.logger.Warn("failed to close", zap.Error(err))
		}
	}
	a.closers = nil
}

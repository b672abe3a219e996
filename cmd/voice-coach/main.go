package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/user/voice-coach/internal/audio"
	"github.com/user/voice-coach/internal/config"
	"github.com/user/voice-coach/internal/device"
	"github.com/user/voice-coach/internal/pipeline"
	"github.com/user/voice-coach/internal/playback"
	"github.com/user/voice-coach/internal/session"
	"github.com/user/voice-coach/internal/transport/gemini"
	"github.com/user/voice-coach/internal/transport/websocket"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	setupLogging(cfg.LogLevel)

	log.Info().Msg("Starting voice coach")

	transport, err := newTransport(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create voice transport")
	}

	var gate audio.SpeechGate
	if cfg.SpeechGate == "webrtc" {
		webrtcGate, err := audio.NewWebRTCGate(cfg.SpeechGateMode)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create speech gate")
		}
		defer webrtcGate.Close()
		gate = webrtcGate
	}

	deps := pipeline.Deps{
		Source:    device.NewInput(cfg.CaptureSampleRate, cfg.FrameSize()),
		Sink:      device.NewOutput(cfg.PlaybackSampleRate, cfg.PlaybackSampleRate*cfg.FrameMS/1000),
		Transport: transport,
		Gate:      gate,
	}

	orchestrator := pipeline.New(cfg.Pipeline(), deps, callbacks())

	sessionID := uuid.New().String()
	startCtx, cancelStart := context.WithTimeout(context.Background(), 10*time.Second)
	err = orchestrator.Start(startCtx, pipeline.SessionParams{
		ID:       sessionID,
		Metadata: map[string]string{"client": "voice-coach"},
	})
	cancelStart()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start pipeline")
	}

	log.Info().
		Str("session_id", sessionID).
		Msg("Listening. Press Ctrl+C to exit.")

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	select {
	case <-c:
		log.Info().Msg("Shutting down...")
	case <-orchestrator.Done():
		if err := orchestrator.Wait(); err != nil {
			log.Error().Err(err).Msg("Pipeline stopped with error")
			os.Exit(1)
		}
		return
	}

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	go orchestrator.Stop()

	select {
	case <-orchestrator.Done():
		log.Info().Msg("Voice coach stopped gracefully")
	case <-ctx.Done():
		log.Warn().Msg("Shutdown timeout exceeded, forcing exit")
	}
}

func newTransport(cfg *config.Config) (session.Transport, error) {
	switch cfg.VoiceBackend {
	case "websocket":
		return websocket.New(websocket.Config{
			URL:      cfg.VoiceEndpointURL,
			APIKey:   cfg.VoiceAPIKey,
			Codec:    cfg.VoiceCodec,
			TextSafe: cfg.VoiceTextSafe,
		}), nil
	case "gemini":
		t, err := gemini.New(context.Background(), gemini.Config{
			APIKey: cfg.VoiceAPIKey,
			Model:  cfg.VoiceModel,
			Voice:  cfg.VoiceName,
		})
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unknown voice backend %q", cfg.VoiceBackend)
	}
}

func callbacks() pipeline.Callbacks {
	return pipeline.Callbacks{
		OnUtteranceReady: func(u audio.Utterance) {
			log.Info().
				Str("utterance_id", u.ID.String()).
				Dur("duration", u.Duration).
				Bool("forced", u.Forced).
				Msg("Utterance ready")
		},
		OnSpeakingStatusChanged: func(speaking bool) {
			log.Debug().Bool("speaking", speaking).Msg("Speaking status changed")
		},
		OnSessionError: func(err error) {
			log.Error().Err(err).Msg("Voice session error")
		},
		OnPlaybackStateChanged: func(state playback.State) {
			log.Debug().Str("state", state.String()).Msg("Playback state changed")
		},
		OnSessionStateChanged: func(state session.State) {
			log.Debug().Str("state", state.String()).Msg("Session state changed")
		},
		OnTranscript: func(t session.Transcript) {
			event := log.Debug()
			if t.Final {
				event = log.Info()
			}
			event.
				Str("role", string(t.Role)).
				Str("text", t.Text).
				Msg("Transcript")
		},
	}
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Str("level", level).Msg("Logging configured")
}

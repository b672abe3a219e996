package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/user/voice-coach/internal/audio"
	"github.com/user/voice-coach/internal/pipeline"
)

type Config struct {
	// Segmentation
	SilenceThresholdRMS  float64
	HangoverMS           int
	MaxUtteranceMS       int
	MinUtteranceMS       int
	SpeakingThresholdRMS float64

	// Audio devices and rates
	CaptureSampleRate        int
	FrameMS                  int
	EndpointSampleRate       int
	EndpointOutputSampleRate int
	PlaybackSampleRate       int

	// Voice endpoint
	VoiceBackend     string // "websocket" or "gemini"
	VoiceEndpointURL string
	VoiceAPIKey      string
	VoiceModel       string
	VoiceName        string
	VoiceCodec       string // "pcm" or "opus"
	VoiceTextSafe    bool

	// Speech gate
	SpeechGate     string // "webrtc" or "none"
	SpeechGateMode int

	// Session
	MaxConsecutiveFailures int
	ConnectTimeoutMS       int

	// Logging
	LogLevel string
}

func Load() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("No .env file found, using environment variables only")
	}

	cfg := FromEnv()
	return cfg, cfg.validate()
}

// FromEnv reads the settings from the process environment only.
func FromEnv() *Config {
	maxUtteranceMS := getIntEnvOrDefault("MAX_UTTERANCE_MS", 45000)

	return &Config{
		// Segmentation
		SilenceThresholdRMS:  getFloatEnvOrDefault("SILENCE_THRESHOLD_RMS", 0.02),
		HangoverMS:           getIntEnvOrDefault("HANGOVER_MS", 3000),
		MaxUtteranceMS:       maxUtteranceMS,
		MinUtteranceMS:       getIntEnvOrDefault("MIN_UTTERANCE_MS", 300),
		SpeakingThresholdRMS: getFloatEnvOrDefault("SPEAKING_THRESHOLD_RMS", 0.02),

		// Audio
		CaptureSampleRate:        getIntEnvOrDefault("CAPTURE_SAMPLE_RATE", 48000),
		FrameMS:                  getIntEnvOrDefault("FRAME_MS", 20),
		EndpointSampleRate:       getIntEnvOrDefault("ENDPOINT_SAMPLE_RATE", 16000),
		EndpointOutputSampleRate: getIntEnvOrDefault("ENDPOINT_OUTPUT_SAMPLE_RATE", 24000),
		PlaybackSampleRate:       getIntEnvOrDefault("PLAYBACK_SAMPLE_RATE", 48000),

		// Voice endpoint
		VoiceBackend:     getEnvOrDefault("VOICE_BACKEND", "websocket"),
		VoiceEndpointURL: getEnvOrDefault("VOICE_ENDPOINT_URL", "ws://localhost:8081/v1/voice"),
		VoiceAPIKey:      os.Getenv("VOICE_API_KEY"),
		VoiceModel:       getEnvOrDefault("VOICE_MODEL", "gemini-2.5-flash-preview-native-audio-dialog"),
		VoiceName:        getEnvOrDefault("VOICE_NAME", "Orus"),
		VoiceCodec:       getEnvOrDefault("VOICE_CODEC", "pcm"),
		VoiceTextSafe:    getBoolEnvOrDefault("VOICE_TEXT_SAFE", false),

		// Speech gate
		SpeechGate:     getEnvOrDefault("SPEECH_GATE", "webrtc"),
		SpeechGateMode: getIntEnvOrDefault("SPEECH_GATE_MODE", 2),

		// Session
		MaxConsecutiveFailures: getIntEnvOrDefault("MAX_CONSECUTIVE_FAILURES", 5),
		ConnectTimeoutMS:       getIntEnvOrDefault("CONNECT_TIMEOUT_MS", maxUtteranceMS),

		// Logging
		LogLevel: getEnvOrDefault("LOG_LEVEL", "info"),
	}
}

func (c *Config) validate() error {
	if c.SilenceThresholdRMS <= 0 {
		return fmt.Errorf("SILENCE_THRESHOLD_RMS must be greater than 0")
	}

	if c.HangoverMS <= 0 {
		return fmt.Errorf("HANGOVER_MS must be greater than 0")
	}

	if c.MaxUtteranceMS <= 0 {
		return fmt.Errorf("MAX_UTTERANCE_MS must be greater than 0")
	}

	if c.MinUtteranceMS < 0 || c.MinUtteranceMS >= c.MaxUtteranceMS {
		return fmt.Errorf("MIN_UTTERANCE_MS must be between 0 and MAX_UTTERANCE_MS")
	}

	if c.FrameMS <= 0 {
		return fmt.Errorf("FRAME_MS must be greater than 0")
	}

	for key, rate := range map[string]int{
		"CAPTURE_SAMPLE_RATE":         c.CaptureSampleRate,
		"ENDPOINT_SAMPLE_RATE":        c.EndpointSampleRate,
		"ENDPOINT_OUTPUT_SAMPLE_RATE": c.EndpointOutputSampleRate,
		"PLAYBACK_SAMPLE_RATE":        c.PlaybackSampleRate,
	} {
		if rate < 8000 {
			return fmt.Errorf("%s must be at least 8000", key)
		}
	}

	switch c.VoiceBackend {
	case "websocket":
		if c.VoiceEndpointURL == "" {
			return fmt.Errorf("VOICE_ENDPOINT_URL is required when using websocket backend")
		}
	case "gemini":
		if c.VoiceAPIKey == "" {
			return fmt.Errorf("VOICE_API_KEY is required when using gemini backend")
		}
	default:
		return fmt.Errorf("VOICE_BACKEND must be 'websocket' or 'gemini'")
	}

	if c.VoiceCodec != "pcm" && c.VoiceCodec != "opus" {
		return fmt.Errorf("VOICE_CODEC must be 'pcm' or 'opus'")
	}

	if c.VoiceCodec == "opus" {
		for key, rate := range map[string]int{
			"ENDPOINT_SAMPLE_RATE":        c.EndpointSampleRate,
			"ENDPOINT_OUTPUT_SAMPLE_RATE": c.EndpointOutputSampleRate,
		} {
			if !audio.OpusRateSupported(rate) {
				return fmt.Errorf("%s must be 8000, 12000, 16000, 24000 or 48000 with opus codec", key)
			}
		}
	}

	if c.SpeechGate != "webrtc" && c.SpeechGate != "none" {
		return fmt.Errorf("SPEECH_GATE must be 'webrtc' or 'none'")
	}

	if c.SpeechGateMode < 0 || c.SpeechGateMode > 3 {
		return fmt.Errorf("SPEECH_GATE_MODE must be between 0 and 3")
	}

	if c.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("MAX_CONSECUTIVE_FAILURES must be greater than 0")
	}

	if c.ConnectTimeoutMS <= 0 {
		return fmt.Errorf("CONNECT_TIMEOUT_MS must be greater than 0")
	}

	return nil
}

// FrameSize is the number of capture samples per frame.
func (c *Config) FrameSize() int {
	return c.CaptureSampleRate * c.FrameMS / 1000
}

// Pipeline projects the settings onto the orchestrator options.
func (c *Config) Pipeline() pipeline.Options {
	return pipeline.Options{
		SilenceThreshold:   c.SilenceThresholdRMS,
		Hangover:           ms(c.HangoverMS),
		MaxUtterance:       ms(c.MaxUtteranceMS),
		MinUtterance:       ms(c.MinUtteranceMS),
		SpeakingThreshold:  c.SpeakingThresholdRMS,
		EndpointRate:       c.EndpointSampleRate,
		EndpointOutputRate: c.EndpointOutputSampleRate,
		MaxFailures:        c.MaxConsecutiveFailures,
		ConnectTimeout:     ms(c.ConnectTimeoutMS),
	}
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnvOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
		log.Warn().Str("key", key).Str("value", value).Msg("Invalid integer setting, using default")
	}
	return defaultValue
}

func getFloatEnvOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
		log.Warn().Str("key", key).Str("value", value).Msg("Invalid number setting, using default")
	}
	return defaultValue
}

func getBoolEnvOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

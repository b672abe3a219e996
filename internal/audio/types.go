package audio

import (
	"time"

	"github.com/google/uuid"
)

// Utterance is one finalized segment of captured speech, ready for the endpoint.
type Utterance struct {
	ID         uuid.UUID
	PCM        []byte // 16-bit little-endian mono at SampleRate
	SampleRate int
	Start      time.Time
	Duration   time.Duration
	Forced     bool // finalized by the duration cap rather than a pause
}

// FrameEvent is what the capture thread hands to the control plane for
// every processed frame. Samples is only valid until the consumer returns.
type FrameEvent struct {
	Samples []float32
	RMS     float64
	Silence bool // sustained-silence edge fired on this frame
	Epoch   uint64
	Paused  bool // captured while the VAD was paused; advances the clock only
}

// VADResult is the per-frame output of a VAD.
type VADResult struct {
	RMS     float64
	Silence bool
	Epoch   uint64
	Paused  bool
}

// VAD interface for Voice Activity Detection
type VAD interface {
	Process(samples []float32) VADResult
	Reset() uint64
	Pause()
	Resume() uint64
}

// SpeechGate decides whether a finalized utterance contains any voiced audio.
type SpeechGate interface {
	ContainsSpeech(pcm []byte, sampleRate int) bool
	Close() error
}

// Codec turns 16-bit PCM into wire chunks and back.
type Codec interface {
	Name() string
	Encode(pcm []byte) ([][]byte, error)
	Decode(chunk []byte) ([]byte, error)
}

package audio

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type SegmenterState int

const (
	StateRecording SegmenterState = iota
	StateRestarting
)

func (s SegmenterState) String() string {
	switch s {
	case StateRecording:
		return "recording"
	case StateRestarting:
		return "restarting"
	default:
		return "unknown"
	}
}

type SegmenterConfig struct {
	CaptureRate int
	OutputRate  int
	MaxDuration time.Duration
	MinDuration time.Duration
	Origin      time.Time // wall-clock time of the first captured sample
}

// Segmenter accumulates captured frames into utterances. A silence edge or
// the duration cap finalizes the buffer; either way the VAD is reset and a
// fresh buffer starts immediately so no captured audio is lost.
type Segmenter struct {
	cfg        SegmenterConfig
	vad        VAD
	gate       SpeechGate
	maxSamples int

	state   SegmenterState
	buffer  []float32
	startAt int64 // capture sample index of buffer[0]
	clock   int64
	epoch   uint64
	logger  zerolog.Logger
}

func NewSegmenter(cfg SegmenterConfig, vad VAD, gate SpeechGate) *Segmenter {
	if cfg.Origin.IsZero() {
		cfg.Origin = time.Now()
	}
	maxSamples := int(int64(cfg.MaxDuration) * int64(cfg.CaptureRate) / int64(time.Second))
	if maxSamples <= 0 {
		maxSamples = math.MaxInt
	}

	return &Segmenter{
		cfg:        cfg,
		vad:        vad,
		gate:       gate,
		maxSamples: maxSamples,
		buffer:     make([]float32, 0, cfg.CaptureRate),
		logger:     log.With().Str("component", "segmenter").Logger(),
	}
}

func (s *Segmenter) State() SegmenterState {
	return s.state
}

// Buffered reports how much captured audio is waiting in the current segment.
func (s *Segmenter) Buffered() time.Duration {
	return samplesToDuration(len(s.buffer), s.cfg.CaptureRate)
}

// Push consumes one frame and returns the utterances it finalized, in order.
func (s *Segmenter) Push(ev FrameEvent) []Utterance {
	if ev.Paused {
		s.clock += int64(len(ev.Samples))
		if len(s.buffer) == 0 {
			s.startAt = s.clock
		}
		return nil
	}

	var out []Utterance

	samples := ev.Samples
	for len(samples) > 0 {
		room := s.maxSamples - len(s.buffer)
		n := len(samples)
		if n > room {
			n = room
		}
		s.buffer = append(s.buffer, samples[:n]...)
		s.clock += int64(n)
		samples = samples[n:]

		if len(s.buffer) >= s.maxSamples {
			out = s.finalize(true, out)
		}
	}

	// silence edges computed before the last reset belong to audio that
	// has already been finalized
	if ev.Silence && ev.Epoch >= s.epoch && len(s.buffer) > 0 {
		out = s.finalize(false, out)
	}

	return out
}

// Flush finalizes whatever is buffered, subject to the same floor and gate.
func (s *Segmenter) Flush() []Utterance {
	if len(s.buffer) == 0 {
		return nil
	}
	return s.finalize(false, nil)
}

// Discard drops the current segment without emitting it.
func (s *Segmenter) Discard() {
	s.buffer = s.buffer[:0]
	s.startAt = s.clock
	s.epoch = s.vad.Reset()
}

// SetEpoch records an epoch obtained from a VAD reset made outside the segmenter.
func (s *Segmenter) SetEpoch(epoch uint64) {
	if epoch > s.epoch {
		s.epoch = epoch
	}
}

func (s *Segmenter) finalize(forced bool, out []Utterance) []Utterance {
	s.state = StateRestarting

	captured := s.buffer
	startAt := s.startAt
	s.buffer = make([]float32, 0, cap(captured))
	s.startAt = s.clock
	s.epoch = s.vad.Reset()

	s.state = StateRecording

	resampled := Resample(captured, s.cfg.CaptureRate, s.cfg.OutputRate)
	duration := samplesToDuration(len(resampled), s.cfg.OutputRate)
	if duration < s.cfg.MinDuration {
		s.logger.Debug().
			Dur("duration", duration).
			Dur("min", s.cfg.MinDuration).
			Msg("Discarding utterance below minimum duration")
		return out
	}

	pcm := int16SliceToBytes(FloatToPCM16(resampled))
	if s.gate != nil && !s.gate.ContainsSpeech(pcm, s.cfg.OutputRate) {
		s.logger.Debug().
			Dur("duration", duration).
			Msg("Discarding utterance without voiced audio")
		return out
	}

	utt := Utterance{
		ID:         uuid.New(),
		PCM:        pcm,
		SampleRate: s.cfg.OutputRate,
		Start:      s.cfg.Origin.Add(samplesToDuration64(startAt, s.cfg.CaptureRate)),
		Duration:   duration,
		Forced:     forced,
	}

	s.logger.Debug().
		Str("utterance_id", utt.ID.String()).
		Time("start", utt.Start).
		Dur("duration", utt.Duration).
		Bool("forced", forced).
		Int("bytes", len(utt.PCM)).
		Msg("Finalized utterance")

	return append(out, utt)
}

func samplesToDuration(n, rate int) time.Duration {
	return samplesToDuration64(int64(n), rate)
}

func samplesToDuration64(n int64, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(n * int64(time.Second) / int64(rate))
}

package audio

import (
	"fmt"
	"math"

	"github.com/maxhawkins/go-webrtcvad"
)

const gateFrameMS = 20

// WebRTCGate rejects utterances in which WebRTC VAD finds no voiced frame.
type WebRTCGate struct {
	vad          *webrtcvad.VAD
	rmsThreshold float64
}

func NewWebRTCGate(mode int) (*WebRTCGate, error) {
	vad, err := webrtcvad.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create webrtc vad: %w", err)
	}

	// Set aggressiveness (0-3, where 3 is most aggressive)
	if err := vad.SetMode(mode); err != nil {
		return nil, fmt.Errorf("failed to set vad mode %d: %w", mode, err)
	}

	return &WebRTCGate{
		vad:          vad,
		rmsThreshold: 500.0, // Fallback RMS threshold in int16 units
	}, nil
}

func (g *WebRTCGate) ContainsSpeech(pcm []byte, sampleRate int) bool {
	frameBytes := sampleRate / 1000 * gateFrameMS * 2
	if g.vad == nil || !supportedGateRate(sampleRate) || len(pcm) < frameBytes {
		return g.rmsIsSpeech(pcm)
	}

	for off := 0; off+frameBytes <= len(pcm); off += frameBytes {
		voiced, err := g.vad.Process(sampleRate, pcm[off:off+frameBytes])
		if err != nil {
			return g.rmsIsSpeech(pcm)
		}
		if voiced {
			return true
		}
	}
	return false
}

func (g *WebRTCGate) rmsIsSpeech(pcm []byte) bool {
	samples := bytesToInt16Slice(pcm)
	if len(samples) == 0 {
		return false
	}

	var sum float64
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	rms := math.Sqrt(sum / float64(len(samples)))
	return rms > g.rmsThreshold
}

// Close drops the detector; the underlying instance is freed by its finalizer.
func (g *WebRTCGate) Close() error {
	g.vad = nil
	return nil
}

func supportedGateRate(rate int) bool {
	switch rate {
	case 8000, 16000, 32000, 48000:
		return true
	}
	return false
}

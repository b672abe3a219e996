package audio

import (
	"math"
	"sync/atomic"
	"time"
)

// EnergyVAD is an edge-triggered silence detector measured on the audio
// clock. Process runs on the capture thread and never allocates or locks;
// Reset, Pause and Resume may be called from any goroutine and take effect
// at the start of the next Process call.
type EnergyVAD struct {
	threshold       float64
	hangoverSamples int64

	// owned by the capture thread
	clock        int64
	silenceStart int64
	fired        bool
	epoch        uint64

	requested atomic.Uint64
	paused    atomic.Bool
}

func NewEnergyVAD(threshold float64, hangover time.Duration, sampleRate int) *EnergyVAD {
	return &EnergyVAD{
		threshold:       threshold,
		hangoverSamples: int64(hangover) * int64(sampleRate) / int64(time.Second),
		silenceStart:    -1,
	}
}

func (v *EnergyVAD) Process(samples []float32) VADResult {
	if e := v.requested.Load(); e != v.epoch {
		v.epoch = e
		v.silenceStart = -1
		v.fired = false
	}

	frameStart := v.clock
	v.clock += int64(len(samples))

	if v.paused.Load() {
		return VADResult{Epoch: v.epoch, Paused: true}
	}

	rms := RMS(samples)
	res := VADResult{RMS: rms, Epoch: v.epoch}

	if rms >= v.threshold {
		v.silenceStart = -1
		v.fired = false
		return res
	}

	if v.silenceStart < 0 {
		v.silenceStart = frameStart
	}
	if !v.fired && v.clock-v.silenceStart >= v.hangoverSamples {
		v.fired = true
		res.Silence = true
	}
	return res
}

// Reset clears the silence timer and the fired latch. The returned epoch is
// carried by every result produced after the reset is applied.
func (v *EnergyVAD) Reset() uint64 {
	return v.requested.Add(1)
}

func (v *EnergyVAD) Pause() {
	v.paused.Store(true)
}

func (v *EnergyVAD) Resume() uint64 {
	epoch := v.Reset()
	v.paused.Store(false)
	return epoch
}

// RMS returns the root-mean-square level of samples in [-1, 1].
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}

	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

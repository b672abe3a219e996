package audio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubGate struct {
	speech bool
	calls  int
}

func (g *stubGate) ContainsSpeech(pcm []byte, sampleRate int) bool {
	g.calls++
	return g.speech
}

func (g *stubGate) Close() error { return nil }

type harness struct {
	vad *EnergyVAD
	seg *Segmenter
}

func newHarness(t *testing.T, hangover, maxDur, minDur time.Duration, gate SpeechGate) *harness {
	t.Helper()
	vad := NewEnergyVAD(0.02, hangover, testRate)
	seg := NewSegmenter(SegmenterConfig{
		CaptureRate: testRate,
		OutputRate:  testRate,
		MaxDuration: maxDur,
		MinDuration: minDur,
		Origin:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}, vad, gate)
	return &harness{vad: vad, seg: seg}
}

// push mirrors the capture pump: VAD first, then the segmenter.
func (h *harness) push(frame []float32, count int) []Utterance {
	var out []Utterance
	for i := 0; i < count; i++ {
		res := h.vad.Process(frame)
		out = append(out, h.seg.Push(FrameEvent{
			Samples: frame,
			RMS:     res.RMS,
			Silence: res.Silence,
			Epoch:   res.Epoch,
			Paused:  res.Paused,
		})...)
	}
	return out
}

func TestSegmenterCapsContinuousSpeech(t *testing.T) {
	h := newHarness(t, 3*time.Second, 45*time.Second, 300*time.Millisecond, nil)
	loud := constantFrame(1600, 0.05)

	utts := h.push(loud, 460)
	require.Len(t, utts, 1)

	u := utts[0]
	assert.Equal(t, 45*time.Second, u.Duration)
	assert.True(t, u.Forced)
	assert.Len(t, u.PCM, 45*testRate*2)
	assert.Equal(t, time.Second, h.seg.Buffered(), "recording continues into a fresh buffer")
	assert.Equal(t, StateRecording, h.seg.State())
}

func TestSegmenterCapSplitsFrameAtBoundary(t *testing.T) {
	h := newHarness(t, 3*time.Second, time.Second, 100*time.Millisecond, nil)
	loud := constantFrame(1500, 0.05)

	utts := h.push(loud, 11)
	require.Len(t, utts, 1)
	assert.Equal(t, time.Second, utts[0].Duration)
	assert.Equal(t, samplesToDuration(500, testRate), h.seg.Buffered())
}

func TestSegmenterFinalizesOnSilence(t *testing.T) {
	h := newHarness(t, 3*time.Second, 45*time.Second, 300*time.Millisecond, nil)
	loud := constantFrame(1600, 0.05)
	quiet := constantFrame(1600, 0.001)

	assert.Empty(t, h.push(loud, 20))
	utts := h.push(quiet, 30)
	require.Len(t, utts, 1)
	assert.Equal(t, 5*time.Second, utts[0].Duration)
	assert.False(t, utts[0].Forced)
	assert.Zero(t, h.seg.Buffered())
}

func TestSegmenterDiscardsBelowMinimum(t *testing.T) {
	h := newHarness(t, 100*time.Millisecond, 45*time.Second, 300*time.Millisecond, nil)
	loud := constantFrame(1600, 0.05)
	quiet := constantFrame(1600, 0.001)

	assert.Empty(t, h.push(loud, 1))
	assert.Empty(t, h.push(quiet, 1), "200ms is under the floor")
	assert.Zero(t, h.seg.Buffered())

	h.push(loud, 3)
	utts := h.push(quiet, 1)
	require.Len(t, utts, 1)
	assert.Equal(t, 400*time.Millisecond, utts[0].Duration)
}

func TestSegmenterIgnoresStaleSilence(t *testing.T) {
	vad := NewEnergyVAD(0.02, 3*time.Second, testRate)
	seg := NewSegmenter(SegmenterConfig{
		CaptureRate: testRate,
		OutputRate:  testRate,
		MaxDuration: time.Second,
		MinDuration: 0,
	}, vad, nil)

	frame := constantFrame(1600, 0.05)
	var utts []Utterance
	for i := 0; i < 10; i++ {
		utts = append(utts, seg.Push(FrameEvent{Samples: frame, Epoch: 0})...)
	}
	require.Len(t, utts, 1)

	// a silence edge computed before the cap reset must not cut the new buffer
	assert.Empty(t, seg.Push(FrameEvent{Samples: frame, Silence: true, Epoch: 0}))
	assert.Equal(t, 100*time.Millisecond, seg.Buffered())

	utts = seg.Push(FrameEvent{Samples: frame, Silence: true, Epoch: 1})
	require.Len(t, utts, 1)
	assert.Equal(t, 200*time.Millisecond, utts[0].Duration)
}

func TestSegmenterSpeechGate(t *testing.T) {
	gate := &stubGate{speech: false}
	h := newHarness(t, time.Second, 45*time.Second, 300*time.Millisecond, gate)
	loud := constantFrame(1600, 0.05)
	quiet := constantFrame(1600, 0.001)

	h.push(loud, 5)
	assert.Empty(t, h.push(quiet, 10))
	assert.Equal(t, 1, gate.calls)

	gate.speech = true
	h.push(loud, 5)
	assert.Len(t, h.push(quiet, 10), 1)
}

func TestSegmenterUtterancesAreOrderedAndUnique(t *testing.T) {
	h := newHarness(t, 500*time.Millisecond, 2*time.Second, 300*time.Millisecond, nil)
	loud := constantFrame(1600, 0.05)
	quiet := constantFrame(1600, 0.001)

	var utts []Utterance
	utts = append(utts, h.push(loud, 25)...)
	utts = append(utts, h.push(quiet, 5)...)
	utts = append(utts, h.push(loud, 8)...)
	utts = append(utts, h.push(quiet, 5)...)
	require.Len(t, utts, 3)
	assert.True(t, utts[0].Forced)

	origin := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, origin, utts[0].Start)

	seen := map[string]bool{}
	var total time.Duration
	for i, u := range utts {
		assert.False(t, seen[u.ID.String()])
		seen[u.ID.String()] = true
		assert.Equal(t, origin.Add(total), u.Start, "utterance %d", i)
		total += u.Duration
	}
	assert.Equal(t, 4300*time.Millisecond, total, "no captured audio is lost")
}

func TestSegmenterDiscard(t *testing.T) {
	h := newHarness(t, 3*time.Second, 45*time.Second, 300*time.Millisecond, nil)

	h.push(constantFrame(1600, 0.05), 10)
	h.seg.Discard()
	assert.Zero(t, h.seg.Buffered())
}

func TestSegmenterFlush(t *testing.T) {
	h := newHarness(t, 3*time.Second, 45*time.Second, 300*time.Millisecond, nil)

	assert.Nil(t, h.seg.Flush())

	h.push(constantFrame(1600, 0.05), 2)
	assert.Empty(t, h.seg.Flush(), "200ms is under the floor")

	h.push(constantFrame(1600, 0.05), 5)
	utts := h.seg.Flush()
	require.Len(t, utts, 1)
	assert.Equal(t, 500*time.Millisecond, utts[0].Duration)
	assert.Zero(t, h.seg.Buffered())
}

func TestSegmenterPausedFramesAdvanceClock(t *testing.T) {
	h := newHarness(t, 3*time.Second, 45*time.Second, 300*time.Millisecond, nil)
	origin := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	h.push(constantFrame(1600, 0.05), 10)
	h.vad.Pause()
	h.seg.Discard()

	assert.Empty(t, h.push(constantFrame(1600, 0.05), 10), "paused audio is never segmented")
	assert.Zero(t, h.seg.Buffered())

	h.seg.SetEpoch(h.vad.Resume())
	h.push(constantFrame(1600, 0.05), 5)

	utts := h.seg.Flush()
	require.Len(t, utts, 1)
	assert.Equal(t, origin.Add(2*time.Second), utts[0].Start)
	assert.Equal(t, 500*time.Millisecond, utts[0].Duration)
}

// Package pipeline wires capture, segmentation, the voice session and
// playback into one running conversation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/user/voice-coach/internal/audio"
	"github.com/user/voice-coach/internal/device"
	"github.com/user/voice-coach/internal/playback"
	"github.com/user/voice-coach/internal/session"
)

var (
	ErrAlreadyStarted = errors.New("pipeline already started")
	ErrStopped        = errors.New("pipeline stopped")
)

// frameBuffer is how many captured frames may wait for the control loop.
const frameBuffer = 256

type Options struct {
	SilenceThreshold   float64
	Hangover           time.Duration
	MaxUtterance       time.Duration
	MinUtterance       time.Duration
	SpeakingThreshold  float64
	EndpointRate       int
	EndpointOutputRate int
	MaxFailures        int
	ConnectTimeout     time.Duration
}

type Deps struct {
	Source    device.Source
	Sink      device.Sink
	Transport session.Transport
	Gate      audio.SpeechGate // optional
}

// Callbacks are invoked from pipeline goroutines and must not call Stop
// synchronously. Any of them may be nil.
type Callbacks struct {
	OnUtteranceReady        func(u audio.Utterance)
	OnSpeakingStatusChanged func(speaking bool)
	OnSessionError          func(err error)
	OnPlaybackStateChanged  func(state playback.State)
	OnSessionStateChanged   func(state session.State)
	OnTranscript            func(t session.Transcript)
}

// SessionParams are passed through to the voice endpoint untouched.
type SessionParams struct {
	ID       string
	Metadata map[string]string
}

// Orchestrator owns one practice session from Start to Stop.
type Orchestrator struct {
	opts Options
	deps Deps
	cb   Callbacks

	mu         sync.Mutex
	started    bool
	stopped    bool
	paused     bool
	generation uint64
	run        *run
	err        error

	stopOnce sync.Once
	done     chan struct{}
}

// run is the state of one started pipeline. The segmenter and speaking
// detector belong to the control loop.
type run struct {
	logger   zerolog.Logger
	cancel   context.CancelFunc
	group    *errgroup.Group
	vad      *audio.EnergyVAD
	seg      *audio.Segmenter
	speaking *audio.SpeakingDetector
	queue    *playback.Queue
	manager  *session.Manager

	frames  chan audio.FrameEvent
	ring    [][]float32
	control chan func()
	dropped atomic.Int64
}

func New(opts Options, deps Deps, cb Callbacks) *Orchestrator {
	return &Orchestrator{
		opts: opts,
		deps: deps,
		cb:   cb,
		done: make(chan struct{}),
	}
}

// Start acquires the devices and starts the pipeline. It fails fast with
// device.ErrPermissionDenied when the microphone cannot be opened, and with
// ErrStopped when Stop wins the race against device setup.
func (o *Orchestrator) Start(ctx context.Context, params SessionParams) error {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return ErrStopped
	}
	if o.started {
		o.mu.Unlock()
		return ErrAlreadyStarted
	}
	o.started = true
	o.generation++
	gen := o.generation
	o.mu.Unlock()

	if params.ID == "" {
		params.ID = uuid.New().String()
	}
	logger := log.With().Str("session_id", params.ID).Logger()

	if err := o.deps.Source.Open(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to open audio capture")
		return fmt.Errorf("failed to open audio capture: %w", err)
	}
	if !o.current(gen) {
		o.deps.Source.Close()
		return ErrStopped
	}

	if err := o.deps.Sink.Open(ctx); err != nil {
		o.deps.Source.Close()
		return fmt.Errorf("failed to open audio output: %w", err)
	}

	r := o.build(params, logger)
	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	group, groupCtx := errgroup.WithContext(runCtx)
	r.group = group

	o.mu.Lock()
	if gen != o.generation {
		o.mu.Unlock()
		cancel()
		o.deps.Source.Close()
		o.deps.Sink.Close()
		return ErrStopped
	}
	if o.paused {
		r.vad.Pause()
	}

	// published and launched under the lock so Stop sees a complete run
	o.run = r
	group.Go(func() error { return o.capture(groupCtx, r) })
	group.Go(func() error { return o.controlLoop(groupCtx, r) })
	group.Go(func() error { return r.queue.Run(groupCtx) })
	if err := r.manager.Start(); err != nil {
		logger.Warn().Err(err).Msg("Failed to pre-open voice session")
	}
	o.mu.Unlock()

	go o.watch(r)

	logger.Info().
		Str("transport", o.deps.Transport.Name()).
		Int("capture_rate", o.deps.Source.SampleRate()).
		Int("frame_size", o.deps.Source.FrameSize()).
		Int("playback_rate", o.deps.Sink.SampleRate()).
		Msg("Pipeline started")
	return nil
}

func (o *Orchestrator) build(params SessionParams, logger zerolog.Logger) *run {
	captureRate := o.deps.Source.SampleRate()
	playbackRate := o.deps.Sink.SampleRate()
	outputRate := o.opts.EndpointOutputRate

	vad := audio.NewEnergyVAD(o.opts.SilenceThreshold, o.opts.Hangover, captureRate)
	queue := playback.NewQueue(o.deps.Sink, o.cb.OnPlaybackStateChanged)

	ring := make([][]float32, frameBuffer+2)
	for i := range ring {
		ring[i] = make([]float32, o.deps.Source.FrameSize())
	}

	return &run{
		logger: logger,
		vad:    vad,
		seg: audio.NewSegmenter(audio.SegmenterConfig{
			CaptureRate: captureRate,
			OutputRate:  o.opts.EndpointRate,
			MaxDuration: o.opts.MaxUtterance,
			MinDuration: o.opts.MinUtterance,
			Origin:      time.Now(),
		}, vad, o.deps.Gate),
		speaking: audio.NewSpeakingDetector(o.opts.SpeakingThreshold),
		queue:    queue,
		manager: session.NewManager(session.Options{
			Transport: o.deps.Transport,
			Params: session.Params{
				SessionID:        params.ID,
				InputSampleRate:  o.opts.EndpointRate,
				OutputSampleRate: outputRate,
				Metadata:         params.Metadata,
			},
			Player: queue,
			Decode: func(pcm []byte) []float32 {
				return audio.DecodePCM16(pcm, outputRate, playbackRate)
			},
			MaxFailures:    o.opts.MaxFailures,
			ConnectTimeout: o.opts.ConnectTimeout,
		}),
		frames:  make(chan audio.FrameEvent, frameBuffer),
		ring:    ring,
		control: make(chan func(), 8),
	}
}

func (o *Orchestrator) current(gen uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return gen == o.generation
}

// capture is the real-time side: read a frame, run the VAD, hand the frame
// to the control loop. Frames are dropped rather than blocking the device,
// except for silence edges which the segmenter must see.
func (o *Orchestrator) capture(ctx context.Context, r *run) error {
	slot := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		frame := r.ring[slot]
		if err := o.deps.Source.Read(frame); err != nil {
			if errors.Is(err, device.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("audio capture failed: %w", err)
		}

		res := r.vad.Process(frame)
		ev := audio.FrameEvent{
			Samples: frame,
			RMS:     res.RMS,
			Silence: res.Silence,
			Epoch:   res.Epoch,
			Paused:  res.Paused,
		}

		if ev.Silence {
			select {
			case r.frames <- ev:
			case <-ctx.Done():
				return nil
			}
		} else {
			select {
			case r.frames <- ev:
			default:
				r.dropped.Add(1)
				continue
			}
		}
		slot = (slot + 1) % len(r.ring)
	}
}

func (o *Orchestrator) controlLoop(ctx context.Context, r *run) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev := <-r.frames:
			o.handleFrame(r, ev)

		case fn := <-r.control:
			fn()

		case n := <-r.manager.Events():
			o.handleNotification(n)

		case err := <-r.manager.Errors():
			return fmt.Errorf("voice session failed: %w", err)
		}
	}
}

func (o *Orchestrator) handleFrame(r *run, ev audio.FrameEvent) {
	if !ev.Paused {
		speaking, changed := r.speaking.Observe(ev.RMS)
		if changed {
			if o.cb.OnSpeakingStatusChanged != nil {
				o.cb.OnSpeakingStatusChanged(speaking)
			}
			if speaking && r.manager.BargeIn() {
				r.logger.Debug().Float64("rms", ev.RMS).Msg("Speech started during playback")
			}
		}
	}

	if ev.Silence {
		r.logger.Debug().
			Dur("buffered", r.seg.Buffered()).
			Msg("Sustained silence detected")
	}

	for _, u := range r.seg.Push(ev) {
		if o.cb.OnUtteranceReady != nil {
			o.cb.OnUtteranceReady(u)
		}
		if err := r.manager.Submit(u); err != nil {
			r.logger.Warn().
				Err(err).
				Str("utterance_id", u.ID.String()).
				Msg("Utterance not submitted")
		}
	}
}

func (o *Orchestrator) handleNotification(n session.Notification) {
	if n.Transcript != nil {
		if o.cb.OnTranscript != nil {
			o.cb.OnTranscript(*n.Transcript)
		}
		return
	}
	if o.cb.OnSessionStateChanged != nil {
		o.cb.OnSessionStateChanged(n.State)
	}
}

// watch tears the pipeline down when any of its goroutines fails.
func (o *Orchestrator) watch(r *run) {
	err := r.group.Wait()
	if err == nil {
		return
	}

	o.mu.Lock()
	if o.err == nil {
		o.err = err
	}
	o.mu.Unlock()

	r.logger.Error().Err(err).Msg("Pipeline failed, stopping")
	o.Stop()

	if o.cb.OnSessionError != nil {
		o.cb.OnSessionError(err)
	}
}

// Pause suspends segmentation. The devices stay open, audio already
// buffered for the current utterance is dropped, and no utterances are
// produced until Resume.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	o.paused = true
	r := o.run
	o.mu.Unlock()

	if r == nil {
		return
	}
	r.vad.Pause()
	o.post(r, func() {
		r.seg.Discard()
		if r.speaking.Clear() && o.cb.OnSpeakingStatusChanged != nil {
			o.cb.OnSpeakingStatusChanged(false)
		}
	})
	r.logger.Info().Msg("Pipeline paused")
}

// Resume re-enables segmentation with a freshly reset VAD.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	o.paused = false
	r := o.run
	o.mu.Unlock()

	if r == nil {
		return
	}
	epoch := r.vad.Resume()
	o.post(r, func() { r.seg.SetEpoch(epoch) })
	r.logger.Info().Msg("Pipeline resumed")
}

func (o *Orchestrator) post(r *run, fn func()) {
	select {
	case r.control <- fn:
	case <-o.done:
	}
}

// Stop closes the session, releases the devices and stops the processing
// graph, in that order. It is safe to call at any point, including while
// Start is still acquiring devices, and only the first call does any work.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(o.stop)
}

func (o *Orchestrator) stop() {
	defer close(o.done)

	o.mu.Lock()
	o.stopped = true
	o.generation++
	r := o.run
	o.mu.Unlock()

	if r == nil {
		log.Info().Msg("Pipeline stopped before start completed")
		return
	}

	r.manager.Stop()

	if err := o.deps.Source.Close(); err != nil {
		r.logger.Warn().Err(err).Msg("Error closing audio capture")
	}

	r.cancel()
	r.group.Wait()

	if err := o.deps.Sink.Close(); err != nil {
		r.logger.Warn().Err(err).Msg("Error closing audio output")
	}
	r.queue.Interrupt()

	for _, u := range r.seg.Flush() {
		if o.cb.OnUtteranceReady != nil {
			o.cb.OnUtteranceReady(u)
		}
	}

	r.logger.Info().
		Int64("dropped_frames", r.dropped.Load()).
		Str("session_state", r.manager.State().String()).
		Msg("Pipeline stopped")
}

// Done is closed once Stop has finished.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// Wait blocks until the pipeline stops and returns the error that stopped
// it, or nil after a requested Stop.
func (o *Orchestrator) Wait() error {
	<-o.done
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// SessionState reports the voice session's state, or Idle before Start.
func (o *Orchestrator) SessionState() session.State {
	o.mu.Lock()
	r := o.run
	o.mu.Unlock()
	if r == nil {
		return session.StateIdle
	}
	return r.manager.State()
}

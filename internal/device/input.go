package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog/log"
)

// Input captures mono float32 audio from the default input device.
type Input struct {
	sampleRate int
	frameSize  int

	stream  *portaudio.Stream
	buffer  []float32
	mu      sync.Mutex
	open    bool
	reading sync.Mutex
	closed  atomic.Bool
}

func NewInput(sampleRate, frameSize int) *Input {
	return &Input{
		sampleRate: sampleRate,
		frameSize:  frameSize,
		buffer:     make([]float32, frameSize),
	}
}

func (in *Input) SampleRate() int { return in.sampleRate }
func (in *Input) FrameSize() int  { return in.frameSize }

// Open acquires the microphone. It fails with ErrPermissionDenied when the
// device is missing or refused.
func (in *Input) Open(ctx context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.open {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize portaudio: %w", err)
	}

	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		portaudio.Terminate()
		return classifyOpenError("no input device", err)
	}

	stream, err := portaudio.OpenDefaultStream(1, 0, float64(in.sampleRate), in.frameSize, in.buffer)
	if err != nil {
		portaudio.Terminate()
		return classifyOpenError("open capture stream", err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return classifyOpenError("start capture", err)
	}

	in.stream = stream
	in.open = true
	in.closed.Store(false)
	log.Info().
		Str("device", dev.Name).
		Int("sample_rate", in.sampleRate).
		Int("frame_size", in.frameSize).
		Msg("Audio capture started")
	return nil
}

// Read returns ErrClosed once Close has been called.
func (in *Input) Read(frame []float32) error {
	in.reading.Lock()
	defer in.reading.Unlock()

	if in.closed.Load() || in.stream == nil {
		return ErrClosed
	}
	if err := in.stream.Read(); err != nil && !errors.Is(err, portaudio.InputOverflowed) {
		return fmt.Errorf("failed to read frame: %w", err)
	}
	copy(frame, in.buffer)
	return nil
}

func (in *Input) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if !in.open {
		return nil
	}
	in.open = false

	// the stream must not be stopped under a blocked Read
	in.closed.Store(true)
	in.reading.Lock()
	defer in.reading.Unlock()

	var err error
	if stopErr := in.stream.Stop(); stopErr != nil {
		err = stopErr
	}
	if closeErr := in.stream.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	portaudio.Terminate()
	return err
}

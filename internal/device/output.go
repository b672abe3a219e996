package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog/log"
)

// Output plays mono float32 audio on the default output device.
type Output struct {
	sampleRate int
	blockSize  int

	stream *portaudio.Stream
	buffer []float32
	mu     sync.Mutex
	open   bool
}

func NewOutput(sampleRate, blockSize int) *Output {
	return &Output{
		sampleRate: sampleRate,
		blockSize:  blockSize,
		buffer:     make([]float32, blockSize),
	}
}

func (o *Output) SampleRate() int { return o.sampleRate }
func (o *Output) BlockSize() int  { return o.blockSize }

func (o *Output) Open(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.open {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize portaudio: %w", err)
	}

	stream, err := portaudio.OpenDefaultStream(0, 1, float64(o.sampleRate), o.blockSize, o.buffer)
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("open playback stream: %w", err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("start playback: %w", err)
	}

	o.stream = stream
	o.open = true
	log.Info().
		Int("sample_rate", o.sampleRate).
		Int("block_size", o.blockSize).
		Msg("Audio playback started")
	return nil
}

// Write plays one block. Short blocks are padded with silence.
func (o *Output) Write(block []float32) error {
	n := copy(o.buffer, block)
	clear(o.buffer[n:])

	if err := o.stream.Write(); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
		return fmt.Errorf("failed to write block: %w", err)
	}
	return nil
}

func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.open {
		return nil
	}
	o.open = false

	var err error
	if stopErr := o.stream.Stop(); stopErr != nil {
		err = stopErr
	}
	if closeErr := o.stream.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	portaudio.Terminate()
	return err
}

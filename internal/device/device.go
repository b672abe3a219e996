// Package device wraps the default PortAudio input and output devices.
package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/gordonklaus/portaudio"
)

// ErrPermissionDenied is returned when the capture device cannot be opened.
var ErrPermissionDenied = errors.New("audio input permission denied")

// ErrClosed is returned by Read after the source has been closed.
var ErrClosed = errors.New("audio device closed")

// Source delivers fixed-size frames of mono float samples on the device clock.
type Source interface {
	SampleRate() int
	FrameSize() int
	Open(ctx context.Context) error
	// Read blocks until the next frame is captured and copies it into frame.
	// After Close it returns ErrClosed.
	Read(frame []float32) error
	Close() error
}

// Sink plays fixed-size blocks of mono float samples; Write blocks on the device clock.
type Sink interface {
	SampleRate() int
	BlockSize() int
	Open(ctx context.Context) error
	Write(block []float32) error
	Close() error
}

// classifyOpenError maps device availability failures onto ErrPermissionDenied.
func classifyOpenError(op string, err error) error {
	var paErr portaudio.Error
	if errors.As(err, &paErr) {
		switch paErr {
		case portaudio.DeviceUnavailable, portaudio.InvalidDevice, portaudio.NoDefaultInputDevice:
			return fmt.Errorf("%s: %w: %w", op, ErrPermissionDenied, err)
		}
	}
	var hostErr portaudio.UnanticipatedHostError
	if errors.As(err, &hostErr) {
		return fmt.Errorf("%s: %w: %w", op, ErrPermissionDenied, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

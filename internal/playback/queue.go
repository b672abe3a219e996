// Package playback schedules decoded response audio onto the output device.
package playback

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

type State int

const (
	StateIdle State = iota
	StatePlaying
	StateInterrupted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlaying:
		return "playing"
	case StateInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Output is the device side of the queue. Write blocks for one block of
// device time.
type Output interface {
	BlockSize() int
	Write(block []float32) error
}

type item struct {
	seq     uint64
	samples []float32
}

// Queue plays items back to back in sequence order. Items are written in
// whole device blocks, and an item that ends mid-block is followed in the
// same block by the next one, so consecutive items play without gaps.
type Queue struct {
	out      Output
	onChange func(State)

	mu         sync.Mutex
	pending    []*item
	current    *item
	pos        int
	seq        uint64
	generation uint64
	state      State

	wake chan struct{}
}

func NewQueue(out Output, onChange func(State)) *Queue {
	return &Queue{
		out:      out,
		onChange: onChange,
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue appends decoded samples and returns their sequence number.
func (q *Queue) Enqueue(samples []float32) uint64 {
	q.mu.Lock()
	q.seq++
	seq := q.seq
	q.pending = append(q.pending, &item{seq: seq, samples: samples})
	changed := q.setStateLocked(StatePlaying)
	q.mu.Unlock()

	q.notify(StatePlaying, changed)

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return seq
}

// Interrupt drops the playing item and everything pending. The block already
// handed to the device is the last one that sounds. Calling it on an empty
// queue does nothing.
func (q *Queue) Interrupt() {
	q.mu.Lock()
	if q.current == nil && len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}

	dropped := len(q.pending)
	if q.current != nil {
		dropped++
	}
	q.pending = nil
	q.current = nil
	q.pos = 0
	q.generation++
	gen := q.generation
	changed := q.setStateLocked(StateInterrupted)
	q.mu.Unlock()

	log.Debug().
		Int("dropped", dropped).
		Uint64("generation", gen).
		Msg("Playback interrupted")
	q.notify(StateInterrupted, changed)

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len reports the number of items not yet fully played.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.pending)
	if q.current != nil {
		n++
	}
	return n
}

func (q *Queue) Playing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current != nil || len(q.pending) > 0
}

func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Generation increases on every Interrupt.
func (q *Queue) Generation() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.generation
}

// Run writes blocks to the output until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	block := make([]float32, q.out.BlockSize())

	for {
		if !q.fill(block) {
			select {
			case <-ctx.Done():
				return nil
			case <-q.wake:
			}
			continue
		}

		if err := q.out.Write(block); err != nil {
			return fmt.Errorf("playback write failed: %w", err)
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

// fill copies the next block of scheduled audio into block. It reports false
// when nothing is scheduled.
func (q *Queue) fill(block []float32) bool {
	q.mu.Lock()

	if q.current == nil && !q.advanceLocked() {
		changed := q.setStateLocked(StateIdle)
		q.mu.Unlock()
		q.notify(StateIdle, changed)
		return false
	}

	n := 0
	for n < len(block) && q.current != nil {
		copied := copy(block[n:], q.current.samples[q.pos:])
		n += copied
		q.pos += copied
		if q.pos >= len(q.current.samples) {
			q.current = nil
			q.advanceLocked()
		}
	}
	clear(block[n:])

	q.mu.Unlock()
	return true
}

func (q *Queue) advanceLocked() bool {
	for len(q.pending) > 0 {
		next := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		if len(next.samples) == 0 {
			continue
		}
		q.current = next
		q.pos = 0
		return true
	}
	return false
}

func (q *Queue) setStateLocked(s State) bool {
	if q.state == s {
		return false
	}
	q.state = s
	return true
}

func (q *Queue) notify(s State, changed bool) {
	if !changed || q.onChange == nil {
		return
	}
	q.onChange(s)
}

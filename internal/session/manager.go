// Package session keeps one duplex conversation with a remote voice endpoint
// alive across turns.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/user/voice-coach/internal/audio"
)

const DefaultMaxFailures = 5

// closeGrace is how long a failed send waits to learn whether the connection
// was closed for a turn end.
var closeGrace = time.Second

// Player is the playback side the manager feeds and interrupts.
type Player interface {
	Enqueue(samples []float32) uint64
	Interrupt()
	Playing() bool
}

type Options struct {
	Transport      Transport
	Params         Params
	Player         Player
	Decode         func(pcm []byte) []float32
	MaxFailures    int
	ConnectTimeout time.Duration
}

type turnState struct {
	superseded bool
	userText   bool
	// responding is set once the current response has started streaming
	responding bool
	// cancelled means the endpoint acknowledged cancelling the superseded response
	cancelled bool
}

// Manager owns the connection lifecycle. Utterances submitted while the
// connection is not open wait in the outbound queue and are sent in arrival
// order once it opens. A turn-complete close returns the manager to Idle and
// the next utterance reconnects; any other close is fatal and reported once on
// Errors.
//
// The Player is never called with mu held: its state callbacks may read the
// session state.
type Manager struct {
	opts   Options
	logger zerolog.Logger

	// playMu orders Player calls with the supersede decisions taken under mu.
	// Lock order is playMu, then mu.
	playMu sync.Mutex

	mu         sync.Mutex
	state      State
	conn       Conn
	generation uint64
	queue      []audio.Utterance
	sendq      []audio.Utterance
	wake       chan struct{}
	failures   int
	turn       turnState
	cancelDial context.CancelFunc

	notes    chan Notification
	fatal    chan error
	stopped  chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewManager(opts Options) *Manager {
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = DefaultMaxFailures
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 45 * time.Second
	}
	if opts.Decode == nil {
		opts.Decode = func(pcm []byte) []float32 {
			return audio.DecodePCM16(pcm, opts.Params.OutputSampleRate, opts.Params.OutputSampleRate)
		}
	}

	return &Manager{
		opts: opts,
		logger: log.With().
			Str("session_id", opts.Params.SessionID).
			Str("transport", opts.Transport.Name()).
			Logger(),
		notes:   make(chan Notification, 64),
		fatal:   make(chan error, 1),
		stopped: make(chan struct{}),
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Events carries state changes and transcripts. Slow readers lose
// notifications rather than stalling the session.
func (m *Manager) Events() <-chan Notification {
	return m.notes
}

// Errors delivers the fatal error that ended the session, at most once.
func (m *Manager) Errors() <-chan error {
	return m.fatal
}

// Failures reports the current consecutive failure count.
func (m *Manager) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

// Start opens the connection ahead of the first utterance.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateIdle:
		m.connectLocked()
	case StateClosing, StateClosed, StateErrored:
		return ErrSessionClosed
	}
	return nil
}

// Submit hands one utterance to the session. It is either sent on the open
// connection or queued until the connection opens, and is never sent twice.
func (m *Manager) Submit(u audio.Utterance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateOpen:
		m.sendq = append(m.sendq, u)
		m.pokeLocked()
	case StateConnecting:
		m.queue = append(m.queue, u)
	case StateIdle:
		m.queue = append(m.queue, u)
		m.connectLocked()
	default:
		m.logger.Warn().
			Str("utterance_id", u.ID.String()).
			Str("state", m.state.String()).
			Msg("Dropping utterance, session not accepting audio")
		return ErrSessionClosed
	}

	// once the endpoint has dropped the superseded response, whatever
	// arrives next answers this utterance
	if m.turn.cancelled {
		m.turn.superseded = false
		m.turn.cancelled = false
	}

	m.logger.Debug().
		Str("utterance_id", u.ID.String()).
		Dur("duration", u.Duration).
		Int("queued", len(m.queue)).
		Msg("Utterance submitted")
	return nil
}

// BargeIn stops playback and, when the response is still streaming,
// discards the rest of it until the endpoint ends that turn. It reports
// whether anything was interrupted.
func (m *Manager) BargeIn() bool {
	m.playMu.Lock()
	if !m.opts.Player.Playing() {
		m.playMu.Unlock()
		return false
	}
	m.opts.Player.Interrupt()

	m.mu.Lock()
	supersede := m.turn.responding
	if supersede {
		m.turn.superseded = true
		m.turn.cancelled = false
	}
	conn := m.conn
	gen := m.generation
	m.mu.Unlock()
	m.playMu.Unlock()

	m.logger.Info().Bool("superseded", supersede).Msg("Barge-in, playback interrupted")

	if !supersede || conn == nil {
		return true
	}

	err := conn.Cancel()
	switch {
	case errors.Is(err, ErrCancelUnsupported):
		m.logger.Debug().Msg("Endpoint cannot cancel, discarding until the turn ends")
	case err != nil:
		m.logger.Warn().Err(err).Msg("Failed to cancel remote response")
	default:
		m.mu.Lock()
		if gen == m.generation && m.turn.superseded {
			m.turn.cancelled = true
		}
		m.mu.Unlock()
	}
	return true
}

// HandleInbound applies one event from the current connection.
func (m *Manager) HandleInbound(ev Event) {
	m.mu.Lock()
	gen := m.generation
	m.mu.Unlock()
	m.handleInbound(gen, ev)
}

// Stop closes the session from any state. It is idempotent and returns once
// every connection goroutine has exited.
func (m *Manager) Stop() {
	m.stopOnce.Do(m.stop)
}

func (m *Manager) stop() {
	m.mu.Lock()
	m.generation++
	prev := m.state
	m.setStateLocked(StateClosing)
	conn := m.conn
	m.conn = nil
	cancel := m.cancelDial
	m.cancelDial = nil
	dropped := len(m.queue) + len(m.sendq)
	m.queue = nil
	m.sendq = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			m.logger.Warn().Err(err).Msg("Error closing connection")
		}
	}
	close(m.stopped)
	m.wg.Wait()

	m.mu.Lock()
	m.setStateLocked(StateClosed)
	m.mu.Unlock()

	m.logger.Info().
		Str("from", prev.String()).
		Int("dropped", dropped).
		Msg("Session stopped")
}

func (m *Manager) connectLocked() {
	m.generation++
	gen := m.generation
	m.setStateLocked(StateConnecting)

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ConnectTimeout)
	m.cancelDial = cancel

	m.wg.Add(1)
	go m.dial(ctx, cancel, gen)
}

func (m *Manager) dial(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	defer m.wg.Done()
	defer cancel()

	start := time.Now()
	conn, err := m.opts.Transport.Dial(ctx, m.opts.Params)

	m.mu.Lock()
	if gen != m.generation || m.state != StateConnecting {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		m.logger.Debug().Uint64("generation", gen).Msg("Discarding superseded connection attempt")
		return
	}
	m.cancelDial = nil

	if err != nil {
		m.mu.Unlock()
		m.fail(gen, fmt.Errorf("connect failed: %w", err))
		return
	}

	m.conn = conn
	m.sendq = m.queue
	m.queue = nil
	m.wake = make(chan struct{}, 1)
	m.turn = turnState{}
	backlog := len(m.sendq)
	m.setStateLocked(StateOpen)
	m.pokeLocked()

	m.wg.Add(2)
	go m.writeLoop(conn, gen, m.wake)
	go m.readLoop(conn, gen)
	m.mu.Unlock()

	m.logger.Info().
		Dur("elapsed", time.Since(start)).
		Int("backlog", backlog).
		Msg("Session open")
}

func (m *Manager) writeLoop(conn Conn, gen uint64, wake <-chan struct{}) {
	defer m.wg.Done()

	for {
		m.mu.Lock()
		if gen != m.generation || m.state != StateOpen {
			m.mu.Unlock()
			return
		}
		if len(m.sendq) == 0 {
			m.mu.Unlock()
			select {
			case <-wake:
			case <-conn.Done():
				return
			case <-m.stopped:
				return
			}
			continue
		}
		u := m.sendq[0]
		m.sendq = m.sendq[1:]
		m.mu.Unlock()

		if err := conn.SendUtterance(u); err != nil {
			m.sendFailed(conn, gen, u, err)
			continue
		}

		m.logger.Debug().
			Str("utterance_id", u.ID.String()).
			Int("bytes", len(u.PCM)).
			Msg("Utterance sent")
	}
}

func (m *Manager) sendFailed(conn Conn, gen uint64, u audio.Utterance, err error) {
	// a connection that refused the send is already on its way out, so
	// wait for it instead of giving up after the grace period
	var grace <-chan time.Time
	if !errors.Is(err, ErrSessionClosed) {
		grace = time.After(closeGrace)
	}

	select {
	case <-conn.Done():
		// the read loop classifies the close; only a normal turn end
		// needs the utterance back for the next connection
		if conn.Result().Kind == NormalTurnEnd {
			m.requeue(u)
		}
		return
	case <-m.stopped:
		return
	case <-grace:
	}

	m.logger.Warn().
		Err(err).
		Str("utterance_id", u.ID.String()).
		Msg("Failed to send utterance")

	m.mu.Lock()
	exceeded := gen == m.generation && m.countFailureLocked()
	m.mu.Unlock()
	if exceeded {
		m.fail(gen, fmt.Errorf("send failed: %w", ErrTooManyFailures))
	}
}

func (m *Manager) requeue(u audio.Utterance) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateOpen:
		m.sendq = append([]audio.Utterance{u}, m.sendq...)
		m.pokeLocked()
	case StateConnecting:
		m.queue = append([]audio.Utterance{u}, m.queue...)
	case StateIdle:
		m.queue = append([]audio.Utterance{u}, m.queue...)
		m.connectLocked()
	}
}

func (m *Manager) readLoop(conn Conn, gen uint64) {
	defer m.wg.Done()

	for ev := range conn.Events() {
		m.handleInbound(gen, ev)
	}
	<-conn.Done()
	m.handleClose(gen, conn.Result())
}

func (m *Manager) handleInbound(gen uint64, ev Event) {
	var samples []float32
	if ev.Kind == EventAudio {
		samples = m.opts.Decode(ev.Audio)
	}

	m.playMu.Lock()
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		m.playMu.Unlock()
		return
	}

	exceeded := false
	enqueue, interrupt := false, false
	switch ev.Kind {
	case EventAudio:
		if m.turn.superseded {
			break
		}
		m.turn.responding = true
		enqueue = true

	case EventTranscript:
		if ev.Role == RoleUser && ev.Text != "" {
			m.turn.userText = true
			m.failures = 0
		}
		if ev.Role == RoleAssistant && m.turn.superseded {
			break
		}
		m.notifyLocked(Notification{
			State:      m.state,
			Transcript: &Transcript{Role: ev.Role, Text: ev.Text, Final: ev.Final},
		})

	case EventInterrupted:
		// the endpoint already stopped the old response, so what follows
		// belongs to the next one
		interrupt = true
		m.turn.superseded = false
		m.turn.cancelled = false
		m.turn.responding = false

	case EventTurnComplete:
		if !m.turn.superseded && !m.turn.userText {
			m.logger.Warn().Msg("Turn completed without recognized speech")
			exceeded = m.countFailureLocked()
		}
		m.turn = turnState{}
	}
	m.mu.Unlock()

	if interrupt {
		m.opts.Player.Interrupt()
	}
	if enqueue {
		m.opts.Player.Enqueue(samples)
	}
	m.playMu.Unlock()

	if exceeded {
		m.fail(gen, fmt.Errorf("empty recognitions: %w", ErrTooManyFailures))
	}
}

func (m *Manager) handleClose(gen uint64, res CloseResult) {
	m.mu.Lock()
	if gen != m.generation || m.state != StateOpen {
		m.mu.Unlock()
		return
	}
	m.conn = nil

	if res.Kind == NormalTurnEnd {
		m.queue = append(m.sendq, m.queue...)
		m.sendq = nil
		m.setStateLocked(StateIdle)
		pending := len(m.queue)
		if pending > 0 {
			m.connectLocked()
		}
		m.mu.Unlock()

		m.logger.Info().
			Str("reason", res.Reason).
			Int("pending", pending).
			Msg("Turn ended, connection closed")
		return
	}
	m.mu.Unlock()

	m.fail(gen, res.Error())
}

// fail moves the session to Errored and reports err once. Stale generations
// are ignored.
func (m *Manager) fail(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	switch m.state {
	case StateClosing, StateClosed, StateErrored:
		m.mu.Unlock()
		return
	}

	m.generation++
	conn := m.conn
	m.conn = nil
	m.queue = nil
	m.sendq = nil
	m.setStateLocked(StateErrored)
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	m.logger.Error().Err(err).Msg("Session failed")

	select {
	case m.fatal <- err:
	default:
	}
}

func (m *Manager) countFailureLocked() bool {
	m.failures++
	m.logger.Debug().
		Int("failures", m.failures).
		Int("max", m.opts.MaxFailures).
		Msg("Consecutive failure recorded")
	return m.failures >= m.opts.MaxFailures
}

func (m *Manager) pokeLocked() {
	if m.wake == nil {
		return
	}
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.logger.Debug().
		Str("from", m.state.String()).
		Str("to", s.String()).
		Msg("Session state changed")
	m.state = s
	m.notifyLocked(Notification{State: s})
}

func (m *Manager) notifyLocked(n Notification) {
	select {
	case m.notes <- n:
	default:
		m.logger.Warn().Msg("Notification channel full, dropping notification")
	}
}

// Package gemini carries voice sessions over the Gemini Live API. One Live
// session serves the whole conversation. When the server announces it is
// going away, the connection stops taking audio, finishes the replies still
// owed, and ends as a turn end; the next connection resumes from the latest
// resumption handle so the model keeps its context.
package gemini

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/genai"

	"github.com/user/voice-coach/internal/audio"
	"github.com/user/voice-coach/internal/session"
	"github.com/user/voice-coach/internal/transport/websocket"
)

const (
	eventBuffer  = 256
	reasonGoAway = "go_away"
)

type Config struct {
	APIKey  string
	Model   string
	Voice   string
	BaseURL string // optional, overrides the public endpoint
}

type Transport struct {
	client *genai.Client
	model  string
	voice  string

	mu     sync.Mutex
	handle string
}

func New(ctx context.Context, cfg Config) (*Transport, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      cfg.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: cfg.BaseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &Transport{
		client: client,
		model:  cfg.Model,
		voice:  cfg.Voice,
	}, nil
}

func (t *Transport) Name() string { return "gemini" }

// ResumeHandle is the handle the next connection resumes from, empty before
// the server has issued one.
func (t *Transport) ResumeHandle() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handle
}

func (t *Transport) setResumeHandle(h string) {
	t.mu.Lock()
	t.handle = h
	t.mu.Unlock()
}

func (t *Transport) connectConfig() *genai.LiveConnectConfig {
	cfg := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
		SessionResumption:        &genai.SessionResumptionConfig{Handle: t.ResumeHandle()},
	}
	if t.voice != "" {
		cfg.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: t.voice},
			},
		}
	}
	return cfg
}

func (t *Transport) Dial(ctx context.Context, params session.Params) (session.Conn, error) {
	sess, err := t.client.Live.Connect(ctx, t.model, t.connectConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Gemini Live: %w", err)
	}

	// Receive ignores ctx; closing the session unblocks it
	stop := context.AfterFunc(ctx, func() { sess.Close() })
	first, err := sess.Receive()
	interrupted := !stop()
	if err != nil || interrupted {
		sess.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("await setup: %w", ctxErr)
		}
		return nil, fmt.Errorf("await setup: %w", err)
	}
	if first.SetupComplete == nil {
		sess.Close()
		return nil, fmt.Errorf("expected setupComplete as first message")
	}

	c := &Conn{
		t:      t,
		sess:   sess,
		chunks: audio.NewPCMCodec(params.InputSampleRate),
		events: make(chan session.Event, eventBuffer),
		done:   make(chan struct{}),
		quit:   make(chan struct{}),
		logger: log.With().Str("session_id", params.SessionID).Str("transport", "gemini").Logger(),
	}
	go c.readLoop()

	log.Debug().
		Str("model", t.model).
		Str("session_id", params.SessionID).
		Bool("resumed", t.ResumeHandle() != "").
		Msg("Gemini Live session ready")
	return c, nil
}

type Conn struct {
	t      *Transport
	sess   *genai.Session
	chunks *audio.PCMCodec
	logger zerolog.Logger

	writeMu sync.Mutex
	events  chan session.Event
	done    chan struct{}
	quit    chan struct{}
	closing atomic.Bool
	once    sync.Once

	// draining is set by goAway; pending counts sent utterances whose turn
	// has not completed yet
	draining atomic.Bool
	pending  atomic.Int32

	resultMu sync.Mutex
	result   session.CloseResult
}

func (c *Conn) Events() <-chan session.Event { return c.events }
func (c *Conn) Done() <-chan struct{}        { return c.done }

func (c *Conn) Result() session.CloseResult {
	c.resultMu.Lock()
	defer c.resultMu.Unlock()
	return c.result
}

// SendUtterance streams the utterance as realtime audio and marks the end of
// the audio stream so the model responds without waiting for more input.
func (c *Conn) SendUtterance(u audio.Utterance) error {
	if c.closing.Load() || c.draining.Load() {
		return session.ErrSessionClosed
	}

	chunks, err := c.chunks.Encode(u.PCM)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.pending.Add(1)
	if err := c.send(chunks, u.SampleRate); err != nil {
		c.pending.Add(-1)
		return err
	}

	c.logger.Debug().
		Str("utterance_id", u.ID.String()).
		Int("chunks", len(chunks)).
		Msg("Sent utterance")
	return nil
}

func (c *Conn) send(chunks [][]byte, rate int) error {
	mimeType := fmt.Sprintf("audio/pcm;rate=%d", rate)
	for i, chunk := range chunks {
		err := c.sess.SendRealtimeInput(genai.LiveRealtimeInput{
			Audio: &genai.Blob{Data: chunk, MIMEType: mimeType},
		})
		if err != nil {
			return fmt.Errorf("send audio chunk %d: %w", i, err)
		}
	}
	if err := c.sess.SendRealtimeInput(genai.LiveRealtimeInput{AudioStreamEnd: true}); err != nil {
		return fmt.Errorf("send audio stream end: %w", err)
	}
	return nil
}

// Cancel always fails with session.ErrCancelUnsupported. The Live API only
// stops a response when new user audio interrupts it.
func (c *Conn) Cancel() error { return session.ErrCancelUnsupported }

func (c *Conn) Close() error {
	c.shutdown()
	<-c.done
	return nil
}

func (c *Conn) shutdown() {
	c.once.Do(func() {
		c.closing.Store(true)
		close(c.quit)
		_ = c.sess.Close()
	})
}

func (c *Conn) readLoop() {
	defer close(c.done)
	defer close(c.events)

	for {
		msg, err := c.sess.Receive()
		if err != nil {
			c.setResult(websocket.ClassifyClose(err, c.closing.Load()))
			return
		}

		if u := msg.SessionResumptionUpdate; u != nil && u.Resumable && u.NewHandle != "" {
			c.t.setResumeHandle(u.NewHandle)
		}

		for _, ev := range eventsFromMessage(msg) {
			if !c.emit(ev) {
				return
			}
		}

		if msg.ServerContent != nil && msg.ServerContent.TurnComplete {
			c.turnDone()
		}
		if msg.GoAway != nil {
			c.logger.Info().
				Dur("time_left", msg.GoAway.TimeLeft).
				Int32("pending", c.pending.Load()).
				Msg("Gemini Live requested disconnect")
			c.draining.Store(true)
			c.setResult(session.TurnEnded(reasonGoAway))
		}
		if c.draining.Load() && c.pending.Load() == 0 {
			c.shutdown()
			return
		}
	}
}

func (c *Conn) turnDone() {
	for {
		n := c.pending.Load()
		if n <= 0 || c.pending.CompareAndSwap(n, n-1) {
			return
		}
	}
}

func (c *Conn) emit(ev session.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.quit:
		return false
	}
}

func (c *Conn) setResult(res session.CloseResult) {
	c.resultMu.Lock()
	defer c.resultMu.Unlock()
	if c.result.Reason == "" && c.result.Err == nil {
		c.result = res
	}
}

// eventsFromMessage maps one Live server message onto session events in the
// order they should be handled: transcripts, audio, then turn signals.
func eventsFromMessage(msg *genai.LiveServerMessage) []session.Event {
	content := msg.ServerContent
	if content == nil {
		return nil
	}

	var events []session.Event
	if t := content.InputTranscription; t != nil && (t.Text != "" || t.Finished) {
		events = append(events, session.Event{
			Kind:  session.EventTranscript,
			Role:  session.RoleUser,
			Text:  t.Text,
			Final: t.Finished,
		})
	}
	if t := content.OutputTranscription; t != nil && (t.Text != "" || t.Finished) {
		events = append(events, session.Event{
			Kind:  session.EventTranscript,
			Role:  session.RoleAssistant,
			Text:  t.Text,
			Final: t.Finished,
		})
	}
	if content.ModelTurn != nil {
		for _, part := range content.ModelTurn.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			events = append(events, session.Event{Kind: session.EventAudio, Audio: part.InlineData.Data})
		}
	}
	if content.Interrupted {
		events = append(events, session.Event{Kind: session.EventInterrupted})
	}
	if content.TurnComplete {
		events = append(events, session.Event{Kind: session.EventTurnComplete})
	}
	return events
}

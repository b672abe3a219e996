// Package websocket speaks the JSON and binary voice protocol to a duplex
// voice endpoint.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/user/voice-coach/internal/audio"
	"github.com/user/voice-coach/internal/session"
)

const (
	writeTimeout          = 5 * time.Second
	defaultConnectTimeout = 10 * time.Second
	eventBuffer           = 256
)

type Config struct {
	URL      string
	APIKey   string
	Codec    string // "pcm" or "opus"
	TextSafe bool
	Dialer   *websocket.Dialer
}

// Transport dials the voice endpoint and performs the session.open handshake.
type Transport struct {
	cfg Config
}

func New(cfg Config) *Transport {
	if cfg.Codec == "" {
		cfg.Codec = "pcm"
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Transport{cfg: cfg}
}

func (t *Transport) Name() string { return "websocket" }

func (t *Transport) Dial(ctx context.Context, params session.Params) (session.Conn, error) {
	codec, err := audio.NewCodec(t.cfg.Codec, params.InputSampleRate, params.OutputSampleRate)
	if err != nil {
		return nil, err
	}

	headers := make(http.Header)
	if t.cfg.APIKey != "" {
		headers.Set("Authorization", "Bearer "+t.cfg.APIKey)
	}

	ws, resp, err := t.cfg.Dialer.DialContext(ctx, t.cfg.URL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	open := sessionOpen{
		Type:      msgSessionOpen,
		SessionID: params.SessionID,
		Input:     audioFormat{Codec: codec.Name(), SampleRate: params.InputSampleRate},
		Output:    audioFormat{Codec: codec.Name(), SampleRate: params.OutputSampleRate},
		TextSafe:  t.cfg.TextSafe,
		Metadata:  params.Metadata,
	}
	if err := ws.WriteJSON(open); err != nil {
		ws.Close()
		return nil, fmt.Errorf("send session.open: %w", err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultConnectTimeout)
	}
	ws.SetReadDeadline(deadline)

	// a cancelled ctx unblocks the handshake read
	stop := context.AfterFunc(ctx, func() { ws.SetReadDeadline(time.Now()) })
	messageType, payload, err := ws.ReadMessage()
	stop()
	if err != nil {
		ws.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("read session.ready: %w", ctxErr)
		}
		return nil, fmt.Errorf("read session.ready: %w", err)
	}
	ws.SetReadDeadline(time.Time{})

	if messageType != websocket.TextMessage {
		ws.Close()
		return nil, fmt.Errorf("unexpected first frame type %d", messageType)
	}

	var first serverMessage
	if err := json.Unmarshal(payload, &first); err != nil {
		ws.Close()
		return nil, fmt.Errorf("decode session.ready: %w", err)
	}
	switch first.Type {
	case msgSessionReady:
	case msgError:
		ws.Close()
		return nil, fmt.Errorf("session rejected: %s", first.Message)
	default:
		ws.Close()
		return nil, fmt.Errorf("expected %s, got %q", msgSessionReady, first.Type)
	}

	c := &Conn{
		ws:       ws,
		codec:    codec,
		textSafe: t.cfg.TextSafe,
		events:   make(chan session.Event, eventBuffer),
		done:     make(chan struct{}),
		quit:     make(chan struct{}),
		logger:   log.With().Str("session_id", params.SessionID).Str("transport", "websocket").Logger(),
	}
	go c.readLoop()
	return c, nil
}

// Conn is one open websocket session.
type Conn struct {
	ws       *websocket.Conn
	codec    audio.Codec
	textSafe bool
	logger   zerolog.Logger

	writeMu sync.Mutex
	events  chan session.Event
	done    chan struct{}
	quit    chan struct{}
	closing atomic.Bool
	once    sync.Once

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

func (c *Conn) SendUtterance(u audio.Utterance) error {
	if c.closing.Load() {
		return session.ErrSessionClosed
	}

	chunks, err := c.codec.Encode(u.PCM)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	id := u.ID.String()
	for i, chunk := range chunks {
		c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if c.textSafe {
			err = c.ws.WriteJSON(audioMessage{Type: msgAudio, UtteranceID: id, Seq: i, Data: audio.EncodeBase64(chunk)})
		} else {
			err = c.ws.WriteMessage(websocket.BinaryMessage, chunk)
		}
		if err != nil {
			return fmt.Errorf("send audio chunk %d: %w", i, err)
		}
	}

	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteJSON(controlMessage{Type: msgUtteranceEnd, UtteranceID: id}); err != nil {
		return fmt.Errorf("send utterance.end: %w", err)
	}

	c.logger.Debug().
		Str("utterance_id", id).
		Int("chunks", len(chunks)).
		Str("codec", c.codec.Name()).
		Msg("Sent utterance")
	return nil
}

func (c *Conn) Cancel() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(controlMessage{Type: msgTurnCancel})
}

// Close ends the session with a normal close and waits for the read loop.
func (c *Conn) Close() error {
	c.once.Do(func() {
		c.closing.Store(true)
		close(c.quit)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reasonClientStop),
			time.Now().Add(time.Second))
		_ = c.ws.Close()
	})
	<-c.done
	return nil
}

func (c *Conn) readLoop() {
	defer close(c.done)
	defer close(c.events)

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			c.setResult(ClassifyClose(err, c.closing.Load()))
			return
		}

		switch messageType {
		case websocket.TextMessage:
			if !c.handleText(data) {
				c.ws.Close()
				return
			}
		case websocket.BinaryMessage:
			pcm, err := c.codec.Decode(data)
			if err != nil {
				c.logger.Warn().Err(err).Msg("Dropping undecodable audio frame")
				continue
			}
			if !c.emit(session.Event{Kind: session.EventAudio, Audio: pcm}) {
				return
			}
		}
	}
}

// handleText reports false when the connection must end.
func (c *Conn) handleText(data []byte) bool {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn().Err(err).Msg("Dropping malformed server message")
		return true
	}

	switch msg.Type {
	case msgTranscript:
		return c.emit(session.Event{
			Kind:  session.EventTranscript,
			Role:  session.Role(msg.Role),
			Text:  msg.Text,
			Final: msg.Final,
		})
	case msgAudio:
		raw, err := audio.DecodeBase64(msg.Data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Dropping malformed audio message")
			return true
		}
		pcm, err := c.codec.Decode(raw)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Dropping undecodable audio message")
			return true
		}
		return c.emit(session.Event{Kind: session.EventAudio, Audio: pcm})
	case msgTurnComplete:
		return c.emit(session.Event{Kind: session.EventTurnComplete})
	case msgInterrupted:
		return c.emit(session.Event{Kind: session.EventInterrupted})
	case msgError:
		c.setResult(session.Failed("server error: "+msg.Message, nil))
		return false
	default:
		c.logger.Debug().Str("type", msg.Type).Msg("Ignoring unknown server message")
		return true
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
	// the first classification wins; a server error frame precedes the close
	if c.result.Reason == "" && c.result.Err == nil {
		c.result = res
	}
}

// ClassifyClose turns a read error into a CloseResult. Only an explicit
// turn_complete close reason, or our own close, counts as a normal end.
func ClassifyClose(err error, closing bool) session.CloseResult {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		if closeErr.Code == websocket.CloseNormalClosure && closeErr.Text == ReasonTurnComplete {
			return session.TurnEnded(ReasonTurnComplete)
		}
		if closing {
			return session.TurnEnded(reasonClientStop)
		}
		return session.Failed(fmt.Sprintf("closed with code %d", closeErr.Code), err)
	}
	if closing {
		return session.TurnEnded(reasonClientStop)
	}
	return session.Failed("transport error", err)
}

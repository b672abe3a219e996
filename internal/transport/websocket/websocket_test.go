package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/voice-coach/internal/audio"
	"github.com/user/voice-coach/internal/session"
)

// fakeServer accepts one connection, records the session.open payload and
// hands the socket to script.
type fakeServer struct {
	t      *testing.T
	srv    *httptest.Server
	opened chan sessionOpen
	auth   chan string
}

func newFakeServer(t *testing.T, ready bool, script func(ws *websocket.Conn)) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		t:      t,
		opened: make(chan sessionOpen, 1),
		auth:   make(chan string, 1),
	}
	upgrader := websocket.Upgrader{}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.auth <- r.Header.Get("Authorization")
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		var open sessionOpen
		if err := ws.ReadJSON(&open); err != nil {
			return
		}
		fs.opened <- open
		if !ready {
			ws.WriteJSON(serverMessage{Type: msgError, Message: "unauthorized"})
			return
		}
		if err := ws.WriteJSON(serverMessage{Type: msgSessionReady}); err != nil {
			return
		}
		script(ws)
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func testParams() session.Params {
	return session.Params{
		SessionID:        "sess-1",
		InputSampleRate:  16000,
		OutputSampleRate: 24000,
		Metadata:         map[string]string{"lang": "en"},
	}
}

func dial(t *testing.T, fs *fakeServer, textSafe bool) *Conn {
	t.Helper()
	tr := New(Config{URL: fs.url(), APIKey: "secret", TextSafe: textSafe})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := tr.Dial(ctx, testParams())
	require.NoError(t, err)
	c := conn.(*Conn)
	t.Cleanup(func() { c.Close() })
	return c
}

func collect(t *testing.T, c *Conn) []session.Event {
	t.Helper()
	var events []session.Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("events channel never closed")
		}
	}
}

func closeWith(ws *websocket.Conn, code int, reason string) {
	ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	// wait for the client's echo so the close frame is not lost
	ws.SetReadDeadline(time.Now().Add(time.Second))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func TestDialHandshake(t *testing.T) {
	fs := newFakeServer(t, true, func(ws *websocket.Conn) {
		closeWith(ws, websocket.CloseNormalClosure, ReasonTurnComplete)
	})
	c := dial(t, fs, false)

	assert.Equal(t, "Bearer secret", <-fs.auth)
	open := <-fs.opened
	assert.Equal(t, msgSessionOpen, open.Type)
	assert.Equal(t, "sess-1", open.SessionID)
	assert.Equal(t, audioFormat{Codec: "pcm", SampleRate: 16000}, open.Input)
	assert.Equal(t, audioFormat{Codec: "pcm", SampleRate: 24000}, open.Output)
	assert.Equal(t, "en", open.Metadata["lang"])

	collect(t, c)
	assert.Equal(t, session.NormalTurnEnd, c.Result().Kind)
}

func TestDialRejected(t *testing.T) {
	fs := newFakeServer(t, false, nil)
	tr := New(Config{URL: fs.url()})

	_, err := tr.Dial(context.Background(), testParams())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unauthorized")
}

func TestDialTimesOutWithoutReady(t *testing.T) {
	upgrader := websocket.Upgrader{}
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	tr := New(Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := tr.Dial(ctx, testParams())
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSendUtteranceBinary(t *testing.T) {
	type frame struct {
		kind int
		data []byte
	}
	frames := make(chan frame, 16)
	fs := newFakeServer(t, true, func(ws *websocket.Conn) {
		for {
			kind, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			frames <- frame{kind, data}
			if kind == websocket.TextMessage {
				closeWith(ws, websocket.CloseNormalClosure, ReasonTurnComplete)
				return
			}
		}
	})
	c := dial(t, fs, false)

	// 250ms at 16kHz splits into three 100ms chunks
	pcm := make([]byte, 16000/4*2)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	u := audio.Utterance{ID: uuid.New(), PCM: pcm, SampleRate: 16000}
	require.NoError(t, c.SendUtterance(u))

	var got []byte
	for i := 0; i < 3; i++ {
		f := <-frames
		assert.Equal(t, websocket.BinaryMessage, f.kind)
		got = append(got, f.data...)
	}
	assert.Equal(t, pcm, got)

	end := <-frames
	require.Equal(t, websocket.TextMessage, end.kind)
	var ctrl controlMessage
	require.NoError(t, json.Unmarshal(end.data, &ctrl))
	assert.Equal(t, msgUtteranceEnd, ctrl.Type)
	assert.Equal(t, u.ID.String(), ctrl.UtteranceID)

	collect(t, c)
	assert.Equal(t, session.NormalTurnEnd, c.Result().Kind)
}

func TestSendUtteranceTextSafe(t *testing.T) {
	messages := make(chan audioMessage, 16)
	fs := newFakeServer(t, true, func(ws *websocket.Conn) {
		for {
			var msg audioMessage
			if err := ws.ReadJSON(&msg); err != nil {
				return
			}
			messages <- msg
			if msg.Type == msgUtteranceEnd {
				return
			}
		}
	})
	c := dial(t, fs, true)

	pcm := []byte{1, 0, 2, 0, 3, 0, 4, 0}
	require.NoError(t, c.SendUtterance(audio.Utterance{ID: uuid.New(), PCM: pcm, SampleRate: 16000}))

	msg := <-messages
	assert.Equal(t, msgAudio, msg.Type)
	assert.Equal(t, 0, msg.Seq)
	decoded, err := audio.DecodeBase64(msg.Data)
	require.NoError(t, err)
	assert.Equal(t, pcm, decoded)

	assert.Equal(t, msgUtteranceEnd, (<-messages).Type)
}

func TestInboundEvents(t *testing.T) {
	fs := newFakeServer(t, true, func(ws *websocket.Conn) {
		ws.WriteJSON(serverMessage{Type: msgTranscript, Role: "user", Text: "hello", Final: true})
		ws.WriteMessage(websocket.BinaryMessage, []byte{1, 0, 2, 0})
		ws.WriteJSON(serverMessage{Type: msgAudio, Data: audio.EncodeBase64([]byte{3, 0})})
		ws.WriteJSON(serverMessage{Type: "unknown"})
		ws.WriteJSON(serverMessage{Type: msgInterrupted})
		ws.WriteJSON(serverMessage{Type: msgTurnComplete})
		closeWith(ws, websocket.CloseNormalClosure, ReasonTurnComplete)
	})
	c := dial(t, fs, false)

	events := collect(t, c)
	require.Len(t, events, 5)
	assert.Equal(t, session.Event{Kind: session.EventTranscript, Role: session.RoleUser, Text: "hello", Final: true}, events[0])
	assert.Equal(t, session.EventAudio, events[1].Kind)
	assert.Equal(t, []byte{1, 0, 2, 0}, events[1].Audio)
	assert.Equal(t, []byte{3, 0}, events[2].Audio)
	assert.Equal(t, session.EventInterrupted, events[3].Kind)
	assert.Equal(t, session.EventTurnComplete, events[4].Kind)
	assert.Equal(t, session.NormalTurnEnd, c.Result().Kind)
}

func TestAbnormalCloseIsFailure(t *testing.T) {
	fs := newFakeServer(t, true, func(ws *websocket.Conn) {
		closeWith(ws, websocket.CloseInternalServerErr, "boom")
	})
	c := dial(t, fs, false)

	collect(t, c)
	res := c.Result()
	assert.Equal(t, session.Failure, res.Kind)
	assert.Error(t, res.Error())
}

func TestNormalCloseWithoutReasonIsFailure(t *testing.T) {
	fs := newFakeServer(t, true, func(ws *websocket.Conn) {
		closeWith(ws, websocket.CloseNormalClosure, "")
	})
	c := dial(t, fs, false)

	collect(t, c)
	assert.Equal(t, session.Failure, c.Result().Kind)
}

func TestServerErrorFrameIsFailure(t *testing.T) {
	fs := newFakeServer(t, true, func(ws *websocket.Conn) {
		ws.WriteJSON(serverMessage{Type: msgError, Message: "quota exceeded"})
		closeWith(ws, websocket.CloseNormalClosure, ReasonTurnComplete)
	})
	c := dial(t, fs, false)

	collect(t, c)
	res := c.Result()
	assert.Equal(t, session.Failure, res.Kind)
	assert.Contains(t, res.Reason, "quota exceeded")
}

func TestCancelSendsTurnCancel(t *testing.T) {
	got := make(chan controlMessage, 1)
	fs := newFakeServer(t, true, func(ws *websocket.Conn) {
		var msg controlMessage
		if err := ws.ReadJSON(&msg); err == nil {
			got <- msg
		}
	})
	c := dial(t, fs, false)

	require.NoError(t, c.Cancel())
	select {
	case msg := <-got:
		assert.Equal(t, msgTurnCancel, msg.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("turn.cancel never arrived")
	}
}

func TestCloseIsNormalAndIdempotent(t *testing.T) {
	fs := newFakeServer(t, true, func(ws *websocket.Conn) {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})
	c := dial(t, fs, false)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, session.NormalTurnEnd, c.Result().Kind)
	assert.ErrorIs(t, c.SendUtterance(audio.Utterance{}), session.ErrSessionClosed)
}

func TestClassifyClose(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		closing bool
		want    session.CloseKind
	}{
		{"turn complete", &websocket.CloseError{Code: websocket.CloseNormalClosure, Text: ReasonTurnComplete}, false, session.NormalTurnEnd},
		{"normal without reason", &websocket.CloseError{Code: websocket.CloseNormalClosure}, false, session.Failure},
		{"going away", &websocket.CloseError{Code: websocket.CloseGoingAway}, false, session.Failure},
		{"server error", &websocket.CloseError{Code: websocket.CloseInternalServerErr, Text: "boom"}, false, session.Failure},
		{"network error", errors.New("connection reset"), false, session.Failure},
		{"our own close", errors.New("use of closed network connection"), true, session.NormalTurnEnd},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyClose(tt.err, tt.closing).Kind)
		})
	}
}

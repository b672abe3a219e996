package websocket

const (
	msgSessionOpen  = "session.open"
	msgSessionReady = "session.ready"
	msgAudio        = "audio"
	msgUtteranceEnd = "utterance.end"
	msgTurnCancel   = "turn.cancel"
	msgTranscript   = "transcript"
	msgTurnComplete = "turn_complete"
	msgInterrupted  = "interrupted"
	msgError        = "error"

	// ReasonTurnComplete is the close reason that marks a normal end of turn.
	ReasonTurnComplete = "turn_complete"
	reasonClientStop   = "client_stop"
)

type audioFormat struct {
	Codec      string `json:"codec"`
	SampleRate int    `json:"sample_rate"`
}

type sessionOpen struct {
	Type      string            `json:"type"`
	SessionID string            `json:"session_id"`
	Input     audioFormat       `json:"input"`
	Output    audioFormat       `json:"output"`
	TextSafe  bool              `json:"text_safe"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type audioMessage struct {
	Type        string `json:"type"`
	UtteranceID string `json:"utterance_id,omitempty"`
	Seq         int    `json:"seq"`
	Data        string `json:"data"`
}

type controlMessage struct {
	Type        string `json:"type"`
	UtteranceID string `json:"utterance_id,omitempty"`
}

// serverMessage is the union of every text frame the server sends.
type serverMessage struct {
	Type    string `json:"type"`
	Role    string `json:"role,omitempty"`
	Text    string `json:"text,omitempty"`
	Final   bool   `json:"final,omitempty"`
	Data    string `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

package protocol

import "time"

// Transcript represents recognizer output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// AudioChunk carries one synthesized segment to a virtual microphone bridge.
type AudioChunk struct {
	SessionID   string `json:"session_id"`
	UtteranceID uint64 `json:"utterance_id"`
	Sequence    uint64 `json:"sequence"`
	SampleRate  int    `json:"sample_rate"`
	Channels    int    `json:"channels"`
	PCM         []byte `json:"pcm"`
	Final       bool   `json:"final"`
}

// ControlReply answers a control request received on the bus.
type ControlReply struct {
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
	State    string `json:"state"`
	Language string `json:"language"`
}

const (
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
)

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeSessionStart      MessageType = "session_start"
	TypeAudioData         MessageType = "audio_data"
	TypeUserStopSpeaking  MessageType = "user_stop_speaking"
	TypeInterrupt         MessageType = "interrupt"
	TypePing              MessageType = "ping"
	TypeSessionEnd        MessageType = "session_end"
	TypeSessionStarted    MessageType = "session_started"
	TypeTranscription     MessageType = "transcription"
	TypeLLMResponseChunk  MessageType = "llm_response_chunk"
	TypeStreamingAudio    MessageType = "streaming_audio_chunk"
	TypeAIResponseComplete MessageType = "ai_response_complete"
	TypeInterruptConfirmed MessageType = "interrupt_confirmed"
	TypeError             MessageType = "error"
	TypePong              MessageType = "pong"
	TypeSessionEnded      MessageType = "session_ended"
)

var ErrUnsupportedType = errors.New("unsupported message type")

// Envelope is the minimal shape every inbound and outbound frame shares.
type Envelope struct {
	Type MessageType `json:"type"`
}

// --- Client -> Server ---

type SessionStart struct {
	Type        MessageType `json:"type"`
	Language    string      `json:"language"`
	KidFriendly bool        `json:"kid_friendly"`
	ModelHint   string      `json:"model_hint,omitempty"`
}

type AudioData struct {
	Type      MessageType `json:"type"`
	Chunk     string      `json:"chunk"`
	IsSilence bool        `json:"is_silence"`
	Seq       int         `json:"seq"`
}

type UserStopSpeaking struct {
	Type MessageType `json:"type"`
}

type Interrupt struct {
	Type MessageType `json:"type"`
}

type Ping struct {
	Type MessageType `json:"type"`
	TS   int64       `json:"ts"`
}

type SessionEnd struct {
	Type MessageType `json:"type"`
}

// --- Server -> Client ---

type SessionStarted struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	EventSeq  int64       `json:"event_seq"`
}

type Transcription struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	EventSeq  int64       `json:"event_seq"`
	Text      string      `json:"text"`
	IsFinal   bool        `json:"is_final"`
}

type LLMResponseChunk struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	EventSeq  int64       `json:"event_seq"`
	Content   string      `json:"content"`
	IsFinal   bool        `json:"is_final"`
}

type StreamingAudioChunk struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	EventSeq   int64       `json:"event_seq"`
	ChunkIndex int         `json:"chunk_index"`
	Audio      string      `json:"audio"`
	IsFinal    bool        `json:"is_final"`
}

type Timings struct {
	STTMs int64 `json:"stt_ms"`
	LLMMs int64 `json:"llm_ms"`
	TTSMs int64 `json:"tts_ms"`
}

type AIResponseComplete struct {
	Type           MessageType `json:"type"`
	SessionID      string      `json:"session_id"`
	EventSeq       int64       `json:"event_seq"`
	TurnID         string      `json:"turn_id"`
	Text           string      `json:"text"`
	Interrupted    bool        `json:"interrupted"`
	InterruptKind  string      `json:"interrupt_kind,omitempty"`
	Timings        Timings     `json:"timings"`
	AudioChunks    int         `json:"audio_chunks"`
	AudioUnavailable bool      `json:"audio_unavailable,omitempty"`
}

type InterruptConfirmed struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	EventSeq  int64       `json:"event_seq"`
	Kind      string      `json:"kind"`
}

type ErrorEvent struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	EventSeq    int64       `json:"event_seq"`
	Kind        string      `json:"kind"`
	Message     string      `json:"message"`
	Recoverable bool        `json:"recoverable"`
}

type Pong struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	EventSeq  int64       `json:"event_seq"`
	TS        int64       `json:"ts"`
}

type SessionEnded struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	EventSeq  int64       `json:"event_seq"`
	Reason    string      `json:"reason"`
}

type clientInbound struct {
	Type        MessageType `json:"type"`
	Language    string      `json:"language"`
	KidFriendly bool        `json:"kid_friendly"`
	ModelHint   string      `json:"model_hint"`
	Chunk       string      `json:"chunk"`
	IsSilence   bool        `json:"is_silence"`
	Seq         int         `json:"seq"`
	TS          int64       `json:"ts"`
}

// ParseClientMessage decodes a raw inbound frame into one of the typed
// client message structs. Unknown types and malformed required fields are
// reported as errors so the caller can emit a ProtocolError event.
func ParseClientMessage(raw []byte) (any, error) {
	var inbound clientInbound
	if err := json.Unmarshal(raw, &inbound); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch inbound.Type {
	case TypeSessionStart:
		if inbound.Language == "" {
			return nil, errors.New("invalid session_start: language required")
		}
		return SessionStart{
			Type:        TypeSessionStart,
			Language:    inbound.Language,
			KidFriendly: inbound.KidFriendly,
			ModelHint:   inbound.ModelHint,
		}, nil
	case TypeAudioData:
		if inbound.Chunk == "" && !inbound.IsSilence {
			return nil, errors.New("invalid audio_data: chunk required unless is_silence")
		}
		return AudioData{
			Type:      TypeAudioData,
			Chunk:     inbound.Chunk,
			IsSilence: inbound.IsSilence,
			Seq:       inbound.Seq,
		}, nil
	case TypeUserStopSpeaking:
		return UserStopSpeaking{Type: TypeUserStopSpeaking}, nil
	case TypeInterrupt:
		return Interrupt{Type: TypeInterrupt}, nil
	case TypePing:
		return Ping{Type: TypePing, TS: inbound.TS}, nil
	case TypeSessionEnd:
		return SessionEnd{Type: TypeSessionEnd}, nil
	default:
		return nil, ErrUnsupportedType
	}
}

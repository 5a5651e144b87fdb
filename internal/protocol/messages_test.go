package protocol

import (
	"errors"
	"testing"
)

func TestParseClientMessageSessionStart(t *testing.T) {
	raw := []byte(`{"type":"session_start","language":"en","kid_friendly":true,"model_hint":"fast"}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	start, ok := msg.(SessionStart)
	if !ok {
		t.Fatalf("message type = %T, want SessionStart", msg)
	}
	if start.Language != "en" || !start.KidFriendly || start.ModelHint != "fast" {
		t.Fatalf("unexpected session_start: %+v", start)
	}
}

func TestParseClientMessageAudioData(t *testing.T) {
	raw := []byte(`{"type":"audio_data","chunk":"AQID","is_silence":false,"seq":3}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	audio, ok := msg.(AudioData)
	if !ok {
		t.Fatalf("message type = %T, want AudioData", msg)
	}
	if audio.Chunk != "AQID" || audio.Seq != 3 {
		t.Fatalf("unexpected audio_data: %+v", audio)
	}
}

func TestParseClientMessageAudioDataSilenceOnly(t *testing.T) {
	raw := []byte(`{"type":"audio_data","chunk":"","is_silence":true,"seq":4}`)
	if _, err := ParseClientMessage(raw); err != nil {
		t.Fatalf("ParseClientMessage() error = %v, want nil for silence-only chunk", err)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageControlFrames(t *testing.T) {
	cases := []struct {
		raw  string
		want any
	}{
		{`{"type":"user_stop_speaking"}`, UserStopSpeaking{Type: TypeUserStopSpeaking}},
		{`{"type":"interrupt"}`, Interrupt{Type: TypeInterrupt}},
		{`{"type":"session_end"}`, SessionEnd{Type: TypeSessionEnd}},
	}
	for _, tc := range cases {
		msg, err := ParseClientMessage([]byte(tc.raw))
		if err != nil {
			t.Fatalf("ParseClientMessage(%s) error = %v", tc.raw, err)
		}
		if msg != tc.want {
			t.Fatalf("ParseClientMessage(%s) = %+v, want %+v", tc.raw, msg, tc.want)
		}
	}
}

func TestParseClientMessagePing(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"ping","ts":456}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	ping, ok := msg.(Ping)
	if !ok {
		t.Fatalf("message type = %T, want Ping", msg)
	}
	if ping.TS != 456 {
		t.Fatalf("TS = %d, want 456", ping.TS)
	}
}

func TestParseClientMessageRejectsMissingLanguage(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"session_start"}`))
	if err == nil {
		t.Fatalf("expected validation error")
	}
}

func BenchmarkParseClientMessageAudioData(b *testing.B) {
	raw := []byte(`{"type":"audio_data","chunk":"AQIDBAUGBwgJCgsMDQ4P","is_silence":false,"seq":7}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msg, err := ParseClientMessage(raw)
		if err != nil {
			b.Fatalf("ParseClientMessage() error = %v", err)
		}
		if _, ok := msg.(AudioData); !ok {
			b.Fatalf("message type = %T, want AudioData", msg)
		}
	}
}

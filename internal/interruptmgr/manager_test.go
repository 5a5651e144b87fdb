package interruptmgr

import (
	"context"
	"testing"
	"time"
)

func TestManualInterruptCancelsToken(t *testing.T) {
	m := NewManager(3*time.Second, 500*time.Millisecond)
	token := NewToken(context.Background())
	m.RegisterCancellable("s1", token)

	var firedKind Kind
	m.SetInterruptHook("s1", func(k Kind) { firedKind = k })

	m.TriggerInterrupt("s1", KindManual)

	select {
	case <-token.Context().Done():
	default:
		t.Fatalf("expected token context to be cancelled")
	}
	if firedKind != KindManual {
		t.Fatalf("firedKind = %q, want manual", firedKind)
	}
}

func TestTriggerInterruptIsIdempotent(t *testing.T) {
	m := NewManager(3*time.Second, 500*time.Millisecond)
	token := NewToken(context.Background())
	m.RegisterCancellable("s1", token)

	calls := 0
	m.SetInterruptHook("s1", func(Kind) { calls++ })

	m.TriggerInterrupt("s1", KindManual)
	m.TriggerInterrupt("s1", KindManual)

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestMarkDonePreventsLateCancel(t *testing.T) {
	m := NewManager(3*time.Second, 500*time.Millisecond)
	token := NewToken(context.Background())
	m.RegisterCancellable("s1", token)
	token.MarkDone()

	calls := 0
	m.SetInterruptHook("s1", func(Kind) { calls++ })
	m.TriggerInterrupt("s1", KindManual)

	if calls != 0 {
		t.Fatalf("calls = %d, want 0 once turn already completed", calls)
	}
}

func TestAutoInterruptFiresAfterSustainedSpeech(t *testing.T) {
	m := NewManager(30*time.Millisecond, 10*time.Millisecond)
	token := NewToken(context.Background())
	m.RegisterCancellable("s1", token)
	m.MarkSpeakingAI("s1", true)

	done := make(chan Kind, 1)
	m.SetInterruptHook("s1", func(k Kind) { done <- k })

	m.StartUserSpeaking("s1")

	select {
	case k := <-done:
		if k != KindAuto {
			t.Fatalf("kind = %q, want auto", k)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("auto-interrupt did not fire")
	}
}

func TestAutoInterruptDoesNotFireOutsideSpeakingAI(t *testing.T) {
	m := NewManager(15*time.Millisecond, 5*time.Millisecond)
	token := NewToken(context.Background())
	m.RegisterCancellable("s1", token)
	// speakingAI left false.

	calls := 0
	m.SetInterruptHook("s1", func(Kind) { calls++ })
	m.StartUserSpeaking("s1")

	time.Sleep(100 * time.Millisecond)
	if calls != 0 {
		t.Fatalf("calls = %d, want 0 when not speaking_ai", calls)
	}
}

func TestStopUserSpeakingCancelsPendingAutoTimer(t *testing.T) {
	m := NewManager(30*time.Millisecond, 5*time.Millisecond)
	token := NewToken(context.Background())
	m.RegisterCancellable("s1", token)
	m.MarkSpeakingAI("s1", true)

	calls := 0
	m.SetInterruptHook("s1", func(Kind) { calls++ })

	m.StartUserSpeaking("s1")
	m.StopUserSpeaking("s1")

	time.Sleep(80 * time.Millisecond)
	if calls != 0 {
		t.Fatalf("calls = %d, want 0 after stop before timer fires", calls)
	}
}

func TestSpeechDurationMsAccumulates(t *testing.T) {
	m := NewManager(3*time.Second, 500*time.Millisecond)
	m.StartUserSpeaking("s1")
	time.Sleep(20 * time.Millisecond)
	m.StopUserSpeaking("s1")

	if d := m.SpeechDurationMs("s1"); d < 10 {
		t.Fatalf("SpeechDurationMs() = %d, want >= 10", d)
	}
}

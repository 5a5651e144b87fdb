package modelrouter

import "testing"

func TestChooseDefaultForShortPrompt(t *testing.T) {
	r := NewRouter("fast-small", "strong-big", 0.5, 1500)
	got := r.Choose(Context{PromptChars: 20, LoadHeadroom: 1, RecentTurnLatencyMs: 200})
	if got.ModelID != "fast-small" || got.Reason != ReasonDefault {
		t.Fatalf("got = %#v, want default fast-small", got)
	}
}

func TestChooseEscalatesForLongPromptWithHeadroom(t *testing.T) {
	r := NewRouter("fast-small", "strong-big", 0.5, 1500)
	got := r.Choose(Context{PromptChars: 500, LoadHeadroom: 0.9, RecentTurnLatencyMs: 200})
	if got.ModelID != "strong-big" || got.Reason != ReasonEscalated {
		t.Fatalf("got = %#v, want escalated strong-big", got)
	}
}

func TestChooseStaysDefaultWithoutLoadHeadroom(t *testing.T) {
	r := NewRouter("fast-small", "strong-big", 0.1, 1500)
	got := r.Choose(Context{PromptChars: 900, LoadHeadroom: 0.1, RecentTurnLatencyMs: 200})
	if got.ModelID != "fast-small" {
		t.Fatalf("got = %#v, want default due to low headroom", got)
	}
}

func TestChooseStaysDefaultWhenRecentLatencyHigh(t *testing.T) {
	r := NewRouter("fast-small", "strong-big", 0.1, 500)
	got := r.Choose(Context{PromptChars: 900, LoadHeadroom: 1, RecentTurnLatencyMs: 900})
	if got.ModelID != "fast-small" {
		t.Fatalf("got = %#v, want default due to high recent latency", got)
	}
}

func TestChoosePinsKidFriendlyToDefault(t *testing.T) {
	r := NewRouter("fast-small", "strong-big", 0.01, 1500)
	got := r.Choose(Context{PromptChars: 900, KidFriendly: true, LoadHeadroom: 1})
	if got.ModelID != "fast-small" || got.Reason != ReasonKidSafety {
		t.Fatalf("got = %#v, want kid_friendly_default", got)
	}
}

func TestChooseIsDeterministic(t *testing.T) {
	r := NewRouter("fast-small", "strong-big", 0.5, 1500)
	ctx := Context{PromptChars: 700, LoadHeadroom: 0.8, RecentTurnLatencyMs: 300}
	a := r.Choose(ctx)
	b := r.Choose(ctx)
	if a != b {
		t.Fatalf("Choose() not deterministic: %#v != %#v", a, b)
	}
}

package brain

import (
	"context"
	"errors"
	"testing"
)

type stubAdapter struct {
	resp MessageResponse
	err  error
	calls int
}

func (s *stubAdapter) StreamResponse(ctx context.Context, req MessageRequest, onDelta DeltaHandler) (MessageResponse, error) {
	s.calls++
	if s.err != nil {
		return MessageResponse{}, s.err
	}
	if onDelta != nil && s.resp.Text != "" {
		if err := onDelta(s.resp.Text); err != nil {
			return MessageResponse{}, err
		}
	}
	return s.resp, nil
}

func TestNewAdapterMockMode(t *testing.T) {
	a, err := NewAdapter(Config{Mode: "mock"})
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}
	resp, err := a.StreamResponse(context.Background(), MessageRequest{InputText: "hi"}, nil)
	if err != nil {
		t.Fatalf("StreamResponse() error = %v", err)
	}
	if resp.Text == "" {
		t.Fatalf("expected non-empty mock reply")
	}
}

func TestNewAdapterRejectsUnknownMode(t *testing.T) {
	if _, err := NewAdapter(Config{Mode: "bogus"}); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestNewAdapterCLIRequiresPath(t *testing.T) {
	if _, err := NewAdapter(Config{Mode: "cli"}); err == nil {
		t.Fatalf("expected error when CLIPath is empty")
	}
}

func TestMockAdapterEchoesInput(t *testing.T) {
	a := NewMockAdapter()
	resp, err := a.StreamResponse(context.Background(), MessageRequest{InputText: "hello there"}, nil)
	if err != nil {
		t.Fatalf("StreamResponse() error = %v", err)
	}
	if resp.Text == "" {
		t.Fatalf("expected non-empty reply")
	}
}

func TestMockAdapterRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := NewMockAdapter()
	if _, err := a.StreamResponse(ctx, MessageRequest{InputText: "hi"}, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

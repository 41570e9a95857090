package notify

import (
	"testing"

	"github.com/web3guy0/polybot/internal/events"
)

func TestNewWithoutTokenReturnsNilSink(t *testing.T) {
	t.Parallel()
	sink, err := New("", 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if sink != nil {
		t.Error("New with no token should return a nil Sink")
	}
}

func TestHandleOnUnconfiguredSinkIsNoop(t *testing.T) {
	t.Parallel()
	s := &Sink{}
	// api is nil, so handle must not attempt to send and must not panic.
	s.handle(events.SessionStopped{SessionID: "s1", Reason: "circuit_breaker"})
	s.handle(events.OrderFailed{SessionID: "s1", OrderID: "o1", Reason: "timeout"})
	s.handle(events.OrderFilled{SessionID: "s1", AssetID: "a1", FillPrice: 0.5})
}

func TestHandleOnNilSinkIsNoop(t *testing.T) {
	t.Parallel()
	var s *Sink
	s.handle(events.SessionStopped{SessionID: "s1"})
}

func TestEscapeMarkdownEscapesSpecialChars(t *testing.T) {
	t.Parallel()
	tests := []struct{ in, want string }{
		{"plain text", "plain text"},
		{"a_b", "a\\_b"},
		{"*bold*", "\\*bold\\*"},
		{"[link](x)", "\\[link\\](x)"},
		{"`code`", "\\`code\\`"},
	}
	for _, tt := range tests {
		if got := escapeMarkdown(tt.in); got != tt.want {
			t.Errorf("escapeMarkdown(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

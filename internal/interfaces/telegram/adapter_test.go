package telegram

import "testing"

func TestStreamAssembler_AccumulatesPerChat(t *testing.T) {
	s := newStreamAssembler()
	s.Append("100", "Hel")
	s.Append("100", "lo")
	s.Append("200", "other chat")

	if got := s.Flush("100"); got != "Hello" {
		t.Errorf("flush(100) = %q", got)
	}
	if got := s.Flush("200"); got != "other chat" {
		t.Errorf("flush(200) = %q", got)
	}
}

func TestStreamAssembler_FlushClears(t *testing.T) {
	s := newStreamAssembler()
	s.Append("100", "once")

	if got := s.Flush("100"); got != "once" {
		t.Errorf("first flush = %q", got)
	}
	if got := s.Flush("100"); got != "" {
		t.Errorf("second flush = %q, want empty", got)
	}
}

func TestIsAllowed(t *testing.T) {
	open := &Adapter{config: &Config{}}
	if !open.isAllowed(42) {
		t.Error("empty allow list should admit everyone")
	}

	restricted := &Adapter{config: &Config{AllowIDs: []int64{1, 2}}}
	if !restricted.isAllowed(2) {
		t.Error("listed user rejected")
	}
	if restricted.isAllowed(3) {
		t.Error("unlisted user admitted")
	}
}

package session

import "testing"

func TestNormalizeNumber(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"09121234567", "09121234567"},
		{"9121234567", "09121234567"},
		{"+98 912 123-4567", "989121234567"},
		{"sip:9121234567@host", "09121234567"},
		{"", ""},
		{"abc", ""},
		{"200", "200"},
	}
	for _, tc := range tests {
		if got := NormalizeNumber(tc.in); got != tc.want {
			t.Errorf("NormalizeNumber(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestBetterContact(t *testing.T) {
	t.Parallel()

	tests := []struct {
		current, candidate, want string
	}{
		// Leading-zero candidate wins when current is its suffix.
		{"9121234567", "09121234567", "09121234567"},
		// Unrelated candidate does not replace an existing contact.
		{"09121234567", "09350000000", "09121234567"},
		// Empty current takes any candidate.
		{"", "912 123 4567", "09121234567"},
		// Empty candidate keeps current.
		{"09121234567", "", "09121234567"},
	}
	for _, tc := range tests {
		if got := BetterContact(tc.current, tc.candidate); got != tc.want {
			t.Errorf("BetterContact(%q, %q) = %q, want %q", tc.current, tc.candidate, got, tc.want)
		}
	}
}

func TestResolveLine(t *testing.T) {
	t.Parallel()

	lines := []string{"02191302954", "02191302955"}
	tests := []struct {
		name       string
		candidates []string
		want       string
		ok         bool
	}{
		{"exact", []string{"02191302954"}, "02191302954", true},
		{"zero stripped", []string{"2191302955"}, "02191302955", true},
		{"suffix", []string{"91302954"}, "02191302954", true},
		{"second candidate", []string{"", "02191302955"}, "02191302955", true},
		{"no match", []string{"02100000000"}, "", false},
		{"empty", nil, "", false},
	}
	for _, tc := range tests {
		got, ok := ResolveLine(lines, tc.candidates...)
		if got != tc.want || ok != tc.ok {
			t.Errorf("%s: ResolveLine = (%q, %v), want (%q, %v)", tc.name, got, ok, tc.want, tc.ok)
		}
	}
}

func TestSetResultLaw(t *testing.T) {
	t.Parallel()

	s := New("s1")

	if !s.SetResult("user_didnt_answer", false) {
		t.Fatal("initial write should succeed")
	}
	// Weak defaults may be upgraded without force.
	if !s.SetResult("busy", false) {
		t.Fatal("upgrading user_didnt_answer should succeed")
	}
	// A real result resists non-forced writes.
	if s.SetResult("hangup", false) {
		t.Fatal("non-forced write over busy should be refused")
	}
	if s.Result() != "busy" {
		t.Fatalf("result = %q, want busy", s.Result())
	}
	// Force always wins.
	if !s.SetResult("connected_to_operator", true) {
		t.Fatal("forced write should succeed")
	}
	if s.Result() != "connected_to_operator" {
		t.Fatalf("result = %q", s.Result())
	}
	// missed is also upgradeable.
	s2 := New("s2")
	s2.SetResult("missed", true)
	if !s2.SetResult("hangup", false) {
		t.Fatal("upgrading missed should succeed")
	}
}

func TestSetMetaOnce(t *testing.T) {
	t.Parallel()

	s := New("s1")
	if !s.SetMetaOnce(MetaCleanupDone) {
		t.Fatal("first SetMetaOnce should win")
	}
	if s.SetMetaOnce(MetaCleanupDone) {
		t.Fatal("second SetMetaOnce should lose")
	}
	if s.Meta(MetaCleanupDone) != "1" {
		t.Errorf("flag value = %q, want 1", s.Meta(MetaCleanupDone))
	}
}

func TestMarkRecordingProcessed(t *testing.T) {
	t.Parallel()

	s := New("s1")
	if !s.MarkRecordingProcessed("rec1") {
		t.Fatal("first claim should win")
	}
	if s.MarkRecordingProcessed("rec1") {
		t.Fatal("second claim should lose")
	}
	if !s.MarkRecordingProcessed("rec2") {
		t.Fatal("different name should claim independently")
	}
}

func TestPlaybackRegistry(t *testing.T) {
	t.Parallel()

	s := New("s1")
	s.RegisterPlayback("pb1", "hello")
	s.RegisterPlayback("pb2", "onhold")

	if id, ok := s.PlaybackIDForKey("onhold"); !ok || id != "pb2" {
		t.Fatalf("PlaybackIDForKey = (%q, %v)", id, ok)
	}
	key, ok := s.PopPlayback("pb1")
	if !ok || key != "hello" {
		t.Fatalf("PopPlayback = (%q, %v)", key, ok)
	}
	if _, ok := s.PopPlayback("pb1"); ok {
		t.Fatal("second pop should miss")
	}
}

func TestStatusTerminalSticky(t *testing.T) {
	t.Parallel()

	s := New("s1")
	s.SetStatus(StatusActive)
	s.SetStatus(StatusCompleted)
	s.SetStatus(StatusActive)
	if s.Status() != StatusCompleted {
		t.Fatalf("status = %q, want completed to stick", s.Status())
	}
}

func TestLegAccessors(t *testing.T) {
	t.Parallel()

	s := New("s1")
	s.SetLeg(&CallLeg{ChannelID: "ch-out", Direction: DirOutbound, State: LegCreated})
	s.SetLeg(&CallLeg{ChannelID: "ch-op", Direction: DirOperator, State: LegCreated})

	if leg := s.LegByChannel("ch-op"); leg == nil || leg.Direction != DirOperator {
		t.Fatal("LegByChannel missed the operator leg")
	}
	if leg := s.CustomerLeg(); leg == nil || leg.ChannelID != "ch-out" {
		t.Fatal("CustomerLeg should be the outbound leg")
	}
	if got := len(s.LiveLegs()); got != 2 {
		t.Fatalf("live legs = %d, want 2", got)
	}
	s.SetLegState("ch-op", LegHungup)
	if got := len(s.LiveLegs()); got != 1 {
		t.Fatalf("live legs after hangup = %d, want 1", got)
	}
}

func TestResponses(t *testing.T) {
	t.Parallel()

	s := New("s1")
	if _, ok := s.LastResponse(); ok {
		t.Fatal("empty session should have no responses")
	}
	s.AddResponse(Utterance{Phase: "interest", Transcript: "بله"})
	s.SetLastIntent("yes")
	u, ok := s.LastResponse()
	if !ok || u.Intent != "yes" || u.Transcript != "بله" {
		t.Fatalf("last response = %+v, ok=%v", u, ok)
	}
}

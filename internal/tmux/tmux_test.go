package tmux

import "testing"

func TestParseSessions_Basic(t *testing.T) {
	out := "main\t3\t1\nwork\t1\t0\n"
	sessions := parseSessions(out)
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].Name != "main" || sessions[0].Windows != 3 || sessions[0].Attached != 1 {
		t.Fatalf("unexpected first session: %+v", sessions[0])
	}
	if sessions[1].Name != "work" || sessions[1].Windows != 1 || sessions[1].Attached != 0 {
		t.Fatalf("unexpected second session: %+v", sessions[1])
	}
}

func TestParseSessions_TrailingBlankAndWhitespace(t *testing.T) {
	out := "main\t2\t1  \r\n\n   \n"
	sessions := parseSessions(out)
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	if sessions[0].Windows != 2 {
		t.Fatalf("expected 2 windows, got %d", sessions[0].Windows)
	}
}

func TestParseSessions_SkipsMalformed(t *testing.T) {
	out := "good\t1\t0\nonly-one-field\nbad\tnotanumber\t0\nalso-good\t4\t2\n"
	sessions := parseSessions(out)
	if len(sessions) != 2 {
		t.Fatalf("expected malformed lines skipped, got %d sessions", len(sessions))
	}
	if sessions[0].Name != "good" || sessions[1].Name != "also-good" {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}
}

func TestParseSessions_NameWithSpacesAndColons(t *testing.T) {
	// Session names may contain anything but the tab separator.
	out := "my session: dev\t2\t0\n"
	sessions := parseSessions(out)
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	if sessions[0].Name != "my session: dev" {
		t.Fatalf("name did not round-trip: %q", sessions[0].Name)
	}
}

func TestParseClients(t *testing.T) {
	out := "/dev/ttys001\tmain\n/dev/ttys004\twork\nmalformed\n"
	clients := parseClients(out)
	if len(clients) != 2 {
		t.Fatalf("expected 2 clients, got %d", len(clients))
	}
	if clients[0].TTY != "/dev/ttys001" || clients[0].Session != "main" {
		t.Fatalf("unexpected client: %+v", clients[0])
	}
}

func TestTargetString(t *testing.T) {
	if got := (Target{Name: "main"}).String(); got != "main" {
		t.Fatalf("expected bare name, got %q", got)
	}
	if got := (Target{Name: "main", WindowIndex: 2}).String(); got != "main:2" {
		t.Fatalf("expected name:index, got %q", got)
	}
}

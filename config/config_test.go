package config

import (
	"testing"
)

// ── ParseForwardSpec ─────────────────────────────────────────────────

func TestParseForwardSpec(t *testing.T) {
	tests := []struct {
		name    string
		typ     string
		input   string
		want    Forward
		wantErr bool
	}{
		{"local short", ForwardLocal, "8080:db.internal:5432",
			Forward{Type: ForwardLocal, BindHost: "127.0.0.1", BindPort: 8080, TargetHost: "db.internal", TargetPort: 5432}, false},
		{"remote short", ForwardRemote, "9000:localhost:3000",
			Forward{Type: ForwardRemote, BindHost: "", BindPort: 9000, TargetHost: "localhost", TargetPort: 3000}, false},
		{"explicit bind", ForwardLocal, "0.0.0.0:18022:10.0.0.5:22",
			Forward{Type: ForwardLocal, BindHost: "0.0.0.0", BindPort: 18022, TargetHost: "10.0.0.5", TargetPort: 22}, false},
		{"wildcard bind", ForwardRemote, "*:9000:localhost:80",
			Forward{Type: ForwardRemote, BindHost: "", BindPort: 9000, TargetHost: "localhost", TargetPort: 80}, false},
		{"ipv6 target", ForwardLocal, "8080:[::1]:80",
			Forward{Type: ForwardLocal, BindHost: "127.0.0.1", BindPort: 8080, TargetHost: "::1", TargetPort: 80}, false},
		{"ipv6 bind and target", ForwardLocal, "[::1]:8080:[fe80::1]:443",
			Forward{Type: ForwardLocal, BindHost: "::1", BindPort: 8080, TargetHost: "fe80::1", TargetPort: 443}, false},
		{"too few parts", ForwardLocal, "8080:db", Forward{}, true},
		{"too many parts", ForwardLocal, "a:1:b:2:3", Forward{}, true},
		{"bad bind port", ForwardLocal, "0:db:5432", Forward{}, true},
		{"bad target port", ForwardLocal, "8080:db:70000", Forward{}, true},
		{"non-numeric port", ForwardLocal, "http:db:80", Forward{}, true},
		{"empty target", ForwardLocal, "8080::80", Forward{}, true},
		{"unterminated bracket", ForwardLocal, "8080:[::1:80", Forward{}, true},
		{"stray bracket", ForwardLocal, "8080:db]:80", Forward{}, true},
		{"bad type", "dynamic", "8080:db:80", Forward{}, true},
		{"empty", ForwardLocal, "", Forward{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseForwardSpec(tt.typ, tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr = %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

// ── ParsePort ────────────────────────────────────────────────────────

func TestParsePort(t *testing.T) {
	tests := []struct {
		input   string
		want    int
		wantErr bool
	}{
		{"1", 1, false},
		{"22", 22, false},
		{"65535", 65535, false},
		{"0", 0, true},
		{"65536", 0, true},
		{"-1", 0, true},
		{"ssh", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParsePort(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr = %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

// ── Forward ──────────────────────────────────────────────────────────

func TestForward_String(t *testing.T) {
	tests := []struct {
		f    Forward
		want string
	}{
		{Forward{Type: ForwardLocal, BindHost: "127.0.0.1", BindPort: 8080, TargetHost: "db", TargetPort: 5432}, "-L 127.0.0.1:8080:db:5432"},
		{Forward{Type: ForwardRemote, BindPort: 9000, TargetHost: "localhost", TargetPort: 80}, "-R 9000:localhost:80"},
		{Forward{Type: ForwardLocal, BindHost: "::1", BindPort: 1, TargetHost: "fe80::1", TargetPort: 2}, "-L [::1]:1:[fe80::1]:2"},
	}
	for _, tt := range tests {
		if got := tt.f.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

// TestForward_StringRoundTrip verifies String output parses back.
func TestForward_StringRoundTrip(t *testing.T) {
	for _, spec := range []string{"[::1]:8080:[fe80::1]:443", "0.0.0.0:1:host:2"} {
		f, err := ParseForwardSpec(ForwardLocal, spec)
		if err != nil {
			t.Fatal(err)
		}
		again, err := ParseForwardSpec(ForwardLocal, f.String()[3:])
		if err != nil {
			t.Fatalf("reparse %q: %v", f.String(), err)
		}
		if again != f {
			t.Errorf("round trip %+v != %+v", again, f)
		}
	}
}

func TestConfig_Normalize(t *testing.T) {
	cfg := &Config{
		Session: "lab",
		Forwards: []Forward{
			{Type: ForwardLocal, BindPort: 1, TargetHost: "a", TargetPort: 1},
			{Type: ForwardRemote, Session: "prod", BindPort: 2, TargetHost: "b", TargetPort: 2},
		},
	}
	cfg.Normalize()
	if cfg.Forwards[0].Session != "lab" {
		t.Errorf("forward 0 session = %q, want default", cfg.Forwards[0].Session)
	}
	if cfg.Forwards[1].Session != "prod" {
		t.Errorf("forward 1 session = %q, want explicit kept", cfg.Forwards[1].Session)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.ConnectTimeout != DefaultConnTimeout || cfg.PollInterval != DefaultPollInterval {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if cfg.Restart {
		t.Error("restart should be opt-in")
	}
}

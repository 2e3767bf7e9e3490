// Package config defines the runtime configuration for sshfwd and
// provides helpers for parsing forward specifications and ports.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config holds every tuneable for one sshfwd run.
type Config struct {
	// ── Sessions ─────────────────────────────────────────────────────
	SessionsFile string    `yaml:"sessions_file"`
	Session      string    `yaml:"session"` // default for forwards that name none
	Forwards     []Forward `yaml:"forwards"`

	// ── SSH ──────────────────────────────────────────────────────────
	StrictHostKey  bool          `yaml:"strict_host_key"`
	KnownHostsPath string        `yaml:"known_hosts"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	KeepAlive      time.Duration `yaml:"keepalive"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	NoPrompt       bool          `yaml:"no_prompt"`

	// ── Tunnels ──────────────────────────────────────────────────────
	PollInterval     time.Duration `yaml:"poll_interval"`
	StartWait        time.Duration `yaml:"start_wait"`
	JoinTimeout      time.Duration `yaml:"join_timeout"`
	GracePeriod      time.Duration `yaml:"grace_period"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	RateLimit        int64         `yaml:"rate_limit"`        // bytes/s per direction, 0 = off
	BreakerThreshold int           `yaml:"breaker_threshold"` // 0 = off
	BreakerReset     time.Duration `yaml:"breaker_reset"`

	// ── Supervisor ───────────────────────────────────────────────────
	Restart     bool `yaml:"restart"`
	MaxRestarts int  `yaml:"max_restarts"`

	// ── Output ───────────────────────────────────────────────────────
	StatusInterval time.Duration `yaml:"status_interval"` // 0 = off
	JSON           bool          `yaml:"json"`
	LogFile        string        `yaml:"log_file"`
	LogMaxSize     int           `yaml:"log_max_size"` // megabytes
	LogMaxBackups  int           `yaml:"log_max_backups"`
	Verbose        int           `yaml:"verbose"`
}

// ── Forwards ─────────────────────────────────────────────────────────

// Forward types.
const (
	ForwardLocal  = "local"
	ForwardRemote = "remote"
)

// Forward is one -L or -R rule.
type Forward struct {
	Type       string `yaml:"type"`
	Session    string `yaml:"session"`
	BindHost   string `yaml:"bind_host"`
	BindPort   int    `yaml:"bind_port"`
	TargetHost string `yaml:"target_host"`
	TargetPort int    `yaml:"target_port"`
}

// Flag returns "-L" or "-R".
func (f Forward) Flag() string {
	if f.Type == ForwardRemote {
		return "-R"
	}
	return "-L"
}

func (f Forward) String() string {
	bind := strconv.Itoa(f.BindPort)
	if f.BindHost != "" {
		bind = bracket(f.BindHost) + ":" + bind
	}
	return fmt.Sprintf("%s %s:%s:%d", f.Flag(), bind, bracket(f.TargetHost), f.TargetPort)
}

func bracket(host string) string {
	if strings.Contains(host, ":") {
		return "[" + host + "]"
	}
	return host
}

// ParseForwardSpec parses an ssh(1) style forward
// "[bind_host:]bind_port:target_host:target_port".  IPv6 hosts go in
// brackets.  A bind host of "*" means every interface.  When the bind
// host is omitted Local forwards bind DefaultLocalAddress and Remote
// forwards leave the choice to the server.
func ParseForwardSpec(typ, spec string) (Forward, error) {
	if typ != ForwardLocal && typ != ForwardRemote {
		return Forward{}, fmt.Errorf("invalid forward type %q", typ)
	}
	parts, err := splitSpec(spec)
	if err != nil {
		return Forward{}, fmt.Errorf("invalid forward %q: %w", spec, err)
	}

	f := Forward{Type: typ}
	switch len(parts) {
	case 3:
		if typ == ForwardLocal {
			f.BindHost = DefaultLocalAddress
		}
	case 4:
		f.BindHost = parts[0]
		if f.BindHost == "*" {
			f.BindHost = ""
		}
		parts = parts[1:]
	default:
		return Forward{}, fmt.Errorf(
			"invalid forward %q – expected [bind_host:]bind_port:target_host:target_port", spec)
	}

	if f.BindPort, err = ParsePort(parts[0]); err != nil {
		return Forward{}, fmt.Errorf("invalid forward %q: bind %w", spec, err)
	}
	f.TargetHost = parts[1]
	if f.TargetHost == "" {
		return Forward{}, fmt.Errorf("invalid forward %q: target host is required", spec)
	}
	if f.TargetPort, err = ParsePort(parts[2]); err != nil {
		return Forward{}, fmt.Errorf("invalid forward %q: target %w", spec, err)
	}
	return f, nil
}

// splitSpec splits on colons outside square brackets and strips the
// brackets.
func splitSpec(spec string) ([]string, error) {
	var (
		parts []string
		cur   strings.Builder
		depth int
	)
	for _, r := range spec {
		switch {
		case r == '[':
			if depth > 0 || cur.Len() > 0 {
				return nil, fmt.Errorf("unexpected '['")
			}
			depth++
		case r == ']':
			if depth == 0 {
				return nil, fmt.Errorf("unexpected ']'")
			}
			depth--
		case r == ':' && depth == 0:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("unterminated '['")
	}
	return append(parts, cur.String()), nil
}

// ParsePort parses a decimal TCP port in 1-65535.
func ParsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("port %q is not a number", s)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range 1-65535", port)
	}
	return port, nil
}

// Normalize fills each forward's session from the default session.
func (c *Config) Normalize() {
	for i := range c.Forwards {
		if c.Forwards[i].Session == "" {
			c.Forwards[i].Session = c.Session
		}
	}
}

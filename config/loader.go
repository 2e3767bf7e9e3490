package config

// loader.go - configuration loading from a YAML file and the
// environment.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (LoadFromEnv)
//   3. Config file  (LoadFile)
//   4. Defaults   (defaults.go)

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ── Config file ──────────────────────────────────────────────────────

// LoadFile overlays the YAML document at path onto cfg.  Keys absent
// from the file keep their current value; unknown keys are an error.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the SSHFWD_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).  Durations accept Go
// syntax ("1500ms") or a bare number of seconds.

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.  Forwards listed in
// SSHFWD_LOCAL / SSHFWD_REMOTE (comma separated) are appended.
func LoadFromEnv(cfg *Config) error {
	if v := os.Getenv("SSHFWD_SESSIONS"); v != "" {
		cfg.SessionsFile = v
	}
	if v := os.Getenv("SSHFWD_SESSION"); v != "" {
		cfg.Session = v
	}
	for _, env := range []struct{ key, typ string }{
		{"SSHFWD_LOCAL", ForwardLocal},
		{"SSHFWD_REMOTE", ForwardRemote},
	} {
		for _, spec := range envList(env.key) {
			f, err := ParseForwardSpec(env.typ, spec)
			if err != nil {
				return fmt.Errorf("%s: %w", env.key, err)
			}
			cfg.Forwards = append(cfg.Forwards, f)
		}
	}

	// SSH
	if envBool("SSHFWD_STRICT_HOSTKEY") {
		cfg.StrictHostKey = true
	}
	if v := os.Getenv("SSHFWD_KNOWN_HOSTS"); v != "" {
		cfg.KnownHostsPath = v
	}
	if v := envDuration("SSHFWD_CONNECT_TIMEOUT"); v > 0 {
		cfg.ConnectTimeout = v
	}
	if v := envDuration("SSHFWD_KEEPALIVE"); v > 0 {
		cfg.KeepAlive = v
	}
	if envBool("SSHFWD_NO_PROMPT") {
		cfg.NoPrompt = true
	}

	// Tunnels
	if v := envDuration("SSHFWD_DIAL_TIMEOUT"); v > 0 {
		cfg.DialTimeout = v
	}
	if v := envInt("SSHFWD_RATE_LIMIT"); v > 0 {
		cfg.RateLimit = int64(v)
	}
	if v := envInt("SSHFWD_BREAKER_THRESHOLD"); v > 0 {
		cfg.BreakerThreshold = v
	}

	// Supervisor
	if envBool("SSHFWD_RESTART") {
		cfg.Restart = true
	}
	if v := envInt("SSHFWD_MAX_RESTARTS"); v > 0 {
		cfg.MaxRestarts = v
	}

	// Output
	if v := os.Getenv("SSHFWD_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if envBool("SSHFWD_JSON") {
		cfg.JSON = true
	}
	if v := envInt("SSHFWD_VERBOSE"); v > 0 {
		cfg.Verbose = v
	}
	return nil
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

func envDuration(key string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return 0
}

func envList(key string) []string {
	var out []string
	for _, s := range strings.Split(os.Getenv(key), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

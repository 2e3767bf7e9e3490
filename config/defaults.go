package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, config file parsing, and environment variable
// loading.

const (
	// DefaultLocalAddress is where Local forwards bind when the spec
	// names no bind host.
	DefaultLocalAddress = "127.0.0.1"

	// DefaultSessionsFile holds the named SSH sessions.
	DefaultSessionsFile = "~/.config/sshfwd/sessions.yaml"

	// DefaultConnTimeout bounds TCP connect plus SSH handshake.
	DefaultConnTimeout = 10 * time.Second

	// DefaultKeepAlive is the SSH keepalive interval.
	DefaultKeepAlive = 30 * time.Second

	// DefaultRequestTimeout bounds tcpip-forward and keepalive replies.
	DefaultRequestTimeout = 10 * time.Second

	// DefaultPollInterval is how often accept loops check for stop.
	DefaultPollInterval = time.Second

	// DefaultStartWait is how long a start call waits for Running.
	DefaultStartWait = 2 * time.Second

	// DefaultJoinTimeout bounds the worker join in Stop.
	DefaultJoinTimeout = 2 * time.Second

	// DefaultGracePeriod is how long release waits for handlers.
	DefaultGracePeriod = 5 * time.Second

	// DefaultDialTimeout bounds Remote target dials.
	DefaultDialTimeout = 10 * time.Second

	// DefaultBreakerReset is how long an open channel breaker waits
	// before letting a probe through.
	DefaultBreakerReset = 30 * time.Second

	// DefaultMaxRestarts is how many times the supervisor replaces a
	// failed tunnel before giving up.
	DefaultMaxRestarts = 10

	// DefaultMaxRestartBackoff caps the wait between restarts.
	DefaultMaxRestartBackoff = 60 * time.Second

	// DefaultLogMaxSize is the log file rotation threshold in MB.
	DefaultLogMaxSize = 10

	// DefaultLogMaxBackups is how many rotated log files are kept.
	DefaultLogMaxBackups = 3
)

// Default returns a Config with every default applied.
func Default() *Config {
	return &Config{
		SessionsFile:   DefaultSessionsFile,
		ConnectTimeout: DefaultConnTimeout,
		KeepAlive:      DefaultKeepAlive,
		RequestTimeout: DefaultRequestTimeout,
		PollInterval:   DefaultPollInterval,
		StartWait:      DefaultStartWait,
		JoinTimeout:    DefaultJoinTimeout,
		GracePeriod:    DefaultGracePeriod,
		DialTimeout:    DefaultDialTimeout,
		BreakerReset:   DefaultBreakerReset,
		MaxRestarts:    DefaultMaxRestarts,
		LogMaxSize:     DefaultLogMaxSize,
		LogMaxBackups:  DefaultLogMaxBackups,
	}
}

package config

import (
	"time"

	ncerr "sshfwd/internal/errors"
)

// Validate checks that the configuration is internally consistent.
// Problems are reported as *errors.ConfigError with a hint.
func (c *Config) Validate() error {
	if len(c.Forwards) == 0 {
		return &ncerr.ConfigError{
			Field:   "L",
			Message: "no forwards given",
			Hint:    "add -L [bind_host:]bind_port:host:port or -R [bind_host:]bind_port:host:port",
		}
	}
	if c.SessionsFile == "" {
		return &ncerr.ConfigError{
			Field:   "sessions",
			Message: "sessions file is required",
			Hint:    "point --sessions at a YAML file with a top-level sessions: map",
		}
	}

	for _, f := range c.Forwards {
		if f.Type != ForwardLocal && f.Type != ForwardRemote {
			return &ncerr.ConfigError{Field: "forwards", Value: f.Type, Message: "type must be local or remote"}
		}
		if f.Session == "" && c.Session == "" {
			return &ncerr.ConfigError{
				Field:   "session",
				Message: f.String() + " names no session",
				Hint:    "pass -s <name> or set session: on the forward",
			}
		}
		if f.BindPort < 1 || f.BindPort > 65535 {
			return &ncerr.ConfigError{Field: f.Flag()[1:], Value: f.BindPort, Message: "bind port out of range 1-65535"}
		}
		if f.TargetPort < 1 || f.TargetPort > 65535 {
			return &ncerr.ConfigError{Field: f.Flag()[1:], Value: f.TargetPort, Message: "target port out of range 1-65535"}
		}
		if f.TargetHost == "" {
			return &ncerr.ConfigError{Field: f.Flag()[1:], Message: "target host is required"}
		}
	}

	for _, d := range []struct {
		field string
		value time.Duration
	}{
		{"connect-timeout", c.ConnectTimeout},
		{"request-timeout", c.RequestTimeout},
		{"poll-interval", c.PollInterval},
		{"start-wait", c.StartWait},
		{"join-timeout", c.JoinTimeout},
		{"grace-period", c.GracePeriod},
		{"dial-timeout", c.DialTimeout},
		{"breaker-reset", c.BreakerReset},
		{"status", c.StatusInterval},
	} {
		if d.value < 0 {
			return &ncerr.ConfigError{Field: d.field, Value: d.value, Message: "must not be negative"}
		}
	}

	if c.RateLimit < 0 {
		return &ncerr.ConfigError{Field: "rate-limit", Value: c.RateLimit, Message: "must not be negative", Hint: "use 0 for unlimited"}
	}
	if c.BreakerThreshold < 0 {
		return &ncerr.ConfigError{Field: "breaker-threshold", Value: c.BreakerThreshold, Message: "must not be negative", Hint: "use 0 to disable the channel breaker"}
	}
	if c.MaxRestarts < 0 {
		return &ncerr.ConfigError{Field: "max-restarts", Value: c.MaxRestarts, Message: "must not be negative"}
	}
	if c.LogFile != "" && (c.LogMaxSize < 1 || c.LogMaxBackups < 0) {
		return &ncerr.ConfigError{
			Field:   "log-max-size",
			Value:   c.LogMaxSize,
			Message: "log rotation needs a positive size and non-negative backup count",
		}
	}
	return nil
}

// Package metrics provides lightweight, lock-free counters for tracking
// the traffic and failures of a single tunnel.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks runtime metrics for one tunnel.
// A nil Collector is safe to use; all methods become no-ops.
type Collector struct {
	relaysActive    atomic.Int64
	relaysTotal     atomic.Int64
	bytesIn         atomic.Int64
	bytesOut        atomic.Int64
	channelFailures atomic.Int64
	breakerRejects  atomic.Int64
	errorsTotal     atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── Relay metrics ────────────────────────────────────────────────────

// RelayStarted increments both the active and total relay counters.
func (c *Collector) RelayStarted() {
	if c == nil {
		return
	}
	c.relaysActive.Add(1)
	c.relaysTotal.Add(1)
}

// RelayFinished decrements the active relay counter and adds the bytes
// the relay moved.  in counts bytes travelling from the far end back to
// the originator; out counts bytes travelling toward the far end.
func (c *Collector) RelayFinished(in, out int64) {
	if c == nil {
		return
	}
	c.relaysActive.Add(-1)
	c.bytesIn.Add(in)
	c.bytesOut.Add(out)
}

// ActiveRelays returns the number of forwarded connections in flight.
func (c *Collector) ActiveRelays() int64 {
	if c == nil {
		return 0
	}
	return c.relaysActive.Load()
}

// TotalRelays returns the lifetime forwarded connection count.
func (c *Collector) TotalRelays() int64 {
	if c == nil {
		return 0
	}
	return c.relaysTotal.Load()
}

// TotalBytesIn returns total bytes delivered back to originators.
func (c *Collector) TotalBytesIn() int64 {
	if c == nil {
		return 0
	}
	return c.bytesIn.Load()
}

// TotalBytesOut returns total bytes delivered toward targets.
func (c *Collector) TotalBytesOut() int64 {
	if c == nil {
		return 0
	}
	return c.bytesOut.Load()
}

// ── Failure metrics ──────────────────────────────────────────────────

// ChannelFailure records a forwarded connection that could not be set
// up (channel refused or target unreachable).
func (c *Collector) ChannelFailure() {
	if c == nil {
		return
	}
	c.channelFailures.Add(1)
}

// ChannelFailures returns the total channel failure count.
func (c *Collector) ChannelFailures() int64 {
	if c == nil {
		return 0
	}
	return c.channelFailures.Load()
}

// BreakerRejected records a connection refused because the channel
// circuit breaker was open.
func (c *Collector) BreakerRejected() {
	if c == nil {
		return
	}
	c.breakerRejects.Add(1)
}

// BreakerRejects returns how many connections the breaker refused.
func (c *Collector) BreakerRejects() int64 {
	if c == nil {
		return 0
	}
	return c.breakerRejects.Load()
}

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime           string `json:"uptime"`
	RelaysActive     int64  `json:"relays_active"`
	RelaysTotal      int64  `json:"relays_total"`
	BytesIn          int64  `json:"bytes_in"`
	BytesOut         int64  `json:"bytes_out"`
	ChannelFailures  int64  `json:"channel_failures"`
	BreakerRejects   int64  `json:"breaker_rejects"`
	ErrorsTotal      int64  `json:"errors_total"`
	LastError        string `json:"last_error,omitempty"`
	LastErrorMessage string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:          time.Since(c.startTime).Truncate(time.Second).String(),
		RelaysActive:    c.relaysActive.Load(),
		RelaysTotal:     c.relaysTotal.Load(),
		BytesIn:         c.bytesIn.Load(),
		BytesOut:        c.bytesOut.Load(),
		ChannelFailures: c.channelFailures.Load(),
		BreakerRejects:  c.breakerRejects.Load(),
		ErrorsTotal:     c.errorsTotal.Load(),
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}

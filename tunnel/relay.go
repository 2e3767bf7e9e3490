package tunnel

import (
	"io"
	"net"
	"sync"

	"github.com/juju/ratelimit"

	ncerr "sshfwd/internal/errors"
	"sshfwd/util"
)

// Relay copies bytes between two connections.  When one direction
// reaches end-of-stream its destination is half-closed and the other
// direction keeps flowing; both connections are closed once both
// directions have ended, on an I/O error, or on Close.  A Relay is
// used once.
type Relay struct {
	a, b net.Conn
	rate int64 // bytes/second per direction, 0 = unlimited

	closeOnce sync.Once
	done      chan struct{}
}

// NewRelay pairs a and b.  rate caps each direction in bytes/second;
// zero or negative means unlimited.
func NewRelay(a, b net.Conn, rate int64) *Relay {
	return &Relay{a: a, b: b, rate: rate, done: make(chan struct{})}
}

// Run blocks until both directions have stopped.  It returns the bytes
// copied a→b and b→a and the first error that was not an ordinary
// close, classified as [ncerr.KindRelayIO].
func (r *Relay) Run() (aToB, bToA int64, err error) {
	var (
		wg   sync.WaitGroup
		errs [2]error
	)
	wg.Add(2)

	go func() {
		defer wg.Done()
		aToB, errs[0] = r.direction(r.b, r.a)
	}()

	go func() {
		defer wg.Done()
		bToA, errs[1] = r.direction(r.a, r.b)
	}()

	wg.Wait()
	r.Close()

	for _, e := range errs {
		if e != nil && !util.IsHarmless(e) {
			err = ncerr.Wrap(ncerr.KindRelayIO, "relay", r.a.RemoteAddr().String(), e)
			break
		}
	}
	return aToB, bToA, err
}

// direction copies src to dst.  A clean end-of-stream is passed on as
// a half-close; anything else, or a dst that cannot half-close, tears
// the whole relay down.
func (r *Relay) direction(dst, src net.Conn) (int64, error) {
	n, err := r.pipe(dst, src)
	if err != nil || !closeWrite(dst) {
		r.Close()
	}
	return n, err
}

// closeWrite shuts down the write side of c, as *net.TCPConn and SSH
// channels allow.  It reports false when c cannot half-close.
func closeWrite(c net.Conn) bool {
	hc, ok := c.(interface{ CloseWrite() error })
	return ok && hc.CloseWrite() == nil
}

// pipe copies one direction in fixed-size chunks.
func (r *Relay) pipe(dst io.Writer, src io.Reader) (int64, error) {
	buf := util.GetBuf()
	defer util.PutBuf(buf)

	if r.rate > 0 {
		bucket := ratelimit.NewBucketWithRate(float64(r.rate), r.rate)
		src = ratelimit.Reader(src, bucket)
	}
	return util.CopyChunks(dst, src, *buf)
}

// Close closes both connections.  It is idempotent and safe to call
// from any goroutine; a blocked Run returns shortly after.
func (r *Relay) Close() {
	r.closeOnce.Do(func() {
		r.a.Close()
		r.b.Close()
		close(r.done)
	})
}

// Done is closed once the relay has closed its connections.
func (r *Relay) Done() <-chan struct{} { return r.done }

package util

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// DefaultBufSize is the standard relay chunk size (32 KiB).
const DefaultBufSize = 32 * 1024

// CopyChunks copies src to dst one read at a time through buf until
// src reports EOF or either side fails.  Unlike io.CopyBuffer it never
// delegates to ReaderFrom/WriterTo, so every transfer is bounded by
// len(buf).  EOF is not reported as an error.
func CopyChunks(dst io.Writer, src io.Reader, buf []byte) (int64, error) {
	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			written += int64(w)
			if werr != nil {
				return written, werr
			}
			if w != n {
				return written, io.ErrShortWrite
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return written, nil
			}
			return written, rerr
		}
	}
}

// IsHarmless returns true for errors that are expected when one side
// of a connection goes away: EOF, use of a closed connection, a peer
// reset or a broken pipe.
func IsHarmless(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	// net.OpError wrapping "use of closed network connection"
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, net.ErrClosed)
	}
	return false
}

package retry

import (
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"syscall"

	"github.com/airlock-project/airlock/common/fault"
)

// transientErrnos are the socket-level failures worth a second attempt.
var transientErrnos = []syscall.Errno{
	syscall.ECONNRESET,
	syscall.ECONNREFUSED,
	syscall.ECONNABORTED,
	syscall.ETIMEDOUT,
	syscall.EPIPE,
	syscall.ENETUNREACH,
	syscall.EHOSTUNREACH,
}

// transientFragments catches errors that only surface as text, typically
// re-wrapped by HTTP libraries or peers.
var transientFragments = []string{
	"fetch failed",
	"socket hang up",
	"other side closed",
	"timed out after",
	"connection reset",
}

// Transient reports whether err looks like a short-lived network failure:
// connection resets and refusals, timeouts, DNS hiccups, idle-stream aborts.
// Policy and auth errors are never transient.
func Transient(err error) bool {
	if err == nil {
		return false
	}

	switch fault.KindOf(err) {
	case fault.TransientNetwork, fault.StreamIdleTimeout:
		return true
	case fault.Internal:
		// Not a fault; fall through to the transport checks below.
	default:
		return false
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		for _, t := range transientErrnos {
			if errno == t {
				return true
			}
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		// Covers both the EAI_AGAIN and not-found flavors; a flapping
		// resolver heals on retry more often than not.
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	msg := err.Error()
	for _, fragment := range transientFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

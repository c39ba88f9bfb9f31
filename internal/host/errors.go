package host

import (
	"errors"
	"fmt"

	"github.com/GriffinCanCode/ScriptBridge/internal/protocol"
)

// ErrDisposed is returned by every operation on a disposed host.
var ErrDisposed = errors.New("host is disposed")

// ErrReset is returned to waiters whose requests were cut off by Reset. The
// host stays usable and re-initializes on next use.
var ErrReset = errors.New("host was reset")

// ErrTimeout is wrapped into the error returned when a request outlives its
// timeout. A timeout is not presumed fatal: the sandbox is left running and
// the caller decides whether to retry.
var ErrTimeout = errors.New("did not receive a response within the specified timeout")

// RemoteError carries an error payload returned by the sandbox. The text is
// surfaced verbatim.
type RemoteError struct {
	Text string
}

func (e *RemoteError) Error() string { return e.Text }

// unexpectedResponse reports a protocol violation, naming both types.
func unexpectedResponse(want, got protocol.Type) error {
	return fmt.Errorf("unexpected response type %q (expected %q)", got, want)
}

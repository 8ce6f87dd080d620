package udpx

import "errors"

var (
	// ErrPlatformNotSupported is returned by the options send path on
	// platforms without per-packet cmsg support.
	ErrPlatformNotSupported = errors.New("per-packet send options not supported on this platform")

	// ErrMessageTooBig is returned when sendmsg fails with EMSGSIZE while the
	// DF bit is set. This is the expected signal during path-MTU discovery and
	// must be handled by the caller, never retried here.
	ErrMessageTooBig = errors.New("message too big for path MTU")

	// ErrFlowLabelRange is returned when a flow label exceeds 20 bits.
	ErrFlowLabelRange = errors.New("flow label out of range")
)

package ble

import "errors"

// Failure taxonomy for the locator and transfer session. The retry
// supervisor classifies these into retryable transport faults and
// terminal protocol faults with errors.Is.
var (
	// ErrNotFound: the scan deadline elapsed with no matching device.
	ErrNotFound = errors.New("ble: device not found")

	// ErrAmbiguousMatch: a pattern matched multiple devices with no
	// deterministic tie-break.
	ErrAmbiguousMatch = errors.New("ble: ambiguous device match")

	// ErrConnectFailed: the connection attempt timed out or was refused.
	ErrConnectFailed = errors.New("ble: connect failed")

	// ErrProtocolMismatch: the peer lacks the expected vendor service
	// or characteristics; it is the wrong device.
	ErrProtocolMismatch = errors.New("ble: vendor protocol mismatch")

	// ErrRejected: the peripheral answered an announcement or chunk
	// with something other than the expected acknowledgment.
	ErrRejected = errors.New("ble: transfer rejected by peripheral")

	// ErrTimeout: a per-chunk or overall transfer deadline elapsed.
	ErrTimeout = errors.New("ble: transfer timed out")

	// ErrDisconnected: the link dropped mid-transfer.
	ErrDisconnected = errors.New("ble: peripheral disconnected")
)

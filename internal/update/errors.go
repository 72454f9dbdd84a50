package update

import "errors"

var (
	// ErrIO covers open/read/write failures on a single file.
	ErrIO = errors.New("IO_ERROR")
	// ErrNetworkUnavailable means the OTA endpoint cannot be reached.
	ErrNetworkUnavailable = errors.New("NETWORK_UNAVAILABLE")
	// ErrVerification means the file failed size, checksum or digest checks.
	ErrVerification = errors.New("VERIFICATION_FAILURE")
	// ErrUnknownKind means the file has no install action.
	ErrUnknownKind = errors.New("UNKNOWN_KIND")
)

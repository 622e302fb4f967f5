package protocol

import "errors"

var (
	ErrEmptyPacket     = errors.New("protocol: empty packet")
	ErrTruncated       = errors.New("protocol: truncated data")
	ErrNestedTimestamp = errors.New("protocol: nested timestamp wrapper")
	ErrNotApplication  = errors.New("protocol: not an application packet")
	ErrInvalidGUID     = errors.New("protocol: invalid guid field")
	ErrMissingField    = errors.New("protocol: missing required field")
)

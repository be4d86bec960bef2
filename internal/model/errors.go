package model

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidShard       = errors.New("invalid shard arguments")
	ErrNotFound           = errors.New("not found")
	ErrStoreNotConfigured = errors.New("object store not configured")
)

// ProbeError means the stream resolution could not be determined
type ProbeError struct {
	Path string
	Err  error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe %s: %v", e.Path, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// EmptySourceError means the source file is zero bytes long
type EmptySourceError struct {
	Path string
}

func (e *EmptySourceError) Error() string {
	return fmt.Sprintf("empty source %s", e.Path)
}

// DecodeStreamError means the decoder stopped abnormally mid-stream
type DecodeStreamError struct {
	Path  string
	Frame int
	Err   error
}

func (e *DecodeStreamError) Error() string {
	return fmt.Sprintf("decode %s at frame %d: %v", e.Path, e.Frame, e.Err)
}

func (e *DecodeStreamError) Unwrap() error { return e.Err }

// DetectionError means one frame's detector output was missing or malformed
type DetectionError struct {
	Frame  int
	Reason string
	Err    error
}

func (e *DetectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("detection frame %d: %s: %v", e.Frame, e.Reason, e.Err)
	}
	return fmt.Sprintf("detection frame %d: %s", e.Frame, e.Reason)
}

func (e *DetectionError) Unwrap() error { return e.Err }

// StoreTransferError is a remote I/O failure on one key
type StoreTransferError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreTransferError) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StoreTransferError) Unwrap() error { return e.Err }

// ErrorCode maps an error to a stable code for reports
func ErrorCode(err error) string {
	var (
		probe  *ProbeError
		empty  *EmptySourceError
		decode *DecodeStreamError
		detect *DetectionError
		store  *StoreTransferError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &probe):
		return "PROBE_ERROR"
	case errors.As(err, &empty):
		return "EMPTY_SOURCE"
	case errors.As(err, &decode):
		return "DECODE_STREAM_ERROR"
	case errors.As(err, &detect):
		return "DETECTION_ERROR"
	case errors.As(err, &store):
		return "STORE_TRANSFER_ERROR"
	default:
		return "UNKNOWN"
	}
}

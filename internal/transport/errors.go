package transport

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ConnectionError reports that an outbound connection to a subscriber or peer
// could not be established
type ConnectionError struct {
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// GRPCStatus lets the gRPC server surface the error as Unavailable
func (e *ConnectionError) GRPCStatus() *status.Status {
	return status.New(codes.Unavailable, e.Error())
}

// UnknownError wraps any other RPC-layer failure
type UnknownError struct {
	Err error
}

func (e *UnknownError) Error() string {
	return fmt.Sprintf("unknown rpc error: %v", e.Err)
}

func (e *UnknownError) Unwrap() error {
	return e.Err
}

func (e *UnknownError) GRPCStatus() *status.Status {
	return status.New(codes.Unknown, e.Error())
}

// IsConnectionError reports whether err is a ConnectionError, either locally
// constructed or received from a remote broker as an Unavailable status
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return true
	}
	return status.Code(err) == codes.Unavailable
}

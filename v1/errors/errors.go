// Package errors defines sentinel errors shared by the latch store backends.
package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")
)

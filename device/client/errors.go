package client

import "errors"

var (
	// ErrInvalidStateTransition is returned when a lifecycle transition is not
	// allowed by the transition table. The current state is left unchanged.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrUploadExhausted is returned when an upload fails after the bounded
	// number of attempts.
	ErrUploadExhausted = errors.New("upload attempts exhausted")

	// ErrNotConnected is returned when sending without an established transport.
	ErrNotConnected = errors.New("not connected")

	// ErrUploadQueueFull is returned when the upload queue cannot accept more jobs.
	ErrUploadQueueFull = errors.New("upload queue full")
)

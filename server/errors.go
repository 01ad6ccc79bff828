package main

import "errors"

var (
	// ErrAuthentication is returned for missing identity or bad credentials.
	// Both cases are reported identically to the peer.
	ErrAuthentication = errors.New("authentication failed")

	// ErrIncompleteTransfer is returned when a file transfer delivers fewer
	// bytes than its header declared.
	ErrIncompleteTransfer = errors.New("incomplete file transfer")

	// ErrChecksumMismatch is returned when a transferred file fails its
	// declared SHA-256 verification.
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/scanhub-os/scanhub/server/storage"
)

// authRejectReason is the uniform close reason for every authentication
// failure. Unknown identity and bad credential must be indistinguishable to
// the peer.
const authRejectReason = "Invalid device_id or device_token"

// authenticateDevice validates the Device-Id and Device-Token headers against
// the store. Every failure path returns ErrAuthentication and costs one
// credential verification, so an observer cannot tell whether the identity
// exists.
func authenticateDevice(ctx context.Context, r *http.Request, store storage.Store) (*storage.Device, error) {
	deviceID := r.Header.Get("Device-Id")
	deviceToken := r.Header.Get("Device-Token")

	if deviceID == "" || deviceToken == "" {
		return nil, fmt.Errorf("%w: missing identity headers", ErrAuthentication)
	}
	if _, err := uuid.Parse(deviceID); err != nil {
		return nil, fmt.Errorf("%w: malformed device id", ErrAuthentication)
	}

	device, err := store.GetDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, storage.ErrDeviceNotFound) {
			// Burn the same verification work as the known-identity path.
			storage.VerifyDummyToken(deviceToken)
			return nil, fmt.Errorf("%w: unknown device", ErrAuthentication)
		}
		return nil, fmt.Errorf("device lookup: %w", err)
	}

	ok, err := storage.VerifyToken(deviceToken, device.TokenHash)
	if err != nil {
		return nil, fmt.Errorf("credential verification: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: bad credential", ErrAuthentication)
	}
	return device, nil
}

package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/scanhub-os/scanhub/common/ws"
	"github.com/scanhub-os/scanhub/server/storage"
)

// startScanRequest is the acquisition task pushed to a device.
type startScanRequest struct {
	ID         string          `json:"id"`
	DeviceID   string          `json:"device_id"`
	SequenceID string          `json:"sequence_id"`
	Sequence   json.RawMessage `json:"sequence,omitempty"`
	MRDHeader  string          `json:"mrd_header,omitempty"`
}

// HandleStartScan accepts an acquisition task and pushes a start command over
// the device's registered session. 404 for an unknown device, 503 when the
// device has no live session.
func (h *DeviceHub) HandleStartScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	accessToken := bearerToken(r)
	if accessToken == "" {
		http.Error(w, "Missing access token", http.StatusUnauthorized)
		return
	}

	var req startScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.DeviceID == "" {
		http.Error(w, "Missing device ID", http.StatusNotFound)
		return
	}
	if req.ID == "" {
		http.Error(w, "Missing task ID", http.StatusBadRequest)
		return
	}

	device, err := h.store.GetDevice(r.Context(), req.DeviceID)
	if err != nil {
		if errors.Is(err, storage.ErrDeviceNotFound) {
			http.Error(w, "Device not found", http.StatusNotFound)
			return
		}
		logError("Device lookup failed for start scan", "device_id", req.DeviceID, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	conn, ok := h.registry.Lookup(req.DeviceID)
	if !ok {
		http.Error(w, "Device offline.", http.StatusServiceUnavailable)
		return
	}

	payload := ws.AcquisitionPayload{
		ID:              req.ID,
		DeviceID:        req.DeviceID,
		SequenceID:      req.SequenceID,
		Sequence:        req.Sequence,
		MRDHeader:       req.MRDHeader,
		AccessToken:     accessToken,
		DeviceParameter: device.Parameter,
	}

	if err := conn.WriteJSON(ws.NewStart(payload), wsWriteTimeout); err != nil {
		logWarn("Failed to push start command", "device_id", req.DeviceID, "task_id", req.ID, "error", err)
		http.Error(w, "Device offline.", http.StatusServiceUnavailable)
		return
	}

	logInfo("Start command dispatched", "device_id", req.DeviceID, "task_id", req.ID)
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte("{}"))
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/scanhub-os/scanhub/common/ws"
	"github.com/scanhub-os/scanhub/server/storage"
	"github.com/scanhub-os/scanhub/server/taskapi"
)

const wsWriteTimeout = 10 * time.Second

// DeviceHub owns the device websocket endpoint: authentication, the session
// registry, per-connection dispatch, and the collaborators the handlers need.
type DeviceHub struct {
	store       storage.Store
	tasks       taskapi.TaskService
	registry    *SessionRegistry
	liveness    *LivenessMonitor
	dataLakeDir string
}

// NewDeviceHub wires the hub with its collaborators.
func NewDeviceHub(store storage.Store, tasks taskapi.TaskService, registry *SessionRegistry, liveness *LivenessMonitor, dataLakeDir string) *DeviceHub {
	return &DeviceHub{
		store:       store,
		tasks:       tasks,
		registry:    registry,
		liveness:    liveness,
		dataLakeDir: dataLakeDir,
	}
}

// HandleWebSocket upgrades the connection, authenticates the device, and runs
// the per-connection receive loop until disconnect.
func (h *DeviceHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.UpgradeHTTP(w, r)
	if err != nil {
		logError("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	device, err := authenticateDevice(r.Context(), r, h.store)
	if err != nil {
		if errors.Is(err, ErrAuthentication) {
			logWarn("Device authentication rejected", "remote", r.RemoteAddr)
		} else {
			logError("Device authentication error", "remote", r.RemoteAddr, "error", err)
		}
		conn.ClosePolicyViolation(authRejectReason)
		return
	}

	logInfo("Device connected", "device_id", device.ID, "name", device.Name, "remote", conn.RemoteAddr())
	h.registry.Register(device.ID, conn)

	defer func() {
		h.registry.Remove(device.ID, conn)
		h.liveness.Forget(device.ID)
		conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := h.store.UpdateDeviceStatus(ctx, device.ID, "OFFLINE"); err != nil {
			logWarn("Failed to mark device offline after disconnect", "device_id", device.ID, "error", err)
		}
		logInfo("Device disconnected", "device_id", device.ID)
	}()

	h.receiveLoop(r.Context(), conn, device.ID)
}

// receiveLoop is the single-threaded dispatcher for one connection. Handler
// errors are answered with feedback; the connection is only ever closed by
// the peer or the transport.
func (h *DeviceHub) receiveLoop(ctx context.Context, conn *ws.Conn, deviceID string) {
	for {
		mt, raw, err := conn.Read()
		if err != nil {
			if ws.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logWarn("WebSocket read error", "device_id", deviceID, "error", err)
			}
			return
		}

		if mt != ws.TextMessage {
			// Binary frames only have meaning inside a file transfer.
			logDebug("Ignoring unexpected binary frame", "device_id", deviceID, "len", len(raw))
			continue
		}

		msg, err := ws.Decode(raw)
		if err != nil {
			logWarn("Failed to parse device message", "device_id", deviceID, "error", err)
			h.sendFeedback(conn, "Invalid message format")
			continue
		}

		switch m := msg.(type) {
		case ws.Register:
			h.handleRegister(ctx, conn, deviceID, m)
		case ws.Ping:
			h.liveness.Touch(deviceID)
			if err := conn.WriteJSON(ws.NewPong(), wsWriteTimeout); err != nil {
				logWarn("Failed to answer ping", "device_id", deviceID, "error", err)
			}
		case ws.StatusUpdate:
			h.handleStatusUpdate(ctx, conn, deviceID, m)
		case ws.FileTransferHeader:
			h.handleFileTransfer(ctx, conn, deviceID, m)
		default:
			logWarn("Unknown command from device", "device_id", deviceID, "command", msg.Cmd())
			h.sendFeedback(conn, "Unknown command: %s", msg.Cmd())
		}
	}
}

// handleRegister upserts the device details and forces the device ONLINE.
// Re-registration of an online device is an idempotent update.
func (h *DeviceHub) handleRegister(ctx context.Context, conn *ws.Conn, deviceID string, msg ws.Register) {
	details := storage.DeviceDetails{
		Name:         msg.Data.Name,
		SerialNumber: msg.Data.SerialNumber,
		Manufacturer: msg.Data.Manufacturer,
		Modality:     msg.Data.Modality,
		Site:         msg.Data.Site,
		Parameter:    msg.Data.Parameter,
	}

	if err := h.store.UpsertDeviceDetails(ctx, deviceID, details); err != nil {
		logError("Failed to register device", "device_id", deviceID, "error", err)
		h.sendFeedback(conn, "Error registering device: %v", err)
		return
	}

	logInfo("Device registered", "device_id", deviceID, "name", details.Name)
	h.sendFeedback(conn, "Device registered successfully")
}

// handleStatusUpdate persists the reported device state and applies the
// linked task's state logic for BUSY and ERROR reports.
func (h *DeviceHub) handleStatusUpdate(ctx context.Context, conn *ws.Conn, deviceID string, msg ws.StatusUpdate) {
	status := msg.Status
	if !status.Valid() {
		h.sendFeedback(conn, "Invalid status: %s", string(status))
		return
	}

	if err := h.store.UpdateDeviceStatus(ctx, deviceID, string(status)); err != nil {
		logError("Failed to update device state", "device_id", deviceID, "error", err)
		h.sendFeedback(conn, "Error updating device state.")
	}

	// ONLINE/OFFLINE carry no task linkage.
	if status == ws.StatusOnline || status == ws.StatusOffline {
		h.sendFeedback(conn, "Device %s acknowledged.", string(status))
		return
	}

	if msg.TaskID == "" || msg.UserAccessToken == "" {
		h.sendFeedback(conn, "Missing task_id or user_access_token for task update.")
		return
	}

	task, err := h.tasks.GetTask(ctx, msg.TaskID, msg.UserAccessToken)
	if err != nil {
		logWarn("Failed to fetch task for status update", "device_id", deviceID, "task_id", msg.TaskID, "error", err)
		h.sendFeedback(conn, "Error fetching task: %v", err)
		return
	}

	switch status {
	case ws.StatusError:
		task.Status = taskapi.StatusError
		errorMessage := msg.Data.ErrorMessage
		if errorMessage == "" {
			errorMessage = "Unspecified device error."
		}
		task.ErrorMessage = errorMessage
		logWarn("Device reported task error", "device_id", deviceID, "task_id", msg.TaskID, "message", errorMessage)

	case ws.StatusBusy:
		progress := task.Progress
		if msg.Data.Progress != nil {
			progress = *msg.Data.Progress
		}
		if progress < 0 {
			progress = 0
		}
		if progress > 100 {
			progress = 100
		}
		task.Progress = progress
		if progress >= 100 {
			task.Status = taskapi.StatusFinished
		} else {
			task.Status = taskapi.StatusInProgress
		}
	}

	updated, err := h.tasks.SetTask(ctx, task, msg.UserAccessToken)
	if err != nil {
		logError("Failed to update task", "device_id", deviceID, "task_id", msg.TaskID, "error", err)
		h.sendFeedback(conn, "Could not update task: %v", err)
		return
	}

	h.sendFeedback(conn, "Device %s update processed (progress=%d%%).", string(status), updated.Progress)
}

func (h *DeviceHub) sendFeedback(conn *ws.Conn, format string, args ...interface{}) {
	if err := conn.WriteJSON(ws.NewFeedback(format, args...), wsWriteTimeout); err != nil {
		logWarn("Failed to send feedback", "error", err)
	}
}

package main

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanhub-os/scanhub/common/ws"
	"github.com/scanhub-os/scanhub/server/taskapi"
)

// dialExpectingRejection connects with the given headers and asserts the
// server closes the socket with a policy violation before any application
// frame.
func dialExpectingRejection(t *testing.T, th *testHub, deviceID, token string) {
	t.Helper()
	header := http.Header{}
	if deviceID != "" {
		header.Set("Device-Id", deviceID)
	}
	if token != "" {
		header.Set("Device-Token", token)
	}

	conn, resp, err := websocket.DefaultDialer.Dial(th.wsURL(), header)
	require.NoError(t, err, "handshake completes; rejection arrives as a close frame")
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation),
		"expected close code 1008, got: %v", err)
}

func TestAuthRejectionsAreIndistinguishable(t *testing.T) {
	th := newTestHub(t)
	knownID := uuid.NewString()
	th.store.addDevice(t, knownID, "right-token")

	// Unknown identity, bad credential, malformed id, and missing headers all
	// produce the same close code.
	dialExpectingRejection(t, th, uuid.NewString(), "any-token")
	dialExpectingRejection(t, th, knownID, "wrong-token")
	dialExpectingRejection(t, th, "not-a-uuid", "any-token")
	dialExpectingRejection(t, th, "", "")
}

func TestRegisterUpsertsAndAcknowledges(t *testing.T) {
	th := newTestHub(t)
	deviceID := uuid.NewString()
	th.store.addDevice(t, deviceID, "tok")

	conn := th.dial(t, deviceID, "tok")

	details := ws.DeviceDetails{
		Name:         "scanner-7t",
		SerialNumber: "SN-7",
		Manufacturer: "Acme",
		Modality:     "MRI",
		Site:         "site-1",
	}
	sendJSON(t, conn, ws.NewRegister(details))

	assert.Equal(t, "Device registered successfully", readFeedback(t, conn))

	dev, err := th.store.GetDevice(context.Background(), deviceID)
	require.NoError(t, err)
	assert.Equal(t, "scanner-7t", dev.Name)
	assert.Equal(t, "ONLINE", dev.Status)

	// Re-registering is idempotent.
	sendJSON(t, conn, ws.NewRegister(details))
	assert.Equal(t, "Device registered successfully", readFeedback(t, conn))
	dev, err = th.store.GetDevice(context.Background(), deviceID)
	require.NoError(t, err)
	assert.Equal(t, "ONLINE", dev.Status)
}

func TestPingAnsweredWithPong(t *testing.T) {
	th := newTestHub(t)
	deviceID := uuid.NewString()
	th.store.addDevice(t, deviceID, "tok")

	conn := th.dial(t, deviceID, "tok")
	sendJSON(t, conn, ws.NewPing())

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var pong ws.Pong
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, ws.CommandPong, pong.Command)

	th.store.mu.Lock()
	_, touched := th.store.touched[deviceID]
	th.store.mu.Unlock()
	assert.True(t, touched, "ping must record liveness")
}

func TestUpdateStatusOnlineAcknowledged(t *testing.T) {
	th := newTestHub(t)
	deviceID := uuid.NewString()
	th.store.addDevice(t, deviceID, "tok")

	conn := th.dial(t, deviceID, "tok")
	sendJSON(t, conn, ws.NewStatusUpdate(ws.StatusOnline, ws.StatusData{}, "", ""))

	assert.Equal(t, "Device ONLINE acknowledged.", readFeedback(t, conn))
	assert.Equal(t, "ONLINE", th.store.currentStatus(deviceID))
}

func TestUpdateStatusInvalidStatus(t *testing.T) {
	th := newTestHub(t)
	deviceID := uuid.NewString()
	th.store.addDevice(t, deviceID, "tok")

	conn := th.dial(t, deviceID, "tok")
	sendJSON(t, conn, map[string]interface{}{
		"command": "update_status",
		"status":  "WEIRD",
	})

	assert.Equal(t, "Invalid status: WEIRD", readFeedback(t, conn))
	assert.Empty(t, th.store.statusHistory(deviceID), "invalid status must not be persisted")
}

func TestUpdateStatusBusyRequiresTaskLinkage(t *testing.T) {
	th := newTestHub(t)
	deviceID := uuid.NewString()
	th.store.addDevice(t, deviceID, "tok")

	conn := th.dial(t, deviceID, "tok")
	progress := 10
	sendJSON(t, conn, ws.NewStatusUpdate(ws.StatusBusy, ws.StatusData{Progress: &progress}, "", ""))

	assert.Equal(t, "Missing task_id or user_access_token for task update.", readFeedback(t, conn))
}

func TestUpdateStatusBusyProgress(t *testing.T) {
	th := newTestHub(t)
	deviceID := uuid.NewString()
	th.store.addDevice(t, deviceID, "tok")
	th.tasks.addTask(&taskapi.Task{ID: "task-1", WorkflowID: "wf-1", Status: taskapi.StatusNew})

	conn := th.dial(t, deviceID, "tok")

	progress := 55
	sendJSON(t, conn, ws.NewStatusUpdate(ws.StatusBusy, ws.StatusData{Progress: &progress}, "task-1", "user-tok"))
	assert.Equal(t, "Device BUSY update processed (progress=55%).", readFeedback(t, conn))

	task := th.tasks.task("task-1")
	require.NotNil(t, task)
	assert.Equal(t, taskapi.StatusInProgress, task.Status)
	assert.Equal(t, 55, task.Progress)

	progress = 100
	sendJSON(t, conn, ws.NewStatusUpdate(ws.StatusBusy, ws.StatusData{Progress: &progress}, "task-1", "user-tok"))
	assert.Equal(t, "Device BUSY update processed (progress=100%).", readFeedback(t, conn))

	task = th.tasks.task("task-1")
	assert.Equal(t, taskapi.StatusFinished, task.Status)
	assert.Equal(t, 100, task.Progress)
}

func TestUpdateStatusBusyClampsProgress(t *testing.T) {
	th := newTestHub(t)
	deviceID := uuid.NewString()
	th.store.addDevice(t, deviceID, "tok")
	th.tasks.addTask(&taskapi.Task{ID: "task-1", WorkflowID: "wf-1"})

	conn := th.dial(t, deviceID, "tok")

	progress := 140
	sendJSON(t, conn, ws.NewStatusUpdate(ws.StatusBusy, ws.StatusData{Progress: &progress}, "task-1", "user-tok"))
	readFeedback(t, conn)

	task := th.tasks.task("task-1")
	assert.Equal(t, 100, task.Progress)
	assert.Equal(t, taskapi.StatusFinished, task.Status)

	progress = -5
	sendJSON(t, conn, ws.NewStatusUpdate(ws.StatusBusy, ws.StatusData{Progress: &progress}, "task-1", "user-tok"))
	readFeedback(t, conn)

	task = th.tasks.task("task-1")
	assert.Equal(t, 0, task.Progress)
	assert.Equal(t, taskapi.StatusInProgress, task.Status)
}

func TestUpdateStatusErrorMarksTask(t *testing.T) {
	th := newTestHub(t)
	deviceID := uuid.NewString()
	th.store.addDevice(t, deviceID, "tok")
	th.tasks.addTask(&taskapi.Task{ID: "task-1", WorkflowID: "wf-1", Status: taskapi.StatusInProgress})

	conn := th.dial(t, deviceID, "tok")
	sendJSON(t, conn, ws.NewStatusUpdate(ws.StatusError, ws.StatusData{}, "task-1", "user-tok"))
	readFeedback(t, conn)

	task := th.tasks.task("task-1")
	require.NotNil(t, task)
	assert.Equal(t, taskapi.StatusError, task.Status)
	assert.Equal(t, "Unspecified device error.", task.ErrorMessage)
}

func TestUnknownCommandKeepsConnectionOpen(t *testing.T) {
	th := newTestHub(t)
	deviceID := uuid.NewString()
	th.store.addDevice(t, deviceID, "tok")

	conn := th.dial(t, deviceID, "tok")
	sendJSON(t, conn, map[string]interface{}{"command": "frobnicate"})
	assert.Equal(t, "Unknown command: frobnicate", readFeedback(t, conn))

	// The connection stays usable after an unknown command.
	sendJSON(t, conn, ws.NewPing())
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var pong ws.Pong
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, ws.CommandPong, pong.Command)
}

func TestDisconnectMarksDeviceOffline(t *testing.T) {
	th := newTestHub(t)
	deviceID := uuid.NewString()
	th.store.addDevice(t, deviceID, "tok")

	conn := th.dial(t, deviceID, "tok")
	require.Eventually(t, func() bool { return th.registry.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool {
		return th.registry.Len() == 0 && th.store.currentStatus(deviceID) == "OFFLINE"
	}, 2*time.Second, 10*time.Millisecond)
}
